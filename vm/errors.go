package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dispatch.vm")

var (
	// ErrNotFound is returned by Send when no class in the chain implements
	// the selector and no forwarder is configured.
	ErrNotFound = errors.New("vm: method not found")
	// ErrNoImplementation indicates a resolved entry point with no Go function bound.
	ErrNoImplementation = errors.New("vm: no implementation bound to entry point")
	// ErrDuplicateClass indicates a class name is already registered.
	ErrDuplicateClass = errors.New("vm: class already registered")
	// ErrUnknownClass indicates a class name or address that is not registered.
	ErrUnknownClass = errors.New("vm: unknown class")
	// ErrHasSubclasses indicates a class that cannot be disposed while subclasses exist.
	ErrHasSubclasses = errors.New("vm: class has subclasses")
	// ErrNotConstructing indicates a class pair operation on a class that was
	// not created by AllocateClass.
	ErrNotConstructing = errors.New("vm: class is not under construction")
	// ErrSelectorConflict indicates selector seeding that disagrees with
	// selectors already interned.
	ErrSelectorConflict = errors.New("vm: selector offset conflict")
	// ErrInvalidList indicates malformed record list bytes.
	ErrInvalidList = errors.New("vm: invalid record list")
)

// FatalKind classifies unrecoverable runtime conditions.
type FatalKind uint8

const (
	// FatalCorruption covers cache contents that fail validation.
	FatalCorruption FatalKind = iota + 1
	// FatalExhaustion covers index or count overflow while growing metadata.
	FatalExhaustion
)

func (k FatalKind) String() string {
	switch k {
	case FatalCorruption:
		return "corruption"
	case FatalExhaustion:
		return "resource exhaustion"
	default:
		return "unknown"
	}
}

// FatalError is the panic value raised for unrecoverable conditions.
// It is never returned as an ordinary error.
type FatalError struct {
	Kind   FatalKind
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("vm: fatal %s: %s", e.Kind, e.Detail)
}

func fatal(kind FatalKind, format string, args ...any) {
	err := &FatalError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	log.Critical(err.Error())
	panic(err)
}

// ErrArity indicates a send whose argument count does not match the bound
// implementation.
var ErrArity = errors.New("vm: wrong number of arguments")

var (
	// ErrUnresolvedFuture indicates a future class whose definition never arrived.
	ErrUnresolvedFuture = errors.New("vm: future class not resolved")
	// ErrCycle indicates a superclass chain that would loop.
	ErrCycle = errors.New("vm: superclass cycle")
	// ErrInvalidClass indicates an unusable class record.
	ErrInvalidClass = errors.New("vm: invalid class record")
)
