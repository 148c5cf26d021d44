package vm

import "sync"

// Implementation is a Go function bound to an entry point.
//
// The arity-specialized wrappers below avoid unpacking a slice in the
// common cases.
type Implementation interface {
	Invoke(rt *Runtime, receiver any, args []any) any
	Arity() int // -1 for variable arity
}

// PrimitiveFunc implements a method of any arity.
type PrimitiveFunc func(rt *Runtime, receiver any, args []any) any

// Method0Func is a primitive taking no arguments.
type Method0Func func(rt *Runtime, receiver any) any

// Method1Func is a primitive taking one argument.
type Method1Func func(rt *Runtime, receiver any, arg1 any) any

// Method2Func is a primitive taking two arguments.
type Method2Func func(rt *Runtime, receiver any, arg1, arg2 any) any

// Method3Func is a primitive taking three arguments.
type Method3Func func(rt *Runtime, receiver any, arg1, arg2, arg3 any) any

// ---------------------------------------------------------------------------
// Arity-specialized wrappers
// ---------------------------------------------------------------------------

type primitiveImpl struct{ fn PrimitiveFunc }

func (m primitiveImpl) Invoke(rt *Runtime, receiver any, args []any) any {
	return m.fn(rt, receiver, args)
}
func (primitiveImpl) Arity() int { return -1 }

type impl0 struct{ fn Method0Func }

func (m impl0) Invoke(rt *Runtime, receiver any, _ []any) any { return m.fn(rt, receiver) }
func (impl0) Arity() int                                      { return 0 }

type impl1 struct{ fn Method1Func }

func (m impl1) Invoke(rt *Runtime, receiver any, args []any) any {
	return m.fn(rt, receiver, args[0])
}
func (impl1) Arity() int { return 1 }

type impl2 struct{ fn Method2Func }

func (m impl2) Invoke(rt *Runtime, receiver any, args []any) any {
	return m.fn(rt, receiver, args[0], args[1])
}
func (impl2) Arity() int { return 2 }

type impl3 struct{ fn Method3Func }

func (m impl3) Invoke(rt *Runtime, receiver any, args []any) any {
	return m.fn(rt, receiver, args[0], args[1], args[2])
}
func (impl3) Arity() int { return 3 }

// NewPrimitive wraps a variable-arity function.
func NewPrimitive(fn PrimitiveFunc) Implementation { return primitiveImpl{fn} }

// NewMethod0 wraps a zero-argument function.
func NewMethod0(fn Method0Func) Implementation { return impl0{fn} }

// NewMethod1 wraps a one-argument function.
func NewMethod1(fn Method1Func) Implementation { return impl1{fn} }

// NewMethod2 wraps a two-argument function.
func NewMethod2(fn Method2Func) Implementation { return impl2{fn} }

// NewMethod3 wraps a three-argument function.
func NewMethod3(fn Method3Func) Implementation { return impl3{fn} }

// ---------------------------------------------------------------------------
// ImpTable: entry point -> Go implementation
// ---------------------------------------------------------------------------

const impStride = 0x10

// ImpTable assigns entry-point addresses to Go implementations.
type ImpTable struct {
	mu    sync.RWMutex
	impls map[IMP]Implementation
	next  uintptr
}

// NewImpTable creates an empty table.
func NewImpTable() *ImpTable {
	return &ImpTable{impls: make(map[IMP]Implementation), next: ImpBase + impStride}
}

// Register assigns a fresh entry point to impl.
func (t *ImpTable) Register(impl Implementation) IMP {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next+impStride > ImpBase+2*regionSize {
		fatal(FatalExhaustion, "entry point address space exhausted")
	}
	imp := IMP(t.next)
	t.next += impStride
	t.impls[imp] = impl
	return imp
}

// Bind associates impl with an entry point chosen elsewhere, such as one
// recorded in a class image.
func (t *ImpTable) Bind(imp IMP, impl Implementation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.impls[imp] = impl
}

// Lookup returns the implementation bound to imp.
func (t *ImpTable) Lookup(imp IMP) (Implementation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	impl, ok := t.impls[imp]
	return impl, ok
}

// Len returns the number of bound entry points.
func (t *ImpTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.impls)
}
