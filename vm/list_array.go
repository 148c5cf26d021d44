package vm

import (
	"iter"
	"math"
	"sync/atomic"
)

// ListArray aggregates a base record list with lists attached later.
//
// It holds no lists, a single list, or an array of list references. Attach
// replaces the index wholesale with one atomic store, so unlocked readers
// see either the old or the new index, never a partial one. Mutators must
// hold the runtime lock.
type ListArray[T any] struct {
	idx atomic.Pointer[listIndex[T]]
}

type listIndex[T any] struct {
	single *RecordList[T]
	array  []*RecordList[T] // set iff more than one list is held
}

func (x *listIndex[T]) lists() []*RecordList[T] {
	switch {
	case x == nil:
		return nil
	case x.array != nil:
		return x.array
	default:
		return []*RecordList[T]{x.single}
	}
}

// NewListArray returns an aggregator seeded with base, which may be nil.
func NewListArray[T any](base *RecordList[T]) *ListArray[T] {
	la := &ListArray[T]{}
	if base != nil {
		la.idx.Store(&listIndex[T]{single: base})
	}
	return la
}

// Attach appends lists. Nil lists are skipped and attaching nothing is a
// no-op.
func (la *ListArray[T]) Attach(lists ...*RecordList[T]) {
	added := make([]*RecordList[T], 0, len(lists))
	for _, l := range lists {
		if l != nil {
			added = append(added, l)
		}
	}
	if len(added) == 0 {
		return
	}

	old := la.idx.Load()
	if old == nil && len(added) == 1 {
		la.idx.Store(&listIndex[T]{single: added[0]})
		return
	}

	cur := old.lists()
	if uint64(len(cur))+uint64(len(added)) > math.MaxUint32 {
		fatal(FatalExhaustion, "list array of %d lists cannot grow by %d", len(cur), len(added))
	}
	array := make([]*RecordList[T], 0, len(cur)+len(added))
	array = append(array, cur...)
	array = append(array, added...)
	la.idx.Store(&listIndex[T]{array: array})
}

// Lists returns a snapshot of the held lists, oldest first.
func (la *ListArray[T]) Lists() []*RecordList[T] {
	return la.idx.Load().lists()
}

// CountLists returns the number of held lists.
func (la *ListArray[T]) CountLists() int {
	return len(la.Lists())
}

// Count returns the total number of records across all lists.
func (la *ListArray[T]) Count() int {
	n := 0
	for _, l := range la.Lists() {
		n += l.Count()
	}
	return n
}

// IsArray reports whether more than one list is held.
func (la *ListArray[T]) IsArray() bool {
	x := la.idx.Load()
	return x != nil && x.array != nil
}

// All yields every record: lists in attachment order, records in list order.
// Each call iterates the index current at the time of the call.
func (la *ListArray[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, l := range la.Lists() {
			for v := range l.All() {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// Duplicate deep-copies the index and every list.
func (la *ListArray[T]) Duplicate() *ListArray[T] {
	out := &ListArray[T]{}
	cur := la.Lists()
	switch len(cur) {
	case 0:
	case 1:
		out.idx.Store(&listIndex[T]{single: cur[0].Duplicate()})
	default:
		array := make([]*RecordList[T], len(cur))
		for i, l := range cur {
			array[i] = l.Duplicate()
		}
		out.idx.Store(&listIndex[T]{array: array})
	}
	return out
}
