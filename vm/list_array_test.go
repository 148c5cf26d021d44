package vm

import "testing"

func collect[T any](la *ListArray[T]) []T {
	var out []T
	for v := range la.All() {
		out = append(out, v)
	}
	return out
}

func TestListArrayAttach(t *testing.T) {
	rt := NewRuntime()
	base := rt.MustMethodList(Method{Name: rt.Sel("a"), Imp: impA})
	la := NewListArray(base)

	if la.CountLists() != 1 || la.IsArray() {
		t.Fatalf("fresh array: %d lists, IsArray %v", la.CountLists(), la.IsArray())
	}

	one := rt.MustMethodList(Method{Name: rt.Sel("b"), Imp: impB}, Method{Name: rt.Sel("c"), Imp: impC})
	two := rt.MustMethodList(Method{Name: rt.Sel("d"), Imp: impA})
	la.Attach(one, nil, two)

	if !la.IsArray() {
		t.Error("IsArray = false after attaching")
	}
	if la.CountLists() != 3 {
		t.Errorf("CountLists = %d, want 3", la.CountLists())
	}
	if la.Count() != 4 {
		t.Errorf("Count = %d, want 4", la.Count())
	}
	lists := la.Lists()
	if lists[0] != base || lists[1] != one || lists[2] != two {
		t.Error("lists not in attachment order")
	}

	names := []string{"a", "b", "c", "d"}
	got := collect(la)
	for i, m := range got {
		if n := rt.Selectors.Name(m.Name); n != names[i] {
			t.Errorf("record %d = %s, want %s", i, n, names[i])
		}
	}
}

func TestListArrayAttachEmpty(t *testing.T) {
	rt := NewRuntime()
	la := NewListArray[Method](nil)
	if la.CountLists() != 0 || la.Count() != 0 {
		t.Fatal("empty array should hold nothing")
	}
	la.Attach()
	la.Attach(nil)
	if la.CountLists() != 0 {
		t.Error("attaching nothing should be a no-op")
	}

	l := rt.MustMethodList(Method{Name: rt.Sel("a"), Imp: impA})
	la.Attach(l)
	if la.CountLists() != 1 || la.IsArray() {
		t.Errorf("single attach: %d lists, IsArray %v", la.CountLists(), la.IsArray())
	}
}

func TestListArraySnapshot(t *testing.T) {
	rt := NewRuntime()
	la := NewListArray(rt.MustMethodList(Method{Name: rt.Sel("a"), Imp: impA}))
	snap := la.Lists()
	la.Attach(rt.MustMethodList(Method{Name: rt.Sel("b"), Imp: impB}))
	if len(snap) != 1 {
		t.Errorf("snapshot grew to %d lists", len(snap))
	}
}

func TestListArrayDuplicate(t *testing.T) {
	rt := NewRuntime()
	small, err := rt.NewMethodList([]Method{{Name: rt.Sel("a"), Imp: impA}}, MethodListLayout{Small: true})
	if err != nil {
		t.Fatal(err)
	}
	la := NewListArray(small)
	la.Attach(rt.MustMethodList(Method{Name: rt.Sel("b"), Imp: impB}))

	dup := la.Duplicate()
	if dup.CountLists() != 2 {
		t.Fatalf("duplicate has %d lists, want 2", dup.CountLists())
	}
	for i, l := range dup.Lists() {
		if l == la.Lists()[i] {
			t.Errorf("list %d shared with the original", i)
		}
	}
	a, b := collect(la), collect(dup)
	if len(a) != len(b) {
		t.Fatalf("duplicate yielded %d records, want %d", len(b), len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("record %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}
