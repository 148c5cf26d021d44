package vm

import (
	"errors"
	"testing"
)

const (
	impA IMP = 0x4000_0a00
	impB IMP = 0x4000_0b00
	impC IMP = 0x4000_0c00
)

// defineClass registers a class whose base list holds methods.
func defineClass(t *testing.T, rt *Runtime, name string, super *Class, methods ...Method) *Class {
	t.Helper()
	ro := &ClassRO{Name: name}
	if len(methods) > 0 {
		ro.BaseMethods = rt.MustMethodList(methods...)
	}
	cls, err := rt.RegisterClass(ro, super)
	if err != nil {
		t.Fatalf("RegisterClass(%s): %v", name, err)
	}
	return cls
}

func mustLookup(t *testing.T, rt *Runtime, cls *Class, sel SEL) IMP {
	t.Helper()
	imp, ok := rt.Lookup(cls, sel)
	if !ok {
		t.Fatalf("Lookup(%s, %s) not found", cls.Name(), rt.Selectors.Name(sel))
	}
	return imp
}

// ---------------------------------------------------------------------------
// Basic resolution
// ---------------------------------------------------------------------------

func TestLookupRootMethod(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})

	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impA)
	}
	if got := r.Cache().Occupied(); got != 1 {
		t.Errorf("occupied = %d, want 1", got)
	}
	if !r.IsRealized() {
		t.Error("R should be realized after lookup")
	}
}

func TestLookupNotFound(t *testing.T) {
	rt := NewRuntime()
	r := defineClass(t, rt, "R", nil, Method{Name: rt.Sel("foo"), Imp: impA})

	if imp, ok := rt.Lookup(r, rt.Sel("bar")); ok {
		t.Errorf("Lookup(R, bar) = %#x, want not found", imp)
	}
	if got := r.Cache().Occupied(); got != 0 {
		t.Errorf("occupied = %d, want 0 after failed lookup", got)
	}
	if got := rt.Stats().NotFound; got != 1 {
		t.Errorf("NotFound = %d, want 1", got)
	}
}

func TestLookupNilArguments(t *testing.T) {
	rt := NewRuntime()
	r := defineClass(t, rt, "R", nil)
	if _, ok := rt.Lookup(nil, rt.Sel("foo")); ok {
		t.Error("Lookup(nil, foo) should miss")
	}
	if _, ok := rt.Lookup(r, 0); ok {
		t.Error("Lookup(R, 0) should miss")
	}
}

func TestLookupFillsLeafCacheOnly(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	l := defineClass(t, rt, "L", r)

	if got := mustLookup(t, rt, l, foo); got != impA {
		t.Errorf("Lookup(L, foo) = %#x, want %#x", got, impA)
	}
	if !l.Cache().Contains(foo) {
		t.Error("L's cache should hold foo")
	}
	if r.Cache().Contains(foo) {
		t.Error("R's cache should not hold foo")
	}
}

func TestLookupUsesSuperclassCache(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil)
	l := defineClass(t, rt, "L", r)

	// R does not define foo, but its cache says it resolves to impC.
	rt.InsertCache(r, foo, impC)

	if got := mustLookup(t, rt, l, foo); got != impC {
		t.Errorf("Lookup(L, foo) = %#x, want %#x from R's cache", got, impC)
	}
}

func TestInsertCacheUnresolvedFuture(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	f := rt.FutureClass("Later")

	rt.InsertCache(f, foo, impA)
	if f.Cache().Contains(foo) {
		t.Error("an unresolved future class must not cache anything")
	}
	if f.IsRealized() {
		t.Error("insert realized an unresolved future class")
	}
}

func TestLookupSubclassOverrides(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	m := defineClass(t, rt, "M", r, Method{Name: foo, Imp: impB})
	l := defineClass(t, rt, "L", m)

	if got := mustLookup(t, rt, l, foo); got != impB {
		t.Errorf("Lookup(L, foo) = %#x, want %#x", got, impB)
	}
	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impA)
	}
}

func TestLookupRepeatedHitsCache(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})

	for i := 0; i < 10; i++ {
		mustLookup(t, rt, r, foo)
	}
	s := rt.Stats()
	if s.Misses != 1 {
		t.Errorf("Misses = %d, want 1", s.Misses)
	}
	if s.Hits != 9 {
		t.Errorf("Hits = %d, want 9", s.Hits)
	}
	if s.SlowLookups != 1 {
		t.Errorf("SlowLookups = %d, want 1", s.SlowLookups)
	}
	if rate := s.HitRate(); rate != 90 {
		t.Errorf("HitRate = %v, want 90", rate)
	}
}

func TestLookupSortedList(t *testing.T) {
	rt := NewRuntime()
	names := []string{"zeta", "alpha", "mid", "beta", "omega"}
	var methods []Method
	for i, n := range names {
		methods = append(methods, Method{Name: rt.Sel(n), Imp: impA + IMP(i)*0x10})
	}
	l, err := rt.NewMethodList(methods, MethodListLayout{Sorted: true})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	r, err := rt.RegisterClass(&ClassRO{Name: "R", BaseMethods: l}, nil)
	if err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}

	for i, n := range names {
		want := impA + IMP(i)*0x10
		if got := mustLookup(t, rt, r, rt.Sel(n)); got != want {
			t.Errorf("Lookup(R, %s) = %#x, want %#x", n, got, want)
		}
	}
	if _, ok := rt.Lookup(r, rt.Sel("absent")); ok {
		t.Error("absent selector should not resolve")
	}
}

func TestLookupSortedListFirstDuplicateWins(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	l, err := rt.NewMethodList([]Method{
		{Name: rt.Sel("a"), Imp: impC},
		{Name: foo, Imp: impA},
		{Name: foo, Imp: impB},
	}, MethodListLayout{Sorted: true})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	r, _ := rt.RegisterClass(&ClassRO{Name: "R", BaseMethods: l}, nil)
	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want first record %#x", got, impA)
	}
}

func TestLookupSmallMethodList(t *testing.T) {
	rt := NewRuntime()
	foo, bar := rt.Sel("foo"), rt.Sel("bar")
	l, err := rt.NewMethodList([]Method{
		{Name: foo, Types: "v@:", Imp: impA},
		{Name: bar, Imp: impB},
	}, MethodListLayout{Small: true})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	r, _ := rt.RegisterClass(&ClassRO{Name: "R", BaseMethods: l}, nil)

	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impA)
	}
	if got := mustLookup(t, rt, r, bar); got != impB {
		t.Errorf("Lookup(R, bar) = %#x, want %#x", got, impB)
	}
	m, ok := rt.LookupMethod(r, foo)
	if !ok || m.Types != "v@:" {
		t.Errorf("LookupMethod(R, foo) = %+v, %v", m, ok)
	}
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

func TestCategoryInvalidatesSubclassCache(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	l := defineClass(t, rt, "L", r)

	if got := mustLookup(t, rt, l, foo); got != impA {
		t.Fatalf("Lookup(L, foo) = %#x, want %#x", got, impA)
	}

	rt.AttachCategory(r, &Category{
		Name:    "R+B",
		Methods: rt.MustMethodList(Method{Name: foo, Imp: impB}),
	})

	if l.Cache().Contains(foo) {
		t.Error("L's cache should have been flushed")
	}
	if got := mustLookup(t, rt, l, foo); got != impB {
		t.Errorf("Lookup(L, foo) = %#x, want %#x after category", got, impB)
	}
	if got := mustLookup(t, rt, r, foo); got != impB {
		t.Errorf("Lookup(R, foo) = %#x, want %#x after category", got, impB)
	}
}

func TestCategoryLeavesUnrelatedCaches(t *testing.T) {
	rt := NewRuntime()
	foo, bar := rt.Sel("foo"), rt.Sel("bar")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	mustLookup(t, rt, r, foo)

	rt.AttachCategory(r, &Category{Name: "R+bar", Methods: rt.MustMethodList(Method{Name: bar, Imp: impB})})

	if !r.Cache().Contains(foo) {
		t.Error("attaching bar should not flush a cache holding only foo")
	}
	if got := mustLookup(t, rt, r, bar); got != impB {
		t.Errorf("Lookup(R, bar) = %#x, want %#x", got, impB)
	}
}

func TestCategoryLatestAttachedWins(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	rt.Realize(r)

	rt.AttachCategory(r, &Category{Name: "one", Methods: rt.MustMethodList(Method{Name: foo, Imp: impB})})
	rt.AttachCategory(r, &Category{Name: "two", Methods: rt.MustMethodList(Method{Name: foo, Imp: impC})})

	if got := mustLookup(t, rt, r, foo); got != impC {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impC)
	}

	// Iteration stays in attachment order.
	var imps []IMP
	for m := range r.Methods() {
		imps = append(imps, m.Imp)
	}
	want := []IMP{impA, impB, impC}
	if len(imps) != len(want) {
		t.Fatalf("Methods() yielded %d records, want %d", len(imps), len(want))
	}
	for i := range want {
		if imps[i] != want[i] {
			t.Errorf("Methods()[%d] = %#x, want %#x", i, imps[i], want[i])
		}
	}
}

func TestCategoryQueuedUntilRealized(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil)

	cat := &Category{Name: "R+foo", Methods: rt.MustMethodList(Method{Name: foo, Imp: impA})}
	rt.AttachCategory(r, cat)

	if r.IsRealized() {
		t.Fatal("attaching to an unrealized class should not realize it")
	}
	if got := rt.UnattachedCategories(r); len(got) != 1 || got[0] != cat {
		t.Fatalf("UnattachedCategories = %v, want [cat]", got)
	}

	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impA)
	}
	if got := rt.UnattachedCategories(r); len(got) != 0 {
		t.Errorf("UnattachedCategories after realize = %d, want 0", len(got))
	}
}

func TestCategoryPropertiesAndProtocols(t *testing.T) {
	rt := NewRuntime()
	r := defineClass(t, rt, "R", nil)
	rt.Realize(r)

	props, err := rt.NewPropertyList(Property{Name: "count", Attributes: "Tq,N"})
	if err != nil {
		t.Fatalf("NewPropertyList: %v", err)
	}
	protos, err := rt.NewProtocolList("Copying", "Coding")
	if err != nil {
		t.Fatalf("NewProtocolList: %v", err)
	}
	rt.AttachCategory(r, &Category{Name: "R+meta", Properties: props, Protocols: protos})

	var gotProps []Property
	for p := range r.Properties() {
		gotProps = append(gotProps, p)
	}
	if len(gotProps) != 1 || gotProps[0].Name != "count" || gotProps[0].Attributes != "Tq,N" {
		t.Errorf("Properties() = %+v", gotProps)
	}

	var names []string
	for ref := range r.Protocols() {
		names = append(names, rt.ProtocolName(ref))
	}
	if len(names) != 2 || names[0] != "Copying" || names[1] != "Coding" {
		t.Errorf("Protocols() = %v, want [Copying Coding]", names)
	}
}

func TestAddMethod(t *testing.T) {
	rt := NewRuntime()
	foo, bar := rt.Sel("foo"), rt.Sel("bar")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})

	added, err := rt.AddMethod(r, foo, impB, "")
	if err != nil || added {
		t.Errorf("AddMethod(existing) = %v, %v; want false, nil", added, err)
	}
	added, err = rt.AddMethod(r, bar, impB, "v@:")
	if err != nil || !added {
		t.Fatalf("AddMethod(bar) = %v, %v; want true, nil", added, err)
	}
	if got := mustLookup(t, rt, r, bar); got != impB {
		t.Errorf("Lookup(R, bar) = %#x, want %#x", got, impB)
	}
	if got := mustLookup(t, rt, r, foo); got != impA {
		t.Errorf("Lookup(R, foo) = %#x, want %#x", got, impA)
	}
}

func TestAddMethodShadowsInherited(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	l := defineClass(t, rt, "L", r)
	mustLookup(t, rt, l, foo)

	if added, err := rt.AddMethod(l, foo, impB, ""); err != nil || !added {
		t.Fatalf("AddMethod(L, foo) = %v, %v", added, err)
	}
	if got := mustLookup(t, rt, l, foo); got != impB {
		t.Errorf("Lookup(L, foo) = %#x, want %#x", got, impB)
	}
}

// ---------------------------------------------------------------------------
// Implementation replacement and invalidation
// ---------------------------------------------------------------------------

func TestSetImplementation(t *testing.T) {
	rt := NewRuntime()
	foo, bar := rt.Sel("foo"), rt.Sel("bar")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA}, Method{Name: bar, Imp: impC})
	l := defineClass(t, rt, "L", r)
	other := defineClass(t, rt, "Other", nil, Method{Name: bar, Imp: impC})

	mustLookup(t, rt, l, foo)
	mustLookup(t, rt, other, bar)

	old, err := rt.SetImplementation(r, foo, impB)
	if err != nil {
		t.Fatalf("SetImplementation: %v", err)
	}
	if old != impA {
		t.Errorf("SetImplementation returned %#x, want %#x", old, impA)
	}
	if l.Cache().Contains(foo) {
		t.Error("L's cache should have been flushed")
	}
	if !other.Cache().Contains(bar) {
		t.Error("unrelated cache should survive")
	}
	if got := mustLookup(t, rt, l, foo); got != impB {
		t.Errorf("Lookup(L, foo) = %#x, want %#x", got, impB)
	}
	m, ok := rt.LookupMethod(r, foo)
	if !ok || m.Imp != impB {
		t.Errorf("LookupMethod(R, foo) = %+v, %v", m, ok)
	}

	// Replacing with the same entry point is a no-op that reports it.
	if old, err := rt.SetImplementation(r, foo, impB); err != nil || old != impB {
		t.Errorf("SetImplementation(same) = %#x, %v", old, err)
	}
}

func TestSetImplementationNotDefined(t *testing.T) {
	rt := NewRuntime()
	r := defineClass(t, rt, "R", nil)
	_, err := rt.SetImplementation(r, rt.Sel("foo"), impA)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInvalidateCache(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	l := defineClass(t, rt, "L", r)
	o := defineClass(t, rt, "O", nil, Method{Name: foo, Imp: impB})
	mustLookup(t, rt, l, foo)
	mustLookup(t, rt, r, foo)
	mustLookup(t, rt, o, foo)

	rt.InvalidateCache(r)
	if r.Cache().Contains(foo) || l.Cache().Contains(foo) {
		t.Error("R's subtree should be flushed")
	}
	if !o.Cache().Contains(foo) {
		t.Error("O is outside R's subtree")
	}

	rt.InvalidateCache(nil)
	if o.Cache().Contains(foo) {
		t.Error("InvalidateCache(nil) should flush every cache")
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend(t *testing.T) {
	rt := NewRuntime()
	add := rt.Sel("add:")
	imp := rt.Imps.Register(NewMethod1(func(_ *Runtime, recv any, arg any) any {
		return recv.(int) + arg.(int)
	}))
	r := defineClass(t, rt, "Number", nil, Method{Name: add, Imp: imp})

	got, err := rt.Send(r, add, 40, 2)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != 42 {
		t.Errorf("Send(add:) = %v, want 42", got)
	}

	if _, err := rt.Send(r, add, 40); !errors.Is(err, ErrArity) {
		t.Errorf("Send with no args: err = %v, want ErrArity", err)
	}
	if _, err := rt.Send(r, rt.Sel("missing"), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Send(missing): err = %v, want ErrNotFound", err)
	}
	if _, err := rt.Send(nil, add, 1); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("Send(nil class): err = %v, want ErrUnknownClass", err)
	}
}

func TestSendUnboundImp(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA})
	if _, err := rt.Send(r, foo, nil); !errors.Is(err, ErrNoImplementation) {
		t.Errorf("err = %v, want ErrNoImplementation", err)
	}
}

func TestSendPrimitiveVariadic(t *testing.T) {
	rt := NewRuntime()
	count := rt.Sel("count")
	imp := rt.Imps.Register(NewPrimitive(func(_ *Runtime, _ any, args []any) any { return len(args) }))
	r := defineClass(t, rt, "R", nil, Method{Name: count, Imp: imp})

	for n := 0; n < 4; n++ {
		args := make([]any, n)
		got, err := rt.Send(r, count, nil, args...)
		if err != nil || got != n {
			t.Errorf("Send with %d args = %v, %v", n, got, err)
		}
	}
}

func TestSendForwarder(t *testing.T) {
	var forwarded SEL
	rt := NewRuntime(WithForwarder(func(rt *Runtime, cls *Class, sel SEL, _ any, _ []any) (any, error) {
		forwarded = sel
		return "forwarded", nil
	}))
	r := defineClass(t, rt, "R", nil)
	missing := rt.Sel("missing")

	got, err := rt.Send(r, missing, nil)
	if err != nil || got != "forwarded" {
		t.Errorf("Send = %v, %v; want forwarded, nil", got, err)
	}
	if forwarded != missing {
		t.Errorf("forwarder saw %#x, want %#x", forwarded, missing)
	}
}

func TestImplementations(t *testing.T) {
	rt := NewRuntime()
	foo, bar, baz := rt.Sel("foo"), rt.Sel("bar"), rt.Sel("baz")
	r := defineClass(t, rt, "R", nil, Method{Name: foo, Imp: impA}, Method{Name: bar, Imp: impA})
	l := defineClass(t, rt, "L", r, Method{Name: bar, Imp: impB})
	rt.AttachCategory(l, &Category{Name: "L+baz", Methods: rt.MustMethodList(Method{Name: baz, Imp: impC}, Method{Name: bar, Imp: impC})})

	got, err := rt.Implementations(l)
	if err != nil {
		t.Fatalf("Implementations: %v", err)
	}
	want := map[SEL]IMP{foo: impA, bar: impC, baz: impC}
	if len(got) != len(want) {
		t.Fatalf("Implementations = %v, want %v", got, want)
	}
	for sel, imp := range want {
		if got[sel] != imp {
			t.Errorf("%s -> %#x, want %#x", rt.Selectors.Name(sel), got[sel], imp)
		}
	}
	if l.Cache().Occupied() != 0 {
		t.Error("Implementations should not fill the cache")
	}
}
