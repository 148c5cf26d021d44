package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Registration and hierarchy
// ---------------------------------------------------------------------------

func TestRegisterClass(t *testing.T) {
	rt := NewRuntime()
	object := defineClass(t, rt, "Object", nil)
	point := defineClass(t, rt, "Point", object)

	if point.Superclass() != object {
		t.Error("superclass should be Object")
	}
	if !object.IsRoot() || point.IsRoot() {
		t.Error("only Object is a root")
	}
	if rt.Classes.Lookup("Point") != point {
		t.Error("Lookup(Point) should return the class")
	}
	if rt.Classes.ByAddress(point.Addr()) != point {
		t.Error("ByAddress should return the class")
	}
	if object.Addr() == point.Addr() {
		t.Error("classes should have distinct addresses")
	}
	if point.IsRealized() {
		t.Error("registration should not realize")
	}
	if rt.Classes.Len() != 2 {
		t.Errorf("Len = %d, want 2", rt.Classes.Len())
	}
	all := rt.Classes.All()
	if len(all) != 2 || all[0] != object || all[1] != point {
		t.Error("All should list classes in registration order")
	}
}

func TestRegisterClassErrors(t *testing.T) {
	rt := NewRuntime()
	defineClass(t, rt, "Object", nil)

	if _, err := rt.RegisterClass(&ClassRO{Name: "Object"}, nil); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateClass", err)
	}
	if _, err := rt.RegisterClass(&ClassRO{}, nil); !errors.Is(err, ErrInvalidClass) {
		t.Errorf("no name: err = %v, want ErrInvalidClass", err)
	}
	if _, err := rt.RegisterClass(nil, nil); !errors.Is(err, ErrInvalidClass) {
		t.Errorf("nil ro: err = %v, want ErrInvalidClass", err)
	}

	foreign := defineClass(t, NewRuntime(), "Foreign", nil)
	if _, err := rt.RegisterClass(&ClassRO{Name: "X"}, foreign); !errors.Is(err, ErrInvalidClass) {
		t.Errorf("foreign superclass: err = %v, want ErrInvalidClass", err)
	}
}

func TestIsSubclassOf(t *testing.T) {
	rt := NewRuntime()
	object := defineClass(t, rt, "Object", nil)
	animal := defineClass(t, rt, "Animal", object)
	dog := defineClass(t, rt, "Dog", animal)
	cat := defineClass(t, rt, "Cat", animal)

	if !dog.IsSubclassOf(animal) || !dog.IsSubclassOf(object) || !dog.IsSubclassOf(dog) {
		t.Error("Dog should be a subclass of Animal, Object and itself")
	}
	if dog.IsSubclassOf(cat) || animal.IsSubclassOf(dog) {
		t.Error("unexpected subclass relation")
	}
	if !object.IsSuperclassOf(dog) || dog.IsSuperclassOf(object) {
		t.Error("IsSuperclassOf is the inverse of IsSubclassOf")
	}
}

func TestSubclassLinks(t *testing.T) {
	rt := NewRuntime()
	object := defineClass(t, rt, "Object", nil)
	a := defineClass(t, rt, "A", object)
	b := defineClass(t, rt, "B", object)
	rt.Realize(a)
	rt.Realize(b)

	rt.Lock()
	subs := object.Subclasses()
	rt.Unlock()
	if len(subs) != 2 {
		t.Fatalf("Subclasses = %d, want 2", len(subs))
	}
	seen := map[*Class]bool{subs[0]: true, subs[1]: true}
	if !seen[a] || !seen[b] {
		t.Error("Subclasses should hold A and B")
	}
}

// ---------------------------------------------------------------------------
// Metadata cell
// ---------------------------------------------------------------------------

func TestExtensionPromotion(t *testing.T) {
	rt := NewRuntime()
	foo := rt.Sel("foo")
	base := rt.MustMethodList(Method{Name: foo, Imp: impA})
	cls, _ := rt.RegisterClass(&ClassRO{Name: "R", InstanceSize: 16, BaseMethods: base}, nil)
	rt.Realize(cls)

	if cls.Ext() != nil {
		t.Fatal("a fresh class should not be extended")
	}
	ro := cls.RO()

	rt.AttachCategory(cls, &Category{Name: "c", Methods: rt.MustMethodList(Method{Name: rt.Sel("bar"), Imp: impB})})

	ext := cls.Ext()
	if ext == nil {
		t.Fatal("attaching a category should extend the class")
	}
	if cls.RO() != ro || ext.RO() != ro {
		t.Error("extension should keep the base record")
	}
	if ext.MethodLists().CountLists() != 2 {
		t.Errorf("method lists = %d, want 2", ext.MethodLists().CountLists())
	}
	if cls.InstanceSize() != 16 {
		t.Errorf("InstanceSize = %d, want 16", cls.InstanceSize())
	}
	if got := mustLookup(t, rt, cls, foo); got != impA {
		t.Errorf("base method lost: %#x", got)
	}
}

func TestVersion(t *testing.T) {
	rt := NewRuntime()
	cls := defineClass(t, rt, "R", nil)
	if cls.Version() != 0 {
		t.Errorf("Version = %d, want 0", cls.Version())
	}
	rt.SetVersion(cls, 3)
	if cls.Version() != 3 {
		t.Errorf("Version = %d, want 3", cls.Version())
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"Point", "Point"},
		{"_TtC5Shape6Circle", "Shape.Circle"},
		{"_TtCs12_SwiftObject", "Swift._SwiftObject"},
		{"_TtC5Shape", "_TtC5Shape"},
		{"_TtC9Shape6Circle", "_TtC9Shape6Circle"},
		{"_TtC5Shape6Circlex", "_TtC5Shape6Circlex"},
	}
	rt := NewRuntime()
	for _, tt := range tests {
		cls := defineClass(t, rt, tt.name, nil)
		if got := cls.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}

	// The extension caches the result.
	cls := rt.Classes.Lookup("_TtC5Shape6Circle")
	rt.SetVersion(cls, 1)
	cls.DisplayName()
	if p := cls.Ext().demangledName.Load(); p == nil || *p != "Shape.Circle" {
		t.Error("demangled name not cached on the extension")
	}
}

func TestROLayout(t *testing.T) {
	rt := NewRuntime()
	base := rt.MustMethodList(Method{Name: rt.Sel("foo"), Imp: impA})
	cls, _ := rt.RegisterClass(&ClassRO{Name: "R", Flags: RORoot, InstanceSize: 8, BaseMethods: base}, nil)

	got := rt.ROLayout(cls)
	if got.Flags != RORoot {
		t.Errorf("Flags = %#x, want %#x", got.Flags, RORoot)
	}
	if got.BaseMethods != uint64(base.Addr()) {
		t.Errorf("BaseMethods = %#x, want %#x", got.BaseMethods, base.Addr())
	}
	if rt.Strings.String(uintptr(got.Name)) != "R" {
		t.Error("Name should point at the interned class name")
	}

	rt.Realize(cls)
	if rt.ROLayout(cls).Flags&RORealized == 0 {
		t.Error("realized class should carry RORealized")
	}
}

func TestClassFlagsDistinct(t *testing.T) {
	flags := []uint32{RWMeta, rwNoPreopt, RWRealizing, RWConstructed, RWConstructing,
		RWCopiedRO, RWInitializing, RWInitialized, RWFuture, RWRealized}
	var seen uint32
	for _, f := range flags {
		if f&(f-1) != 0 || seen&f != 0 {
			t.Errorf("flag %#x overlaps %#x", f, seen)
		}
		seen |= f
	}
	if rwNoPreopt != 1<<1 {
		t.Errorf("rwNoPreopt = %#x, want %#x", rwNoPreopt, 1<<1)
	}
}
