package vm

import (
	"errors"
	"testing"

	"github.com/chazu/dispatch/vm/layout"
)

func sampleMethods(rt *Runtime) []Method {
	return []Method{
		{Name: rt.Sel("alpha"), Types: "v@:", Imp: impA},
		{Name: rt.Sel("beta:"), Types: "v@:@", Imp: impB},
		{Name: rt.Sel("gamma"), Imp: impC},
	}
}

func checkMethods(t *testing.T, l *RecordList[Method], want []Method) {
	t.Helper()
	if l.Count() != len(want) {
		t.Fatalf("Count = %d, want %d", l.Count(), len(want))
	}
	for i, w := range want {
		if got := l.Get(i); got != w {
			t.Errorf("Get(%d) = %+v, want %+v", i, got, w)
		}
	}
}

func TestRecordListBig(t *testing.T) {
	rt := NewRuntime()
	want := sampleMethods(rt)
	l, err := rt.NewMethodList(want, MethodListLayout{})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	if l.Entsize() != layout.BigMethodSize {
		t.Errorf("Entsize = %d, want %d", l.Entsize(), layout.BigMethodSize)
	}
	if l.Flags() != 0 {
		t.Errorf("Flags = %#x, want 0", l.Flags())
	}
	if l.ByteSize() != layout.EntsizeHeaderSize+3*layout.BigMethodSize {
		t.Errorf("ByteSize = %d", l.ByteSize())
	}
	checkMethods(t, l, want)
}

func TestRecordListStride(t *testing.T) {
	rt := NewRuntime()
	want := sampleMethods(rt)
	l, err := rt.NewMethodList(want, MethodListLayout{Stride: 32})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	if l.Entsize() != 32 {
		t.Errorf("Entsize = %d, want 32", l.Entsize())
	}
	checkMethods(t, l, want)

	if _, err := rt.NewMethodList(want, MethodListLayout{Stride: 16}); !errors.Is(err, layout.ErrStride) {
		t.Errorf("stride below record size: err = %v, want ErrStride", err)
	}
	if _, err := rt.NewMethodList(want, MethodListLayout{Stride: 26}); !errors.Is(err, ErrInvalidList) {
		t.Errorf("stride overlapping flags: err = %v, want ErrInvalidList", err)
	}
}

func TestRecordListSmall(t *testing.T) {
	rt := NewRuntime()
	want := sampleMethods(rt)
	l, err := rt.NewMethodList(want, MethodListLayout{Small: true})
	if err != nil {
		t.Fatalf("NewMethodList: %v", err)
	}
	if l.Entsize() != layout.SmallMethodSize {
		t.Errorf("Entsize = %d, want %d", l.Entsize(), layout.SmallMethodSize)
	}
	if l.Flags()&layout.SmallMethodListFlag == 0 {
		t.Error("small flag not set")
	}
	checkMethods(t, l, want)

	dup := l.Duplicate()
	if dup.Flags()&layout.SmallMethodListFlag != 0 {
		t.Error("duplicate should use the big layout")
	}
	if dup.Entsize() != layout.BigMethodSize {
		t.Errorf("duplicate Entsize = %d, want %d", dup.Entsize(), layout.BigMethodSize)
	}
	if dup.Addr() == l.Addr() {
		t.Error("duplicate should live at a new address")
	}
	checkMethods(t, dup, want)
}

func TestRecordListGetOrEnd(t *testing.T) {
	rt := NewRuntime()
	l := rt.MustMethodList(sampleMethods(rt)...)

	if _, ok := l.GetOrEnd(2); !ok {
		t.Error("GetOrEnd(2) should return a record")
	}
	if m, ok := l.GetOrEnd(3); ok || m != (Method{}) {
		t.Errorf("GetOrEnd(3) = %+v, %v; want end", m, ok)
	}

	defer func() {
		if recover() == nil {
			t.Error("Get past the end should panic")
		}
	}()
	l.Get(4)
}

func TestRecordListAll(t *testing.T) {
	rt := NewRuntime()
	want := sampleMethods(rt)
	l := rt.MustMethodList(want...)

	i := 0
	for m := range l.All() {
		if m != want[i] {
			t.Errorf("All[%d] = %+v, want %+v", i, m, want[i])
		}
		i++
	}
	if i != len(want) {
		t.Errorf("All yielded %d records, want %d", i, len(want))
	}

	var empty *RecordList[Method]
	if empty.Count() != 0 {
		t.Error("nil list should have Count 0")
	}
}

func TestRecordListParse(t *testing.T) {
	rt := NewRuntime()
	want := sampleMethods(rt)
	for _, ml := range []MethodListLayout{{}, {Small: true}, {Stride: 40}} {
		src, err := rt.NewMethodList(want, ml)
		if err != nil {
			t.Fatalf("NewMethodList(%+v): %v", ml, err)
		}
		// Small records are position dependent, so parse at the same address.
		b := append(src.Bytes(), 0xee, 0xee)
		l, n, err := ParseRecordList[Method](rt.methodCodec, b, src.Addr())
		if err != nil {
			t.Fatalf("ParseRecordList(%+v): %v", ml, err)
		}
		if n != src.ByteSize() {
			t.Errorf("consumed %d bytes, want %d", n, src.ByteSize())
		}
		checkMethods(t, l, want)
	}
}

func TestRecordListParseErrors(t *testing.T) {
	rt := NewRuntime()
	src := rt.MustMethodList(sampleMethods(rt)...)
	b := src.Bytes()

	if _, err := rt.ParseMethodList(b[:len(b)-1], src.Addr()); !errors.Is(err, layout.ErrTruncated) {
		t.Errorf("truncated: err = %v, want ErrTruncated", err)
	}
	if _, err := rt.ParseMethodList(b[:4], src.Addr()); !errors.Is(err, layout.ErrTruncated) {
		t.Errorf("short header: err = %v, want ErrTruncated", err)
	}

	bad := append([]byte(nil), b...)
	_ = layout.EntsizeHeader{EntsizeAndFlags: 8, Count: 3}.Put(bad)
	if _, err := rt.ParseMethodList(bad, src.Addr()); !errors.Is(err, layout.ErrStride) {
		t.Errorf("short entsize: err = %v, want ErrStride", err)
	}
}

func TestRecordListFlagsOutsideMask(t *testing.T) {
	rt := NewRuntime()
	if _, err := NewRecordList[Property](rt.propertyCodec, 1, 0, nil); !errors.Is(err, ErrInvalidList) {
		t.Errorf("err = %v, want ErrInvalidList", err)
	}
}

func TestRecordListSetFlag(t *testing.T) {
	rt := NewRuntime()
	l := rt.MustMethodList(sampleMethods(rt)...)
	l.setFlag(layout.MethodListFixedUp)
	if !l.hasFlag(layout.MethodListFixedUp) {
		t.Error("fixed-up flag not set")
	}
	if l.Entsize() != layout.BigMethodSize {
		t.Errorf("Entsize changed to %d", l.Entsize())
	}
}

func TestPropertyAndProtocolLists(t *testing.T) {
	rt := NewRuntime()
	props, err := rt.NewPropertyList(
		Property{Name: "name", Attributes: "T@\"NSString\",C"},
		Property{Name: "flag", Attributes: "TB"},
	)
	if err != nil {
		t.Fatalf("NewPropertyList: %v", err)
	}
	if got := props.Get(1); got.Name != "flag" || got.Attributes != "TB" {
		t.Errorf("Get(1) = %+v", got)
	}

	protos, err := rt.NewProtocolList("A", "B")
	if err != nil {
		t.Fatalf("NewProtocolList: %v", err)
	}
	if got := rt.ProtocolName(protos.Get(0)); got != "A" {
		t.Errorf("protocol 0 = %q, want A", got)
	}
	if protos.Entsize() != layout.ProtocolRefSize {
		t.Errorf("Entsize = %d, want %d", protos.Entsize(), layout.ProtocolRefSize)
	}
}
