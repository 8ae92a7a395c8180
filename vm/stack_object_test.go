package vm

import (
	"testing"
)

func TestStackObjectAccessors(t *testing.T) {
	var target StackObject
	o := &Object{}
	var structSlot StackObject
	structSlot.SetStruct(o)

	// Accessors apply directly to returned slots.
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"I32", I32Value(-7).I32(), int32(-7)},
		{"I32 as I64", I32Value(-7).I64(), int64(-7)},
		{"U32", I32Value(-1).U32(), uint32(0xFFFFFFFF)},
		{"U64", I64Value(-1).U64(), uint64(0xFFFFFFFFFFFFFFFF)},
		{"F64", F64Value(1.5).F64(), 1.5},
		{"Bool", BoolValue(true).Bool(), true},
		{"Obj", ObjValue(o).Obj(), o},
		{"Obj of byref", RefValue(&target).Obj(), (*Object)(nil)},
		{"Ref", RefValue(&target).Ref(), &target},
		{"Ref of object", ObjValue(o).Ref(), (*StackObject)(nil)},
		{"IsByRef", RefValue(&target).IsByRef(), true},
		{"IsStruct", copyValue(structSlot).IsStruct(), true},
		{"IsStruct of object", ObjValue(o).IsStruct(), false},
		{"IsNull nil", ObjValue(nil).IsNull(), true},
		{"IsNull zero int", I32Value(0).IsNull(), true},
		{"IsNull object", ObjValue(o).IsNull(), false},
		{"Method", StackObject{}.Method(), (*MethodInfo)(nil)},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if copyValue(structSlot).Obj() == o {
		t.Error("copyValue shares the struct payload")
	}
}
