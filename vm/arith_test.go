package vm

import (
	"math"
	"testing"
)

func TestSignedOverflow(t *testing.T) {
	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"add32 max+1", AddOverflow[int32](math.MaxInt32, 1), true},
		{"add32 max+0", AddOverflow[int32](math.MaxInt32, 0), false},
		{"add32 min-1", AddOverflow[int32](math.MinInt32, -1), true},
		{"add32 min+max", AddOverflow[int32](math.MinInt32, math.MaxInt32), false},
		{"add32 -1+min", AddOverflow[int32](-1, math.MinInt32), true},
		{"sub32 min-1", SubOverflow[int32](math.MinInt32, 1), true},
		{"sub32 0-min", SubOverflow[int32](0, math.MinInt32), true},
		{"sub32 -1-min", SubOverflow[int32](-1, math.MinInt32), false},
		{"sub32 max-(-1)", SubOverflow[int32](math.MaxInt32, -1), true},
		{"sub32 max-max", SubOverflow[int32](math.MaxInt32, math.MaxInt32), false},
		{"mul32 min*-1", MulOverflow[int32](math.MinInt32, -1), true},
		{"mul32 -1*min", MulOverflow[int32](-1, math.MinInt32), true},
		{"mul32 min*1", MulOverflow[int32](math.MinInt32, 1), false},
		{"mul32 min*0", MulOverflow[int32](math.MinInt32, 0), false},
		{"mul32 2^16*2^15", MulOverflow[int32](1<<16, 1<<15), true},
		{"mul32 -2^16*2^15", MulOverflow[int32](-(1 << 16), 1<<15), false},
		{"mul32 46341^2", MulOverflow[int32](46341, 46341), true},
		{"mul32 (-46341)^2", MulOverflow[int32](-46341, -46341), true},
		{"mul32 46340^2", MulOverflow[int32](46340, 46340), false},

		{"add64 max+1", AddOverflow[int64](math.MaxInt64, 1), true},
		{"add64 min-1", AddOverflow[int64](math.MinInt64, -1), true},
		{"add64 min+max", AddOverflow[int64](math.MinInt64, math.MaxInt64), false},
		{"sub64 min-1", SubOverflow[int64](math.MinInt64, 1), true},
		{"sub64 0-min", SubOverflow[int64](0, math.MinInt64), true},
		{"sub64 -1-min", SubOverflow[int64](-1, math.MinInt64), false},
		{"sub64 max-(-1)", SubOverflow[int64](math.MaxInt64, -1), true},
		{"mul64 min*-1", MulOverflow[int64](math.MinInt64, -1), true},
		{"mul64 min*1", MulOverflow[int64](math.MinInt64, 1), false},
		{"mul64 2^32*2^31", MulOverflow[int64](1<<32, 1<<31), true},
		{"mul64 -2^32*2^31", MulOverflow[int64](-(1 << 32), 1<<31), false},
		{"mul64 max*-1", MulOverflow[int64](math.MaxInt64, -1), false},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: overflow = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestUnsignedOverflow(t *testing.T) {
	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"add32 max+1", AddOverflowUn[uint32](math.MaxUint32, 1), true},
		{"add32 max+0", AddOverflowUn[uint32](math.MaxUint32, 0), false},
		{"add32 1+(max-1)", AddOverflowUn[uint32](1, math.MaxUint32-1), false},
		{"sub32 0-1", SubOverflowUn[uint32](0, 1), true},
		{"sub32 1-1", SubOverflowUn[uint32](1, 1), false},
		{"sub32 max-max", SubOverflowUn[uint32](math.MaxUint32, math.MaxUint32), false},
		{"mul32 2^16*2^16", MulOverflowUn[uint32](1<<16, 1<<16), true},
		{"mul32 2^16*(2^16-1)", MulOverflowUn[uint32](1<<16, 1<<16-1), false},
		{"mul32 0*max", MulOverflowUn[uint32](0, math.MaxUint32), false},
		{"mul32 max*2", MulOverflowUn[uint32](math.MaxUint32, 2), true},

		{"add64 max+1", AddOverflowUn[uint64](math.MaxUint64, 1), true},
		{"add64 max+0", AddOverflowUn[uint64](math.MaxUint64, 0), false},
		{"sub64 0-max", SubOverflowUn[uint64](0, math.MaxUint64), true},
		{"sub64 max-1", SubOverflowUn[uint64](math.MaxUint64, 1), false},
		{"mul64 2^32*2^32", MulOverflowUn[uint64](1<<32, 1<<32), true},
		{"mul64 max*1", MulOverflowUn[uint64](math.MaxUint64, 1), false},
		{"mul64 0*max", MulOverflowUn[uint64](0, math.MaxUint64), false},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: overflow = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestFloatToIntOverflow(t *testing.T) {
	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"i32 max+0.9", FloatToIntOverflow[int32](2147483647.9), false},
		{"i32 max+1", FloatToIntOverflow[int32](2147483648), true},
		{"i32 min-0.9", FloatToIntOverflow[int32](-2147483648.9), false},
		{"i32 min-1", FloatToIntOverflow[int32](-2147483649), true},
		{"i64 min", FloatToIntOverflow[int64](-9223372036854775808.0), false},
		{"i64 2^63", FloatToIntOverflow[int64](9223372036854775808.0), true},
		{"u32 -0.5", FloatToIntOverflow[uint32](-0.5), false},
		{"u32 -1", FloatToIntOverflow[uint32](-1), true},
		{"u32 2^32", FloatToIntOverflow[uint32](4294967296), true},
		{"u64 2^64", FloatToIntOverflow[uint64](18446744073709551616.0), true},
		{"i8 NaN", FloatToIntOverflow[int8](math.NaN()), true},
		{"i16 -inf", FloatToIntOverflow[int16](math.Inf(-1)), true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: overflow = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}
