// File: api/value.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Value is the heterogeneous argument cell carried by packed sequences.
// Converted to struct to avoid interface boxing on the hot dispatch path.

package api

import "fmt"

// ArgKind tags the dynamic type of a packed value. The numeric values are
// the on-wire type codes and form a stable contract between peers.
type ArgKind int32

const (
	KindNull ArgKind = iota
	KindInt
	KindFloat32
	KindFloat64
	KindStr
	KindBytes
	KindDataType
	KindDevice
	KindTensor
	KindHandle
)

func (k ArgKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindStr:
		return "str"
	case KindBytes:
		return "bytes"
	case KindDataType:
		return "dtype"
	case KindDevice:
		return "device"
	case KindTensor:
		return "tensor"
	case KindHandle:
		return "handle"
	default:
		return fmt.Sprintf("argkind(%d)", int32(k))
	}
}

// Value holds one packed argument. Only the field selected by Kind is
// meaningful; the rest stay zero.
type Value struct {
	Kind   ArgKind
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	DType  DataType
	Dev    Device
	Tensor *TensorDesc
	Ref    *ObjectRef
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Int64 wraps an integer (all widths and bool widen to i64 on the wire).
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Bool wraps a boolean as its integer wire form.
func Bool(v bool) Value {
	if v {
		return Int64(1)
	}
	return Int64(0)
}

// Float32V wraps a single-precision float.
func Float32V(v float32) Value { return Value{Kind: KindFloat32, Float: float64(v)} }

// Float64V wraps a double-precision float.
func Float64V(v float64) Value { return Value{Kind: KindFloat64, Float: v} }

// Str wraps a string.
func Str(v string) Value { return Value{Kind: KindStr, Str: v} }

// BytesV wraps a byte blob.
func BytesV(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// DataTypeV wraps a data-type descriptor.
func DataTypeV(v DataType) Value { return Value{Kind: KindDataType, DType: v} }

// DeviceV wraps a device descriptor.
func DeviceV(v Device) Value { return Value{Kind: KindDevice, Dev: v} }

// TensorV wraps a tensor descriptor.
func TensorV(v *TensorDesc) Value { return Value{Kind: KindTensor, Tensor: v} }

// RefV wraps a remote object reference.
func RefV(r *ObjectRef) Value { return Value{Kind: KindHandle, Ref: r} }

// Equal reports deep equality of two values; used by loopback tests and
// echo validation.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat32, KindFloat64:
		return v.Float == o.Float
	case KindStr:
		return v.Str == o.Str
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindDataType:
		return v.DType == o.DType
	case KindDevice:
		return v.Dev == o.Dev
	case KindTensor:
		a, b := v.Tensor, o.Tensor
		if a == nil || b == nil {
			return a == b
		}
		if a.Dev != b.Dev || a.Data != b.Data || a.Ndim != b.Ndim ||
			a.DType != b.DType || a.ByteOffset != b.ByteOffset {
			return false
		}
		for i := range a.Shape {
			if a.Shape[i] != b.Shape[i] {
				return false
			}
		}
		return true
	case KindHandle:
		if v.Ref == nil || o.Ref == nil {
			return v.Ref == o.Ref
		}
		return v.Ref.Handle == o.Ref.Handle && v.Ref.Kind == o.Ref.Kind
	default:
		return false
	}
}
