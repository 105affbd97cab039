// File: protocol/packed.go
// Package protocol implements the packed argument codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A packed sequence is `u32 num_args`, then num_args u32 type-code
// words, then the value payloads in order. The encoder computes the
// exact byte length with a dry-run traversal first so the outer framing
// can prefix the body with its u64 length before streaming.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/momentics/hioload-rpc/api"
)

// tensorDescLen is the wire size of a tensor descriptor with ndim
// dimensions: device(8) + data(8) + ndim(4) + shape(ndim*8) + dtype(4) +
// byte_offset(8).
func tensorDescLen(ndim int) int {
	return 8 + 8 + 4 + ndim*8 + 4 + 8
}

// valueSize returns the payload size of one value, excluding its
// type-code word.
func valueSize(v api.Value) (int, error) {
	switch v.Kind {
	case api.KindNull:
		return 0, nil
	case api.KindInt:
		return 8, nil
	case api.KindFloat32:
		return 4, nil
	case api.KindFloat64:
		return 8, nil
	case api.KindStr:
		return 8 + len(v.Str), nil
	case api.KindBytes:
		return 8 + len(v.Bytes), nil
	case api.KindDataType:
		return 4, nil
	case api.KindDevice:
		return 8, nil
	case api.KindTensor:
		if v.Tensor == nil {
			return 0, api.NewError(api.ErrCodeArgument, "nil tensor descriptor")
		}
		return tensorDescLen(len(v.Tensor.Shape)), nil
	case api.KindHandle:
		return 4 + 8, nil
	default:
		return 0, api.NewError(api.ErrCodeArgument,
			fmt.Sprintf("cannot serialize value of kind %s", v.Kind))
	}
}

// PackedSize computes the encoded length of the sequence, rejecting
// values of unserializable kinds and nil tensors. The outbound checks of
// AppendPacked (session devices, nil or foreign object references) are
// not applied here.
func PackedSize(args []api.Value) (int, error) {
	total := 4 + 4*len(args)
	for _, v := range args {
		n, err := valueSize(v)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// validateOutbound rejects values that must never cross the wire.
func validateOutbound(v api.Value, owner api.RefOwner) error {
	switch v.Kind {
	case api.KindDevice:
		if v.Dev.IsSessionDevice() {
			return api.NewError(api.ErrCodeArgument,
				"cannot pass RPC session device through the channel")
		}
	case api.KindTensor:
		if v.Tensor != nil && v.Tensor.Dev.IsSessionDevice() {
			return api.NewError(api.ErrCodeArgument,
				"cannot pass tensor on RPC session device through the channel")
		}
	case api.KindHandle:
		if v.Ref == nil {
			return api.NewError(api.ErrCodeArgument, "nil object reference")
		}
		if owner != nil && v.Ref.Owner != nil && v.Ref.Owner != owner {
			return api.ErrForeignHandle
		}
	}
	return nil
}

// AppendPacked appends the encoded sequence to dst and returns the
// extended slice. owner is the encoding endpoint; object references held
// against a different endpoint are rejected.
func AppendPacked(dst []byte, args []api.Value, owner api.RefOwner) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(args)))
	for _, v := range args {
		if err := validateOutbound(v, owner); err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v.Kind))
	}
	for _, v := range args {
		var err error
		dst, err = appendValue(dst, v)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendValue(dst []byte, v api.Value) ([]byte, error) {
	switch v.Kind {
	case api.KindNull:
		return dst, nil
	case api.KindInt:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.Int)), nil
	case api.KindFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.Float))), nil
	case api.KindFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Float)), nil
	case api.KindStr:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(len(v.Str)))
		return append(dst, v.Str...), nil
	case api.KindBytes:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(len(v.Bytes)))
		return append(dst, v.Bytes...), nil
	case api.KindDataType:
		return appendDataType(dst, v.DType), nil
	case api.KindDevice:
		return appendDevice(dst, v.Dev), nil
	case api.KindTensor:
		return AppendTensorDesc(dst, v.Tensor), nil
	case api.KindHandle:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v.Ref.Kind))
		return binary.LittleEndian.AppendUint64(dst, uint64(v.Ref.Handle)), nil
	default:
		return nil, api.NewError(api.ErrCodeArgument,
			fmt.Sprintf("cannot serialize value of kind %s", v.Kind))
	}
}

func appendDataType(dst []byte, t api.DataType) []byte {
	dst = append(dst, byte(t.Code), t.Bits)
	return binary.LittleEndian.AppendUint16(dst, t.Lanes)
}

func appendDevice(dst []byte, d api.Device) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(d.Kind))
	return binary.LittleEndian.AppendUint32(dst, uint32(d.ID))
}

// AppendTensorDesc appends the wire form of a tensor descriptor.
func AppendTensorDesc(dst []byte, t *api.TensorDesc) []byte {
	dst = appendDevice(dst, t.Dev)
	dst = binary.LittleEndian.AppendUint64(dst, t.Data)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t.Shape)))
	for _, s := range t.Shape {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(s))
	}
	dst = appendDataType(dst, t.DType)
	return binary.LittleEndian.AppendUint64(dst, t.ByteOffset)
}

// decoder walks a packet body. Decode failures are framing violations
// and fatal to the connection.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remain() int { return len(d.buf) - d.off }

func (d *decoder) need(n int) error {
	if d.remain() < n {
		return api.NewError(api.ErrCodeFraming, "packet body truncated")
	}
	return nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) dataType() (api.DataType, error) {
	b, err := d.bytes(4)
	if err != nil {
		return api.DataType{}, err
	}
	return api.DataType{
		Code:  api.DataTypeCode(b[0]),
		Bits:  b[1],
		Lanes: binary.LittleEndian.Uint16(b[2:]),
	}, nil
}

func (d *decoder) device() (api.Device, error) {
	kind, err := d.u32()
	if err != nil {
		return api.Device{}, err
	}
	id, err := d.u32()
	if err != nil {
		return api.Device{}, err
	}
	return api.Device{Kind: api.DeviceKind(int32(kind)), ID: int32(id)}, nil
}

func (d *decoder) tensorDesc() (*api.TensorDesc, error) {
	dev, err := d.device()
	if err != nil {
		return nil, err
	}
	data, err := d.u64()
	if err != nil {
		return nil, err
	}
	ndimWord, err := d.u32()
	if err != nil {
		return nil, err
	}
	ndim := int32(ndimWord)
	if ndim < 0 {
		return nil, api.NewError(api.ErrCodeFraming, "negative tensor ndim")
	}
	shape := make([]int64, ndim)
	for i := range shape {
		s, err := d.u64()
		if err != nil {
			return nil, err
		}
		shape[i] = int64(s)
	}
	dtype, err := d.dataType()
	if err != nil {
		return nil, err
	}
	off, err := d.u64()
	if err != nil {
		return nil, err
	}
	return &api.TensorDesc{
		Dev:        dev,
		Data:       data,
		Ndim:       ndim,
		DType:      dtype,
		Shape:      shape,
		ByteOffset: off,
	}, nil
}

// DecodeTensorDesc reads one tensor descriptor from buf, returning the
// descriptor and the bytes consumed.
func DecodeTensorDesc(buf []byte) (*api.TensorDesc, int, error) {
	d := &decoder{buf: buf}
	t, err := d.tensorDesc()
	if err != nil {
		return nil, 0, err
	}
	return t, d.off, nil
}

// DecodePacked reads one packed sequence from buf. Every received handle
// is materialized as an ObjectRef against owner, so forwarding it onward
// later needs no special case. Returns the values and bytes consumed.
func DecodePacked(buf []byte, owner api.RefOwner) ([]api.Value, int, error) {
	d := &decoder{buf: buf}
	num, err := d.u32()
	if err != nil {
		return nil, 0, err
	}
	kinds := make([]api.ArgKind, num)
	for i := range kinds {
		w, err := d.u32()
		if err != nil {
			return nil, 0, err
		}
		kinds[i] = api.ArgKind(int32(w))
	}
	vals := make([]api.Value, num)
	for i, k := range kinds {
		v, err := d.value(k, owner)
		if err != nil {
			return nil, 0, err
		}
		vals[i] = v
	}
	return vals, d.off, nil
}

func (d *decoder) value(k api.ArgKind, owner api.RefOwner) (api.Value, error) {
	switch k {
	case api.KindNull:
		return api.Null(), nil
	case api.KindInt:
		v, err := d.u64()
		if err != nil {
			return api.Value{}, err
		}
		return api.Int64(int64(v)), nil
	case api.KindFloat32:
		v, err := d.u32()
		if err != nil {
			return api.Value{}, err
		}
		return api.Float32V(math.Float32frombits(v)), nil
	case api.KindFloat64:
		v, err := d.u64()
		if err != nil {
			return api.Value{}, err
		}
		return api.Float64V(math.Float64frombits(v)), nil
	case api.KindStr:
		n, err := d.u64()
		if err != nil {
			return api.Value{}, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return api.Value{}, err
		}
		return api.Str(string(b)), nil
	case api.KindBytes:
		n, err := d.u64()
		if err != nil {
			return api.Value{}, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return api.Value{}, err
		}
		dup := make([]byte, n)
		copy(dup, b)
		return api.BytesV(dup), nil
	case api.KindDataType:
		t, err := d.dataType()
		if err != nil {
			return api.Value{}, err
		}
		return api.DataTypeV(t), nil
	case api.KindDevice:
		dev, err := d.device()
		if err != nil {
			return api.Value{}, err
		}
		return api.DeviceV(dev), nil
	case api.KindTensor:
		t, err := d.tensorDesc()
		if err != nil {
			return api.Value{}, err
		}
		return api.TensorV(t), nil
	case api.KindHandle:
		tag, err := d.u32()
		if err != nil {
			return api.Value{}, err
		}
		h, err := d.u64()
		if err != nil {
			return api.Value{}, err
		}
		ref := api.NewObjectRef(api.Handle(h), api.HandleKind(int32(tag)), owner)
		return api.RefV(ref), nil
	default:
		return api.Value{}, api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("unknown packed type code %d", int32(k)))
	}
}
