// File: endpoint/syscalls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Uniform servicing of the syscall opcode range. Argument shape
// mismatches are framing violations and fatal; operational failures are
// marshaled into Exception replies.

package endpoint

import (
	"fmt"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// argError builds the fatal error for a syscall argument mismatch.
func argError(op protocol.Opcode, i int, want string, got api.ArgKind) error {
	return api.NewError(api.ErrCodeFraming,
		fmt.Sprintf("%s: argument %d must be %s, got %s", op, i, want, got))
}

func argCount(op protocol.Opcode, args []api.Value, want int) error {
	if len(args) != want {
		return api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("%s: want %d arguments, got %d", op, want, len(args)))
	}
	return nil
}

func argInt(op protocol.Opcode, args []api.Value, i int) (int64, error) {
	if args[i].Kind != api.KindInt {
		return 0, argError(op, i, "int", args[i].Kind)
	}
	return args[i].Int, nil
}

func argStr(op protocol.Opcode, args []api.Value, i int) (string, error) {
	if args[i].Kind != api.KindStr {
		return "", argError(op, i, "str", args[i].Kind)
	}
	return args[i].Str, nil
}

func argDevice(op protocol.Opcode, args []api.Value, i int) (api.Device, error) {
	if args[i].Kind != api.KindDevice {
		return api.Device{}, argError(op, i, "device", args[i].Kind)
	}
	return args[i].Dev, nil
}

func argTensor(op protocol.Opcode, args []api.Value, i int) (*api.TensorDesc, error) {
	if args[i].Kind != api.KindTensor {
		return nil, argError(op, i, "tensor", args[i].Kind)
	}
	return args[i].Tensor, nil
}

func argRef(op protocol.Opcode, args []api.Value, i int) (*api.ObjectRef, error) {
	if args[i].Kind != api.KindHandle {
		return nil, argError(op, i, "handle", args[i].Kind)
	}
	return args[i].Ref, nil
}

// argStream accepts a stream handle or null (the default stream).
func argStream(op protocol.Opcode, args []api.Value, i int) (api.Handle, error) {
	if args[i].Kind == api.KindNull {
		return 0, nil
	}
	r, err := argRef(op, args, i)
	if err != nil {
		return 0, err
	}
	return r.Handle, nil
}

// localRef exports a session-owned handle to the peer as a packed value.
// Owner stays nil: the resource belongs to this side and its lifetime is
// the session's concern, not a remote free.
func localRef(h api.Handle, kind api.HandleKind) api.Value {
	return api.RefV(api.NewObjectRef(h, kind, nil))
}

// handleSyscall decodes the packed arguments and runs the operation
// against the serving session. DevStreamSync suspends the machine; every
// other syscall replies synchronously.
func (h *handler) handleSyscall(op protocol.Opcode, body []byte) error {
	args, _, err := protocol.DecodePacked(body, h.owner)
	if err != nil {
		return err
	}
	if !h.requireSession() {
		return nil
	}
	sess := h.session

	switch op {
	case protocol.OpGetGlobalFunc:
		if err := argCount(op, args, 1); err != nil {
			return err
		}
		name, err := argStr(op, args, 0)
		if err != nil {
			return err
		}
		fn, gerr := sess.GetFunction(name)
		if gerr != nil {
			h.finishServed(nil, gerr)
			return nil
		}
		h.finishServed([]api.Value{localRef(fn, api.HandleFunc)}, nil)
		return nil

	case protocol.OpFreeHandle:
		if err := argCount(op, args, 1); err != nil {
			return err
		}
		ref, err := argRef(op, args, 0)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.FreeHandle(ref.Handle, ref.Kind))
		return nil

	case protocol.OpDevSetDevice:
		if err := argCount(op, args, 1); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.SetDevice(dev))
		return nil

	case protocol.OpDevGetAttr:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		kind, err := argInt(op, args, 1)
		if err != nil {
			return err
		}
		val, gerr := sess.GetAttr(dev, api.DeviceAttrKind(kind))
		if gerr != nil {
			// A missing device API still answers the existence probe.
			if api.DeviceAttrKind(kind) == api.AttrExist {
				h.finishServed([]api.Value{api.Int64(0)}, nil)
				return nil
			}
			h.finishServed(nil, gerr)
			return nil
		}
		h.finishServed([]api.Value{val}, nil)
		return nil

	case protocol.OpDevAllocData:
		if err := argCount(op, args, 4); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		nbytes, err := argInt(op, args, 1)
		if err != nil {
			return err
		}
		align, err := argInt(op, args, 2)
		if err != nil {
			return err
		}
		if args[3].Kind != api.KindDataType {
			return argError(op, 3, "dtype", args[3].Kind)
		}
		data, aerr := sess.AllocData(dev, uint64(nbytes), uint64(align), args[3].DType)
		if aerr != nil {
			h.finishServed(nil, aerr)
			return nil
		}
		h.finishServed([]api.Value{localRef(data, api.HandleData)}, nil)
		return nil

	case protocol.OpDevAllocDataWithScope:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		t, err := argTensor(op, args, 0)
		if err != nil {
			return err
		}
		scope := ""
		if args[1].Kind != api.KindNull {
			if scope, err = argStr(op, args, 1); err != nil {
				return err
			}
		}
		data, aerr := sess.AllocDataWithScope(t, scope)
		if aerr != nil {
			h.finishServed(nil, aerr)
			return nil
		}
		h.finishServed([]api.Value{localRef(data, api.HandleData)}, nil)
		return nil

	case protocol.OpDevFreeData:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		ref, err := argRef(op, args, 1)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.FreeData(dev, ref.Handle))
		return nil

	case protocol.OpCopyAmongRemote:
		if err := argCount(op, args, 3); err != nil {
			return err
		}
		from, err := argTensor(op, args, 0)
		if err != nil {
			return err
		}
		to, err := argTensor(op, args, 1)
		if err != nil {
			return err
		}
		stream, err := argStream(op, args, 2)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.CopyAmong(from, to, stream))
		return nil

	case protocol.OpDevCreateStream:
		if err := argCount(op, args, 1); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		s, serr := sess.CreateStream(dev)
		if serr != nil {
			h.finishServed(nil, serr)
			return nil
		}
		h.finishServed([]api.Value{localRef(s, api.HandleStream)}, nil)
		return nil

	case protocol.OpDevFreeStream:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		stream, err := argStream(op, args, 1)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.FreeStream(dev, stream))
		return nil

	case protocol.OpDevStreamSync:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		stream, err := argStream(op, args, 1)
		if err != nil {
			return err
		}
		if err := h.enterAsync(); err != nil {
			return err
		}
		sess.AsyncStreamWait(dev, stream, h.completeAsync(nil))
		return nil

	case protocol.OpDevSetStream:
		if err := argCount(op, args, 2); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		stream, err := argStream(op, args, 1)
		if err != nil {
			return err
		}
		h.finishServed(nil, sess.SetStream(dev, stream))
		return nil

	case protocol.OpDevGetCurrentStream:
		if err := argCount(op, args, 1); err != nil {
			return err
		}
		dev, err := argDevice(op, args, 0)
		if err != nil {
			return err
		}
		s, serr := sess.GetCurrentStream(dev)
		if serr != nil {
			h.finishServed(nil, serr)
			return nil
		}
		h.finishServed([]api.Value{localRef(s, api.HandleStream)}, nil)
		return nil

	default:
		return api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("syscall %d outside the contract", uint32(op)))
	}
}
