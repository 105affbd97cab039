// File: client/session.go
// Package client presents an endpoint as a uniform session + device API.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Beyond delegation the adapter owns two concerns: chunked transfers
// against the negotiated maximum packet size (the only place that loops
// over the wire), and device-API identity for remote devices.

package client

import (
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/endpoint"
	"github.com/momentics/hioload-rpc/protocol"
)

// Session wraps a client endpoint.
type Session struct {
	ep   *endpoint.Endpoint
	opts control.Options

	chunkOnce sync.Once
	maxChunk  int
}

// NewSession builds the adapter. Explicit opts overlay the environment
// knobs.
func NewSession(ep *endpoint.Endpoint, opts control.Options) *Session {
	return &Session{
		ep:   ep,
		opts: control.FromEnv().Merge(opts),
	}
}

// Endpoint exposes the wrapped endpoint.
func (s *Session) Endpoint() *endpoint.Endpoint { return s.ep }

// Init installs the remote serving session.
func (s *Session) Init(args ...api.Value) error {
	return s.ep.InitRemoteSession(args...)
}

// Shutdown delegates to the endpoint.
func (s *Session) Shutdown() error { return s.ep.Shutdown() }

// GetFunction resolves a remote global function.
func (s *Session) GetFunction(name string) (*api.ObjectRef, error) {
	ret, err := s.ep.SysCallRemote(protocol.OpGetGlobalFunc, api.Str(name))
	if err != nil {
		return nil, err
	}
	if len(ret) != 1 || ret[0].Kind != api.KindHandle {
		return nil, api.NewError(api.ErrCodeInternal, "GetGlobalFunc returned no handle")
	}
	return ret[0].Ref, nil
}

// Call invokes a remote function.
func (s *Session) Call(fn *api.ObjectRef, args ...api.Value) ([]api.Value, error) {
	return s.ep.CallFunc(fn, args...)
}

// maxPacketSize resolves the peer's packet size limit once per session:
// the explicit knob wins, then the peer's advertised limit, then the
// built-in default.
func (s *Session) maxPacketSize() int {
	s.chunkOnce.Do(func() {
		if s.opts.ChunkMaxSizeBytes > 0 {
			s.maxChunk = s.opts.ChunkMaxSizeBytes
			return
		}
		s.maxChunk = protocol.DefaultMaxChunkBytes
		fn, err := s.GetFunction(protocol.MaxPacketSizeFunc)
		if err != nil {
			return
		}
		defer fn.Release()
		ret, err := s.Call(fn)
		if err == nil && len(ret) == 1 && ret[0].Kind == api.KindInt && ret[0].Int > 0 {
			s.maxChunk = int(ret[0].Int)
		}
	})
	return s.maxChunk
}

// chunkPayload returns the usable payload bytes per transfer packet for
// a tensor of the given rank.
func (s *Session) chunkPayload(ndim int) int {
	max := s.maxPacketSize()
	overhead := protocol.CopyOverheadBytes(ndim)
	payload := max - overhead
	if payload < 1 {
		payload = 1
	}
	return payload
}

// CopyTo writes data into the remote tensor region, splitting into as
// many single-packet transfers as the negotiated size requires.
func (s *Session) CopyTo(data []byte, t *api.TensorDesc) error {
	chunk := s.chunkPayload(len(t.Shape))
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		sub := *t
		sub.ByteOffset = t.ByteOffset + uint64(off)
		if err := s.ep.CopyToRemote(&sub, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// CopyFrom fills dst from the remote tensor region, chunked the same
// way.
func (s *Session) CopyFrom(t *api.TensorDesc, dst []byte) error {
	chunk := s.chunkPayload(len(t.Shape))
	for off := 0; off < len(dst); off += chunk {
		end := off + chunk
		if end > len(dst) {
			end = len(dst)
		}
		sub := *t
		sub.ByteOffset = t.ByteOffset + uint64(off)
		if err := s.ep.CopyFromRemote(&sub, dst[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Exists probes a remote device. The host device short-circuits without
// a round trip.
func (s *Session) Exists(dev api.Device) (bool, error) {
	if dev.Kind == api.DeviceCPU {
		return true, nil
	}
	v, err := s.GetAttr(dev, api.AttrExist)
	if err != nil {
		return false, err
	}
	return v.Kind == api.KindInt && v.Int != 0, nil
}

// SetDevice selects the peer's current device.
func (s *Session) SetDevice(dev api.Device) error {
	_, err := s.ep.SysCallRemote(protocol.OpDevSetDevice, api.DeviceV(dev))
	return err
}

// GetAttr queries a remote device attribute.
func (s *Session) GetAttr(dev api.Device, kind api.DeviceAttrKind) (api.Value, error) {
	ret, err := s.ep.SysCallRemote(protocol.OpDevGetAttr,
		api.DeviceV(dev), api.Int64(int64(kind)))
	if err != nil {
		return api.Value{}, err
	}
	if len(ret) != 1 {
		return api.Value{}, api.NewError(api.ErrCodeInternal, "DevGetAttr returned no value")
	}
	return ret[0], nil
}

// AllocData allocates device memory on the peer.
func (s *Session) AllocData(dev api.Device, nbytes, alignment uint64, hint api.DataType) (*api.ObjectRef, error) {
	ret, err := s.ep.SysCallRemote(protocol.OpDevAllocData,
		api.DeviceV(dev), api.Int64(int64(nbytes)), api.Int64(int64(alignment)),
		api.DataTypeV(hint))
	if err != nil {
		return nil, err
	}
	return refResult(ret)
}

// AllocDataWithScope allocates backing storage for the descriptor in
// the named scope ("" selects the default).
func (s *Session) AllocDataWithScope(t *api.TensorDesc, scope string) (*api.ObjectRef, error) {
	scopeVal := api.Null()
	if scope != "" {
		scopeVal = api.Str(scope)
	}
	ret, err := s.ep.SysCallRemote(protocol.OpDevAllocDataWithScope,
		api.TensorV(t), scopeVal)
	if err != nil {
		return nil, err
	}
	return refResult(ret)
}

// FreeData releases remote device memory immediately.
func (s *Session) FreeData(dev api.Device, data *api.ObjectRef) error {
	_, err := s.ep.SysCallRemote(protocol.OpDevFreeData,
		api.DeviceV(dev), api.RefV(data))
	return err
}

// CopyAmong copies between two tensors on the peer. The source device
// governs unless it is the host.
func (s *Session) CopyAmong(from, to *api.TensorDesc, stream *api.ObjectRef) error {
	streamVal := api.Null()
	if stream != nil {
		streamVal = api.RefV(stream)
	}
	_, err := s.ep.SysCallRemote(protocol.OpCopyAmongRemote,
		api.TensorV(from), api.TensorV(to), streamVal)
	return err
}

// CreateStream creates a remote execution stream.
func (s *Session) CreateStream(dev api.Device) (*api.ObjectRef, error) {
	ret, err := s.ep.SysCallRemote(protocol.OpDevCreateStream, api.DeviceV(dev))
	if err != nil {
		return nil, err
	}
	return refResult(ret)
}

// FreeStream releases a remote stream immediately.
func (s *Session) FreeStream(dev api.Device, stream *api.ObjectRef) error {
	_, err := s.ep.SysCallRemote(protocol.OpDevFreeStream,
		api.DeviceV(dev), api.RefV(stream))
	return err
}

// StreamSync waits for the remote stream to drain.
func (s *Session) StreamSync(dev api.Device, stream *api.ObjectRef) error {
	streamVal := api.Null()
	if stream != nil {
		streamVal = api.RefV(stream)
	}
	_, err := s.ep.SysCallRemote(protocol.OpDevStreamSync, api.DeviceV(dev), streamVal)
	return err
}

// SetStream selects the peer's current stream on dev.
func (s *Session) SetStream(dev api.Device, stream *api.ObjectRef) error {
	streamVal := api.Null()
	if stream != nil {
		streamVal = api.RefV(stream)
	}
	_, err := s.ep.SysCallRemote(protocol.OpDevSetStream, api.DeviceV(dev), streamVal)
	return err
}

// GetCurrentStream returns the peer's current stream on dev.
func (s *Session) GetCurrentStream(dev api.Device) (*api.ObjectRef, error) {
	ret, err := s.ep.SysCallRemote(protocol.OpDevGetCurrentStream, api.DeviceV(dev))
	if err != nil {
		return nil, err
	}
	return refResult(ret)
}

func refResult(ret []api.Value) (*api.ObjectRef, error) {
	if len(ret) != 1 || ret[0].Kind != api.KindHandle {
		return nil, api.NewError(api.ErrCodeInternal, "syscall returned no handle")
	}
	return ret[0].Ref, nil
}
