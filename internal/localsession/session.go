// File: internal/localsession/session.go
// Package localsession is the in-process serving session: a name-keyed
// function registry plus a host-memory device and stream table.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The server side of an endpoint installs one of these from the first
// InitServer packet (constructor name "rpc"). Tensors served here keep
// their data handle in TensorDesc.Data; views resolve against the
// buffer table at the descriptor's byte offset.

package localsession

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-rpc/api"
)

// Function is a serving-side callable.
type Function func(args []api.Value) ([]api.Value, error)

// Session implements api.ServingSession over host memory.
type Session struct {
	mu sync.Mutex

	funcsByName   map[string]Function
	funcsByHandle map[api.Handle]Function
	funcHandles   map[string]api.Handle

	buffers map[api.Handle][]byte
	streams map[api.Handle]api.Device

	curDevice api.Device
	curStream map[api.Device]api.Handle

	nextHandle api.Handle
}

var (
	_ api.ServingSession = (*Session)(nil)
	_ api.HostViewer     = (*Session)(nil)
)

// New creates an empty session bound to the host device.
func New() *Session {
	return &Session{
		funcsByName:   make(map[string]Function),
		funcsByHandle: make(map[api.Handle]Function),
		funcHandles:   make(map[string]api.Handle),
		buffers:       make(map[api.Handle][]byte),
		streams:       make(map[api.Handle]api.Device),
		curDevice:     api.CPU(0),
		curStream:     make(map[api.Device]api.Handle),
		nextHandle:    1,
	}
}

// Register installs a callable under name.
func (s *Session) Register(name string, fn Function) {
	s.mu.Lock()
	s.funcsByName[name] = fn
	s.mu.Unlock()
}

func (s *Session) allocHandleLocked() api.Handle {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// GetFunction resolves a registered callable to a stable handle.
func (s *Session) GetFunction(name string) (api.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.funcsByName[name]
	if !ok {
		return 0, fmt.Errorf("global function %q: %w", name, api.ErrNotFound)
	}
	if h, ok := s.funcHandles[name]; ok {
		return h, nil
	}
	h := s.allocHandleLocked()
	s.funcHandles[name] = h
	s.funcsByHandle[h] = fn
	return h, nil
}

// AsyncCallFunc runs the callable off the drive loop and reports through
// cb exactly once.
func (s *Session) AsyncCallFunc(fn api.Handle, args []api.Value, cb api.Completion) {
	s.mu.Lock()
	f, ok := s.funcsByHandle[fn]
	s.mu.Unlock()
	go func() {
		if !ok {
			cb(nil, fmt.Errorf("function handle %d: %w", fn, api.ErrNotFound))
			return
		}
		vals, err := f(args)
		cb(vals, err)
	}()
}

// FreeHandle drops a resource previously exported to the peer.
func (s *Session) FreeHandle(h api.Handle, kind api.HandleKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case api.HandleFunc:
		if _, ok := s.funcsByHandle[h]; !ok {
			return fmt.Errorf("free of unknown function handle %d", h)
		}
		delete(s.funcsByHandle, h)
		for name, fh := range s.funcHandles {
			if fh == h {
				delete(s.funcHandles, name)
			}
		}
	case api.HandleData:
		if _, ok := s.buffers[h]; !ok {
			return fmt.Errorf("free of unknown data handle %d", h)
		}
		delete(s.buffers, h)
	case api.HandleStream:
		if _, ok := s.streams[h]; !ok {
			return fmt.Errorf("free of unknown stream handle %d", h)
		}
		delete(s.streams, h)
	default:
		return fmt.Errorf("free of unsupported handle kind %d", kind)
	}
	return nil
}

// SetDevice selects the current device.
func (s *Session) SetDevice(dev api.Device) error {
	if dev.Kind&^api.SessionDeviceMask != api.DeviceCPU {
		return fmt.Errorf("device %s: %w", dev.Kind, api.ErrNotSupported)
	}
	s.mu.Lock()
	s.curDevice = dev
	s.mu.Unlock()
	return nil
}

// GetAttr answers host device attributes; non-host devices do not exist
// here.
func (s *Session) GetAttr(dev api.Device, kind api.DeviceAttrKind) (api.Value, error) {
	host := dev.Kind&^api.SessionDeviceMask == api.DeviceCPU
	switch kind {
	case api.AttrExist:
		return api.Bool(host), nil
	case api.AttrDeviceName:
		if !host {
			return api.Value{}, api.ErrNotSupported
		}
		return api.Str("cpu"), nil
	default:
		if !host {
			return api.Value{}, api.ErrNotSupported
		}
		return api.Int64(0), nil
	}
}

// dataBytes computes the packed byte size of the descriptor's elements.
func dataBytes(t *api.TensorDesc) uint64 {
	bits := uint64(t.DType.Bits) * uint64(t.DType.Lanes) * uint64(t.NumElements())
	return (bits + 7) / 8
}

// AllocData allocates host memory and returns its data handle.
func (s *Session) AllocData(dev api.Device, nbytes, alignment uint64, hint api.DataType) (api.Handle, error) {
	if dev.Kind != api.DeviceCPU {
		return 0, fmt.Errorf("alloc on %s: %w", dev.Kind, api.ErrNotSupported)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.allocHandleLocked()
	s.buffers[h] = make([]byte, nbytes)
	return h, nil
}

// AllocDataWithScope allocates backing storage for the descriptor.
func (s *Session) AllocDataWithScope(t *api.TensorDesc, scope string) (api.Handle, error) {
	if scope != "" && scope != "global" {
		return 0, fmt.Errorf("memory scope %q: %w", scope, api.ErrNotSupported)
	}
	return s.AllocData(t.Dev, dataBytes(t), 0, t.DType)
}

// FreeData releases a data handle.
func (s *Session) FreeData(dev api.Device, data api.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[data]; !ok {
		return fmt.Errorf("free of unknown data handle %d", data)
	}
	delete(s.buffers, data)
	return nil
}

// HostView resolves a served tensor to its backing bytes.
func (s *Session) HostView(t *api.TensorDesc, nbytes uint64) ([]byte, bool) {
	s.mu.Lock()
	buf, ok := s.buffers[api.Handle(t.Data)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if t.ByteOffset+nbytes > uint64(len(buf)) {
		return nil, false
	}
	return buf[t.ByteOffset : t.ByteOffset+nbytes], true
}

// DataSize reports the byte length behind a data handle.
func (s *Session) DataSize(h api.Handle) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[h]
	return len(buf), ok
}

// CopyAmong copies between two tensors resident on this side.
func (s *Session) CopyAmong(from, to *api.TensorDesc, stream api.Handle) error {
	n := dataBytes(from)
	src, ok := s.HostView(from, n)
	if !ok {
		return fmt.Errorf("copy source not host addressable")
	}
	dst, ok := s.HostView(to, n)
	if !ok {
		return fmt.Errorf("copy destination not host addressable")
	}
	copy(dst, src)
	return nil
}

// AsyncCopyTo moves staged bytes into the tensor.
func (s *Session) AsyncCopyTo(t *api.TensorDesc, data []byte, cb api.Completion) {
	go func() {
		view, ok := s.HostView(t, uint64(len(data)))
		if !ok {
			cb(nil, fmt.Errorf("tensor not host addressable"))
			return
		}
		copy(view, data)
		cb(nil, nil)
	}()
}

// AsyncCopyFrom fills dst from the tensor.
func (s *Session) AsyncCopyFrom(t *api.TensorDesc, dst []byte, cb api.Completion) {
	go func() {
		view, ok := s.HostView(t, uint64(len(dst)))
		if !ok {
			cb(nil, fmt.Errorf("tensor not host addressable"))
			return
		}
		copy(dst, view)
		cb(nil, nil)
	}()
}

// CreateStream creates an execution stream handle. Host streams are
// bookkeeping only.
func (s *Session) CreateStream(dev api.Device) (api.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.allocHandleLocked()
	s.streams[h] = dev
	return h, nil
}

// FreeStream releases a stream handle.
func (s *Session) FreeStream(dev api.Device, stream api.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[stream]; !ok {
		return fmt.Errorf("free of unknown stream handle %d", stream)
	}
	delete(s.streams, stream)
	return nil
}

// AsyncStreamWait completes immediately: host work is synchronous.
func (s *Session) AsyncStreamWait(dev api.Device, stream api.Handle, cb api.Completion) {
	go cb(nil, nil)
}

// SetStream selects the current stream on dev.
func (s *Session) SetStream(dev api.Device, stream api.Handle) error {
	s.mu.Lock()
	s.curStream[dev] = stream
	s.mu.Unlock()
	return nil
}

// GetCurrentStream returns the current stream on dev (0 when unset).
func (s *Session) GetCurrentStream(dev api.Device) (api.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curStream[dev], nil
}
