// File: endpoint/endpoint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Endpoint is the thread-safe front door over one full-duplex channel.
// A single mutex serializes client-initiated transmissions so every
// packet leaves as one contiguous unit; the drive loop alternates
// channel I/O with state-machine advancement until a terminal event.

package endpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/xid"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/internal/bo"
	"github.com/momentics/hioload-rpc/protocol"
)

// Option customizes endpoint construction.
type Option func(*Endpoint)

// WithSession pre-installs the serving session instead of waiting for an
// InitServer packet.
func WithSession(s api.ServingSession) Option {
	return func(e *Endpoint) { e.h.session = s }
}

// WithMetrics attaches a counter set.
func WithMetrics(m *control.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// WithPreLoopHook runs fn right before ServerLoop starts serving.
func WithPreLoopHook(fn func()) Option {
	return func(e *Endpoint) { e.preHooks = append(e.preHooks, fn) }
}

// WithPostLoopHook runs fn after ServerLoop terminates.
func WithPostLoopHook(fn func()) Option {
	return func(e *Endpoint) { e.postHooks = append(e.postHooks, fn) }
}

// pendingFree is one deferred FreeHandle syscall.
type pendingFree struct {
	h    api.Handle
	kind api.HandleKind
}

// Endpoint drives one channel. It is the api.RefOwner for every remote
// object reference materialized from this channel's packets.
type Endpoint struct {
	name string
	key  string
	ch   api.Channel
	h    *handler

	mu   sync.Mutex // serializes client-initiated transmissions
	shut atomic.Bool

	freeMu sync.Mutex
	frees  *queue.Queue

	metrics   *control.Metrics
	preHooks  []func()
	postHooks []func()
}

// New builds an endpoint over ch. remoteKey selects the handshake role:
// the ToInitKey sentinel makes this side read the peer's key material
// first; any other key is written to the channel for a ToInitKey peer to
// read. An empty remoteKey generates a unique client key.
func New(ch api.Channel, name, remoteKey string, opts ...Option) *Endpoint {
	if remoteKey == "" {
		remoteKey = "client:" + xid.New().String()
	}
	toInit := remoteKey == protocol.ToInitKey
	e := &Endpoint{
		name:  name,
		key:   remoteKey,
		ch:    ch,
		frees: queue.New(),
	}
	e.h = newHandler(name, e, toInit)
	e.h.flushWriter = e.flushWriter
	if !toInit {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(int32(len(remoteKey))))
		e.h.writer.Write(hdr[:])
		e.h.writer.Write([]byte(remoteKey))
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns the endpoint's instance name.
func (e *Endpoint) Name() string { return e.name }

// Key returns the locally configured remote key.
func (e *Endpoint) Key() string { return e.key }

// PeerKey returns the key material read during the InitHeader handshake.
func (e *Endpoint) PeerKey() string { return e.h.peerKey }

// CanCleanShutdown is true only when the handler sits at a packet
// boundary.
func (e *Endpoint) CanCleanShutdown() bool { return e.h.canCleanShutdown() }

// EnqueueFree implements api.RefOwner. It only records the handle; the
// FreeHandle syscall goes out under the facade mutex before the next
// client transmission. Frees racing a shutdown are logged and dropped.
func (e *Endpoint) EnqueueFree(h api.Handle, kind api.HandleKind) {
	if e.shut.Load() {
		log.Printf("endpoint[%s]: dropping free of %s handle %d after shutdown",
			e.name, kind, h)
		return
	}
	e.freeMu.Lock()
	e.frees.Add(pendingFree{h: h, kind: kind})
	e.freeMu.Unlock()
}

// drainFreesLocked issues every queued FreeHandle syscall. Caller holds
// the facade mutex.
func (e *Endpoint) drainFreesLocked() {
	for {
		e.freeMu.Lock()
		if e.frees.Length() == 0 {
			e.freeMu.Unlock()
			return
		}
		pf := e.frees.Remove().(pendingFree)
		e.freeMu.Unlock()
		ref := api.NewObjectRef(pf.h, pf.kind, e)
		if _, err := e.syscallLocked(protocol.OpFreeHandle, api.RefV(ref)); err != nil {
			log.Printf("endpoint[%s]: free of %s handle %d failed: %v",
				e.name, pf.kind, pf.h, err)
		}
	}
}

// flushWriter pushes the whole write ring to the channel.
func (e *Endpoint) flushWriter() error {
	for e.h.writer.BytesAvailable() > 0 {
		n, err := e.h.writer.ReadWithCallback(func(win []byte) (int, error) {
			return e.ch.Send(win)
		}, e.h.writer.BytesAvailable())
		if err != nil {
			return api.NewError(api.ErrCodeTransport,
				fmt.Sprintf("channel send: %v", err))
		}
		if n == 0 {
			return api.NewError(api.ErrCodeTransport, "channel send stalled")
		}
		e.metrics.AddSent(n)
	}
	return nil
}

// fillReader pulls at least need channel bytes into the read ring.
// Returns io.EOF when the peer closed the channel.
func (e *Endpoint) fillReader(need int) error {
	if need <= 0 {
		need = 1
	}
	for need > 0 {
		n, err := e.h.reader.WriteWithCallback(func(win []byte) (int, error) {
			return e.ch.Recv(win)
		}, need)
		if err == io.EOF || (n == 0 && err == nil) {
			return io.EOF
		}
		if err != nil {
			return api.NewError(api.ErrCodeTransport,
				fmt.Sprintf("channel recv: %v", err))
		}
		e.metrics.AddRecv(n)
		need -= n
	}
	return nil
}

// driveUntil advances the machine until the wanted terminal event. It
// never blocks inside the state machine: it flushes W, steps, and pulls
// R as needed, waiting on the completion channel during async server
// operations.
func (e *Endpoint) driveUntil(want api.Event, clientMode bool, setReturn func([]api.Value)) error {
	for {
		if err := e.flushWriter(); err != nil {
			return err
		}
		ev, err := e.h.handleNextEvent(clientMode, setReturn)
		if err != nil {
			if re, ok := err.(*api.RemoteError); ok {
				e.metrics.IncRemoteError()
				return re
			}
			return err
		}
		if ev == want {
			return nil
		}
		switch ev {
		case api.EventShutdown:
			return api.ErrEndpointShutdown
		case api.EventReturn, api.EventCopyAck:
			return api.NewError(api.ErrCodeInternal,
				fmt.Sprintf("unexpected %s event while waiting for %s", ev, want))
		case api.EventNone:
			if e.h.state == stateWaitForAsyncCallback {
				fn := <-e.h.completions
				fn()
				continue
			}
			// Replies written by the step above must reach the peer
			// before this side blocks waiting for its next packet.
			if err := e.flushWriter(); err != nil {
				return err
			}
			if err := e.fillReader(e.h.bytesNeeded()); err != nil {
				if err == io.EOF {
					if want == api.EventShutdown && e.h.canCleanShutdown() {
						return nil
					}
					return api.NewError(api.ErrCodeTransport,
						fmt.Sprintf("peer closed channel in state %s", e.h.state))
				}
				return err
			}
		}
	}
}

// guardCall rejects calls after shutdown and drains deferred frees.
// Caller holds the facade mutex.
func (e *Endpoint) guardCall() error {
	if e.shut.Load() {
		return api.ErrEndpointShutdown
	}
	e.drainFreesLocked()
	return nil
}

// CallFunc invokes the remote function behind fn and returns its packed
// result values.
func (e *Endpoint) CallFunc(fn *api.ObjectRef, args ...api.Value) ([]api.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardCall(); err != nil {
		return nil, err
	}
	ret, err := e.callLocked(fn, args)
	e.metrics.IncCall(err)
	return ret, err
}

func (e *Endpoint) callLocked(fn *api.ObjectRef, args []api.Value) ([]api.Value, error) {
	if fn == nil {
		return nil, api.ErrInvalidArgument
	}
	if fn.Owner != nil && fn.Owner != api.RefOwner(e) {
		return nil, api.ErrForeignHandle
	}
	size, err := protocol.PackedSize(args)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, protocol.OpcodeLen+8+size)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpCallFunc))
	body = binary.LittleEndian.AppendUint64(body, uint64(fn.Handle))
	body, err = protocol.AppendPacked(body, args, e)
	if err != nil {
		return nil, err
	}
	e.h.writePacket(body)
	e.metrics.IncPacketSent()
	var ret []api.Value
	if err := e.driveUntil(api.EventReturn, true, func(vals []api.Value) { ret = vals }); err != nil {
		return nil, err
	}
	e.metrics.IncPacketRecv()
	e.h.finishReturn()
	return ret, nil
}

// SysCallRemote runs a built-in operation on the peer and returns its
// packed result values.
func (e *Endpoint) SysCallRemote(op protocol.Opcode, args ...api.Value) ([]api.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardCall(); err != nil {
		return nil, err
	}
	ret, err := e.syscallLocked(op, args...)
	e.metrics.IncCall(err)
	return ret, err
}

func (e *Endpoint) syscallLocked(op protocol.Opcode, args ...api.Value) ([]api.Value, error) {
	if !op.IsSyscall() {
		return nil, api.NewError(api.ErrCodeArgument,
			fmt.Sprintf("opcode %s is not a syscall", op))
	}
	size, err := protocol.PackedSize(args)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, protocol.OpcodeLen+size)
	body = binary.LittleEndian.AppendUint32(body, uint32(op))
	body, err = protocol.AppendPacked(body, args, e)
	if err != nil {
		return nil, err
	}
	e.h.writePacket(body)
	e.metrics.IncPacketSent()
	var ret []api.Value
	if err := e.driveUntil(api.EventReturn, true, func(vals []api.Value) { ret = vals }); err != nil {
		return nil, err
	}
	e.metrics.IncPacketRecv()
	e.h.finishReturn()
	return ret, nil
}

// InitRemoteSession installs the peer's serving session. The default
// constructor name "rpc" is used when no arguments are given.
func (e *Endpoint) InitRemoteSession(args ...api.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardCall(); err != nil {
		return err
	}
	if len(args) == 0 {
		args = []api.Value{api.Str("rpc")}
	}
	size, err := protocol.PackedSize(args)
	if err != nil {
		return err
	}
	ver := protocol.Version
	body := make([]byte, 0, protocol.OpcodeLen+8+len(ver)+size)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpInitServer))
	body = binary.LittleEndian.AppendUint64(body, uint64(len(ver)))
	body = append(body, ver...)
	body, err = protocol.AppendPacked(body, args, e)
	if err != nil {
		return err
	}
	e.h.writePacket(body)
	e.metrics.IncPacketSent()
	if err := e.driveUntil(api.EventReturn, true, nil); err != nil {
		return err
	}
	e.metrics.IncPacketRecv()
	e.h.finishReturn()
	return nil
}

// CopyToRemote pushes data into the remote tensor region and waits for
// the void return. data leaves the host in little-endian element order.
func (e *Endpoint) CopyToRemote(t *api.TensorDesc, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardCall(); err != nil {
		return err
	}
	payload := data
	if !bo.HostIsLittleEndian {
		payload = make([]byte, len(data))
		copy(payload, data)
		bo.MaybeSwapPayload(payload, int(t.DType.Bits), int(t.DType.Lanes))
	}
	body := make([]byte, 0, protocol.OpcodeLen+len(payload)+64)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpCopyToRemote))
	body = protocol.AppendTensorDesc(body, t)
	body = binary.LittleEndian.AppendUint64(body, uint64(len(payload)))
	body = append(body, payload...)
	e.h.writePacket(body)
	e.metrics.IncPacketSent()
	err := e.driveUntil(api.EventReturn, true, nil)
	e.metrics.IncCall(err)
	if err != nil {
		return err
	}
	e.metrics.IncPacketRecv()
	e.h.finishReturn()
	return nil
}

// CopyFromRemote fills dst with len(dst) bytes read from the remote
// tensor region.
func (e *Endpoint) CopyFromRemote(t *api.TensorDesc, dst []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardCall(); err != nil {
		return err
	}
	body := make([]byte, 0, protocol.OpcodeLen+64)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpCopyFromRemote))
	body = protocol.AppendTensorDesc(body, t)
	body = binary.LittleEndian.AppendUint64(body, uint64(len(dst)))
	e.h.writePacket(body)
	e.metrics.IncPacketSent()
	err := e.driveUntil(api.EventCopyAck, true, nil)
	e.metrics.IncCall(err)
	if err != nil {
		return err
	}
	if e.h.pending != len(dst) {
		return api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("copy ack carries %d bytes, want %d", e.h.pending, len(dst)))
	}
	// Stream the ack payload directly into the caller's destination.
	got := 0
	for got < len(dst) {
		n := e.h.readCopyAckInto(dst[got:])
		got += n
		if got < len(dst) {
			need := e.h.pending - e.h.reader.BytesAvailable()
			if err := e.fillReader(need); err != nil {
				if err == io.EOF {
					return api.NewError(api.ErrCodeTransport,
						"peer closed channel inside copy acknowledgement")
				}
				return err
			}
		}
	}
	bo.MaybeSwapPayload(dst, int(t.DType.Bits), int(t.DType.Lanes))
	e.metrics.IncPacketRecv()
	e.h.finishCopyAck()
	return nil
}

// ServerLoop drives the endpoint until the peer shuts it down. The
// embedding's pre/post hooks bracket the loop.
func (e *Endpoint) ServerLoop() error {
	for _, fn := range e.preHooks {
		fn()
	}
	err := e.driveUntil(api.EventShutdown, false, nil)
	for _, fn := range e.postHooks {
		fn()
	}
	return err
}

// ServerAsyncIOEventHandler is the non-blocking entry point for
// event-loop embeddings. inBytes is whatever the loop read from its
// descriptor; eventFlag is the loop's readiness (IOWantWrite lets a
// blocked flush retry). The return value reports the next interest:
// IOShutdown, IOWantRead, or IOWantWrite.
func (e *Endpoint) ServerAsyncIOEventHandler(inBytes []byte, eventFlag api.IOFlag) api.IOFlag {
	if len(inBytes) > 0 {
		e.h.reader.Write(inBytes)
		e.metrics.AddRecv(len(inBytes))
	}
	for {
		select {
		case fn := <-e.h.completions:
			fn()
			continue
		default:
		}
		if e.h.state == stateWaitForAsyncCallback {
			break
		}
		ev, err := e.h.handleNextEvent(false, nil)
		if err != nil || ev != api.EventNone {
			// Shutdown, or a terminal event no embedding can service.
			_ = e.flushWriter()
			return api.IOShutdown
		}
		break
	}
	if e.h.writer.BytesAvailable() > 0 {
		if eventFlag == api.IOWantWrite {
			if err := e.flushWriter(); err != nil {
				return api.IOShutdown
			}
			return api.IOWantRead
		}
		return api.IOWantWrite
	}
	return api.IOWantRead
}

// Shutdown best-effort emits a Shutdown packet, flushes W, and releases
// the channel. Reissued calls after shutdown fail with
// api.ErrEndpointShutdown.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.shut.CompareAndSwap(false, true) {
		return nil
	}
	if !e.h.canCleanShutdown() {
		log.Printf("endpoint[%s]: shutdown issued in state %s", e.name, e.h.state)
	}
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(protocol.OpShutdown))
	e.h.writePacket(body[:])
	e.metrics.IncPacketSent()
	if err := e.flushWriter(); err != nil {
		log.Printf("endpoint[%s]: shutdown flush: %v", e.name, err)
	}
	return e.ch.Close()
}
