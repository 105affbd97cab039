// File: endpoint/handler.go
// Package endpoint implements the bidirectional RPC endpoint: the
// protocol state machine, syscall dispatch, and the thread-safe facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The handler consumes the reader ring, emits into the writer ring, and
// drives the protocol states. It never blocks: each advancement step
// either makes progress or reports EventNone so the drive loop can pull
// more channel bytes or wait for an async completion.

package endpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/core/buffer"
	"github.com/momentics/hioload-rpc/internal/bo"
	"github.com/momentics/hioload-rpc/protocol"
)

// state enumerates the handler's protocol states.
type state int

const (
	stateInitHeader state = iota
	stateRecvPacketNumBytes
	stateProcessPacket
	stateWaitForAsyncCallback
	stateReturnReceived
	stateCopyAckReceived
	stateShutdownReceived
)

func (s state) String() string {
	switch s {
	case stateInitHeader:
		return "InitHeader"
	case stateRecvPacketNumBytes:
		return "RecvPacketNumBytes"
	case stateProcessPacket:
		return "ProcessPacket"
	case stateWaitForAsyncCallback:
		return "WaitForAsyncCallback"
	case stateReturnReceived:
		return "ReturnReceived"
	case stateCopyAckReceived:
		return "CopyAckReceived"
	case stateShutdownReceived:
		return "ShutdownReceived"
	default:
		return "invalid"
	}
}

// handler is the event-driven protocol state machine. Single-threaded by
// contract: only the drive loop advances it.
type handler struct {
	reader *buffer.ByteRing
	writer *buffer.ByteRing
	arena  *buffer.Arena

	state   state
	pending int // bytes still required from the reader before advancing

	// per-packet scratch
	opcodeRead bool
	curOpcode  protocol.Opcode

	// init handshake scratch
	keyLenKnown bool
	peerKey     string

	session api.ServingSession
	owner   api.RefOwner
	name    string

	// completions carries the one-shot async continuation back onto the
	// drive loop. Capacity 1: at most one server-side op is in flight.
	completions chan func()

	// flushWriter pushes W to the transport; called on entry to
	// WaitForAsyncCallback so the peer is not starved during the op.
	flushWriter func() error

	setReturn func([]api.Value)
}

// newHandler builds a handler. toInit selects the InitHeader handshake
// state (server side constructed with the sentinel remote key).
func newHandler(name string, owner api.RefOwner, toInit bool) *handler {
	h := &handler{
		reader:      buffer.NewByteRing(4096),
		writer:      buffer.NewByteRing(4096),
		arena:       buffer.NewArena(),
		owner:       owner,
		name:        name,
		completions: make(chan func(), 1),
	}
	if toInit {
		h.state = stateInitHeader
		h.pending = 4
	} else {
		h.state = stateRecvPacketNumBytes
		h.pending = protocol.PacketHeaderLen
	}
	return h
}

// bytesNeeded reports how many more channel bytes must arrive before the
// next advancement step can make progress.
func (h *handler) bytesNeeded() int {
	n := h.pending - h.reader.BytesAvailable()
	if n < 0 {
		return 0
	}
	return n
}

// canCleanShutdown is true only at the idle packet boundary.
func (h *handler) canCleanShutdown() bool {
	return h.state == stateRecvPacketNumBytes
}

// switchToState transitions the machine. Transitions into any state but
// CopyAckReceived require the pending byte budget to be consumed.
func (h *handler) switchToState(s state) {
	if s != stateCopyAckReceived && h.pending != 0 {
		panic(fmt.Sprintf("endpoint[%s]: switch to %s with %d pending bytes",
			h.name, s, h.pending))
	}
	h.state = s
	if s == stateRecvPacketNumBytes {
		h.pending = protocol.PacketHeaderLen
		h.opcodeRead = false
		h.arena.RecycleAll()
	}
}

// readFull consumes exactly n bytes from the reader into arena storage.
// The caller must have checked availability.
func (h *handler) readFull(n int) []byte {
	buf := h.arena.Alloc(n)
	got := h.reader.Read(buf)
	if got != n {
		panic(fmt.Sprintf("endpoint[%s]: short ring read %d/%d", h.name, got, n))
	}
	return buf
}

// handleNextEvent drives the state machine as far as the buffered bytes
// allow and reports the first terminal event, or EventNone when more
// bytes or an async completion are required. setReturn fires exactly
// once when a packed return value arrives.
func (h *handler) handleNextEvent(clientMode bool, setReturn func([]api.Value)) (api.Event, error) {
	h.setReturn = setReturn
	for {
		switch h.state {
		case stateInitHeader:
			done, err := h.stepInitHeader()
			if err != nil {
				return api.EventNone, err
			}
			if !done {
				return api.EventNone, nil
			}

		case stateRecvPacketNumBytes:
			if h.reader.BytesAvailable() < protocol.PacketHeaderLen {
				return api.EventNone, nil
			}
			var hdr [8]byte
			h.reader.Read(hdr[:])
			bodyLen := binary.LittleEndian.Uint64(hdr[:])
			if bodyLen < protocol.OpcodeLen {
				return api.EventNone, api.NewError(api.ErrCodeFraming,
					fmt.Sprintf("packet length %d below opcode size", bodyLen))
			}
			h.pending = int(bodyLen)
			h.opcodeRead = false
			h.state = stateProcessPacket

		case stateProcessPacket:
			ev, progressed, err := h.stepProcessPacket(clientMode)
			if err != nil || ev != api.EventNone {
				return ev, err
			}
			if !progressed {
				return api.EventNone, nil
			}

		case stateWaitForAsyncCallback:
			// No reader progress until the completion fires.
			return api.EventNone, nil

		case stateReturnReceived:
			return api.EventReturn, nil

		case stateCopyAckReceived:
			return api.EventCopyAck, nil

		case stateShutdownReceived:
			return api.EventShutdown, nil
		}
	}
}

// stepInitHeader consumes the client-supplied key material: i32 key_len,
// then key_len bytes. Returns false while bytes are missing.
func (h *handler) stepInitHeader() (bool, error) {
	if !h.keyLenKnown {
		if h.reader.BytesAvailable() < 4 {
			return false, nil
		}
		var b [4]byte
		h.reader.Read(b[:])
		keyLen := int(int32(binary.LittleEndian.Uint32(b[:])))
		if keyLen < 0 {
			return false, api.NewError(api.ErrCodeFraming,
				fmt.Sprintf("negative handshake key length %d", keyLen))
		}
		h.pending = keyLen
		h.keyLenKnown = true
	}
	if h.reader.BytesAvailable() < h.pending {
		return false, nil
	}
	key := make([]byte, h.pending)
	h.reader.Read(key)
	h.pending = 0
	h.peerKey = string(key)
	h.switchToState(stateRecvPacketNumBytes)
	return true, nil
}

// stepProcessPacket reads the opcode word, then the body, and
// dispatches. progressed=false means more bytes are needed.
func (h *handler) stepProcessPacket(clientMode bool) (api.Event, bool, error) {
	if !h.opcodeRead {
		if h.reader.BytesAvailable() < protocol.OpcodeLen {
			return api.EventNone, false, nil
		}
		var b [4]byte
		h.reader.Read(b[:])
		h.curOpcode = protocol.Opcode(binary.LittleEndian.Uint32(b[:]))
		h.pending -= protocol.OpcodeLen
		h.opcodeRead = true
		if !h.curOpcode.Known() {
			return api.EventNone, false, api.NewError(api.ErrCodeFraming,
				fmt.Sprintf("unknown opcode %d", uint32(h.curOpcode)))
		}
		if h.curOpcode == protocol.OpCopyAck {
			// Payload stays in the ring; the drive loop streams it into
			// the caller's destination and then finishes the ack.
			h.switchToState(stateCopyAckReceived)
			return api.EventCopyAck, true, nil
		}
	}
	if h.reader.BytesAvailable() < h.pending {
		return api.EventNone, false, nil
	}
	body := h.readFull(h.pending)
	h.pending = 0
	ev, err := h.dispatch(h.curOpcode, body, clientMode)
	return ev, true, err
}

// dispatch services one complete packet body.
func (h *handler) dispatch(op protocol.Opcode, body []byte, clientMode bool) (api.Event, error) {
	switch {
	case op == protocol.OpShutdown:
		h.switchToState(stateShutdownReceived)
		return api.EventShutdown, nil

	case op == protocol.OpReturn:
		vals, _, err := protocol.DecodePacked(body, h.owner)
		if err != nil {
			return api.EventNone, err
		}
		if h.setReturn != nil {
			h.setReturn(vals)
			h.setReturn = nil
		}
		h.switchToState(stateReturnReceived)
		return api.EventReturn, nil

	case op == protocol.OpException:
		vals, _, err := protocol.DecodePacked(body, h.owner)
		if err != nil {
			return api.EventNone, err
		}
		msg := "remote exception"
		if len(vals) > 0 && vals[0].Kind == api.KindStr {
			msg = vals[0].Str
		}
		h.switchToState(stateRecvPacketNumBytes)
		return api.EventNone, api.NewRemoteError(msg)

	case op == protocol.OpInitServer:
		return api.EventNone, h.handleInitServer(body)

	case op == protocol.OpCallFunc:
		return api.EventNone, h.handleCallFunc(body)

	case op == protocol.OpCopyFromRemote:
		return api.EventNone, h.handleCopyFromRemote(body)

	case op == protocol.OpCopyToRemote:
		return api.EventNone, h.handleCopyToRemote(body)

	case op.IsSyscall():
		return api.EventNone, h.handleSyscall(op, body)

	default:
		return api.EventNone, api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("opcode %s not servable", op))
	}
}

// writePacket frames body under a u64 length prefix into W. The packet
// is contiguous in the ring before the drive loop flushes it.
func (h *handler) writePacket(body []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(body)))
	h.writer.Reserve(8 + len(body))
	h.writer.Write(hdr[:])
	h.writer.Write(body)
}

// writeReturn emits a Return packet carrying vals.
func (h *handler) writeReturn(vals []api.Value) error {
	size, err := protocol.PackedSize(vals)
	if err != nil {
		return err
	}
	body := make([]byte, 0, protocol.OpcodeLen+size)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpReturn))
	body, err = protocol.AppendPacked(body, vals, h.owner)
	if err != nil {
		return err
	}
	h.writePacket(body)
	return nil
}

// writeException reports a server-side failure to the peer, keeping the
// connection alive.
func (h *handler) writeException(msg string) {
	vals := []api.Value{api.Str(msg)}
	size, _ := protocol.PackedSize(vals)
	body := make([]byte, 0, protocol.OpcodeLen+size)
	body = binary.LittleEndian.AppendUint32(body, uint32(protocol.OpException))
	body, _ = protocol.AppendPacked(body, vals, h.owner)
	h.writePacket(body)
}

// finishServed emits the reply for a synchronous request and returns to
// the idle state. On marshal failure the error downgrades to an
// exception reply so the peer's blocked call surfaces it.
func (h *handler) finishServed(vals []api.Value, err error) {
	if err == nil {
		err = h.writeReturn(vals)
	}
	if err != nil {
		h.writeException(err.Error())
	}
	h.switchToState(stateRecvPacketNumBytes)
}

// enterAsync switches to WaitForAsyncCallback and flushes W so the peer
// is not starved while the local operation runs.
func (h *handler) enterAsync() error {
	h.switchToState(stateWaitForAsyncCallback)
	if h.flushWriter != nil {
		return h.flushWriter()
	}
	return nil
}

// completeAsync is handed to serving-session operations; it reenters the
// drive loop through the completions channel and finishes the request
// there. No other packet is processed until it fires.
func (h *handler) completeAsync(transform func([]api.Value) ([]api.Value, error)) api.Completion {
	return func(result []api.Value, err error) {
		h.completions <- func() {
			if err != nil {
				h.writeException(err.Error())
				h.switchToState(stateRecvPacketNumBytes)
				return
			}
			vals := result
			if transform != nil {
				vals, err = transform(result)
				if err != nil {
					h.writeException(err.Error())
					h.switchToState(stateRecvPacketNumBytes)
					return
				}
			}
			h.finishServed(vals, nil)
		}
	}
}

// handleInitServer validates the protocol version, constructs the
// serving session by name, and replies.
func (h *handler) handleInitServer(body []byte) error {
	if len(body) < 8 {
		return api.NewError(api.ErrCodeFraming, "InitServer body truncated")
	}
	verLen := binary.LittleEndian.Uint64(body)
	if uint64(len(body)-8) < verLen {
		return api.NewError(api.ErrCodeFraming, "InitServer version truncated")
	}
	ver := string(body[8 : 8+verLen])
	rest := body[8+verLen:]
	if ver != protocol.Version {
		h.writeException(fmt.Sprintf(
			"protocol version mismatch: peer %q, local %q", ver, protocol.Version))
		h.switchToState(stateRecvPacketNumBytes)
		return nil
	}
	args, _, err := protocol.DecodePacked(rest, h.owner)
	if err != nil {
		return err
	}
	if len(args) == 0 || args[0].Kind != api.KindStr {
		return api.NewError(api.ErrCodeFraming,
			"InitServer expects a constructor name as its first argument")
	}
	if h.session != nil {
		h.writeException("serving session already initialized")
		h.switchToState(stateRecvPacketNumBytes)
		return nil
	}
	ctor, ok := lookupSessionConstructor(args[0].Str)
	if !ok {
		h.writeException(fmt.Sprintf("unknown session constructor %q", args[0].Str))
		h.switchToState(stateRecvPacketNumBytes)
		return nil
	}
	sess, err := ctor(args[1:])
	if err != nil {
		h.writeException(err.Error())
		h.switchToState(stateRecvPacketNumBytes)
		return nil
	}
	h.session = sess
	h.finishServed(nil, nil)
	return nil
}

// requireSession guards server-side opcodes before a session exists.
func (h *handler) requireSession() bool {
	if h.session != nil {
		return true
	}
	h.writeException("no serving session installed")
	h.switchToState(stateRecvPacketNumBytes)
	return false
}

// handleCallFunc suspends the machine and invokes the session's async
// call interface.
func (h *handler) handleCallFunc(body []byte) error {
	if len(body) < 8 {
		return api.NewError(api.ErrCodeFraming, "CallFunc body truncated")
	}
	fn := api.Handle(binary.LittleEndian.Uint64(body))
	args, _, err := protocol.DecodePacked(body[8:], h.owner)
	if err != nil {
		return err
	}
	if !h.requireSession() {
		return nil
	}
	if err := h.enterAsync(); err != nil {
		return err
	}
	h.session.AsyncCallFunc(fn, args, h.completeAsync(func(vals []api.Value) ([]api.Value, error) {
		for _, v := range vals {
			if _, err := protocol.PackedSize([]api.Value{v}); err != nil {
				return nil, err
			}
		}
		return vals, nil
	}))
	return nil
}

// handleCopyFromRemote streams tensor bytes back to the peer under a
// CopyAck packet. Host-addressable tensors with whole-byte elements on a
// little-endian host skip the staging arena.
func (h *handler) handleCopyFromRemote(body []byte) error {
	t, n, err := protocol.DecodeTensorDesc(body)
	if err != nil {
		return err
	}
	if len(body)-n < 8 {
		return api.NewError(api.ErrCodeFraming, "CopyFromRemote body truncated")
	}
	nbytes := binary.LittleEndian.Uint64(body[n:])
	if !h.requireSession() {
		return nil
	}
	elem := bo.ElemBytes(int(t.DType.Bits), int(t.DType.Lanes))
	if hv, ok := h.session.(api.HostViewer); ok && bo.HostIsLittleEndian && elem > 0 {
		if view, ok := hv.HostView(t, nbytes); ok {
			h.writeCopyAck(view)
			h.switchToState(stateRecvPacketNumBytes)
			return nil
		}
	}
	staging := h.arena.Alloc(int(nbytes))
	if err := h.enterAsync(); err != nil {
		return err
	}
	h.session.AsyncCopyFrom(t, staging, func(_ []api.Value, err error) {
		h.completions <- func() {
			if err != nil {
				h.writeException(err.Error())
				h.switchToState(stateRecvPacketNumBytes)
				return
			}
			bo.MaybeSwapPayload(staging, int(t.DType.Bits), int(t.DType.Lanes))
			h.writeCopyAck(staging)
			h.switchToState(stateRecvPacketNumBytes)
		}
	})
	return nil
}

// writeCopyAck frames opcode + raw payload.
func (h *handler) writeCopyAck(payload []byte) {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(protocol.OpcodeLen+len(payload)))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(protocol.OpCopyAck))
	h.writer.Reserve(len(hdr) + len(payload))
	h.writer.Write(hdr[:])
	h.writer.Write(payload)
}

// handleCopyToRemote reads peer bytes into the tensor, directly when the
// memory is host-addressable, otherwise through the staging arena and
// the session's async device copy.
func (h *handler) handleCopyToRemote(body []byte) error {
	t, n, err := protocol.DecodeTensorDesc(body)
	if err != nil {
		return err
	}
	if len(body)-n < 8 {
		return api.NewError(api.ErrCodeFraming, "CopyToRemote body truncated")
	}
	nbytes := binary.LittleEndian.Uint64(body[n:])
	payload := body[n+8:]
	if uint64(len(payload)) != nbytes {
		return api.NewError(api.ErrCodeFraming,
			fmt.Sprintf("CopyToRemote payload %d bytes, want %d", len(payload), nbytes))
	}
	if !h.requireSession() {
		return nil
	}
	elem := bo.ElemBytes(int(t.DType.Bits), int(t.DType.Lanes))
	if hv, ok := h.session.(api.HostViewer); ok && bo.HostIsLittleEndian && elem > 0 {
		if view, ok := hv.HostView(t, nbytes); ok {
			copy(view, payload)
			h.finishServed(nil, nil)
			return nil
		}
	}
	bo.MaybeSwapPayload(payload, int(t.DType.Bits), int(t.DType.Lanes))
	if err := h.enterAsync(); err != nil {
		return err
	}
	h.session.AsyncCopyTo(t, payload, h.completeAsync(nil))
	return nil
}

// finishReturn consumes the terminal return state and re-arms the idle
// packet boundary.
func (h *handler) finishReturn() {
	if h.state != stateReturnReceived {
		panic(fmt.Sprintf("endpoint[%s]: finish return in state %s", h.name, h.state))
	}
	h.switchToState(stateRecvPacketNumBytes)
}

// readCopyAckInto consumes up to len(dst) pending ack payload bytes.
func (h *handler) readCopyAckInto(dst []byte) int {
	if h.state != stateCopyAckReceived {
		panic(fmt.Sprintf("endpoint[%s]: copy-ack read in state %s", h.name, h.state))
	}
	n := len(dst)
	if n > h.pending {
		n = h.pending
	}
	got := h.reader.Read(dst[:n])
	h.pending -= got
	return got
}

// finishCopyAck returns to idle once the whole payload was consumed.
func (h *handler) finishCopyAck() {
	if h.pending != 0 {
		panic(fmt.Sprintf("endpoint[%s]: finish copy-ack with %d pending bytes",
			h.name, h.pending))
	}
	h.switchToState(stateRecvPacketNumBytes)
}
