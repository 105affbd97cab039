// File: protocol/constants.go
// Package protocol implements the hioload-rpc wire contract.
// Author: momentics <momentics@gmail.com>
//
// Wire protocol constants: packet opcodes, syscall codes, handshake
// sentinels, and transfer limits. The numeric assignments are a stable
// contract; peers built against different assignments do not interoperate.

package protocol

// Opcode is the 4-byte tag selecting packet semantics. Every packet is
// `u64 length | u32 opcode | body`, all integers little-endian.
type Opcode uint32

const (
	OpNone Opcode = iota
	OpShutdown
	OpInitServer
	OpCallFunc
	OpReturn
	OpException
	OpCopyFromRemote
	OpCopyToRemote
	OpCopyAck

	// SyscallCodeStart is the sentinel: every opcode at or above it is a
	// built-in syscall dispatched uniformly.
	SyscallCodeStart
)

const (
	OpGetGlobalFunc Opcode = SyscallCodeStart + iota
	OpFreeHandle
	OpDevSetDevice
	OpDevGetAttr
	OpDevAllocData
	OpDevFreeData
	OpDevStreamSync
	OpCopyAmongRemote
	OpDevCreateStream
	OpDevFreeStream
	OpDevSetStream
	OpDevGetCurrentStream
	OpDevAllocDataWithScope

	opcodeEnd
)

// IsSyscall reports whether the opcode is in the syscall range.
func (op Opcode) IsSyscall() bool {
	return op >= SyscallCodeStart && op < opcodeEnd
}

// Known reports whether the opcode names a packet a peer may send: any
// contract opcode except OpNone. Unknown opcodes are a framing violation
// and fatal to the connection.
func (op Opcode) Known() bool {
	return op > OpNone && op < opcodeEnd
}

func (op Opcode) String() string {
	switch op {
	case OpNone:
		return "None"
	case OpShutdown:
		return "Shutdown"
	case OpInitServer:
		return "InitServer"
	case OpCallFunc:
		return "CallFunc"
	case OpReturn:
		return "Return"
	case OpException:
		return "Exception"
	case OpCopyFromRemote:
		return "CopyFromRemote"
	case OpCopyToRemote:
		return "CopyToRemote"
	case OpCopyAck:
		return "CopyAck"
	case OpGetGlobalFunc:
		return "GetGlobalFunc"
	case OpFreeHandle:
		return "FreeHandle"
	case OpDevSetDevice:
		return "DevSetDevice"
	case OpDevGetAttr:
		return "DevGetAttr"
	case OpDevAllocData:
		return "DevAllocData"
	case OpDevFreeData:
		return "DevFreeData"
	case OpDevStreamSync:
		return "DevStreamSync"
	case OpCopyAmongRemote:
		return "CopyAmongRemote"
	case OpDevCreateStream:
		return "DevCreateStream"
	case OpDevFreeStream:
		return "DevFreeStream"
	case OpDevSetStream:
		return "DevSetStream"
	case OpDevGetCurrentStream:
		return "DevGetCurrentStream"
	case OpDevAllocDataWithScope:
		return "DevAllocDataWithScope"
	default:
		return "Unknown"
	}
}

const (
	// Version is the protocol version string exchanged in InitServer.
	// It must match byte-for-byte between peers.
	Version = "1.0.0"

	// ToInitKey is the sentinel remote key: a server constructed with it
	// reads the client-supplied key from the channel first.
	ToInitKey = "%toinit"

	// PacketHeaderLen is `u64 length` on the wire.
	PacketHeaderLen = 8

	// OpcodeLen is the opcode word at the start of every packet body.
	OpcodeLen = 4

	// DefaultMaxChunkBytes bounds a single transfer body when the peer
	// does not expose a negotiated packet size.
	DefaultMaxChunkBytes = 256 * 1024

	// MaxPacketSizeFunc is the optional server global queried once per
	// session to negotiate the transfer chunk size.
	MaxPacketSizeFunc = "tvm.rpc.server.GetCRTMaxPacketSize"
)

// CopyOverheadBytes is the fixed per-packet overhead of a chunked
// transfer: opcode word, tensor header for ndim dimensions, and the
// trailing u64 nbytes field.
func CopyOverheadBytes(ndim int) int {
	return OpcodeLen + tensorDescLen(ndim) + 8
}
