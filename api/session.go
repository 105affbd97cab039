// File: api/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ServingSession is the opaque capability the server side of an endpoint
// executes requests against: function lookup and invocation, device
// memory, and stream lifecycle. The endpoint never interprets device
// state itself; the session is the sole authority.

package api

// Completion delivers the outcome of an asynchronous session operation.
// On success err is nil and result carries the packed return values (may
// be empty for void operations). Completions may fire on any goroutine;
// they must not re-enter the endpoint facade.
type Completion func(result []Value, err error)

// ServingSession executes requests on behalf of the peer.
type ServingSession interface {
	// GetFunction resolves a global function by name.
	GetFunction(name string) (Handle, error)

	// AsyncCallFunc invokes fn with args and reports through cb. The
	// endpoint processes no further packets until cb fires.
	AsyncCallFunc(fn Handle, args []Value, cb Completion)

	// FreeHandle drops a resource previously handed to the peer.
	FreeHandle(h Handle, kind HandleKind) error

	// SetDevice selects the current device.
	SetDevice(dev Device) error

	// GetAttr queries a device attribute.
	GetAttr(dev Device, kind DeviceAttrKind) (Value, error)

	// AllocData allocates nbytes on dev and returns its data handle.
	AllocData(dev Device, nbytes, alignment uint64, hint DataType) (Handle, error)

	// AllocDataWithScope allocates backing storage for the descriptor in
	// the named memory scope.
	AllocDataWithScope(t *TensorDesc, scope string) (Handle, error)

	// FreeData releases a data handle on dev.
	FreeData(dev Device, data Handle) error

	// CopyAmong copies between two tensors already resident on this
	// side. The source device governs the copy unless it is the host.
	CopyAmong(from, to *TensorDesc, stream Handle) error

	// AsyncCopyTo moves staged host bytes into the tensor.
	AsyncCopyTo(t *TensorDesc, data []byte, cb Completion)

	// AsyncCopyFrom fills dst with nbytes read from the tensor.
	AsyncCopyFrom(t *TensorDesc, dst []byte, cb Completion)

	// CreateStream creates an execution stream on dev.
	CreateStream(dev Device) (Handle, error)

	// FreeStream releases a stream.
	FreeStream(dev Device, stream Handle) error

	// AsyncStreamWait blocks the stream until pending work completes,
	// reporting through cb.
	AsyncStreamWait(dev Device, stream Handle, cb Completion)

	// SetStream selects the current stream on dev.
	SetStream(dev Device, stream Handle) error

	// GetCurrentStream returns the current stream on dev.
	GetCurrentStream(dev Device) (Handle, error)
}

// HostViewer is an optional ServingSession extension. Sessions that keep
// tensors in addressable host memory expose direct views so copies skip
// the staging arena.
type HostViewer interface {
	// HostView returns a writable nbytes-long view of the tensor's
	// memory starting at its byte offset, or ok=false when the tensor is
	// not host-addressable.
	HostView(t *TensorDesc, nbytes uint64) (view []byte, ok bool)
}

// SessionConstructor builds a ServingSession from InitServer arguments.
type SessionConstructor func(args []Value) (ServingSession, error)
