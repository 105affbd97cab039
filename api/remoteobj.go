// File: api/remoteobj.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ObjectRef is the local holder of a peer-owned handle. Its release path
// routes a FreeHandle syscall back to the owning endpoint exactly once.

package api

import "sync/atomic"

// RefOwner is implemented by the endpoint facade. EnqueueFree schedules a
// FreeHandle syscall for the handle; it must be reentrancy-safe and must
// tolerate being called while the endpoint is shutting down.
type RefOwner interface {
	EnqueueFree(h Handle, kind HandleKind)
}

// ObjectRef pairs a remote handle with the endpoint that owns it.
type ObjectRef struct {
	Handle Handle
	Kind   HandleKind
	Owner  RefOwner

	freed atomic.Bool
}

// NewObjectRef wraps a raw handle received from, or destined for, owner.
func NewObjectRef(h Handle, kind HandleKind, owner RefOwner) *ObjectRef {
	return &ObjectRef{Handle: h, Kind: kind, Owner: owner}
}

// Release frees the remote resource. The free is sent at most once; later
// calls are no-ops.
func (r *ObjectRef) Release() {
	if r == nil || r.Owner == nil {
		return
	}
	if r.freed.CompareAndSwap(false, true) {
		r.Owner.EnqueueFree(r.Handle, r.Kind)
	}
}

// Released reports whether the free was already issued.
func (r *ObjectRef) Released() bool { return r.freed.Load() }
