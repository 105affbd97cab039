// File: api/channel.go
// Author: momentics <momentics@gmail.com>
//
// Defines the full-duplex byte channel abstraction the endpoint drives,
// for compatibility with sockets, pipes, and custom event loops.

package api

// Channel abstracts a byte-oriented, full-duplex connection that may or
// may not be backed by Go's net.Conn.
type Channel interface {
	// Send writes buffer contents into the channel. Partial writes are
	// allowed; n reports the bytes accepted.
	Send(p []byte) (n int, err error)

	// Recv reads into a preallocated buffer. A return of (0, nil) means
	// the peer closed the channel.
	Recv(p []byte) (n int, err error)

	// Close shuts down the channel and notifies upstream layers.
	Close() error
}

// RawChannel is an optional extension exposing the OS-level descriptor,
// so event-loop embeddings can register the channel with a poller.
type RawChannel interface {
	Channel

	// RawFD returns the underlying OS-level file descriptor.
	RawFD() uintptr
}
