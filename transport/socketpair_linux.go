//go:build linux

// File: transport/socketpair_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel-buffered loopback channel pair over an AF_UNIX socketpair.
// Unlike Pipe, sends complete without a reader rendezvous up to the
// socket buffer size, which matches how real connections behave.

package transport

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
)

// fdChannel is an api.RawChannel over a raw descriptor.
type fdChannel struct {
	fd int
}

var _ api.RawChannel = (*fdChannel)(nil)

func (c *fdChannel) Send(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *fdChannel) Recv(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *fdChannel) Close() error { return unix.Close(c.fd) }

func (c *fdChannel) RawFD() uintptr { return uintptr(c.fd) }

// Socketpair returns two connected stream channels backed by the kernel
// socket buffer.
func Socketpair() (api.RawChannel, api.RawChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return &fdChannel{fd: fds[0]}, &fdChannel{fd: fds[1]}, nil
}
