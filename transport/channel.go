// File: transport/channel.go
// Package transport adapts byte channels onto the api.Channel contract:
// network connections, in-process pipes, and unix socketpairs.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/higebu/netfd"

	"github.com/momentics/hioload-rpc/api"
)

// ConnChannel drives an endpoint over a net.Conn.
type ConnChannel struct {
	conn net.Conn
}

var _ api.RawChannel = (*ConnChannel)(nil)

// NewConnChannel wraps an established connection.
func NewConnChannel(conn net.Conn) *ConnChannel {
	return &ConnChannel{conn: conn}
}

// Send writes buffer contents into the connection.
func (c *ConnChannel) Send(p []byte) (int, error) { return c.conn.Write(p) }

// Recv reads into a preallocated buffer.
func (c *ConnChannel) Recv(p []byte) (int, error) { return c.conn.Read(p) }

// Close shuts down the connection.
func (c *ConnChannel) Close() error { return c.conn.Close() }

// RawFD exposes the socket descriptor for event-loop embeddings; 0 when
// the connection is not descriptor-backed.
func (c *ConnChannel) RawFD() uintptr {
	return uintptr(netfd.GetFdFromConn(c.conn))
}

// Dial connects and wraps in one step.
func Dial(network, addr string) (*ConnChannel, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}

// Pipe returns two synchronously connected in-process channels, one per
// endpoint. Useful for loopback serving and tests.
func Pipe() (api.Channel, api.Channel) {
	a, b := net.Pipe()
	return NewConnChannel(a), NewConnChannel(b)
}
