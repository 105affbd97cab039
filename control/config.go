// File: control/config.go
// Author: momentics <momentics@gmail.com>
//
// Environment-backed configuration knobs recognized by the endpoint and
// the client session adapter.

package control

import (
	"os"
	"strconv"
)

// Recognized option keys. They double as environment variable names so
// deployments can tune endpoints without code changes.
const (
	KeyChunkMaxSizeBytes = "rpc_chunk_max_size_bytes"
	KeyRemoteKey         = "remote_key"
)

// Options is the recognized option set with defaults applied.
type Options struct {
	// ChunkMaxSizeBytes caps a single transfer packet body. Zero means
	// "negotiate with the peer, falling back to the built-in default".
	ChunkMaxSizeBytes int

	// RemoteKey is the client-supplied identifier visible to the server
	// at handshake time. Empty means "generate one".
	RemoteKey string
}

// FromEnv loads the recognized knobs from the process environment.
func FromEnv() Options {
	var o Options
	if v := os.Getenv(KeyChunkMaxSizeBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.ChunkMaxSizeBytes = n
		}
	}
	o.RemoteKey = os.Getenv(KeyRemoteKey)
	return o
}

// Merge overlays explicit opts on top of o: non-zero fields win.
func (o Options) Merge(over Options) Options {
	if over.ChunkMaxSizeBytes > 0 {
		o.ChunkMaxSizeBytes = over.ChunkMaxSizeBytes
	}
	if over.RemoteKey != "" {
		o.RemoteKey = over.RemoteKey
	}
	return o
}
