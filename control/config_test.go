package control_test

import (
	"testing"

	"github.com/momentics/hioload-rpc/control"
)

func TestFromEnv(t *testing.T) {
	t.Setenv(control.KeyChunkMaxSizeBytes, "65536")
	t.Setenv(control.KeyRemoteKey, "env:key")
	o := control.FromEnv()
	if o.ChunkMaxSizeBytes != 65536 {
		t.Errorf("chunk size %d, want 65536", o.ChunkMaxSizeBytes)
	}
	if o.RemoteKey != "env:key" {
		t.Errorf("remote key %q", o.RemoteKey)
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(control.KeyChunkMaxSizeBytes, "not-a-number")
	if o := control.FromEnv(); o.ChunkMaxSizeBytes != 0 {
		t.Errorf("garbage knob parsed to %d", o.ChunkMaxSizeBytes)
	}
	t.Setenv(control.KeyChunkMaxSizeBytes, "-5")
	if o := control.FromEnv(); o.ChunkMaxSizeBytes != 0 {
		t.Errorf("negative knob parsed to %d", o.ChunkMaxSizeBytes)
	}
}

func TestMergePrecedence(t *testing.T) {
	base := control.Options{ChunkMaxSizeBytes: 1024, RemoteKey: "base"}
	merged := base.Merge(control.Options{ChunkMaxSizeBytes: 2048})
	if merged.ChunkMaxSizeBytes != 2048 || merged.RemoteKey != "base" {
		t.Errorf("merge produced %+v", merged)
	}
	merged = base.Merge(control.Options{})
	if merged != base {
		t.Errorf("empty overlay changed options to %+v", merged)
	}
}
