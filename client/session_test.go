package client_test

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/client"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/endpoint"
	"github.com/momentics/hioload-rpc/internal/localsession"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/transport"
)

func TestHostDeviceExistsShortCircuits(t *testing.T) {
	// No serving peer behind the session: a host probe must not touch
	// the wire at all.
	s := client.NewSession(nil, control.Options{})
	ok, err := s.Exists(api.CPU(0))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("host device reported missing")
	}
}

func TestChunkKnobOverridesNegotiation(t *testing.T) {
	chS, chC := transport.Pipe()
	srv := endpoint.New(chS, "server", protocol.ToInitKey)
	done := make(chan error, 1)
	go func() { done <- srv.ServerLoop() }()

	cli := client.NewSession(endpoint.New(chC, "client", "client:knob"),
		control.Options{ChunkMaxSizeBytes: 4096})
	if err := cli.Init(api.Str("test.session")); err != nil {
		t.Fatal(err)
	}

	// The explicit knob wins: no negotiation round trip happens, so the
	// copy still splits even though the peer never advertised a limit.
	ref, err := cli.AllocData(api.CPU(0), 16*1024, 64, api.Float32)
	if err != nil {
		t.Fatal(err)
	}
	tensor := &api.TensorDesc{
		Dev:   api.CPU(0),
		Data:  uint64(ref.Handle),
		Ndim:  1,
		DType: api.DataType{Code: api.DTypeUInt, Bits: 8, Lanes: 1},
		Shape: []int64{16 * 1024},
	}
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := cli.CopyTo(payload, tensor); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(payload))
	if err := cli.CopyFrom(tensor, out); err != nil {
		t.Fatal(err)
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte %d corrupted", i)
		}
	}

	if err := cli.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server loop: %v", err)
	}
}

func TestDeviceAPIDelegation(t *testing.T) {
	chS, chC := transport.Pipe()
	srv := endpoint.New(chS, "server", protocol.ToInitKey)
	done := make(chan error, 1)
	go func() { done <- srv.ServerLoop() }()

	cli := client.NewSession(endpoint.New(chC, "client", "client:dev"), control.Options{})
	if err := cli.Init(api.Str("test.session")); err != nil {
		t.Fatal(err)
	}

	if err := cli.SetDevice(api.CPU(0)); err != nil {
		t.Fatal(err)
	}

	// A device the host session does not serve reports nonexistent
	// instead of failing.
	exists, err := cli.Exists(api.Device{Kind: api.DeviceCUDA, ID: 0})
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("phantom device reported present")
	}

	stream, err := cli.CreateStream(api.CPU(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.SetStream(api.CPU(0), stream); err != nil {
		t.Fatal(err)
	}
	cur, err := cli.GetCurrentStream(api.CPU(0))
	if err != nil {
		t.Fatal(err)
	}
	if cur.Handle != stream.Handle {
		t.Errorf("current stream %d, want %d", cur.Handle, stream.Handle)
	}
	if err := cli.StreamSync(api.CPU(0), stream); err != nil {
		t.Fatal(err)
	}
	if err := cli.FreeStream(api.CPU(0), stream); err != nil {
		t.Fatal(err)
	}

	// Copy between two remote buffers through CopyAmong.
	src, err := cli.AllocData(api.CPU(0), 32, 8, api.Float32)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := cli.AllocData(api.CPU(0), 32, 8, api.Float32)
	if err != nil {
		t.Fatal(err)
	}
	mk := func(ref *api.ObjectRef) *api.TensorDesc {
		return &api.TensorDesc{
			Dev:   api.CPU(0),
			Data:  uint64(ref.Handle),
			Ndim:  1,
			DType: api.DataType{Code: api.DTypeUInt, Bits: 8, Lanes: 1},
			Shape: []int64{32},
		}
	}
	pattern := make([]byte, 32)
	for i := range pattern {
		pattern[i] = byte(0xA0 + i)
	}
	if err := cli.CopyTo(pattern, mk(src)); err != nil {
		t.Fatal(err)
	}
	if err := cli.CopyAmong(mk(src), mk(dst), nil); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 32)
	if err := cli.CopyFrom(mk(dst), out); err != nil {
		t.Fatal(err)
	}
	for i := range pattern {
		if out[i] != pattern[i] {
			t.Fatalf("byte %d not copied among remotes", i)
		}
	}

	if err := cli.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server loop: %v", err)
	}
}

func init() {
	endpoint.RegisterSessionConstructor("test.session",
		func(args []api.Value) (api.ServingSession, error) {
			return localsession.New(), nil
		})
}
