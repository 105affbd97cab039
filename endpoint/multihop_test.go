package endpoint_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/client"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/endpoint"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/transport"
)

// relaySession serves one hop while holding references into the next.
// Handles it obtained downstream are re-exported under fresh local
// handles, so each peer only ever frees against its direct neighbor.
type relaySession struct {
	*countingSession

	down *client.Session

	mu     sync.Mutex
	remote map[api.Handle]*api.ObjectRef
	next   api.Handle

	sizeOnce sync.Once
	sizeFn   *api.ObjectRef
	sizeErr  error
}

func newRelaySession(down *client.Session) *relaySession {
	r := &relaySession{
		countingSession: newCountingSession(),
		down:            down,
		remote:          make(map[api.Handle]*api.ObjectRef),
		next:            1 << 32, // clear of the embedded session's handle space
	}
	r.Register("relay.alloc", r.relayAlloc)
	r.Register("relay.size", r.relaySize)
	return r
}

func (r *relaySession) exportRemote(ref *api.ObjectRef) api.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.remote[h] = ref
	return h
}

func (r *relaySession) lookupRemote(h api.Handle) *api.ObjectRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote[h]
}

// FreeHandle routes re-exported handles to their true downstream owner;
// everything else belongs to the embedded session.
func (r *relaySession) FreeHandle(h api.Handle, kind api.HandleKind) error {
	r.mu.Lock()
	if ref, ok := r.remote[h]; ok {
		delete(r.remote, h)
		r.mu.Unlock()
		ref.Release()
		return nil
	}
	r.mu.Unlock()
	return r.countingSession.FreeHandle(h, kind)
}

func (r *relaySession) relayAlloc(args []api.Value) ([]api.Value, error) {
	if len(args) != 1 || args[0].Kind != api.KindInt {
		return nil, errors.New("relay.alloc wants a byte count")
	}
	ref, err := r.down.AllocData(api.CPU(0), uint64(args[0].Int), 64, api.Float32)
	if err != nil {
		return nil, err
	}
	h := r.exportRemote(ref)
	return []api.Value{api.RefV(api.NewObjectRef(h, api.HandleData, nil))}, nil
}

func (r *relaySession) relaySize(args []api.Value) ([]api.Value, error) {
	if len(args) != 1 || args[0].Kind != api.KindHandle {
		return nil, errors.New("relay.size wants a handle")
	}
	ref := r.lookupRemote(args[0].Ref.Handle)
	if ref == nil {
		return nil, fmt.Errorf("unknown relayed handle %d", args[0].Ref.Handle)
	}
	r.sizeOnce.Do(func() {
		r.sizeFn, r.sizeErr = r.down.GetFunction("origin.size")
	})
	if r.sizeErr != nil {
		return nil, r.sizeErr
	}
	return r.down.Call(r.sizeFn, api.RefV(ref))
}

// Three endpoints in a chain: A drives B, whose serving session holds
// client references into C. A handle produced on C travels to A, comes
// back through B on a later call, and is freed against its true owner.
func TestMultiHopHandleForwarding(t *testing.T) {
	// C: the origin of the data handles.
	chBC, chCB := transport.Pipe()
	origin := newCountingSession()
	origin.Register("origin.size", func(args []api.Value) ([]api.Value, error) {
		if len(args) != 1 || args[0].Kind != api.KindHandle {
			return nil, errors.New("origin.size wants a handle")
		}
		n, ok := origin.DataSize(args[0].Ref.Handle)
		if !ok {
			return nil, fmt.Errorf("no buffer behind handle %d", args[0].Ref.Handle)
		}
		return []api.Value{api.Int64(int64(n))}, nil
	})
	cSrv := endpoint.New(chCB, "c-server", protocol.ToInitKey, endpoint.WithSession(origin))
	cDone := make(chan error, 1)
	go func() { cDone <- cSrv.ServerLoop() }()

	// B: serves A, client of C.
	down := client.NewSession(endpoint.New(chBC, "b-down", "b:down"), control.Options{})
	relay := newRelaySession(down)
	chAB, chBA := transport.Pipe()
	bSrv := endpoint.New(chBA, "b-server", protocol.ToInitKey, endpoint.WithSession(relay))
	bDone := make(chan error, 1)
	go func() { bDone <- bSrv.ServerLoop() }()

	// A: the far client.
	a := client.NewSession(endpoint.New(chAB, "a-client", "a:client"), control.Options{})

	allocFn, err := a.GetFunction("relay.alloc")
	if err != nil {
		t.Fatal(err)
	}
	ret, err := a.Call(allocFn, api.Int64(16))
	if err != nil {
		t.Fatal(err)
	}
	if len(ret) != 1 || ret[0].Kind != api.KindHandle {
		t.Fatalf("relay.alloc returned %+v", ret)
	}
	handle := ret[0].Ref

	// Pass the received handle back through B; B forwards it to C.
	sizeFn, err := a.GetFunction("relay.size")
	if err != nil {
		t.Fatal(err)
	}
	sized, err := a.Call(sizeFn, api.RefV(handle))
	if err != nil {
		t.Fatal(err)
	}
	if len(sized) != 1 || sized[0].Int != 16 {
		t.Fatalf("relay.size returned %+v", sized)
	}

	// Remember which handle C really owns before dropping ours.
	cRef := relay.lookupRemote(handle.Handle)
	if cRef == nil {
		t.Fatal("relay lost the downstream reference")
	}
	cHandle := cRef.Handle

	handle.Release()
	// The next two transmissions drain the deferred frees hop by hop:
	// A→B on A's call, then B→C when the relay next uses its client.
	if _, err := a.Call(allocFn, api.Int64(8)); err != nil {
		t.Fatal(err)
	}

	if n := origin.freeCount(cHandle); n != 1 {
		t.Errorf("C saw %d frees of handle %d, want exactly 1", n, cHandle)
	}
	relay.countingSession.mu.Lock()
	misrouted := len(relay.countingSession.frees)
	relay.countingSession.mu.Unlock()
	if misrouted != 0 {
		t.Errorf("%d frees landed on B's own session instead of C", misrouted)
	}

	if err := a.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := <-bDone; err != nil {
		t.Fatalf("B server loop: %v", err)
	}
	if err := down.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := <-cDone; err != nil {
		t.Fatalf("C server loop: %v", err)
	}
}
