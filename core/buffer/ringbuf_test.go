package buffer_test

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-rpc/core/buffer"
)

func TestRingReadWrite(t *testing.T) {
	r := buffer.NewByteRing(8)
	payload := []byte("hello ring buffer, longer than the initial capacity")
	r.Write(payload)
	if r.BytesAvailable() != len(payload) {
		t.Fatalf("available %d, want %d", r.BytesAvailable(), len(payload))
	}
	out := make([]byte, len(payload))
	if n := r.Read(out); n != len(payload) {
		t.Fatalf("read %d, want %d", n, len(payload))
	}
	if !bytes.Equal(out, payload) {
		t.Error("payload mismatch")
	}
	if r.BytesAvailable() != 0 {
		t.Error("ring not drained")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := buffer.NewByteRing(64)
	chunk := make([]byte, 48)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	// Cycle enough times to force head past the physical end.
	for round := 0; round < 10; round++ {
		r.Write(chunk)
		out := make([]byte, len(chunk))
		r.Read(out)
		if !bytes.Equal(out, chunk) {
			t.Fatalf("round %d corrupted", round)
		}
	}
}

func TestRingPartialRead(t *testing.T) {
	r := buffer.NewByteRing(64)
	r.Write([]byte("abcdef"))
	out := make([]byte, 4)
	if n := r.Read(out); n != 4 {
		t.Fatalf("read %d, want 4", n)
	}
	rest := make([]byte, 8)
	if n := r.Read(rest); n != 2 {
		t.Fatalf("read %d, want 2", n)
	}
	if string(rest[:2]) != "ef" {
		t.Errorf("tail %q", rest[:2])
	}
}

func TestRingReadWithCallbackPartialAccept(t *testing.T) {
	r := buffer.NewByteRing(64)
	r.Write([]byte("0123456789"))
	// The callback accepts only 3 of the offered bytes, as a transport
	// with a short write would.
	n, err := r.ReadWithCallback(func(win []byte) (int, error) {
		if len(win) == 0 {
			t.Fatal("empty window")
		}
		return 3, nil
	}, 10)
	if err != nil || n != 3 {
		t.Fatalf("accepted %d, err %v", n, err)
	}
	if r.BytesAvailable() != 7 {
		t.Fatalf("available %d, want 7", r.BytesAvailable())
	}
	out := make([]byte, 7)
	r.Read(out)
	if string(out) != "3456789" {
		t.Errorf("remainder %q", out)
	}
}

func TestRingWriteWithCallbackPartialProduce(t *testing.T) {
	r := buffer.NewByteRing(64)
	n, err := r.WriteWithCallback(func(win []byte) (int, error) {
		if len(win) != 16 {
			t.Fatalf("window %d, want 16", len(win))
		}
		copy(win, "partial")
		return 7, nil
	}, 16)
	if err != nil || n != 7 {
		t.Fatalf("produced %d, err %v", n, err)
	}
	out := make([]byte, 7)
	r.Read(out)
	if string(out) != "partial" {
		t.Errorf("got %q", out)
	}
}

func TestRingWriteWithCallbackAcrossWrap(t *testing.T) {
	r := buffer.NewByteRing(64)
	// Park the head near the physical end so the free region wraps.
	pad := make([]byte, 46)
	r.Write(pad)
	r.Write([]byte("abcd"))
	r.Read(pad)
	n, err := r.WriteWithCallback(func(win []byte) (int, error) {
		for i := range win {
			win[i] = byte(i)
		}
		return len(win), nil
	}, 50)
	if err != nil || n != 50 {
		t.Fatalf("produced %d, err %v", n, err)
	}
	head := make([]byte, 4)
	r.Read(head)
	if string(head) != "abcd" {
		t.Fatalf("prefix %q", head)
	}
	rest := make([]byte, 50)
	r.Read(rest)
	for i := range rest {
		if rest[i] != byte(i) {
			t.Fatalf("byte %d corrupted", i)
		}
	}
}

func TestArenaRecycle(t *testing.T) {
	a := buffer.NewArena()
	first := a.Alloc(100)
	if len(first) != 100 {
		t.Fatalf("alloc returned %d bytes", len(first))
	}
	second := a.Alloc(100)
	second[0] = 42
	if first[len(first)-1] != 0 {
		t.Error("allocations overlap")
	}
	a.RecycleAll()
	third := a.Alloc(100)
	if len(third) != 100 {
		t.Fatalf("alloc after recycle returned %d bytes", len(third))
	}
}

func TestArenaOversized(t *testing.T) {
	a := buffer.NewArena()
	big := a.Alloc(1 << 20)
	if len(big) != 1<<20 {
		t.Fatalf("oversized alloc returned %d bytes", len(big))
	}
	big[0], big[len(big)-1] = 1, 2
	a.RecycleAll()
}
