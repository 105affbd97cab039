package bo_test

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-rpc/internal/bo"
)

func TestElemBytes(t *testing.T) {
	cases := []struct {
		bits, lanes, want int
	}{
		{8, 1, 1},
		{32, 1, 4},
		{64, 1, 8},
		{16, 4, 8},
		{4, 1, 0},  // sub-byte
		{1, 1, 0},  // sub-byte
		{4, 2, 1},  // packs to a whole byte
		{0, 1, 0},
	}
	for _, c := range cases {
		if got := bo.ElemBytes(c.bits, c.lanes); got != c.want {
			t.Errorf("ElemBytes(%d, %d) = %d, want %d", c.bits, c.lanes, got, c.want)
		}
	}
}

func TestSwapElementWords(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	bo.SwapElementWords(buf, 4)
	if !bytes.Equal(buf, []byte{4, 3, 2, 1, 8, 7, 6, 5}) {
		t.Errorf("4-byte swap produced %v", buf)
	}
	bo.SwapElementWords(buf, 4)
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Error("swap is not an involution")
	}
}

func TestSwapNoOpWidths(t *testing.T) {
	orig := []byte{9, 8, 7}
	buf := append([]byte(nil), orig...)
	bo.SwapElementWords(buf, 0)
	bo.SwapElementWords(buf, 1)
	if !bytes.Equal(buf, orig) {
		t.Error("degenerate widths mutated the buffer")
	}
}

func TestSwapLeavesTrailingRemainder(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	bo.SwapElementWords(buf, 2)
	if !bytes.Equal(buf, []byte{2, 1, 4, 3, 5}) {
		t.Errorf("got %v", buf)
	}
}
