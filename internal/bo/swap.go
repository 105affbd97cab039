// File: internal/bo/swap.go
// Package bo provides native byte order selection and tensor payload
// element swapping.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire scalars are always little-endian and never swapped here; only
// tensor payload element words are reordered, and only on big-endian
// hosts. Sub-byte element widths are never swapped: such payloads are
// staged and copied verbatim.

package bo

// ElemBytes returns the element word width in whole bytes for swapping,
// or 0 when the width is not a whole number of bytes.
func ElemBytes(bits, lanes int) int {
	total := bits * lanes
	if total == 0 || total%8 != 0 {
		return 0
	}
	return total / 8
}

// SwapElementWords reverses each elemBytes-wide word of buf in place.
// elemBytes of 0 or 1 is a no-op; len(buf) must be a multiple of
// elemBytes for the swapped region (a trailing remainder is left as is).
func SwapElementWords(buf []byte, elemBytes int) {
	if elemBytes <= 1 {
		return
	}
	n := len(buf) / elemBytes * elemBytes
	for off := 0; off < n; off += elemBytes {
		w := buf[off : off+elemBytes]
		for i, j := 0, elemBytes-1; i < j; i, j = i+1, j-1 {
			w[i], w[j] = w[j], w[i]
		}
	}
}

// MaybeSwapPayload swaps buf's element words only when the host is not
// little-endian.
func MaybeSwapPayload(buf []byte, bits, lanes int) {
	if HostIsLittleEndian {
		return
	}
	SwapElementWords(buf, ElemBytes(bits, lanes))
}
