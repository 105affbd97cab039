//go:build s390x || ppc64 || mips || mips64

// File: internal/bo/byteorder_be.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bo

import "encoding/binary"

// Native returns the native byte order for common big-endian Go ports.
func Native() binary.ByteOrder { return binary.BigEndian }

// HostIsLittleEndian reports whether tensor payloads need no swapping.
const HostIsLittleEndian = false
