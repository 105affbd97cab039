//go:build amd64 || arm64 || 386 || riscv64 || ppc64le || mips64le || mipsle || loong64 || wasm || arm

// File: internal/bo/byteorder_le.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bo

import "encoding/binary"

// Native returns the native byte order for common little-endian Go ports.
func Native() binary.ByteOrder { return binary.LittleEndian }

// HostIsLittleEndian reports whether tensor payloads need no swapping.
const HostIsLittleEndian = true
