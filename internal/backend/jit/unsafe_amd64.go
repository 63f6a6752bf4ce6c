//go:build amd64

package jit

import "unsafe"

// unsafePointer and u64Bytes are the two raw-pointer operations the
// amd64 codegen needs — handing Go-managed byte slices to native code
// as bare addresses — isolated here for auditability, matching the
// convention internal/memmap uses for its own unsafe.Pointer use.
func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func u64Bytes(s []uint64) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*8)
}
