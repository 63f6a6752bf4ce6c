package hle

// layoutOffsets mirrors the configure-once pattern
// internal/backend/interpreter, internal/backend/jit and
// internal/refcpu all use to learn cpu.Context's field layout without
// importing internal/cpu — here the reverse direction, since cpu
// already imports hle for ErrExit and a dependency back would cycle.
var (
	ripOffset    uint32
	rspOffset    uint32
	raxOffset    uint32
	fsBaseOffset uint32
	configured   bool
)

// Configure records the Context field offsets Syscall needs to read or
// write directly: RIP (clone's child resume point), RSP (clone's
// child stack), RAX (clone's child return value), and FSBase
// (arch_prctl ARCH_SET_FS). Called once from internal/cpu's init.
func Configure(rip, rsp, rax, fsBase uint32) {
	ripOffset = rip
	rspOffset = rsp
	raxOffset = rax
	fsBaseOffset = fsBase
	configured = true
}

func getReg(b []byte, off uint32) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+uint32(i)]) << (8 * i)
	}
	return v
}

func setReg(b []byte, off uint32, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+uint32(i)] = byte(v >> (8 * i))
	}
}
