package thread

// Context is the architecture-opaque saved user register state, present
// only while a thread is suspended. The core never interprets individual
// registers beyond IP/SP and the syscall return slot (Regs[0], matching
// the common convention of returning in the first general-purpose
// register); everything else is a flat opaque array an ArchBackend
// populates and reads — per-ISA trap-frame layout is a required
// collaborator, not a core concern.
type Context struct {
	IP   uint64
	SP   uint64
	Regs [31]uint64
}

// FPUState is an opaque floating-point/vector register save area, sized
// generously enough for any ISA this core targets; ArchBackend owns its
// actual layout.
type FPUState struct {
	Data [512]byte
}
