// Package elfload implements "exec from ELF" construction: parsing an ELF
// image through the standard library's debug/elf, pushing a
// memhandler.File-backed area per PT_LOAD segment into a fresh memset, and
// laying out the argv/envp/auxv vectors at the top of a freshly pushed user
// stack. Path resolution for PT_INTERP's requested dynamic linker stays
// with the external vfs collaborator; this package only consumes whatever
// vfs.INode the caller hands it.
package elfload

import (
	"debug/elf"
	"strings"

	"nucleus/defs"
	"nucleus/mem"
	"nucleus/memhandler"
	"nucleus/memset"
	"nucleus/util"
	"nucleus/vfs"
)

// Auxv entry types the bundled layout knows how to emit. Subset of the
// standard AT_* constants; unknown types are still representable as a raw
// AuxEntry since Value carries no type-specific validation.
const (
	AT_NULL   uint64 = 0
	AT_PHDR   uint64 = 3
	AT_PHENT  uint64 = 4
	AT_PHNUM  uint64 = 5
	AT_PAGESZ uint64 = 6
	AT_BASE   uint64 = 7
	AT_ENTRY  uint64 = 9
)

// AuxEntry is one (type, value) pair of the auxiliary vector.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Info is what Load reports back about a parsed image, enough for the
// caller (process.Process.Exec's boot-glue caller) to finish building the
// auxv, resolve and load an interpreter, and set the new thread's entry
// point.
type Info struct {
	Entry     uint64
	IsPIE     bool
	Phdr      uint64
	Phentsize int
	Phnum     int
	Highest   uintptr // first free page past every PT_LOAD segment
	Interp    string  // non-empty if a PT_INTERP segment requested a dynamic linker
}

// chkELF validates the header: little-endian, a recognized word size, an
// executable or position-independent type, and the expected machine.
func chkELF(f *elf.File, want elf.Machine) defs.Err_t {
	if f.Data != elf.ELFDATA2LSB {
		return -defs.ENOEXEC
	}
	if f.Class != elf.ELFCLASS64 && f.Class != elf.ELFCLASS32 {
		return -defs.ENOEXEC
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return -defs.ENOEXEC
	}
	if f.Machine != want {
		return -defs.ENOEXEC
	}
	return 0
}

func phentsize(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return 32
	}
	return 56
}

// loadSegment pushes a memhandler.File area for one PT_LOAD program header,
// biased by bias (0 for the main image, the interpreter's load address for
// LoadInterp). Empty segments (p_memsz == 0, a handful of toolchains emit
// these) are silently skipped.
func loadSegment(node vfs.INode, mset *memset.MemorySet, prog *elf.Prog, bias uintptr) defs.Err_t {
	if prog.Memsz == 0 {
		return 0
	}
	vaddr := uintptr(prog.Vaddr) + bias
	start := util.Rounddown(vaddr, uintptr(mem.PGSIZE))
	end := util.Roundup(vaddr+uintptr(prog.Memsz), uintptr(mem.PGSIZE))
	delta := vaddr - start

	h := &memhandler.File{
		Node:      node,
		FileStart: int64(prog.Off) - int64(delta),
		FileEnd:   int64(prog.Off) + int64(prog.Filesz),
		MemStart:  start,
	}
	attr := memhandler.Attr{
		Writable:   prog.Flags&elf.PF_W != 0,
		Executable: prog.Flags&elf.PF_X != 0,
	}
	_, errc := mset.Push(start, end, h, attr)
	return errc
}

// Load parses node as an ELF image and pushes a file-backed area into mset
// for every PT_LOAD segment. vfs.INode's ReadAt already satisfies
// io.ReaderAt, so node is handed to debug/elf directly with no adapter.
func Load(node vfs.INode, mset *memset.MemorySet, wantMachine elf.Machine) (Info, defs.Err_t) {
	f, err := elf.NewFile(node)
	if err != nil {
		return Info{}, -defs.ENOEXEC
	}
	if errc := chkELF(f, wantMachine); errc != 0 {
		return Info{}, errc
	}

	info := Info{
		Entry:     f.Entry,
		IsPIE:     f.Type == elf.ET_DYN,
		Phentsize: phentsize(f.Class),
		Phnum:     len(f.Progs),
	}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if errc := loadSegment(node, mset, prog, 0); errc != 0 {
				return Info{}, errc
			}
			if end := util.Roundup(uintptr(prog.Vaddr+prog.Memsz), uintptr(mem.PGSIZE)); end > info.Highest {
				info.Highest = end
			}
		case elf.PT_INTERP:
			buf := make([]byte, prog.Filesz)
			n, rerr := node.ReadAt(buf, int64(prog.Off))
			if rerr != nil && n == 0 {
				return Info{}, -defs.ENOEXEC
			}
			info.Interp = strings.TrimRight(string(buf[:n]), "\x00")
		case elf.PT_PHDR:
			info.Phdr = prog.Vaddr
		}
	}
	return info, 0
}

// LoadInterp loads an already-resolved dynamic linker image at bias (the
// caller picks bias, typically Info.Highest from the main image rounded up
// past a guard gap), for the PT_INTERP case Load reported via Info.Interp.
// Resolving that path into an INode is the external vfs collaborator's job;
// LoadInterp only consumes the result.
func LoadInterp(node vfs.INode, mset *memset.MemorySet, bias uintptr, wantMachine elf.Machine) (entry uint64, errc defs.Err_t) {
	f, err := elf.NewFile(node)
	if err != nil {
		return 0, -defs.ENOEXEC
	}
	if errc := chkELF(f, wantMachine); errc != 0 {
		return 0, errc
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if errc := loadSegment(node, mset, prog, bias); errc != 0 {
			return 0, errc
		}
	}
	return f.Entry + uint64(bias), 0
}

// PushStack reserves [stackTop-size, stackTop) as a Delay-backed writable
// area and eagerly faults in its topmost eagerPages pages, so the last few
// pages are resident before the first instruction runs rather than taking a
// fault on the very first push.
func PushStack(mset *memset.MemorySet, stackTop uintptr, size int, eagerPages int) defs.Err_t {
	start := stackTop - uintptr(size)
	if _, errc := mset.Push(start, stackTop, &memhandler.Delay{}, memhandler.Attr{Writable: true}); errc != 0 {
		return errc
	}
	for i := 0; i < eagerPages; i++ {
		va := stackTop - uintptr((i+1)*mem.PGSIZE)
		if va < start {
			break
		}
		mset.PageFaultHandler(va, true)
	}
	return 0
}

// BuildInitStack lays out argv, envp, and auxv at the top of the stack area
// ending at stackTop, following the standard argc/argv/envp/auxv layout:
// counts, pointer vectors, then a trailing string pool. An AT_NULL
// terminator is appended automatically; callers pass the rest.
// Returns the initial stack pointer — the address of argc — ready for the
// new thread's Context.SP.
func BuildInitStack(mset *memset.MemorySet, stackTop uintptr, argv, envp []string, auxv []AuxEntry) (sp uintptr, errc defs.Err_t) {
	sp = stackTop
	failed := false

	writeString := func(s string) uintptr {
		n := len(s) + 1
		sp -= uintptr(n)
		buf := make([]byte, n)
		copy(buf, s)
		if !mset.CopyOut(sp, buf) {
			failed = true
		}
		return sp
	}

	argvAddrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = writeString(argv[i])
	}
	envpAddrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = writeString(envp[i])
	}
	if failed {
		return 0, -defs.EFAULT
	}

	sp = util.Rounddown(sp, 16)

	full := make([]AuxEntry, 0, len(auxv)+1)
	full = append(full, auxv...)
	full = append(full, AuxEntry{Type: AT_NULL})
	sp -= uintptr(len(full)) * 16
	auxBase := sp
	for i, e := range full {
		if !mset.WriteUint64(auxBase+uintptr(i*16), e.Type) || !mset.WriteUint64(auxBase+uintptr(i*16+8), e.Value) {
			return 0, -defs.EFAULT
		}
	}

	sp -= uintptr(len(envpAddrs)+1) * 8
	envBase := sp
	for i, a := range envpAddrs {
		if !mset.WriteUint64(envBase+uintptr(i*8), uint64(a)) {
			return 0, -defs.EFAULT
		}
	}
	if !mset.WriteUint64(envBase+uintptr(len(envpAddrs)*8), 0) {
		return 0, -defs.EFAULT
	}

	sp -= uintptr(len(argvAddrs)+1) * 8
	argBase := sp
	for i, a := range argvAddrs {
		if !mset.WriteUint64(argBase+uintptr(i*8), uint64(a)) {
			return 0, -defs.EFAULT
		}
	}
	if !mset.WriteUint64(argBase+uintptr(len(argvAddrs)*8), 0) {
		return 0, -defs.EFAULT
	}

	sp -= 8
	if !mset.WriteUint64(sp, uint64(len(argv))) {
		return 0, -defs.EFAULT
	}

	return sp, 0
}
