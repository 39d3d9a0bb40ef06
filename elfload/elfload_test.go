package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
	"nucleus/mem"
	"nucleus/memset"
)

// memINode is a vfs.INode backed by a plain byte slice, standing in for the
// external filesystem collaborator.
type memINode struct{ data []byte }

func (n *memINode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	k := copy(p, n.data[off:])
	if k < len(p) {
		return k, io.EOF
	}
	return k, nil
}

func (n *memINode) WriteAt(p []byte, off int64) (int, error) {
	panic("elfload tests never write through the image inode")
}

func (n *memINode) Size() int64 { return int64(len(n.data)) }

// buildELF64 hand-assembles a minimal ELF64 little-endian image: one Ehdr,
// one Phdr per entry in progs (each paired with the raw bytes that make up
// its file contents, laid out back to back right after the program header
// table), and nothing else (no section headers — debug/elf doesn't require
// them to parse program headers).
type rawProg struct {
	ptype  elf.ProgType
	flags  elf.ProgFlag
	vaddr  uint64
	memsz  uint64
	data   []byte // file contents; p_filesz == len(data)
}

func buildELF64(etype elf.Type, machine elf.Machine, entry uint64, progs []rawProg) []byte {
	const ehsize = 64
	const phentsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(progs))*phentsize

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(etype))
	binary.Write(&buf, binary.LittleEndian, uint16(machine))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(len(progs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	offsets := make([]uint64, len(progs))
	cursor := dataOff
	for i, p := range progs {
		offsets[i] = cursor
		cursor += uint64(len(p.data))
	}
	for i, p := range progs {
		binary.Write(&buf, binary.LittleEndian, uint32(p.ptype))
		binary.Write(&buf, binary.LittleEndian, uint32(p.flags))
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, p.vaddr)
		binary.Write(&buf, binary.LittleEndian, p.vaddr) // p_paddr, unused
		binary.Write(&buf, binary.LittleEndian, uint64(len(p.data)))
		binary.Write(&buf, binary.LittleEndian, p.memsz)
		binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // p_align
	}
	for _, p := range progs {
		buf.Write(p.data)
	}
	return buf.Bytes()
}

func newTestMemset() *memset.MemorySet {
	alloc := mem.NewAllocator([]mem.Range{{Start: 0, End: mem.Pa_t(4096 * 256)}})
	backing := mem.NewFlatBacking()
	return memset.New(alloc, backing)
}

func simpleImage() []byte {
	code := bytes.Repeat([]byte{0x90}, 16) // filler "instructions"
	return buildELF64(elf.ET_EXEC, elf.EM_X86_64, 0x401000+64+56, []rawProg{
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x401000, memsz: uint64(64 + 56 + len(code)), data: append(make([]byte, 64+56), code...)},
	})
}

func TestLoadPushesSegmentAndReportsEntry(t *testing.T) {
	node := &memINode{data: simpleImage()}
	ms := newTestMemset()

	info, errc := Load(node, ms, elf.EM_X86_64)
	require.Equal(t, defs.Err_t(0), errc)
	require.Equal(t, uint64(0x401000+64+56), info.Entry)
	require.False(t, info.IsPIE)
	require.Equal(t, 1, info.Phnum)
	require.True(t, info.Highest > 0x401000)

	area, ok := ms.FindArea(0x401000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x401000), area.Start)
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	node := &memINode{data: simpleImage()}
	ms := newTestMemset()

	_, errc := Load(node, ms, elf.EM_AARCH64)
	require.Equal(t, -defs.ENOEXEC, errc)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	data := simpleImage()
	data[0] = 0x00
	node := &memINode{data: data}
	ms := newTestMemset()

	_, errc := Load(node, ms, elf.EM_X86_64)
	require.Equal(t, -defs.ENOEXEC, errc)
}

func TestLoadCapturesInterpPath(t *testing.T) {
	interp := []byte("/lib/ld-nucleus.so\x00")
	code := bytes.Repeat([]byte{0x90}, 16)
	data := buildELF64(elf.ET_DYN, elf.EM_X86_64, 0x1078, []rawProg{
		{ptype: elf.PT_INTERP, flags: elf.PF_R, vaddr: 0, memsz: uint64(len(interp)), data: interp},
		{ptype: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x1000, memsz: uint64(64 + 56*2 + len(interp) + len(code)), data: append(make([]byte, 64+56*2+len(interp)), code...)},
	})
	node := &memINode{data: data}
	ms := newTestMemset()

	info, errc := Load(node, ms, elf.EM_X86_64)
	require.Equal(t, defs.Err_t(0), errc)
	require.Equal(t, "/lib/ld-nucleus.so", info.Interp)
	require.True(t, info.IsPIE)
}

func TestPushStackEagerPagesAreWritableImmediately(t *testing.T) {
	ms := newTestMemset()
	const stackTop = uintptr(0x7f0000000000)
	const size = 4 * mem.PGSIZE

	errc := PushStack(ms, stackTop, size, 2)
	require.Equal(t, defs.Err_t(0), errc)

	require.True(t, ms.WriteUint64(stackTop-8, 0x1234))
	v, ok := ms.ReadUint64(stackTop - 8)
	require.True(t, ok)
	require.Equal(t, uint64(0x1234), v)
}

func TestBuildInitStackRoundTrips(t *testing.T) {
	ms := newTestMemset()
	const stackTop = uintptr(0x7f0000000000)
	require.Equal(t, defs.Err_t(0), PushStack(ms, stackTop, 4*mem.PGSIZE, 2))

	argv := []string{"/bin/prog", "-x"}
	envp := []string{"HOME=/root"}
	auxv := []AuxEntry{{Type: AT_PAGESZ, Value: uint64(mem.PGSIZE)}}

	sp, errc := BuildInitStack(ms, stackTop, argv, envp, auxv)
	require.Equal(t, defs.Err_t(0), errc)
	require.True(t, sp < stackTop)

	argc, ok := ms.ReadUint64(sp)
	require.True(t, ok)
	require.Equal(t, uint64(len(argv)), argc)

	argvBase := sp + 8
	for i, want := range argv {
		ptr, ok := ms.ReadUint64(argvBase + uintptr(i*8))
		require.True(t, ok)
		got, ok := ms.CopyIn(uintptr(ptr), len(want)+1)
		require.True(t, ok)
		require.Equal(t, want, string(got[:len(want)]))
		require.Equal(t, byte(0), got[len(want)])
	}
	// argv vector is NULL-terminated.
	term, ok := ms.ReadUint64(argvBase + uintptr(len(argv)*8))
	require.True(t, ok)
	require.Equal(t, uint64(0), term)
}
