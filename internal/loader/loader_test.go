package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/swap"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

// buildMipsELF assembles a minimal 32-bit big-endian MIPS ET_EXEC image
// with a single PT_LOAD segment, the shape the real os161 toolchain's
// output takes (spec.md §4.8). entry and vaddr are in the same segment;
// memsz may exceed filesz to exercise BSS zero-fill.
func buildMipsELF(entry, vaddr uint32, code []byte, memsz int) []byte {
	const ehsize, phentsize = 52, 32
	phoff := uint32(ehsize)
	filesz := uint32(len(code))

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	be := binary.BigEndian
	write16 := func(v uint16) { var b [2]byte; be.PutUint16(b[:], v); buf.Write(b[:]) }
	write32 := func(v uint32) { var b [4]byte; be.PutUint32(b[:], v); buf.Write(b[:]) }

	write16(2)       // e_type = ET_EXEC
	write16(8)        // e_machine = EM_MIPS
	write32(1)        // e_version
	write32(entry)    // e_entry
	write32(phoff)    // e_phoff
	write32(0)        // e_shoff
	write32(0)        // e_flags
	write16(ehsize)
	write16(phentsize)
	write16(1) // e_phnum
	write16(0) // e_shentsize
	write16(0) // e_shnum
	write16(0) // e_shstrndx

	dataOff := uint32(ehsize + phentsize)
	write32(1) // p_type = PT_LOAD
	write32(dataOff)
	write32(vaddr)
	write32(vaddr)
	write32(filesz)
	write32(uint32(memsz))
	write32(5)    // p_flags = PF_R|PF_X
	write32(4096) // p_align

	buf.Write(code)
	return buf.Bytes()
}

func newTestAS() (*vm.AddressSpace, *vm.TLB) {
	cm := mem.NewCoremap(64, 0)
	store := &memStore{}
	se := swap.NewEngine(8, store, cm)
	cm.SetReclaimer(se)
	return vm.Create(cm, se), vm.NewTLB(8)
}

type memStore struct{ data []byte }

func (m *memStore) ensure(n int64) {
	if int64(len(m.data)) < n {
		grown := make([]byte, n)
		copy(grown, m.data)
		m.data = grown
	}
}
func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	return copy(p, m.data[off:]), nil
}
func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	return copy(m.data[off:], p), nil
}

func TestLoadMapsSegmentAndBSS(t *testing.T) {
	code := []byte{0x01, 0x02, 0x03, 0x04}
	elfBytes := buildMipsELF(0x1000, 0x1000, code, 4096)

	as, tlb := newTestAS()
	img, err := Load(as, tlb, bytes.NewReader(elfBytes))
	require.Zero(t, err)
	require.EqualValues(t, 0x1000, img.Entry)
	require.NotZero(t, img.StackTop)

	got, err := as.ReadBytes(0x1000, 4)
	require.Zero(t, err)
	require.Equal(t, code, got)

	bss, err := as.ReadBytes(0x1000+4, 8)
	require.Zero(t, err)
	require.Equal(t, make([]byte, 8), bss)
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	elfBytes := buildMipsELF(0x1000, 0x1000, []byte{0}, 4096)
	elfBytes[19] = 0x03 // e_machine: EM_MIPS (8) -> EM_386 (3)

	as, tlb := newTestAS()
	_, err := Load(as, tlb, bytes.NewReader(elfBytes))
	require.NotZero(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	as, tlb := newTestAS()
	_, err := Load(as, tlb, bytes.NewReader([]byte("not an elf file")))
	require.NotZero(t, err)
}
