// Package loader parses a 32-bit big-endian MIPS ELF executable and
// installs its PT_LOAD segments into a fresh address space (spec.md
// §4.8), adapted from the teacher's kernel/chentry.go — which reaches
// for the standard library's debug/elf rather than a hand-rolled
// parser — generalized from chentry's single-field entry-point rewrite
// to a full segment loader.
package loader

import (
	"debug/elf"
	"io"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

const pageSize = vm.PageSize

// Image is a loaded program's entry point and initial stack pointer,
// ready for execv to hand to the trap frame it builds (spec.md §4.8).
type Image struct {
	Entry    uintptr
	StackTop uintptr
}

/// Load parses r as an ELF executable, rejects anything that is not a
/// 32-bit big-endian MIPS ET_EXEC image, and maps every PT_LOAD segment
/// into as (spec.md §4.8). PT_NULL, PT_PHDR, and PT_MIPS_REGINFO are
/// recognized and skipped; any other segment type is rejected.
func Load(as *vm.AddressSpace, tlb *vm.TLB, r io.ReaderAt) (Image, defs.Err_t) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return Image{}, -defs.EINVAL
	}
	if ef.Class != elf.ELFCLASS32 || ef.Data != elf.ELFDATA2MSB {
		return Image{}, -defs.EINVAL
	}
	if ef.Machine != elf.EM_MIPS || ef.Type != elf.ET_EXEC {
		return Image{}, -defs.EINVAL
	}

	as.PrepareLoad()

	var staticEnd uintptr
	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_NULL, elf.PT_PHDR, elf.PT_MIPS_REGINFO:
			continue
		case elf.PT_LOAD:
			end, err := loadSegment(as, prog)
			if err != 0 {
				return Image{}, err
			}
			if end > staticEnd {
				staticEnd = end
			}
		default:
			return Image{}, -defs.EINVAL
		}
	}

	stackTop, err := as.DefineStack()
	if err != 0 {
		return Image{}, err
	}
	as.SetStaticStart(staticEnd)
	as.CompleteLoad(tlb)

	return Image{Entry: uintptr(ef.Entry), StackTop: stackTop}, 0
}

func progPerm(flags elf.ProgFlag) vm.Perm {
	return vm.Perm{
		R: flags&elf.PF_R != 0,
		W: flags&elf.PF_W != 0,
		X: flags&elf.PF_X != 0,
	}
}

// loadSegment maps one PT_LOAD entry: define_region over its full
// memsz (covering BSS), then copy filesz bytes from the ELF reader,
// splitting the copy across however many pages the segment straddles
// (spec.md §4.8 "segments that straddle page boundaries"). Pages
// define_region allocates are already zeroed, so bytes past filesz
// need no extra work to read as BSS zero.
func loadSegment(as *vm.AddressSpace, prog *elf.Prog) (uintptr, defs.Err_t) {
	vaddr := uintptr(prog.Vaddr)
	memsz := int(prog.Memsz)
	filesz := int64(prog.Filesz)

	if err := as.DefineRegion(vaddr, memsz, progPerm(prog.Flags)); err != 0 {
		return 0, err
	}

	sr := io.NewSectionReader(prog, 0, filesz)
	remaining := filesz
	addr := vaddr
	for remaining > 0 {
		pageVA := addr &^ uintptr(pageSize-1)
		offInPage := int(addr - pageVA)
		n := pageSize - offInPage
		if int64(n) > remaining {
			n = int(remaining)
		}

		frame, err := as.FrameBytes(pageVA)
		if err != 0 {
			return 0, err
		}
		if _, rerr := io.ReadFull(sr, frame[offInPage:offInPage+n]); rerr != nil {
			return 0, -defs.EIO
		}

		addr += uintptr(n)
		remaining -= int64(n)
	}

	return vaddr + uintptr(memsz), 0
}
