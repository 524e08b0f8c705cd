package vm

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/swap"
)

var log = logrus.WithField("pkg", "vm")

// USERSTACK is the top of user virtual address space; the initial stack
// page is installed one page below it (spec.md §6 "User stack layout").
const USERSTACK uintptr = mem.KSEG_BASE - uintptr(PageSize)

// PageSize mirrors mem.PGSIZE as a vm-local name for readability.
const PageSize = 4096

// StackLimit bounds how far the stack may grow down before the hole
// between heap and stack is considered exhausted (spec.md §4.4 step 4).
const StackLimit = 256 * PageSize

/// AddressSpace is a process's private virtual-memory mapping: its page
/// directory plus the region/heap/stack bookkeeping spec.md §3 describes.
/// The mutex guards every field below and must be held across a PTE
/// read-modify-write (spec.md §5 lock ordering: address-space operations
/// sit between the process table and the coremap).
type AddressSpace struct {
	mu sync.Mutex

	dir PageDirectory

	cm   *mem.Coremap
	swap *swap.Engine

	staticStart uintptr
	heapStart   uintptr
	heapEnd     uintptr
	stack       uintptr // lowest allocated stack page VA

	usePermissions bool
	loadComplete   bool
}

/// Create returns a fresh, empty address space (spec.md §4.3 "create").
func Create(cm *mem.Coremap, se *swap.Engine) *AddressSpace {
	as := &AddressSpace{cm: cm, swap: se, usePermissions: true}
	return as
}

/// SwapID implements mem.Owner: the address space's own pointer value is
/// a stable, comparable identity for the swap engine and the coremap's
/// weak backpointer.
func (as *AddressSpace) SwapID() uintptr {
	return uintptr(unsafe.Pointer(as))
}

func (as *AddressSpace) walk(va uintptr, create bool) *Pte {
	dirIdx, tblIdx, _ := split(va)
	pt := as.dir.Tables[dirIdx]
	if pt == nil {
		if !create {
			return nil
		}
		pt = &PageTable{}
		as.dir.Tables[dirIdx] = pt
	}
	return &pt.Entries[tblIdx]
}

// FrameBytes returns the backing bytes for the page at va, which must
// already be a present, in-memory PTE. It is the loader's way to write
// segment contents directly into a region define_region has already
// allocated (spec.md §4.8).
func (as *AddressSpace) FrameBytes(va uintptr) ([]byte, defs.Err_t) {
	as.mu.Lock()
	pte := as.walk(va, false)
	as.mu.Unlock()
	if pte == nil || !pte.Present() || pte.Location() != InMem {
		return nil, -defs.EBADADDR
	}
	return as.cm.FrameBytes(pte.FrameNum()), 0
}

// MarkInTransit implements mem.Owner (spec.md §4.2 precondition for
// swap_out/swap_in).
func (as *AddressSpace) MarkInTransit(va uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte := as.walk(va, false)
	if pte == nil {
		panic("vm: mark in-transit on absent pte")
	}
	*pte = MkPte(pte.FrameNum(), InTransit, pte.Perm())
}

// MarkOnDisk implements mem.Owner (spec.md §4.2 "evict").
func (as *AddressSpace) MarkOnDisk(va uintptr, slot int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte := as.walk(va, false)
	if pte == nil {
		panic("vm: mark on-disk on absent pte")
	}
	*pte = MkPte(slot, OnDisk, pte.Perm())
}

// MarkInMem implements mem.Owner (spec.md §4.2 "swap_in").
func (as *AddressSpace) MarkInMem(va uintptr, frameIdx int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte := as.walk(va, false)
	if pte == nil {
		panic("vm: mark in-mem on absent pte")
	}
	*pte = MkPte(frameIdx, InMem, pte.Perm())
}

/// DefineRegion reserves ceil(size/PAGE) pages starting at the
/// page-aligned va, eagerly allocating a frame for each (spec.md §4.3
/// "define_region" — eager is simpler than lazy for region definition),
/// and advances heapStart past the region.
func (as *AddressSpace) DefineRegion(va uintptr, size int, perm Perm) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	start := va &^ uintptr(PageSize-1)
	npages := (size + PageSize - 1) / PageSize
	for i := 0; i < npages; i++ {
		pageva := start + uintptr(i*PageSize)
		idx, err := as.cm.AllocFrame(as, pageva)
		if err != 0 {
			return err
		}
		as.cm.MarkDirty(idx)
		pte := as.walk(pageva, true)
		*pte = MkPte(idx, InMem, perm)
	}
	end := start + uintptr(npages*PageSize)
	if end > as.heapStart {
		as.heapStart = end
		as.heapEnd = end
	}
	return 0
}

/// PrepareLoad clears usePermissions so the ELF loader may write to
/// regions defined read-only (spec.md §4.3 "prepare_load").
func (as *AddressSpace) PrepareLoad() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.usePermissions = false
}

/// CompleteLoad restores permission enforcement and flushes the TLB so
/// stale writable entries created during load cannot bypass permissions
/// (spec.md §4.3 "complete_load").
func (as *AddressSpace) CompleteLoad(tlb *TLB) {
	as.mu.Lock()
	as.usePermissions = true
	as.loadComplete = true
	as.mu.Unlock()
	as.Activate(tlb)
}

/// DefineStack allocates one page at USERSTACK-PAGE, sets the stack
/// cursor there, page-aligns heapStart, and returns the initial user
/// stack pointer (spec.md §4.3 "define_stack"). DefineRegion's
/// heapStart-advancing side effect (as.go's DefineRegion, triggered by
/// the stack page's high address) would otherwise relocate the heap to
/// USERSTACK; heapStart is saved before the call and restored after, the
/// same correction ExtendStackDown applies for the same reason.
func (as *AddressSpace) DefineStack() (uintptr, defs.Err_t) {
	as.mu.Lock()
	savedHeapStart := as.heapStart
	as.mu.Unlock()

	stackBase := USERSTACK - uintptr(PageSize)
	if err := as.DefineRegion(stackBase, PageSize, Perm{R: true, W: true}); err != 0 {
		return 0, err
	}
	as.mu.Lock()
	as.stack = stackBase
	as.heapStart = (savedHeapStart + uintptr(PageSize-1)) &^ uintptr(PageSize-1)
	as.heapEnd = as.heapStart
	as.mu.Unlock()
	return USERSTACK, 0
}

/// HeapEnd returns the current top of the heap, for sbrk.
func (as *AddressSpace) HeapEnd() uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.heapEnd
}

/// HeapStart returns the bottom of the heap, the floor sbrk may not
/// shrink past.
func (as *AddressSpace) HeapStart() uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.staticStart
}

/// SetStaticStart records the end of the loaded ELF image, i.e. the
/// lowest legal heap address.
func (as *AddressSpace) SetStaticStart(va uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.staticStart = va
	if as.heapStart < va {
		as.heapStart = va
		as.heapEnd = va
	}
}

/// GrowHeap implements sbrk's VA bookkeeping: it advances or shrinks
/// heapEnd by delta bytes and returns the old value. Pages are not
/// eagerly allocated here — the fault handler grows the heap on first
/// touch (spec.md §4.4 step 5), per the page-size rounding decided in
/// spec.md §9's open question on sbrk alignment.
func (as *AddressSpace) GrowHeap(delta int) (uintptr, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	old := as.heapEnd
	rounded := uintptr(roundup(abs(delta), PageSize))
	var next uintptr
	if delta >= 0 {
		next = old + rounded
		if next < old || next-as.staticStart > 0x40000000 {
			return 0, -defs.ENOMEM
		}
	} else {
		if rounded > old-as.staticStart {
			return 0, -defs.EINVAL
		}
		next = old - rounded
		if next < as.staticStart {
			next = as.staticStart
		}
	}
	as.heapEnd = next
	return old, 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func roundup(v, b int) int {
	return (v + b - 1) / b * b
}

// ExtendStackDown eagerly allocates npages = ceil(nbytes/PageSize)
// additional stack pages below the current stack cursor, the same
// eager-allocation discipline DefineRegion follows (spec.md §4.3
// "define_region" — eager is simpler than lazy), sized to hold an
// execv argv block too large for the single page DefineStack installs
// (spec.md §4.5 step 3, §6 "User stack layout"). heapStart/heapEnd are
// restored afterward since DefineRegion's bookkeeping assumes it is
// extending the heap, not the stack (the same correction DefineStack
// itself applies).
func (as *AddressSpace) ExtendStackDown(nbytes int) (uintptr, defs.Err_t) {
	npages := (nbytes + PageSize - 1) / PageSize
	as.mu.Lock()
	cur := as.stack
	savedHeapStart, savedHeapEnd := as.heapStart, as.heapEnd
	as.mu.Unlock()
	if npages == 0 {
		return cur, 0
	}

	newBase := cur - uintptr(npages*PageSize)
	if err := as.DefineRegion(newBase, npages*PageSize, Perm{R: true, W: true}); err != 0 {
		return 0, err
	}
	as.mu.Lock()
	as.stack = newBase
	as.heapStart, as.heapEnd = savedHeapStart, savedHeapEnd
	as.mu.Unlock()
	return newBase, 0
}

// WriteBytes copies data into the region starting at va, splitting the
// copy across however many pages it straddles — the same page-boundary
// handling the loader uses for ELF segments (spec.md §4.8), reused here
// to lay out execv's argv block on the user stack (spec.md §4.5 step 3).
// Every page touched must already be present (defined via DefineRegion
// or ExtendStackDown).
func (as *AddressSpace) WriteBytes(va uintptr, data []byte) defs.Err_t {
	addr := va
	off := 0
	remaining := len(data)
	for remaining > 0 {
		pageVA := addr &^ uintptr(PageSize-1)
		offInPage := int(addr - pageVA)
		n := PageSize - offInPage
		if n > remaining {
			n = remaining
		}
		frame, err := as.FrameBytes(pageVA)
		if err != 0 {
			return err
		}
		copy(frame[offInPage:offInPage+n], data[off:off+n])
		addr += uintptr(n)
		off += n
		remaining -= n
	}
	return 0
}

// ReadBytes returns a copy of the n bytes starting at va, splitting the
// read across however many pages it straddles, the mirror image of
// WriteBytes. Every page touched must already be present.
func (as *AddressSpace) ReadBytes(va uintptr, n int) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	addr := va
	off := 0
	remaining := n
	for remaining > 0 {
		pageVA := addr &^ uintptr(PageSize-1)
		offInPage := int(addr - pageVA)
		want := PageSize - offInPage
		if want > remaining {
			want = remaining
		}
		frame, err := as.FrameBytes(pageVA)
		if err != 0 {
			return nil, err
		}
		copy(out[off:off+want], frame[offInPage:offInPage+want])
		addr += uintptr(want)
		off += want
		remaining -= want
	}
	return out, 0
}

/// Activate invalidates all TLB entries (spec.md §4.3 "activate").
func (as *AddressSpace) Activate(tlb *TLB) {
	tlb.InvalidateAll()
}

/// Copy walks the page directory and materializes a child address space
/// with a freshly allocated, byte-identical frame for every live page
/// (spec.md §4.3 "copy"). A page that is ON_DISK is swapped in first; a
/// page that is IN_TRANSIT is waited out by yielding, never blocking —
/// the same cooperative rule the fault handler follows (spec.md §4.4,
/// §9 "fault re-entry").
func (as *AddressSpace) Copy(se *swap.Engine) (*AddressSpace, defs.Err_t) {
	child := Create(as.cm, se)

	as.mu.Lock()
	staticStart, heapStart, heapEnd, stack := as.staticStart, as.heapStart, as.heapEnd, as.stack
	as.mu.Unlock()
	child.staticStart, child.heapStart, child.heapEnd, child.stack = staticStart, heapStart, heapEnd, stack

	for dirIdx := 0; dirIdx < 1024; dirIdx++ {
		as.mu.Lock()
		pt := as.dir.Tables[dirIdx]
		as.mu.Unlock()
		if pt == nil {
			continue
		}
		for tblIdx := 0; tblIdx < 1024; tblIdx++ {
			va := uintptr(dirIdx)<<(tblBits+offBits) | uintptr(tblIdx)<<offBits

			as.mu.Lock()
			pte := pt.Entries[tblIdx]
			as.mu.Unlock()
			if !pte.Present() {
				continue
			}

			for pte.Location() == InTransit {
				runtime.Gosched()
				as.mu.Lock()
				pte = pt.Entries[tblIdx]
				as.mu.Unlock()
			}

			if pte.Location() == OnDisk {
				idx, err := as.cm.AllocFrame(as, va)
				if err != 0 {
					return nil, err
				}
				as.cm.BeginSwapIn(idx)
				if err := se.SwapIn(as, as.SwapID(), va, idx); err != 0 {
					return nil, err
				}
				as.mu.Lock()
				pte = pt.Entries[tblIdx]
				as.mu.Unlock()
			}

			src := as.cm.FrameBytes(pte.FrameNum())
			nidx, err := child.cm.AllocFrame(child, va)
			if err != 0 {
				return nil, err
			}
			copy(child.cm.FrameBytes(nidx), src)
			child.cm.MarkDirty(nidx)

			child.mu.Lock()
			cpte := child.walk(va, true)
			*cpte = MkPte(nidx, InMem, pte.Perm())
			child.mu.Unlock()
		}
	}
	return child, 0
}

/// Destroy walks the page directory, freeing every live frame or swap
/// slot it still owns, then discards the page tables (spec.md §4.3
/// "destroy").
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for dirIdx := 0; dirIdx < 1024; dirIdx++ {
		pt := as.dir.Tables[dirIdx]
		if pt == nil {
			continue
		}
		for tblIdx := 0; tblIdx < 1024; tblIdx++ {
			pte := pt.Entries[tblIdx]
			if !pte.Present() {
				continue
			}
			va := uintptr(dirIdx)<<(tblBits+offBits) | uintptr(tblIdx)<<offBits
			switch pte.Location() {
			case InMem:
				as.cm.FreeUser(pte.FrameNum())
			case OnDisk:
				as.swap.CleanSwapfile(as.SwapID(), va)
			case InTransit:
				log.Warn("destroying address space with an in-transit page")
			}
		}
		as.dir.Tables[dirIdx] = nil
	}
}
