package vm

import (
	"runtime"
	"sync"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/mem"
)

// TLBEntry caches one translation: the owning address space's identity
// (a software ASID substitute: Probe only returns entries whose AS
// matches the one asked for, spec.md §4.3 "activate"), the virtual
// page number, the frame it resolves to, and whether the mapping is
// writable.
type TLBEntry struct {
	Valid    bool
	AS       uintptr
	VPN      uintptr
	FrameNum int
	Writable bool
}

/// TLB is the CPU's fixed-size software-refilled translation cache
/// (spec.md §3 "TLB"). Replacement is strict round-robin
/// (spec.md §4.4 step 8). A single spinlock-style mutex covers it, held
/// only across the read/write/probe triple (spec.md §4.4 "Interrupts
/// must be disabled during the TLB write/read/probe triple" — modeled
/// here as holding the mutex for that span, since this simulation has no
/// real interrupt priority level to raise).
type TLB struct {
	mu      sync.Mutex
	entries []TLBEntry
	next    int
}

/// NewTLB creates a TLB with n fixed entries.
func NewTLB(n int) *TLB {
	return &TLB{entries: make([]TLBEntry, n)}
}

/// Size returns the number of entries this TLB holds.
func (t *TLB) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func vpn(va uintptr) uintptr {
	return va &^ uintptr(PageSize-1)
}

/// Probe looks up a cached translation.
func (t *TLB) Probe(as uintptr, va uintptr) (TLBEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := vpn(va)
	for _, e := range t.entries {
		if e.Valid && e.AS == as && e.VPN == v {
			return e, true
		}
	}
	return TLBEntry{}, false
}

/// Install writes a new translation into the TLB, replacing the entry at
/// the round-robin cursor.
func (t *TLB) Install(as uintptr, va uintptr, frame int, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = TLBEntry{Valid: true, AS: as, VPN: vpn(va), FrameNum: frame, Writable: writable}
	t.next = (t.next + 1) % len(t.entries)
}

/// InvalidateAll clears every TLB entry (spec.md §4.3 "activate",
/// §4.4 "TLB shootdown" broadcast "invalidate all" variant).
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = TLBEntry{}
	}
}

/// InvalidateVA clears any entry matching va across all address spaces
/// (the broadcast "single VA" shootdown variant, spec.md §4.4).
func (t *TLB) InvalidateVA(va uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := vpn(va)
	for i := range t.entries {
		if t.entries[i].VPN == v {
			t.entries[i] = TLBEntry{}
		}
	}
}

/// FaultKind enumerates the three TLB exception types the trap stub
/// decodes before calling into this handler (spec.md §4.4).
type FaultKind int

const (
	Read FaultKind = iota
	Write
	ReadOnlyWrite
)

// Fault resolves a translation or permission miss against as, following
// spec.md §4.4's eight-step contract. It never blocks: the only
// suspension it performs is a cooperative yield while waiting out an
// IN_TRANSIT page a concurrent swap is still moving (spec.md §9 "fault
// re-entry").
func Fault(as *AddressSpace, tlb *TLB, kind FaultKind, faultVA uintptr) defs.Err_t {
	as.mu.Lock()
	usePerm := as.usePermissions
	as.mu.Unlock()

	// Step 1: reject a write to a read-only page once permissions are
	// enforced.
	if kind == ReadOnlyWrite && usePerm {
		return -defs.EPERM
	}

	// Step 2: reject the null pointer and kernel addresses.
	if faultVA == 0 || faultVA >= mem.KSEG_BASE {
		return -defs.EBADADDR
	}

	// Step 3: page-align.
	va := faultVA &^ uintptr(PageSize-1)

	as.mu.Lock()
	loadComplete := as.loadComplete
	heapEnd := as.heapEnd
	heapStart := as.heapStart
	stack := as.stack
	as.mu.Unlock()

	// Step 4: the hole between heap and stack, once the image is fully
	// loaded.
	if loadComplete && va >= heapEnd && va < stack-StackLimit {
		return -defs.EBADADDR
	}

	for {
		as.mu.Lock()
		pte := as.walk(va, false)
		var cur Pte
		if pte != nil {
			cur = *pte
		}
		as.mu.Unlock()

		if !cur.Present() {
			// Step 5: dynamic growth candidates.
			var perm Perm
			var lower bool
			switch {
			case va < stack && va >= stack-StackLimit:
				lower = true
				perm = Perm{R: true, W: true}
			case va >= heapStart && va < heapEnd:
				perm = Perm{R: true, W: true}
			default:
				return -defs.EBADADDR
			}

			idx, err := as.cm.AllocFrame(as, va)
			if err != 0 {
				return err
			}
			as.cm.MarkDirty(idx)

			as.mu.Lock()
			if lower {
				as.stack = va
			}
			slot := as.walk(va, true)
			*slot = MkPte(idx, InMem, perm)
			as.mu.Unlock()
			continue
		}

		// Step 6: a page caught mid-swap is never blocked on — yield
		// and retry.
		if cur.Location() == InTransit {
			runtime.Gosched()
			continue
		}

		// Step 7: bring a swapped-out page back into memory.
		if cur.Location() == OnDisk {
			idx, err := as.cm.AllocFrame(as, va)
			if err != 0 {
				return err
			}
			as.MarkInTransit(va)
			as.cm.BeginSwapIn(idx)
			if err := as.swap.SwapIn(as, as.SwapID(), va, idx); err != 0 {
				return err
			}
			continue
		}

		// Step 8: install the mapping. Writable is granted if the PTE's
		// W bit is set, or permissions aren't enforced yet (load still
		// in progress).
		writable := cur.Perm().W || !usePerm
		tlb.Install(as.SwapID(), va, cur.FrameNum(), writable)
		return 0
	}
}
