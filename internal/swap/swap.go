// Package swap implements the page-swap engine: the bounded array of
// SwapSlots backed by a file or raw disk, and the round-robin eviction
// policy that moves DIRTY frames out to make room (spec.md §4.2). It is
// the pack's analogue of biscuit's fs.Disk_i-backed block cache
// (fs/blk.go's Bdev_block_t), adapted from block caching to page
// eviction.
package swap

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/mem"
)

var log = logrus.WithField("pkg", "swap")

// BackingStore is the disk or regular file holding swapped pages, the
// pack's stand-in for biscuit's fs.Disk_i (spec.md §6 "Backing store").
// Slots live at byte offset slot_index * PGSIZE.
type BackingStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

type slot struct {
	used bool
	id   uintptr // owner identity, for matching an existing slot to (as, va)
	va   uintptr
}

/// Engine owns the slot table and backing store. A single spinlock-style
/// mutex protects the slot table (spec.md §4.2 "concurrency"); callers on
/// the fault path must not block on it for longer than a table lookup.
type Engine struct {
	mu     sync.Mutex
	slots  []slot
	store  BackingStore
	cm     *mem.Coremap
	cursor int
	gen    uuid.UUID
}

/// NewEngine creates a swap engine with nslots slots over store, and wires
/// it to cm so Reclaim can drive eviction. It generates a fresh generation
/// id that is only logged at startup, for diagnostics; the id is not
/// written to the store and nothing reads it back.
func NewEngine(nslots int, store BackingStore, cm *mem.Coremap) *Engine {
	e := &Engine{
		slots: make([]slot, nslots),
		store: store,
		cm:    cm,
		gen:   uuid.New(),
	}
	log.WithField("slots", nslots).WithField("gen", e.gen).Info("swap engine initialized")
	return e
}

func (e *Engine) findSlotLocked(id, va uintptr) int {
	for i := range e.slots {
		if e.slots[i].used && e.slots[i].id == id && e.slots[i].va == va {
			return i
		}
	}
	return -1
}

func (e *Engine) allocSlotLocked(id, va uintptr) int {
	if idx := e.findSlotLocked(id, va); idx >= 0 {
		return idx
	}
	for i := range e.slots {
		if !e.slots[i].used {
			e.slots[i] = slot{used: true, id: id, va: va}
			return i
		}
	}
	// Out-of-slot is fatal (spec.md §4.2 "failure model").
	panic("swap: out of swap slots")
}

/// SwapOut writes the frame at frameIdx out to its slot for (id, va).
/// Precondition: the frame is SWAPPING_OUT and the owner's PTE already
/// carries IN_TRANSIT (enforced by the caller before invoking this).
/// On success the frame is marked CLEAN; I/O errors propagate to the
/// caller, who treats them as fatal to the faulting thread (spec.md
/// §4.2 "failure model").
func (e *Engine) SwapOut(frameIdx int, id, va uintptr) defs.Err_t {
	if f := e.cm.Frame(frameIdx); f.State != mem.SWAPPING_OUT {
		panic("swap: swap_out precondition violated: frame not SWAPPING_OUT")
	}

	e.mu.Lock()
	idx := e.allocSlotLocked(id, va)
	e.mu.Unlock()

	if _, err := e.store.WriteAt(e.cm.FrameBytes(frameIdx), int64(idx)*int64(mem.PGSIZE)); err != nil {
		log.WithError(err).WithField("slot", idx).Error("swap_out i/o failure")
		return -defs.EIO
	}
	e.cm.MarkClean(frameIdx)
	return 0
}

/// Evict finalizes eviction of a CLEAN frame that has just been swapped
/// out: it rewrites the owning PTE to ON_DISK (carrying the slot index)
/// and frees the physical frame (spec.md §4.2 "evict").
func (e *Engine) Evict(frameIdx int, id, va uintptr) {
	e.mu.Lock()
	idx := e.findSlotLocked(id, va)
	e.mu.Unlock()
	if idx < 0 {
		panic("swap: evict: no slot recorded for (owner, va)")
	}

	f := e.cm.Frame(frameIdx)
	if f.Owner == nil {
		panic("swap: evict: frame has no owner")
	}
	f.Owner.MarkOnDisk(va, idx)
	e.cm.Evict(frameIdx)
}

/// SwapIn reads the slot belonging to (id, va) into target, already
/// allocated and marked SWAPPING_IN by the caller, then rewrites the
/// owning PTE to IN_MEM (spec.md §4.2 "swap_in").
func (e *Engine) SwapIn(owner mem.Owner, id, va uintptr, target int) defs.Err_t {
	e.mu.Lock()
	idx := e.findSlotLocked(id, va)
	e.mu.Unlock()
	if idx < 0 {
		panic("swap: swap_in: no slot recorded for (owner, va)")
	}

	if _, err := e.store.ReadAt(e.cm.FrameBytes(target), int64(idx)*int64(mem.PGSIZE)); err != nil {
		log.WithError(err).WithField("slot", idx).Error("swap_in i/o failure")
		return -defs.EIO
	}
	e.cm.FinishSwapIn(target)
	owner.MarkInMem(va, target)
	return 0
}

/// CleanSwapfile releases the slot belonging to (id, va), if any, at
/// address-space teardown (spec.md §4.2 "clean_swapfile").
func (e *Engine) CleanSwapfile(id, va uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := e.findSlotLocked(id, va); idx >= 0 {
		e.slots[idx] = slot{}
	}
}

// Reclaim implements mem.Reclaimer: round-robin victim selection starting
// at a persistent cursor, evicting only DIRTY frames, two full sweeps
// before giving up (spec.md §4.2 "slot selection"). It is registered with
// the coremap at boot via mem.Coremap.SetReclaimer.
func (e *Engine) Reclaim(need int) int {
	freed := 0
	for sweep := 0; sweep < 2 && freed < need; sweep++ {
		e.cm.ForEachDirty(e.cursor, func(idx int) bool {
			f := e.cm.Frame(idx)
			if f.Owner == nil {
				return true // FIXED/kernel frames are never victims
			}
			owner := f.Owner
			va := f.VA
			id := owner.SwapID()

			owner.MarkInTransit(va)
			e.cm.BeginSwapOut(idx)
			if err := e.SwapOut(idx, id, va); err != 0 {
				panic("swap: reclaim: swap_out failed")
			}
			e.Evict(idx, id, va)
			freed++
			e.cursor = (idx + 1) % e.cm.NFrames()
			return freed < need
		})
	}
	if freed == 0 && need > 0 {
		log.Warn("reclaim found no dirty victims")
	}
	return freed
}

// BatchEvictAll evicts every DIRTY frame in one pass, for when many
// frames must be freed at once (spec.md §4.2 "batch variant"). Nothing in
// the kernel calls it at present; Fork copies the address space without it.
func (e *Engine) BatchEvictAll() int {
	freed := 0
	e.cm.ForEachDirty(0, func(idx int) bool {
		f := e.cm.Frame(idx)
		if f.Owner == nil {
			return true
		}
		owner := f.Owner
		va := f.VA
		id := owner.SwapID()

		owner.MarkInTransit(va)
		e.cm.BeginSwapOut(idx)
		if err := e.SwapOut(idx, id, va); err != 0 {
			panic("swap: batch_evict: swap_out failed")
		}
		e.Evict(idx, id, va)
		freed++
		return true
	})
	return freed
}
