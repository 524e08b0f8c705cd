package mem

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/stats"
)

var log = logrus.WithField("pkg", "mem")

// Stats counts the coremap's allocation and eviction traffic, gated
// behind stats.Stats the same way the teacher's per-subsystem counter
// structs are: zero cost unless that const is flipped on for a
// diagnostic build.
type Stats struct {
	Allocs    stats.Counter_t
	Frees     stats.Counter_t
	SwapOuts  stats.Counter_t
	Evictions stats.Counter_t
}

// Reclaimer is implemented by the swap engine and registered with the
// coremap at boot. alloc_frame calls it when the number of free frames
// drops below LowWatermark (spec.md §4.1); it returns the number of
// frames it was able to free.
type Reclaimer interface {
	Reclaim(need int) int
}

/// Coremap is the dense, ordered sequence of Frames indexed by physical
/// frame number (spec.md §3). A single mutex guards allocation/eviction
/// decisions (spec.md §5 lock level 3).
type Coremap struct {
	mu     sync.Mutex
	frames []Frame
	ram    []byte // simulated physical RAM, len(frames)*PGSIZE bytes

	reclaim Reclaimer

	// booted and stealNext are carried in the struct but AllocFrame does
	// not consult them: every allocation goes through frames[]. The
	// pre-coremap allocator is StealAlloc (boot.go).
	booted    bool
	stealNext int

	Stats Stats
}

/// NewCoremap reserves nframes physical frames and marks the first
/// fixedPrefix of them FIXED, representing memory the kernel has already
/// consumed at boot (spec.md §3 "Coremap").
func NewCoremap(nframes, fixedPrefix int) *Coremap {
	if fixedPrefix > nframes {
		panic("fixed prefix exceeds frame count")
	}
	c := &Coremap{
		frames: make([]Frame, nframes),
		ram:    make([]byte, nframes*PGSIZE),
	}
	for i := range c.frames {
		c.frames[i].Base = Pa_t(i * PGSIZE)
		if i < fixedPrefix {
			c.frames[i].State = FIXED
		} else {
			c.frames[i].State = FREE
		}
	}
	c.stealNext = fixedPrefix
	log.WithField("frames", nframes).WithField("fixed", fixedPrefix).Info("coremap initialized")
	return c
}

/// SetReclaimer wires the swap engine in after both have been constructed,
/// avoiding an import cycle between mem and swap.
func (c *Coremap) SetReclaimer(r Reclaimer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reclaim = r
	c.booted = true
}

/// NFrames returns the total number of physical frames managed.
func (c *Coremap) NFrames() int {
	return len(c.frames)
}

/// FrameBytes returns the direct-mapped byte slice backing frame idx, the
/// simulated-RAM analogue of the teacher's Dmap.
func (c *Coremap) FrameBytes(idx int) []byte {
	return c.ram[idx*PGSIZE : (idx+1)*PGSIZE]
}

/// Frame returns a copy of the frame metadata at idx, for assertions and
/// diagnostics.
func (c *Coremap) Frame(idx int) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[idx]
}

/// FreeCount returns the number of frames currently FREE.
func (c *Coremap) FreeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeCountLocked()
}

func (c *Coremap) freeCountLocked() int {
	n := 0
	for i := range c.frames {
		if c.frames[i].State == FREE {
			n++
		}
	}
	return n
}

func (c *Coremap) firstFitLocked() int {
	for i := range c.frames {
		if c.frames[i].State == FREE {
			return i
		}
	}
	return -1
}

// ensureWatermark must be called with mu held. It invokes the swap
// reclaimer until the free count is restored above LowWatermark, or gives
// up after a bounded number of attempts.
func (c *Coremap) ensureWatermarkLocked(need int) {
	if c.reclaim == nil {
		return
	}
	for attempt := 0; attempt < 4; attempt++ {
		if c.freeCountLocked() >= LowWatermark+need {
			return
		}
		c.mu.Unlock()
		freed := c.reclaim.Reclaim(LowWatermark + need)
		c.mu.Lock()
		if freed == 0 {
			return
		}
	}
}

/// AllocFrame finds a FREE frame, marks it LOCKED, zeroes it, and returns
/// its index still LOCKED — the caller (the vm package, which owns page
/// tables) installs ownership and transitions it to DIRTY once user content
/// is written (spec.md §4.1). owner/va are the weak backpointer; pass a nil
/// owner for a frame with no single owning address space (kernel use).
func (c *Coremap) AllocFrame(owner Owner, va uintptr) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureWatermarkLocked(1)
	idx := c.firstFitLocked()
	if idx < 0 {
		// A single-frame request failing after sweeps is a kernel
		// allocator panic per spec.md §4.1 — there is no graceful
		// out-of-memory path at this layer.
		panic("mem: alloc_frame: coremap exhausted")
	}
	f := &c.frames[idx]
	f.State = LOCKED
	f.Owner = owner
	f.VA = va
	f.Run = 0
	clear(c.FrameBytes(idx))
	c.Stats.Allocs.Inc()
	return idx, 0
}

/// AllocContig finds n contiguous FREE frames, marks each FIXED, and
/// records run length on the first — the kernel-heap allocation path
/// (spec.md §4.1 "alloc_n_frames").
func (c *Coremap) AllocContig(n int) (int, defs.Err_t) {
	if n <= 0 {
		panic("mem: alloc_n_frames: n must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureWatermarkLocked(n)
	start := -1
	run := 0
	for i := range c.frames {
		if c.frames[i].State == FREE {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					c.frames[j].State = FIXED
					c.frames[j].Owner = nil
					c.frames[j].VA = 0
				}
				c.frames[start].Run = n
				for j := start; j < start+n; j++ {
					clear(c.FrameBytes(j))
				}
				return start, 0
			}
		} else {
			run = 0
			start = -1
		}
	}
	panic("mem: alloc_n_frames: no contiguous run available")
}

/// FreeKernelRun releases the entire run of contiguous FIXED frames that
/// starts at idx back to FREE (spec.md §4.1 "free_pages").
func (c *Coremap) FreeKernelRun(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.frames[idx]
	if f.State != FIXED || f.Run == 0 {
		panic("mem: free_pages: not the head of a fixed run")
	}
	n := f.Run
	for j := idx; j < idx+n; j++ {
		if c.frames[j].State != FIXED {
			panic("mem: free_pages: corrupt run")
		}
		c.frames[j].State = FREE
		c.frames[j].Owner = nil
		c.frames[j].VA = 0
		c.frames[j].Run = 0
	}
}

/// FreeUser releases a single user frame back to FREE. It panics if the
/// frame is already FREE (a corrupt coremap is a fatal condition per
/// spec.md §7).
func (c *Coremap) FreeUser(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.frames[idx]
	if f.State == FREE {
		panic("mem: double free of coremap frame")
	}
	f.State = FREE
	f.Owner = nil
	f.VA = 0
	f.Run = 0
	c.Stats.Frees.Inc()
}

/// MarkDirty transitions a LOCKED or CLEAN frame to DIRTY — the caller has
/// just written user content to it.
func (c *Coremap) MarkDirty(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[idx].State = DIRTY
}

/// MarkClean transitions a frame to CLEAN, used after a successful
/// swap-out write (spec.md §4.2 "swap_out").
func (c *Coremap) MarkClean(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[idx].State = CLEAN
}

/// BeginSwapOut transitions a DIRTY frame to SWAPPING_OUT. The caller must
/// already have marked the owning PTE IN_TRANSIT (spec.md §4.2).
func (c *Coremap) BeginSwapOut(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames[idx].State != DIRTY {
		panic("mem: swap_out precondition violated: frame not dirty")
	}
	c.frames[idx].State = SWAPPING_OUT
	c.Stats.SwapOuts.Inc()
}

/// BeginSwapIn marks a freshly allocated frame SWAPPING_IN while the swap
/// engine reads its contents from the backing store.
func (c *Coremap) BeginSwapIn(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[idx].State = SWAPPING_IN
}

/// FinishSwapIn transitions a frame from SWAPPING_IN to CLEAN once its
/// content has been read from the backing store.
func (c *Coremap) FinishSwapIn(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames[idx].State != SWAPPING_IN {
		panic("mem: swap_in postcondition violated")
	}
	c.frames[idx].State = CLEAN
}

/// Evict frees a CLEAN frame that has finished its swap-out write;
/// the caller has already rewritten the owning PTE to ON_DISK
/// (spec.md §4.2 "evict").
func (c *Coremap) Evict(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.frames[idx]
	if f.State != CLEAN {
		panic("mem: evict precondition violated: frame not clean")
	}
	f.State = FREE
	f.Owner = nil
	f.VA = 0
	c.Stats.Evictions.Inc()
}

// ForEachDirty calls fn for the index of every DIRTY frame, in coremap
// order, starting at cursor and wrapping once — the shape the swap engine
// needs for both its round-robin scan and BatchEvictAll
// (spec.md §4.2 "slot selection"). fn returns false to stop early.
func (c *Coremap) ForEachDirty(cursor int, fn func(idx int) bool) {
	c.mu.Lock()
	n := len(c.frames)
	c.mu.Unlock()
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		c.mu.Lock()
		state := c.frames[idx].State
		c.mu.Unlock()
		if state != DIRTY {
			continue
		}
		if !fn(idx) {
			return
		}
	}
}

// StatsString renders the coremap's allocation counters in the
// teacher's Stats2String format, empty when stats.Stats is off.
func (c *Coremap) StatsString() string {
	return stats.Stats2String(c.Stats)
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
