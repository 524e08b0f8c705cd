package swap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-teach/miniswap/internal/mem"
)

// memStore is an in-memory BackingStore for tests, growing on demand.
type memStore struct {
	data []byte
}

func (m *memStore) ensure(n int64) {
	if int64(len(m.data)) < n {
		grown := make([]byte, n)
		copy(grown, m.data)
		m.data = grown
	}
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	n := copy(m.data[off:], p)
	return n, nil
}

// failStore always fails writes, to exercise the I/O-error path.
type failStore struct{}

func (failStore) ReadAt(p []byte, off int64) (int, error)  { return 0, errors.New("boom") }
func (failStore) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("boom") }

type fakeAS struct {
	id  uintptr
	ptes map[uintptr]string // va -> "in_mem"/"on_disk"/"in_transit"
	slot map[uintptr]int
	frame map[uintptr]int
}

func newFakeAS(id uintptr) *fakeAS {
	return &fakeAS{id: id, ptes: map[uintptr]string{}, slot: map[uintptr]int{}, frame: map[uintptr]int{}}
}

func (a *fakeAS) MarkInTransit(va uintptr)        { a.ptes[va] = "in_transit" }
func (a *fakeAS) MarkOnDisk(va uintptr, slot int) { a.ptes[va] = "on_disk"; a.slot[va] = slot }
func (a *fakeAS) MarkInMem(va uintptr, frameIdx int) {
	a.ptes[va] = "in_mem"
	a.frame[va] = frameIdx
}
func (a *fakeAS) SwapID() uintptr { return a.id }

func TestSwapOutEvictSwapInRoundTrip(t *testing.T) {
	cm := mem.NewCoremap(4, 0)
	store := &memStore{}
	e := NewEngine(8, store, cm)
	as := newFakeAS(42)

	idx, _ := cm.AllocFrame(as, 0x2000)
	copy(cm.FrameBytes(idx), []byte("hello swap"))
	cm.MarkDirty(idx)

	as.MarkInTransit(0x2000)
	cm.BeginSwapOut(idx)
	require.Zero(t, e.SwapOut(idx, as.SwapID(), 0x2000))
	e.Evict(idx, as.SwapID(), 0x2000)

	require.Equal(t, "on_disk", as.ptes[0x2000])
	require.Equal(t, mem.FREE, cm.Frame(idx).State)

	// swap back in to a freshly allocated frame
	idx2, _ := cm.AllocFrame(as, 0x2000)
	cm.BeginSwapIn(idx2)
	require.Zero(t, e.SwapIn(as, as.SwapID(), 0x2000, idx2))
	require.Equal(t, "in_mem", as.ptes[0x2000])
	require.Equal(t, "hello swap", string(cm.FrameBytes(idx2)[:10]))
}

func TestSwapOutIOErrorPropagates(t *testing.T) {
	cm := mem.NewCoremap(2, 0)
	e := NewEngine(4, failStore{}, cm)
	as := newFakeAS(1)
	idx, _ := cm.AllocFrame(as, 0x1000)
	cm.MarkDirty(idx)
	as.MarkInTransit(0x1000)
	cm.BeginSwapOut(idx)
	err := e.SwapOut(idx, as.SwapID(), 0x1000)
	require.NotZero(t, err)
}

func TestOutOfSlotsPanics(t *testing.T) {
	cm := mem.NewCoremap(4, 0)
	e := NewEngine(1, &memStore{}, cm)
	as := newFakeAS(7)

	idx, _ := cm.AllocFrame(as, 0x1000)
	cm.MarkDirty(idx)
	as.MarkInTransit(0x1000)
	cm.BeginSwapOut(idx)
	require.Zero(t, e.SwapOut(idx, as.SwapID(), 0x1000))
	e.Evict(idx, as.SwapID(), 0x1000)

	idx2, _ := cm.AllocFrame(as, 0x2000)
	cm.MarkDirty(idx2)
	as.MarkInTransit(0x2000)
	cm.BeginSwapOut(idx2)
	require.Panics(t, func() { e.SwapOut(idx2, as.SwapID(), 0x2000) })
}

func TestReclaimEvictsDirtyFramesOnly(t *testing.T) {
	cm := mem.NewCoremap(6, 0)
	e := NewEngine(8, &memStore{}, cm)
	as := newFakeAS(9)

	// 3 dirty frames, plus one left LOCKED (never marked dirty) that
	// reclaim must not touch. The reclaimer is wired up afterwards so the
	// allocations themselves do not trigger eviction.
	for i := 0; i < 3; i++ {
		idx, _ := cm.AllocFrame(as, uintptr(i*mem.PGSIZE))
		cm.MarkDirty(idx)
	}
	lockedIdx, _ := cm.AllocFrame(as, uintptr(3*mem.PGSIZE))
	cm.SetReclaimer(e)
	freed := e.Reclaim(2)
	require.GreaterOrEqual(t, freed, 2)
	require.GreaterOrEqual(t, cm.FreeCount(), 2)
	require.Equal(t, mem.LOCKED, cm.Frame(lockedIdx).State)
}

func TestCleanSwapfileReleasesSlot(t *testing.T) {
	cm := mem.NewCoremap(2, 0)
	e := NewEngine(2, &memStore{}, cm)
	as := newFakeAS(3)
	idx, _ := cm.AllocFrame(as, 0x3000)
	cm.MarkDirty(idx)
	as.MarkInTransit(0x3000)
	cm.BeginSwapOut(idx)
	e.SwapOut(idx, as.SwapID(), 0x3000)
	e.Evict(idx, as.SwapID(), 0x3000)

	e.CleanSwapfile(as.SwapID(), 0x3000)
	require.Equal(t, -1, e.findSlotLocked(as.SwapID(), 0x3000))
}

func TestBatchEvictAll(t *testing.T) {
	cm := mem.NewCoremap(5, 0)
	e := NewEngine(8, &memStore{}, cm)
	as := newFakeAS(11)
	for i := 0; i < 4; i++ {
		idx, _ := cm.AllocFrame(as, uintptr(i*mem.PGSIZE))
		cm.MarkDirty(idx)
	}
	freed := e.BatchEvictAll()
	require.Equal(t, 4, freed)
	require.Equal(t, 5, cm.FreeCount())
}
