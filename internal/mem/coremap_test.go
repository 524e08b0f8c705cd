package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOwner struct{}

func (fakeOwner) MarkInTransit(va uintptr)           {}
func (fakeOwner) MarkOnDisk(va uintptr, slot int)    {}
func (fakeOwner) MarkInMem(va uintptr, frameIdx int) {}
func (fakeOwner) SwapID() uintptr                    { return 1 }

var owner1 Owner = fakeOwner{}

func TestAllocFrameFirstFit(t *testing.T) {
	c := NewCoremap(8, 2)
	require.Equal(t, 6, c.FreeCount())

	idx, err := c.AllocFrame(owner1, 0x1000)
	require.Zero(t, err)
	require.Equal(t, 2, idx) // first two frames are FIXED prefix
	require.Equal(t, LOCKED, c.Frame(idx).State)
	require.Equal(t, 5, c.FreeCount())
}

func TestAllocFrameZeroesContent(t *testing.T) {
	c := NewCoremap(4, 0)
	idx, _ := c.AllocFrame(owner1, 0)
	b := c.FrameBytes(idx)
	b[0] = 0xff
	c.FreeUser(idx)

	idx2, _ := c.AllocFrame(owner1, 0)
	require.Equal(t, idx, idx2)
	require.Equal(t, byte(0), c.FrameBytes(idx2)[0])
}

func TestDoubleFreePanics(t *testing.T) {
	c := NewCoremap(4, 0)
	idx, _ := c.AllocFrame(owner1, 0)
	c.FreeUser(idx)
	require.Panics(t, func() { c.FreeUser(idx) })
}

func TestAllocContigRun(t *testing.T) {
	c := NewCoremap(8, 0)
	idx, err := c.AllocContig(3)
	require.Zero(t, err)
	require.Equal(t, FIXED, c.Frame(idx).State)
	require.Equal(t, 3, c.Frame(idx).Run)
	require.Equal(t, FIXED, c.Frame(idx+1).State)
	require.Equal(t, 5, c.FreeCount())

	c.FreeKernelRun(idx)
	require.Equal(t, 8, c.FreeCount())
}

func TestAllocContigNoRunPanics(t *testing.T) {
	c := NewCoremap(4, 0)
	// fragment free space: fixed, free, locked, free
	a, _ := c.AllocContig(1)
	_ = a
	b, _ := c.AllocFrame(owner1, 0) // frame 1
	c.AllocFrame(owner1, 0)         // locks frame 2
	c.FreeUser(b)                   // frame 1 free again
	require.Panics(t, func() { c.AllocContig(2) })
}

type countingReclaimer struct{ n int }

func (r *countingReclaimer) Reclaim(need int) int {
	r.n++
	return 0
}

func TestAllocFrameExhaustedPanicsAfterReclaimGivesUp(t *testing.T) {
	c := NewCoremap(LowWatermark, 0)
	r := &countingReclaimer{}
	c.SetReclaimer(r)
	// allocate everything to push below the watermark repeatedly
	for i := 0; i < LowWatermark; i++ {
		c.AllocFrame(owner1, 0)
	}
	require.Panics(t, func() { c.AllocFrame(owner1, 0) })
	require.Greater(t, r.n, 0)
}

func TestForEachDirtyWrapsFromCursor(t *testing.T) {
	c := NewCoremap(4, 0)
	for i := 0; i < 4; i++ {
		idx, _ := c.AllocFrame(owner1, 0)
		c.MarkDirty(idx)
	}
	var seen []int
	c.ForEachDirty(2, func(idx int) bool {
		seen = append(seen, idx)
		return true
	})
	require.Equal(t, []int{2, 3, 0, 1}, seen)
}
