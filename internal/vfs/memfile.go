package vfs

import (
	"sync"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fdops"
)

/// inode is the shared, refcounted backing store for one in-memory
/// file — the pack's stand-in for biscuit's on-disk inode, sized down
/// to what this kernel's regular-file Non-goals still require (spec.md
/// Non-goals exclude a real on-disk filesystem; a name-addressed byte
/// blob is the minimum a program loader and execv need to open a
/// program image from).
type inode struct {
	mu   sync.Mutex
	data []byte
	refs int
}

/// MemFile is a per-open-instance handle onto an inode: it carries its
/// own cursor, the way a real vnode handle would, while sharing content
/// with every other handle onto the same inode.
type MemFile struct {
	mu  sync.Mutex
	ino *inode
	off int
}

func newInode(data []byte) *inode {
	return &inode{data: data, refs: 1}
}

func (f *MemFile) Read(p []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	if f.off >= len(f.ino.data) {
		return 0, 0
	}
	n := copy(p, f.ino.data[f.off:])
	f.off += n
	return n, 0
}

func (f *MemFile) Write(p []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	end := f.off + len(p)
	if end > len(f.ino.data) {
		grown := make([]byte, end)
		copy(grown, f.ino.data)
		f.ino.data = grown
	}
	n := copy(f.ino.data[f.off:end], p)
	f.off += n
	return n, 0
}

func (f *MemFile) Fstat(st *fdops.Stat_t) defs.Err_t {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	st.Size = uint(len(f.ino.data))
	st.Mode = 0
	return 0
}

func (f *MemFile) Lseek(off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ino.mu.Lock()
	size := len(f.ino.data)
	f.ino.mu.Unlock()

	var next int
	switch whence {
	case defs.SEEK_SET:
		next = off
	case defs.SEEK_CUR:
		next = f.off + off
	case defs.SEEK_END:
		next = size + off
	default:
		return 0, -defs.EINVAL
	}
	if next < 0 {
		return 0, -defs.EINVAL
	}
	f.off = next
	return next, 0
}

func (f *MemFile) Reopen() defs.Err_t {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	f.ino.refs++
	return 0
}

func (f *MemFile) Close() defs.Err_t {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	f.ino.refs--
	return 0
}
