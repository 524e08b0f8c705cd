// Package fd implements the per-process file-descriptor table: shared,
// refcounted file handles with an offset lock serializing I/O against
// each handle (spec.md §4.6), adapted from the teacher's Fd_t/Cwd_t
// down to this kernel's open/read/write/seek/close/dup2 surface.
package fd

import (
	"sync"

	"github.com/biscuit-teach/miniswap/internal/bpath"
	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fdops"
	"github.com/biscuit-teach/miniswap/internal/ustr"
	"github.com/biscuit-teach/miniswap/internal/vfs"
)

/// OPEN_MAX is the length of a process's fd table (spec.md §4.6
/// "TOO_MANY_OPEN").
const OPEN_MAX = 64

/// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

/// Handle is a file handle shared by every fd table entry that points
/// at it (spec.md §4.6 "dup2"/"fork duplicates fd entries"). OffLock
/// serializes the offset-dependent I/O operations against it, the
/// outermost-but-one lock level in the kernel's hierarchy (spec.md §5
/// level 2).
type Handle struct {
	OffLock sync.Mutex

	Fops  fdops.Fdops_i
	Perms int

	mu    sync.Mutex
	count int
}

func newHandle(fops fdops.Fdops_i, perms int) *Handle {
	return &Handle{Fops: fops, Perms: perms, count: 1}
}

/// Dup bumps the handle's refcount and returns it, the shared-handle
/// path fork and dup2 both use.
func (h *Handle) Dup() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return h
}

/// Table is a process's array of OPEN_MAX file descriptors plus its
/// current working directory.
type Table struct {
	mu      sync.Mutex
	entries [OPEN_MAX]*Handle
	Cwd     *Cwd
}

/// NewTable returns an empty fd table.
func NewTable() *Table {
	return &Table{}
}

func (t *Table) allocLocked() (int, defs.Err_t) {
	for i, h := range t.entries {
		if h == nil {
			return i, 0
		}
	}
	return -1, -defs.EMFILE
}

/// Open implements the open(2) syscall body (spec.md §4.6 "open"):
/// validate, allocate a free fd, resolve the path through v, and handle
/// O_APPEND/O_TRUNC.
func (t *Table) Open(v *vfs.VFS, path string, flags int) (int, defs.Err_t) {
	if path == "" {
		return -1, -defs.EINVAL
	}
	mode := flags & 0x3
	if mode != defs.O_RDONLY && mode != defs.O_WRONLY && mode != defs.O_RDWR {
		return -1, -defs.EINVAL
	}

	t.mu.Lock()
	fdnum, err := t.allocLocked()
	if err != 0 {
		t.mu.Unlock()
		return -1, err
	}
	t.entries[fdnum] = &reserved // claim the slot while we open, below
	t.mu.Unlock()

	fops, err := v.Open(path, flags)
	if err != 0 {
		t.mu.Lock()
		t.entries[fdnum] = nil
		t.mu.Unlock()
		return -1, err
	}

	perms := 0
	if mode == defs.O_RDONLY || mode == defs.O_RDWR {
		perms |= FD_READ
	}
	if mode == defs.O_WRONLY || mode == defs.O_RDWR {
		perms |= FD_WRITE
	}
	h := newHandle(fops, perms)

	if flags&defs.O_APPEND != 0 {
		var st fdops.Stat_t
		if err := fops.Fstat(&st); err != 0 {
			t.mu.Lock()
			t.entries[fdnum] = nil
			t.mu.Unlock()
			return -1, err
		}
		if _, err := fops.Lseek(int(st.Size), defs.SEEK_SET); err != 0 {
			t.mu.Lock()
			t.entries[fdnum] = nil
			t.mu.Unlock()
			return -1, err
		}
	} else if flags&defs.O_TRUNC != 0 {
		fops.Lseek(0, defs.SEEK_SET)
	}

	t.mu.Lock()
	t.entries[fdnum] = h
	t.mu.Unlock()
	return fdnum, 0
}

// reserved is a sentinel handle value used only to claim an fd slot
// between allocation and the backing object finishing its open, so a
// concurrent Open cannot pick the same index (spec.md §4.6 "open").
var reserved Handle

func (t *Table) get(fdnum int) (*Handle, defs.Err_t) {
	if fdnum < 0 || fdnum >= OPEN_MAX {
		return nil, -defs.EBADF
	}
	t.mu.Lock()
	h := t.entries[fdnum]
	t.mu.Unlock()
	if h == nil {
		return nil, -defs.EBADF
	}
	return h, 0
}

/// Read implements read(2): validates fdnum, locks the handle's offset
/// lock across the call so the offset advance is atomic (spec.md §4.6).
func (t *Table) Read(fdnum int, p []byte) (int, defs.Err_t) {
	h, err := t.get(fdnum)
	if err != 0 {
		return 0, err
	}
	if h.Perms&FD_READ == 0 {
		return 0, -defs.EPERM
	}
	h.OffLock.Lock()
	defer h.OffLock.Unlock()
	return h.Fops.Read(p)
}

/// Write implements write(2), under the same offset-lock discipline as
/// Read.
func (t *Table) Write(fdnum int, p []byte) (int, defs.Err_t) {
	h, err := t.get(fdnum)
	if err != 0 {
		return 0, err
	}
	if h.Perms&FD_WRITE == 0 {
		return 0, -defs.EPERM
	}
	h.OffLock.Lock()
	defer h.OffLock.Unlock()
	return h.Fops.Write(p)
}

/// Seek implements lseek(2): rejects a negative resulting offset and
/// non-seekable devices (spec.md §4.6 "seek").
func (t *Table) Seek(fdnum int, off int, whence int) (int, defs.Err_t) {
	h, err := t.get(fdnum)
	if err != 0 {
		return 0, err
	}
	h.OffLock.Lock()
	defer h.OffLock.Unlock()
	n, err := h.Fops.Lseek(off, whence)
	if err != 0 {
		return 0, err
	}
	if n < 0 {
		return 0, -defs.EINVAL
	}
	return n, 0
}

/// Close implements close(2): decrements the handle's refcount, calling
/// vfs_close exactly once at zero, and always clears the fd slot
/// (spec.md §4.6 "close").
func (t *Table) Close(fdnum int) defs.Err_t {
	if fdnum < 0 || fdnum >= OPEN_MAX {
		return -defs.EBADF
	}
	t.mu.Lock()
	h := t.entries[fdnum]
	t.entries[fdnum] = nil
	t.mu.Unlock()
	if h == nil {
		return -defs.EBADF
	}

	h.mu.Lock()
	h.count--
	last := h.count == 0
	h.mu.Unlock()
	if last {
		return h.Fops.Close()
	}
	return 0
}

/// Dup2 implements dup2(2): a no-op when old == new; otherwise closes
/// new if open and installs old's handle there with a bumped refcount
/// (spec.md §4.6 "dup2").
func (t *Table) Dup2(oldfd, newfd int) defs.Err_t {
	if oldfd == newfd {
		if _, err := t.get(oldfd); err != 0 {
			return err
		}
		return 0
	}
	oh, err := t.get(oldfd)
	if err != 0 {
		return err
	}
	if newfd < 0 || newfd >= OPEN_MAX {
		return -defs.EBADF
	}

	if _, err := t.get(newfd); err == 0 {
		t.Close(newfd)
	}

	t.mu.Lock()
	t.entries[newfd] = oh.Dup()
	t.mu.Unlock()
	return 0
}

// InstallConsole installs three handles sharing the console vnode at
// fds 0/1/2, so the first user process inherits working standard
// streams (spec.md §4.6 "Console bootstrap").
func (t *Table) InstallConsole(v *vfs.VFS) defs.Err_t {
	fops, err := v.Open("con:", defs.O_RDWR)
	if err != 0 {
		return err
	}
	// One device reference for each of the two extra handles.
	fops.Reopen()
	fops.Reopen()
	t.mu.Lock()
	t.entries[0] = newHandle(fops, FD_READ)
	t.entries[1] = newHandle(fops, FD_WRITE)
	t.entries[2] = newHandle(fops, FD_WRITE)
	t.mu.Unlock()
	return 0
}

/// CopyTable duplicates every non-nil entry into a fresh table, bumping
/// each shared handle's refcount — fork's fd-table step (spec.md §4.5
/// step 4).
func (t *Table) CopyTable() *Table {
	nt := &Table{}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Cwd != nil {
		nt.Cwd = &Cwd{Path: append(ustr.Ustr{}, t.Cwd.Getcwd()...)}
	}
	for i, h := range t.entries {
		if h != nil {
			nt.entries[i] = h.Dup()
		}
	}
	return nt
}

/// Cwd tracks the current working directory for a process.
type Cwd struct {
	mu   sync.Mutex
	Path ustr.Ustr
}

/// MkRootCwd constructs a Cwd rooted at "/".
func MkRootCwd() *Cwd {
	return &Cwd{Path: ustr.MkUstrRoot()}
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd) Fullpath(p ustr.Ustr) ustr.Ustr {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	full := append(ustr.Ustr{}, cwd.Path...)
	full = append(full, '/')
	return append(full, p...)
}

/// Canonicalpath resolves path components relative to cwd.
func (cwd *Cwd) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(cwd.Fullpath(p))
}

/// Chdir updates the working directory to the canonicalized path.
func (cwd *Cwd) Chdir(p ustr.Ustr) {
	np := cwd.Canonicalpath(p)
	cwd.mu.Lock()
	cwd.Path = np
	cwd.mu.Unlock()
}

/// Getcwd returns the current working directory.
func (cwd *Cwd) Getcwd() ustr.Ustr {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	return cwd.Path
}
