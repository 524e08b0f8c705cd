// Package fdops declares the capability interface a file descriptor's
// backing object implements: a console stream, an in-memory file, or
// (in a fuller build) a disk-backed vnode. Routing fd.Fd_t calls
// through this interface, rather than a concrete vnode type, is the
// same seam the teacher's fd.Fd_t uses to stay agnostic of what kind
// of file a descriptor actually names.
package fdops

import "github.com/biscuit-teach/miniswap/internal/defs"

/// Fdops_i is implemented by whatever a file descriptor actually names.
/// Every method returns a defs.Err_t in the kernel's negative-on-failure
/// convention (spec.md §7).
type Fdops_i interface {
	// Read copies up to len(p) bytes starting at the handle's current
	// offset into p, returning the number of bytes read (spec.md §4.6).
	Read(p []byte) (int, defs.Err_t)
	// Write copies p to the handle's current offset, returning the
	// number of bytes written.
	Write(p []byte) (int, defs.Err_t)
	// Fstat fills st with this object's metadata.
	Fstat(st *Stat_t) defs.Err_t
	// Lseek repositions the handle's notion of "current offset" for
	// seekable objects; non-seekable objects return -defs.ESPIPE.
	Lseek(off int, whence int) (int, defs.Err_t)
	// Close releases any resource this object privately holds. It is
	// called exactly once, when a handle's open count reaches zero.
	Close() defs.Err_t
	// Reopen increments whatever reference count backs this object. The
	// VFS calls it when a shared device is opened again; fork's fd-table
	// copy and dup2 share handles through Handle.Dup instead.
	Reopen() defs.Err_t
}

/// Stat_t mirrors the subset of file metadata the kernel's stat/fstat
/// surface exposes.
type Stat_t struct {
	Dev   uint
	Ino   uint
	Mode  uint
	Size  uint
	Rdev  uint
}
