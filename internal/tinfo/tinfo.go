// Package tinfo tracks per-kernel-thread state: whether a thread is
// alive, killed, or doomed, and the condition a waiter parks on to be
// woken by a kill (spec.md §5 "Cancellation"). The teacher identified
// the calling thread through a custom runtime TLS hook (runtime.Gptr /
// runtime.Setgptr); stock Go has no such hook, so threads here are
// identified explicitly by Tid_t and looked up in a registry rather
// than recovered from hidden per-goroutine storage.
package tinfo

import (
	"sync"

	"github.com/biscuit-teach/miniswap/internal/defs"
)

/// Tnote_t stores one kernel thread's liveness and kill state.
type Tnote_t struct {
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t is the registry of every live thread note, keyed by
/// Tid_t — the explicit replacement for the teacher's implicit
/// current-thread TLS pointer.
type Threadinfo_t struct {
	mu    sync.Mutex
	Notes map[defs.Tid_t]*Tnote_t
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

/// Put registers a thread note under tid — the explicit substitute for
/// the teacher's "SetCurrent" TLS write.
func (t *Threadinfo_t) Put(tid defs.Tid_t, note *Tnote_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Notes == nil {
		t.Notes = make(map[defs.Tid_t]*Tnote_t)
	}
	t.Notes[tid] = note
}

/// Get looks up the thread note for tid — the explicit substitute for
/// the teacher's "Current" TLS read. The caller must already know its
/// own Tid_t, threaded explicitly through the call chain rather than
/// recovered from a hidden pointer.
func (t *Threadinfo_t) Get(tid defs.Tid_t) (*Tnote_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.Notes[tid]
	return n, ok
}

/// Remove drops tid's thread note once the thread has exited.
func (t *Threadinfo_t) Remove(tid defs.Tid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.Notes, tid)
}
