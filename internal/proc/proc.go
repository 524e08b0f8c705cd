// Package proc implements the process table: PID allocation, fork,
// waitpid, exit, and the execv replace-address-space operation
// (spec.md §4.5), adapted from the teacher's proc.Proc_t/Proc_t-table
// design down to this kernel's single-threaded-per-process model (this
// simulation gives each process exactly one kernel thread, so the
// teacher's per-process thread-group bookkeeping collapses into the
// Process struct itself).
package proc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/accnt"
	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fd"
	"github.com/biscuit-teach/miniswap/internal/limits"
	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/swap"
	"github.com/biscuit-teach/miniswap/internal/tinfo"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
	"github.com/biscuit-teach/miniswap/internal/vfs"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

var log = logrus.WithField("pkg", "proc")

/// State is a process's position in its lifecycle.
type State int

const (
	RUNNABLE State = iota
	ZOMBIE
)

/// Process is one schedulable unit: its address space, fd table,
/// cwd, and the bookkeeping fork/wait/exit mutate (spec.md §3
/// "Process" / §4.5).
type Process struct {
	Pid  defs.Pid_t
	Ppid defs.Pid_t
	Tid  defs.Tid_t

	mu         sync.Mutex
	state      State
	exitStatus int

	waitMu sync.Mutex
	waitCv *sync.Cond
	exited bool

	AS  *vm.AddressSpace
	TLB *vm.TLB
	Fds *fd.Table

	Accnt accnt.Accnt_t

	// SpinDepth counts spinlock-style locks this process's thread
	// currently holds. The syscall dispatcher asserts it is zero at
	// every syscall boundary (spec.md §4.7, §5): a nonzero value there
	// is a kernel bug, not a recoverable error.
	SpinDepth int32

	// RunFn, if set, is invoked in a new goroutine to simulate the
	// thread fork starts in the child: restoring the trap frame and
	// entering user mode (spec.md §4.5 step 5). This kernel has no real
	// user-mode execution loop to resume, so wiring a concrete handler
	// here is the harness's job — tests call it directly instead.
	RunFn func(p *Process, tf *trapframe.TrapFrame)

	// EntryFrame is the trap frame a process's thread starts executing
	// from: PC at the loaded program's entry point, SP at its initial
	// stack top (spec.md §4.8). CreateInit leaves it nil; the bootstrap
	// package fills it in once the loader has run.
	EntryFrame *trapframe.TrapFrame
}

func newProcess(pid, ppid defs.Pid_t, tid defs.Tid_t) *Process {
	p := &Process{Pid: pid, Ppid: ppid, Tid: tid, state: RUNNABLE}
	p.waitCv = sync.NewCond(&p.waitMu)
	return p
}

/// Table is the PID-indexed process table (spec.md §4.5).
type Table struct {
	mu      sync.Mutex
	procs   map[defs.Pid_t]*Process
	nextPid defs.Pid_t
	threads tinfo.Threadinfo_t
	cm      *mem.Coremap
	swap    *swap.Engine
	vfs     *vfs.VFS
}

/// NewTable creates an empty process table wired to the given coremap,
/// swap engine, and VFS namespace, used by fork/copy and execv/loader
/// respectively.
func NewTable(cm *mem.Coremap, se *swap.Engine, v *vfs.VFS) *Table {
	t := &Table{procs: make(map[defs.Pid_t]*Process), nextPid: defs.FIRST_PID, cm: cm, swap: se, vfs: v}
	t.threads.Init()
	return t
}

// reapOrphansLocked destroys every ZOMBIE process parented to init, the
// cleanup every allocation sweep performs before searching for a free
// slot (spec.md §4.5 "Init ... reaping orphans").
func (t *Table) reapOrphansLocked() {
	for pid, p := range t.procs {
		p.mu.Lock()
		dead := p.state == ZOMBIE && p.Ppid == defs.INIT_PID
		p.mu.Unlock()
		if dead {
			delete(t.procs, pid)
		}
	}
}

// CreateInit installs the init process directly, bypassing fork — the
// bootstrap path's only process creation that isn't a fork (spec.md §2
// "System overview").
func (t *Table) CreateInit(as *vm.AddressSpace, tlb *vm.TLB) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := newProcess(defs.INIT_PID, defs.NO_PROC, defs.Tid_t(defs.INIT_PID))
	p.AS = as
	p.TLB = tlb
	p.Fds = fd.NewTable()
	p.Fds.Cwd = fd.MkRootCwd()
	t.procs[defs.INIT_PID] = p
	if t.nextPid <= defs.INIT_PID {
		t.nextPid = defs.INIT_PID + 1
	}
	t.threads.Put(p.Tid, &tinfo.Tnote_t{Alive: true})
	return p
}

func (t *Table) allocPidLocked() (defs.Pid_t, defs.Err_t) {
	t.reapOrphansLocked()
	if len(t.procs) >= limits.Syslimit.Sysprocs {
		return defs.NO_PROC, -defs.EAGAIN
	}
	for {
		pid := t.nextPid
		t.nextPid++
		if _, used := t.procs[pid]; !used {
			return pid, 0
		}
	}
}

/// Fork implements the fork(trap_frame) operation (spec.md §4.5):
/// clones the trap frame, allocates a process slot, copies the address
/// space and fd table, and starts the child's thread.
func (t *Table) Fork(parent *Process, tf *trapframe.TrapFrame) (defs.Pid_t, defs.Err_t) {
	childTf := tf.Clone()

	t.mu.Lock()
	pid, err := t.allocPidLocked()
	if err != 0 {
		t.mu.Unlock()
		return defs.NO_PROC, err
	}
	child := newProcess(pid, parent.Pid, defs.Tid_t(pid))
	t.procs[pid] = child
	t.mu.Unlock()

	childAS, err := parent.AS.Copy(t.swap)
	if err != 0 {
		t.mu.Lock()
		delete(t.procs, pid)
		t.mu.Unlock()
		return defs.NO_PROC, err
	}
	child.AS = childAS
	child.TLB = vm.NewTLB(parent.TLB.Size())
	child.Fds = parent.Fds.CopyTable()

	t.threads.Put(child.Tid, &tinfo.Tnote_t{Alive: true})

	childTf.PrepareForked()
	if parent.RunFn != nil {
		child.RunFn = parent.RunFn
		go child.RunFn(child, childTf)
	}

	log.WithField("child", pid).WithField("parent", parent.Pid).Info("fork")
	return pid, 0
}

/// Waitpid implements waitpid(pid, options) (spec.md §4.5): validates
/// options and the caller/child relationship, then blocks until the
/// child is a zombie, collects its exit status, and destroys its slot.
func (t *Table) Waitpid(caller *Process, pid defs.Pid_t, options int) (int, defs.Err_t) {
	if options != defs.WAIT_ANY {
		return 0, -defs.EINVAL
	}

	t.mu.Lock()
	child, ok := t.procs[pid]
	t.mu.Unlock()
	if !ok {
		return 0, -defs.ESRCH
	}
	if child.Ppid != caller.Pid {
		return 0, -defs.ECHILD
	}

	child.waitMu.Lock()
	for !child.exited {
		child.waitCv.Wait()
	}
	status := child.exitStatus
	child.waitMu.Unlock()

	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
	t.threads.Remove(child.Tid)

	return status, 0
}

/// Exit implements exit(code) (spec.md §4.5): reparents every child to
/// init, stores the exit code, wakes any waiter, and marks the process
/// a zombie.
func (t *Table) Exit(p *Process, code int) {
	t.mu.Lock()
	for _, c := range t.procs {
		c.mu.Lock()
		if c.Ppid == p.Pid {
			c.Ppid = defs.INIT_PID
		}
		c.mu.Unlock()
	}
	t.mu.Unlock()

	p.mu.Lock()
	p.exitStatus = defs.EncodeExit(code)
	p.state = ZOMBIE
	p.mu.Unlock()

	p.waitMu.Lock()
	p.exited = true
	p.waitCv.Broadcast()
	p.waitMu.Unlock()

	if note, ok := t.threads.Get(p.Tid); ok {
		note.Lock()
		note.Alive = false
		note.Unlock()
	}
	log.WithField("pid", p.Pid).WithField("code", code).Info("exit")
}

/// VFS returns the namespace this table's processes resolve paths
/// against — the syscall dispatcher's way to reach vfs.VFS without
/// owning it directly.
func (t *Table) VFS() *vfs.VFS {
	return t.vfs
}

/// Count returns the number of live process table entries, the
/// internal/vfs stat device's process-count field (SPEC_FULL.md §3).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

/// Get looks up a process by pid.
func (t *Table) Get(pid defs.Pid_t) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}
