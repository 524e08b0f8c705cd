// Package syscall is the trap frame decoder and handler router (spec.md
// §4.7): it reads the call number out of a fixed trap-frame register,
// validates user pointers via internal/usercopy, and routes to the
// process-table, fd, and address-space operations those packages
// implement. It is this kernel's analogue of the teacher's
// syscall.Syscall_t dispatch table, narrowed to the seventeen calls
// spec.md §6 names.
package syscall

import (
	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/proc"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
)

var log = logrus.WithField("pkg", "syscall")

/// Dispatcher routes a decoded trap frame to its syscall handler.
type Dispatcher struct {
	Procs *proc.Table
}

/// New wires a dispatcher to the given process table.
func New(procs *proc.Table) *Dispatcher {
	return &Dispatcher{Procs: procs}
}

// Dispatch decodes tf's syscall number, invokes the matching handler,
// writes the return convention into tf, and advances the program
// counter past the trap instruction (spec.md §4.7). Before and after
// every call it asserts the thread holds no spinlock — the kernel's
// single most important correctness invariant (spec.md §4.7, §7
// "Fatal conditions: syscall handler returning with a held lock").
// The time spent inside the handler is charged to p's system-time
// accounting (SPEC_FULL.md §3 "Per-process CPU accounting").
func (d *Dispatcher) Dispatch(p *proc.Process, tf *trapframe.TrapFrame) {
	assertClean(p)
	defer assertClean(p)

	start := p.Accnt.Now()
	defer p.Accnt.Finish(start)

	if tf.Syscall() == defs.SYS_EXECV {
		d.sysExecv(p, tf)
		return
	}

	lo, hi, failed := d.call(p, tf)
	tf.SetReturn(lo, hi, failed)
	tf.AdvancePC()
}

func assertClean(p *proc.Process) {
	if p.SpinDepth != 0 {
		panic("syscall: dispatcher invariant violated: thread holds a spinlock across a syscall boundary")
	}
}

func (d *Dispatcher) call(p *proc.Process, tf *trapframe.TrapFrame) (lo, hi uint32, failed bool) {
	sysno := tf.Syscall()
	switch sysno {
	case defs.SYS_REBOOT:
		return d.sysReboot()
	case defs.SYS_TIME:
		return d.sysTime()
	case defs.SYS_SBRK:
		return d.sysSbrk(p, tf)
	case defs.SYS_OPEN:
		return d.sysOpen(p, tf)
	case defs.SYS_WRITE:
		return d.sysWrite(p, tf)
	case defs.SYS_READ:
		return d.sysRead(p, tf)
	case defs.SYS_CLOSE:
		return d.sysClose(p, tf)
	case defs.SYS_LSEEK:
		return d.sysLseek(p, tf)
	case defs.SYS_DUP2:
		return d.sysDup2(p, tf)
	case defs.SYS_CHDIR:
		return d.sysChdir(p, tf)
	case defs.SYS_GETCWD:
		return d.sysGetcwd(p, tf)
	case defs.SYS_REMOVE:
		return d.sysRemove(p, tf)
	case defs.SYS_GETPID:
		return d.sysGetpid(p)
	case defs.SYS_EXIT:
		return d.sysExit(p, tf)
	case defs.SYS_WAITPID:
		return d.sysWaitpid(p, tf)
	case defs.SYS_FORK:
		return d.sysFork(p, tf)
	default:
		log.WithField("sysno", sysno).Warn("no such syscall")
		return errRet(-defs.ENOSYS)
	}
}

func errRet(e defs.Err_t) (uint32, uint32, bool) {
	return uint32(-e), 0, true
}

func okRet(lo uint32) (uint32, uint32, bool) {
	return lo, 0, false
}

func okRet64(lo, hi uint32) (uint32, uint32, bool) {
	return lo, hi, false
}
