package syscall

import (
	"time"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/proc"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
	"github.com/biscuit-teach/miniswap/internal/ustr"
	"github.com/biscuit-teach/miniswap/internal/usercopy"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

// sysReboot is a stub: this kernel's only real "reboot" is a panic
// (SPEC_FULL.md §3 "reboot is a no-op stub returning success").
func (d *Dispatcher) sysReboot() (uint32, uint32, bool) {
	return okRet(0)
}

// sysTime returns the host's wall-clock time in Unix seconds
// (SPEC_FULL.md §3 "__time").
func (d *Dispatcher) sysTime() (uint32, uint32, bool) {
	now := time.Now().Unix()
	return okRet(uint32(now))
}

// sysSbrk implements sbrk(delta) (spec.md §9 "sbrk alignment": rounds
// to page size, not 4 bytes, delegating page installation to the fault
// handler rather than allocating eagerly).
func (d *Dispatcher) sysSbrk(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	delta := int(int32(tf.Arg(0)))
	old, err := p.AS.GrowHeap(delta)
	if err != 0 {
		return errRet(err)
	}
	return okRet(uint32(old))
}

// sysOpen implements open(path, flags) (spec.md §4.6 "open").
func (d *Dispatcher) sysOpen(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	path, err := usercopy.InStr(p.AS, p.TLB, uintptr(tf.Arg(0)), defs.PATH_MAX)
	if err != 0 {
		return errRet(err)
	}
	flags := int(tf.Arg(1))
	fdnum, err := p.Fds.Open(d.Procs.VFS(), path, flags)
	if err != 0 {
		return errRet(err)
	}
	return okRet(uint32(fdnum))
}

// sysWrite implements write(fd, buf, n) (spec.md §4.6 "read/write").
func (d *Dispatcher) sysWrite(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	fdnum := int(tf.Arg(0))
	va := uintptr(tf.Arg(1))
	n := int(tf.Arg(2))

	if err := usercopy.Probe(p.AS, p.TLB, va, false); err != 0 {
		return errRet(err)
	}
	buf, err := usercopy.In(p.AS, p.TLB, va, n)
	if err != 0 {
		return errRet(err)
	}
	written, err := p.Fds.Write(fdnum, buf)
	if err != 0 {
		return errRet(err)
	}
	return okRet(uint32(written))
}

// sysRead implements read(fd, buf, n): the observable return is the
// number of bytes the backing object transferred (spec.md §4.6).
func (d *Dispatcher) sysRead(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	fdnum := int(tf.Arg(0))
	va := uintptr(tf.Arg(1))
	n := int(tf.Arg(2))

	if err := usercopy.Probe(p.AS, p.TLB, va, true); err != 0 {
		return errRet(err)
	}
	buf := make([]byte, n)
	nread, err := p.Fds.Read(fdnum, buf)
	if err != 0 {
		return errRet(err)
	}
	if err := usercopy.Out(p.AS, p.TLB, va, buf[:nread]); err != 0 {
		return errRet(err)
	}
	return okRet(uint32(nread))
}

// sysClose implements close(fd) (spec.md §4.6 "close").
func (d *Dispatcher) sysClose(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	fdnum := int(tf.Arg(0))
	if err := p.Fds.Close(fdnum); err != 0 {
		return errRet(err)
	}
	return okRet(0)
}

// sysLseek implements lseek(fd, offset, whence) (spec.md §6: returns a
// 64-bit value split across two return registers; whence is passed on
// the user stack at sp+16; the offset itself occupies the aligned a2:a3
// register pair, a1 reserved for that alignment).
func (d *Dispatcher) sysLseek(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	fdnum := int(tf.Arg(0))
	offset := int64(tf.Arg(2)) | int64(tf.Arg(3))<<32

	whenceBytes, err := usercopy.In(p.AS, p.TLB, uintptr(tf.Words[trapframe.R_SP])+16, 4)
	if err != 0 {
		return errRet(err)
	}
	whence := int(le32(whenceBytes))

	pos, err := p.Fds.Seek(fdnum, int(offset), whence)
	if err != 0 {
		return errRet(err)
	}
	p64 := int64(pos)
	return okRet64(uint32(p64), uint32(p64>>32))
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// sysDup2 implements dup2(old, new) (spec.md §4.6 "dup2").
func (d *Dispatcher) sysDup2(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	oldfd := int(tf.Arg(0))
	newfd := int(tf.Arg(1))
	if err := p.Fds.Dup2(oldfd, newfd); err != 0 {
		return errRet(err)
	}
	return okRet(uint32(newfd))
}

// sysChdir implements chdir(path), delegating to the fd layer's Cwd
// (spec.md §6 "vfs_chdir" is an external collaborator call; this
// kernel's VFS stand-in has no directory tree to descend, so Chdir
// only updates the textual cwd).
func (d *Dispatcher) sysChdir(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	path, err := usercopy.InStr(p.AS, p.TLB, uintptr(tf.Arg(0)), defs.PATH_MAX)
	if err != 0 {
		return errRet(err)
	}
	if path == "" {
		return errRet(-defs.EINVAL)
	}
	p.Fds.Cwd.Chdir(ustr.Ustr(path))
	return okRet(0)
}

// sysGetcwd implements __getcwd(buf, size).
func (d *Dispatcher) sysGetcwd(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	va := uintptr(tf.Arg(0))
	size := int(tf.Arg(1))

	cwd := p.Fds.Cwd.Getcwd()
	out := append([]byte(nil), cwd...)
	out = append(out, 0)
	if len(out) > size {
		return errRet(-defs.E2BIG)
	}
	if err := usercopy.Out(p.AS, p.TLB, va, out); err != 0 {
		return errRet(err)
	}
	return okRet(uint32(len(cwd)))
}

// sysRemove implements remove(path), delegating to the VFS.
func (d *Dispatcher) sysRemove(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	path, err := usercopy.InStr(p.AS, p.TLB, uintptr(tf.Arg(0)), defs.PATH_MAX)
	if err != 0 {
		return errRet(err)
	}
	if err := d.Procs.VFS().Remove(path); err != 0 {
		return errRet(err)
	}
	return okRet(0)
}

// sysGetpid implements getpid().
func (d *Dispatcher) sysGetpid(p *proc.Process) (uint32, uint32, bool) {
	return okRet(uint32(p.Pid))
}

// sysExit implements _exit(code) (spec.md §4.5 "exit").
func (d *Dispatcher) sysExit(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	code := int(int32(tf.Arg(0)))
	d.Procs.Exit(p, code)
	return okRet(0)
}

// sysWaitpid implements waitpid(pid, status, options) (spec.md §4.5
// "waitpid"): options other than 0 are rejected, a null status pointer
// is rejected after a probe copy, and the encoded exit status is
// written to user space on success.
func (d *Dispatcher) sysWaitpid(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	pid := defs.Pid_t(int32(tf.Arg(0)))
	statusVA := uintptr(tf.Arg(1))
	options := int(tf.Arg(2))

	if statusVA == 0 {
		return errRet(-defs.EBADADDR)
	}
	if err := usercopy.Probe(p.AS, p.TLB, statusVA, true); err != 0 {
		return errRet(err)
	}

	status, err := d.Procs.Waitpid(p, pid, options)
	if err != 0 {
		return errRet(err)
	}

	buf := make([]byte, 4)
	buf[0] = byte(status)
	buf[1] = byte(status >> 8)
	buf[2] = byte(status >> 16)
	buf[3] = byte(status >> 24)
	if err := usercopy.Out(p.AS, p.TLB, statusVA, buf); err != 0 {
		return errRet(err)
	}
	return okRet(uint32(pid))
}

// sysFork implements fork(trap_frame) (spec.md §4.5 "fork"): the
// parent returns with retval=child_pid, errno=0.
func (d *Dispatcher) sysFork(p *proc.Process, tf *trapframe.TrapFrame) (uint32, uint32, bool) {
	child, err := d.Procs.Fork(p, tf)
	if err != 0 {
		return errRet(err)
	}
	return okRet(uint32(child))
}

// sysExecv implements execv(path, argv) (spec.md §4.5 "execv"). Unlike
// every other handler it does not go through Dispatch's ordinary
// SetReturn/AdvancePC tail: on success the trap frame is overwritten
// wholesale with the new program's entry point and stack pointer (it
// "never returns" to the syscall site, spec.md §4.5), and on failure it
// sets the ordinary error return and still advances the PC, since the
// calling process's old address space is untouched and very much still
// running (spec.md §4.5 "on failure, the old address space has already
// been destroyed" — not so here, see internal/proc.Execv's doc comment).
func (d *Dispatcher) sysExecv(p *proc.Process, tf *trapframe.TrapFrame) {
	path, err := usercopy.InStr(p.AS, p.TLB, uintptr(tf.Arg(0)), defs.PATH_MAX)
	if err != 0 {
		tf.SetReturn(uint32(-err), 0, true)
		tf.AdvancePC()
		return
	}
	argv, err := copyinArgv(p.AS, p.TLB, uintptr(tf.Arg(1)))
	if err != 0 {
		tf.SetReturn(uint32(-err), 0, true)
		tf.AdvancePC()
		return
	}

	newTf, err := d.Procs.Execv(p, path, argv)
	if err != 0 {
		tf.SetReturn(uint32(-err), 0, true)
		tf.AdvancePC()
		return
	}
	tf.Words = newTf.Words
}

// copyinArgv reads a NULL-terminated array of user pointers-to-strings
// starting at argvVA, copying each string in with the same PATH_MAX-
// bounded copyinstr handlers.go's other string arguments use, and
// rejecting more than 64 arguments with E2BIG (spec.md §4.5 step 2, §9). It must run against the caller's CURRENT address
// space, before proc.Execv replaces it out from under the process.
func copyinArgv(as *vm.AddressSpace, tlb *vm.TLB, argvVA uintptr) ([]string, defs.Err_t) {
	var argv []string
	for i := 0; ; i++ {
		ptrBytes, err := usercopy.In(as, tlb, argvVA+uintptr(i*4), 4)
		if err != 0 {
			return nil, err
		}
		ptr := le32(ptrBytes)
		if ptr == 0 {
			break
		}
		if len(argv) >= 64 {
			return nil, -defs.E2BIG
		}
		s, err := usercopy.InStr(as, tlb, uintptr(ptr), defs.PATH_MAX)
		if err != 0 {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, 0
}
