package syscall_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/proc"
	ksyscall "github.com/biscuit-teach/miniswap/internal/syscall"
	"github.com/biscuit-teach/miniswap/internal/swap"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
	"github.com/biscuit-teach/miniswap/internal/vfs"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

type memStore struct{ data []byte }

func (m *memStore) ensure(n int64) {
	if int64(len(m.data)) < n {
		grown := make([]byte, n)
		copy(grown, m.data)
		m.data = grown
	}
}
func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	return copy(p, m.data[off:]), nil
}
func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.ensure(off + int64(len(p)))
	return copy(m.data[off:], p), nil
}

// harness bundles everything one simulated process needs to run syscalls
// through the dispatcher: a data page at dataVA for buffer arguments, a
// stack, console fds 0/1/2, and a writable/readable console backing so
// tests can observe what a write(2)/read(2) actually moved.
type harness struct {
	d       *ksyscall.Dispatcher
	procs   *proc.Table
	p       *proc.Process
	consoleIn  *bytes.Buffer
	consoleOut *bytes.Buffer
	dataVA  uintptr
	sp      uintptr
}

const dataVA = 0x1000

func newHarness(t *testing.T) *harness {
	cm := mem.NewCoremap(256, 0)
	se := swap.NewEngine(16, &memStore{}, cm)
	cm.SetReclaimer(se)

	in := &bytes.Buffer{}
	out := &bytes.Buffer{}
	console := vfs.NewConsole(in, out)
	v := vfs.New(console)

	procs := proc.NewTable(cm, se, v)

	as := vm.Create(cm, se)
	require.Zero(t, as.DefineRegion(dataVA, vm.PageSize, vm.Perm{R: true, W: true}))
	sp, err := as.DefineStack()
	require.Zero(t, err)
	as.SetStaticStart(dataVA + vm.PageSize)

	tlb := vm.NewTLB(8)
	p := procs.CreateInit(as, tlb)
	require.Zero(t, p.Fds.InstallConsole(v))

	return &harness{
		d:          ksyscall.New(procs),
		procs:      procs,
		p:          p,
		consoleIn:  in,
		consoleOut: out,
		dataVA:     dataVA,
		sp:         sp,
	}
}

func (h *harness) tf(sysno int, a0, a1, a2, a3 uint32) *trapframe.TrapFrame {
	tf := &trapframe.TrapFrame{}
	tf.Words[trapframe.R_SYSNO] = uint32(sysno)
	tf.Words[trapframe.R_A0] = a0
	tf.Words[trapframe.R_A1] = a1
	tf.Words[trapframe.R_A2] = a2
	tf.Words[trapframe.R_A3] = a3
	tf.Words[trapframe.R_SP] = uint32(h.sp)
	return tf
}

func (h *harness) run(tf *trapframe.TrapFrame) {
	h.d.Dispatch(h.p, tf)
}

func writeCString(t *testing.T, as *vm.AddressSpace, va uintptr, s string) {
	require.Zero(t, as.WriteBytes(va, append([]byte(s), 0)))
}

func TestSysReboot(t *testing.T) {
	h := newHarness(t)
	tf := h.tf(defs.SYS_REBOOT, 0, 0, 0, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_V0])
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
}

func TestSysTime(t *testing.T) {
	h := newHarness(t)
	tf := h.tf(defs.SYS_TIME, 0, 0, 0, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.NotZero(t, tf.Words[trapframe.R_V0])
}

func TestSysSbrk(t *testing.T) {
	h := newHarness(t)
	oldEnd := h.p.AS.HeapEnd()

	tf := h.tf(defs.SYS_SBRK, uint32(vm.PageSize), 0, 0, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.EqualValues(t, uint32(oldEnd), tf.Words[trapframe.R_V0])
	require.EqualValues(t, oldEnd+vm.PageSize, h.p.AS.HeapEnd())
}

func TestSysOpenReadClose(t *testing.T) {
	h := newHarness(t)
	h.procs.VFS().WriteProgram("greeting", []byte("hi"))

	pathVA := uintptr(dataVA)
	writeCString(t, h.p.AS, pathVA, "greeting")

	openTf := h.tf(defs.SYS_OPEN, uint32(pathVA), defs.O_RDONLY, 0, 0)
	h.run(openTf)
	require.EqualValues(t, 0, openTf.Words[trapframe.R_A3])
	fdnum := openTf.Words[trapframe.R_V0]
	require.Greater(t, fdnum, uint32(2)) // past the installed console fds

	bufVA := uintptr(dataVA) + 64
	readTf := h.tf(defs.SYS_READ, fdnum, uint32(bufVA), 2, 0)
	h.run(readTf)
	require.EqualValues(t, 0, readTf.Words[trapframe.R_A3])
	require.EqualValues(t, 2, readTf.Words[trapframe.R_V0])

	got, err := h.p.AS.ReadBytes(bufVA, 2)
	require.Zero(t, err)
	require.Equal(t, []byte("hi"), got)

	closeTf := h.tf(defs.SYS_CLOSE, fdnum, 0, 0, 0)
	h.run(closeTf)
	require.EqualValues(t, 0, closeTf.Words[trapframe.R_A3])
}

func TestSysWriteToConsole(t *testing.T) {
	h := newHarness(t)
	writeCString(t, h.p.AS, dataVA, "hello")

	tf := h.tf(defs.SYS_WRITE, 1, uint32(dataVA), 5, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.EqualValues(t, 5, tf.Words[trapframe.R_V0])
	require.Equal(t, "hello", h.consoleOut.String())
}

func TestSysReadFromConsole(t *testing.T) {
	h := newHarness(t)
	h.consoleIn.WriteString("abc")

	bufVA := uintptr(dataVA)
	tf := h.tf(defs.SYS_READ, 0, uint32(bufVA), 3, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.EqualValues(t, 3, tf.Words[trapframe.R_V0])

	got, err := h.p.AS.ReadBytes(bufVA, 3)
	require.Zero(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestSysLseekOnConsoleReturnsNotSeekable(t *testing.T) {
	h := newHarness(t)
	// whence lives at sp+16 (spec.md §6); SEEK_SET. The user sp sits
	// below the stack top so that sp+16 is inside the mapped stack page.
	sp := h.sp - 32
	require.Zero(t, h.p.AS.WriteBytes(sp+16, []byte{defs.SEEK_SET, 0, 0, 0}))

	tf := h.tf(defs.SYS_LSEEK, 1, 0, 0, 0)
	tf.Words[trapframe.R_SP] = uint32(sp)
	h.run(tf)
	require.EqualValues(t, 1, tf.Words[trapframe.R_A3])
	require.EqualValues(t, uint32(defs.ESPIPE), tf.Words[trapframe.R_V0])
}

func TestSysDup2(t *testing.T) {
	h := newHarness(t)
	tf := h.tf(defs.SYS_DUP2, 1, 5, 0, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.EqualValues(t, 5, tf.Words[trapframe.R_V0])

	writeCString(t, h.p.AS, dataVA, "x")
	wtf := h.tf(defs.SYS_WRITE, 5, uint32(dataVA), 1, 0)
	h.run(wtf)
	require.EqualValues(t, 0, wtf.Words[trapframe.R_A3])
	require.Equal(t, "x", h.consoleOut.String())
}

func TestSysChdirAndGetcwd(t *testing.T) {
	h := newHarness(t)
	writeCString(t, h.p.AS, dataVA, "/tmp")

	ctf := h.tf(defs.SYS_CHDIR, uint32(dataVA), 0, 0, 0)
	h.run(ctf)
	require.EqualValues(t, 0, ctf.Words[trapframe.R_A3])

	bufVA := uintptr(dataVA) + 64
	gtf := h.tf(defs.SYS_GETCWD, uint32(bufVA), 64, 0, 0)
	h.run(gtf)
	require.EqualValues(t, 0, gtf.Words[trapframe.R_A3])

	got, err := h.p.AS.ReadBytes(bufVA, int(gtf.Words[trapframe.R_V0]))
	require.Zero(t, err)
	require.Equal(t, "/tmp", string(got))
}

func TestSysRemove(t *testing.T) {
	h := newHarness(t)
	h.procs.VFS().WriteProgram("scratch", []byte("x"))
	writeCString(t, h.p.AS, dataVA, "scratch")

	tf := h.tf(defs.SYS_REMOVE, uint32(dataVA), 0, 0, 0)
	h.run(tf)
	require.EqualValues(t, 0, tf.Words[trapframe.R_A3])
	require.Equal(t, -defs.EINVAL, h.procs.VFS().Remove("scratch"))
}

func TestSysGetpid(t *testing.T) {
	h := newHarness(t)
	tf := h.tf(defs.SYS_GETPID, 0, 0, 0, 0)
	h.run(tf)
	require.EqualValues(t, h.p.Pid, tf.Words[trapframe.R_V0])
}

func TestSysExit(t *testing.T) {
	h := newHarness(t)
	tf := h.tf(defs.SYS_EXIT, 7, 0, 0, 0)
	h.run(tf)
	_, ok := h.procs.Get(h.p.Pid)
	require.True(t, ok) // still present, just zombied, until a waiter reaps it
}

func TestSysForkAndWaitpid(t *testing.T) {
	h := newHarness(t)
	h.p.RunFn = func(child *proc.Process, tf *trapframe.TrapFrame) {
		h.d.Dispatch(child, h.childExitFrame())
	}

	ftf := h.tf(defs.SYS_FORK, 0, 0, 0, 0)
	h.run(ftf)
	require.EqualValues(t, 0, ftf.Words[trapframe.R_A3])
	childPid := defs.Pid_t(int32(ftf.Words[trapframe.R_V0]))
	require.NotEqual(t, h.p.Pid, childPid)

	statusVA := uintptr(dataVA) + 128
	wtf := h.tf(defs.SYS_WAITPID, uint32(childPid), uint32(statusVA), defs.WAIT_ANY, 0)
	h.run(wtf)
	require.EqualValues(t, 0, wtf.Words[trapframe.R_A3])
	require.EqualValues(t, childPid, int32(wtf.Words[trapframe.R_V0]))

	raw, err := h.p.AS.ReadBytes(statusVA, 4)
	require.Zero(t, err)
	status := int32(binary.LittleEndian.Uint32(raw))
	require.Equal(t, defs.EncodeExit(3), int(status))
}

func (h *harness) childExitFrame() *trapframe.TrapFrame {
	tf := &trapframe.TrapFrame{}
	tf.Words[trapframe.R_SYSNO] = defs.SYS_EXIT
	tf.Words[trapframe.R_A0] = 3
	return tf
}

func buildMipsELF(entry, vaddr uint32, code []byte, memsz int) []byte {
	const ehsize, phentsize = 52, 32
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	be := binary.BigEndian
	write16 := func(v uint16) { var b [2]byte; be.PutUint16(b[:], v); buf.Write(b[:]) }
	write32 := func(v uint32) { var b [4]byte; be.PutUint32(b[:], v); buf.Write(b[:]) }

	write16(2)
	write16(8)
	write32(1)
	write32(entry)
	write32(uint32(ehsize))
	write32(0)
	write32(0)
	write16(ehsize)
	write16(phentsize)
	write16(1)
	write16(0)
	write16(0)
	write16(0)

	dataOff := uint32(ehsize + phentsize)
	write32(1)
	write32(dataOff)
	write32(vaddr)
	write32(vaddr)
	write32(uint32(len(code)))
	write32(uint32(memsz))
	write32(5)
	write32(4096)

	buf.Write(code)
	return buf.Bytes()
}

func TestSysExecv(t *testing.T) {
	h := newHarness(t)
	elfBytes := buildMipsELF(0x3000, 0x3000, []byte{9, 9, 9, 9}, 4096)
	h.procs.VFS().WriteProgram("echo", elfBytes)

	pathVA := uintptr(dataVA)
	writeCString(t, h.p.AS, pathVA, "echo")

	argvVA := uintptr(dataVA) + 256
	argStrVA := uintptr(dataVA) + 512
	writeCString(t, h.p.AS, argStrVA, "echo")
	ptr := make([]byte, 8)
	binary.LittleEndian.PutUint32(ptr[0:4], uint32(argStrVA))
	binary.LittleEndian.PutUint32(ptr[4:8], 0)
	require.Zero(t, h.p.AS.WriteBytes(argvVA, ptr))

	tf := h.tf(defs.SYS_EXECV, uint32(pathVA), uint32(argvVA), 0, 0)
	h.run(tf)

	require.EqualValues(t, 0x3000, tf.Words[trapframe.R_EPC])
	require.NotZero(t, tf.Words[trapframe.R_SP])
}
