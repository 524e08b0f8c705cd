package kernel

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/biscuit-teach/miniswap/internal/caller"
	"github.com/biscuit-teach/miniswap/internal/loader"
	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/proc"
	"github.com/biscuit-teach/miniswap/internal/swap"
	"github.com/biscuit-teach/miniswap/internal/syscall"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
	"github.com/biscuit-teach/miniswap/internal/vfs"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

var log = logrus.WithField("pkg", "kernel")

// Kernel is the assembled set of subsystems a booted instance owns:
// the coremap, swap engine, VFS namespace, process table, syscall
// dispatcher, and the init process (spec.md §2's component list,
// wired together instead of living as independent unit-test fixtures).
type Kernel struct {
	Coremap *mem.Coremap
	Swap    *swap.Engine
	VFS     *vfs.VFS
	Procs   *proc.Table
	Disp    *syscall.Dispatcher
	Init    *proc.Process

	swapFile *os.File
}

// Boot brings up a kernel instance per cfg: allocates the coremap,
// opens (truncating) the swap backing file, installs the console
// device, creates the process table, loads cfg.InitPath as the init
// process's program image, and installs its standard file descriptors
// (spec.md §2 "System overview", §4.6 "Console bootstrap"). It does
// not start init running — DispatchInit does that once the caller is ready
// to drive it.
func Boot(cfg Config) (k *Kernel, err error) {
	defer func() {
		if r := recover(); r != nil {
			caller.Callerdump(2)
			err = errors.Errorf("kernel: panic during boot: %v", r)
		}
	}()

	log.WithField("frames", cfg.Frames).WithField("swap_slots", cfg.SwapSlots).Info("booting")

	// Before the coremap exists there is nothing to allocate from but the
	// monotonic steal allocator (spec.md §4.1): it hands out cfg.FixedPrefix
	// frames for the kernel's own early bookkeeping, and the coremap is then
	// bootstrapped marking exactly that many frames FIXED.
	steal := mem.NewStealAlloc(cfg.Frames)
	for i := 0; i < cfg.FixedPrefix; i++ {
		if steal.Alloc() < 0 {
			return nil, errors.Errorf("kernel: not enough frames (%d) for fixed prefix %d", cfg.Frames, cfg.FixedPrefix)
		}
	}

	cm := mem.NewCoremap(cfg.Frames, steal.Used())

	swapFile, oerr := os.OpenFile(cfg.SwapFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if oerr != nil {
		return nil, errors.Wrap(oerr, "kernel: opening swap file")
	}
	se := swap.NewEngine(cfg.SwapSlots, swapFile, cm)
	cm.SetReclaimer(se)

	console := vfs.NewConsole(os.Stdin, os.Stdout)
	v := vfs.New(console)

	procs := proc.NewTable(cm, se, v)
	v.InstallStatDevice(vfs.NewStatDevice(cm, procs.Count))
	disp := syscall.New(procs)

	data, rerr := os.ReadFile(cfg.InitPath)
	if rerr != nil {
		swapFile.Close()
		return nil, errors.Wrapf(rerr, "kernel: reading init image %q", cfg.InitPath)
	}
	v.WriteProgram("init", data)
	r, lerr := v.OpenELF("init")
	if lerr != 0 {
		swapFile.Close()
		return nil, errors.Errorf("kernel: opening init image: %v", lerr)
	}

	as := vm.Create(cm, se)
	tlb := vm.NewTLB(cfg.TLBEntries)
	img, lerr := loader.Load(as, tlb, r)
	if lerr != 0 {
		swapFile.Close()
		return nil, errors.Errorf("kernel: loading init image: %v", lerr)
	}

	initProc := procs.CreateInit(as, tlb)
	if ferr := initProc.Fds.InstallConsole(v); ferr != 0 {
		swapFile.Close()
		return nil, errors.Errorf("kernel: installing console: %v", ferr)
	}

	initProc.EntryFrame = &trapframe.TrapFrame{}
	initProc.EntryFrame.Words[trapframe.R_EPC] = uint32(img.Entry)
	initProc.EntryFrame.Words[trapframe.R_SP] = uint32(img.StackTop)

	return &Kernel{
		Coremap:  cm,
		Swap:     se,
		VFS:      v,
		Procs:    procs,
		Disp:     disp,
		Init:     initProc,
		swapFile: swapFile,
	}, nil
}

// DispatchInit feeds init's current trap frame through the syscall
// dispatcher once. The harness (cmd/kernel, or a test) calls this
// repeatedly to drive init's syscall sequence, the same "goroutine
// calls the dispatcher directly" substitute for real user-mode
// execution SPEC_FULL.md §0 describes.
func (k *Kernel) DispatchInit() {
	k.Disp.Dispatch(k.Init, k.Init.EntryFrame)
}

// Shutdown releases the swap backing file. It does not tear down any
// process's address space: spec.md has no "halt" operation, only
// process-level exit, so a clean kernel shutdown is just closing the
// resources this package itself opened.
func (k *Kernel) Shutdown() error {
	if k.swapFile != nil {
		return k.swapFile.Close()
	}
	return nil
}
