// Package trapframe defines the fixed register-save layout the
// simulated exception entry stub hands to the kernel, and the
// transformations fork and the syscall dispatcher apply to it
// (spec.md §6 "Trap frame").
package trapframe

// NWORDS is the size of a trap frame: all general-purpose registers
// plus vaddr/status/cause/hi/lo/epc (spec.md §6).
const NWORDS = 37

// Register indices into TrapFrame.Words, named for the registers the
// syscall ABI actually reads (spec.md §4.7 "argument registers").
const (
	R_A0 = iota
	R_A1
	R_A2
	R_A3
	R_V0
	R_V1
	R_SP
	R_EPC
	R_VADDR
	R_STATUS
	R_CAUSE
	R_HI
	R_LO
	R_SYSNO
)

/// TrapFrame is a fixed 37-word register snapshot (spec.md §6).
type TrapFrame struct {
	Words [NWORDS]uint32
}

/// Clone returns a heap copy of tf, the allocation fork takes before
/// starting the child thread (spec.md §4.5 step 1).
func (tf *TrapFrame) Clone() *TrapFrame {
	cp := &TrapFrame{}
	cp.Words = tf.Words
	return cp
}

// PrepareForked adjusts a cloned trap frame for the child thread that
// restores it: the child sees a zero return value and no error flag,
// and its saved program counter is advanced past the trap instruction
// so the child doesn't re-execute the syscall (spec.md §6
// "enter_forked_process").
func (tf *TrapFrame) PrepareForked() {
	tf.Words[R_V0] = 0
	tf.Words[R_A3] = 0
	tf.Words[R_EPC] += 4
}

/// Syscall returns the call number the dispatcher decodes.
func (tf *TrapFrame) Syscall() int {
	return int(tf.Words[R_SYSNO])
}

/// Arg returns the nth syscall argument register (0-3).
func (tf *TrapFrame) Arg(n int) uint32 {
	return tf.Words[R_A0+n]
}

// SetReturn implements the dispatcher's return convention: lo holds the
// low word (or error code), hi the high word of a 64-bit result, failed
// is the success/failure flag (spec.md §4.7).
func (tf *TrapFrame) SetReturn(lo, hi uint32, failed bool) {
	tf.Words[R_V0] = lo
	tf.Words[R_V1] = hi
	if failed {
		tf.Words[R_A3] = 1
	} else {
		tf.Words[R_A3] = 0
	}
}

// AdvancePC moves the saved program counter past the trap instruction,
// the dispatcher's universal post-return step (spec.md §4.7).
func (tf *TrapFrame) AdvancePC() {
	tf.Words[R_EPC] += 4
}
