// Package usercopy implements the syscall dispatcher's user-pointer
// validation and copy-in/copy-out primitives (spec.md §4.7 "validates
// user pointers", §4.6 "probing one byte with copyin"). There is no
// real MMU trap in this simulation, so "touching" a user address means
// driving it through the same TLB-fault path a hardware access would
// take (internal/vm.Fault), which both validates the address and
// faults in any page that needs dynamic growth or swap-in.
package usercopy

import (
	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/vm"
)

// Probe validates that va is accessible without transferring any
// bytes — the one-byte probe open/read/write perform on a user buffer
// before touching it (spec.md §4.6).
func Probe(as *vm.AddressSpace, tlb *vm.TLB, va uintptr, write bool) defs.Err_t {
	kind := vm.Read
	if write {
		kind = vm.Write
	}
	return vm.Fault(as, tlb, kind, va)
}

// In copies n bytes out of user address va into a fresh kernel buffer,
// faulting in every page touched along the way.
func In(as *vm.AddressSpace, tlb *vm.TLB, va uintptr, n int) ([]byte, defs.Err_t) {
	if err := faultRange(as, tlb, va, n, false); err != 0 {
		return nil, err
	}
	return as.ReadBytes(va, n)
}

// Out copies data into user address va, faulting in every page
// touched for writing first.
func Out(as *vm.AddressSpace, tlb *vm.TLB, va uintptr, data []byte) defs.Err_t {
	if err := faultRange(as, tlb, va, len(data), true); err != 0 {
		return err
	}
	return as.WriteBytes(va, data)
}

// InStr copies a NUL-terminated string out of user address va, up to
// max bytes, the copyinstr primitive spec.md §9 decides execv's
// argument marshalling should use (a hard ceiling instead of unbounded
// byte-at-a-time copying).
func InStr(as *vm.AddressSpace, tlb *vm.TLB, va uintptr, max int) (string, defs.Err_t) {
	var out []byte
	addr := va
	for {
		if err := vm.Fault(as, tlb, vm.Read, addr); err != 0 {
			return "", err
		}
		pageVA := addr &^ uintptr(vm.PageSize-1)
		frame, err := as.FrameBytes(pageVA)
		if err != 0 {
			return "", err
		}
		offInPage := int(addr - pageVA)
		for i := offInPage; i < vm.PageSize; i++ {
			if frame[i] == 0 {
				return string(out), 0
			}
			if len(out) >= max {
				return "", -defs.E2BIG
			}
			out = append(out, frame[i])
		}
		addr = pageVA + uintptr(vm.PageSize)
	}
}

func faultRange(as *vm.AddressSpace, tlb *vm.TLB, va uintptr, n int, write bool) defs.Err_t {
	if n == 0 {
		return 0
	}
	kind := vm.Read
	if write {
		kind = vm.Write
	}
	start := va &^ uintptr(vm.PageSize-1)
	end := (va + uintptr(n) - 1) &^ uintptr(vm.PageSize-1)
	for p := start; p <= end; p += uintptr(vm.PageSize) {
		if err := vm.Fault(as, tlb, kind, p); err != 0 {
			return err
		}
	}
	return 0
}
