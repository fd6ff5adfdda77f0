// Package kernel implements the syscall glue of spec.md §2's "~15%,
// specified only at the boundary": per-call argument validation,
// file-descriptor resolution, and dispatch into the socket and
// resolver adapters. It stands in for the generic process
// file-descriptor table, the user/kernel address-space copy helpers,
// and the syscall argument marshalling layer spec.md §1 lists as
// external collaborators — concrete here because a complete Go module
// needs something on the other side of that boundary to call.
package kernel

import (
	"errors"
)

// ErrBadAddress is returned when a syscall argument names memory
// outside the simulated user address space — spec.md §7 class 6,
// "abort the syscall; never propagated further than -1".
var ErrBadAddress = errors.New("kernel: bad user address")

// AddressSpace is a minimal stand-in for per-process user memory,
// grounded on the teacher's mmap'd-buffer pattern in
// memory.MemorySlot: a single contiguous byte slice plus
// bounds-checked copy helpers, rather than a full page table.
type AddressSpace struct {
	mem []byte
}

// NewAddressSpace wraps an existing backing buffer (e.g. one obtained
// from syscall.Mmap in a real kernel build) as a user address space.
func NewAddressSpace(mem []byte) *AddressSpace {
	return &AddressSpace{mem: mem}
}

func (as *AddressSpace) bounds(addr uint64, n int) error {
	if n < 0 || addr > uint64(len(as.mem)) || uint64(n) > uint64(len(as.mem))-addr {
		return ErrBadAddress
	}

	return nil
}

// CopyIn reads n bytes from user address addr.
func (as *AddressSpace) CopyIn(addr uint64, n int) ([]byte, error) {
	if err := as.bounds(addr, n); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, as.mem[addr:addr+uint64(n)])

	return out, nil
}

// CopyOut writes data into user address addr.
func (as *AddressSpace) CopyOut(addr uint64, data []byte) error {
	if err := as.bounds(addr, len(data)); err != nil {
		return err
	}

	copy(as.mem[addr:addr+uint64(len(data))], data)

	return nil
}

// CopyInString reads a NUL-terminated string starting at addr, the
// argstr() of spec.md's consumed syscall-argument layer. The NUL must
// fall within the first max bytes, so the string itself is at most
// max-1 bytes long.
func (as *AddressSpace) CopyInString(addr uint64, max int) (string, error) {
	if err := as.bounds(addr, max); err != nil {
		return "", err
	}

	for i := 0; i < max; i++ {
		if as.mem[addr+uint64(i)] == 0 {
			return string(as.mem[addr : addr+uint64(i)]), nil
		}
	}

	return "", errors.New("kernel: string argument not NUL-terminated within bound")
}
