package kernel_test

import (
	"testing"

	"github.com/teachos/netkernel/kernel"
)

func TestCopyInOutRoundTrip(t *testing.T) {
	t.Parallel()

	as := kernel.NewAddressSpace(make([]byte, 64))

	if err := as.CopyOut(8, []byte("hello")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	got, err := as.CopyIn(8, 5)
	if err != nil {
		t.Fatalf("CopyIn: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestCopyInRejectsOutOfBounds(t *testing.T) {
	t.Parallel()

	as := kernel.NewAddressSpace(make([]byte, 16))

	if _, err := as.CopyIn(10, 16); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}

	if _, err := as.CopyIn(100, 1); err == nil {
		t.Fatalf("expected out-of-bounds error for addr beyond buffer")
	}
}

func TestCopyInStringStopsAtNUL(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 32)
	copy(mem, "localhost\x00garbage")

	as := kernel.NewAddressSpace(mem)

	s, err := as.CopyInString(0, 32)
	if err != nil {
		t.Fatalf("CopyInString: %v", err)
	}

	if s != "localhost" {
		t.Fatalf("expected %q, got %q", "localhost", s)
	}
}

func TestCopyInStringRequiresNULWithinBound(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 8)
	for i := range mem {
		mem[i] = 'a'
	}

	as := kernel.NewAddressSpace(mem)

	if _, err := as.CopyInString(0, 8); err == nil {
		t.Fatalf("expected error for missing NUL terminator")
	}
}
