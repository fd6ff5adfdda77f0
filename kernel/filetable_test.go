package kernel_test

import (
	"testing"

	"github.com/teachos/netkernel/kernel"
	"github.com/teachos/netkernel/socket"
)

func TestInstallAssignsLowestFreeFD(t *testing.T) {
	t.Parallel()

	ft := kernel.NewFileTable()

	a := ft.Install(&kernel.File{Type: kernel.FileSocket, Socket: socket.New(nil)})
	b := ft.Install(&kernel.File{Type: kernel.FileSocket, Socket: socket.New(nil)})

	if a != 0 || b != 1 {
		t.Fatalf("expected fds 0,1, got %d,%d", a, b)
	}

	if err := ft.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	c := ft.Install(&kernel.File{Type: kernel.FileSocket, Socket: socket.New(nil)})
	if c != 0 {
		t.Fatalf("expected reused fd 0, got %d", c)
	}
}

func TestGetRejectsUnknownFD(t *testing.T) {
	t.Parallel()

	ft := kernel.NewFileTable()

	if _, err := ft.Get(0); err == nil {
		t.Fatalf("expected error for unallocated fd")
	}

	if _, err := ft.Get(-1); err == nil {
		t.Fatalf("expected error for negative fd")
	}
}

func TestGetSocketRejectsRemovedFD(t *testing.T) {
	t.Parallel()

	ft := kernel.NewFileTable()

	fd := ft.Install(&kernel.File{Type: kernel.FileSocket, Socket: socket.New(nil)})
	if err := ft.Remove(fd); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := ft.GetSocket(fd); err == nil {
		t.Fatalf("expected error for removed fd")
	}

	if err := ft.Remove(fd); err == nil {
		t.Fatalf("expected error removing an already-removed fd")
	}
}
