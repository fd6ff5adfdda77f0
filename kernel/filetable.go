package kernel

import (
	"errors"
	"sync"

	"github.com/teachos/netkernel/socket"
)

// ErrBadFD is returned when a syscall argument names a descriptor that
// is out of range, unallocated, or of the wrong kind for the call.
var ErrBadFD = errors.New("kernel: bad file descriptor")

// FileType distinguishes the file kinds this teaching kernel actually
// dispatches on; spec.md §1 leaves the rest of the fd-table outside
// scope, so there is exactly one non-socket kind here, enough to give
// read/write/close a type tag to switch on.
type FileType int

const (
	fileUnused FileType = iota
	FileSocket
)

// File is one process file-table entry.
type File struct {
	Type   FileType
	Socket *socket.Socket
}

// FileTable is a single process's open-file table: a small,
// mutex-guarded slice of slots rather than a generic map-based
// registry.
type FileTable struct {
	mu    sync.Mutex
	files []*File
}

// NewFileTable returns an empty file table.
func NewFileTable() *FileTable {
	return &FileTable{}
}

// Install allocates the lowest-numbered free descriptor for f and
// returns it.
func (t *FileTable) Install(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.files {
		if slot == nil {
			t.files[i] = f
			return i
		}
	}

	t.files = append(t.files, f)

	return len(t.files) - 1
}

// Get resolves fd to its File, failing if fd is out of range or
// unallocated.
func (t *FileTable) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, ErrBadFD
	}

	return t.files[fd], nil
}

// GetSocket resolves fd to its Socket, failing if fd does not name a
// socket file — a user-argument error, spec.md §7 class 6.
func (t *FileTable) GetSocket(fd int) (*socket.Socket, error) {
	f, err := t.Get(fd)
	if err != nil {
		return nil, err
	}

	if f.Type != FileSocket {
		return nil, ErrBadFD
	}

	return f.Socket, nil
}

// Remove clears fd's slot, making it available for reuse.
func (t *FileTable) Remove(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return ErrBadFD
	}

	t.files[fd] = nil

	return nil
}
