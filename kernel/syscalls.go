// syscalls.go dispatches the six networking syscalls spec.md §6 names
// (socket, connect, bind, listen, accept, gethostbyname) plus the
// generic read/write/close calls restricted to socket-typed
// descriptors, converting between the C-shaped "-1 on error" syscall
// convention and the Go error values the socket and resolver packages
// return.
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/teachos/netkernel/internal/engine"
	"github.com/teachos/netkernel/resolver"
	"github.com/teachos/netkernel/socket"
)

// Kernel bundles the per-process collaborators a syscall dispatch
// needs: the protocol engine, the DNS resolver, this process's file
// table, and its simulated address space. spec.md treats the process
// scheduler and page allocator as out of scope; Kernel only reaches
// into what §4 attributes to the socket/resolver adapters themselves.
type Kernel struct {
	Engine   *engine.Engine
	Resolver *resolver.Resolver
	Files    *FileTable
	Addr     *AddressSpace

	// ResolveTimeout bounds gethostbyname, standing in for the
	// process-level "blocked in kernel, killable by signal" the
	// original relies on and this adapter has no scheduler to provide.
	ResolveTimeout time.Duration
}

// New wires a Kernel over an already-initialized engine, resolver, and
// backing user-memory buffer.
func New(eng *engine.Engine, res *resolver.Resolver, mem []byte) *Kernel {
	return &Kernel{
		Engine:         eng,
		Resolver:       res,
		Files:          NewFileTable(),
		Addr:           NewAddressSpace(mem),
		ResolveTimeout: 5 * time.Second,
	}
}

// Socket is syscall 24: socket(domain, type, protocol). This kernel
// supports exactly one family/type pair (AF_INET, SOCK_STREAM);
// anything else is a user-argument error (spec.md §7 class 6) and
// returns -1 before any socket is created. protocol is not checked.
func (k *Kernel) Socket(domain, typ, protocol int) int {
	const afInet, sockStream = 2, 1

	if domain != afInet || typ != sockStream {
		return -1
	}

	s := socket.New(k.Engine)
	fd := k.Files.Install(&File{Type: FileSocket, Socket: s})

	return fd
}

// Bind is syscall 26: bind(fd, port). Ports are passed in host order
// at this boundary; spec.md leaves sockaddr marshalling out of scope,
// so the port is the only field this teaching kernel threads through.
func (k *Kernel) Bind(fd int, port uint16) int {
	s, err := k.Files.GetSocket(fd)
	if err != nil {
		return -1
	}

	if err := s.Bind(port); err != nil {
		return -1
	}

	return 0
}

// Listen is syscall 27.
func (k *Kernel) Listen(fd int) int {
	s, err := k.Files.GetSocket(fd)
	if err != nil {
		return -1
	}

	if err := s.Listen(); err != nil {
		return -1
	}

	return 0
}

// Accept is syscall 28: blocks until a connection arrives, installs
// the child socket in the file table, and returns its descriptor.
func (k *Kernel) Accept(fd int) int {
	s, err := k.Files.GetSocket(fd)
	if err != nil {
		return -1
	}

	child, err := s.Accept()
	if err != nil {
		return -1
	}

	return k.Files.Install(&File{Type: FileSocket, Socket: child})
}

// Connect is syscall 25: connect(fd, ipAddr, port). ipAddr is a
// host-order uint32 IPv4 address, the same representation
// gethostbyname produces, so a caller can chain the two directly.
func (k *Kernel) Connect(fd int, ipAddr uint32, port uint16) int {
	s, err := k.Files.GetSocket(fd)
	if err != nil {
		return -1
	}

	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], ipAddr)

	if err := s.Connect(ip, port); err != nil {
		return -1
	}

	return 0
}

// GetHostByName is syscall 29: gethostbyname(nameAddr, nameLen,
// outAddr). It copies the hostname in from user memory, resolves it —
// via the "localhost" shortcut first, then the real resolver — and
// copies the resulting host-order uint32 address out.
func (k *Kernel) GetHostByName(nameAddr uint64, nameLen int, outAddr uint64) int {
	raw, err := k.Addr.CopyIn(nameAddr, nameLen)
	if err != nil {
		return -1
	}

	hostname := string(raw)

	if ip, ok := resolver.ResolveLoopback(hostname); ok {
		return k.writeResolvedAddr(outAddr, ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.ResolveTimeout)
	defer cancel()

	ip, err := k.Resolver.Resolve(ctx, hostname)
	if err != nil {
		return -1
	}

	return k.writeResolvedAddr(outAddr, ip)
}

func (k *Kernel) writeResolvedAddr(outAddr uint64, ip uint32) int {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], ip)

	if err := k.Addr.CopyOut(outAddr, buf[:]); err != nil {
		return -1
	}

	return 0
}

// Read dispatches by file type; this kernel only has socket files, so
// it is a thin wrapper, but the switch is where a second file kind
// would plug in without touching the socket adapter.
func (k *Kernel) Read(fd int, bufAddr uint64, n int) int {
	f, err := k.Files.Get(fd)
	if err != nil {
		return -1
	}

	switch f.Type {
	case FileSocket:
		return k.readSocket(f.Socket, bufAddr, n)
	default:
		return -1
	}
}

func (k *Kernel) readSocket(s *socket.Socket, bufAddr uint64, n int) int {
	buf := make([]byte, n)

	got, err := s.Read(buf)
	if err != nil {
		// FAILURE and CON_CLOSED-with-empty-ring both surface as -1 here;
		// the socket layer never lets the syscall boundary see 0 as a
		// way to distinguish them, per spec.md §4.2's read() contract.
		return -1
	}

	if err := k.Addr.CopyOut(bufAddr, buf[:got]); err != nil {
		return -1
	}

	return got
}

// Write dispatches by file type, symmetric with Read.
func (k *Kernel) Write(fd int, bufAddr uint64, n int) int {
	f, err := k.Files.Get(fd)
	if err != nil {
		return -1
	}

	switch f.Type {
	case FileSocket:
		return k.writeSocket(f.Socket, bufAddr, n)
	default:
		return -1
	}
}

func (k *Kernel) writeSocket(s *socket.Socket, bufAddr uint64, n int) int {
	data, err := k.Addr.CopyIn(bufAddr, n)
	if err != nil {
		return -1
	}

	got, err := s.Write(data)
	if err != nil {
		return -1
	}

	return got
}

// Close releases fd's table slot and tears down its underlying file.
func (k *Kernel) Close(fd int) int {
	f, err := k.Files.Get(fd)
	if err != nil {
		return -1
	}

	if err := k.Files.Remove(fd); err != nil {
		return -1
	}

	switch f.Type {
	case FileSocket:
		if err := f.Socket.Close(); err != nil {
			panic(fmt.Errorf("kernel: close: %w", err))
		}
	}

	return 0
}
