// Package socket implements the TCP socket adapter: the bridge between
// the event-driven protocol engine (package engine) and blocking,
// process-scheduled socket syscalls. Every socket owns a protocol
// control block, a bounded receive ring, a single-valued status, and
// read/write/close entry points.
package socket

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/teachos/netkernel/internal/engine"
)

// RingSize bounds the number of payload descriptors a socket can hold
// before the adapter marks it FAILURE.
const RingSize = 8

// MaxWrite is the largest single write() accepted: one Ethernet frame
// of payload.
const MaxWrite = 1514

// Status is the socket's single-valued state, mutated only under the
// global socket lock.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
	StatusClosed // CON_CLOSED
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusClosed:
		return "CON_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// segment is one receive-ring slot. A sentinel segment carries no
// payload and marks the point an orderly remote close was observed:
// CON_CLOSED occupies a ring slot instead of being signalled by status
// alone, so a slow reader drains queued bytes first and only then
// observes the close.
type segment struct {
	data     []byte
	sentinel bool
}

var (
	// mu is the single global socket lock: it protects every socket's
	// mutable state and callback-to-reader coordination. Every Socket's
	// condition variable is bound to it, so "sleep on the socket's
	// identity" becomes "wait on this socket's Cond while holding the
	// shared mutex".
	mu sync.Mutex

	// ErrFailure/ErrClosed are sentinel errors mapped to -1 at the
	// syscall boundary; they are never returned across it directly.
	ErrFailure = errors.New("socket: connection failed")
	ErrClosed  = io.EOF
)

// Socket is one kernel socket object.
type Socket struct {
	cond *sync.Cond

	status Status
	alive  atomic.Bool // cleared before engine Close, so in-flight callbacks no-op

	ring       [RingSize]segment
	head, tail uint32 // monotonic; slot index is %RingSize

	eng *engine.Engine

	conn     *engine.Conn
	listener *engine.Listener

	boundPort uint16
	closeCh   chan struct{}
}

// New creates a socket in PENDING state with no PCB yet attached.
func New(eng *engine.Engine) *Socket {
	s := &Socket{eng: eng, closeCh: make(chan struct{})}
	s.cond = sync.NewCond(&mu)
	s.alive.Store(true)

	return s
}

func (s *Socket) occupancy() uint32 { return s.tail - s.head }

func (s *Socket) pushLocked(seg segment) bool {
	if s.occupancy() >= RingSize {
		return false
	}

	s.ring[s.tail%RingSize] = seg
	s.tail++

	return true
}

func (s *Socket) popLocked() segment {
	seg := s.ring[s.head%RingSize]
	s.ring[s.head%RingSize] = segment{}
	s.head++

	return seg
}

// Bind records the local port a subsequent Listen will bind to. It
// never blocks and never fails in this adapter — invalid ports are
// rejected by the engine at Listen time, so a bind error is always
// returned from there rather than duplicating validation here.
func (s *Socket) Bind(port uint16) error {
	mu.Lock()
	s.boundPort = port
	mu.Unlock()

	return nil
}

// Listen turns this socket into a listening socket, replacing whatever
// PCB it had with a listen-PCB.
func (s *Socket) Listen() error {
	l, err := s.eng.Listen(s.boundPort, 16)
	if err != nil {
		return err
	}

	mu.Lock()
	s.listener = l
	s.status = StatusSuccess
	mu.Unlock()

	return nil
}

// Accept blocks until a new connection arrives and returns a freshly
// constructed child socket, or an error if this socket closes first.
func (s *Socket) Accept() (*Socket, error) {
	child := New(s.eng)

	type result struct {
		conn *engine.Conn
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, err := s.listener.Accept(child.callbacks())
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}

		mu.Lock()
		child.conn = r.conn
		child.status = StatusSuccess
		mu.Unlock()
		s.cond.Broadcast()

		return child, nil
	case <-s.closeCh:
		return nil, ErrClosed
	}
}

// Connect issues an active open and blocks until connect_success or
// connect_failure fires.
func (s *Socket) Connect(ip [4]byte, port uint16) error {
	mu.Lock()
	s.status = StatusPending
	mu.Unlock()

	conn, err := s.eng.Dial(ip, port, s.callbacks())
	if err != nil {
		mu.Lock()
		s.status = StatusFailure
		mu.Unlock()

		return err
	}

	mu.Lock()
	s.conn = conn
	for s.status == StatusPending {
		s.cond.Wait()
	}
	status := s.status
	mu.Unlock()

	if status != StatusSuccess {
		return ErrFailure
	}

	return nil
}

// callbacks builds the engine.Callbacks this socket hands to Dial/
// Accept. Every callback checks alive() first: the mutual socket<->PCB
// reference is broken by clearing alive before Close tears the PCB
// down, so a callback that fires during or after Close simply returns.
func (s *Socket) callbacks() engine.Callbacks {
	return engine.Callbacks{
		ConnectSuccess: func() {
			if !s.alive.Load() {
				return
			}

			mu.Lock()
			s.status = StatusSuccess
			mu.Unlock()
			s.cond.Broadcast()
		},
		ConnectFailure: func(error) {
			if !s.alive.Load() {
				return
			}

			mu.Lock()
			s.status = StatusFailure
			mu.Unlock()
			s.cond.Broadcast()
		},
		Recv: func(payload []byte, err error) {
			if !s.alive.Load() {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			switch {
			case errors.Is(err, ErrClosed):
				s.status = StatusClosed
				s.pushLocked(segment{sentinel: true})
			case err != nil:
				s.status = StatusFailure
			default:
				cp := append([]byte(nil), payload...)
				if !s.pushLocked(segment{data: cp}) {
					// Permanent-for-this-call resource exhaustion: the
					// ring is full.
					s.status = StatusFailure
				} else {
					s.status = StatusSuccess
				}
			}

			s.cond.Broadcast()
		},
	}
}

// Read drains the receive ring, blocking until data or a close/failure
// status is available. A status of FAILURE or CON_CLOSED observed with
// an empty ring is terminal: it is never clobbered back to PENDING by
// a later Read call, so a reader that arrives after the ring has
// already drained returns -1 immediately instead of sleeping on a
// wakeup that will never come.
func (s *Socket) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, errors.New("socket: read requires n > 0")
	}

	mu.Lock()
	defer mu.Unlock()

	for s.occupancy() == 0 {
		switch s.status {
		case StatusFailure:
			return -1, ErrFailure
		case StatusClosed:
			return -1, ErrClosed
		}

		s.status = StatusPending
		s.cond.Wait()
	}

	head := &s.ring[s.head%RingSize]
	if head.sentinel {
		s.popLocked()

		return -1, ErrClosed
	}

	n := len(head.data)
	if n > len(buf) {
		n = len(buf)
	}

	copy(buf, head.data[:n])

	if n == len(head.data) {
		s.popLocked()

		conn := s.conn
		mu.Unlock()
		if conn != nil {
			conn.ReadWindowAdvance(n)
		}
		mu.Lock()
	} else {
		head.data = head.data[n:]
	}

	return n, nil
}

// Write validates, copies, and hands data to the engine without
// blocking.
func (s *Socket) Write(data []byte) (int, error) {
	if len(data) == 0 || len(data) > MaxWrite {
		return -1, errors.New("socket: write length out of range")
	}

	cp := append([]byte(nil), data...)

	n, err := s.conn.Write(cp)
	if err != nil {
		return -1, err
	}

	return n, nil
}

// Close drains the receive ring, frees its buffers, and closes the
// engine connection. gVisor's tcpip.Endpoint.Close has no failure
// return at all — unlike the lwIP tcp_close this adapter's contract is
// modelled on, a gVisor endpoint is reclaimed through ordinary Go
// memory management, not a fixed connection-block pool, so it has no
// ERR_MEM-shaped transient condition to retry. There is accordingly
// nothing to back off across; the lock is still dropped before calling
// into the engine so no callback that needs it can block behind a
// close in progress.
func (s *Socket) Close() error {
	mu.Lock()
	s.alive.Store(false)

	for s.occupancy() > 0 {
		s.popLocked()
	}

	s.status = StatusClosed
	listener := s.listener
	conn := s.conn
	mu.Unlock()

	close(s.closeCh)
	s.cond.Broadcast()

	if listener != nil {
		listener.Close()

		return nil
	}

	if conn != nil {
		conn.Close()
	}

	return nil
}
