// Package engine is the adapter boundary onto the TCP/IP protocol
// engine: a library imported with a documented callback API rather
// than implemented from scratch. This implementation wires that
// library to gVisor's netstack (gvisor.dev/gvisor/pkg/tcpip),
// using its channel link endpoint as the point where raw Ethernet
// frames cross between the virtqueue NIC driver and the protocol
// engine, and its waiter-driven endpoint API — itself callback shaped —
// as the source of the connect/accept/receive/error callbacks the
// socket adapter consumes.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/waiter"
)

const nicID tcpip.NICID = 1

// linkMTU matches the virtqueue driver's 1514-byte frame budget minus
// nothing — the engine, not the driver, owns header/payload splitting
// above the Ethernet layer.
const linkMTU = 1514

// ErrNoMemory is returned by Dial and Listen when the stack cannot
// create a new endpoint. Nothing in this module retries it: the socket
// adapter returns it to its caller as a failed connect or listen.
var ErrNoMemory = errors.New("engine: transient out of memory")

// Frames is the bridge a virtio driver uses to hand received frames to
// the engine and to pull frames the engine wants transmitted. It is
// the Go realization of "the device DMAs bytes; the engine processes
// them" with no assumption about virtqueue internals.
type Frames struct {
	ep *channel.Endpoint
}

// DeliverInbound hands one Ethernet frame (virtio-net header already
// stripped by the caller) to the engine, as if it had just arrived on
// the wire.
func (f *Frames) DeliverInbound(frame []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()

	f.ep.InjectInbound(header.IPv4ProtocolNumber, pkt)
}

// Outbound blocks until the engine has a frame ready to transmit and
// returns its bytes. Callers run this on their own TX-pump goroutine,
// which hands each frame to virtio.Net.Send.
func (f *Frames) Outbound() ([]byte, bool) {
	pkt := f.ep.ReadContext(context.Background())
	if pkt == nil {
		return nil, false
	}
	defer pkt.DecRef()

	return pkt.ToView().AsSlice(), true
}

// Engine owns the gVisor network stack backing every socket this
// kernel creates: one NIC, one routing table entry, IPv4 + TCP.
type Engine struct {
	stack  *stack.Stack
	link   *channel.Endpoint
	Frames *Frames
}

// New brings up a netstack instance bound to a single link with the
// given hardware address, mirroring virtio.Net.Init's "the device's
// lifetime is the stack's lifetime" — there is no teardown path.
func New(mac [6]byte, localAddr [4]byte) (*Engine, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	linkAddr := tcpip.LinkAddress(mac[:])
	ep := channel.New(256, linkMTU, linkAddr)

	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("engine: create nic: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddrFrom4(localAddr).WithPrefix(),
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("engine: add address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}})

	return &Engine{stack: s, link: ep, Frames: &Frames{ep: ep}}, nil
}

// Callbacks mirrors the event-driven surface a protocol engine
// exposes: connect completion and payload/close/error delivery. Accept
// completion is not a callback here; it is the return of
// Listener.Accept. Every callback here runs on the engine's own dispatch
// goroutine, never on the calling process's — a deferred-procedure
// context, not the caller's own stack.
type Callbacks struct {
	ConnectSuccess func()
	ConnectFailure func(err error)
	Recv           func(payload []byte, err error) // err == io.EOF means orderly remote close
}

// Conn wraps one TCP endpoint plus the goroutine translating its
// waiter-queue events into Callbacks invocations.
type Conn struct {
	ep tcpip.Endpoint
	wq waiter.Queue

	mu     sync.Mutex
	closed bool
}

// Dial opens an active TCP connection. It returns immediately; the
// callbacks fire asynchronously as the handshake resolves, so a caller
// blocks on its own condition variable until ConnectSuccess or
// ConnectFailure fires.
func (e *Engine) Dial(remoteIP [4]byte, port uint16, cb Callbacks) (*Conn, error) {
	c := &Conn{}

	ep, tcpErr := e.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &c.wq)
	if tcpErr != nil {
		return nil, ErrNoMemory
	}

	c.ep = ep

	entry, ch := waiter.NewChannelEntry(waiter.EventOut | waiter.EventErr)
	c.wq.EventRegister(&entry)

	addr := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFrom4(remoteIP), Port: port}
	if tcpErr := ep.Connect(addr); tcpErr != nil {
		if _, inProgress := tcpErr.(*tcpip.ErrConnectStarted); !inProgress {
			c.wq.EventUnregister(&entry)
			ep.Close()

			return nil, fmt.Errorf("engine: connect: %s", tcpErr)
		}
	}

	go func() {
		<-ch
		c.wq.EventUnregister(&entry)

		if tcpErr := ep.LastError(); tcpErr != nil {
			cb.ConnectFailure(fmt.Errorf("engine: connect: %s", tcpErr))

			return
		}

		cb.ConnectSuccess()
		c.armReceive(cb)
	}()

	return c, nil
}

// armReceive registers a second, long-lived waiter entry that invokes
// cb.Recv once per readable event for the lifetime of the connection:
// the steady-state receive callback.
func (c *Conn) armReceive(cb Callbacks) {
	entry, ch := waiter.NewChannelEntry(waiter.EventIn | waiter.EventHUp | waiter.EventErr)
	c.wq.EventRegister(&entry)

	go func() {
		defer c.wq.EventUnregister(&entry)

		for range ch {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()

			if closed {
				return
			}

			var buf bytes.Buffer

			res, tcpErr := c.ep.Read(&buf, tcpip.ReadOptions{})
			switch {
			case tcpErr == nil:
				cb.Recv(buf.Bytes()[:res.Count], nil)
			case isClosedForReceive(tcpErr):
				cb.Recv(nil, errClosed)
				return
			case isWouldBlock(tcpErr):
				continue
			default:
				cb.Recv(nil, fmt.Errorf("engine: read: %s", tcpErr))
				return
			}
		}
	}()
}

var errClosed = fmt.Errorf("engine: remote closed the connection: %w", io.EOF)

func isClosedForReceive(err tcpip.Error) bool {
	_, ok := err.(*tcpip.ErrClosedForReceive)
	return ok
}

func isWouldBlock(err tcpip.Error) bool {
	_, ok := err.(*tcpip.ErrWouldBlock)
	return ok
}

// Write hands buf to the engine for transmission. It never blocks: a
// full send window or a transient allocation failure both map to a
// non-nil error (with a count of 0), per spec.md §4.2's write() contract.
func (c *Conn) Write(buf []byte) (int, error) {
	r := bytes.NewReader(buf)

	n, tcpErr := c.ep.Write(r, tcpip.WriteOptions{})
	if tcpErr != nil {
		return 0, fmt.Errorf("engine: write: %s", tcpErr)
	}

	return int(n), nil
}

// Close tears down the endpoint. Unlike Dial/Listen, gVisor's
// tcpip.Endpoint.Close has no failure return at all, so there is no
// ErrNoMemory-shaped condition here for a caller to retry or back off
// across — see socket.Close's own comment and DESIGN.md.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.ep.Close()
}

// ReadWindowAdvance tells the engine that n bytes of previously
// delivered payload have been consumed by the reader and the receive
// window may reopen, per spec.md §4.2's read-path step 2.
func (c *Conn) ReadWindowAdvance(n int) {
	// gVisor's stream endpoint reopens the window automatically as the
	// stream's internal read buffer drains via Read; no explicit
	// call-out is needed, unlike the original lwIP-based driver, which
	// had to call tcp_recved explicitly.
	_ = n
}

// Listener wraps a passive (listening) endpoint.
type Listener struct {
	ep tcpip.Endpoint
	wq waiter.Queue
}

// Listen creates a listening endpoint bound to the given port on every
// local address, mirroring spec.md's listen(f) replacing f's PCB with
// a listen-PCB.
func (e *Engine) Listen(port uint16, backlog int) (*Listener, error) {
	l := &Listener{}

	ep, tcpErr := e.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &l.wq)
	if tcpErr != nil {
		return nil, ErrNoMemory
	}

	l.ep = ep

	if tcpErr := ep.Bind(tcpip.FullAddress{Port: port}); tcpErr != nil {
		ep.Close()

		return nil, fmt.Errorf("engine: bind: %s", tcpErr)
	}

	if tcpErr := ep.Listen(backlog); tcpErr != nil {
		ep.Close()

		return nil, fmt.Errorf("engine: listen: %s", tcpErr)
	}

	return l, nil
}

// Close tears down the listening endpoint, unblocking any Accept call
// in progress with an error.
func (l *Listener) Close() {
	l.ep.Close()
}

// Accept blocks until a new connection arrives, then returns a Conn
// with cb already armed for steady-state receive — the accept_success
// callback of spec.md §4.2, made synchronous at this boundary because
// the socket adapter itself is what turns it into the blocking
// accept() syscall.
func (l *Listener) Accept(cb Callbacks) (*Conn, error) {
	entry, ch := waiter.NewChannelEntry(waiter.EventIn)
	l.wq.EventRegister(&entry)
	defer l.wq.EventUnregister(&entry)

	for {
		ep, wq, tcpErr := l.ep.Accept(nil)
		if tcpErr == nil {
			c := &Conn{ep: ep, wq: *wq}
			c.armReceive(cb)

			return c, nil
		}

		if !isWouldBlock(tcpErr) {
			return nil, fmt.Errorf("engine: accept: %s", tcpErr)
		}

		<-ch
	}
}
