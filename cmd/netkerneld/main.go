// Command netkerneld brings up the full teaching-kernel network stack:
// a virtio-net driver, the gVisor-backed protocol engine, the socket
// adapter, and the syscall dispatch layer, wired together before
// starting any service that accepts connections.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/teachos/netkernel/flag"
	"github.com/teachos/netkernel/internal/engine"
	"github.com/teachos/netkernel/internal/simdevice"
	"github.com/teachos/netkernel/kernel"
	"github.com/teachos/netkernel/resolver"
	"github.com/teachos/netkernel/virtio"
)

// recvPollInterval bounds how often pumpInbound retries net_recv's
// "no packet ready" fast path; net_recv never blocks, so the poll
// loop supplies the wait the caller would otherwise do.
const recvPollInterval = time.Millisecond

func main() {
	serveArgs, probeArgs, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probeArgs != nil {
		probe()
		return
	}

	if err := serve(serveArgs); err != nil {
		log.Fatal(err)
	}
}

// probe reports the virtio-net contract constants this build was
// compiled against, with no device attached — the teaching-kernel
// analogue of the original's KVM capability probe.
func probe() {
	log.Printf("netkerneld: virtio-net driver ready")
	log.Printf("netkerneld: descriptors per queue: %d, max frame size: %d", 8, 1514)
}

func serve(args *flag.ServeArgs) error {
	mac, err := net.ParseMAC(args.MAC)
	if err != nil || len(mac) != 6 {
		return err
	}

	var macArr [6]byte
	copy(macArr[:], mac)

	ip := net.ParseIP(args.LocalAddr).To4()
	if ip == nil {
		log.Fatalf("netkerneld: invalid local address %q", args.LocalAddr)
	}

	var ipArr [4]byte
	copy(ipArr[:], ip)

	eng, err := engine.New(macArr, ipArr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := bringUpNIC(ctx, macArr, eng, args.Loopback); err != nil {
		return err
	}

	res := resolver.New(args.DNSServer)
	mem := make([]byte, args.MemSize)
	k := kernel.New(eng, res, mem)

	log.Printf("netkerneld: serving on %s:%d (loopback=%v)", args.LocalAddr, args.ListenPort, args.Loopback)

	return runEchoDaytimeService(ctx, k, args.ListenPort)
}

// bringUpNIC attaches a virtio-net device to the engine and starts the
// driver's steady-state data path: pumpOutbound feeds every frame the
// engine wants to send through net_send (virtio.Net.Send), and
// pumpInbound polls net_recv (virtio.Net.Recv) to pull completed
// receive chains back into the engine. In loopback mode the simulated
// device's own TX drain reinjects transmitted frames onto its own RX
// queue, the wire-level equivalent of a crossover cable; otherwise the
// same reinjection stands in for "the only peer on the wire", since
// this teaching kernel has no second NIC to talk to — a real
// deployment would instead back simdevice.Device's RegisterFile with
// a mapped MMIO BAR and a real peer on the wire, the same driver
// either way.
func bringUpNIC(ctx context.Context, mac [6]byte, eng *engine.Engine, loopback bool) error {
	var dev *simdevice.Device
	if loopback {
		dev = simdevice.Loopback(mac)
	} else {
		dev = simdevice.New(mac)
		dev.SetOnTX(func(frame []byte) {
			if err := dev.InjectRX(frame); err != nil {
				log.Printf("netkerneld: dropped outbound frame: %v", err)
			}
		})
	}

	n, err := virtio.Init(dev)
	if err != nil {
		return err
	}

	dev.Attach(n)

	go func() {
		if err := dev.Run(ctx); err != nil {
			log.Printf("netkerneld: nic device pump exited: %v", err)
		}
	}()

	go pumpOutbound(ctx, eng, n)
	go pumpInbound(ctx, n, eng)

	return nil
}

// pumpOutbound drains frames the protocol engine wants transmitted and
// hands each to net_send, retrying on transient TX descriptor
// exhaustion (net_send's "device busy" -1 return) rather than
// dropping the frame.
func pumpOutbound(ctx context.Context, eng *engine.Engine, n *virtio.Net) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, ok := eng.Frames.Outbound()
		if !ok {
			return
		}

		for n.Send(frame) != 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(recvPollInterval):
			}
		}
	}
}

// pumpInbound polls net_recv for completed receive chains and hands
// each decoded frame to the protocol engine as inbound traffic — the
// driver-side half of the net_send/net_recv data path.
func pumpInbound(ctx context.Context, n *virtio.Net, eng *engine.Engine) {
	buf := make([]byte, virtio.MaxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		got := n.Recv(buf)
		if got == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(recvPollInterval):
			}

			continue
		}

		eng.Frames.DeliverInbound(buf[:got])
	}
}
