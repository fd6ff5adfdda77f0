package virtio

import (
	"fmt"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	queueRX = 0
	queueTX = 1
)

// Net is the guest-side driver for the virtio-net MMIO device: two
// virtqueues (RX, TX) plus the negotiated MAC address. Its lifetime is
// the device's lifetime — teardown is unsupported, as in the original.
type Net struct {
	regs RegisterFile
	mac  [6]byte

	rx *Queue
	tx *Queue
}

// Init performs the full virtio-net handshake: magic/version/device-id/
// vendor validation, the ACKNOWLEDGE -> DRIVER -> FEATURES_OK ->
// DRIVER_OK status sequence with features masked to {MAC} only,
// per-queue setup, MAC readout and RX priming with N/2 empty receive
// chains.
func Init(regs RegisterFile) (*Net, error) {
	if regs.ReadReg32(RegMagic) != MagicValue ||
		regs.ReadReg32(RegVersion) != Version ||
		regs.ReadReg32(RegDeviceID) != DeviceIDNet ||
		regs.ReadReg32(RegVendorID) != VendorID {
		return nil, errNotFound
	}

	var status uint32

	regs.WriteReg32(RegStatus, status) // reset

	status |= StatusAcknowledge
	regs.WriteReg32(RegStatus, status)

	status |= StatusDriver
	regs.WriteReg32(RegStatus, status)

	features := regs.ReadReg32(RegDeviceFeatures) & FeatureMAC
	regs.WriteReg32(RegDriverFeatures, features)

	status |= StatusFeaturesOK
	regs.WriteReg32(RegStatus, status)

	if regs.ReadReg32(RegStatus)&StatusFeaturesOK == 0 {
		return nil, errFeaturesOK
	}

	n := &Net{regs: regs}

	for _, q := range []struct {
		sel uint32
		dst **Queue
	}{
		{queueRX, &n.rx},
		{queueTX, &n.tx},
	} {
		queue, err := setupQueue(regs, q.sel)
		if err != nil {
			return nil, err
		}

		*q.dst = queue
	}

	status |= StatusDriverOK
	regs.WriteReg32(RegStatus, status)

	for i := 0; i < 6; i++ {
		n.mac[i] = regs.ConfigByte(i)
	}

	for i := 0; i < N/2; i++ {
		if err := n.rx.placeEmptyRecv(); err != nil {
			return nil, fmt.Errorf("virtio: priming rx buffer %d: %w", i, err)
		}
	}

	return n, nil
}

func setupQueue(regs RegisterFile, sel uint32) (*Queue, error) {
	regs.WriteReg32(RegQueueSel, sel)

	if regs.ReadReg32(RegQueueReady) != 0 {
		return nil, &ErrContractViolation{Reason: "queue already marked ready before setup"}
	}

	max := regs.ReadReg32(RegQueueNumMax)
	if max < N {
		return nil, errQueueTooBig
	}

	regs.WriteReg32(RegQueueNum, N)

	q := newQueue(sel, regs)
	regs.WriteReg32(RegQueueDescLow, uint32(sel))
	regs.WriteReg32(RegQueueDescHigh, 0)
	regs.WriteReg32(RegDriverDescLow, uint32(sel))
	regs.WriteReg32(RegDriverDescHigh, 0)
	regs.WriteReg32(RegDeviceDescLow, uint32(sel))
	regs.WriteReg32(RegDeviceDescHigh, 0)
	regs.WriteReg32(RegQueueReady, 1)

	return q, nil
}

// MAC returns the six-byte hardware address the device published.
func (n *Net) MAC() [6]byte { return n.mac }

// RX exposes the receive queue for the simulated-device harness and for
// direct property tests.
func (n *Net) RX() *Queue { return n.rx }

// TX exposes the transmit queue for the simulated-device harness and
// for direct property tests.
func (n *Net) TX() *Queue { return n.tx }

// placeEmptyRecv allocates a chain, wires it up as an empty
// device-writable RX buffer, and publishes it. It does not itself
// retry on allocation failure; callers during priming rely on the
// queue starting out fully free.
func (q *Queue) placeEmptyRecv() error {
	h, d, ok := q.alloc2()
	if !ok {
		return &ErrContractViolation{Reason: "no free descriptors while priming rx"}
	}

	*q.header(h) = Header{}

	q.mu.Lock()
	q.desc[h] = Desc{Addr: uint64(h), Len: HeaderSize, Flags: DescFlagNext | DescFlagWrite, Next: d}
	q.desc[d] = Desc{Addr: uint64(d), Len: MaxFrameSize, Flags: DescFlagWrite}
	q.mu.Unlock()

	q.publish(h)

	return nil
}

// Send transmits a single frame. It first reclaims descriptors for any
// TX chains the device has already completed (lazy reclamation: this
// never runs on an interrupt, only here), then allocates a fresh chain
// for data. If no chain is free it returns -1 immediately — the caller
// decides whether to retry — rather than sleeping while holding the TX
// lock.
func (n *Net) Send(data []byte) int {
	if len(data) > MaxFrameSize {
		panic(&ErrContractViolation{Reason: "frame exceeds 1514 bytes on send"})
	}

	n.tx.reclaim()

	h, d, ok := n.tx.alloc2()
	if !ok {
		return -1
	}

	*n.tx.header(h) = Header{}

	buf := n.tx.packetBuf(h)
	copy(buf, data)

	n.tx.mu.Lock()
	n.tx.desc[h] = Desc{Addr: uint64(h), Len: HeaderSize, Flags: DescFlagNext, Next: d}
	n.tx.desc[d] = Desc{Addr: uint64(d), Len: uint32(len(data))}
	n.tx.mu.Unlock()

	n.tx.publish(h)

	return 0
}

// reclaim frees every TX chain the device has finished with. It is
// lazy: invoked only at the start of Send, never from an interrupt
// context.
func (q *Queue) reclaim() {
	for {
		head, _, ok := q.nextUsed()
		if !ok {
			return
		}

		q.freeChain(head)
	}
}

// Recv copies at most len(out) bytes of the next completed receive
// chain into out and replenishes the queue with a fresh empty chain. It
// returns 0 immediately if no packet is ready — net_recv never blocks.
func (n *Net) Recv(out []byte) int {
	head, length, ok := n.rx.nextUsed()
	if !ok {
		return 0
	}

	if length > MaxFrameSize {
		panic(&ErrContractViolation{Reason: "device reported an oversize frame on rx"})
	}

	n.rx.mu.Lock()
	buf := n.rx.packetBuf(head)
	n.rx.mu.Unlock()

	want := int(length)
	if want > len(out) {
		want = len(out)
	}

	copy(out[:want], buf[:length])

	n.rx.freeChain(head)

	if err := n.rx.placeEmptyRecv(); err != nil {
		panic(err)
	}

	logFrame(out[:want])

	return want
}

// logFrame decodes the Ethernet header of a just-received frame for
// diagnostics; a frame too short to be Ethernet is simply not logged.
func logFrame(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := pkt.LinkLayer().(*layers.Ethernet)
	if !ok {
		return
	}

	log.Printf("virtio: rx frame src=%s dst=%s ethertype=%s len=%d",
		eth.SrcMAC, eth.DstMAC, eth.EthernetType, len(frame))
}
