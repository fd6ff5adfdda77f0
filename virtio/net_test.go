package virtio_test

import (
	"testing"

	"github.com/teachos/netkernel/virtio"
)

// fakeRegs is a minimal in-memory RegisterFile standing in for a mapped
// virtio-net MMIO device, enough to drive virtio.Init.
type fakeRegs struct {
	regs   map[uint32]uint32
	config [6]byte
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{
		regs: map[uint32]uint32{
			virtio.RegMagic:       virtio.MagicValue,
			virtio.RegVersion:     virtio.Version,
			virtio.RegDeviceID:    virtio.DeviceIDNet,
			virtio.RegVendorID:    virtio.VendorID,
			virtio.RegQueueNumMax: virtio.N,
		},
		config: [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	}
}

func (f *fakeRegs) ReadReg32(offset uint32) uint32 { return f.regs[offset] }
func (f *fakeRegs) WriteReg32(offset uint32, v uint32) {
	f.regs[offset] = v
	if offset == virtio.RegQueueSel {
		// QUEUE_READY is per queue: a newly selected queue reads back as
		// not ready until the driver sets it.
		f.regs[virtio.RegQueueReady] = 0
	}
	if offset == virtio.RegStatus {
		// echo FEATURES_OK back so the handshake can proceed.
		if v&virtio.StatusFeaturesOK != 0 {
			f.regs[virtio.RegStatus] = v
		}
	}
}
func (f *fakeRegs) ConfigByte(i int) byte { return f.config[i] }

func mustInit(t *testing.T) *virtio.Net {
	t.Helper()

	n, err := virtio.Init(newFakeRegs())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	return n
}

func TestInitReadsMAC(t *testing.T) {
	t.Parallel()

	n := mustInit(t)
	mac := n.MAC()

	expected := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	if mac != expected {
		t.Fatalf("expected mac %v, actual %v", expected, mac)
	}
}

func TestInitRejectsBadMagic(t *testing.T) {
	t.Parallel()

	r := newFakeRegs()
	r.regs[virtio.RegMagic] = 0

	if _, err := virtio.Init(r); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestInitRejectsUndersizedQueue(t *testing.T) {
	t.Parallel()

	r := newFakeRegs()
	r.regs[virtio.RegQueueNumMax] = virtio.N - 1

	if _, err := virtio.Init(r); err == nil {
		t.Fatalf("expected error for undersized queue")
	}
}

// TestDescriptorExhaustionOnTX issues N/2 rapid sends without any
// device completion; the (N/2+1)-th returns -1
// immediately, and a later call succeeds once a chain is reclaimed.
func TestDescriptorExhaustionOnTX(t *testing.T) {
	t.Parallel()

	n := mustInit(t)

	for i := 0; i < virtio.N/2; i++ {
		if got := n.Send([]byte("hello")); got != 0 {
			t.Fatalf("send %d: expected 0, got %d", i, got)
		}
	}

	if got := n.Send([]byte("hello")); got != -1 {
		t.Fatalf("expected -1 on exhaustion, got %d", got)
	}

	// Simulate the device completing the oldest chain.
	head := n.TX().DeviceAvailRing(0)
	n.TX().DevicePublishUsed(head, 5)

	if got := n.Send([]byte("hello")); got != 0 {
		t.Fatalf("expected send to succeed after reclaim, got %d", got)
	}
}

// TestRecvReturnsZeroWithNoPacket covers the "no packet" fast path of
// net_recv.
func TestRecvReturnsZeroWithNoPacket(t *testing.T) {
	t.Parallel()

	n := mustInit(t)
	out := make([]byte, 64)

	if got := n.Recv(out); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

// TestRecvCopiesDeviceLengthNotBufferCapacity checks that net_recv
// trusts the used-ring length, not the descriptor's buffer capacity.
func TestRecvCopiesDeviceLengthNotBufferCapacity(t *testing.T) {
	t.Parallel()

	n := mustInit(t)

	head := n.RX().DeviceAvailRing(0)
	buf := n.RX().DeviceBuffer(head)
	copy(buf, []byte("hi"))
	n.RX().DevicePublishUsed(head, 2)

	out := make([]byte, 64)

	got := n.Recv(out)
	if got != 2 {
		t.Fatalf("expected 2 bytes, got %d", got)
	}

	if string(out[:2]) != "hi" {
		t.Fatalf("expected 'hi', got %q", out[:2])
	}
}

// TestTornFrameRejection checks that an oversize length reported on
// the used ring is treated as a fatal protocol invariant
// violation.
func TestTornFrameRejection(t *testing.T) {
	t.Parallel()

	n := mustInit(t)

	head := n.RX().DeviceAvailRing(0)
	n.RX().DevicePublishUsed(head, virtio.MaxFrameSize+1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on oversize frame")
		}
	}()

	n.Recv(make([]byte, virtio.MaxFrameSize+1))
}

// TestSendRejectsOversizeFrame enforces the sender-side half of the
// 1514-byte contract.
func TestSendRejectsOversizeFrame(t *testing.T) {
	t.Parallel()

	n := mustInit(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for oversize send")
		}
	}()

	n.Send(make([]byte, virtio.MaxFrameSize+1))
}

// TestDescriptorConservation checks that after any sequence of
// alloc/free, free descriptors plus twice the in-flight
// chains equals N.
func TestDescriptorConservation(t *testing.T) {
	t.Parallel()

	n := mustInit(t)

	// Send two TX chains, complete both on the device side, then send
	// N/2 more (the first reclaims both) and check the next one is
	// refused: every one of the four TX descriptor pairs is accounted for.
	if got := n.Send([]byte("a")); got != 0 {
		t.Fatalf("send: %d", got)
	}

	if got := n.Send([]byte("b")); got != 0 {
		t.Fatalf("send: %d", got)
	}

	for i := uint16(0); i < 2; i++ {
		head := n.TX().DeviceAvailRing(i)
		n.TX().DevicePublishUsed(head, 1)
	}

	for i := 0; i < virtio.N/2; i++ {
		if got := n.Send([]byte("c")); got != 0 {
			t.Fatalf("send %d after reclaim: %d", i, got)
		}
	}

	if got := n.Send([]byte("d")); got != -1 {
		t.Fatalf("expected exhaustion, got %d", got)
	}
}
