package virtio

import (
	"sync"
	"sync/atomic"
)

// N is the fixed descriptor-table size per queue.
const N = 8

// DescFlagNext marks a descriptor as continuing into DescTable[Next].
// DescFlagWrite marks a descriptor as device-writable (used on RX chains).
const (
	DescFlagNext  = 1 << 0
	DescFlagWrite = 1 << 1
)

// MaxFrameSize is the largest Ethernet frame this driver will place in a
// packet buffer; oversize frames are a protocol invariant violation.
const MaxFrameSize = 1514

// HeaderSize is the size of the virtio-net header prepended to every
// frame (v1 legacy layout, no num_buffers/mergeable-rx-buffers).
const HeaderSize = 16

// Desc is one virtqueue descriptor: a (address, length) buffer pointer
// plus chain-linkage flags.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// usedElem is one used-ring entry: which descriptor chain completed, and
// how many bytes the device actually wrote (RX) or consumed (TX) — this
// is authoritative over the descriptor's own Len field, which only
// records buffer capacity.
type usedElem struct {
	ID  uint32
	Len uint32
}

// Header is the 16-byte virtio-net header prepended to every frame. All
// fields stay zero: no GSO, no checksum offload beyond the negotiated
// MAC feature.
type Header struct {
	Flags     uint8
	GSOType   uint8
	HdrLen    uint16
	GSOSize   uint16
	CsumStart uint16
	CsumOff   uint16
	_         [3]uint16 // padding to 16 bytes in the v1 legacy layout
}

// Queue is one direction (RX or TX) of the NIC: a descriptor table, an
// available ring (driver -> device) and a used ring (device -> driver),
// plus the driver-local bookkeeping needed to allocate and reclaim
// descriptor chains.
//
// Invariants: every descriptor is either free or owned by exactly one
// in-flight two-descriptor chain; usedIdxConsumer is monotonic mod
// 2^16 and never passes the device's published used index as observed
// after the acquire fence.
type Queue struct {
	mu sync.Mutex

	regs RegisterFile
	sel  uint32 // queue number used in QUEUE_SEL / QUEUE_NOTIFY

	desc [N]Desc

	availIdx  atomic.Uint32 // low 16 bits significant, monotonic mod 2^16
	availRing [N]uint16

	usedIdxDevice atomic.Uint32 // published by the device side
	usedRing      [N]usedElem
	usedFlags     atomic.Uint32 // non-zero means "no notify needed"

	usedIdxConsumer uint16 // next used-ring slot the driver will inspect

	// free tracks descriptor occupancy, but descriptors are always
	// allocated and released in their structural (2k, 2k+1) pairs: see
	// alloc2. That keeps a chain's head descriptor id deterministically
	// tied to its preallocated header/packet buffer slot (id/2), exactly
	// as the pairing in the original driver relies on.
	free [N]bool

	headers [N / 2]Header
	packets [N / 2][MaxFrameSize]byte

	// waiters is closed and replaced every time a descriptor is freed,
	// so every sleeper on "the free-bitmap channel" wakes and retries —
	// the channel analogue of wakeup(chan) waking every sleeper.
	waiters chan struct{}
}

func newQueue(sel uint32, regs RegisterFile) *Queue {
	q := &Queue{sel: sel, regs: regs, waiters: make(chan struct{})}
	for i := range q.free {
		q.free[i] = true
	}

	return q
}

// alloc2 returns the head and data descriptor indices of a free pair, or
// false if no pair is free. It never blocks; callers that want to retry
// sleep on Wait().
func (q *Queue) alloc2() (h, d uint16, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for k := 0; k < N/2; k++ {
		h, d = uint16(2*k), uint16(2*k+1)
		if q.free[h] && q.free[d] {
			q.free[h] = false
			q.free[d] = false

			return h, d, true
		}
	}

	return 0, 0, false
}

// Wait blocks until the next free_desc wakes every waiter on this queue,
// so the caller can retry alloc2.
func (q *Queue) Wait() {
	q.mu.Lock()
	ch := q.waiters
	q.mu.Unlock()
	<-ch
}

func (q *Queue) freeDesc(i uint16) {
	if q.free[i] {
		panic(&ErrContractViolation{Reason: "double free of a virtqueue descriptor"})
	}

	q.desc[i].Addr = 0
	q.free[i] = true
}

// freeChain releases a two-descriptor chain and wakes every waiter
// blocked on Wait().
func (q *Queue) freeChain(head uint16) {
	q.mu.Lock()

	i := head
	for {
		q.freeDesc(i)

		d := q.desc[i]
		if d.Flags&DescFlagNext != 0 {
			i = d.Next
		} else {
			break
		}
	}

	old := q.waiters
	q.waiters = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

// publish appends head to the available ring and advances availIdx with
// the mandatory store-release fence: the write into availRing[...] must
// be globally visible before the device can observe the advanced index.
func (q *Queue) publish(head uint16) {
	idx := uint16(q.availIdx.Load())
	q.availRing[idx%N] = head
	// atomic.Uint32.Add provides the release barrier: nothing after this
	// point can be reordered before the ring-slot write above.
	q.availIdx.Add(1)

	if q.regs != nil && q.usedFlagsClear() {
		q.regs.WriteReg32(RegQueueNotify, q.sel)
	}
}

// usedFlagsClear reports whether the device has left notifications
// enabled (used->flags == 0); the simulated device side sets usedFlags
// directly, mirroring the no-notify bit in shared DMA memory.
func (q *Queue) usedFlagsClear() bool {
	return q.usedFlags.Load() == 0
}

// nextUsed returns the next completed chain's head descriptor and byte
// length if the driver has not yet consumed everything the device has
// published, using the mandatory acquire fence between reading the
// device's index and reading the ring slot it names.
func (q *Queue) nextUsed() (head uint16, length uint32, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deviceIdx := uint16(q.usedIdxDevice.Load()) // acquire: synchronizes with the device's release on publish
	if q.usedIdxConsumer == deviceIdx {
		return 0, 0, false
	}

	e := q.usedRing[q.usedIdxConsumer%N]
	q.usedIdxConsumer++

	return uint16(e.ID), e.Len, true
}

// packetBuf returns the preallocated packet buffer backing the chain
// rooted at head. The slot is addressed by head/2, which alloc2's
// pairing guarantees is unique among in-flight chains.
func (q *Queue) packetBuf(head uint16) []byte {
	return q.packets[head/2][:]
}

// header returns the preallocated virtio-net header backing head.
func (q *Queue) header(head uint16) *Header {
	return &q.headers[head/2]
}

// Device-facing accessors. In real hardware the queue's descriptor
// table, rings and buffers live in memory the device DMAs into
// directly; internal/simdevice plays that role in-process, so it needs
// read/write access to the same structures the driver half of this file
// uses, without exposing them to ordinary driver callers.

// DeviceDescSnapshot returns descriptor i (the device only ever reads
// descriptors the driver has already published).
func (q *Queue) DeviceDescSnapshot(i uint16) Desc {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.desc[i]
}

// DeviceSetDesc lets the simulated device side populate a descriptor
// before the driver processes it — used only to prime the initial state
// in tests; production descriptor writes always go through the driver.
func (q *Queue) DeviceSetDesc(i uint16, d Desc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.desc[i] = d
}

// DeviceAvailIdx is the avail index last published by the driver.
func (q *Queue) DeviceAvailIdx() uint16 { return uint16(q.availIdx.Load()) }

// DeviceAvailRing returns the descriptor id at avail ring slot i.
func (q *Queue) DeviceAvailRing(i uint16) uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.availRing[i%N]
}

// DeviceBuffer exposes the raw bytes of the data descriptor's backing
// buffer so the simulated device can DMA into or out of it.
func (q *Queue) DeviceBuffer(head uint16) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.packetBuf(head)
}

// DevicePublishUsed appends a used-ring entry and advances the
// device-published index with the matching release semantics. It does
// not change the no-notify state; see DeviceSetNoNotify.
func (q *Queue) DevicePublishUsed(head uint16, length uint32) {
	q.mu.Lock()
	idx := uint16(q.usedIdxDevice.Load())
	q.usedRing[idx%N] = usedElem{ID: uint32(head), Len: length}
	q.mu.Unlock()

	q.usedIdxDevice.Add(1) // release: publishes the ring write above
}

// DeviceSetNoNotify controls the used->flags "no notify" bit the driver
// checks before kicking QUEUE_NOTIFY.
func (q *Queue) DeviceSetNoNotify(set bool) {
	if set {
		q.usedFlags.Store(1)
	} else {
		q.usedFlags.Store(0)
	}
}

