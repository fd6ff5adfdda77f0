// Package simdevice is an in-process stand-in for the virtio-net host
// device: it implements virtio.RegisterFile the way a real mapped BAR
// would, and it plays the device half of both virtqueues — draining
// transmitted frames and injecting received ones — entirely in
// goroutines, so the driver, the engine, and the socket adapter can be
// exercised end to end without real hardware or a hypervisor. Its TX
// pump goroutine is supervised with golang.org/x/sync/errgroup; RX
// injection runs synchronously in the caller of InjectRX.
package simdevice

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teachos/netkernel/virtio"
)

// ErrNoRXBuffers is returned by InjectRX when the driver has not
// published any empty receive descriptors to consume — backpressure
// at the wire, not a protocol violation.
var ErrNoRXBuffers = errors.New("simdevice: no rx buffers available from driver")

// Device is the host-side emulation of one virtio-net MMIO device.
type Device struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	config [6]byte

	notify chan uint32

	tx, rx *virtio.Queue

	txAvailSeen uint16
	rxAvailSeen uint16

	// onTX is invoked with every frame the driver transmits. It is the
	// seam a caller uses to bridge this device to whatever sits on the
	// other end of the wire: an engine.Frames pump, or (for Loopback)
	// this same Device's own InjectRX.
	onTX func(frame []byte)
}

// New returns a Device advertising the given MAC address, with no
// onTX handler installed; callers must call SetOnTX before Run, or
// transmitted frames are silently dropped (matching an unplugged
// cable, not an error).
func New(mac [6]byte) *Device {
	d := &Device{
		regs: map[uint32]uint32{
			virtio.RegMagic:       virtio.MagicValue,
			virtio.RegVersion:     virtio.Version,
			virtio.RegDeviceID:    virtio.DeviceIDNet,
			virtio.RegVendorID:    virtio.VendorID,
			virtio.RegQueueNumMax: virtio.N,
		},
		config: mac,
		notify: make(chan uint32, 8),
	}

	return d
}

// Loopback returns a Device that echoes every transmitted frame
// straight back onto its own receive queue — the simplest possible
// wire, useful for exercising a local client/server exchange with no
// external network.
func Loopback(mac [6]byte) *Device {
	d := New(mac)
	d.SetOnTX(func(frame []byte) {
		_ = d.InjectRX(frame)
	})

	return d
}

// SetOnTX installs the callback invoked with each frame the driver
// sends.
func (d *Device) SetOnTX(fn func(frame []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTX = fn
}

// ReadReg32 implements virtio.RegisterFile.
func (d *Device) ReadReg32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[offset]
}

// WriteReg32 implements virtio.RegisterFile. A write to RegQueueNotify
// is the device's kick: it wakes the TX pump, which drains only on a
// kick and once more at shutdown. A write to RegQueueSel makes
// RegQueueReady read back as not ready for the newly selected queue.
func (d *Device) WriteReg32(offset uint32, v uint32) {
	d.mu.Lock()
	d.regs[offset] = v
	if offset == virtio.RegQueueSel {
		d.regs[virtio.RegQueueReady] = 0
	}
	d.mu.Unlock()

	if offset == virtio.RegQueueNotify {
		select {
		case d.notify <- v:
		default:
		}
	}
}

// ConfigByte implements virtio.RegisterFile, serving the MAC address
// out of virtio-net's config space.
func (d *Device) ConfigByte(i int) byte {
	return d.config[i]
}

// Attach records the driver's RX/TX queues once virtio.Init has
// returned them; Device cannot drive a queue it has no handle to.
func (d *Device) Attach(n *virtio.Net) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = n.TX()
	d.rx = n.RX()
}

// Run starts the TX pump and blocks until ctx is cancelled, draining
// on every notify kick and once more before exiting, so a shutdown
// never drops a frame the driver already published.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				d.drainTX()

				return nil
			case <-d.notify:
				d.drainTX()
			}
		}
	})

	return g.Wait()
}

// drainTX processes every TX chain the driver has published since the
// last drain: reads the frame out of the shared packet buffer,
// publishes the used entry so the driver can reclaim the descriptor
// pair, and hands the frame to onTX.
func (d *Device) drainTX() {
	for {
		d.mu.Lock()
		tx := d.tx
		d.mu.Unlock()

		if tx == nil {
			return
		}

		avail := tx.DeviceAvailIdx()
		if d.txAvailSeen == avail {
			return
		}

		head := tx.DeviceAvailRing(d.txAvailSeen)
		d.txAvailSeen++

		hdr := tx.DeviceDescSnapshot(head)
		data := tx.DeviceDescSnapshot(hdr.Next)

		buf := tx.DeviceBuffer(head)
		frame := append([]byte(nil), buf[:data.Len]...)

		tx.DevicePublishUsed(head, data.Len)

		d.mu.Lock()
		onTX := d.onTX
		d.mu.Unlock()

		if onTX != nil {
			onTX(frame)
		}
	}
}

// InjectRX delivers one inbound frame to the driver by consuming the
// next empty receive chain the driver has published (via
// placeEmptyRecv) and publishing it as complete. It fails with
// ErrNoRXBuffers if the driver has not kept up with replenishment —
// the wire-level equivalent of a dropped packet, never a panic.
func (d *Device) InjectRX(frame []byte) error {
	d.mu.Lock()
	rx := d.rx
	d.mu.Unlock()

	if rx == nil {
		return errors.New("simdevice: InjectRX called before Attach")
	}

	avail := rx.DeviceAvailIdx()
	if d.rxAvailSeen == avail {
		return ErrNoRXBuffers
	}

	head := rx.DeviceAvailRing(d.rxAvailSeen)
	d.rxAvailSeen++

	buf := rx.DeviceBuffer(head)
	if len(frame) > len(buf) {
		return errors.New("simdevice: frame exceeds rx buffer capacity")
	}

	copy(buf, frame)
	rx.DevicePublishUsed(head, uint32(len(frame)))

	return nil
}
