// Package emulate is a software virtio-mmio block device. It stands in for
// the hardware so the driver can run in a normal process.
package emulate

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"k8s.io/klog/v2"
)

const (
	sectorSize = 512

	// vendorID is "QEMU" as real virtio-mmio devices report it.
	vendorID = 0x554d4551

	defaultQueueNumMax       = 256
	defaultMaxDiscardSectors = 1 << 22
)

// Request is one request the device processed.
type Request struct {
	Type    virtio.VirtioBlkReqType
	Sector  uint64
	Sectors uint64
	Status  virtio.VirtioBlkReqStatus
}

type queueState struct {
	num   uint32
	desc  uint64
	avail uint64
	used  uint64
	ready bool

	lastAvail uint16
	usedIdx   uint16
}

// Device is an emulated virtio-blk device. It implements utils.RegisterIO.
type Device struct {
	mem     utils.PhysMem
	backend Backend
	irq     *utils.SharedIRQ
	serial  string

	version  uint32
	deviceID uint32
	numMax   uint32

	mu              sync.Mutex
	offered         virtio.VirtioDeviceFeature
	driverFeatures  virtio.VirtioDeviceFeature
	devFeaturesSel  uint32
	drvFeaturesSel  uint32
	status          virtio.VirtioDeviceStatus
	queueSel        uint32
	queue           queueState
	interruptStatus uint32
	configGen       uint32
	config          virtio.VirtioBlkConfig
	failing         map[uint64]struct{}
	requests        []Request
	paused          bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Device)

// WithFeatures sets the device specific features offered on top of
// VERSION_1.
func WithFeatures(f virtio.VirtioDeviceFeature) Option {
	return func(d *Device) {
		d.offered = f | virtio.VirtioDeviceFeatureVersion_1
	}
}

// WithNumQueues advertises n queues and offers multi queue when n > 1.
func WithNumQueues(n uint16) Option {
	return func(d *Device) {
		d.config.NumQueues = n
		if n > 1 {
			d.offered |= virtio.VirtioBlockDeviceFeatureMq
		}
	}
}

// WithBlkSize offers BLK_SIZE with the given logical block size.
func WithBlkSize(n uint32) Option {
	return func(d *Device) {
		d.config.BlkSize = n
		d.offered |= virtio.VirtioBlockDeviceFeatureBlk_Size
	}
}

func WithReadOnly() Option {
	return func(d *Device) {
		d.offered |= virtio.VirtioBlockDeviceFeatureRo
	}
}

func WithQueueNumMax(n uint32) Option {
	return func(d *Device) {
		d.numMax = n
	}
}

// WithVersion overrides the MMIO version register.
func WithVersion(v uint32) Option {
	return func(d *Device) {
		d.version = v
	}
}

// WithDeviceID overrides the virtio device type.
func WithDeviceID(id uint32) Option {
	return func(d *Device) {
		d.deviceID = id
	}
}

// WithMaxDiscardSectors sets the largest range one discard may cover.
func WithMaxDiscardSectors(n uint32) Option {
	return func(d *Device) {
		d.config.MaxDiscardSectors = n
	}
}

func WithSerial(s string) Option {
	return func(d *Device) {
		d.serial = s
	}
}

// New builds a device serving backend. Its descriptor rings and buffers are
// looked up in mem.
func New(mem utils.PhysMem, backend Backend, opts ...Option) *Device {
	d := &Device{
		mem:      mem,
		backend:  backend,
		irq:      &utils.SharedIRQ{},
		version:  virtio.VirtioVersion,
		deviceID: virtio.VirtioBlockDeviceID,
		numMax:   defaultQueueNumMax,
		offered: virtio.VirtioDeviceFeatureVersion_1 |
			virtio.VirtioBlockDeviceFeatureFlush |
			virtio.VirtioBlockDeviceFeatureDiscard |
			virtio.VirtioBlockDeviceFeatureSeg_Max,
		failing: map[uint64]struct{}{},
		kick:    make(chan struct{}, 1),
	}
	d.config.NumQueues = 1
	d.config.MaxDiscardSectors = defaultMaxDiscardSectors

	for _, opt := range opts {
		opt(d)
	}

	d.config.Capacity = uint64(backend.Size()) / sectorSize
	d.config.SegMax = d.numMax - 2
	d.config.MaxDiscardSeg = 1
	d.config.DiscardSectorAlignment = 1

	return d
}

// Info describes the device as found on a bus.
func (d *Device) Info(id uint32, name string) utils.DevInfo {
	return utils.DevInfo{
		ID:     id,
		Name:   name,
		Compat: virtio.Compat,
		Regs:   d,
		IRQ:    d.irq,
	}
}

// Start runs the device's worker until ctx is done or Close is called.
func (d *Device) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Device) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Pause stops the device from consuming the avail ring until Resume.
func (d *Device) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paused = true
}

func (d *Device) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()

	d.signal()
}

// FailSector makes every read or write touching sector fail with IOERR.
func (d *Device) FailSector(sector uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failing[sector] = struct{}{}
}

// Requests returns the log of processed requests.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Request(nil), d.requests...)
}

// Resize changes the capacity and raises a config change interrupt.
func (d *Device) Resize(sectors uint64) error {
	if err := d.backend.Truncate(int64(sectors) * sectorSize); err != nil {
		return errors.Wrap(err, "resizing backend")
	}

	d.mu.Lock()
	d.config.Capacity = sectors
	d.configGen++
	d.interruptStatus |= virtio.InterruptConfigChange
	d.mu.Unlock()

	d.irq.Raise()
	return nil
}

func (d *Device) Status() virtio.VirtioDeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

// DriverFeatures returns what the driver accepted.
func (d *Device) DriverFeatures() virtio.VirtioDeviceFeature {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.driverFeatures
}

func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegMagic:
		return virtio.VirtioHeaderMagic
	case virtio.RegVersion:
		return d.version
	case virtio.RegDeviceID:
		return d.deviceID
	case virtio.RegVendorID:
		return vendorID
	case virtio.RegDeviceFeatures:
		return uint32(d.offered >> (32 * (d.devFeaturesSel & 1)))
	case virtio.RegQueueNumMax:
		if d.queueSel != 0 {
			return 0
		}
		return d.numMax
	case virtio.RegQueueReady:
		if d.queueSel == 0 && d.queue.ready {
			return 1
		}
		return 0
	case virtio.RegInterruptStatus:
		return d.interruptStatus
	case virtio.RegStatus:
		return uint32(d.status)
	case virtio.RegConfigGeneration:
		return d.configGen
	}

	if off >= virtio.RegConfig {
		return d.readConfig(off - virtio.RegConfig)
	}

	klog.V(4).InfoS("read of unknown register", "offset", off)
	return 0
}

func (d *Device) readConfig(off uint32) uint32 {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &d.config)

	raw := make([]byte, virtio.VirtioBlkConfigSize+4)
	copy(raw, buf.Bytes())

	if int(off)+4 > len(raw) {
		return 0
	}
	return binary.LittleEndian.Uint32(raw[off:])
}

func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegDeviceFeaturesSel:
		d.devFeaturesSel = v
	case virtio.RegDriverFeaturesSel:
		d.drvFeaturesSel = v
	case virtio.RegDriverFeatures:
		shift := 32 * (d.drvFeaturesSel & 1)
		d.driverFeatures &^= virtio.VirtioDeviceFeature(0xffffffff) << shift
		d.driverFeatures |= virtio.VirtioDeviceFeature(v) << shift
	case virtio.RegQueueSel:
		d.queueSel = v
	case virtio.RegQueueNum:
		if d.queueSel == 0 {
			d.queue.num = v
		}
	case virtio.RegQueueDescLow:
		d.queue.desc = setLow(d.queue.desc, v)
	case virtio.RegQueueDescHigh:
		d.queue.desc = setHigh(d.queue.desc, v)
	case virtio.RegQueueAvailLow:
		d.queue.avail = setLow(d.queue.avail, v)
	case virtio.RegQueueAvailHigh:
		d.queue.avail = setHigh(d.queue.avail, v)
	case virtio.RegQueueUsedLow:
		d.queue.used = setLow(d.queue.used, v)
	case virtio.RegQueueUsedHigh:
		d.queue.used = setHigh(d.queue.used, v)
	case virtio.RegQueueReady:
		if d.queueSel == 0 {
			d.queue.ready = v == 1
		}
	case virtio.RegQueueNotify:
		if v == 0 {
			d.signal()
		}
	case virtio.RegInterruptACK:
		d.interruptStatus &^= v
	case virtio.RegStatus:
		d.writeStatus(virtio.VirtioDeviceStatus(v))
	default:
		klog.V(4).InfoS("write to unknown register", "offset", off, "value", v)
	}
}

func (d *Device) writeStatus(s virtio.VirtioDeviceStatus) {
	if s == 0 {
		d.reset()
		return
	}

	if s&virtio.VirtioDeviceStatusFeaturesOK != 0 && d.status&virtio.VirtioDeviceStatusFeaturesOK == 0 {
		if d.driverFeatures&^d.offered != 0 || !d.driverFeatures.Has(virtio.VirtioDeviceFeatureVersion_1) {
			s &^= virtio.VirtioDeviceStatusFeaturesOK
		}
	}
	d.status = s
}

func (d *Device) reset() {
	d.status = 0
	d.driverFeatures = 0
	d.devFeaturesSel = 0
	d.drvFeaturesSel = 0
	d.queueSel = 0
	d.queue = queueState{}
	d.interruptStatus = 0
}

func (d *Device) signal() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func setLow(x uint64, v uint32) uint64 {
	return x&^0xffffffff | uint64(v)
}

func setHigh(x uint64, v uint32) uint64 {
	return x&0xffffffff | uint64(v)<<32
}

func (d *Device) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		}

		if d.process() {
			d.irq.Raise()
		}
	}
}

// process drains the avail ring and reports whether an interrupt is due.
func (d *Device) process() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused || !d.queue.ready || d.status&virtio.VirtioDeviceStatusDriverOK == 0 {
		return false
	}

	q := &d.queue
	num := int(q.num)

	descMem, err := d.mem.Resolve(uintptr(q.desc), virtio.DescTableSize(num))
	if err != nil {
		d.fail(err)
		return false
	}
	availMem, err := d.mem.Resolve(uintptr(q.avail), virtio.AvailRingSize(num))
	if err != nil {
		d.fail(err)
		return false
	}
	usedMem, err := d.mem.Resolve(uintptr(q.used), virtio.UsedRingSize(num))
	if err != nil {
		d.fail(err)
		return false
	}

	desc := virtio.DescTable(descMem)
	avail := virtio.NewAvailRing(availMem)
	used := virtio.NewUsedRing(usedMem)

	processed := false
	for q.lastAvail != avail.Header().Idx() {
		head := avail.Ring()[int(q.lastAvail)%num]
		q.lastAvail++

		written, err := d.serve(desc, head)
		if err != nil {
			d.fail(err)
			return processed
		}

		used.Ring()[int(q.usedIdx)%num] = virtio.VirtqUsedElem{Id: uint32(head), Len: written}
		q.usedIdx++
		used.Header().Store(0, q.usedIdx)
		processed = true
	}

	if processed {
		d.interruptStatus |= virtio.InterruptUsedBuffer
	}
	return processed
}

// fail puts the device in DEVICE_NEEDS_RESET after a malformed chain.
func (d *Device) fail(err error) {
	klog.ErrorS(err, "emulated device failed")
	d.status |= virtio.VirtioDeviceStatusDeviceNeedsReset
}

type buffer struct {
	data     []byte
	writable bool
}

func (d *Device) chain(desc []virtio.VirtqDesc, head uint16) ([]buffer, error) {
	var bufs []buffer

	idx := head
	for i := 0; ; i++ {
		if i >= len(desc) || int(idx) >= len(desc) {
			return nil, errors.Errorf("descriptor chain from %d is malformed", head)
		}

		dd := desc[idx]
		data, err := d.mem.Resolve(uintptr(dd.Addr), int(dd.Len))
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor %d", idx)
		}
		bufs = append(bufs, buffer{data: data, writable: dd.Flags&virtio.VirtqDescFlagWrite != 0})

		if dd.Flags&virtio.VirtqDescFlagNext == 0 {
			return bufs, nil
		}
		idx = dd.Next
	}
}

// serve executes one request chain and returns the bytes written to device
// writable buffers.
func (d *Device) serve(desc []virtio.VirtqDesc, head uint16) (uint32, error) {
	bufs, err := d.chain(desc, head)
	if err != nil {
		return 0, err
	}
	if len(bufs) < 2 || len(bufs[0].data) < virtio.VirtioBlkReqHeaderSize || bufs[0].writable {
		return 0, errors.Errorf("request %d has no header", head)
	}
	status := bufs[len(bufs)-1]
	if !status.writable || len(status.data) < 1 {
		return 0, errors.Errorf("request %d has no status byte", head)
	}

	hdr := bufs[0].data
	typ := virtio.VirtioBlkReqType(binary.LittleEndian.Uint32(hdr[0:]))
	sector := binary.LittleEndian.Uint64(hdr[8:])
	data := bufs[1 : len(bufs)-1]

	req := Request{Type: typ, Sector: sector}
	var written uint32
	req.Status, req.Sectors, written = d.execute(typ, sector, data)

	status.data[0] = byte(req.Status)
	d.requests = append(d.requests, req)

	return written + 1, nil
}

func (d *Device) execute(typ virtio.VirtioBlkReqType, sector uint64, data []buffer) (virtio.VirtioBlkReqStatus, uint64, uint32) {
	var n uint64
	for _, b := range data {
		n += uint64(len(b.data))
	}
	sectors := n / sectorSize

	switch typ {
	case virtio.VirtioBlkReqTypeIn, virtio.VirtioBlkReqTypeOut:
		if n%sectorSize != 0 || sector+sectors > d.config.Capacity || d.failingIn(sector, sectors) {
			return virtio.VirtioBlkStatusIOErr, sectors, 0
		}
		if typ == virtio.VirtioBlkReqTypeOut && d.offered.Has(virtio.VirtioBlockDeviceFeatureRo) {
			return virtio.VirtioBlkStatusIOErr, sectors, 0
		}

		off := int64(sector * sectorSize)
		var written uint32
		for _, b := range data {
			var err error
			if typ == virtio.VirtioBlkReqTypeIn {
				if !b.writable {
					return virtio.VirtioBlkStatusIOErr, sectors, written
				}
				_, err = d.backend.ReadAt(b.data, off)
				written += uint32(len(b.data))
			} else {
				_, err = d.backend.WriteAt(b.data, off)
			}
			if err != nil {
				klog.ErrorS(err, "backend access", "type", typ, "sector", sector)
				return virtio.VirtioBlkStatusIOErr, sectors, written
			}
			off += int64(len(b.data))
		}
		return virtio.VirtioBlkStatusOk, sectors, written

	case virtio.VirtioBlkReqTypeFlush:
		if err := d.backend.Flush(); err != nil {
			klog.ErrorS(err, "backend flush")
			return virtio.VirtioBlkStatusIOErr, 0, 0
		}
		return virtio.VirtioBlkStatusOk, 0, 0

	case virtio.VirtioBlkReqTypeDiscard:
		if !d.driverFeatures.Has(virtio.VirtioBlockDeviceFeatureDiscard) || len(data) != 1 || len(data[0].data) < virtio.VirtioBlkDiscardWriteZeroesSize {
			return virtio.VirtioBlkStatusUnsupp, 0, 0
		}
		rng := data[0].data
		start := binary.LittleEndian.Uint64(rng[0:])
		count := uint64(binary.LittleEndian.Uint32(rng[8:]))
		if count > uint64(d.config.MaxDiscardSectors) || start+count > d.config.Capacity {
			return virtio.VirtioBlkStatusIOErr, count, 0
		}
		if err := d.backend.Discard(int64(start*sectorSize), int64(count*sectorSize)); err != nil {
			klog.ErrorS(err, "backend discard", "sector", start)
			return virtio.VirtioBlkStatusIOErr, count, 0
		}
		return virtio.VirtioBlkStatusOk, count, 0

	case virtio.VirtioBlkReqTypeGetID:
		if len(data) != 1 || !data[0].writable {
			return virtio.VirtioBlkStatusIOErr, 0, 0
		}
		id := make([]byte, virtio.VirtioBlkIDBytes)
		copy(id, d.serial)
		return virtio.VirtioBlkStatusOk, 0, uint32(copy(data[0].data, id))
	}

	return virtio.VirtioBlkStatusUnsupp, 0, 0
}

func (d *Device) failingIn(sector, n uint64) bool {
	for s := range d.failing {
		if s >= sector && s < sector+n {
			return true
		}
	}
	return false
}
