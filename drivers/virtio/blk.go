package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/metrics"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	// QueueSize is the depth of the single hardware queue.
	QueueSize = 64

	// maxSegments leaves room for the header and status descriptors.
	maxSegments = QueueSize - 2
)

var (
	ErrSectorSizeMismatch = errors.New("device logical block size not supported")
)

// supportedFeatures is everything the driver understands. Multi queue is
// absent: only queue 0 is driven.
const supportedFeatures = VirtioBlockDeviceFeatureSize_Max |
	VirtioBlockDeviceFeatureSeg_Max |
	VirtioBlockDeviceFeatureGeometry |
	VirtioBlockDeviceFeatureRo |
	VirtioBlockDeviceFeatureBlk_Size |
	VirtioBlockDeviceFeatureFlush |
	VirtioBlockDeviceFeatureTopology |
	VirtioBlockDeviceFeatureDiscard |
	VirtioDeviceFeatureVersion_1

type pendingRequest struct {
	req   *block.BioRequest
	slot  int
	typ   VirtioBlkReqType
	start time.Time
}

type completion struct {
	*pendingRequest
	status VirtioBlkReqStatus
}

// deviceInner owns the hardware side of a virtio-blk device. Everything
// under mu is shared between the request thread and the interrupt handler.
type deviceInner struct {
	name      string
	transport Transport
	features  VirtioDeviceFeature
	retry     RetryPolicy

	capacity atomic.Uint64

	// maxDiscard is zero unless DISCARD was negotiated.
	maxDiscard uint64

	mu       sync.Mutex
	queue    *VirtQueue
	reqs     *utils.DMAStream
	resps    *utils.DMAStream
	discards *utils.DMAStream
	slots    chan int
	pending  map[uint16]*pendingRequest
	closed   bool

	fullLog *rate.Limiter

	onConfigChange func(old, new uint64)
}

func newDeviceInner(name string, t Transport, mem utils.DMAAllocator, retry RetryPolicy) (*deviceInner, error) {
	if t.DeviceID() != VirtioBlockDeviceID {
		return nil, errors.Wrapf(ErrNotBlockDevice, "device id %d", t.DeviceID())
	}

	features, err := InitDevice(t, func(offered VirtioDeviceFeature) VirtioDeviceFeature {
		return offered & supportedFeatures
	})
	if err != nil {
		return nil, err
	}

	cfg, err := ReadBlockConfig(t)
	if err != nil {
		return nil, err
	}

	if features.Has(VirtioBlockDeviceFeatureBlk_Size) && cfg.BlkSize != block.SectorSize {
		t.SetStatus(t.Status() | VirtioDeviceStatusFailed)
		return nil, errors.Wrapf(ErrSectorSizeMismatch, "%s: blk_size %d", name, cfg.BlkSize)
	}

	if offered := t.DeviceFeatures(); offered.Has(VirtioBlockDeviceFeatureMq) && cfg.NumQueues > 1 {
		klog.Warningf("virtio: %s advertises %d queues, only queue 0 is used", name, cfg.NumQueues)
	}

	d := &deviceInner{
		name:      name,
		transport: t,
		features:  features,
		retry:     retry,
		slots:     make(chan int, QueueSize),
		pending:   make(map[uint16]*pendingRequest, QueueSize),
		fullLog:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	d.capacity.Store(cfg.Capacity)

	if features.Has(VirtioBlockDeviceFeatureDiscard) {
		d.maxDiscard = uint64(cfg.MaxDiscardSectors)
		if d.maxDiscard == 0 {
			d.maxDiscard = math.MaxUint32
		}
	}

	if d.queue, err = NewVirtQueue(t, mem, 0, QueueSize); err != nil {
		return nil, errors.Wrap(err, "setting up queue 0")
	}
	if d.reqs, err = mem.AllocDMA(QueueSize*VirtioBlkReqHeaderSize, utils.DMAToDevice); err != nil {
		return nil, errors.Wrap(err, "allocating request headers")
	}
	if d.resps, err = mem.AllocDMA(QueueSize*VirtioBlkReqFooterSize, utils.DMAFromDevice); err != nil {
		return nil, errors.Wrap(err, "allocating response headers")
	}
	if d.discards, err = mem.AllocDMA(QueueSize*VirtioBlkDiscardWriteZeroesSize, utils.DMAToDevice); err != nil {
		return nil, errors.Wrap(err, "allocating discard ranges")
	}

	for i := 0; i < QueueSize; i++ {
		d.slots <- i
	}

	return d, nil
}

// start hooks up the interrupt handler and lets the device go.
func (d *deviceInner) start() error {
	if err := d.transport.RegisterIRQ(d.handleIRQ); err != nil {
		return errors.Wrap(err, "registering interrupt handler")
	}
	FinishInit(d.transport)
	return nil
}

func (d *deviceInner) readOnly() bool {
	return d.features.Has(VirtioBlockDeviceFeatureRo)
}

func (d *deviceInner) dispatch(ctx context.Context, req *block.BioRequest) {
	switch req.Type() {
	case block.BioTypeRead:
		d.read(ctx, req)
	case block.BioTypeWrite:
		d.write(ctx, req)
	case block.BioTypeFlush:
		d.flush(ctx, req)
	case block.BioTypeDiscard:
		d.discard(ctx, req)
	default:
		d.complete(req, block.StatusNotSupported)
	}
}

func (d *deviceInner) read(ctx context.Context, req *block.BioRequest) {
	d.submit(ctx, req, VirtioBlkReqTypeIn)
}

func (d *deviceInner) write(ctx context.Context, req *block.BioRequest) {
	if d.readOnly() {
		d.complete(req, block.StatusNotSupported)
		return
	}
	d.submit(ctx, req, VirtioBlkReqTypeOut)
}

// flush completes immediately when the device negotiated FLUSH.
func (d *deviceInner) flush(ctx context.Context, req *block.BioRequest) {
	if d.features.Has(VirtioBlockDeviceFeatureFlush) {
		d.complete(req, block.StatusComplete)
		return
	}
	d.submit(ctx, req, VirtioBlkReqTypeFlush)
}

func (d *deviceInner) discard(ctx context.Context, req *block.BioRequest) {
	if d.readOnly() || !d.features.Has(VirtioBlockDeviceFeatureDiscard) {
		d.complete(req, block.StatusNotSupported)
		return
	}
	if n := req.SectorRange().Len(); n > d.maxDiscard {
		klog.ErrorS(nil, "discard longer than device limit", "device", d.name, "sectors", n, "limit", d.maxDiscard)
		d.complete(req, block.StatusIOError)
		return
	}
	d.submit(ctx, req, VirtioBlkReqTypeDiscard)
}

func descriptorsFor(typ VirtioBlkReqType, nrSegs int) int {
	switch typ {
	case VirtioBlkReqTypeIn, VirtioBlkReqTypeOut:
		return nrSegs + 2
	case VirtioBlkReqTypeDiscard:
		return 3
	default:
		return 2
	}
}

// submit places req on the hardware queue, retrying under the configured
// policy while the queue is out of descriptors or slots.
func (d *deviceInner) submit(ctx context.Context, req *block.BioRequest, typ VirtioBlkReqType) {
	var segs []block.Segment
	if typ == VirtioBlkReqTypeIn || typ == VirtioBlkReqTypeOut {
		segs = req.Segments()
	}

	need := descriptorsFor(typ, len(segs))
	if need > int(d.queue.Size()) {
		panic(fmt.Sprintf("virtio: %s request of %d descriptors exceeds queue of %d", d.name, need, d.queue.Size()))
	}

	for attempt := 0; ; attempt++ {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.complete(req, block.StatusIOError)
			return
		}

		if slot, ok := d.takeSlot(); ok {
			if d.queue.AvailableDesc() >= need {
				notify, err := d.issue(req, typ, slot, segs)
				if err != nil {
					d.slots <- slot
					d.mu.Unlock()

					klog.ErrorS(err, "preparing request", "device", d.name, "type", typ, "sectors", req.SectorRange())
					d.complete(req, block.StatusIOError)
					return
				}
				d.mu.Unlock()

				if notify {
					d.queue.Notify()
				}
				return
			}
			d.slots <- slot
		}
		d.mu.Unlock()

		metrics.QueueFullRetries.WithLabelValues(d.name).Inc()
		if d.fullLog.Allow() {
			klog.Warningf("virtio: %s hardware queue full, retrying", d.name)
		}

		if err := d.retry.Wait(ctx, attempt); err != nil {
			klog.ErrorS(err, "abandoning request waiting for queue space", "device", d.name, "sectors", req.SectorRange())
			d.complete(req, block.StatusIOError)
			return
		}
	}
}

func (d *deviceInner) takeSlot() (int, bool) {
	select {
	case slot := <-d.slots:
		return slot, true
	default:
		return 0, false
	}
}

// issue must be called with mu held and enough free descriptors. It reports
// whether the device wants a notification. Nothing reaches the queue when it
// fails.
func (d *deviceInner) issue(req *block.BioRequest, typ VirtioBlkReqType, slot int, segs []block.Segment) (bool, error) {
	hdrOff := slot * VirtioBlkReqHeaderSize
	hdr := d.reqs.Bytes()[hdrOff : hdrOff+VirtioBlkReqHeaderSize]
	binary.LittleEndian.PutUint32(hdr[0:], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], 0)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(req.SectorRange().Start))
	if err := d.reqs.Sync(hdrOff, VirtioBlkReqHeaderSize); err != nil {
		return false, errors.Wrap(err, "syncing request header")
	}

	d.resps.Bytes()[slot] = byte(VirtioBlkStatusNotReady)
	if err := d.resps.Sync(slot, VirtioBlkReqFooterSize); err != nil {
		return false, errors.Wrap(err, "syncing response header")
	}

	hdrBuf := DMABuf{Addr: d.reqs.PhysAddr() + uintptr(hdrOff), Len: uint32(VirtioBlkReqHeaderSize)}
	respBuf := DMABuf{Addr: d.resps.PhysAddr() + uintptr(slot), Len: VirtioBlkReqFooterSize}

	var inputs, outputs []DMABuf
	switch typ {
	case VirtioBlkReqTypeIn:
		inputs = []DMABuf{hdrBuf}
		for _, seg := range segs {
			outputs = append(outputs, DMABuf{Addr: seg.PhysAddr(), Len: uint32(seg.Len())})
		}
		outputs = append(outputs, respBuf)
	case VirtioBlkReqTypeOut:
		inputs = []DMABuf{hdrBuf}
		for _, seg := range segs {
			if err := seg.Sync(); err != nil {
				return false, errors.Wrap(err, "syncing write segment")
			}
			inputs = append(inputs, DMABuf{Addr: seg.PhysAddr(), Len: uint32(seg.Len())})
		}
		outputs = []DMABuf{respBuf}
	case VirtioBlkReqTypeDiscard:
		off := slot * VirtioBlkDiscardWriteZeroesSize
		rng := d.discards.Bytes()[off : off+VirtioBlkDiscardWriteZeroesSize]
		binary.LittleEndian.PutUint64(rng[0:], uint64(req.SectorRange().Start))
		binary.LittleEndian.PutUint32(rng[8:], uint32(req.SectorRange().Len()))
		binary.LittleEndian.PutUint32(rng[12:], 0)
		if err := d.discards.Sync(off, VirtioBlkDiscardWriteZeroesSize); err != nil {
			return false, errors.Wrap(err, "syncing discard range")
		}

		inputs = []DMABuf{hdrBuf, {Addr: d.discards.PhysAddr() + uintptr(off), Len: uint32(VirtioBlkDiscardWriteZeroesSize)}}
		outputs = []DMABuf{respBuf}
	default:
		inputs = []DMABuf{hdrBuf}
		outputs = []DMABuf{respBuf}
	}

	token, err := d.queue.AddDMABuf(inputs, outputs)
	if err != nil {
		panic(fmt.Sprintf("virtio: %s adding checked descriptor chain: %v", d.name, err))
	}
	d.pending[token] = &pendingRequest{req: req, slot: slot, typ: typ, start: time.Now()}

	metrics.InflightRequests.WithLabelValues(d.name).Inc()
	klog.V(5).InfoS("submitted request", "device", d.name, "type", typ, "sectors", req.SectorRange(), "token", token, "slot", slot)

	return d.queue.ShouldNotify(), nil
}

// handleIRQ runs in interrupt context.
func (d *deviceInner) handleIRQ() {
	status := d.transport.AckInterrupt()

	if status&InterruptUsedBuffer != 0 {
		d.handleCompletions()
	}
	if status&InterruptConfigChange != 0 {
		d.handleConfigChange()
	}
}

func (d *deviceInner) handleCompletions() {
	var done []completion

	d.mu.Lock()
	for {
		token, _, ok := d.queue.PopUsed()
		if !ok {
			break
		}

		p, ok := d.pending[token]
		if !ok {
			klog.ErrorS(nil, "completion for unknown token", "device", d.name, "token", token)
			continue
		}
		delete(d.pending, token)

		status := VirtioBlkReqStatus(d.resps.Bytes()[p.slot])
		if err := d.resps.Sync(p.slot, VirtioBlkReqFooterSize); err != nil {
			klog.ErrorS(err, "syncing response", "device", d.name, "token", token)
			status = VirtioBlkStatusIOErr
		}
		d.slots <- p.slot

		done = append(done, completion{pendingRequest: p, status: status})
	}
	d.mu.Unlock()

	for _, c := range done {
		metrics.InflightRequests.WithLabelValues(d.name).Dec()
		d.complete(c.req, d.bioStatus(c))
	}
}

// bioStatus maps a device status byte to a per bio status. Hardware errors
// stay local to the request.
func (d *deviceInner) bioStatus(c completion) block.BioStatus {
	switch c.status {
	case VirtioBlkStatusOk:
		if c.typ == VirtioBlkReqTypeIn {
			for _, seg := range c.req.Segments() {
				if err := seg.Sync(); err != nil {
					klog.ErrorS(err, "syncing read segment", "device", d.name)
					return block.StatusIOError
				}
			}
		}
		return block.StatusComplete
	case VirtioBlkStatusUnsupp:
		return block.StatusNotSupported
	case VirtioBlkStatusIOErr:
		klog.ErrorS(nil, "device reported I/O error", "device", d.name, "type", c.typ, "sectors", c.req.SectorRange())
		return block.StatusIOError
	default:
		klog.ErrorS(nil, "device returned invalid status", "device", d.name, "type", c.typ, "status", uint8(c.status))
		return block.StatusIOError
	}
}

func (d *deviceInner) complete(req *block.BioRequest, status block.BioStatus) {
	metrics.BiosCompleted.WithLabelValues(d.name, status.String()).Add(float64(req.NrBios()))
	req.Complete(status)
}

func (d *deviceInner) handleConfigChange() {
	cfg, err := ReadBlockConfig(d.transport)
	if err != nil {
		klog.ErrorS(err, "rereading config after change", "device", d.name)
		return
	}

	old := d.capacity.Swap(cfg.Capacity)
	if old == cfg.Capacity {
		return
	}

	klog.InfoS("device capacity changed", "device", d.name, "old", old, "new", cfg.Capacity)
	if d.onConfigChange != nil {
		d.onConfigChange(old, cfg.Capacity)
	}
}

// shutdown resets the device and fails everything still on the hardware
// queue.
func (d *deviceInner) shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = map[uint16]*pendingRequest{}
	d.mu.Unlock()

	d.transport.SetStatus(0)

	for _, p := range pending {
		metrics.InflightRequests.WithLabelValues(d.name).Dec()
		d.complete(p.req, block.StatusIOError)
	}
	klog.V(3).InfoS("virtio device shut down", "device", d.name, "failed", len(pending))
}
