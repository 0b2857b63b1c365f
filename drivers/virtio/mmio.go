package virtio

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"k8s.io/klog/v2"
)

var (
	ErrBadMagic             = errors.New("invalid virtio header magic")
	ErrUnsupportedVersion   = errors.New("unsupported virtio version")
	ErrNotBlockDevice       = errors.New("virtio device is not a block device")
	ErrFeaturesRejected     = errors.New("device did not accept features")
	ErrQueueUnavailable     = errors.New("queue not available")
	ErrQueueTooSmall        = errors.New("device queue smaller than requested")
	ErrQueueAlreadyUsed     = errors.New("queue already in use")
	ErrConfigNotStable      = errors.New("config space changed while reading")
	ErrMissingInterruptLine = errors.New("device has no interrupt line")
)

// VirtioHeader is the MMIO register file of a virtio device.
type VirtioHeader struct {
	regs utils.RegisterIO
}

func (v VirtioHeader) Magic() uint32 {
	return v.regs.Read32(RegMagic)
}

func (v VirtioHeader) Version() uint32 {
	return v.regs.Read32(RegVersion)
}

func (v VirtioHeader) SubsystemDeviceID() uint32 {
	return v.regs.Read32(RegDeviceID)
}

func (v VirtioHeader) SubsystemVendorID() uint32 {
	return v.regs.Read32(RegVendorID)
}

func (v VirtioHeader) DeviceFeatures() uint32 {
	return v.regs.Read32(RegDeviceFeatures)
}

func (v VirtioHeader) DeviceFeaturesSel(d uint32) {
	v.regs.Write32(RegDeviceFeaturesSel, d)
}

func (v VirtioHeader) DriverFeatures(d uint32) {
	v.regs.Write32(RegDriverFeatures, d)
}

func (v VirtioHeader) DriverFeaturesSel(d uint32) {
	v.regs.Write32(RegDriverFeaturesSel, d)
}

func (v VirtioHeader) QueueSel(d uint32) {
	v.regs.Write32(RegQueueSel, d)
}

func (v VirtioHeader) QueueNumMax() uint32 {
	return v.regs.Read32(RegQueueNumMax)
}

func (v VirtioHeader) SetQueueNum(d uint32) {
	v.regs.Write32(RegQueueNum, d)
}

func (v VirtioHeader) QueueReady() uint32 {
	return v.regs.Read32(RegQueueReady)
}

func (v VirtioHeader) SetQueueReady(d uint32) {
	v.regs.Write32(RegQueueReady, d)
}

func (v VirtioHeader) QueueNotify(d uint32) {
	v.regs.Write32(RegQueueNotify, d)
}

func (v VirtioHeader) InterruptStatus() uint32 {
	return v.regs.Read32(RegInterruptStatus)
}

func (v VirtioHeader) InterruptACK(d uint32) {
	v.regs.Write32(RegInterruptACK, d)
}

func (v VirtioHeader) Status() VirtioDeviceStatus {
	return VirtioDeviceStatus(v.regs.Read32(RegStatus))
}

func (v VirtioHeader) SetStatus(d VirtioDeviceStatus) {
	v.regs.Write32(RegStatus, uint32(d))
}

func (v VirtioHeader) SetQueueDesc(dd uint64) {
	v.regs.Write32(RegQueueDescLow, uint32(dd))
	v.regs.Write32(RegQueueDescHigh, uint32(dd>>32))
}

func (v VirtioHeader) SetQueueAvail(dd uint64) {
	v.regs.Write32(RegQueueAvailLow, uint32(dd))
	v.regs.Write32(RegQueueAvailHigh, uint32(dd>>32))
}

func (v VirtioHeader) SetQueueUsed(dd uint64) {
	v.regs.Write32(RegQueueUsedLow, uint32(dd))
	v.regs.Write32(RegQueueUsedHigh, uint32(dd>>32))
}

func (v VirtioHeader) ConfigGeneration() uint32 {
	return v.regs.Read32(RegConfigGeneration)
}

func (v VirtioHeader) Config32(off uint32) uint32 {
	return v.regs.Read32(RegConfig + off)
}

// Transport is how a virtio driver talks to its device.
type Transport interface {
	DeviceID() uint32

	Status() VirtioDeviceStatus
	SetStatus(VirtioDeviceStatus)

	DeviceFeatures() VirtioDeviceFeature
	SetDriverFeatures(VirtioDeviceFeature)

	MaxQueueSize(idx uint16) uint32
	SetupQueue(idx uint16, size uint16, desc, avail, used uintptr) error
	Notify(idx uint16)

	// ReadConfig copies n bytes of device configuration starting at off.
	ReadConfig(off uint32, n int) ([]byte, error)

	// AckInterrupt returns and acknowledges the pending interrupt bits.
	AckInterrupt() uint32
	RegisterIRQ(handler func()) error
}

// MMIOTransport is a virtio-mmio version 2 transport.
type MMIOTransport struct {
	header VirtioHeader
	irq    utils.IRQLine
}

func NewMMIOTransport(info utils.DevInfo) (*MMIOTransport, error) {
	m := &MMIOTransport{header: VirtioHeader{regs: info.Regs}, irq: info.IRQ}

	if m.header.Magic() != VirtioHeaderMagic {
		return nil, errors.Wrapf(ErrBadMagic, "0x%x", m.header.Magic())
	}

	switch v := m.header.Version(); v {
	case VirtioVersion:
	case VirtioLegacyVersion:
		return nil, errors.Wrap(ErrUnsupportedVersion, "legacy virtio-mmio")
	default:
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%d", v)
	}

	return m, nil
}

func (m *MMIOTransport) DeviceID() uint32 {
	return m.header.SubsystemDeviceID()
}

func (m *MMIOTransport) Status() VirtioDeviceStatus {
	return m.header.Status()
}

func (m *MMIOTransport) SetStatus(s VirtioDeviceStatus) {
	m.header.SetStatus(s)
	utils.MemoryBarrier()
}

func (m *MMIOTransport) DeviceFeatures() VirtioDeviceFeature {
	m.header.DeviceFeaturesSel(0)
	low := m.header.DeviceFeatures()
	m.header.DeviceFeaturesSel(1)
	high := m.header.DeviceFeatures()

	return VirtioDeviceFeature(high)<<32 | VirtioDeviceFeature(low)
}

func (m *MMIOTransport) SetDriverFeatures(f VirtioDeviceFeature) {
	m.header.DriverFeaturesSel(0)
	m.header.DriverFeatures(uint32(f))
	m.header.DriverFeaturesSel(1)
	m.header.DriverFeatures(uint32(f >> 32))
	utils.MemoryBarrier()
}

func (m *MMIOTransport) MaxQueueSize(idx uint16) uint32 {
	m.header.QueueSel(uint32(idx))
	return m.header.QueueNumMax()
}

func (m *MMIOTransport) SetupQueue(idx uint16, size uint16, desc, avail, used uintptr) error {
	m.header.QueueSel(uint32(idx))
	utils.MemoryBarrier()

	if m.header.QueueReady() != 0 {
		return errors.Wrapf(ErrQueueAlreadyUsed, "queue %d", idx)
	}

	numMax := m.header.QueueNumMax()
	if numMax == 0 {
		return errors.Wrapf(ErrQueueUnavailable, "queue %d", idx)
	}
	if numMax < uint32(size) {
		return errors.Wrapf(ErrQueueTooSmall, "queue %d: max %d, want %d", idx, numMax, size)
	}

	m.header.SetQueueNum(uint32(size))
	m.header.SetQueueDesc(uint64(desc))
	m.header.SetQueueAvail(uint64(avail))
	m.header.SetQueueUsed(uint64(used))

	utils.MemoryBarrier()
	m.header.SetQueueReady(1)
	utils.MemoryBarrier()

	return nil
}

func (m *MMIOTransport) Notify(idx uint16) {
	utils.MemoryBarrier()
	m.header.QueueNotify(uint32(idx))
}

// ReadConfig reads a consistent snapshot of the config space, retrying while
// the device bumps the generation counter underneath.
func (m *MMIOTransport) ReadConfig(off uint32, n int) ([]byte, error) {
	words := (n + 3) / 4
	buf := make([]byte, words*4)

	for attempt := 0; attempt < 8; attempt++ {
		gen := m.header.ConfigGeneration()
		for i := 0; i < words; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], m.header.Config32(off+uint32(i*4)))
		}
		if m.header.ConfigGeneration() == gen {
			return buf[:n], nil
		}
	}
	return nil, ErrConfigNotStable
}

func (m *MMIOTransport) AckInterrupt() uint32 {
	status := m.header.InterruptStatus()
	if status != 0 {
		m.header.InterruptACK(status)
	}
	return status
}

func (m *MMIOTransport) RegisterIRQ(handler func()) error {
	if m.irq == nil {
		return ErrMissingInterruptLine
	}
	return m.irq.Register(handler)
}

// InitDevice runs the status handshake up to FEATURES_OK. negotiate gets the
// device's offer and returns the subset the driver accepts. The caller sets
// up its queues and then calls FinishInit.
func InitDevice(t Transport, negotiate func(VirtioDeviceFeature) VirtioDeviceFeature) (VirtioDeviceFeature, error) {
	t.SetStatus(0)
	t.SetStatus(VirtioDeviceStatusAcknowledge)
	t.SetStatus(t.Status() | VirtioDeviceStatusDriver)

	offered := t.DeviceFeatures()
	if !offered.Has(VirtioDeviceFeatureVersion_1) {
		t.SetStatus(t.Status() | VirtioDeviceStatusFailed)
		return 0, errors.Wrap(ErrUnsupportedVersion, "device does not offer VERSION_1")
	}

	accepted := negotiate(offered) & offered
	accepted |= VirtioDeviceFeatureVersion_1
	disableFeature(&accepted, VirtioDeviceFeatureRing_Indirect_Desc)
	disableFeature(&accepted, VirtioDeviceFeatureRing_Event_Idx)

	t.SetDriverFeatures(accepted)
	t.SetStatus(t.Status() | VirtioDeviceStatusFeaturesOK) //features supported

	if t.Status()&VirtioDeviceStatusFeaturesOK == 0 {
		t.SetStatus(t.Status() | VirtioDeviceStatusFailed)
		return 0, errors.Wrapf(ErrFeaturesRejected, "features 0x%x", uint64(accepted))
	}

	klog.V(3).InfoS("virtio features negotiated", "offered", uint64(offered), "accepted", uint64(accepted))
	return accepted, nil
}

// FinishInit marks the driver ready. Queues must be set up before.
func FinishInit(t Transport) {
	t.SetStatus(t.Status() | VirtioDeviceStatusDriverOK) //ready for use
}

// ReadBlockConfig decodes the virtio-blk config space.
func ReadBlockConfig(t Transport) (*VirtioBlkConfig, error) {
	raw, err := t.ReadConfig(0, VirtioBlkConfigSize)
	if err != nil {
		return nil, errors.Wrap(err, "reading block config")
	}

	cfg := &VirtioBlkConfig{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding block config")
	}
	return cfg, nil
}
