package block

import (
	"sync"
)

// Meta describes a device's limits. It does not change after construction.
type Meta struct {
	// MaxNrSegmentsPerBio is the upper limit of segments in one bio.
	MaxNrSegmentsPerBio int
	// NrSectors is the device size in sectors.
	NrSectors uint64
	// MaxDiscardSectors bounds one discard bio. Zero means no limit.
	MaxDiscardSectors uint64
}

// BlockDevice accepts bios for asynchronous completion.
type BlockDevice interface {
	Name() string
	Enqueue(b *Bio) error
	Metadata() Meta
}

// DeviceRef is a non owning handle on a device. Once the owner releases it
// Get fails, so holders such as partitions never keep a removed disk alive.
type DeviceRef struct {
	mu  sync.RWMutex
	dev BlockDevice
}

func NewDeviceRef(dev BlockDevice) *DeviceRef {
	return &DeviceRef{dev: dev}
}

// Get returns the device if it is still live.
func (r *DeviceRef) Get() (BlockDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.dev, r.dev != nil
}

// Release detaches the handle from its device. Only the owner calls this.
func (r *DeviceRef) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dev = nil
}

// Forward resubmits b to dev shifted by offset sectors. b completes with the
// status of the forwarded bio, or StatusIOError if that bio is dropped.
// An enqueue error from dev is returned and b is left untouched.
func Forward(b *Bio, dev BlockDevice, offset uint64) error {
	var (
		child *Bio
		err   error
	)

	start := b.sids.Start.Add(offset)
	if b.typ == BioTypeDiscard {
		child, err = NewDiscardBio(start, b.sids.Len())
	} else {
		child, err = NewBio(b.typ, start, b.segments, b.extra)
	}
	if err != nil {
		return BioEnqueueOutOfRange
	}

	child.onFinish = func(status BioStatus) {
		if status == statusDropped {
			status = StatusIOError
		}
		b.Complete(status)
	}

	if _, err := child.Submit(dev); err != nil {
		return err
	}
	return nil
}
