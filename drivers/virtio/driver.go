package virtio

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/partition"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"k8s.io/klog/v2"
)

const (
	// Compat is the device tree compatible string the driver binds to.
	Compat = "virtio,mmio"

	// MinorsPerDisk is the minor range reserved for a disk and its legacy
	// partitions.
	MinorsPerDisk = partition.LegacyPartitionLimit

	namePrefix = "vd"
)

// Driver binds virtio-blk devices. It owns the block major all of its disks
// are numbered under.
type Driver struct {
	mem     utils.DMAAllocator
	manager *devices.Manager
	reg     *devices.Registry
	ids     *devices.IDAllocator
	ext     *devices.ExtendedAllocator

	retry  RetryPolicy
	maxEBR int

	mu   sync.Mutex
	next uint32
}

type Option func(*Driver)

// WithRetryPolicy sets how the request thread waits on a full hardware
// queue. The default spins.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Driver) {
		d.retry = p
	}
}

// WithMaxEBRChain bounds the logical partitions followed per disk.
func WithMaxEBRChain(n int) Option {
	return func(d *Driver) {
		d.maxEBR = n
	}
}

// NewDriver registers a dynamic block major for the driver's disks.
func NewDriver(reg *devices.Registry, ext *devices.ExtendedAllocator, manager *devices.Manager, mem utils.DMAAllocator, opts ...Option) (*Driver, error) {
	ids, err := reg.RegisterIDs(devices.DeviceTypeBlock, 0, devices.MinorRange{Start: 0, End: 1 << devices.MinorBits}, devices.NewNoConflictMinorAllocator())
	if err != nil {
		return nil, errors.Wrap(err, "registering virtio block major")
	}

	d := &Driver{
		mem:     mem,
		manager: manager,
		reg:     reg,
		ids:     ids,
		ext:     ext,
		retry:   SpinRetry{},
		maxEBR:  partition.DefaultMaxEBRChain,
	}
	for _, opt := range opts {
		opt(d)
	}

	klog.V(3).InfoS("virtio block driver ready", "major", ids.Major())
	return d, nil
}

func (d *Driver) Major() uint32 {
	return d.ids.Major()
}

// Probe initialises the device behind info and registers it as the next
// vdX disk. Names are only consumed by devices that probe successfully.
func (d *Driver) Probe(info utils.DevInfo) (*BlockDevice, error) {
	t, err := NewMMIOTransport(info)
	if err != nil {
		return nil, errors.Wrapf(err, "probing %s", info.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	index := d.next
	name := FormatName(index)

	id, err := d.ids.Allocate(index * MinorsPerDisk)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating id for %s", name)
	}

	inner, err := newDeviceInner(name, t, d.mem, d.retry)
	if err != nil {
		d.ids.Release(id.Minor)
		return nil, errors.Wrapf(err, "initialising %s", name)
	}

	dev := newBlockDevice(d, name, id, inner)
	if err := inner.start(); err != nil {
		inner.shutdown()
		d.ids.Release(id.Minor)
		return nil, errors.Wrapf(err, "starting %s", name)
	}

	if err := d.manager.RegisterDevice(dev); err != nil {
		inner.shutdown()
		d.ids.Release(id.Minor)
		return nil, err
	}

	d.next++
	klog.InfoS("virtio disk attached", "device", name, "id", id, "sectors", inner.capacity.Load(), "readonly", inner.readOnly(), "bus", info.Name)
	return dev, nil
}

// Close gives the driver's major back. Disks must be removed first.
func (d *Driver) Close() error {
	return d.reg.UnregisterIDs(d.ids)
}

// FormatName returns the disk name for index: vda..vdz, vdaa, vdab and so on.
func FormatName(index uint32) string {
	var suffix []byte

	n := index
	for {
		suffix = append(suffix, byte('a'+n%26))
		n /= 26
		if n == 0 {
			break
		}
		n--
	}

	for i, j := 0, len(suffix)-1; i < j; i, j = i+1, j-1 {
		suffix[i], suffix[j] = suffix[j], suffix[i]
	}
	return namePrefix + string(suffix)
}
