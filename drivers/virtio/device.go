package virtio

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/partition"
	"github.com/tcfw/kernel/services/go/storage/sysfs"
	"github.com/tcfw/kernel/services/go/storage/uevent"
	"k8s.io/klog/v2"
)

var (
	ErrDeviceRemoved = errors.New("device removed")
)

// BlockDevice is a virtio-blk disk. Bios are staged in a software queue and
// moved to hardware by HandleRequests.
type BlockDevice struct {
	name   string
	id     devices.DeviceID
	driver *Driver
	inner  *deviceInner
	queue  *block.RequestQueue
	self   *block.DeviceRef
	node   *sysfs.Node

	mu      sync.Mutex
	parts   []*partition.Partition
	removed bool
}

func newBlockDevice(drv *Driver, name string, id devices.DeviceID, inner *deviceInner) *BlockDevice {
	d := &BlockDevice{
		name:   name,
		id:     id,
		driver: drv,
		inner:  inner,
		queue:  block.NewRequestQueue(name, maxSegments),
	}
	d.queue.SetMaxDiscardSectors(inner.maxDiscard)
	d.self = block.NewDeviceRef(d)

	attrs := sysfs.NewAttrSet().
		Add("dev", sysfs.DefaultROAttrPerms).
		Add("size", sysfs.DefaultROAttrPerms).
		Add("ro", sysfs.DefaultROAttrPerms).
		Add("uevent", sysfs.DefaultRWAttrPerms)
	d.node = sysfs.NewNode(name, sysfs.DefaultRWPerms, attrs, d)

	inner.onConfigChange = d.capacityChanged
	return d
}

func (d *BlockDevice) Name() string {
	return d.name
}

func (d *BlockDevice) Kind() devices.Kind {
	return devices.KindDisk
}

func (d *BlockDevice) ID() devices.DeviceID {
	return d.id
}

func (d *BlockDevice) SysNode() *sysfs.Node {
	return d.node
}

func (d *BlockDevice) ReadOnly() bool {
	return d.inner.readOnly()
}

// Enqueue stages b for the request thread. It never blocks.
func (d *BlockDevice) Enqueue(b *block.Bio) error {
	if b.Type() != block.BioTypeFlush && uint64(b.SectorRange().End) > d.inner.capacity.Load() {
		return block.BioEnqueueOutOfRange
	}
	return d.queue.Enqueue(b)
}

func (d *BlockDevice) Metadata() block.Meta {
	return block.Meta{
		MaxNrSegmentsPerBio: d.queue.MaxNrSegmentsPerBio(),
		NrSectors:           d.inner.capacity.Load(),
		MaxDiscardSectors:   d.queue.MaxDiscardSectors(),
	}
}

// HandleRequests is the device's request thread. It moves staged requests to
// the hardware queue until ctx is done or the device is removed.
func (d *BlockDevice) HandleRequests(ctx context.Context) error {
	klog.V(3).InfoS("request thread started", "device", d.name)
	defer klog.V(3).InfoS("request thread stopped", "device", d.name)

	for {
		req, err := d.queue.Dequeue(ctx)
		if errors.Is(err, block.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		d.inner.dispatch(ctx, req)
	}
}

// ReadPartitionTable parses the disk's partition table through the bio path,
// so the request thread must be running.
func (d *BlockDevice) ReadPartitionTable(ctx context.Context) ([]*partition.Info, error) {
	r := block.NewSectorReader(ctx, d, d.driver.mem)
	return partition.Parse(r, partition.WithMaxEBRChain(d.driver.maxEBR))
}

// ScanPartitions rereads the partition table and replaces the current
// partitions. An unreadable table leaves the disk without partitions.
func (d *BlockDevice) ScanPartitions(ctx context.Context) error {
	infos, err := d.ReadPartitionTable(ctx)
	if err != nil {
		klog.ErrorS(err, "reading partition table", "device", d.name)
		infos = nil
	}
	return d.SetPartitions(infos)
}

// SetPartitions replaces the disk's partitions with infos, registering a
// device for every used slot.
func (d *BlockDevice) SetPartitions(infos []*partition.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return errors.Wrap(ErrDeviceRemoved, d.name)
	}

	d.dropPartitions()

	parts, err := partition.NewPartitions(d, d.self, infos, d.driver.ids, d.driver.ext)
	if err != nil {
		return err
	}

	for i, p := range parts {
		if err := d.node.AddChild(p.SysNode()); err != nil {
			releasePartitions(parts[i:])
			return errors.Wrapf(err, "adding %s under %s", p.Name(), d.name)
		}
		if err := d.driver.manager.RegisterDevice(p); err != nil {
			_, _ = d.node.RemoveChild(p.Name())
			releasePartitions(parts[i:])
			return err
		}
		d.parts = append(d.parts, p)
	}

	klog.V(3).InfoS("partitions set", "device", d.name, "count", len(d.parts))
	return nil
}

// dropPartitions unregisters every partition. mu must be held.
func (d *BlockDevice) dropPartitions() {
	for _, p := range d.parts {
		if _, err := d.driver.manager.RemoveDevice(p.Name()); err != nil {
			klog.ErrorS(err, "removing partition", "device", p.Name())
		}
		_, _ = d.node.RemoveChild(p.Name())
		p.Release()
	}
	d.parts = nil
}

func releasePartitions(parts []*partition.Partition) {
	for _, p := range parts {
		p.Release()
	}
}

func (d *BlockDevice) Partitions() []devices.Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]devices.Device, 0, len(d.parts))
	for _, p := range d.parts {
		out = append(out, p)
	}
	return out
}

// Remove detaches the disk. Staged bios are dropped, bios on the hardware
// queue fail with an I/O error and so does every later bio sent through a
// partition.
func (d *BlockDevice) Remove() error {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return nil
	}
	d.removed = true

	d.self.Release()
	d.dropPartitions()
	d.mu.Unlock()

	d.queue.Close()
	d.inner.shutdown()

	_, err := d.driver.manager.RemoveDevice(d.name)
	d.driver.ids.Release(d.id.Minor)

	klog.InfoS("virtio disk removed", "device", d.name)
	return err
}

func (d *BlockDevice) capacityChanged(_, sectors uint64) {
	if err := d.driver.manager.Notify(d, uevent.ActionChange); err != nil {
		klog.ErrorS(err, "announcing capacity change", "device", d.name, "sectors", sectors)
	}
}

func (d *BlockDevice) ReadAttr(name string) (string, error) {
	switch name {
	case "dev":
		return d.id.String() + "\n", nil
	case "size":
		return strconv.FormatUint(d.inner.capacity.Load(), 10) + "\n", nil
	case "ro":
		if d.ReadOnly() {
			return "1\n", nil
		}
		return "0\n", nil
	}
	return "", sysfs.ErrNotSupported
}

func (d *BlockDevice) WriteAttr(string, []byte) error {
	return sysfs.ErrNotSupported
}
