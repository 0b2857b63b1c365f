package partition

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/sysfs"
)

// LegacyPartitionLimit is the number of minors reserved per disk, the disk
// itself included. Partitions numbered past it get extended ids.
const LegacyPartitionLimit = 16

// Partition is a block device backed by a range of its disk. It holds the
// disk weakly: once the disk is removed every bio fails with an I/O error.
type Partition struct {
	index uint32
	name  string
	id    devices.DeviceID
	info  *Info
	owner *block.DeviceRef
	node  *sysfs.Node

	releaseOnce sync.Once
	release     func()
}

func newPartition(index uint32, name string, id devices.DeviceID, info *Info, owner *block.DeviceRef, release func()) *Partition {
	p := &Partition{
		index:   index,
		name:    name,
		id:      id,
		info:    info,
		owner:   owner,
		release: release,
	}

	attrs := sysfs.NewAttrSet().
		Add("dev", sysfs.DefaultROAttrPerms).
		Add("size", sysfs.DefaultROAttrPerms).
		Add("partition", sysfs.DefaultROAttrPerms).
		Add("start", sysfs.DefaultROAttrPerms).
		Add("uevent", sysfs.DefaultRWAttrPerms)
	p.node = sysfs.NewNode(name, sysfs.DefaultRWPerms, attrs, p)
	return p
}

// NewPartitions builds a device for every used slot in infos. Slot i becomes
// partition number i+1. Ids come from the disk's own minor range while the
// number fits, then from ext.
func NewPartitions(disk devices.Device, owner *block.DeviceRef, infos []*Info, legacy *devices.IDAllocator, ext *devices.ExtendedAllocator) ([]*Partition, error) {
	var parts []*Partition

	for i, info := range infos {
		if info == nil {
			continue
		}
		index := uint32(i + 1)

		var (
			id      devices.DeviceID
			err     error
			release func()
		)
		if index < LegacyPartitionLimit {
			id, err = legacy.Allocate(disk.ID().Minor + index)
			minor := id.Minor
			release = func() { legacy.Release(minor) }
		} else {
			id, err = ext.Allocate()
			extID := id
			release = func() { ext.Release(extID) }
		}
		if err != nil {
			for _, p := range parts {
				p.Release()
			}
			return nil, errors.Wrapf(err, "allocating id for partition %d of %s", index, disk.Name())
		}

		parts = append(parts, newPartition(index, Name(disk.Name(), index), id, info, owner, release))
	}

	return parts, nil
}

// Name composes a partition name. Disks whose name ends in a digit get a
// "p" separator.
func Name(disk string, index uint32) string {
	if n := len(disk); n > 0 && disk[n-1] >= '0' && disk[n-1] <= '9' {
		return disk + "p" + strconv.FormatUint(uint64(index), 10)
	}
	return disk + strconv.FormatUint(uint64(index), 10)
}

func (p *Partition) Name() string {
	return p.name
}

func (p *Partition) Kind() devices.Kind {
	return devices.KindPartition
}

func (p *Partition) ID() devices.DeviceID {
	return p.id
}

func (p *Partition) SysNode() *sysfs.Node {
	return p.node
}

func (p *Partition) Index() uint32 {
	return p.index
}

func (p *Partition) Info() *Info {
	return p.info
}

// Enqueue shifts b into the disk's sector space and hands it to the disk.
func (p *Partition) Enqueue(b *block.Bio) error {
	if b.Type() != block.BioTypeFlush && uint64(b.SectorRange().End) > p.info.Sectors {
		return block.BioEnqueueOutOfRange
	}

	dev, ok := p.owner.Get()
	if !ok {
		b.Complete(block.StatusIOError)
		return nil
	}

	return block.Forward(b, dev, p.info.Start)
}

// Metadata reports the disk's limits with the partition's size. A partition
// whose disk is gone reports zero values.
func (p *Partition) Metadata() block.Meta {
	dev, ok := p.owner.Get()
	if !ok {
		return block.Meta{}
	}

	meta := dev.Metadata()
	return block.Meta{
		MaxNrSegmentsPerBio: meta.MaxNrSegmentsPerBio,
		NrSectors:           p.info.Sectors,
		MaxDiscardSectors:   meta.MaxDiscardSectors,
	}
}

// Release returns the partition's device id. Safe to call more than once.
func (p *Partition) Release() {
	p.releaseOnce.Do(p.release)
}

func (p *Partition) UeventEnv() map[string]string {
	env := map[string]string{
		"PARTN": strconv.FormatUint(uint64(p.index), 10),
	}
	if p.info.Scheme == SchemeGPT {
		env["PARTUUID"] = p.info.GUID.String()
		if p.info.Name != "" {
			env["PARTNAME"] = p.info.Name
		}
	}
	return env
}

func (p *Partition) ReadAttr(name string) (string, error) {
	switch name {
	case "dev":
		return p.id.String() + "\n", nil
	case "size":
		return strconv.FormatUint(p.info.Sectors, 10) + "\n", nil
	case "partition":
		return strconv.FormatUint(uint64(p.index), 10) + "\n", nil
	case "start":
		return strconv.FormatUint(p.info.Start, 10) + "\n", nil
	}
	return "", sysfs.ErrNotSupported
}

func (p *Partition) WriteAttr(string, []byte) error {
	return sysfs.ErrNotSupported
}
