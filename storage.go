// Package storage is the block I/O subsystem: it binds drivers to devices
// found on a bus, runs their request threads and exposes disks and
// partitions through the device tree.
package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/config"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/drivers"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/sysfs"
	"github.com/tcfw/kernel/services/go/storage/uevent"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

var (
	ErrAlreadyStarted = errors.New("subsystem already started")
)

// Subsystem holds everything that would otherwise be process globals: the
// device tree, id allocators, the device manager and the bound drivers.
type Subsystem struct {
	cfg *config.Config
	mem utils.DMAAllocator

	tree    *sysfs.Tree
	events  *uevent.Queue
	ids     *devices.Registry
	ext     *devices.ExtendedAllocator
	manager *devices.Manager
	drivers *drivers.Registry
	virtio  *virtio.Driver

	mu      sync.Mutex
	disks   []drivers.Disk
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg *config.Config, mem utils.DMAAllocator) (*Subsystem, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Subsystem{
		cfg:     cfg,
		mem:     mem,
		tree:    sysfs.NewTree(),
		events:  uevent.NewQueue(cfg.UeventDepth),
		ids:     devices.NewRegistry(),
		drivers: drivers.NewRegistry(),
	}
	s.manager = devices.NewManager(s.tree, s.events)

	var err error
	if s.ext, err = devices.NewExtendedAllocator(s.ids); err != nil {
		return nil, err
	}

	s.virtio, err = virtio.NewDriver(s.ids, s.ext, s.manager, mem,
		virtio.WithRetryPolicy(cfg.RetryPolicy()),
		virtio.WithMaxEBRChain(cfg.Partition.MaxEBRChain),
	)
	if err != nil {
		return nil, err
	}

	err = s.drivers.RegisterDriver(virtio.Compat, func(info utils.DevInfo) (drivers.Disk, error) {
		disk, err := s.virtio.Probe(info)
		if err != nil {
			return nil, err
		}
		return disk, nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Tree is the subsystem's attribute tree.
func (s *Subsystem) Tree() *sysfs.Tree {
	return s.tree
}

// Events is the uevent queue devices announce themselves on.
func (s *Subsystem) Events() *uevent.Queue {
	return s.events
}

func (s *Subsystem) Manager() *devices.Manager {
	return s.manager
}

// Mem is the DMA allocator bounce buffers should come from.
func (s *Subsystem) Mem() utils.DMAAllocator {
	return s.mem
}

// Devices returns every registered disk and partition.
func (s *Subsystem) Devices() []devices.Device {
	return s.manager.GetDevices()
}

func (s *Subsystem) Disks() []drivers.Disk {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]drivers.Disk(nil), s.disks...)
}

// Start runs a request thread per disk and scans each disk's partitions.
// Disks discovered later are started as they are found.
func (s *Subsystem) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	disks := append([]drivers.Disk(nil), s.disks...)
	s.mu.Unlock()

	var errs error
	for _, disk := range disks {
		errs = multierr.Append(errs, s.startDisk(disk))
	}
	return errs
}

func (s *Subsystem) startDisk(disk drivers.Disk) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := disk.HandleRequests(s.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			klog.ErrorS(err, "request thread exited", "device", disk.Name())
		}
	}()

	if err := disk.ScanPartitions(s.runCtx); err != nil {
		return errors.Wrapf(err, "scanning partitions of %s", disk.Name())
	}
	return nil
}

// Stop removes every disk and waits for the request threads to finish.
func (s *Subsystem) Stop() error {
	s.mu.Lock()
	disks := s.disks
	s.disks = nil
	cancel := s.cancel
	s.mu.Unlock()

	var errs error
	for _, disk := range disks {
		errs = multierr.Append(errs, disk.Remove())
	}

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	errs = multierr.Append(errs, s.virtio.Close())
	klog.V(3).InfoS("storage subsystem stopped", "disks", len(disks))
	return errs
}
