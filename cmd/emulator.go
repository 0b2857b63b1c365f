package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage"
	"github.com/tcfw/kernel/services/go/storage/config"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio/emulate"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"k8s.io/klog/v2"
)

const mmioBase = 0x0a000000

// bringUp attaches one emulated disk per configured image and starts the
// subsystem on them. The returned func tears everything down.
func bringUp(ctx context.Context) (*storage.Subsystem, func(), error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}

	mem := utils.NewHeapMemory()

	var backends []emulate.Backend
	if len(cfg.Emulator.Images) == 0 {
		backends = append(backends, emulate.NewMemBackend(cfg.Emulator.Size))
	}
	for _, path := range cfg.Emulator.Images {
		b, err := emulate.OpenFileBackend(path, cfg.Emulator.ReadOnly)
		if err != nil {
			closeBackends(backends)
			return nil, nil, err
		}
		backends = append(backends, b)
	}

	opts := []emulate.Option{emulate.WithNumQueues(uint16(cfg.Emulator.Queues))}
	if !cfg.Emulator.Flush {
		opts = append(opts, emulate.WithFeatures(virtio.VirtioBlockDeviceFeatureDiscard|virtio.VirtioBlockDeviceFeatureSeg_Max))
	}
	if cfg.Emulator.ReadOnly {
		opts = append(opts, emulate.WithReadOnly())
	}

	var (
		devs []*emulate.Device
		bus  utils.StaticBus
	)
	for i, b := range backends {
		devOpts := append(append([]emulate.Option(nil), opts...), emulate.WithSerial(fmt.Sprintf("blkd-%d", i)))
		dev := emulate.New(mem, b, devOpts...)
		dev.Start(ctx)
		devs = append(devs, dev)

		addr := mmioBase + i*0x200
		bus = append(bus, dev.Info(uint32(i), fmt.Sprintf("virtio_mmio@%x", addr)))
	}

	teardown := func() {
		for _, d := range devs {
			d.Close()
		}
		closeBackends(backends)
	}

	s, err := storage.New(cfg, mem)
	if err != nil {
		teardown()
		return nil, nil, err
	}

	if err := s.Discover(ctx, bus); err != nil {
		if len(s.Disks()) == 0 {
			teardown()
			return nil, nil, errors.Wrap(err, "no disk could be attached")
		}
		klog.ErrorS(err, "some disks failed to attach")
	}

	if err := s.Start(ctx); err != nil {
		klog.ErrorS(err, "starting disks")
	}

	return s, func() {
		if err := s.Stop(); err != nil {
			klog.ErrorS(err, "stopping storage subsystem")
		}
		teardown()
	}, nil
}

func closeBackends(backends []emulate.Backend) {
	for _, b := range backends {
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
