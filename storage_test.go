package storage

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/config"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio/emulate"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

func partitionedImage() []byte {
	img := make([]byte, 4096*block.SectorSize)
	for i, e := range [][3]uint32{{0x0C, 64, 1024}, {0x83, 2048, 1024}} {
		off := 0x1BE + i*16
		img[off+2] = 1
		img[off+4] = byte(e[0])
		img[off+6] = 1
		binary.LittleEndian.PutUint32(img[off+8:], e[1])
		binary.LittleEndian.PutUint32(img[off+12:], e[2])
	}
	img[510], img[511] = 0x55, 0xAA
	return img
}

func names(devs []devices.Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Name())
	}
	return out
}

func TestSubsystemLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mem := utils.NewHeapMemory()

	disk0 := emulate.New(mem, emulate.NewMemBackendFrom(partitionedImage()))
	legacy := emulate.New(mem, emulate.NewMemBackend(1<<20), emulate.WithVersion(virtio.VirtioLegacyVersion))
	disk1 := emulate.New(mem, emulate.NewMemBackend(1<<20))
	for _, d := range []*emulate.Device{disk0, legacy, disk1} {
		d.Start(ctx)
		defer d.Close()
	}

	uart := utils.DevInfo{ID: 3, Name: "uart@9000000", Compat: "arm,pl011"}
	bus := utils.StaticBus{
		disk0.Info(0, "virtio_mmio@a000000"),
		legacy.Info(1, "virtio_mmio@a000200"),
		uart,
		disk1.Info(2, "virtio_mmio@a000400"),
	}

	s, err := New(config.Default(), mem)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Discover(ctx, bus)
	if !errors.Is(err, virtio.ErrUnsupportedVersion) {
		t.Fatalf("discover error %v", err)
	}
	if len(s.Disks()) != 2 {
		t.Fatalf("%d disks bound", len(s.Disks()))
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("second start: %v", err)
	}

	got := names(s.Devices())
	want := []string{"vda", "vdb", "vda1", "vda2"}
	if len(got) != len(want) {
		t.Fatalf("devices %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("devices %v, want %v", got, want)
		}
	}

	if v, err := s.Tree().ReadAttr("/block/vda/vda2/size"); err != nil || v != "1024\n" {
		t.Fatalf("vda2 size %q, %v", v, err)
	}

	// announcements for both disks and both partitions are queued
	if n := s.Events().Pending(); n != 4 {
		t.Fatalf("%d pending uevents", n)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if devs := s.Devices(); len(devs) != 0 {
		t.Fatalf("devices left after stop: %v", names(devs))
	}
}

func TestDiscoverAfterStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mem := utils.NewHeapMemory()
	s, err := New(nil, mem)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	dev := emulate.New(mem, emulate.NewMemBackendFrom(partitionedImage()))
	dev.Start(ctx)
	defer dev.Close()

	if err := s.Discover(ctx, utils.StaticBus{dev.Info(0, "hotplug")}); err != nil {
		t.Fatal(err)
	}

	disk, ok := s.Manager().GetDevice("vda1")
	if !ok {
		t.Fatal("partition of hotplugged disk not registered")
	}
	if err := block.ReadSectors(ctx, disk, s.Mem(), 0, make([]byte, block.SectorSize)); err != nil {
		t.Fatal(err)
	}
}
