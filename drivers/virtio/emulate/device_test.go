package emulate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/virtio"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

func TestRegisters(t *testing.T) {
	d := New(utils.NewHeapMemory(), NewMemBackend(1<<20))

	if d.Read32(virtio.RegMagic) != virtio.VirtioHeaderMagic {
		t.Fatal("bad magic")
	}
	if d.Read32(virtio.RegVersion) != virtio.VirtioVersion {
		t.Fatal("bad version")
	}

	d.Write32(virtio.RegDeviceFeaturesSel, 1)
	if d.Read32(virtio.RegDeviceFeatures)&1 == 0 {
		t.Fatal("VERSION_1 not offered in the high word")
	}

	capLow := d.Read32(virtio.RegConfig)
	capHigh := d.Read32(virtio.RegConfig + 4)
	if capacity := uint64(capHigh)<<32 | uint64(capLow); capacity != 2048 {
		t.Fatalf("capacity %d", capacity)
	}

	d.Write32(virtio.RegQueueSel, 1)
	if d.Read32(virtio.RegQueueNumMax) != 0 {
		t.Fatal("queue 1 should not exist")
	}
}

func TestFeaturesOKValidation(t *testing.T) {
	tests := []struct {
		name     string
		features virtio.VirtioDeviceFeature
		ok       bool
	}{
		{"subset", virtio.VirtioDeviceFeatureVersion_1 | virtio.VirtioBlockDeviceFeatureFlush, true},
		{"no version", virtio.VirtioBlockDeviceFeatureFlush, false},
		{"not offered", virtio.VirtioDeviceFeatureVersion_1 | virtio.VirtioBlockDeviceFeatureMq, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(utils.NewHeapMemory(), NewMemBackend(4096))

			d.Write32(virtio.RegStatus, uint32(virtio.VirtioDeviceStatusAcknowledge|virtio.VirtioDeviceStatusDriver))
			d.Write32(virtio.RegDriverFeaturesSel, 0)
			d.Write32(virtio.RegDriverFeatures, uint32(tt.features))
			d.Write32(virtio.RegDriverFeaturesSel, 1)
			d.Write32(virtio.RegDriverFeatures, uint32(tt.features>>32))
			d.Write32(virtio.RegStatus, uint32(virtio.VirtioDeviceStatusAcknowledge|virtio.VirtioDeviceStatusDriver|virtio.VirtioDeviceStatusFeaturesOK))

			got := d.Status()&virtio.VirtioDeviceStatusFeaturesOK != 0
			if got != tt.ok {
				t.Fatalf("FEATURES_OK %v, want %v", got, tt.ok)
			}

			d.Write32(virtio.RegStatus, 0)
			if d.Status() != 0 || d.DriverFeatures() != 0 {
				t.Fatal("reset left state behind")
			}
		})
	}
}

func TestResizeBumpsGeneration(t *testing.T) {
	d := New(utils.NewHeapMemory(), NewMemBackend(4096))

	raised := 0
	if err := d.irq.Register(func() { raised++ }); err != nil {
		t.Fatal(err)
	}

	gen := d.Read32(virtio.RegConfigGeneration)
	if err := d.Resize(16); err != nil {
		t.Fatal(err)
	}

	if d.Read32(virtio.RegConfigGeneration) == gen {
		t.Fatal("generation unchanged")
	}
	if d.Read32(virtio.RegInterruptStatus)&virtio.InterruptConfigChange == 0 {
		t.Fatal("config change interrupt not pending")
	}
	if raised != 1 {
		t.Fatalf("irq raised %d times", raised)
	}
	if d.Read32(virtio.RegConfig) != 16 {
		t.Fatal("capacity not updated")
	}

	d.Write32(virtio.RegInterruptACK, virtio.InterruptConfigChange)
	if d.Read32(virtio.RegInterruptStatus) != 0 {
		t.Fatal("interrupt not acknowledged")
	}
}

func TestMemBackend(t *testing.T) {
	b := NewMemBackend(1024)

	if _, err := b.WriteAt([]byte("hello"), 1020); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write past end: %v", err)
	}
	if _, err := b.WriteAt(bytes.Repeat([]byte{1}, 512), 512); err != nil {
		t.Fatal(err)
	}
	if err := b.Discard(512, 256); err != nil {
		t.Fatal(err)
	}

	img := b.Bytes()
	if img[767] != 0 || img[768] != 1 {
		t.Fatal("discard range wrong")
	}

	if err := b.Truncate(2048); err != nil {
		t.Fatal(err)
	}
	if b.Size() != 2048 {
		t.Fatalf("size %d", b.Size())
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := OpenFileBackend(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.WriteAt(bytes.Repeat([]byte{0xEE}, 1024), 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := b.Discard(0, 512); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got[511] != 0 || got[512] != 0xEE {
		t.Fatal("file contents wrong after discard")
	}

	if err := b.Truncate(8192); err != nil {
		t.Fatal(err)
	}
	if b.Size() != 8192 {
		t.Fatalf("size %d", b.Size())
	}
}
