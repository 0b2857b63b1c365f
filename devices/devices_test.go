package devices

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/sysfs"
	"github.com/tcfw/kernel/services/go/storage/uevent"
)

type fakeDevice struct {
	name string
	kind Kind
	id   DeviceID
	node *sysfs.Node
}

func newFakeDevice(name string, kind Kind, id DeviceID) *fakeDevice {
	d := &fakeDevice{name: name, kind: kind, id: id}
	attrs := sysfs.NewAttrSet().
		Add("dev", sysfs.DefaultROAttrPerms).
		Add("uevent", sysfs.DefaultRWAttrPerms)
	d.node = sysfs.NewNode(name, sysfs.DefaultRWPerms, attrs, d)
	return d
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Enqueue(b *block.Bio) error { return block.BioEnqueueRefused }
func (d *fakeDevice) Metadata() block.Meta { return block.Meta{} }
func (d *fakeDevice) Kind() Kind { return d.kind }
func (d *fakeDevice) ID() DeviceID { return d.id }
func (d *fakeDevice) SysNode() *sysfs.Node { return d.node }
func (d *fakeDevice) WriteAttr(string, []byte) error { return sysfs.ErrNotSupported }
func (d *fakeDevice) ReadAttr(name string) (string, error) {
	if name == "dev" {
		return d.id.String() + "\n", nil
	}
	return "", sysfs.ErrNotFound
}

func TestDeviceIDEncode(t *testing.T) {
	id := DeviceID{Major: 259, Minor: 7}
	if id.String() != "259:7" {
		t.Fatalf("unexpected string %s", id)
	}
	if DecodeDeviceID(id.Encode()) != id {
		t.Fatal("encode/decode mismatch")
	}
}

func TestBlockMajorRegistration(t *testing.T) {
	r := NewRegistry()

	first, err := r.RegisterIDs(DeviceTypeBlock, 0, MinorRange{0, 256}, NewNoConflictMinorAllocator())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.RegisterIDs(DeviceTypeBlock, 0, MinorRange{0, 256}, NewNoConflictMinorAllocator())
	if err != nil {
		t.Fatal(err)
	}
	if first.Major() != 254 || second.Major() != 253 {
		t.Fatalf("dynamic majors should count down from 254, got %d and %d", first.Major(), second.Major())
	}

	if _, err := r.RegisterIDs(DeviceTypeBlock, 8, MinorRange{0, 16}, NewNoConflictMinorAllocator()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterIDs(DeviceTypeBlock, 8, MinorRange{0, 16}, NewNoConflictMinorAllocator()); !errors.Is(err, ErrNotEnoughIDs) {
		t.Fatalf("expected taken major to fail, got %v", err)
	}
	if _, err := r.RegisterIDs(DeviceTypeBlock, 512, MinorRange{0, 16}, NewNoConflictMinorAllocator()); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected out of range major to fail, got %v", err)
	}

	if err := r.UnregisterIDs(first); err != nil {
		t.Fatal(err)
	}
	again, err := r.RegisterIDs(DeviceTypeBlock, 0, MinorRange{0, 256}, NewNoConflictMinorAllocator())
	if err != nil {
		t.Fatal(err)
	}
	if again.Major() != 254 {
		t.Fatalf("released major not reused, got %d", again.Major())
	}
}

func TestCharMinorRanges(t *testing.T) {
	r := NewRegistry()

	dyn, err := r.RegisterIDs(DeviceTypeCharacter, 0, MinorRange{0, 1}, NewNoConflictMinorAllocator())
	if err != nil {
		t.Fatal(err)
	}
	if dyn.Major() != 254 {
		t.Fatalf("unexpected dynamic char major %d", dyn.Major())
	}

	tests := []struct {
		name   string
		minors MinorRange
		err    error
	}{
		{"first", MinorRange{10, 20}, nil},
		{"before", MinorRange{0, 10}, nil},
		{"after", MinorRange{20, 30}, nil},
		{"overlap", MinorRange{15, 25}, ErrNotEnoughIDs},
		{"too many minors", MinorRange{0, 1 << MinorBits}, ErrInvalidArgs},
	}

	for _, tt := range tests {
		_, err := r.RegisterIDs(DeviceTypeCharacter, 4, tt.minors, NewNoConflictMinorAllocator())
		if tt.err == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if tt.err != nil && !errors.Is(err, tt.err) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.err, err)
		}
	}
}

func TestIDAllocator(t *testing.T) {
	r := NewRegistry()
	ida, err := r.RegisterIDs(DeviceTypeBlock, 0, MinorRange{0, 32}, NewNoConflictMinorAllocator())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ida.Allocate(16); err != nil {
		t.Fatal(err)
	}
	if _, err := ida.Allocate(16); !errors.Is(err, ErrMinorInUse) {
		t.Fatalf("expected in use, got %v", err)
	}
	if _, err := ida.Allocate(32); !errors.Is(err, ErrMinorOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if !ida.Release(16) || ida.Release(16) {
		t.Fatal("release should succeed exactly once")
	}
}

func TestExtendedAllocator(t *testing.T) {
	ext, err := NewExtendedAllocator(NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	a, _ := ext.Allocate()
	b, _ := ext.Allocate()
	if a != (DeviceID{ExtendedBlockMajor, 0}) || b != (DeviceID{ExtendedBlockMajor, 1}) {
		t.Fatalf("unexpected ids %s %s", a, b)
	}

	ext.Release(a)
	c, _ := ext.Allocate()
	if c != a {
		t.Fatalf("released minor not reused, got %s", c)
	}
}

func TestManagerRegister(t *testing.T) {
	tree := sysfs.NewTree()
	events := uevent.NewQueue(8)
	m := NewManager(tree, events)

	disk := newFakeDevice("vda", KindDisk, DeviceID{254, 0})
	if err := m.RegisterDevice(disk); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterDevice(disk); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	part := newFakeDevice("vda1", KindPartition, DeviceID{254, 1})
	if err := disk.node.AddChild(part.node); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterDevice(part); err != nil {
		t.Fatal(err)
	}

	if got, ok := m.GetDevice("vda1"); !ok || got != Device(part) {
		t.Fatal("partition not found by name")
	}
	if len(m.GetDevices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(m.GetDevices()))
	}

	v, err := tree.ReadAttr("/dev/block/254:1/uevent")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(v, "DEVNAME=vda1\n") || !strings.Contains(v, "DEVTYPE=partition\n") {
		t.Fatalf("unexpected uevent attribute %q", v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := events.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != uevent.ActionAdd || ev.DevPath != "/block/vda" {
		t.Fatalf("unexpected first event %+v", ev)
	}
}

func TestManagerUeventWrite(t *testing.T) {
	events := uevent.NewQueue(8)
	m := NewManager(sysfs.NewTree(), events)

	disk := newFakeDevice("vda", KindDisk, DeviceID{254, 0})
	_ = m.RegisterDevice(disk)

	if err := disk.node.WriteAttr("uevent", []byte("change\n")); err != nil {
		t.Fatal(err)
	}
	if err := disk.node.WriteAttr("uevent", []byte("bogus")); !errors.Is(err, uevent.ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}

	if events.Pending() != 2 {
		t.Fatalf("expected add and change events, got %d", events.Pending())
	}
}

func TestManagerRemove(t *testing.T) {
	tree := sysfs.NewTree()
	m := NewManager(tree, nil)

	disk := newFakeDevice("vda", KindDisk, DeviceID{254, 0})
	_ = m.RegisterDevice(disk)

	if _, err := m.RemoveDevice("vda"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetDevice("vda"); ok {
		t.Fatal("device still registered")
	}
	if _, err := tree.Lookup("/block/vda"); !errors.Is(err, sysfs.ErrNotFound) {
		t.Fatalf("node still in tree: %v", err)
	}
	if _, err := m.RemoveDevice("vda"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerConcurrentRemove(t *testing.T) {
	events := uevent.NewQueue(64)
	m := NewManager(sysfs.NewTree(), events)

	if err := m.RegisterDevice(newFakeDevice("vda", KindDisk, DeviceID{254, 0})); err != nil {
		t.Fatal(err)
	}

	const removers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < removers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RemoveDevice("vda"); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrDeviceNotFound) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := successes.Load(); n != 1 {
		t.Fatalf("%d removals succeeded", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []uevent.Action{uevent.ActionAdd, uevent.ActionRemove} {
		ev, err := events.Next(ctx)
		if err != nil || ev.Action != want {
			t.Fatalf("got %+v, %v, want %s", ev, err, want)
		}
	}
	if n := events.Pending(); n != 0 {
		t.Fatalf("%d extra events", n)
	}
}
