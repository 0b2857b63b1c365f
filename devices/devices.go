package devices

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/sysfs"
	"github.com/tcfw/kernel/services/go/storage/uevent"
	"k8s.io/klog/v2"
)

var (
	ErrDeviceExists   = errors.New("device already registered")
	ErrDeviceNotFound = errors.New("device not found")
)

// Kind is the closed set of block device kinds.
type Kind uint8

const (
	KindDisk Kind = iota + 1
	KindPartition
)

func (k Kind) String() string {
	switch k {
	case KindDisk:
		return "disk"
	case KindPartition:
		return "partition"
	default:
		return "unknown"
	}
}

// Device is a block device that can be registered and exposed in the tree.
type Device interface {
	block.BlockDevice

	Kind() Kind
	ID() DeviceID
	SysNode() *sysfs.Node
}

// Partitioned is implemented by disks that carry partitions.
type Partitioned interface {
	Partitions() []Device
}

// UeventEnver adds device specific keys to uevents.
type UeventEnver interface {
	UeventEnv() map[string]string
}

// Manager is the registry of live block devices keyed by name.
type Manager struct {
	tree   *sysfs.Tree
	events *uevent.Queue

	mu      sync.RWMutex
	devices map[string]Device
	order   []string
}

func NewManager(tree *sysfs.Tree, events *uevent.Queue) *Manager {
	return &Manager{
		tree:    tree,
		events:  events,
		devices: map[string]Device{},
	}
}

// RegisterDevice makes dev reachable by name, links it under
// /dev/block/<major:minor> and announces it. Disks are placed under /block;
// a partition's node must already hang off its disk.
func (m *Manager) RegisterDevice(dev Device) error {
	name := dev.Name()

	m.mu.Lock()
	if _, ok := m.devices[name]; ok {
		m.mu.Unlock()
		return errors.Wrap(ErrDeviceExists, name)
	}
	m.devices[name] = dev
	m.order = append(m.order, name)
	m.mu.Unlock()

	node := dev.SysNode()
	if dev.Kind() == KindDisk {
		if err := m.tree.Block().AddChild(node); err != nil {
			m.forget(name)
			return errors.Wrapf(err, "adding %s to /block", name)
		}
	}

	if err := m.tree.DevBlock().AddLink(sysfs.NewSymlink(dev.ID().String(), node)); err != nil {
		klog.ErrorS(err, "linking device id", "device", name, "id", dev.ID())
	}

	node.Handle("uevent", sysfs.AttrHandler{
		Read: func() (string, error) {
			return uevent.FormatEnv(ueventEnv(dev)), nil
		},
		Write: func(v []byte) error {
			action, err := uevent.ParseAction(v)
			if err != nil {
				return err
			}
			return m.emit(dev, action)
		},
	})

	klog.InfoS("registered device", "device", name, "kind", dev.Kind(), "id", dev.ID())

	if err := m.emit(dev, uevent.ActionAdd); err != nil {
		klog.ErrorS(err, "announcing device", "device", name)
	}
	return nil
}

// GetDevice looks up a device by name.
func (m *Manager) GetDevice(name string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, ok := m.devices[name]
	return dev, ok
}

// GetDevices returns every device in registration order.
func (m *Manager) GetDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.devices[name])
	}
	return out
}

// RemoveDevice unregisters a device and its tree entries. Of concurrent
// removals of one name only the first succeeds and announces it.
func (m *Manager) RemoveDevice(name string) (Device, error) {
	dev, ok := m.forget(name)
	if !ok {
		return nil, errors.Wrap(ErrDeviceNotFound, name)
	}

	// the event carries the path, so send it before detaching
	if err := m.emit(dev, uevent.ActionRemove); err != nil {
		klog.ErrorS(err, "announcing removal", "device", name)
	}

	_ = m.tree.DevBlock().RemoveLink(dev.ID().String())
	if dev.Kind() == KindDisk {
		if _, err := m.tree.Block().RemoveChild(name); err != nil {
			klog.ErrorS(err, "removing from /block", "device", name)
		}
	}

	klog.InfoS("removed device", "device", name)
	return dev, nil
}

// Notify emits action for a registered device.
func (m *Manager) Notify(dev Device, action uevent.Action) error {
	if _, ok := m.GetDevice(dev.Name()); !ok {
		return errors.Wrap(ErrDeviceNotFound, dev.Name())
	}
	return m.emit(dev, action)
}

// forget drops name from the registry and returns what was registered.
func (m *Manager) forget(name string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[name]
	if !ok {
		return nil, false
	}
	delete(m.devices, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return dev, true
}

func (m *Manager) emit(dev Device, action uevent.Action) error {
	if m.events == nil {
		return nil
	}
	return m.events.Emit(uevent.Event{
		Action:  action,
		DevPath: dev.SysNode().Path(),
		Env:     ueventEnv(dev),
	})
}

func ueventEnv(dev Device) map[string]string {
	env := map[string]string{
		"MAJOR":     strconv.FormatUint(uint64(dev.ID().Major), 10),
		"MINOR":     strconv.FormatUint(uint64(dev.ID().Minor), 10),
		"DEVNAME":   dev.Name(),
		"DEVTYPE":   dev.Kind().String(),
		"SUBSYSTEM": "block",
	}

	if e, ok := dev.(UeventEnver); ok {
		for k, v := range e.UeventEnv() {
			env[k] = v
		}
	}
	return env
}
