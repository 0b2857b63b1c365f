package drivers

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

var (
	ErrNoDriver        = errors.New("no driver for device")
	ErrDriverExists    = errors.New("driver already registered")
	ErrEmptyCompatible = errors.New("empty compatible string")
)

// Disk is a probed disk as the subsystem drives it.
type Disk interface {
	devices.Device
	devices.Partitioned

	HandleRequests(ctx context.Context) error
	ScanPartitions(ctx context.Context) error
	Remove() error
}

// ProbeFunc binds a driver to one device found on a bus.
type ProbeFunc func(utils.DevInfo) (Disk, error)

// Registry maps compatible strings to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]ProbeFunc
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]ProbeFunc{}}
}

func (r *Registry) RegisterDriver(compat string, probe ProbeFunc) error {
	if compat == "" {
		return ErrEmptyCompatible
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drivers[compat]; ok {
		return errors.Wrap(ErrDriverExists, compat)
	}
	r.drivers[compat] = probe
	return nil
}

func (r *Registry) FindDeviceDriver(compat string) (ProbeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driver, ok := r.drivers[compat]
	return driver, ok
}

// Compatibles lists the registered compatible strings.
func (r *Registry) Compatibles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.drivers))
	for c := range r.drivers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Probe finds the driver for info and binds it.
func (r *Registry) Probe(info utils.DevInfo) (Disk, error) {
	probe, ok := r.FindDeviceDriver(info.Compat)
	if !ok {
		return nil, errors.Wrapf(ErrNoDriver, "%s (%s)", info.Name, info.Compat)
	}
	return probe(info)
}
