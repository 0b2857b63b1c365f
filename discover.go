package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Discover binds a driver to every device on bus. Devices without a driver
// are skipped. A device that fails to probe does not stop the others; all
// failures are returned together.
func (s *Subsystem) Discover(ctx context.Context, bus utils.Bus) error {
	infos, err := bus.Devices()
	if err != nil {
		return errors.Wrap(err, "listing bus devices")
	}

	var errs error
	mapped := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		probe, found := s.drivers.FindDeviceDriver(info.Type())
		if !found {
			klog.V(3).InfoS("no driver for device", "id", info.ID, "name", info.Name, "compat", info.Compat)
			continue
		}

		disk, err := probe(info)
		if err != nil {
			klog.ErrorS(err, "setting up driver for device", "id", info.ID, "name", info.Name)
			errs = multierr.Append(errs, errors.Wrapf(err, "device id=%d", info.ID))
			continue
		}
		mapped++

		s.mu.Lock()
		s.disks = append(s.disks, disk)
		started := s.started
		s.mu.Unlock()

		if started {
			errs = multierr.Append(errs, s.startDisk(disk))
		}
	}

	klog.InfoS("device discovery finished", "found", len(infos), "mapped", mapped)
	return errs
}
