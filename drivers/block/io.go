package block

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

// ReadSectors reads len(buf) bytes starting at sid through the bio path.
// len(buf) must be a whole number of sectors.
func ReadSectors(ctx context.Context, dev BlockDevice, alloc utils.DMAAllocator, sid SectorID, buf []byte) error {
	seg, err := bounceSegment(alloc, len(buf), utils.DMAFromDevice)
	if err != nil {
		return err
	}

	if err := submitSync(ctx, dev, BioTypeRead, sid, seg); err != nil {
		return errors.Wrapf(err, "reading %d sectors at %d from %s", seg.NrSectors(), sid, dev.Name())
	}

	copy(buf, seg.Bytes())
	return nil
}

// WriteSectors writes buf starting at sid through the bio path.
func WriteSectors(ctx context.Context, dev BlockDevice, alloc utils.DMAAllocator, sid SectorID, buf []byte) error {
	seg, err := bounceSegment(alloc, len(buf), utils.DMAToDevice)
	if err != nil {
		return err
	}
	copy(seg.Bytes(), buf)

	if err := submitSync(ctx, dev, BioTypeWrite, sid, seg); err != nil {
		return errors.Wrapf(err, "writing %d sectors at %d to %s", seg.NrSectors(), sid, dev.Name())
	}
	return nil
}

// Flush issues a cache flush and waits for it.
func Flush(ctx context.Context, dev BlockDevice) error {
	bio, err := NewBio(BioTypeFlush, 0, nil, nil)
	if err != nil {
		return err
	}
	return errors.Wrapf(waitBio(ctx, dev, bio), "flushing %s", dev.Name())
}

// Discard tells the device nr sectors from sid are unused. Ranges longer
// than the device's discard limit are sent as several bios.
func Discard(ctx context.Context, dev BlockDevice, sid SectorID, nr uint64) error {
	limit := dev.Metadata().MaxDiscardSectors
	for nr > 0 {
		n := nr
		if limit > 0 && n > limit {
			n = limit
		}

		bio, err := NewDiscardBio(sid, n)
		if err != nil {
			return err
		}
		if err := waitBio(ctx, dev, bio); err != nil {
			return errors.Wrapf(err, "discarding %d sectors at %d on %s", n, sid, dev.Name())
		}

		sid = sid.Add(n)
		nr -= n
	}
	return nil
}

func bounceSegment(alloc utils.DMAAllocator, n int, dir utils.DMADirection) (Segment, error) {
	if n <= 0 || n%SectorSize != 0 {
		return Segment{}, errors.Wrapf(ErrSegmentAlignment, "buffer of %d bytes", n)
	}

	stream, err := alloc.AllocDMA(n, dir)
	if err != nil {
		return Segment{}, errors.Wrap(err, "allocating bounce buffer")
	}
	return NewSegment(stream, 0, n)
}

func submitSync(ctx context.Context, dev BlockDevice, typ BioType, sid SectorID, seg Segment) error {
	bio, err := NewBio(typ, sid, []Segment{seg}, nil)
	if err != nil {
		return err
	}
	return waitBio(ctx, dev, bio)
}

func waitBio(ctx context.Context, dev BlockDevice, bio *Bio) error {
	w, err := bio.Submit(dev)
	if err != nil {
		return err
	}

	status, _, err := w.WaitContext(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// SectorReader reads whole sectors from a device. It is the only access the
// partition parser needs.
type SectorReader interface {
	ReadSector(sid SectorID, buf []byte) error
	NrSectors() uint64
}

type deviceReader struct {
	ctx   context.Context
	dev   BlockDevice
	alloc utils.DMAAllocator
}

// NewSectorReader adapts dev to a SectorReader bound to ctx.
func NewSectorReader(ctx context.Context, dev BlockDevice, alloc utils.DMAAllocator) SectorReader {
	return &deviceReader{ctx: ctx, dev: dev, alloc: alloc}
}

func (r *deviceReader) ReadSector(sid SectorID, buf []byte) error {
	return ReadSectors(r.ctx, r.dev, r.alloc, sid, buf)
}

func (r *deviceReader) NrSectors() uint64 {
	return r.dev.Metadata().NrSectors
}
