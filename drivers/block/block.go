package block

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

const (
	SectorSize = 512
	BlockSize  = 4096

	SectorsPerBlock = BlockSize / SectorSize
)

var (
	ErrBlockOperationNotSupported = errors.New("operation not supported")
	ErrBlockIOError               = errors.New("io error")
	ErrBioDropped                 = errors.New("bio dropped before completion")
	ErrBioResubmitted             = errors.New("bio already submitted")
	ErrSectorOverflow             = errors.New("sector range overflows the addressable space")
	ErrSegmentAlignment           = errors.New("segment is not a whole number of sectors")
	ErrQueueClosed                = errors.New("request queue closed")
)

// SectorID addresses a 512 byte sector on a device.
type SectorID uint64

func (s SectorID) Add(n uint64) SectorID {
	return s + SectorID(n)
}

// Offset is the byte offset of the sector from the start of the device.
func (s SectorID) Offset() uint64 {
	return uint64(s) * SectorSize
}

// SectorRange is the half open range [Start, End).
type SectorRange struct {
	Start SectorID
	End   SectorID
}

func (r SectorRange) Len() uint64 {
	return uint64(r.End - r.Start)
}

func (r SectorRange) String() string {
	return "[" + strconv.FormatUint(uint64(r.Start), 10) + ", " + strconv.FormatUint(uint64(r.End), 10) + ")"
}

func newSectorRange(start SectorID, n uint64) (SectorRange, error) {
	if n > math.MaxUint64-uint64(start) {
		return SectorRange{}, errors.Wrapf(ErrSectorOverflow, "start=%d sectors=%d", start, n)
	}
	return SectorRange{Start: start, End: start.Add(n)}, nil
}

type BioType uint8

const (
	BioTypeRead BioType = iota
	BioTypeWrite
	BioTypeFlush
	BioTypeDiscard
)

func (t BioType) String() string {
	switch t {
	case BioTypeRead:
		return "read"
	case BioTypeWrite:
		return "write"
	case BioTypeFlush:
		return "flush"
	case BioTypeDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

type BioStatus uint32

const (
	StatusNotStarted BioStatus = iota
	StatusSubmitted
	StatusComplete
	StatusIOError
	StatusNotSupported

	// statusDropped marks a bio that will never be completed.
	statusDropped
)

func (s BioStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusSubmitted:
		return "submitted"
	case StatusComplete:
		return "complete"
	case StatusIOError:
		return "io-error"
	case StatusNotSupported:
		return "not-supported"
	case statusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

func (s BioStatus) terminal() bool {
	return s >= StatusComplete
}

// Err maps a terminal status to the error a synchronous caller sees.
func (s BioStatus) Err() error {
	switch s {
	case StatusComplete:
		return nil
	case StatusNotSupported:
		return ErrBlockOperationNotSupported
	case statusDropped:
		return ErrBioDropped
	default:
		return ErrBlockIOError
	}
}

// BioEnqueueError is returned synchronously by Enqueue when a bio can not be
// accepted. The bio is left untouched and may be completed by the caller.
type BioEnqueueError uint8

const (
	BioEnqueueTooBig BioEnqueueError = iota + 1
	BioEnqueueRefused
	BioEnqueueOutOfRange
)

func (e BioEnqueueError) Error() string {
	switch e {
	case BioEnqueueTooBig:
		return "bio has too many segments"
	case BioEnqueueRefused:
		return "device refused the bio"
	case BioEnqueueOutOfRange:
		return "bio is outside the device"
	default:
		return "bio enqueue error"
	}
}

// Reason is a short label for metrics.
func (e BioEnqueueError) Reason() string {
	switch e {
	case BioEnqueueTooBig:
		return "too_big"
	case BioEnqueueRefused:
		return "refused"
	case BioEnqueueOutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}
