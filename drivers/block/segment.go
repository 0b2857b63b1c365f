package block

import (
	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

// Segment is a sector aligned window into a DMA stream. The bio borrows the
// stream from its owner for the duration of the I/O.
type Segment struct {
	stream *utils.DMAStream
	offset int
	length int
}

// NewSegment references length bytes at offset within stream.
func NewSegment(stream *utils.DMAStream, offset, length int) (Segment, error) {
	if stream == nil {
		return Segment{}, errors.New("nil dma stream")
	}
	if length <= 0 || length%SectorSize != 0 || offset%SectorSize != 0 {
		return Segment{}, errors.Wrapf(ErrSegmentAlignment, "offset=%d len=%d", offset, length)
	}
	if offset < 0 || offset+length > stream.Len() {
		return Segment{}, errors.Wrapf(utils.ErrDMAOutOfRange, "segment [%d, %d) of %d bytes", offset, offset+length, stream.Len())
	}

	return Segment{stream: stream, offset: offset, length: length}, nil
}

// AllocSegment allocates a fresh stream of nrBlocks blocks and wraps all of it.
func AllocSegment(alloc utils.DMAAllocator, nrBlocks int, dir utils.DMADirection) (Segment, error) {
	stream, err := alloc.AllocDMA(nrBlocks*BlockSize, dir)
	if err != nil {
		return Segment{}, errors.Wrap(err, "allocating segment")
	}

	return NewSegment(stream, 0, stream.Len())
}

func (s Segment) Bytes() []byte {
	return s.stream.Bytes()[s.offset : s.offset+s.length]
}

func (s Segment) PhysAddr() uintptr {
	return s.stream.PhysAddr() + uintptr(s.offset)
}

func (s Segment) Len() int {
	return s.length
}

func (s Segment) NrSectors() uint64 {
	return uint64(s.length / SectorSize)
}

func (s Segment) Stream() *utils.DMAStream {
	return s.stream
}

// Sync synchronises the segment's slice of the stream.
func (s Segment) Sync() error {
	return s.stream.Sync(s.offset, s.length)
}
