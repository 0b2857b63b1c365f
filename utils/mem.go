package utils

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	PageSize = 4096

	// physBase is where HeapMemory starts handing out physical addresses.
	physBase uintptr = 0x4000_0000
)

var (
	ErrDMAOutOfRange  = errors.New("dma range out of bounds")
	ErrDMAUnmapped    = errors.New("dma stream unmapped")
	ErrDMAZeroSize    = errors.New("dma allocation of zero bytes")
	ErrPhysNotMapped  = errors.New("physical address not mapped")
	ErrPhysCrossesEnd = errors.New("physical range crosses region end")
)

type DMADirection uint8

const (
	DMAToDevice DMADirection = iota + 1
	DMAFromDevice
	DMABidirectional
)

func (d DMADirection) String() string {
	switch d {
	case DMAToDevice:
		return "to-device"
	case DMAFromDevice:
		return "from-device"
	case DMABidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// DMAStream is a physically contiguous buffer that both the CPU and a device
// can address. Sync must be called around device accesses; on coherent
// memory it only records that the caller honoured the protocol.
type DMAStream struct {
	buf   []byte
	phys  uintptr
	dir      DMADirection
	syncs    atomic.Uint64
	unmapped atomic.Bool
}

func (s *DMAStream) Bytes() []byte {
	return s.buf
}

func (s *DMAStream) PhysAddr() uintptr {
	return s.phys
}

func (s *DMAStream) Len() int {
	return len(s.buf)
}

func (s *DMAStream) Direction() DMADirection {
	return s.dir
}

// Sync synchronises [off, off+n) between the CPU and device views.
func (s *DMAStream) Sync(off, n int) error {
	if off < 0 || n < 0 || off+n > len(s.buf) {
		return errors.Wrapf(ErrDMAOutOfRange, "sync [%d, %d) of %d bytes", off, off+n, len(s.buf))
	}
	if s.unmapped.Load() {
		return errors.Wrapf(ErrDMAUnmapped, "sync at 0x%x", s.phys+uintptr(off))
	}
	MemoryBarrier()
	s.syncs.Add(1)
	return nil
}

// Unmap tears down the device mapping. Later syncs fail.
func (s *DMAStream) Unmap() {
	s.unmapped.Store(true)
}

// SyncCount reports how many times Sync succeeded on the stream.
func (s *DMAStream) SyncCount() uint64 {
	return s.syncs.Load()
}

// Pointer returns an unsafe pointer to byte off of the stream. Used to overlay
// ring structures on device memory.
func (s *DMAStream) Pointer(off int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(s.buf)), off)
}

// DMAAllocator hands out DMA-able memory.
type DMAAllocator interface {
	AllocDMA(n int, dir DMADirection) (*DMAStream, error)
}

// PhysMem resolves device-visible physical addresses back into memory. Only
// device models need this.
type PhysMem interface {
	Resolve(pa uintptr, n int) ([]byte, error)
}

type region struct {
	base uintptr
	buf  []byte
}

// HeapMemory backs "physical memory" with Go heap allocations. Each region
// is page aligned in the physical address space with an unmapped guard page
// between regions.
type HeapMemory struct {
	mu      sync.RWMutex
	next    uintptr
	regions []region
}

func NewHeapMemory() *HeapMemory {
	return &HeapMemory{next: physBase}
}

func (m *HeapMemory) AllocDMA(n int, dir DMADirection) (*DMAStream, error) {
	if n <= 0 {
		return nil, ErrDMAZeroSize
	}

	size := roundUp(n, PageSize)

	//[]uint64 keeps the backing array 8 byte aligned for atomics
	words := make([]uint64, size/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)

	m.mu.Lock()
	base := m.next
	m.next += uintptr(size) + PageSize
	m.regions = append(m.regions, region{base: base, buf: buf})
	m.mu.Unlock()

	return &DMAStream{buf: buf[:n:n], phys: base, dir: dir}, nil
}

func (m *HeapMemory) Resolve(pa uintptr, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base+uintptr(len(m.regions[i].buf)) > pa
	})
	if i == len(m.regions) || m.regions[i].base > pa {
		return nil, errors.Wrapf(ErrPhysNotMapped, "pa=0x%x", pa)
	}

	r := m.regions[i]
	off := int(pa - r.base)
	if n < 0 || off+n > len(r.buf) {
		return nil, errors.Wrapf(ErrPhysCrossesEnd, "pa=0x%x len=%d", pa, n)
	}

	return r.buf[off : off+n : off+n], nil
}

var fence atomic.Uint32

// MemoryBarrier orders memory accesses around device handoff points.
func MemoryBarrier() {
	fence.Add(1)
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
