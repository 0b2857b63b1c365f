package virtio

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

var (
	ErrQueueFull      = errors.New("virtqueue has no free descriptors")
	ErrTooManyDescs   = errors.New("descriptor chain longer than queue")
	ErrEmptyChain     = errors.New("descriptor chain without buffers")
	ErrQueueSizeValue = errors.New("queue size must be a power of two")
)

// RingHeader is the flags/idx pair opening the avail and used rings. The
// other side of the ring reads it concurrently so the pair is only ever
// accessed as one atomic word.
type RingHeader struct {
	word uint32
}

func (h *RingHeader) load() [4]byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(&h.word))
	return b
}

func (h *RingHeader) Flags() uint16 {
	b := h.load()
	return binary.LittleEndian.Uint16(b[0:])
}

func (h *RingHeader) Idx() uint16 {
	b := h.load()
	return binary.LittleEndian.Uint16(b[2:])
}

// Store publishes flags and idx together. Ring entries written before
// Store are visible to a reader that observes the new idx.
func (h *RingHeader) Store(flags, idx uint16) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:], flags)
	binary.LittleEndian.PutUint16(b[2:], idx)
	atomic.StoreUint32(&h.word, binary.NativeEndian.Uint32(b[:]))
}

// AvailRing is a view of the driver written ring.
type AvailRing struct {
	arr utils.ContiguousObjectArray
}

func AvailRingSize(n int) int {
	return utils.ContiguousObjectArraySize[uint16, RingHeader, uint16](n)
}

func NewAvailRing(mem []byte) AvailRing {
	return AvailRing{arr: utils.NewContiguousObjectArrayOver[uint16, RingHeader, uint16](mem)}
}

func (r AvailRing) Header() *RingHeader {
	return utils.ContiguousObjectArrayHeader[RingHeader](r.arr)
}

func (r AvailRing) Ring() []uint16 {
	return utils.ContiguousObjectArrayAsSlice[uint16](r.arr)
}

// UsedRing is a view of the device written ring.
type UsedRing struct {
	arr utils.ContiguousObjectArray
}

func UsedRingSize(n int) int {
	return utils.ContiguousObjectArraySize[VirtqUsedElem, RingHeader, uint16](n)
}

func NewUsedRing(mem []byte) UsedRing {
	return UsedRing{arr: utils.NewContiguousObjectArrayOver[VirtqUsedElem, RingHeader, uint16](mem)}
}

func (r UsedRing) Header() *RingHeader {
	return utils.ContiguousObjectArrayHeader[RingHeader](r.arr)
}

func (r UsedRing) Ring() []VirtqUsedElem {
	return utils.ContiguousObjectArrayAsSlice[VirtqUsedElem](r.arr)
}

func DescTableSize(n int) int {
	return n * VirtqDescSize
}

func DescTable(mem []byte) []VirtqDesc {
	return utils.ContiguousObjectArrayAsSlice[VirtqDesc](utils.NewContiguousObjectArrayOver[VirtqDesc, struct{}, struct{}](mem))
}

// DMABuf is one physically contiguous buffer of a descriptor chain.
type DMABuf struct {
	Addr uintptr
	Len  uint32
}

// VirtQueue is the driver side of a split virtqueue. It is not safe for
// concurrent use; the block driver serialises access with its hardware lock.
type VirtQueue struct {
	t    Transport
	idx  uint16
	size uint16

	descMem  *utils.DMAStream
	availMem *utils.DMAStream
	usedMem  *utils.DMAStream

	desc  []VirtqDesc
	avail AvailRing
	used  UsedRing

	free     []uint16
	chains   [][]uint16
	availIdx uint16
	lastUsed uint16
}

// NewVirtQueue allocates the three ring areas and hands them to the device.
func NewVirtQueue(t Transport, alloc utils.DMAAllocator, idx, size uint16) (*VirtQueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.Wrapf(ErrQueueSizeValue, "%d", size)
	}

	q := &VirtQueue{
		t:      t,
		idx:    idx,
		size:   size,
		free:   make([]uint16, 0, size),
		chains: make([][]uint16, size),
	}

	var err error
	if q.descMem, err = alloc.AllocDMA(DescTableSize(int(size)), utils.DMABidirectional); err != nil {
		return nil, errors.Wrap(err, "allocating descriptor table")
	}
	if q.availMem, err = alloc.AllocDMA(AvailRingSize(int(size)), utils.DMAToDevice); err != nil {
		return nil, errors.Wrap(err, "allocating avail ring")
	}
	if q.usedMem, err = alloc.AllocDMA(UsedRingSize(int(size)), utils.DMAFromDevice); err != nil {
		return nil, errors.Wrap(err, "allocating used ring")
	}

	q.desc = DescTable(q.descMem.Bytes())
	q.avail = NewAvailRing(q.availMem.Bytes())
	q.used = NewUsedRing(q.usedMem.Bytes())

	for i := int(size) - 1; i >= 0; i-- {
		q.free = append(q.free, uint16(i))
	}

	if err := t.SetupQueue(idx, size, q.descMem.PhysAddr(), q.availMem.PhysAddr(), q.usedMem.PhysAddr()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *VirtQueue) Size() uint16 {
	return q.size
}

// AvailableDesc is the number of free descriptors.
func (q *VirtQueue) AvailableDesc() int {
	return len(q.free)
}

// AddDMABuf publishes a chain of device readable inputs followed by device
// writable outputs. The returned token identifies the chain in PopUsed.
func (q *VirtQueue) AddDMABuf(inputs, outputs []DMABuf) (uint16, error) {
	n := len(inputs) + len(outputs)
	if n == 0 {
		return 0, ErrEmptyChain
	}
	if n > int(q.size) {
		return 0, errors.Wrapf(ErrTooManyDescs, "%d descriptors, queue of %d", n, q.size)
	}
	if n > len(q.free) {
		return 0, ErrQueueFull
	}

	chain := make([]uint16, n)
	for i := range chain {
		chain[i] = q.free[len(q.free)-1]
		q.free = q.free[:len(q.free)-1]
	}

	for i, id := range chain {
		var (
			buf   DMABuf
			flags VirtqDescFlag
		)
		if i < len(inputs) {
			buf = inputs[i]
		} else {
			buf = outputs[i-len(inputs)]
			flags |= VirtqDescFlagWrite
		}

		d := &q.desc[id]
		d.Addr = uint64(buf.Addr)
		d.Len = buf.Len
		d.Next = 0
		if i+1 < n {
			flags |= VirtqDescFlagNext
			d.Next = chain[i+1]
		}
		d.Flags = flags
	}

	head := chain[0]
	q.chains[head] = chain

	q.avail.Ring()[q.availIdx%q.size] = head
	q.availIdx++
	q.avail.Header().Store(0, q.availIdx)

	return head, nil
}

// ShouldNotify reports whether the device asked to be told about new
// buffers.
func (q *VirtQueue) ShouldNotify() bool {
	return q.used.Header().Flags()&uint16(VirtqUsedFlagNoNotify) == 0
}

func (q *VirtQueue) Notify() {
	q.t.Notify(q.idx)
}

// PopUsed reclaims one completed chain. ok is false when the device has not
// used anything new.
func (q *VirtQueue) PopUsed() (token uint16, length uint32, ok bool) {
	if q.lastUsed == q.used.Header().Idx() {
		return 0, 0, false
	}

	elem := q.used.Ring()[q.lastUsed%q.size]
	q.lastUsed++

	token = uint16(elem.Id)
	if int(token) >= len(q.chains) {
		return token, elem.Len, true
	}
	chain := q.chains[token]
	q.chains[token] = nil
	for i := len(chain) - 1; i >= 0; i-- {
		q.free = append(q.free, chain[i])
	}

	return token, elem.Len, true
}
