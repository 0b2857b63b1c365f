package virtio

import (
	"unsafe"
)

const (
	VirtioHeaderMagic   = uint32(0x74726976)
	VirtioVersion       = uint32(2)
	VirtioLegacyVersion = uint32(1)
	VirtioBlockDeviceID = uint32(2)
)

// MMIO register offsets.
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

type VirtioDeviceStatus uint32

const (
	VirtioDeviceStatusAcknowledge      VirtioDeviceStatus = 1
	VirtioDeviceStatusDriver           VirtioDeviceStatus = 2
	VirtioDeviceStatusFailed           VirtioDeviceStatus = 128
	VirtioDeviceStatusFeaturesOK       VirtioDeviceStatus = 8
	VirtioDeviceStatusDriverOK         VirtioDeviceStatus = 4
	VirtioDeviceStatusDeviceNeedsReset VirtioDeviceStatus = 64
)

// InterruptStatus bits.
const (
	InterruptUsedBuffer   uint32 = 1 << 0
	InterruptConfigChange uint32 = 1 << 1
)

// VirtioDeviceFeature is the full 64 bit feature word. The MMIO registers
// expose it 32 bits at a time through the features select registers.
type VirtioDeviceFeature uint64

const (
	VirtioBlockDeviceFeatureBarrier      VirtioDeviceFeature = 1 << 0  //(Legacy) Device supports request barriers.
	VirtioBlockDeviceFeatureSize_Max     VirtioDeviceFeature = 1 << 1  //Maximum size of any single segment is in size_max.
	VirtioBlockDeviceFeatureSeg_Max      VirtioDeviceFeature = 1 << 2  //Maximum number of segments in a request is in seg_max.
	VirtioBlockDeviceFeatureGeometry     VirtioDeviceFeature = 1 << 4  //Disk-style geometry specified in geometry.
	VirtioBlockDeviceFeatureRo           VirtioDeviceFeature = 1 << 5  //Device is read-only.
	VirtioBlockDeviceFeatureBlk_Size     VirtioDeviceFeature = 1 << 6  //Block size of disk is in blk_size.
	VirtioBlockDeviceFeatureScsi         VirtioDeviceFeature = 1 << 7  //(Legacy) Device supports scsi packet commands.
	VirtioBlockDeviceFeatureFlush        VirtioDeviceFeature = 1 << 9  //Cache flush command support.
	VirtioBlockDeviceFeatureTopology     VirtioDeviceFeature = 1 << 10 //Device exports information on optimal I/O alignment.
	VirtioBlockDeviceFeatureConfig_Wce   VirtioDeviceFeature = 1 << 11 //Device can toggle its cache between writeback and writethrough modes.
	VirtioBlockDeviceFeatureMq           VirtioDeviceFeature = 1 << 12 //Device supports multiqueue.
	VirtioBlockDeviceFeatureDiscard      VirtioDeviceFeature = 1 << 13 //Device can support discard command, maximum discard sectors size in max_discard_sectors.
	VirtioBlockDeviceFeatureWrite_Zeroes VirtioDeviceFeature = 1 << 14 //Device can support write zeroes command.

	VirtioDeviceFeatureRing_Indirect_Desc VirtioDeviceFeature = 1 << 28 //Driver can use descriptors with the VIRTQ_DESC_F_INDIRECT flag set.
	VirtioDeviceFeatureRing_Event_Idx     VirtioDeviceFeature = 1 << 29 //Enables the used_event and the avail_event fields.

	VirtioDeviceFeatureVersion_1         VirtioDeviceFeature = 1 << 32 //Compliance with virtio 1.0, set for every non legacy device.
	VirtioDeviceFeatureAccess_Platform   VirtioDeviceFeature = 1 << 33 //Device access to memory is limited or translated, e.g. behind an IOMMU.
	VirtioDeviceFeatureRing_Packed       VirtioDeviceFeature = 1 << 34 //Packed virtqueue layout.
	VirtioDeviceFeatureIn_Order          VirtioDeviceFeature = 1 << 35 //Buffers are used in the order they were made available.
	VirtioDeviceFeatureOrder_Platform    VirtioDeviceFeature = 1 << 36 //Memory accesses are ordered as described by the platform.
	VirtioDeviceFeatureSr_Iov            VirtioDeviceFeature = 1 << 37 //Single Root I/O Virtualization, PCI only.
	VirtioDeviceFeatureNotification_Data VirtioDeviceFeature = 1 << 38 //Driver passes extra data in its device notifications.
)

func (f VirtioDeviceFeature) Has(o VirtioDeviceFeature) bool {
	return f&o == o
}

func disableFeature(en *VirtioDeviceFeature, df VirtioDeviceFeature) {
	*en &= ^df
}

// VirtioBlkConfig is the virtio-blk device configuration space at
// RegConfig. Field order and padding match the wire layout.
type VirtioBlkConfig struct {
	Capacity uint64
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize  uint32
	Topology struct {
		// # of logical blocks per physical block (log2)
		PhysicalBlockExp uint8
		// offset of first aligned logical block
		AlignmentOffset uint8
		// suggested minimum I/O size in blocks
		MinIoSize uint16
		// optimal (suggested maximum) I/O size in blocks
		OptIoSize uint32
	}
	Writeback              uint8
	_                      uint8
	NumQueues              uint16
	MaxDiscardSectors      uint32
	MaxDiscardSeg          uint32
	DiscardSectorAlignment uint32
	MaxWriteZeroesSectors  uint32
	MaxWriteZeroesSeg      uint32
	WriteZeroesMayUnmap    uint8
	_                      [3]uint8
}

const (
	VirtioBlkConfigSize = int(unsafe.Sizeof(VirtioBlkConfig{}))

	VirtioBlkCapacityOffset = 0x00
)

type VirtqDescFlag uint16

const (
	VirtqDescFlagNext     VirtqDescFlag = 1 // This marks a buffer as continuing via the next field.
	VirtqDescFlagWrite    VirtqDescFlag = 2 // This marks a buffer as device write-only (otherwise device read-only).
	VirtqDescFlagIndirect VirtqDescFlag = 4 // This means the buffer contains a list of buffer descriptors.
)

type VirtqDesc struct {
	/* Address (guest-physical). */
	Addr uint64
	/* Length. */
	Len uint32
	/* The flags as indicated above. */
	Flags VirtqDescFlag
	/* Next field if flags & NEXT */
	Next uint16
}

const (
	VirtqDescSize = int(unsafe.Sizeof(VirtqDesc{}))
)

type VirtqUsedFlag uint16

const (
	VirtqUsedFlagNoNotify VirtqUsedFlag = 1
)

/* uint32 is used here for ids for padding reasons. */
type VirtqUsedElem struct {
	/* Index of start of used descriptor chain. */
	Id uint32
	/* Total length of the descriptor chain which was used (written to) */
	Len uint32
}

type VirtqAvailFlag uint16

const (
	VirtqAvailFlagNoInterrupt VirtqAvailFlag = 1
)

type VirtioBlkReqType uint32

const (
	VirtioBlkReqTypeIn           VirtioBlkReqType = 0
	VirtioBlkReqTypeOut          VirtioBlkReqType = 1
	VirtioBlkReqTypeFlush        VirtioBlkReqType = 4
	VirtioBlkReqTypeGetID        VirtioBlkReqType = 8
	VirtioBlkReqTypeDiscard      VirtioBlkReqType = 11
	VirtioBlkReqTypeWrite_Zeroes VirtioBlkReqType = 13
)

func (t VirtioBlkReqType) String() string {
	switch t {
	case VirtioBlkReqTypeIn:
		return "in"
	case VirtioBlkReqTypeOut:
		return "out"
	case VirtioBlkReqTypeFlush:
		return "flush"
	case VirtioBlkReqTypeGetID:
		return "get_id"
	case VirtioBlkReqTypeDiscard:
		return "discard"
	case VirtioBlkReqTypeWrite_Zeroes:
		return "write_zeroes"
	default:
		return "unknown"
	}
}

type VirtioBlkReqStatus uint8

const (
	VirtioBlkStatusOk     VirtioBlkReqStatus = 0
	VirtioBlkStatusIOErr  VirtioBlkReqStatus = 1
	VirtioBlkStatusUnsupp VirtioBlkReqStatus = 2

	// VirtioBlkStatusNotReady is written into a response slot before
	// submission. A device never reports it.
	VirtioBlkStatusNotReady VirtioBlkReqStatus = 0xff
)

// VirtioBlkReqHeader is the device readable header that starts every
// request chain.
type VirtioBlkReqHeader struct {
	Type     VirtioBlkReqType
	Reserved uint32
	Sector   uint64
}

const (
	VirtioBlkReqHeaderSize = int(unsafe.Sizeof(VirtioBlkReqHeader{}))
	VirtioBlkReqFooterSize = 1
	VirtioBlkIDBytes       = 20
)

type VirtioBlkDiscardWriteZeroesFlag uint32

const (
	VirtioBlkDiscardWriteZeroesFlagUnmap VirtioBlkDiscardWriteZeroesFlag = 1 << 0
)

type VirtioBlkDiscardWriteZeroes struct {
	Sector     uint64
	NumSectors uint32
	Flags      VirtioBlkDiscardWriteZeroesFlag // unmap:1; reserved:31;
}

const (
	VirtioBlkDiscardWriteZeroesSize = int(unsafe.Sizeof(VirtioBlkDiscardWriteZeroes{}))
)
