package partition

import (
	"encoding/binary"
)

const (
	mbrSignature1 = 0x55
	mbrSignature2 = 0xAA

	partition1Offset   = 0x01BE
	partitionEntrySize = 16

	// mbrTypeGPTProtective marks a protective MBR in front of a GPT.
	mbrTypeGPTProtective = 0xEE
)

func IsMBRTable(d []byte) bool {
	end2 := d[len(d)-2:]
	return end2[0] == mbrSignature1 && end2[1] == mbrSignature2
}

// MBR is a master boot record sector. EBRs share the layout.
type MBR [512]byte

func (h *MBR) DiskSignature() uint32 {
	return binary.LittleEndian.Uint32(h[0x01B8:])
}

// Partition returns entry i (0-3).
func (h *MBR) Partition(i int) MBRPartition {
	off := partition1Offset + i*partitionEntrySize
	return MBRPartition(h[off : off+partitionEntrySize])
}

func (h *MBR) Partition1() MBRPartition {
	return h.Partition(0)
}

func (h *MBR) Partition2() MBRPartition {
	return h.Partition(1)
}

type MBRPartitionAttributes uint8

const (
	MBRPartitionAttributesBootable MBRPartitionAttributes = 1 << 7
)

type MBRPartition []byte

func (p MBRPartition) Attributes() MBRPartitionAttributes {
	return MBRPartitionAttributes(p[0])
}

func (p MBRPartition) FirstSectorCHS() CHSAddress {
	return CHSAddress(p[1:4])
}

func (p MBRPartition) PartitionType() uint8 {
	return p[4]
}

func (p MBRPartition) LastSectorCHS() CHSAddress {
	return CHSAddress(p[5:8])
}

func (p MBRPartition) LBAStart() uint32 {
	return binary.LittleEndian.Uint32(p[8:])
}

func (p MBRPartition) SectorCount() uint32 {
	return binary.LittleEndian.Uint32(p[12:])
}

// IsExtended reports whether the entry points at an EBR chain.
func (p MBRPartition) IsExtended() bool {
	t := p.PartitionType()
	return t == 0x05 || t == 0x0F
}

// IsValid reports whether the entry is in use. A zero type byte is the
// definitive marker of an unused entry; a zero CHS sector or zero length
// also mean unused.
func (p MBRPartition) IsValid() bool {
	return p.PartitionType() != 0 &&
		p.FirstSectorCHS().Sector() != 0 &&
		p.LastSectorCHS().Sector() != 0 &&
		p.SectorCount() != 0
}

// CHSAddress is a packed cylinder/head/sector address.
type CHSAddress []byte

func (c CHSAddress) Head() uint8 {
	return c[0]
}

// Sector is the raw second byte: sector in bits 0-5, cylinder high bits in
// 6-7. Sectors start at 1.
func (c CHSAddress) Sector() uint8 {
	return c[1]
}

func (c CHSAddress) Cylinder() uint16 {
	return uint16(c[1]&0xC0)<<2 | uint16(c[2])
}
