package filesystems

import (
	"bytes"
	"encoding/binary"
)

const fat16Label = "FAT16   "

type FAT16SuperBlock []byte

func (s FAT16SuperBlock) OEMName() []byte {
	return s[3:11]
}

func (s FAT16SuperBlock) BytesPerSector() uint16 {
	return binary.LittleEndian.Uint16(s[11:])
}

func (s FAT16SuperBlock) SectorsPerCluster() uint8 {
	return s[13]
}

func (s FAT16SuperBlock) ReservedSectors() uint16 {
	return binary.LittleEndian.Uint16(s[14:])
}

func (s FAT16SuperBlock) FATCopies() uint8 {
	return s[16]
}

func (s FAT16SuperBlock) TotalNumberOfSectors() uint16 {
	return binary.LittleEndian.Uint16(s[19:])
}

func (s FAT16SuperBlock) NumberOfSectorsInFileSystem() uint32 {
	return binary.LittleEndian.Uint32(s[32:])
}

func (s FAT16SuperBlock) ExtendedSignature() uint8 {
	return s[38]
}

func (s FAT16SuperBlock) SerialNumber() uint32 {
	return binary.LittleEndian.Uint32(s[39:])
}

func (s FAT16SuperBlock) VolumeLabel() []byte {
	return s[43:54]
}

func (s FAT16SuperBlock) FileSystemType() []byte {
	return s[54:62]
}

func (s FAT16SuperBlock) Signature() []byte {
	return s[510:512]
}

// IsFAT16 checks the boot signature, the extended BPB and the type label.
func (s FAT16SuperBlock) IsFAT16() bool {
	sig := s.Signature()
	if sig[0] != 0x55 || sig[1] != 0xAA {
		return false
	}
	if s.ExtendedSignature() != 0x29 || s.BytesPerSector() == 0 || s.SectorsPerCluster() == 0 {
		return false
	}
	return bytes.Equal(s.FileSystemType(), []byte(fat16Label))
}
