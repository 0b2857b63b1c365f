package filesystems

import (
	"github.com/google/uuid"
)

// FileSystemType is a hint about what a partition holds. It is derived from
// partition table type codes or a boot sector probe, never from mounting.
type FileSystemType uint

const (
	FileSystemUnknown FileSystemType = iota
	FileSystemFAT16
	FileSystemFAT32
	FileSystemExt4
	FileSystemSwap
	FileSystemEFI
)

func (t FileSystemType) String() string {
	switch t {
	case FileSystemFAT16:
		return "fat16"
	case FileSystemFAT32:
		return "fat32"
	case FileSystemExt4:
		return "ext4"
	case FileSystemSwap:
		return "swap"
	case FileSystemEFI:
		return "efi"
	default:
		return "unknown"
	}
}

func MBRPartitionTypeToFS(mbr uint8) FileSystemType {
	switch mbr {
	case 0x4, 0x6, 0xe:
		return FileSystemFAT16
	case 0xb, 0xc:
		return FileSystemFAT32
	case 0x82:
		return FileSystemSwap
	case 0x83:
		return FileSystemExt4
	case 0xef:
		return FileSystemEFI
	default:
		return FileSystemUnknown
	}
}

var (
	gptLinuxData     = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	gptLinuxSwap     = uuid.MustParse("0657fd6d-a4ab-43c4-84e5-0933c84b4f4f")
	gptEFISystem     = uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
	gptMicrosoftData = uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")
)

func GPTPartitionTypeToFS(t uuid.UUID) FileSystemType {
	switch t {
	case gptLinuxData:
		return FileSystemExt4
	case gptLinuxSwap:
		return FileSystemSwap
	case gptEFISystem:
		return FileSystemEFI
	case gptMicrosoftData:
		return FileSystemFAT32
	default:
		return FileSystemUnknown
	}
}

// Probe inspects the first sector of a partition.
func Probe(boot []byte) FileSystemType {
	if len(boot) < 512 {
		return FileSystemUnknown
	}

	sb := FAT16SuperBlock(boot)
	if sb.IsFAT16() {
		return FileSystemFAT16
	}
	return FileSystemUnknown
}
