package partition

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	gptSignature = "EFI PART"

	gptMinEntrySize = 128
)

func IsGPTTable(d []byte) bool {
	gptSignatureBytes := []byte(gptSignature)
	return bytes.Equal(d[:len(gptSignatureBytes)], gptSignatureBytes)
}

// GPTHeader is the primary GPT header sector at LBA 1.
type GPTHeader []byte

func (h GPTHeader) Revision() uint32 {
	return binary.LittleEndian.Uint32(h[8:])
}

func (h GPTHeader) FirstUsableLBA() uint64 {
	return binary.LittleEndian.Uint64(h[40:])
}

func (h GPTHeader) LastUsableLBA() uint64 {
	return binary.LittleEndian.Uint64(h[48:])
}

func (h GPTHeader) DiskGUID() uuid.UUID {
	return guidFromDisk(h[56:72])
}

func (h GPTHeader) PartitionEntryLBA() uint64 {
	return binary.LittleEndian.Uint64(h[72:])
}

func (h GPTHeader) NumPartitionEntries() uint32 {
	return binary.LittleEndian.Uint32(h[80:])
}

func (h GPTHeader) PartitionEntrySize() uint32 {
	return binary.LittleEndian.Uint32(h[84:])
}

// GPTEntry is one partition entry of at least 128 bytes.
type GPTEntry []byte

func (e GPTEntry) TypeGUID() uuid.UUID {
	return guidFromDisk(e[0:16])
}

func (e GPTEntry) GUID() uuid.UUID {
	return guidFromDisk(e[16:32])
}

func (e GPTEntry) StartLBA() uint64 {
	return binary.LittleEndian.Uint64(e[32:])
}

func (e GPTEntry) EndLBA() uint64 {
	return binary.LittleEndian.Uint64(e[40:])
}

func (e GPTEntry) Attributes() uint64 {
	return binary.LittleEndian.Uint64(e[48:])
}

// Name decodes the UTF-16LE partition name.
func (e GPTEntry) Name() string {
	raw := e[56:128]
	u := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		c := binary.LittleEndian.Uint16(raw[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}

// IsValid reports whether the entry is used: a zero type GUID marks a free
// slot.
func (e GPTEntry) IsValid() bool {
	for _, b := range e[0:16] {
		if b != 0 {
			return true
		}
	}
	return false
}

// guidFromDisk converts the mixed endian on-disk GUID layout.
func guidFromDisk(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b)
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

// guidToDisk is the inverse of guidFromDisk.
func guidToDisk(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	return b
}
