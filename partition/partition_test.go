package partition

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
)

// image is an in-memory disk for the parser.
type image struct {
	sectors map[uint64][]byte
	size    uint64
}

func newImage(size uint64) *image {
	return &image{sectors: map[uint64][]byte{}, size: size}
}

func (d *image) sector(sid uint64) []byte {
	s, ok := d.sectors[sid]
	if !ok {
		s = make([]byte, block.SectorSize)
		d.sectors[sid] = s
	}
	return s
}

func (d *image) ReadSector(sid block.SectorID, buf []byte) error {
	if uint64(sid) >= d.size {
		return block.ErrBlockIOError
	}
	copy(buf, d.sector(uint64(sid)))
	return nil
}

func (d *image) NrSectors() uint64 {
	return d.size
}

func putMBREntry(sector []byte, slot int, typ uint8, start, count uint32) {
	e := sector[partition1Offset+slot*partitionEntrySize:]
	e[1], e[2], e[3] = 0, 2, 0 // first CHS
	e[4] = typ
	e[5], e[6], e[7] = 0xfe, 0xff, 0xff // last CHS
	binary.LittleEndian.PutUint32(e[8:], start)
	binary.LittleEndian.PutUint32(e[12:], count)
}

func signMBR(sector []byte) {
	sector[510], sector[511] = mbrSignature1, mbrSignature2
}

func TestParseMBR(t *testing.T) {
	d := newImage(4096)
	mbr := d.sector(0)
	putMBREntry(mbr, 0, 0x83, 2048, 1024)
	signMBR(mbr)

	infos, err := Parse(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(infos))
	}
	if infos[0] == nil || infos[0].Start != 2048 || infos[0].Sectors != 1024 || infos[0].Type != 0x83 {
		t.Fatalf("unexpected first slot %+v", infos[0])
	}
	for i := 1; i < 4; i++ {
		if infos[i] != nil {
			t.Fatalf("slot %d should be empty", i)
		}
	}
}

func TestParseMBRInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		patch func(e []byte)
	}{
		{"zero type", func(e []byte) { e[4] = 0 }},
		{"zero first chs sector", func(e []byte) { e[2] = 0 }},
		{"zero last chs sector", func(e []byte) { e[6] = 0 }},
		{"zero length", func(e []byte) { binary.LittleEndian.PutUint32(e[12:], 0) }},
	}

	for _, tt := range tests {
		d := newImage(4096)
		mbr := d.sector(0)
		putMBREntry(mbr, 0, 0x83, 2048, 1024)
		tt.patch(mbr[partition1Offset:])
		signMBR(mbr)

		infos, err := Parse(d)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if infos[0] != nil {
			t.Fatalf("%s: entry should be unused", tt.name)
		}
	}
}

func TestParseEBRChain(t *testing.T) {
	d := newImage(1 << 16)
	mbr := d.sector(0)
	putMBREntry(mbr, 0, 0x83, 2048, 1024)
	putMBREntry(mbr, 1, 0x05, 8192, 16384)
	signMBR(mbr)

	// first logical: 63 sectors into its EBR, links to the next EBR at base+4096
	ebr1 := d.sector(8192)
	putMBREntry(ebr1, 0, 0x83, 63, 2000)
	putMBREntry(ebr1, 1, 0x05, 4096, 4096)
	signMBR(ebr1)

	ebr2 := d.sector(8192 + 4096)
	putMBREntry(ebr2, 0, 0x0c, 63, 3000)
	signMBR(ebr2)

	infos, err := Parse(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 6 {
		t.Fatalf("expected 4 primary and 2 logical slots, got %d", len(infos))
	}
	if infos[0] == nil || infos[1] == nil || infos[1].Type != 0x05 {
		t.Fatal("primary entries missing")
	}
	if infos[4].Start != 8192+63 || infos[4].Sectors != 2000 {
		t.Fatalf("unexpected first logical %+v", infos[4])
	}
	if infos[5].Start != 8192+4096+63 || infos[5].Type != 0x0c {
		t.Fatalf("unexpected second logical %+v", infos[5])
	}
}

func TestParseEBRCycle(t *testing.T) {
	d := newImage(1 << 16)
	mbr := d.sector(0)
	putMBREntry(mbr, 0, 0x05, 100, 1000)
	signMBR(mbr)

	// the EBR links to itself
	ebr := d.sector(100)
	putMBREntry(ebr, 0, 0x83, 1, 10)
	putMBREntry(ebr, 1, 0x05, 0, 10)
	signMBR(ebr)

	infos, err := Parse(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 5 {
		t.Fatalf("expected the looping EBR to be read once, got %d slots", len(infos))
	}
}

func TestParseEBRBound(t *testing.T) {
	d := newImage(1 << 16)
	mbr := d.sector(0)
	putMBREntry(mbr, 0, 0x05, 100, 10000)
	signMBR(mbr)

	for i := uint32(0); i < 10; i++ {
		ebr := d.sector(100 + uint64(i)*10)
		putMBREntry(ebr, 0, 0x83, 1, 5)
		putMBREntry(ebr, 1, 0x05, (i+1)*10, 10)
		signMBR(ebr)
	}

	infos, err := Parse(d, WithMaxEBRChain(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 4+3 {
		t.Fatalf("expected chain cut after 3 EBRs, got %d slots", len(infos))
	}
}

func putGPT(d *image, entrySize uint32, nrEntries uint32) {
	mbr := d.sector(0)
	putMBREntry(mbr, 0, mbrTypeGPTProtective, 1, uint32(d.size-1))
	signMBR(mbr)

	hdr := d.sector(1)
	copy(hdr, gptSignature)
	binary.LittleEndian.PutUint32(hdr[8:], 0x00010000)
	binary.LittleEndian.PutUint64(hdr[72:], 2)
	binary.LittleEndian.PutUint32(hdr[80:], nrEntries)
	binary.LittleEndian.PutUint32(hdr[84:], entrySize)
}

func TestParseGPT(t *testing.T) {
	d := newImage(1 << 16)
	putGPT(d, 128, 128)

	typ := uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	guid := uuid.MustParse("6a7e2c31-1f0b-4c7e-9d41-0123456789ab")

	e := d.sector(2)
	copy(e[0:], guidToDisk(typ))
	copy(e[16:], guidToDisk(guid))
	binary.LittleEndian.PutUint64(e[32:], 2048)
	binary.LittleEndian.PutUint64(e[40:], 4095)
	binary.LittleEndian.PutUint16(e[56:], 'r')
	binary.LittleEndian.PutUint16(e[58:], 'o')
	binary.LittleEndian.PutUint16(e[60:], 'o')
	binary.LittleEndian.PutUint16(e[62:], 't')

	infos, err := Parse(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 128 {
		t.Fatalf("expected a slot per entry, got %d", len(infos))
	}

	p := infos[0]
	if p == nil || p.Scheme != SchemeGPT {
		t.Fatal("gpt partition missing")
	}
	if p.Start != 2048 || p.Sectors != 2048 {
		t.Fatalf("unexpected range %d+%d", p.Start, p.Sectors)
	}
	if p.TypeGUID != typ || p.GUID != guid || p.Name != "root" {
		t.Fatalf("unexpected ids %s %s %q", p.TypeGUID, p.GUID, p.Name)
	}

	used := 0
	for _, info := range infos {
		if info != nil {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("expected one used entry, got %d", used)
	}
}

func TestParseGPTEntrySize(t *testing.T) {
	for _, size := range []uint32{0, 64, 384} {
		d := newImage(1 << 16)
		putGPT(d, size, 4)

		if _, err := Parse(d); !errors.Is(err, ErrInvalidGPT) {
			t.Fatalf("entry size %d: expected invalid gpt, got %v", size, err)
		}
	}

	d := newImage(1 << 16)
	putGPT(d, 256, 4)
	infos, err := Parse(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(infos))
	}
}

func TestParseNoTable(t *testing.T) {
	infos, err := Parse(newImage(16))
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("blank disk reported %d partitions", len(infos))
	}
}

func TestParseReadError(t *testing.T) {
	d := newImage(1 << 16)
	putMBREntry(d.sector(0), 0, 0x05, 1<<20, 10)
	signMBR(d.sector(0))

	if _, err := Parse(d); !errors.Is(err, ErrReadingTable) {
		t.Fatalf("expected read error, got %v", err)
	}
}
