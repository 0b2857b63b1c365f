package partition

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/filesystems"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxEBRChain bounds how many logical partitions are followed.
	DefaultMaxEBRChain = 128

	// mbrPrimaryEntries is the number of fixed slots in an MBR.
	mbrPrimaryEntries = 4
)

var (
	ErrInvalidGPT   = errors.New("invalid gpt")
	ErrReadingTable = errors.New("reading partition table")
)

type Scheme uint8

const (
	SchemeMBR Scheme = iota + 1
	SchemeGPT
)

func (s Scheme) String() string {
	switch s {
	case SchemeMBR:
		return "mbr"
	case SchemeGPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// Info describes one partition found on a disk.
type Info struct {
	Scheme Scheme

	// Start and Sectors are absolute to the disk.
	Start   uint64
	Sectors uint64

	// MBR fields.
	Type     uint8
	Bootable bool

	// GPT fields.
	TypeGUID uuid.UUID
	GUID     uuid.UUID
	Name     string
}

func (i *Info) StartSector() block.SectorID {
	return block.SectorID(i.Start)
}

func (i *Info) End() uint64 {
	return i.Start + i.Sectors
}

// FileSystem maps the table type code to a filesystem hint.
func (i *Info) FileSystem() filesystems.FileSystemType {
	if i.Scheme == SchemeGPT {
		return filesystems.GPTPartitionTypeToFS(i.TypeGUID)
	}
	return filesystems.MBRPartitionTypeToFS(i.Type)
}

func (i *Info) String() string {
	if i.Scheme == SchemeGPT {
		return fmt.Sprintf("gpt start=%d sectors=%d type=%s", i.Start, i.Sectors, i.TypeGUID)
	}
	return fmt.Sprintf("mbr start=%d sectors=%d type=%#02x", i.Start, i.Sectors, i.Type)
}

type Option func(*parser)

// WithMaxEBRChain overrides how many EBRs are followed before giving up.
func WithMaxEBRChain(n int) Option {
	return func(p *parser) {
		if n > 0 {
			p.maxEBR = n
		}
	}
}

type parser struct {
	r      block.SectorReader
	maxEBR int
	buf    MBR
}

// Parse reads the partition table from r. The result has one slot per
// partition index; nil slots are unused entries. MBR disks always report
// the four primary slots, logical partitions follow from slot 4.
//
// A disk without an MBR signature, or with a protective MBR, is read as GPT.
// A disk with neither yields no partitions and no error.
func Parse(r block.SectorReader, opts ...Option) ([]*Info, error) {
	p := &parser{r: r, maxEBR: DefaultMaxEBRChain}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.read(0); err != nil {
		return nil, err
	}

	if !IsMBRTable(p.buf[:]) || p.buf.Partition1().PartitionType() == mbrTypeGPTProtective {
		return p.parseGPT()
	}
	return p.parseMBR()
}

func (p *parser) read(sid uint64) error {
	if err := p.r.ReadSector(block.SectorID(sid), p.buf[:]); err != nil {
		return errors.Wrapf(ErrReadingTable, "sector %d: %v", sid, err)
	}
	return nil
}

func (p *parser) parseMBR() ([]*Info, error) {
	infos := make([]*Info, 0, mbrPrimaryEntries)

	var (
		extBase uint64
		hasExt  bool
	)

	for i := 0; i < mbrPrimaryEntries; i++ {
		e := p.buf.Partition(i)
		if e.IsExtended() {
			extBase = uint64(e.LBAStart())
			hasExt = true
		}

		if e.IsValid() {
			infos = append(infos, mbrInfo(e, 0))
		} else {
			infos = append(infos, nil)
		}
	}

	if hasExt {
		logical, err := p.parseEBR(extBase)
		if err != nil {
			return nil, err
		}
		infos = append(infos, logical...)
	}

	return infos, nil
}

// parseEBR walks the EBR linked list. Each EBR's first entry is relative to
// that EBR; the link in the second entry is relative to the chain base.
func (p *parser) parseEBR(base uint64) ([]*Info, error) {
	var (
		infos   []*Info
		offset  uint64
		visited = map[uint64]struct{}{}
	)

	for {
		if len(visited) >= p.maxEBR {
			klog.Warningf("partition: EBR chain at sector %d longer than %d, ignoring the rest", base, p.maxEBR)
			break
		}

		sector := base + offset
		if _, ok := visited[sector]; ok {
			klog.Warningf("partition: EBR chain at sector %d loops back to sector %d", base, sector)
			break
		}
		visited[sector] = struct{}{}

		if err := p.read(sector); err != nil {
			return nil, err
		}

		if e := p.buf.Partition1(); e.IsValid() {
			infos = append(infos, mbrInfo(e, sector))
		}

		next := p.buf.Partition2()
		if !next.IsExtended() {
			break
		}
		offset = uint64(next.LBAStart())
	}

	return infos, nil
}

func mbrInfo(e MBRPartition, base uint64) *Info {
	return &Info{
		Scheme:   SchemeMBR,
		Start:    base + uint64(e.LBAStart()),
		Sectors:  uint64(e.SectorCount()),
		Type:     e.PartitionType(),
		Bootable: e.Attributes()&MBRPartitionAttributesBootable != 0,
	}
}

func (p *parser) parseGPT() ([]*Info, error) {
	if err := p.read(1); err != nil {
		return nil, err
	}
	if !IsGPTTable(p.buf[:]) {
		return nil, nil
	}

	hdr := GPTHeader(p.buf[:])
	entrySize := hdr.PartitionEntrySize()
	if entrySize < gptMinEntrySize || block.SectorSize%entrySize != 0 {
		return nil, errors.Wrapf(ErrInvalidGPT, "partition entry size %d", entrySize)
	}

	var (
		perSector = uint64(block.SectorSize / entrySize)
		nrEntries = uint64(hdr.NumPartitionEntries())
		entryLBA  = hdr.PartitionEntryLBA()
		nrSectors = (nrEntries + perSector - 1) / perSector
	)

	if n := p.r.NrSectors(); n != 0 && entryLBA+nrSectors > n {
		return nil, errors.Wrapf(ErrInvalidGPT, "entry array [%d, %d) past end of disk", entryLBA, entryLBA+nrSectors)
	}

	var infos []*Info
	for s := uint64(0); s < nrSectors; s++ {
		if err := p.read(entryLBA + s); err != nil {
			return nil, err
		}

		for j := uint64(0); j < perSector && uint64(len(infos)) < nrEntries; j++ {
			e := GPTEntry(p.buf[j*uint64(entrySize) : (j+1)*uint64(entrySize)])
			if !e.IsValid() || e.EndLBA() < e.StartLBA() {
				infos = append(infos, nil)
				continue
			}

			infos = append(infos, &Info{
				Scheme:   SchemeGPT,
				Start:    e.StartLBA(),
				Sectors:  e.EndLBA() - e.StartLBA() + 1,
				TypeGUID: e.TypeGUID(),
				GUID:     e.GUID(),
				Name:     e.Name(),
			})
		}
	}

	return infos, nil
}
