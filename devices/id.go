package devices

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const (
	MajorBits = 12
	MinorBits = 20

	blockMajorMax         = 512
	blockLastDynamicMajor = 254

	charMajorMax               = 512
	charMinorsMax              = 1 << MinorBits
	charFirstDynamicMajorLow   = 234
	charFirstDynamicMajorHigh  = 254
	charSecondDynamicMajorLow  = 384
	charSecondDynamicMajorHigh = 511

	// ExtendedBlockMajor holds partitions past the legacy per-disk minors.
	ExtendedBlockMajor = 259
)

var (
	ErrInvalidArgs       = errors.New("invalid device id arguments")
	ErrNotEnoughIDs      = errors.New("no device ids available")
	ErrMinorInUse        = errors.New("minor already allocated")
	ErrMinorOutOfRange   = errors.New("minor outside allocator range")
	ErrUnknownDeviceType = errors.New("unknown device type")
)

type DeviceType uint8

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeBlock
	DeviceTypeCharacter
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeCharacter:
		return "char"
	default:
		return "unknown"
	}
}

// DeviceID is a major:minor pair.
type DeviceID struct {
	Major uint32
	Minor uint32
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// Encode packs the id into the kernel's dev_t layout.
func (id DeviceID) Encode() uint32 {
	return id.Major<<MinorBits | id.Minor&(1<<MinorBits-1)
}

func DecodeDeviceID(dev uint32) DeviceID {
	return DeviceID{Major: dev >> MinorBits, Minor: dev & (1<<MinorBits - 1)}
}

// MinorRange is the half open range [Start, End).
type MinorRange struct {
	Start uint32
	End   uint32
}

func (r MinorRange) Contains(minor uint32) bool {
	return minor >= r.Start && minor < r.End
}

// MinorAllocator hands out minors within a major.
type MinorAllocator interface {
	Allocate(minor uint32) bool
	Release(minor uint32) bool
}

// NoConflictMinorAllocator grants any minor that is not already taken.
type NoConflictMinorAllocator struct {
	mu   sync.Mutex
	used map[uint32]struct{}
}

func NewNoConflictMinorAllocator() *NoConflictMinorAllocator {
	return &NoConflictMinorAllocator{used: map[uint32]struct{}{}}
}

func (a *NoConflictMinorAllocator) Allocate(minor uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.used[minor]; ok {
		return false
	}
	a.used[minor] = struct{}{}
	return true
}

func (a *NoConflictMinorAllocator) Release(minor uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.used[minor]; !ok {
		return false
	}
	delete(a.used, minor)
	return true
}

// IDAllocator allocates ids under one registered major.
type IDAllocator struct {
	typ    DeviceType
	major  uint32
	minors MinorRange
	alloc  MinorAllocator
}

func (a *IDAllocator) Type() DeviceType {
	return a.typ
}

func (a *IDAllocator) Major() uint32 {
	return a.major
}

func (a *IDAllocator) Minors() MinorRange {
	return a.minors
}

// Allocate claims the given minor.
func (a *IDAllocator) Allocate(minor uint32) (DeviceID, error) {
	if !a.minors.Contains(minor) {
		return DeviceID{}, errors.Wrapf(ErrMinorOutOfRange, "%d:%d", a.major, minor)
	}
	if !a.alloc.Allocate(minor) {
		return DeviceID{}, errors.Wrapf(ErrMinorInUse, "%d:%d", a.major, minor)
	}
	return DeviceID{Major: a.major, Minor: minor}, nil
}

// AllocateAny claims the lowest free minor.
func (a *IDAllocator) AllocateAny() (DeviceID, error) {
	for m := a.minors.Start; m < a.minors.End; m++ {
		if a.alloc.Allocate(m) {
			return DeviceID{Major: a.major, Minor: m}, nil
		}
	}
	return DeviceID{}, errors.Wrapf(ErrNotEnoughIDs, "major %d", a.major)
}

func (a *IDAllocator) Release(minor uint32) bool {
	return a.alloc.Release(minor)
}

// Registry tracks which majors (and for character devices, which minor
// ranges) are claimed.
type Registry struct {
	mu          sync.Mutex
	blockMajors map[uint32]struct{}
	charMajors  map[uint32][]MinorRange
}

func NewRegistry() *Registry {
	return &Registry{
		blockMajors: map[uint32]struct{}{},
		charMajors:  map[uint32][]MinorRange{},
	}
}

// RegisterIDs claims a major for typ. A major of 0 picks a free dynamic one.
func (r *Registry) RegisterIDs(typ DeviceType, major uint32, minors MinorRange, alloc MinorAllocator) (*IDAllocator, error) {
	if minors.End < minors.Start {
		return nil, errors.Wrapf(ErrInvalidArgs, "minor range [%d, %d)", minors.Start, minors.End)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch typ {
	case DeviceTypeBlock:
		major, err = r.registerBlock(major)
	case DeviceTypeCharacter:
		major, err = r.registerChar(major, minors)
	default:
		return nil, ErrUnknownDeviceType
	}
	if err != nil {
		return nil, err
	}

	return &IDAllocator{typ: typ, major: major, minors: minors, alloc: alloc}, nil
}

// UnregisterIDs gives the allocator's major (or minor range) back.
func (r *Registry) UnregisterIDs(ida *IDAllocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ida.typ {
	case DeviceTypeBlock:
		delete(r.blockMajors, ida.major)
	case DeviceTypeCharacter:
		ranges := r.charMajors[ida.major]
		for i, rg := range ranges {
			if rg == ida.minors {
				ranges = append(ranges[:i], ranges[i+1:]...)
				break
			}
		}
		if len(ranges) == 0 {
			delete(r.charMajors, ida.major)
		} else {
			r.charMajors[ida.major] = ranges
		}
	default:
		return ErrUnknownDeviceType
	}
	return nil
}

func (r *Registry) registerBlock(major uint32) (uint32, error) {
	if major >= blockMajorMax {
		return 0, errors.Wrapf(ErrInvalidArgs, "block major %d", major)
	}

	if major == 0 {
		for id := uint32(blockLastDynamicMajor); id >= 1; id-- {
			if _, ok := r.blockMajors[id]; !ok {
				r.blockMajors[id] = struct{}{}
				return id, nil
			}
		}
		return 0, errors.Wrap(ErrNotEnoughIDs, "dynamic block major")
	}

	if _, ok := r.blockMajors[major]; ok {
		return 0, errors.Wrapf(ErrNotEnoughIDs, "block major %d taken", major)
	}
	r.blockMajors[major] = struct{}{}
	return major, nil
}

func (r *Registry) registerChar(major uint32, minors MinorRange) (uint32, error) {
	if major >= charMajorMax || minors.End >= charMinorsMax {
		return 0, errors.Wrapf(ErrInvalidArgs, "char %d minors [%d, %d)", major, minors.Start, minors.End)
	}

	if major == 0 {
		for _, span := range [][2]uint32{
			{charFirstDynamicMajorHigh, charFirstDynamicMajorLow},
			{charSecondDynamicMajorHigh, charSecondDynamicMajorLow},
		} {
			for id := span[0]; id >= span[1]; id-- {
				if _, ok := r.charMajors[id]; !ok {
					r.charMajors[id] = []MinorRange{minors}
					return id, nil
				}
			}
		}
		return 0, errors.Wrap(ErrNotEnoughIDs, "dynamic char major")
	}

	ranges := r.charMajors[major]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].Start >= minors.End })
	if i > 0 && ranges[i-1].End > minors.Start {
		return 0, errors.Wrapf(ErrNotEnoughIDs, "char %d minors [%d, %d) overlap", major, minors.Start, minors.End)
	}

	ranges = append(ranges, MinorRange{})
	copy(ranges[i+1:], ranges[i:])
	ranges[i] = minors
	r.charMajors[major] = ranges
	return major, nil
}

// ExtendedAllocator hands out ids under the extended block major for
// partitions that do not fit in their disk's minor range.
type ExtendedAllocator struct {
	ida *IDAllocator
}

func NewExtendedAllocator(r *Registry) (*ExtendedAllocator, error) {
	ida, err := r.RegisterIDs(DeviceTypeBlock, ExtendedBlockMajor, MinorRange{Start: 0, End: 1 << MinorBits}, NewNoConflictMinorAllocator())
	if err != nil {
		return nil, errors.Wrap(err, "registering extended block major")
	}
	return &ExtendedAllocator{ida: ida}, nil
}

func (e *ExtendedAllocator) Allocate() (DeviceID, error) {
	return e.ida.AllocateAny()
}

func (e *ExtendedAllocator) Release(id DeviceID) bool {
	if id.Major != e.ida.major {
		return false
	}
	return e.ida.Release(id.Minor)
}
