package utils

import (
	"encoding/binary"
	"sync"
)

// RegisterIO is a device register window. Accesses are 32 bits wide, the
// only width VirtIO MMIO permits for its control registers.
type RegisterIO interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// IRQLine is an interrupt line a driver attaches its handler to. Handlers
// run in interrupt context: they must not block on the submitting thread.
type IRQLine interface {
	Register(handler func()) error
}

// DevInfo describes a device found on a bus.
type DevInfo struct {
	ID     uint32
	Name   string
	Compat string
	Regs   RegisterIO
	IRQ    IRQLine
}

func (d *DevInfo) Type() string {
	return d.Compat
}

// Bus enumerates attached devices.
type Bus interface {
	Devices() ([]DevInfo, error)
}

// StaticBus is a fixed list of devices, e.g. from a device tree blob.
type StaticBus []DevInfo

func (b StaticBus) Devices() ([]DevInfo, error) {
	return b, nil
}

// ByteRegisters maps a register window directly onto memory.
type ByteRegisters []byte

func (r ByteRegisters) Read32(off uint32) uint32 {
	MemoryBarrier()
	return binary.LittleEndian.Uint32(r[off:])
}

func (r ByteRegisters) Write32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(r[off:], v)
	MemoryBarrier()
}

// SharedIRQ fans a raised interrupt out to every registered handler.
type SharedIRQ struct {
	mu       sync.RWMutex
	handlers []func()
}

func (s *SharedIRQ) Register(handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = append(s.handlers, handler)
	return nil
}

// Raise runs all handlers on the calling goroutine.
func (s *SharedIRQ) Raise() {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	for _, h := range handlers {
		h()
	}
}
