// Package membus models the physical memory fabric the IOMMU issues DMA
// reads and writes against: a flat RAM region, optionally composed with
// memory-mapped device windows on a bus.
package membus

import (
	"encoding/binary"
	"fmt"
)

// ErrorKind classifies a failed bus transaction.
type ErrorKind int

const (
	// DecodeError means no target decodes the address.
	DecodeError ErrorKind = iota
	// BusError means a target decoded the address but refused the access.
	BusError
)

// Error reports a failed read or write on an address space.
type Error struct {
	Kind  ErrorKind
	Addr  uint64
	Write bool
}

func (e *Error) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	if e.Kind == DecodeError {
		return fmt.Sprintf("membus: no target for %s at 0x%x", op, e.Addr)
	}
	return fmt.Sprintf("membus: %s at 0x%x failed", op, e.Addr)
}

// IsDecode reports whether err is a bus Error with decode semantics.
func IsDecode(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == DecodeError
}

// AddressSpace is the minimal surface the IOMMU needs for table walks,
// queue records and redirected MSI traffic.
type AddressSpace interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Memory is a RAM-backed address space starting at address zero.
type Memory struct {
	Data []byte
}

// NewMemory creates a RAM region of the given size.
func NewMemory(size uint64) *Memory {
	return &Memory{Data: make([]byte, size)}
}

// Read implements AddressSpace.
func (m *Memory) Read(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.Data)) || addr+uint64(len(p)) < addr {
		return &Error{Kind: DecodeError, Addr: addr}
	}
	copy(p, m.Data[addr:])
	return nil
}

// Write implements AddressSpace.
func (m *Memory) Write(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.Data)) || addr+uint64(len(p)) < addr {
		return &Error{Kind: DecodeError, Addr: addr, Write: true}
	}
	copy(m.Data[addr:], p)
	return nil
}

// Uint32 reads a little-endian word directly from RAM.
func (m *Memory) Uint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.Data[addr:])
}

// Uint64 reads a little-endian doubleword directly from RAM.
func (m *Memory) Uint64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.Data[addr:])
}

// PutUint64 stores a little-endian doubleword directly into RAM.
func (m *Memory) PutUint64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.Data[addr:], v)
}

// Device is a memory-mapped target on a Bus.
type Device interface {
	ReadMMIO(offset uint64, p []byte) error
	WriteMMIO(offset uint64, p []byte) error
	Size() uint64
}

// DeviceMapping binds a device to an address range.
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// Bus composes a RAM region with memory-mapped device windows.
type Bus struct {
	RAM     *Memory
	RAMBase uint64
	Devices []DeviceMapping
}

// NewBus creates a bus with the given RAM size mapped at base.
func NewBus(ramBase, ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemory(ramSize),
		RAMBase: ramBase,
	}
}

// AddDevice maps a device at the given base address.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{
		Base:   base,
		Size:   dev.Size(),
		Device: dev,
	})
}

func (bus *Bus) findDevice(addr uint64) (Device, uint64, bool) {
	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, true
		}
	}
	return nil, 0, false
}

// Read implements AddressSpace.
func (bus *Bus) Read(addr uint64, p []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(p)) <= bus.RAMBase+uint64(len(bus.RAM.Data)) {
		return bus.RAM.Read(addr-bus.RAMBase, p)
	}
	if dev, offset, ok := bus.findDevice(addr); ok {
		if err := dev.ReadMMIO(offset, p); err != nil {
			return &Error{Kind: BusError, Addr: addr}
		}
		return nil
	}
	return &Error{Kind: DecodeError, Addr: addr}
}

// Write implements AddressSpace.
func (bus *Bus) Write(addr uint64, p []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(p)) <= bus.RAMBase+uint64(len(bus.RAM.Data)) {
		return bus.RAM.Write(addr-bus.RAMBase, p)
	}
	if dev, offset, ok := bus.findDevice(addr); ok {
		if err := dev.WriteMMIO(offset, p); err != nil {
			return &Error{Kind: BusError, Addr: addr, Write: true}
		}
		return nil
	}
	return &Error{Kind: DecodeError, Addr: addr, Write: true}
}

var (
	_ AddressSpace = (*Memory)(nil)
	_ AddressSpace = (*Bus)(nil)
)
