// Package bus implements the physical address space: a flat RAM region
// plus registered MMIO device windows, little-endian typed load/store,
// LR/SC reservations, and atomic read-modify-write helpers.
package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Access is the intent behind a bus transaction.
type Access uint8

const (
	Read Access = iota
	Write
	Execute
)

// ErrAccessFault is returned when an address lies outside RAM and outside
// every registered device window.
var ErrAccessFault = errors.New("access fault")

// ErrMisaligned is returned by Load/Store when StrictAlign is set and the
// address is not naturally aligned to its width.
var ErrMisaligned = errors.New("misaligned access")

// Device is an MMIO peripheral mounted into a window of the physical
// address space. Widths are in bytes (1, 2, 4, or 8); devices that only
// implement byte-granularity registers can ignore width and compose bytes
// themselves, as the UART/PLIC/CLINT models in internal/device do.
type Device interface {
	Load(offset uint64, width int) (uint64, error)
	Store(offset uint64, width int, val uint64) error
}

type window struct {
	base, size uint64
	dev        Device
}

func (w window) contains(addr uint64) bool { return addr >= w.base && addr < w.base+w.size }

// Bus is the physical memory subsystem for one hart.
type Bus struct {
	ramBase uint64
	ram     []byte
	windows []window

	// StrictAlign selects the misaligned-access policy (Open Question (c)
	// in spec.md): true traps with ErrMisaligned, false splits the access
	// into byte transactions. Fixed per instance, applied uniformly.
	StrictAlign bool

	reservationValid bool
	reservationAddr  uint64
	reservationWidth int
}

// New creates a bus with RAM of the given size based at ramBase.
func New(ramBase uint64, size int) *Bus {
	return &Bus{ramBase: ramBase, ram: make([]byte, size)}
}

// RAM exposes the backing buffer directly for the loader.
func (b *Bus) RAM() []byte    { return b.ram }
func (b *Bus) RAMBase() uint64 { return b.ramBase }

// Mount registers a device window. Windows must not overlap RAM or one
// another; overlap is a construction-time programmer error, not a runtime
// fault, so Mount panics rather than returning an error.
func (b *Bus) Mount(base, size uint64, dev Device) {
	if base < b.ramBase+uint64(len(b.ram)) && b.ramBase < base+size {
		panic(fmt.Sprintf("bus: device window [%#x,%#x) overlaps RAM [%#x,%#x)", base, base+size, b.ramBase, b.ramBase+uint64(len(b.ram))))
	}
	for _, w := range b.windows {
		if base < w.base+w.size && w.base < base+size {
			panic(fmt.Sprintf("bus: device window [%#x,%#x) overlaps existing window [%#x,%#x)", base, base+size, w.base, w.base+w.size))
		}
	}
	b.windows = append(b.windows, window{base: base, size: size, dev: dev})
}

func (b *Bus) findWindow(addr uint64) (window, bool) {
	for _, w := range b.windows {
		if w.contains(addr) {
			return w, true
		}
	}
	return window{}, false
}

func (b *Bus) inRAM(addr uint64, width int) bool {
	if addr < b.ramBase {
		return false
	}
	off := addr - b.ramBase
	return off+uint64(width) <= uint64(len(b.ram))
}

func aligned(addr uint64, width int) bool {
	return addr%uint64(width) == 0
}

// Load reads a little-endian value of the given width (1/2/4/8 bytes) from
// addr, dispatching to RAM or a mounted device as appropriate.
func (b *Bus) Load(addr uint64, width int, intent Access) (uint64, error) {
	if !aligned(addr, width) {
		if b.StrictAlign {
			return 0, errors.Wrapf(ErrMisaligned, "load width=%d addr=%#x", width, addr)
		}
		return b.loadSplit(addr, width)
	}
	if b.inRAM(addr, width) {
		off := addr - b.ramBase
		var v uint64
		for i := 0; i < width; i++ {
			v |= uint64(b.ram[off+uint64(i)]) << (8 * i)
		}
		return v, nil
	}
	if w, ok := b.findWindow(addr); ok {
		return w.dev.Load(addr-w.base, width)
	}
	return 0, errors.Wrapf(ErrAccessFault, "load width=%d addr=%#x", width, addr)
}

func (b *Bus) loadSplit(addr uint64, width int) (uint64, error) {
	var v uint64
	for i := 0; i < width; i++ {
		byteVal, err := b.Load(addr+uint64(i), 1, Read)
		if err != nil {
			return 0, err
		}
		v |= byteVal << (8 * i)
	}
	return v, nil
}

// Store writes a little-endian value of the given width to addr.
func (b *Bus) Store(addr uint64, width int, val uint64, intent Access) error {
	if !aligned(addr, width) {
		if b.StrictAlign {
			return errors.Wrapf(ErrMisaligned, "store width=%d addr=%#x", width, addr)
		}
		return b.storeSplit(addr, width, val)
	}
	b.invalidateReservation(addr, width)
	if b.inRAM(addr, width) {
		off := addr - b.ramBase
		for i := 0; i < width; i++ {
			b.ram[off+uint64(i)] = byte(val >> (8 * i))
		}
		return nil
	}
	if w, ok := b.findWindow(addr); ok {
		return w.dev.Store(addr-w.base, width, val)
	}
	return errors.Wrapf(ErrAccessFault, "store width=%d addr=%#x", width, addr)
}

func (b *Bus) storeSplit(addr uint64, width int, val uint64) error {
	for i := 0; i < width; i++ {
		if err := b.Store(addr+uint64(i), 1, (val>>(8*i))&0xff, Write); err != nil {
			return err
		}
	}
	return nil
}

// LoadReserved performs the load half of LR: it records a reservation on
// addr/width in addition to returning the loaded value.
func (b *Bus) LoadReserved(addr uint64, width int) (uint64, error) {
	v, err := b.Load(addr, width, Read)
	if err != nil {
		return 0, err
	}
	b.reservationValid = true
	b.reservationAddr = addr
	b.reservationWidth = width
	return v, nil
}

// StoreConditional performs SC: it succeeds (returning true) only if a
// matching reservation is still valid, and always clears the reservation.
func (b *Bus) StoreConditional(addr uint64, width int, val uint64) (succeeded bool, err error) {
	if !b.reservationValid || b.reservationAddr != addr || b.reservationWidth != width {
		b.InvalidateReservation()
		return false, nil
	}
	if err := b.Store(addr, width, val, Write); err != nil {
		return false, err
	}
	b.InvalidateReservation()
	return true, nil
}

// InvalidateReservation clears any outstanding LR reservation. Called on
// traps, SFENCE.VMA, and any other SC per spec.md 4.2.
func (b *Bus) InvalidateReservation() {
	b.reservationValid = false
}

func (b *Bus) invalidateReservation(addr uint64, width int) {
	if b.reservationValid && addr < b.reservationAddr+uint64(b.reservationWidth) && b.reservationAddr < addr+uint64(width) {
		b.reservationValid = false
	}
}

// ReadAt and WriteAt give devices (e.g. the VirtIO block model) byte-slice
// access to the same physical address space the CPU sees, so a device can
// walk guest-built descriptor chains without its own RAM pointer.
func (b *Bus) ReadAt(addr uint64, buf []byte) error {
	for i := range buf {
		v, err := b.Load(addr+uint64(i), 1, Read)
		if err != nil {
			return err
		}
		buf[i] = byte(v)
	}
	return nil
}

func (b *Bus) WriteAt(addr uint64, buf []byte) error {
	for i, c := range buf {
		if err := b.Store(addr+uint64(i), 1, uint64(c), Write); err != nil {
			return err
		}
	}
	return nil
}

// AMO performs an atomic read-modify-write at addr: op receives the current
// value and returns the value to store; AMO returns the value observed
// before the write (the result register value for all AMO* instructions).
func (b *Bus) AMO(addr uint64, width int, op func(old uint64) uint64) (uint64, error) {
	old, err := b.Load(addr, width, Read)
	if err != nil {
		return 0, err
	}
	if err := b.Store(addr, width, op(old), Write); err != nil {
		return 0, err
	}
	return old, nil
}
