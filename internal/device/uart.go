// Package device implements the bare-mode MMIO peripherals named in
// spec.md section 6: a 16550-compatible UART, a PLIC, a CLINT, and a
// minimal VirtIO block device.
package device

import "io"

// UART register offsets (from the base of its 256-byte window).
const (
	uartRBR = 0x0 // receiver buffer (read) / transmit holding (write)
	uartIER = 0x1
	uartIIR = 0x2 // interrupt ident (read) / FCR (write)
	uartLCR = 0x3
	uartMCR = 0x4
	uartLSR = 0x5
	uartMSR = 0x6
	uartSCR = 0x7
)

const (
	ierRxInt  uint8 = 0x1
	ierThrInt uint8 = 0x2

	iirThrEmpty    uint8 = 0x2
	iirRxAvailable uint8 = 0x4
	iirNone        uint8 = 0x7

	lsrDataReady uint8 = 0x1
	lsrOverrun   uint8 = 0x2
	lsrThrEmpty  uint8 = 0x20
)

// UART16550 is a standard-layout serial port: TX bytes go to Out, RX bytes
// arrive one at a time in a single receive register fed by Push; a byte
// pushed before the previous one was read replaces it.
type UART16550 struct {
	Out io.Writer

	rxQueue []byte
	rbr     uint8
	haveRBR bool

	ier, lcr, mcr, scr uint8
	lsr                uint8

	// Interrupting is sampled once per step by the PLIC.
	Interrupting bool
}

// NewUART16550 creates a UART with stdout-equivalent sink out (tests can
// inject a bytes.Buffer in place of the real os.Stdout).
func NewUART16550(out io.Writer) *UART16550 {
	return &UART16550{Out: out, lsr: lsrThrEmpty}
}

// Push feeds one host-received byte into the RX path, as if a keystroke
// arrived; it sets the data-ready bit and, per spec.md, the overrun bit if
// a previous byte hadn't been read yet.
func (u *UART16550) Push(b byte) {
	if u.haveRBR {
		u.lsr |= lsrOverrun
	}
	u.rbr = b
	u.haveRBR = true
	u.lsr |= lsrDataReady
	u.updateInterrupt()
}

func (u *UART16550) updateInterrupt() {
	rxip := u.ier&ierRxInt != 0 && u.haveRBR
	thrip := u.ier&ierThrInt != 0 && u.lsr&lsrThrEmpty != 0
	u.Interrupting = rxip || thrip
}

func (u *UART16550) Load(offset uint64, width int) (uint64, error) {
	switch offset {
	case uartRBR:
		if u.lcr>>7 != 0 { // DLAB set: reads divisor latch low, unmodeled
			return 0, nil
		}
		b := u.rbr
		u.haveRBR = false
		u.lsr &^= lsrDataReady
		u.updateInterrupt()
		return uint64(b), nil
	case uartIER:
		if u.lcr>>7 != 0 {
			return 0, nil
		}
		return uint64(u.ier), nil
	case uartIIR:
		return uint64(u.iir()), nil
	case uartLCR:
		return uint64(u.lcr), nil
	case uartMCR:
		return uint64(u.mcr), nil
	case uartLSR:
		return uint64(u.lsr), nil
	case uartMSR:
		return 0, nil
	case uartSCR:
		return uint64(u.scr), nil
	default:
		return 0, nil
	}
}

func (u *UART16550) iir() uint8 {
	switch {
	case u.ier&ierRxInt != 0 && u.haveRBR:
		return iirRxAvailable
	case u.ier&ierThrInt != 0 && u.lsr&lsrThrEmpty != 0:
		return iirThrEmpty
	default:
		return iirNone
	}
}

func (u *UART16550) Store(offset uint64, width int, val uint64) error {
	v := uint8(val)
	switch offset {
	case uartRBR:
		if u.lcr>>7 != 0 {
			return nil
		}
		u.Out.Write([]byte{v})
		u.lsr |= lsrThrEmpty
		u.updateInterrupt()
	case uartIER:
		if u.lcr>>7 != 0 {
			return nil
		}
		u.ier = v
		u.updateInterrupt()
	case uartLCR:
		u.lcr = v
	case uartMCR:
		u.mcr = v
	case uartSCR:
		u.scr = v
	}
	return nil
}
