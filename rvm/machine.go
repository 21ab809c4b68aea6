// Package rvm ties the hart, bus, MMU, and bare-mode peripherals together
// into one Machine value that owns everything needed to run a single guest
// for its lifetime, and is the package external callers (cmd/rvgo) drive.
package rvm

import (
	"io"
	"os"

	"rvcore/internal/bus"
	"rvcore/internal/cpu"
	"rvcore/internal/csr"
	"rvcore/internal/device"
	"rvcore/internal/elfload"
	"rvcore/internal/mmu"
	"rvcore/internal/monitor"
	"rvcore/internal/trap"
	"rvcore/internal/usyscall"
	"rvcore/internal/xlen"
)

// mipBit looks up the MIP bit for a boolean device line.
func mipBit(f *csr.File, mask uint64, set bool) {
	if set {
		f.OrMip(mask)
	} else {
		f.AndMip(^mask)
	}
}

// Mode selects which devices a Machine mounts and how ECALL is handled.
// There is no separate build for the user-only tier: it is this
// constructor parameter.
type Mode int

const (
	// ModeBare boots like real hardware: CLINT, PLIC, UART and a VirtIO
	// block device are mounted at their conventional physical addresses,
	// and ECALL is a trap routed through internal/trap like any other.
	ModeBare Mode = iota
	// ModeUser runs a single statically-linked Linux user binary with no
	// devices mounted; ECALL is intercepted by internal/usyscall before
	// ever reaching internal/trap.
	ModeUser
)

// Conventional bare-mode physical addresses, matching the layout the
// teacher's monolithic step() switch hardcoded.
const (
	clintBase  = 0x02000000
	clintSize  = 0x00010000
	plicBase   = 0x0c000000
	plicSize   = 0x04000000
	uartBase   = 0x10000000
	uartSize   = 0x00000100
	virtioBase = 0x10001000
	virtioSize = 0x00001000

	uartIRQ   = 10
	virtioIRQ = 1
)

const ramBase = 0x80000000

// Machine owns one hart and its bus/MMU/devices for the duration of a run.
type Machine struct {
	Mode Mode
	Hart *cpu.Hart
	Bus  *bus.Bus

	// Monitor enables the interactive inspector on EBREAK or a fatal halt.
	// It defaults to off so headless runs (tests, CI, golden-file checks)
	// never block on terminal input.
	Monitor bool

	clint *device.CLINT
	plic  *device.PLIC
	uart  *device.UART16550
	disk  *device.VirtioBlock

	brk        uint64
	brkFloor   uint64
	brkCeil    uint64
	exitCode   int
	exited     bool
	shutdown   bool
	lastMCause uint64
}

// Config bundles the construction-time parameters spec.md section 4.6
// leaves to the host driver: width, RAM size, the guest binary, its
// argv/envp, and (bare mode only) a VirtIO disk image.
type Config struct {
	Width     xlen.Width
	RAMBytes  int
	Mode      Mode
	BinPath   string
	Argv      []string
	Envp      []string
	DiskImage []byte
	UARTOut   io.Writer
	Monitor   bool
}

// NewMachine constructs a Machine, loads BinPath into RAM, and positions
// the hart at its entry point ready to Step. Misaligned access is fixed to
// "trap" (Open Question (c) in spec.md), the default real Sv39 hardware
// and xv6 both expect.
func NewMachine(cfg Config) (*Machine, error) {
	b := bus.New(ramBase, cfg.RAMBytes)
	b.StrictAlign = true

	m := mmu.New(b, cfg.Width, 64)
	csrFile := csr.NewFile()
	h := cpu.New(cfg.Width, b, m, csrFile)

	mach := &Machine{Mode: cfg.Mode, Hart: h, Bus: b, Monitor: cfg.Monitor}

	if cfg.Mode == ModeBare {
		mach.clint = device.NewCLINT()
		mach.plic = device.NewPLIC()
		out := cfg.UARTOut
		if out == nil {
			out = os.Stdout
		}
		mach.uart = device.NewUART16550(out)
		mach.disk = device.NewVirtioBlock(cfg.DiskImage, b)

		b.Mount(clintBase, clintSize, mach.clint)
		b.Mount(plicBase, plicSize, mach.plic)
		b.Mount(uartBase, uartSize, mach.uart)
		b.Mount(virtioBase, virtioSize, mach.disk)
	}

	loaded, err := elfload.Load(cfg.BinPath, b, cfg.Argv, cfg.Envp)
	if err != nil {
		return nil, err
	}

	h.PC = loaded.Entry
	if cfg.Mode == ModeUser {
		h.Priv = csr.User
		h.RegWrite(2, loaded.StackPtr) // sp
	}
	mach.brk = loaded.BreakFloor
	mach.brkFloor = loaded.BreakFloor
	mach.brkCeil = ramBase + uint64(cfg.RAMBytes)

	return mach, nil
}

// Run steps the hart until RequestShutdown is called, the guest exits (user
// mode), or the hart halts on a fatal internal condition.
func (m *Machine) Run() int {
	for !m.shutdown && !m.exited && !m.Hart.Halted {
		m.Step()
	}
	if m.Hart.Halted {
		return 1
	}
	return m.exitCode
}

// Step advances the hart by one instruction, intercepting user-mode ECALL
// before it reaches internal/trap, and (bare mode only) ticking the
// peripherals and folding their interrupt lines into mip, matching the
// once-per-instruction cpu.clint.step/uart.step/plic.step cadence the
// teacher's monolithic step() used.
func (m *Machine) Step() {
	m.Hart.CSR.RawWrite(csr.TIME, m.Hart.CSR.RawRead(csr.TIME)+1)
	if m.Mode == ModeUser && m.isEcall() {
		m.handleEcall()
		m.Hart.PC += 4
		return
	}

	m.Hart.Step()

	if m.Mode == ModeBare {
		msip, mtip := m.clint.Tick()
		mipBit(m.Hart.CSR, csr.MIP_MSIP, msip)
		mipBit(m.Hart.CSR, csr.MIP_MTIP, mtip)
		m.plic.SetPending(uartIRQ, m.uart.Interrupting)
		m.plic.SetPending(virtioIRQ, m.disk.Interrupting())
		mipBit(m.Hart.CSR, csr.MIP_SEIP, m.plic.Pending())
	}

	if m.Monitor {
		m.checkSuspend()
	}
}

// checkSuspend enters the interactive monitor at the two suspension points
// spec.md section 7 names: an EBREAK trap just taken this step, and a fatal
// internal-bug halt. It never runs mid-instruction -- only here, between
// completed Steps -- and tracks the prior MCAUSE so a breakpoint handler's
// own later traps don't re-trigger it.
func (m *Machine) checkSuspend() {
	mcause := m.Hart.CSR.RawRead(csr.MCAUSE)
	justHitBreakpoint := mcause == uint64(trap.Breakpoint) && mcause != m.lastMCause
	m.lastMCause = mcause
	if !justHitBreakpoint && !m.Hart.Halted {
		return
	}
	mem, _ := m.Hart.ReadBuf(m.Hart.PC&^0xf, 256)
	resume, err := monitor.Run(monitor.Snapshot{
		PC:      m.Hart.PC,
		X:       m.Hart.X,
		Priv:    m.Hart.Priv,
		HaltMsg: m.Hart.HaltMsg,
		MemBase: m.Hart.PC &^ 0xf,
		MemAt:   mem,
	})
	if err != nil || !resume {
		m.shutdown = true
	}
}

func (m *Machine) isEcall() bool {
	word, err := m.Bus.Load(m.Hart.PC, 4, bus.Execute)
	return err == nil && word == 0b1110011 // ECALL encoding: all fields zero but the opcode
}

func (m *Machine) handleEcall() {
	sh := &usyscall.Hart{
		RegRead:     m.Hart.RegRead,
		RegWrite:    m.Hart.RegWrite,
		ReadBuf:     m.Hart.ReadBuf,
		WriteBuf:    m.Hart.WriteBuf,
		ReadCString: m.Hart.ReadCString,
		Brk:         m.handleBrk,
		RequestExit: m.requestExit,
	}
	num := m.Hart.RegRead(17) // a7
	ret := usyscall.Dispatch(sh, num)
	m.Hart.RegWrite(10, ret) // a0
}

// handleBrk implements the moves-the-break-or-reports-it-unchanged
// contract internal/usyscall's sysBrk expects: newBrk == 0 queries the
// current break, a value below brkFloor leaves the break unchanged, and
// any other value is clamped to brkCeil and adopted.
func (m *Machine) handleBrk(newBrk uint64) uint64 {
	if newBrk == 0 {
		return m.brk
	}
	if newBrk < m.brkFloor {
		return m.brk
	}
	if newBrk > m.brkCeil {
		newBrk = m.brkCeil
	}
	m.brk = newBrk
	return m.brk
}

func (m *Machine) requestExit(code int) {
	m.exitCode = code
	m.exited = true
}

// RequestShutdown asks the Machine to stop at the next Step boundary,
// used by cmd/rvgo to translate a host Ctrl-C into a clean exit.
func (m *Machine) RequestShutdown() {
	m.shutdown = true
}

// PushInput feeds one host-received byte to the bare-mode UART.
func (m *Machine) PushInput(b byte) {
	if m.uart != nil {
		m.uart.Push(b)
	}
}
