// Package cpu implements the hart: its integer/float register files, the
// fetch-decode-execute step loop, and the glue between decode, csr, trap,
// and mmu that turns a decoded instruction into the side effects spec.md
// assigns it.
package cpu

import (
	"fmt"

	"github.com/pkg/errors"

	"rvcore/internal/bus"
	"rvcore/internal/csr"
	"rvcore/internal/decode"
	"rvcore/internal/mmu"
	"rvcore/internal/trap"
	"rvcore/internal/xlen"
)

// Hart is one RISC-V hardware thread: registers, the step loop, and
// references to the shared bus/mmu/csr/trap machinery that back it.
type Hart struct {
	Width xlen.Width
	Priv  csr.Privilege

	PC uint64
	X  [32]uint64 // integer registers; X[0] is always read as zero
	F  [32]uint64 // float registers, NaN-boxed per xlen.NaNBox

	CSR   *csr.File
	Bus   *bus.Bus
	MMU   *mmu.MMU
	Traps *trap.Controller

	WFI bool

	// Satp is mirrored here rather than re-read from CSR on every memory
	// access; writes to the satp CSR must call Hart.SetSatp to keep it and
	// the MMU's TLB in sync.
	satp uint64

	// Halted is set by an unrecoverable internal condition (a cpu.fatal
	// call) and inspected by the owning Machine to stop the run loop.
	Halted  bool
	HaltMsg string
}

// New creates a hart at the given width, reset to Machine mode with pc 0.
func New(width xlen.Width, b *bus.Bus, m *mmu.MMU, csrFile *csr.File) *Hart {
	return &Hart{
		Width: width,
		Priv:  csr.Machine,
		Bus:   b,
		MMU:   m,
		CSR:   csrFile,
		Traps: &trap.Controller{CSR: csrFile},
	}
}

// RegRead/RegWrite give x0-is-always-zero semantics a single enforcement
// point, rather than scattering the check through every executor.
func (h *Hart) RegRead(r uint32) uint64 {
	if r == 0 {
		return 0
	}
	return h.X[r]
}

func (h *Hart) RegWrite(r uint32, v uint64) {
	if r == 0 {
		return
	}
	h.X[r] = h.truncate(v)
}

// truncate masks a value to the hart's XLEN, since RV32 keeps only the low
// 32 bits of every integer register live.
func (h *Hart) truncate(v uint64) uint64 {
	if h.Width == xlen.Width32 {
		return uint64(uint32(v))
	}
	return v
}

// SetSatp writes the satp CSR and flushes the MMU's TLB, which must happen
// on every satp write regardless of whether the mode or root PPN actually
// changed (spec.md 4.3).
func (h *Hart) SetSatp(v uint64) {
	h.CSR.Write(csr.SATP, v)
	h.satp = h.CSR.Satp()
	h.MMU.FlushAll()
}

// fatal records an unrecoverable internal-bug condition: decode/exec state
// that should be structurally impossible given a well-formed decode.Inst.
// It never panics -- the owning Machine surfaces HaltMsg through the
// monitor per spec.md section 7 rather than crashing the process.
func (h *Hart) fatal(format string, args ...interface{}) {
	h.Halted = true
	h.HaltMsg = fmt.Sprintf(format, args...)
}

// Step executes exactly one instruction (fetch, decode, execute), then
// checks for and delivers a pending interrupt. It returns false once the
// hart has halted via fatal.
func (h *Hart) Step() bool {
	if h.Halted {
		return false
	}
	if h.WFI {
		if _, ok := trap.Pending(h.Priv, h.CSR); ok {
			h.WFI = false
		}
		h.checkInterrupt()
		return true
	}

	faultPC := h.PC
	if faultPC%4 != 0 {
		h.enterTrap(trap.Trap{Cause: trap.InstructionAddressMisaligned, Value: faultPC}, faultPC)
		return true
	}
	instrBits, tr := h.fetch(faultPC)
	if tr != nil {
		h.enterTrap(*tr, faultPC)
		return true
	}

	if instrBits&0b11 != 0b11 {
		h.enterTrap(trap.Trap{Cause: trap.IllegalInstruction, Value: uint64(instrBits)}, faultPC)
		return true
	}

	in, ok := decode.Decode(h.Width, instrBits)
	if !ok {
		h.enterTrap(trap.Trap{Cause: trap.IllegalInstruction, Value: uint64(instrBits)}, faultPC)
		return true
	}

	h.PC = faultPC + 4
	if tr := h.execute(in, faultPC); tr != nil {
		h.enterTrap(*tr, faultPC)
		return true
	}
	h.X[0] = 0

	h.checkInterrupt()
	return true
}

func (h *Hart) fetch(pc uint64) (uint32, *trap.Trap) {
	paddr := pc
	if h.MMU.Active(h.Priv, h.satp) {
		var tr *trap.Trap
		paddr, tr = h.MMU.Translate(h.Priv, h.satp, h.CSR.SUM(), h.CSR.MXR(), pc, bus.Execute)
		if tr != nil {
			return 0, tr
		}
	}
	v, err := h.Bus.Load(paddr, 4, bus.Execute)
	if err != nil {
		return 0, &trap.Trap{Cause: trap.InstructionAccessFault, Value: pc}
	}
	return uint32(v), nil
}

func (h *Hart) checkInterrupt() {
	if cause, ok := trap.Pending(h.Priv, h.CSR); ok {
		h.enterTrap(trap.Trap{Cause: cause}, h.PC)
	}
}

func (h *Hart) enterTrap(tr trap.Trap, faultPC uint64) {
	h.Bus.InvalidateReservation()
	newPC, newPriv := h.Traps.Enter(h.Priv, tr, faultPC)
	h.PC = newPC
	h.Priv = newPriv
}

// translate resolves a data-access virtual address, honoring the hart's
// current satp/priv/sum/mxr state.
func (h *Hart) translate(vaddr uint64, access bus.Access) (uint64, *trap.Trap) {
	if !h.MMU.Active(h.Priv, h.satp) {
		return vaddr, nil
	}
	return h.MMU.Translate(h.Priv, h.satp, h.CSR.SUM(), h.CSR.MXR(), vaddr, access)
}

func (h *Hart) load(vaddr uint64, width int, access bus.Access) (uint64, *trap.Trap) {
	paddr, tr := h.translate(vaddr, access)
	if tr != nil {
		return 0, tr
	}
	v, err := h.Bus.Load(paddr, width, access)
	if err != nil {
		cause := trap.LoadAccessFault
		if errors.Is(err, bus.ErrMisaligned) {
			cause = trap.LoadAddressMisaligned
		}
		return 0, &trap.Trap{Cause: cause, Value: vaddr}
	}
	return v, nil
}

func (h *Hart) store(vaddr uint64, width int, val uint64) *trap.Trap {
	paddr, tr := h.translate(vaddr, bus.Write)
	if tr != nil {
		return tr
	}
	if err := h.Bus.Store(paddr, width, val, bus.Write); err != nil {
		cause := trap.StoreAccessFault
		if errors.Is(err, bus.ErrMisaligned) {
			cause = trap.StoreAddressMisaligned
		}
		return &trap.Trap{Cause: cause, Value: vaddr}
	}
	return nil
}

// ReadCString reads a NUL-terminated string out of guest physical memory,
// used by internal/usyscall to decode path arguments.
func (h *Hart) ReadCString(addr uint64) (string, error) {
	var buf []byte
	for {
		b := make([]byte, 1)
		if err := h.Bus.ReadAt(addr+uint64(len(buf)), b); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}

// ReadBuf and WriteBuf give internal/usyscall byte-slice access to guest
// memory without reaching into the bus directly.
func (h *Hart) ReadBuf(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := h.Bus.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *Hart) WriteBuf(addr uint64, buf []byte) error {
	return h.Bus.WriteAt(addr, buf)
}

// execute dispatches one decoded instruction to its family's executor.
func (h *Hart) execute(in decode.Inst, pc uint64) *trap.Trap {
	switch {
	case isIntOp(in.Op):
		return h.execInt(in, pc)
	case isMOp(in.Op):
		return h.execM(in)
	case isAOp(in.Op):
		return h.execA(in)
	case isFOp(in.Op):
		return h.execF(in)
	case isSysOp(in.Op):
		return h.execSys(in)
	default:
		h.fatal("decode produced unrecognized opcode %d", in.Op)
		return nil
	}
}
