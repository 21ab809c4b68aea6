package cpu

import (
	"rvcore/internal/csr"
	"rvcore/internal/decode"
	"rvcore/internal/trap"
)

func isSysOp(op decode.Opcode) bool {
	switch op {
	case decode.ECALL, decode.EBREAK, decode.MRET, decode.SRET, decode.WFI, decode.SFENCEVMA,
		decode.CSRRW, decode.CSRRS, decode.CSRRC, decode.CSRRWI, decode.CSRRSI, decode.CSRRCI:
		return true
	}
	return false
}

// execSys executes the Zicsr and privileged-trap-returning instructions:
// environment calls/breakpoints, MRET/SRET, WFI, SFENCE.VMA, and the six
// CSR read-modify-write forms.
func (h *Hart) execSys(in decode.Inst) *trap.Trap {
	switch in.Op {
	case decode.ECALL:
		return &trap.Trap{Cause: ecallCause(h.Priv)}
	case decode.EBREAK:
		return &trap.Trap{Cause: trap.Breakpoint, Value: h.PC}

	case decode.MRET:
		if h.Priv != csr.Machine {
			return &trap.Trap{Cause: trap.IllegalInstruction}
		}
		newPC, newPriv := h.Traps.Return(csr.Machine)
		h.PC, h.Priv = newPC, newPriv
		return nil
	case decode.SRET:
		if h.Priv < csr.Supervisor {
			return &trap.Trap{Cause: trap.IllegalInstruction}
		}
		newPC, newPriv := h.Traps.Return(csr.Supervisor)
		h.PC, h.Priv = newPC, newPriv
		return nil

	case decode.WFI:
		h.WFI = true
		return nil

	case decode.SFENCEVMA:
		if h.Priv == csr.User {
			return &trap.Trap{Cause: trap.IllegalInstruction}
		}
		hasVA := in.Rs1 != 0
		hasASID := in.Rs2 != 0
		h.Bus.InvalidateReservation()
		h.MMU.FenceVMA(hasVA, h.RegRead(in.Rs1), hasASID, h.RegRead(in.Rs2))
		return nil

	case decode.CSRRW, decode.CSRRS, decode.CSRRC, decode.CSRRWI, decode.CSRRSI, decode.CSRRCI:
		return h.execCSR(in)

	default:
		h.fatal("execSys: unhandled opcode %d", in.Op)
		return nil
	}
}

func ecallCause(priv csr.Privilege) trap.Cause {
	switch priv {
	case csr.User:
		return trap.EnvironmentCallFromUMode
	case csr.Supervisor:
		return trap.EnvironmentCallFromSMode
	default:
		return trap.EnvironmentCallFromMMode
	}
}

// execCSR implements the six CSRRx forms. The rs1 field doubles as a 5-bit
// unsigned immediate for the *I variants, per the decoder leaving that value
// in in.Rs1 unchanged and the CSR address in in.Imm.
func (h *Hart) execCSR(in decode.Inst) *trap.Trap {
	addr := uint16(in.Imm)
	if !h.CSR.Known(addr) {
		return &trap.Trap{Cause: trap.IllegalInstruction}
	}
	if !h.CSR.CanAccess(addr, h.Priv) {
		return &trap.Trap{Cause: trap.IllegalInstruction}
	}

	var operand uint64
	switch in.Op {
	case decode.CSRRWI, decode.CSRRSI, decode.CSRRCI:
		operand = uint64(in.Rs1)
	default:
		operand = h.RegRead(in.Rs1)
	}

	// CSRRW/CSRRWI always write. CSRRS/CSRRC suppress the write attempt when
	// rs1 is x0 -- a syntactic, register-index condition decided at decode
	// time, not a value condition, so a register that happens to hold zero
	// still attempts the write. CSRRSI/CSRRCI have no register indirection:
	// their 5-bit immediate is both the index and the value, so the
	// suppression condition is just the immediate being zero.
	var writeRequested bool
	switch in.Op {
	case decode.CSRRW, decode.CSRRWI:
		writeRequested = true
	case decode.CSRRS, decode.CSRRC:
		writeRequested = in.Rs1 != 0
	case decode.CSRRSI, decode.CSRRCI:
		writeRequested = operand != 0
	}
	if writeRequested && !h.CSR.Writable(addr) {
		return &trap.Trap{Cause: trap.IllegalInstruction}
	}
	old := h.CSR.Read(addr)

	if in.Rd != 0 {
		h.RegWrite(in.Rd, old)
	}

	if writeRequested {
		switch in.Op {
		case decode.CSRRW, decode.CSRRWI:
			h.CSR.Write(addr, operand)
		case decode.CSRRS, decode.CSRRSI:
			h.CSR.Write(addr, old|operand)
		case decode.CSRRC, decode.CSRRCI:
			h.CSR.Write(addr, old&^operand)
		}
	}

	if addr == csr.SATP {
		h.SetSatp(h.CSR.RawRead(csr.SATP))
	}
	return nil
}
