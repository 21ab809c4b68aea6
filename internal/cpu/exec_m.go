package cpu

import (
	"rvcore/internal/decode"
	"rvcore/internal/trap"
	"rvcore/internal/xlen"
)

func isMOp(op decode.Opcode) bool {
	switch op {
	case decode.MUL, decode.MULH, decode.MULHSU, decode.MULHU,
		decode.DIV, decode.DIVU, decode.REM, decode.REMU,
		decode.MULW, decode.DIVW, decode.DIVUW, decode.REMW, decode.REMUW:
		return true
	}
	return false
}

// execM executes the M extension: full-width and half-width multiply and
// the truncating division/remainder pairs with their RISC-V-mandated (not
// trapping) edge-case results, grounded in xlen's overflow-safe helpers.
func (h *Hart) execM(in decode.Inst) *trap.Trap {
	rs1 := h.RegRead(in.Rs1)
	rs2 := h.RegRead(in.Rs2)

	switch in.Op {
	case decode.MUL:
		h.RegWrite(in.Rd, rs1*rs2)
	case decode.MULH:
		if h.Width == xlen.Width32 {
			h.RegWrite(in.Rd, uint64((h.signed(rs1)*h.signed(rs2))>>32))
		} else {
			h.RegWrite(in.Rd, uint64(xlen.MulHS(int64(rs1), int64(rs2))))
		}
	case decode.MULHSU:
		if h.Width == xlen.Width32 {
			h.RegWrite(in.Rd, uint64((h.signed(rs1)*int64(rs2))>>32))
		} else {
			h.RegWrite(in.Rd, uint64(xlen.MulHSU(int64(rs1), rs2)))
		}
	case decode.MULHU:
		if h.Width == xlen.Width32 {
			h.RegWrite(in.Rd, (rs1*rs2)>>32)
		} else {
			h.RegWrite(in.Rd, xlen.MulHU(rs1, rs2))
		}
	case decode.DIV:
		h.RegWrite(in.Rd, uint64(xlen.DivS(h.signed(rs1), h.signed(rs2), h.minInt())))
	case decode.DIVU:
		h.RegWrite(in.Rd, xlen.DivU(rs1, rs2))
	case decode.REM:
		h.RegWrite(in.Rd, uint64(xlen.RemS(h.signed(rs1), h.signed(rs2), h.minInt())))
	case decode.REMU:
		h.RegWrite(in.Rd, xlen.RemU(rs1, rs2))

	case decode.MULW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)*uint32(rs2)))
	case decode.DIVW:
		h.RegWrite(in.Rd, uint64(xlen.DivS(int64(int32(uint32(rs1))), int64(int32(uint32(rs2))), -1<<31)))
	case decode.DIVUW:
		q := xlen.DivU(uint64(uint32(rs1)), uint64(uint32(rs2)))
		h.RegWrite(in.Rd, signExtend32(uint32(q)))
	case decode.REMW:
		h.RegWrite(in.Rd, uint64(xlen.RemS(int64(int32(uint32(rs1))), int64(int32(uint32(rs2))), -1<<31)))
	case decode.REMUW:
		r := xlen.RemU(uint64(uint32(rs1)), uint64(uint32(rs2)))
		h.RegWrite(in.Rd, signExtend32(uint32(r)))

	default:
		h.fatal("execM: unhandled opcode %d", in.Op)
	}
	return nil
}

func (h *Hart) minInt() int64 {
	if h.Width == xlen.Width32 {
		return -1 << 31
	}
	return -1 << 63
}
