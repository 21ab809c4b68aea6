package cpu

import (
	"rvcore/internal/bus"
	"rvcore/internal/decode"
	"rvcore/internal/trap"
	"rvcore/internal/xlen"
)

func isIntOp(op decode.Opcode) bool {
	switch op {
	case decode.LUI, decode.AUIPC, decode.JAL, decode.JALR,
		decode.BEQ, decode.BNE, decode.BLT, decode.BGE, decode.BLTU, decode.BGEU,
		decode.LB, decode.LH, decode.LW, decode.LBU, decode.LHU, decode.LD, decode.LWU,
		decode.SB, decode.SH, decode.SW, decode.SD,
		decode.ADDI, decode.SLTI, decode.SLTIU, decode.XORI, decode.ORI, decode.ANDI,
		decode.SLLI, decode.SRLI, decode.SRAI,
		decode.ADD, decode.SUB, decode.SLL, decode.SLT, decode.SLTU, decode.XOR, decode.SRL, decode.SRA, decode.OR, decode.AND,
		decode.ADDIW, decode.SLLIW, decode.SRLIW, decode.SRAIW,
		decode.ADDW, decode.SUBW, decode.SLLW, decode.SRLW, decode.SRAW,
		decode.FENCE, decode.FENCEI:
		return true
	}
	return false
}

// execInt executes the base integer ISA: LUI/AUIPC/jumps/branches,
// loads/stores, register-immediate and register-register ALU ops, and the
// RV64 W-suffixed 32-bit-lane variants.
func (h *Hart) execInt(in decode.Inst, pc uint64) *trap.Trap {
	rs1 := h.RegRead(in.Rs1)
	rs2 := h.RegRead(in.Rs2)
	imm := uint64(in.Imm)

	switch in.Op {
	case decode.LUI:
		h.RegWrite(in.Rd, imm)
	case decode.AUIPC:
		h.RegWrite(in.Rd, pc+imm)
	case decode.JAL:
		h.RegWrite(in.Rd, pc+4)
		h.PC = pc + imm
	case decode.JALR:
		target := (rs1 + imm) &^ 1
		h.RegWrite(in.Rd, pc+4)
		h.PC = target

	case decode.BEQ:
		if rs1 == rs2 {
			h.PC = pc + imm
		}
	case decode.BNE:
		if rs1 != rs2 {
			h.PC = pc + imm
		}
	case decode.BLT:
		if h.signed(rs1) < h.signed(rs2) {
			h.PC = pc + imm
		}
	case decode.BGE:
		if h.signed(rs1) >= h.signed(rs2) {
			h.PC = pc + imm
		}
	case decode.BLTU:
		if rs1 < rs2 {
			h.PC = pc + imm
		}
	case decode.BGEU:
		if rs1 >= rs2 {
			h.PC = pc + imm
		}

	case decode.LB:
		v, tr := h.load(rs1+imm, 1, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, uint64(xlen.SignExtend(v, 8)))
	case decode.LH:
		v, tr := h.load(rs1+imm, 2, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, uint64(xlen.SignExtend(v, 16)))
	case decode.LW:
		v, tr := h.load(rs1+imm, 4, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, uint64(xlen.SignExtend(v, 32)))
	case decode.LBU:
		v, tr := h.load(rs1+imm, 1, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, v)
	case decode.LHU:
		v, tr := h.load(rs1+imm, 2, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, v)
	case decode.LD:
		v, tr := h.load(rs1+imm, 8, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, v)
	case decode.LWU:
		v, tr := h.load(rs1+imm, 4, bus.Read)
		if tr != nil {
			return tr
		}
		h.RegWrite(in.Rd, v)

	case decode.SB:
		if tr := h.store(rs1+imm, 1, rs2); tr != nil {
			return tr
		}
	case decode.SH:
		if tr := h.store(rs1+imm, 2, rs2); tr != nil {
			return tr
		}
	case decode.SW:
		if tr := h.store(rs1+imm, 4, rs2); tr != nil {
			return tr
		}
	case decode.SD:
		if tr := h.store(rs1+imm, 8, rs2); tr != nil {
			return tr
		}

	case decode.ADDI:
		h.RegWrite(in.Rd, rs1+imm)
	case decode.SLTI:
		h.RegWrite(in.Rd, boolToReg(h.signed(rs1) < in.Imm))
	case decode.SLTIU:
		h.RegWrite(in.Rd, boolToReg(rs1 < imm))
	case decode.XORI:
		h.RegWrite(in.Rd, rs1^imm)
	case decode.ORI:
		h.RegWrite(in.Rd, rs1|imm)
	case decode.ANDI:
		h.RegWrite(in.Rd, rs1&imm)
	case decode.SLLI:
		h.RegWrite(in.Rd, rs1<<(imm&h.Width.ShiftMask()))
	case decode.SRLI:
		h.RegWrite(in.Rd, h.widthMasked(rs1)>>(imm&h.Width.ShiftMask()))
	case decode.SRAI:
		h.RegWrite(in.Rd, uint64(h.signed(rs1)>>(imm&h.Width.ShiftMask())))

	case decode.ADD:
		h.RegWrite(in.Rd, rs1+rs2)
	case decode.SUB:
		h.RegWrite(in.Rd, rs1-rs2)
	case decode.SLL:
		h.RegWrite(in.Rd, rs1<<(rs2&h.Width.ShiftMask()))
	case decode.SLT:
		h.RegWrite(in.Rd, boolToReg(h.signed(rs1) < h.signed(rs2)))
	case decode.SLTU:
		h.RegWrite(in.Rd, boolToReg(rs1 < rs2))
	case decode.XOR:
		h.RegWrite(in.Rd, rs1^rs2)
	case decode.SRL:
		h.RegWrite(in.Rd, h.widthMasked(rs1)>>(rs2&h.Width.ShiftMask()))
	case decode.SRA:
		h.RegWrite(in.Rd, uint64(h.signed(rs1)>>(rs2&h.Width.ShiftMask())))
	case decode.OR:
		h.RegWrite(in.Rd, rs1|rs2)
	case decode.AND:
		h.RegWrite(in.Rd, rs1&rs2)

	case decode.ADDIW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)+uint32(imm)))
	case decode.SLLIW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)<<(uint32(imm)&31)))
	case decode.SRLIW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)>>(uint32(imm)&31)))
	case decode.SRAIW:
		h.RegWrite(in.Rd, signExtend32(uint32(int32(uint32(rs1))>>(uint32(imm)&31))))
	case decode.ADDW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)+uint32(rs2)))
	case decode.SUBW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)-uint32(rs2)))
	case decode.SLLW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)<<(uint32(rs2)&31)))
	case decode.SRLW:
		h.RegWrite(in.Rd, signExtend32(uint32(rs1)>>(uint32(rs2)&31)))
	case decode.SRAW:
		h.RegWrite(in.Rd, signExtend32(uint32(int32(uint32(rs1))>>(uint32(rs2)&31))))

	case decode.FENCE, decode.FENCEI:
		// Single-hart, single-address-space model: ordering and icache
		// consistency are automatic, so these are no-ops.

	default:
		h.fatal("execInt: unhandled opcode %d", in.Op)
	}
	return nil
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExtend32(v uint32) uint64 {
	return uint64(int64(int32(v)))
}

func (h *Hart) widthMasked(v uint64) uint64 {
	if h.Width == xlen.Width32 {
		return uint64(uint32(v))
	}
	return v
}

func (h *Hart) signed(v uint64) int64 {
	if h.Width == xlen.Width32 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}
