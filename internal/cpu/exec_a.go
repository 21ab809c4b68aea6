package cpu

import (
	"rvcore/internal/bus"
	"rvcore/internal/decode"
	"rvcore/internal/trap"
)

func isAOp(op decode.Opcode) bool {
	switch op {
	case decode.LRW, decode.LRD, decode.SCW, decode.SCD,
		decode.AMOSWAPW, decode.AMOADDW, decode.AMOXORW, decode.AMOANDW, decode.AMOORW,
		decode.AMOMINW, decode.AMOMAXW, decode.AMOMINUW, decode.AMOMAXUW,
		decode.AMOSWAPD, decode.AMOADDD, decode.AMOXORD, decode.AMOANDD, decode.AMOORD,
		decode.AMOMIND, decode.AMOMAXD, decode.AMOMINUD, decode.AMOMAXUD:
		return true
	}
	return false
}

// execA executes the A extension: LR/SC through the bus's
// LoadReserved/StoreConditional reservation helpers, and the AMO*
// read-modify-write family through bus.AMO, whose store invalidates an
// overlapping reservation like any other store (spec.md 4.2).
func (h *Hart) execA(in decode.Inst) *trap.Trap {
	rs1 := h.RegRead(in.Rs1)
	rs2 := h.RegRead(in.Rs2)
	width := 4
	is64 := false
	switch in.Op {
	case decode.LRD, decode.SCD, decode.AMOSWAPD, decode.AMOADDD, decode.AMOXORD, decode.AMOANDD,
		decode.AMOORD, decode.AMOMIND, decode.AMOMAXD, decode.AMOMINUD, decode.AMOMAXUD:
		width, is64 = 8, true
	}

	switch in.Op {
	case decode.LRW, decode.LRD:
		paddr, tr := h.translate(rs1, bus.Read)
		if tr != nil {
			return tr
		}
		v, err := h.Bus.LoadReserved(paddr, width)
		if err != nil {
			return &trap.Trap{Cause: trap.LoadAccessFault, Value: rs1}
		}
		h.RegWrite(in.Rd, signExtendAMO(v, is64))
		return nil

	case decode.SCW, decode.SCD:
		paddr, tr := h.translate(rs1, bus.Write)
		if tr != nil {
			return tr
		}
		ok, err := h.Bus.StoreConditional(paddr, width, rs2)
		if err != nil {
			return &trap.Trap{Cause: trap.StoreAccessFault, Value: rs1}
		}
		if ok {
			h.RegWrite(in.Rd, 0)
		} else {
			h.RegWrite(in.Rd, 1)
		}
		return nil
	}

	paddr, tr := h.translate(rs1, bus.Write)
	if tr != nil {
		return tr
	}

	var op func(old uint64) uint64
	switch in.Op {
	case decode.AMOSWAPW, decode.AMOSWAPD:
		op = func(uint64) uint64 { return rs2 }
	case decode.AMOADDW, decode.AMOADDD:
		op = func(old uint64) uint64 { return old + rs2 }
	case decode.AMOXORW, decode.AMOXORD:
		op = func(old uint64) uint64 { return old ^ rs2 }
	case decode.AMOANDW, decode.AMOANDD:
		op = func(old uint64) uint64 { return old & rs2 }
	case decode.AMOORW, decode.AMOORD:
		op = func(old uint64) uint64 { return old | rs2 }
	case decode.AMOMINW:
		op = func(old uint64) uint64 { return minMax32(old, rs2, true, false) }
	case decode.AMOMAXW:
		op = func(old uint64) uint64 { return minMax32(old, rs2, false, false) }
	case decode.AMOMINUW:
		op = func(old uint64) uint64 { return minMax32(old, rs2, true, true) }
	case decode.AMOMAXUW:
		op = func(old uint64) uint64 { return minMax32(old, rs2, false, true) }
	case decode.AMOMIND:
		op = func(old uint64) uint64 { return minMax64(old, rs2, true, false) }
	case decode.AMOMAXD:
		op = func(old uint64) uint64 { return minMax64(old, rs2, false, false) }
	case decode.AMOMINUD:
		op = func(old uint64) uint64 { return minMax64(old, rs2, true, true) }
	case decode.AMOMAXUD:
		op = func(old uint64) uint64 { return minMax64(old, rs2, false, true) }
	default:
		h.fatal("execA: unhandled opcode %d", in.Op)
		return nil
	}

	old, err := h.Bus.AMO(paddr, width, op)
	if err != nil {
		return &trap.Trap{Cause: trap.StoreAccessFault, Value: rs1}
	}
	h.RegWrite(in.Rd, signExtendAMO(old, is64))
	return nil
}

func signExtendAMO(v uint64, is64 bool) uint64 {
	if is64 {
		return v
	}
	return signExtend32(uint32(v))
}

func minMax32(a, b uint64, wantMin, unsigned bool) uint64 {
	av, bv := uint32(a), uint32(b)
	var less bool
	if unsigned {
		less = av < bv
	} else {
		less = int32(av) < int32(bv)
	}
	if less == wantMin {
		return a
	}
	return b
}

func minMax64(a, b uint64, wantMin, unsigned bool) uint64 {
	var less bool
	if unsigned {
		less = a < b
	} else {
		less = int64(a) < int64(b)
	}
	if less == wantMin {
		return a
	}
	return b
}
