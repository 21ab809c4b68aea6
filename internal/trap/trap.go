// Package trap implements the cause-code catalogue and the trap
// entry/return algorithm of the RISC-V privileged architecture: target
// privilege derived from delegation, the xepc/xcause/xtval/xstatus update
// sequence, and interrupt prioritization.
package trap

import "rvcore/internal/csr"

// Cause identifies a trap. Interrupts have their top bit set; the low bits
// match spec.md's cause-code table exactly.
type Cause uint64

const interruptBit = uint64(1) << 63

func interrupt(code uint64) Cause { return Cause(interruptBit | code) }

// Asynchronous interrupt causes.
const (
	SupervisorSoftwareInterrupt Cause = Cause(interruptBit | 1)
	MachineSoftwareInterrupt    Cause = Cause(interruptBit | 3)
	SupervisorTimerInterrupt    Cause = Cause(interruptBit | 5)
	MachineTimerInterrupt       Cause = Cause(interruptBit | 7)
	SupervisorExternalInterrupt Cause = Cause(interruptBit | 9)
	MachineExternalInterrupt    Cause = Cause(interruptBit | 11)
)

// Synchronous exception causes.
const (
	InstructionAddressMisaligned Cause = 0
	InstructionAccessFault       Cause = 1
	IllegalInstruction           Cause = 2
	Breakpoint                   Cause = 3
	LoadAddressMisaligned        Cause = 4
	LoadAccessFault              Cause = 5
	StoreAddressMisaligned       Cause = 6
	StoreAccessFault              Cause = 7
	EnvironmentCallFromUMode     Cause = 8
	EnvironmentCallFromSMode     Cause = 9
	EnvironmentCallFromMMode     Cause = 11
	InstructionPageFault         Cause = 12
	LoadPageFault                Cause = 13
	StorePageFault               Cause = 15
)

// IsInterrupt reports whether c is an asynchronous interrupt.
func (c Cause) IsInterrupt() bool { return uint64(c)&interruptBit != 0 }

// Code returns the low bits of the cause (the interrupt/exception number).
func (c Cause) Code() uint64 { return uint64(c) &^ interruptBit }

// Trap is a pending architectural trap: a cause plus its associated value
// (faulting address, offending instruction bits, or zero).
type Trap struct {
	Cause Cause
	Value uint64
}

// interruptPriority orders the three interrupt classes highest-first:
// external, software, timer -- matching spec.md section 4.4.
var interruptPriority = []struct {
	machine, supervisor Cause
	mmask, smask        uint64
}{
	{MachineExternalInterrupt, SupervisorExternalInterrupt, csr.MIP_MEIP, csr.MIP_SEIP},
	{MachineSoftwareInterrupt, SupervisorSoftwareInterrupt, csr.MIP_MSIP, csr.MIP_SSIP},
	{MachineTimerInterrupt, SupervisorTimerInterrupt, csr.MIP_MTIP, csr.MIP_STIP},
}

// Pending computes the highest-priority deliverable interrupt, if any,
// given the current privilege and CSR file. Machine-level interrupts are
// masked by mstatus.MIE only when the hart is already at Machine privilege
// (interrupts to lower privileges are always globally visible to a higher
// current privilege per the spec); supervisor-level interrupts further
// require mstatus.SIE when currently at Supervisor.
func Pending(priv csr.Privilege, f *csr.File) (Cause, bool) {
	pending := f.Mip() & f.Mie()
	if pending == 0 {
		return 0, false
	}
	mideleg := f.Mideleg()
	for _, class := range interruptPriority {
		if pending&class.mmask != 0 && mideleg&class.mmask == 0 {
			if priv < csr.Machine || f.MIE() {
				return class.machine, true
			}
		}
	}
	for _, class := range interruptPriority {
		if pending&class.smask != 0 && mideleg&class.smask != 0 {
			if priv < csr.Supervisor || (priv == csr.Supervisor && f.SIE()) {
				return class.supervisor, true
			}
		}
	}
	return 0, false
}

// Controller owns the CSR file and implements trap entry and return. It
// holds no state of its own beyond a reference to the CSR file; privilege
// lives on the hart and is passed/returned explicitly so Controller stays
// free of hidden mutable state.
type Controller struct {
	CSR *csr.File
}

// Enter performs trap entry: computes the target privilege from delegation,
// saves epc/cause/tval and the interrupt-enable stack, and returns the new
// pc and privilege. faultPC is the address trap.Cause refers to (the
// faulting instruction, or the next-to-execute pc for interrupts).
func (c *Controller) Enter(cur csr.Privilege, tr Trap, faultPC uint64) (newPC uint64, newPriv csr.Privilege) {
	var delegated bool
	if cur != csr.Machine {
		pos := tr.Cause.Code()
		if tr.Cause.IsInterrupt() {
			delegated = (c.CSR.Mideleg()>>pos)&1 != 0
		} else {
			delegated = (c.CSR.Medeleg()>>pos)&1 != 0
		}
	}

	if delegated {
		newPriv = csr.Supervisor
		c.CSR.RawWrite(csr.SEPC, faultPC)
		c.CSR.RawWrite(csr.SCAUSE, uint64(tr.Cause))
		c.CSR.RawWrite(csr.STVAL, tr.Value)
		c.CSR.SetSPIE(c.CSR.SIE())
		c.CSR.SetSIE(false)
		c.CSR.SetSPP(cur)
		newPC = vectoredTarget(c.CSR.RawRead(csr.STVEC), tr.Cause)
	} else {
		newPriv = csr.Machine
		c.CSR.RawWrite(csr.MEPC, faultPC)
		c.CSR.RawWrite(csr.MCAUSE, uint64(tr.Cause))
		c.CSR.RawWrite(csr.MTVAL, tr.Value)
		c.CSR.SetMPIE(c.CSR.MIE())
		c.CSR.SetMIE(false)
		c.CSR.SetMPP(cur)
		newPC = vectoredTarget(c.CSR.RawRead(csr.MTVEC), tr.Cause)
	}
	return newPC, newPriv
}

// vectoredTarget resolves an xtvec value (mode in the low 2 bits: 0 direct,
// 1 vectored) against a cause. Vectoring only applies to interrupts.
func vectoredTarget(tvec uint64, c Cause) uint64 {
	base := tvec &^ 0b11
	mode := tvec & 0b11
	if mode == 1 && c.IsInterrupt() {
		return base + 4*c.Code()
	}
	return base
}

// Return performs MRET or SRET: restores the previous privilege, re-enables
// interrupts at the return level, and yields the pc to resume at.
func (c *Controller) Return(from csr.Privilege) (newPC uint64, newPriv csr.Privilege) {
	if from == csr.Machine {
		newPriv = c.CSR.MPP()
		c.CSR.SetMIE(c.CSR.MPIE())
		c.CSR.SetMPIE(true)
		c.CSR.SetMPP(csr.User)
		return c.CSR.RawRead(csr.MEPC), newPriv
	}
	newPriv = c.CSR.SPP()
	c.CSR.SetSIE(c.CSR.SPIE())
	c.CSR.SetSPIE(true)
	c.CSR.SetSPP(csr.User)
	return c.CSR.RawRead(csr.SEPC), newPriv
}
