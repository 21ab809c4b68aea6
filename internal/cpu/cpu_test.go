package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rvcore/internal/bus"
	"rvcore/internal/csr"
	"rvcore/internal/mmu"
	"rvcore/internal/xlen"
)

func newTestHart(t *testing.T) (*Hart, *bus.Bus) {
	t.Helper()
	b := bus.New(0x80000000, 4096)
	m := mmu.New(b, xlen.Width64, 16)
	f := csr.NewFile()
	h := New(xlen.Width64, b, m, f)
	h.PC = 0x80000000
	h.Priv = csr.Machine
	return h, b
}

func storeInstr(b *bus.Bus, addr uint64, word uint32) {
	b.Store(addr, 4, uint64(word), bus.Write)
}

func TestAddiAndAdd(t *testing.T) {
	h, b := newTestHart(t)
	// addi x1, x0, 5
	storeInstr(b, h.PC, uint32(5<<20|0<<15|0<<12|1<<7|0b0010011))
	// addi x2, x0, 7
	storeInstr(b, h.PC+4, uint32(7<<20|0<<15|0<<12|2<<7|0b0010011))
	// add x3, x1, x2
	storeInstr(b, h.PC+8, uint32(0<<25|2<<20|1<<15|0<<12|3<<7|0b0110011))

	assert.True(t, h.Step())
	assert.True(t, h.Step())
	assert.True(t, h.Step())
	assert.Equal(t, uint64(12), h.X[3])
}

func TestBranchNotTaken(t *testing.T) {
	h, b := newTestHart(t)
	// beq x0, x1, 0 -- x1 is set to 1 below, so the branch is not taken and pc advances by 4
	storeInstr(b, h.PC, uint32(1<<20|0<<15|0<<12|0<<7|0b1100011))
	h.X[1] = 1
	assert.True(t, h.Step())
	assert.Equal(t, h.PC, uint64(0x80000004))
}

func TestStoreLoadRoundTrip(t *testing.T) {
	h, b := newTestHart(t)
	h.X[1] = 0x80000100 // base address
	h.X[2] = 0xdeadbeef
	// sw x2, 0(x1)
	storeInstr(b, h.PC, uint32(0<<25|2<<20|1<<15|0b010<<12|0<<7|0b0100011))
	// lw x3, 0(x1)
	storeInstr(b, h.PC+4, uint32(0<<20|1<<15|0b010<<12|3<<7|0b0000011))
	assert.True(t, h.Step())
	assert.True(t, h.Step())
	assert.Equal(t, uint64(0xffffffffdeadbeef), h.X[3]) // sign-extended
}

func TestIllegalInstructionTraps(t *testing.T) {
	h, b := newTestHart(t)
	storeInstr(b, h.PC, 0xffffffff)
	assert.True(t, h.Step())
	assert.Equal(t, csr.Machine, h.Priv)
	assert.Equal(t, uint64(2), h.CSR.RawRead(csr.MCAUSE)) // IllegalInstruction
}

func TestX0AlwaysZero(t *testing.T) {
	h, b := newTestHart(t)
	// addi x0, x0, 5 -- must not perturb x0
	storeInstr(b, h.PC, uint32(5<<20|0<<15|0<<12|0<<7|0b0010011))
	assert.True(t, h.Step())
	assert.Equal(t, uint64(0), h.X[0])
}

func TestEcallFromMachineMode(t *testing.T) {
	h, b := newTestHart(t)
	storeInstr(b, h.PC, uint32(0<<20|0<<15|0<<12|0<<7|0b1110011)) // ecall
	assert.True(t, h.Step())
	assert.Equal(t, uint64(11), h.CSR.RawRead(csr.MCAUSE)) // EnvironmentCallFromMMode
}

func TestCSRReadWrite(t *testing.T) {
	h, b := newTestHart(t)
	h.X[1] = 0x42
	// csrrw x2, mscratch, x1
	storeInstr(b, h.PC, uint32(uint32(csr.MSCRATCH)<<20|1<<15|0b001<<12|2<<7|0b1110011))
	assert.True(t, h.Step())
	assert.Equal(t, uint64(0x42), h.CSR.RawRead(csr.MSCRATCH))
	assert.Equal(t, uint64(0), h.X[2])
}
