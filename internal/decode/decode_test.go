package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rvcore/internal/xlen"
)

func TestDecodeADDI(t *testing.T) {
	// addi x1, x2, 5
	instr := uint32(5<<20 | 2<<15 | 0<<12 | 1<<7 | 0b0010011)
	in, ok := Decode(xlen.Width64, instr)
	assert.True(t, ok)
	assert.Equal(t, ADDI, in.Op)
	assert.Equal(t, uint32(1), in.Rd)
	assert.Equal(t, uint32(2), in.Rs1)
	assert.Equal(t, int64(5), in.Imm)
}

func TestDecodeUnknownOpcodeFails(t *testing.T) {
	_, ok := Decode(xlen.Width64, 0xffffffff)
	assert.False(t, ok)
}

func TestDecodeLDOnlyOnRV64(t *testing.T) {
	// ld x1, 0(x2): funct3=011, opcode=0000011
	instr := uint32(0<<20 | 2<<15 | 0b011<<12 | 1<<7 | 0b0000011)
	_, ok32 := Decode(xlen.Width32, instr)
	assert.False(t, ok32)
	in64, ok64 := Decode(xlen.Width64, instr)
	assert.True(t, ok64)
	assert.Equal(t, LD, in64.Op)
}

func TestDecodeMulDiv(t *testing.T) {
	// mulhu x3, x1, x2 -> funct7=1, funct3=011, opcode=0110011
	instr := uint32(1<<25 | 2<<20 | 1<<15 | 0b011<<12 | 3<<7 | 0b0110011)
	in, ok := Decode(xlen.Width64, instr)
	assert.True(t, ok)
	assert.Equal(t, MULHU, in.Op)
}

func TestDecodeJALImmediate(t *testing.T) {
	// jal x5, 2: imm[10:1]=1, everything else zero.
	instr := uint32(1<<21 | 5<<7 | 0b1101111)
	in, ok := Decode(xlen.Width64, instr)
	assert.True(t, ok)
	assert.Equal(t, JAL, in.Op)
	assert.Equal(t, int64(2), in.Imm)
	assert.Equal(t, uint32(5), in.Rd)
}
