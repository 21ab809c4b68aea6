package rvm

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvcore/internal/xlen"
)

// buildExitProgram writes a tiny ELFCLASS64/EM_RISCV binary that loads 42
// into a0, 93 (exit) into a7, and issues ecall -- exercising the user-mode
// ECALL interception path end to end.
func buildExitProgram(t *testing.T) string {
	t.Helper()
	const entry = uint64(0x80000000)

	instrs := []uint32{
		uint32(42<<20 | 0<<15 | 0<<12 | 10<<7 | 0b0010011), // addi a0, x0, 42
		uint32(93<<20 | 0<<15 | 0<<12 | 17<<7 | 0b0010011), // addi a7, x0, 93
		0b1110011, // ecall
	}

	ehdrSize, phdrSize := 64, 56
	dataOff := ehdrSize + phdrSize
	segSize := len(instrs) * 4

	buf := make([]byte, dataOff+segSize)
	copy(buf[0:4], "\x7fELF")
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(ehdrSize))
	binary.LittleEndian.PutUint16(buf[52:54], uint16(ehdrSize))
	binary.LittleEndian.PutUint16(buf[54:56], uint16(phdrSize))
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:8], 5)
	binary.LittleEndian.PutUint64(ph[8:16], uint64(dataOff))
	binary.LittleEndian.PutUint64(ph[16:24], entry)
	binary.LittleEndian.PutUint64(ph[24:32], entry)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(segSize))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(segSize))
	binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

	for i, w := range instrs {
		binary.LittleEndian.PutUint32(buf[dataOff+i*4:], w)
	}

	f, err := os.CreateTemp(t.TempDir(), "exit*.elf")
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestUserModeExitSyscall(t *testing.T) {
	path := buildExitProgram(t)
	m, err := NewMachine(Config{
		Width:    xlen.Width64,
		RAMBytes: 1 << 20,
		Mode:     ModeUser,
		BinPath:  path,
		Argv:     []string{"prog"},
		Envp:     nil,
	})
	require.NoError(t, err)

	code := m.Run()
	assert.Equal(t, 42, code)
}

func TestBareModeMountsDevices(t *testing.T) {
	path := buildExitProgram(t)
	m, err := NewMachine(Config{
		Width:    xlen.Width64,
		RAMBytes: 1 << 20,
		Mode:     ModeBare,
		BinPath:  path,
	})
	require.NoError(t, err)
	assert.NotNil(t, m.clint)
	assert.NotNil(t, m.plic)
	assert.NotNil(t, m.uart)
	assert.NotNil(t, m.disk)
}

func TestBrkClampsToCeiling(t *testing.T) {
	path := buildExitProgram(t)
	m, err := NewMachine(Config{
		Width:    xlen.Width64,
		RAMBytes: 1 << 12,
		Mode:     ModeUser,
		BinPath:  path,
	})
	require.NoError(t, err)

	got := m.handleBrk(m.brkCeil + 0x10000)
	assert.Equal(t, m.brkCeil, got)
}
