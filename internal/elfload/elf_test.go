package elfload

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvcore/internal/bus"
)

// buildMiniELF64 writes a minimal valid ELFCLASS64/EM_RISCV file with a
// single PT_LOAD segment containing code, and returns its path.
func buildMiniELF64(t *testing.T, machine elf.Machine) string {
	t.Helper()
	const (
		entry   = uint64(0x80000000)
		segSize = 64
	)

	ehdrSize := 64
	phdrSize := 56
	dataOff := ehdrSize + phdrSize

	buf := make([]byte, dataOff+segSize)
	copy(buf[0:4], "\x7fELF")
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:24], 1) // version
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(ehdrSize)) // phoff
	binary.LittleEndian.PutUint64(buf[40:48], 0)                // shoff
	binary.LittleEndian.PutUint16(buf[52:54], uint16(ehdrSize))
	binary.LittleEndian.PutUint16(buf[54:56], uint16(phdrSize))
	binary.LittleEndian.PutUint16(buf[56:58], 1) // phnum

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:8], 5) // flags: R+X
	binary.LittleEndian.PutUint64(ph[8:16], uint64(dataOff))
	binary.LittleEndian.PutUint64(ph[16:24], entry) // vaddr
	binary.LittleEndian.PutUint64(ph[24:32], entry) // paddr
	binary.LittleEndian.PutUint64(ph[32:40], uint64(segSize))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(segSize))
	binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

	for i := 0; i < segSize; i++ {
		buf[dataOff+i] = byte(i)
	}

	f, err := os.CreateTemp(t.TempDir(), "mini*.elf")
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoadPlacesSegmentAndBuildsStack(t *testing.T) {
	path := buildMiniELF64(t, elf.EM_RISCV)
	b := bus.New(0x80000000, 1<<20)

	loaded, err := Load(path, b, []string{"prog", "arg1"}, []string{"HOME=/root"})
	require.NoError(t, err)

	assert.Equal(t, uint64(0x80000000), loaded.Entry)
	assert.True(t, loaded.Is64Bit)
	assert.NotZero(t, loaded.StackPtr)
	assert.Equal(t, uint64(0), loaded.StackPtr%16)

	ram := b.RAM()
	for i := 0; i < 64; i++ {
		assert.Equal(t, byte(i), ram[i])
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	path := buildMiniELF64(t, elf.EM_X86_64)
	b := bus.New(0x80000000, 1<<20)

	_, err := Load(path, b, nil, nil)
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangeSegment(t *testing.T) {
	path := buildMiniELF64(t, elf.EM_RISCV)
	b := bus.New(0x80000000, 16) // too small to hold the 64-byte segment

	_, err := Load(path, b, nil, nil)
	require.Error(t, err)
}
