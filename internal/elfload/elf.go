// Package elfload parses an ELFCLASS32 or ELFCLASS64 RISC-V binary into a
// bus's RAM and constructs the initial process stack frame (argv/envp/auxv)
// a user-mode hart expects at the entry point. This generalizes the
// teacher's RV64-only, fixed-base loadElf, which only ever supported the
// bare-metal boot path.
package elfload

import (
	"crypto/rand"
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"rvcore/internal/bus"
)

// ErrWrongMachine is returned when the ELF file's e_machine is not EM_RISCV.
var ErrWrongMachine = errors.New("not a RISC-V ELF file")

// ErrSegmentOutOfRange is returned when a PT_LOAD segment's physical
// address falls outside the bus's mounted RAM window.
var ErrSegmentOutOfRange = errors.New("ELF segment outside RAM")

const pageSize = 4096

// Auxv types used by the initial stack, matching the Linux/RISC-V ABI.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atFlags  = 8
	atEntry  = 9
	atUID    = 11
	atEUID   = 12
	atGID    = 13
	atEGID   = 14
	atRandom = 25
)

// Loaded describes the result of loading one ELF image: its entry point and
// the address the initial stack frame was built at (the value the hart's
// sp should be set to before its first Step).
type Loaded struct {
	Entry       uint64
	StackPtr    uint64
	Is64Bit     bool
	ProgramBase uint64 // lowest PT_LOAD paddr
	BreakFloor  uint64 // highest PT_LOAD paddr+memsz rounded up to a page, the initial brk and brk floor
}

// Load reads file's PT_LOAD segments into b's RAM at their physical
// addresses, rejects non-RISC-V or out-of-range ELF files, and builds the
// argc/argv/envp/auxv stack frame at the top of RAM per spec.md section 4.6.
func Load(path string, b *bus.Bus, argv, envp []string) (Loaded, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return Loaded{}, errors.Wrapf(ErrWrongMachine, "machine=%s", f.Machine)
	}

	var lowest, highest uint64 = ^uint64(0), 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(b, prog); err != nil {
			return Loaded{}, err
		}
		if prog.Paddr < lowest {
			lowest = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; end > highest {
			highest = prog.Paddr + prog.Memsz
		}
	}

	sp, err := buildStack(b, f, path, argv, envp)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Entry:       f.Entry,
		StackPtr:    sp,
		Is64Bit:     f.Class == elf.ELFCLASS64,
		ProgramBase: lowest,
		BreakFloor:  (highest + pageSize - 1) &^ (pageSize - 1),
	}, nil
}

func loadSegment(b *bus.Bus, prog *elf.Prog) error {
	if prog.Paddr < b.RAMBase() || prog.Paddr-b.RAMBase()+prog.Memsz > uint64(len(b.RAM())) {
		return errors.Wrapf(ErrSegmentOutOfRange, "paddr=%#x memsz=%#x", prog.Paddr, prog.Memsz)
	}
	memOff := prog.Paddr - b.RAMBase()
	ram := b.RAM()
	n, err := prog.ReadAt(ram[memOff:memOff+prog.Filesz], 0)
	if err != nil {
		return errors.Wrapf(err, "read segment at %#x", prog.Paddr)
	}
	if uint64(n) != prog.Filesz {
		return errors.Errorf("short read loading segment at %#x: got %d want %d", prog.Paddr, n, prog.Filesz)
	}
	for i := prog.Filesz; i < prog.Memsz; i++ {
		ram[memOff+i] = 0
	}
	return nil
}

// buildStack lays out, from high addresses down: the AT_RANDOM bytes, the
// argv strings, the envp strings, then the argc/argv[]/NULL/envp[]/NULL/
// auxv[]/NULL vector itself (4-byte words for ELFCLASS32, 8-byte words
// otherwise), 16-byte aligned at the final stack pointer as the RISC-V
// Linux ABI requires.
func buildStack(b *bus.Bus, f *elf.File, path string, argv, envp []string) (uint64, error) {
	top := b.RAMBase() + uint64(len(b.RAM())) - 256 // leave a guard gap at the very top

	pushBytes := func(data []byte) uint64 {
		top -= uint64(len(data))
		b.WriteAt(top, data)
		return top
	}
	pushString := func(s string) uint64 {
		return pushBytes(append([]byte(s), 0))
	}

	var randBytes [16]byte
	rand.Read(randBytes[:])
	randAddr := pushBytes(randBytes[:])

	argvAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = pushString(argv[i])
	}
	envpAddrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = pushString(envp[i])
	}

	phoff, phentsize, phnum, err := readPhdrInfo(path, f)
	if err != nil {
		return 0, err
	}

	var phdrAddr uint64
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && f.FileHeader.Entry >= prog.Vaddr && f.FileHeader.Entry < prog.Vaddr+prog.Memsz {
			phdrAddr = prog.Paddr + phoff
			break
		}
	}

	auxv := [][2]uint64{
		{atPagesz, pageSize},
		{atBase, 0},
		{atFlags, 0},
		{atEntry, f.Entry},
		{atUID, 0},
		{atEUID, 0},
		{atGID, 0},
		{atEGID, 0},
		{atRandom, randAddr},
	}
	if phdrAddr != 0 {
		auxv = append([][2]uint64{
			{atPhdr, phdrAddr},
			{atPhent, phentsize},
			{atPhnum, phnum},
		}, auxv...)
	}
	auxv = append(auxv, [2]uint64{atNull, 0})

	// vector length: argc word + argv pointers + NULL + envp pointers +
	// NULL + auxv pairs (two words each).
	vecWords := 1 + len(argvAddrs) + 1 + len(envpAddrs) + 1 + len(auxv)*2
	wordSize := uint64(8)
	if f.Class == elf.ELFCLASS32 {
		wordSize = 4
	}
	top -= uint64(vecWords) * wordSize
	top &^= 0xf // 16-byte align per the RISC-V calling convention

	cursor := top
	writeWord := func(v uint64) {
		buf := make([]byte, wordSize)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		b.WriteAt(cursor, buf)
		cursor += wordSize
	}

	writeWord(uint64(len(argvAddrs)))
	for _, a := range argvAddrs {
		writeWord(a)
	}
	writeWord(0)
	for _, a := range envpAddrs {
		writeWord(a)
	}
	writeWord(0)
	for _, pair := range auxv {
		writeWord(pair[0])
		writeWord(pair[1])
	}

	return top, nil
}

// readPhdrInfo reads the e_phoff/e_phentsize/e_phnum fields straight out of
// the ELF file header, since debug/elf.FileHeader does not expose them.
func readPhdrInfo(path string, f *elf.File) (phoff, phentsize, phnum uint64, err error) {
	raw, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "open %s", path)
	}
	defer raw.Close()

	var order binary.ByteOrder = binary.LittleEndian
	if f.ByteOrder == binary.BigEndian {
		order = binary.BigEndian
	}

	if f.Class == elf.ELFCLASS64 {
		var hdr [64]byte
		if _, err := raw.ReadAt(hdr[:], 0); err != nil {
			return 0, 0, 0, errors.Wrapf(err, "read ELF64 header of %s", path)
		}
		phoff = order.Uint64(hdr[32:40])
		phentsize = uint64(order.Uint16(hdr[54:56]))
		phnum = uint64(order.Uint16(hdr[56:58]))
		return phoff, phentsize, phnum, nil
	}

	var hdr [52]byte
	if _, err := raw.ReadAt(hdr[:], 0); err != nil {
		return 0, 0, 0, errors.Wrapf(err, "read ELF32 header of %s", path)
	}
	phoff = uint64(order.Uint32(hdr[28:32]))
	phentsize = uint64(order.Uint16(hdr[42:44]))
	phnum = uint64(order.Uint16(hdr[44:46]))
	return phoff, phentsize, phnum, nil
}
