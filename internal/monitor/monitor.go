// Package monitor implements the interactive register/CSR/memory inspector
// spec.md section 7 calls for: it takes over the terminal on EBREAK or a
// fatal internal-bug halt and lets a human page through hart state before
// deciding whether to resume or quit.
package monitor

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"rvcore/internal/csr"
)

// Snapshot is the subset of hart state the monitor renders. It is a plain
// value rather than a live reference so the monitor never races a resumed
// hart and never needs write access to resume execution itself -- resuming
// is the caller's job once Run returns.
type Snapshot struct {
	PC      uint64
	X       [32]uint64
	Priv    csr.Privilege
	HaltMsg string // empty unless this snapshot was taken on a fatal halt

	// MemAt and MemBase back the memory-dump page: MemAt is a window of
	// bytes starting at MemBase, pre-read by the caller since the monitor
	// has no bus reference of its own.
	MemBase uint64
	MemAt   []byte
}

var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// page selects which of the monitor's views is on screen.
type page int

const (
	pageRegisters page = iota
	pageMemory
	pageCount
)

// Run takes over the terminal, draws snap, and blocks until the user
// quits ('q'/Esc) or asks to resume ('r', only meaningful when the halt
// was a breakpoint rather than a fatal error). It returns resume=true only
// in the latter case.
func Run(snap Snapshot) (resume bool, err error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return false, fmt.Errorf("monitor: %w", err)
	}
	if err := screen.Init(); err != nil {
		return false, fmt.Errorf("monitor: %w", err)
	}
	defer screen.Fini()

	cur := pageRegisters
	memOffset := uint64(0)

	for {
		screen.Clear()
		switch cur {
		case pageRegisters:
			drawRegisters(screen, snap)
		case pageMemory:
			drawMemory(screen, snap, memOffset)
		}
		drawFooter(screen, snap)
		screen.Show()

		ev := screen.PollEvent()
		switch e := ev.(type) {
		case *tcell.EventKey:
			switch {
			case e.Key() == tcell.KeyEscape || e.Rune() == 'q':
				return false, nil
			case e.Rune() == 'r' && snap.HaltMsg == "":
				return true, nil
			case e.Key() == tcell.KeyTab:
				cur = (cur + 1) % pageCount
			case e.Key() == tcell.KeyDown:
				memOffset += 16
			case e.Key() == tcell.KeyUp && memOffset >= 16:
				memOffset -= 16
			}
		case *tcell.EventResize:
			screen.Sync()
		}
	}
}

func drawRegisters(screen tcell.Screen, snap Snapshot) {
	style := tcell.StyleDefault
	puts(screen, 0, 0, style.Bold(true), fmt.Sprintf("pc=%016x priv=%s", snap.PC, snap.Priv))
	for i := 0; i < 32; i++ {
		row := 2 + i/2
		col := (i % 2) * 36
		puts(screen, col, row, style, fmt.Sprintf("x%-2d %-5s %016x", i, regNames[i], snap.X[i]))
	}
}

func drawMemory(screen tcell.Screen, snap Snapshot, offset uint64) {
	style := tcell.StyleDefault
	puts(screen, 0, 0, style.Bold(true), fmt.Sprintf("memory @ %016x", snap.MemBase+offset))
	for row := 0; row < 16; row++ {
		start := offset + uint64(row*16)
		if int(start)+16 > len(snap.MemAt) {
			break
		}
		line := fmt.Sprintf("%016x  ", snap.MemBase+start)
		for col := 0; col < 16; col++ {
			line += fmt.Sprintf("%02x ", snap.MemAt[int(start)+col])
		}
		puts(screen, 0, 2+row, style, line)
	}
}

func drawFooter(screen tcell.Screen, snap Snapshot) {
	style := tcell.StyleDefault.Foreground(tcell.ColorYellow)
	msg := "tab: switch page  q/esc: quit"
	if snap.HaltMsg != "" {
		msg = "halted: " + snap.HaltMsg + "  |  " + msg
	} else {
		msg = "breakpoint  |  r: resume  |  " + msg
	}
	_, h := screen.Size()
	puts(screen, 0, h-1, style, msg)
}

func puts(screen tcell.Screen, x, y int, style tcell.Style, s string) {
	for i, r := range s {
		screen.SetContent(x+i, y, r, nil, style)
	}
}
