// Command rvgo is the thin host driver: it parses flags, constructs a
// rvm.Machine, runs it to completion or until interrupted, and maps the
// result to a process exit code. It deliberately stays minimal -- the
// benchmarking harness and framebuffer-driven collaborators described
// alongside this emulator live outside this repository.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/shibukawa/configdir"

	"rvcore/internal/xlen"
	"rvcore/rvm"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "bare", "execution mode: bare or user")
	width := flag.Int("xlen", 64, "register width: 32 or 64")
	ramMB := flag.Int("ram", 128, "RAM size in megabytes")
	disk := flag.String("disk", "", "VirtIO block image path (bare mode only; defaults to a per-user cache file)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: rvgo [flags] <binary> [guest args...]")
		return 2
	}
	binPath, guestArgv := args[0], args[1:]

	var m rvm.Mode
	switch *mode {
	case "bare":
		m = rvm.ModeBare
	case "user":
		m = rvm.ModeUser
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q (want bare or user)\n", *mode)
		return 2
	}

	w := xlen.Width64
	if *width == 32 {
		w = xlen.Width32
	} else if *width != 64 {
		fmt.Fprintf(os.Stderr, "unknown -xlen %d (want 32 or 64)\n", *width)
		return 2
	}

	var diskImage []byte
	if m == rvm.ModeBare {
		path := *disk
		if path == "" {
			path = defaultDiskPath()
		}
		if data, err := os.ReadFile(path); err == nil {
			diskImage = data
		}
	}

	argv := append([]string{filepath.Base(binPath)}, guestArgv...)
	envp := os.Environ()

	machine, err := rvm.NewMachine(rvm.Config{
		Width:     w,
		RAMBytes:  *ramMB << 20,
		Mode:      m,
		BinPath:   binPath,
		Argv:      argv,
		Envp:      envp,
		DiskImage: diskImage,
		UARTOut:   os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvgo: %+v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		machine.RequestShutdown()
	}()

	return machine.Run()
}

// defaultDiskPath resolves the VirtIO backing file location the way
// usercorn-adjacent host tooling locates host-side scratch state: a
// per-user cache directory, not part of the interpreter's contract.
func defaultDiskPath() string {
	dirs := configdir.New("rvgo", "disk")
	cache := dirs.QueryCacheFolder()
	if err := cache.MkdirAll(); err != nil {
		return "disk.img"
	}
	return filepath.Join(cache.Path, "disk.img")
}
