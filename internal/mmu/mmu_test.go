package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rvcore/internal/bus"
	"rvcore/internal/csr"
	"rvcore/internal/xlen"
)

// buildSv39IdentityMap writes a three-level chain of page tables that
// maps a 4 KiB page at vaddr to the physical page at paddr, with
// full RWXU permissions, and returns the satp value to activate it.
func buildSv39IdentityMap(t *testing.T, b *bus.Bus, vaddr, paddr uint64) uint64 {
	t.Helper()
	rootPPN := uint64(0x80100)
	l1PPN := uint64(0x80101)
	l0PPN := uint64(0x80102)

	vpn := vaddr >> 12
	vpn0 := vpn & 0x1ff
	vpn1 := (vpn >> 9) & 0x1ff
	vpn2 := (vpn >> 18) & 0x1ff

	write := func(base uint64, idx uint64, ppn uint64, leaf bool) {
		pte := ppn << 10
		pte |= 1 // V
		if leaf {
			pte |= 0b11110 // R W X U
			pte |= 1 << 6 // A
			pte |= 1 << 7 // D
		}
		assert.NoError(t, b.Store(base*pageSize+idx*8, 8, pte, bus.Write))
	}
	write(rootPPN, vpn2, l1PPN, false)
	write(l1PPN, vpn1, l0PPN, false)
	write(l0PPN, vpn0, paddr>>12, true)

	return (uint64(8) << 60) | rootPPN
}

func TestSv39TranslateHit(t *testing.T) {
	b := bus.New(0x80000000, 0x200000)
	m := New(b, xlen.Width64, 64)

	vaddr := uint64(0x1000)
	paddr := uint64(0x80010000)
	satp := buildSv39IdentityMap(t, b, vaddr, paddr)

	got, tr := m.Translate(csr.User, satp, false, false, vaddr, bus.Read)
	assert.Nil(t, tr)
	assert.Equal(t, paddr, got)
}

func TestSv39PageFaultOnUnmapped(t *testing.T) {
	b := bus.New(0x80000000, 0x200000)
	m := New(b, xlen.Width64, 64)
	satp := buildSv39IdentityMap(t, b, 0x1000, 0x80010000)

	_, tr := m.Translate(csr.User, satp, false, false, 0x99999000, bus.Read)
	assert.NotNil(t, tr)
}

func TestFenceVMAInvalidatesCache(t *testing.T) {
	b := bus.New(0x80000000, 0x200000)
	m := New(b, xlen.Width64, 64)
	vaddr := uint64(0x1000)
	paddr := uint64(0x80010000)
	satp := buildSv39IdentityMap(t, b, vaddr, paddr)

	_, tr := m.Translate(csr.User, satp, false, false, vaddr, bus.Read)
	assert.Nil(t, tr)
	assert.Len(t, m.tlb, 1)

	m.FenceVMA(false, 0, false, 0)
	assert.Len(t, m.tlb, 0)
}

func TestBareModeIsIdentity(t *testing.T) {
	b := bus.New(0x80000000, 0x200000)
	m := New(b, xlen.Width64, 64)
	got, tr := m.Translate(csr.Machine, 0, false, false, 0x80001234, bus.Read)
	assert.Nil(t, tr)
	assert.Equal(t, uint64(0x80001234), got)
}
