// Package mmu implements Sv32 and Sv39 address translation: the
// page-table walk, access-permission checks (including SUM/MXR), A/D bit
// update-on-success, and a small TLB keyed by (VPN, ASID).
package mmu

import (
	"rvcore/internal/bus"
	"rvcore/internal/csr"
	"rvcore/internal/trap"
	"rvcore/internal/xlen"
)

const pageSize = 4096

type tlbEntry struct {
	vpn       uint64
	asid      uint64
	ppn       uint64
	perm      uint8 // bits: R W X U
	global    bool
	pageBits  int // number of low address bits covered (12 for 4K, 21 for 2M, 22 for 4M, 30 for 1G)
}

const (
	permR = 1 << iota
	permW
	permX
	permU
)

// MMU translates virtual to physical addresses for one hart and caches
// recent successful translations.
type MMU struct {
	bus      *bus.Bus
	width    xlen.Width
	tlb      []tlbEntry
	capacity int
}

// New creates an MMU over the given bus. capacity is the number of TLB
// entries to cache; 0 disables the TLB entirely (spec.md notes a
// zero-capacity TLB is a valid, if slower, implementation).
func New(b *bus.Bus, width xlen.Width, capacity int) *MMU {
	return &MMU{bus: b, width: width, capacity: capacity}
}

// mode reports the active translation scheme for the given satp value and
// hart width: none, Sv32, or Sv39.
type mode int

const (
	modeBare mode = 0
	modeSv32 mode = 1
	modeSv39 mode = 2
)

func (m *MMU) satpMode(satp uint64) mode {
	if m.width == xlen.Width32 {
		if satp>>31 == 1 {
			return modeSv32
		}
		return modeBare
	}
	switch satp >> 60 {
	case 8:
		return modeSv39
	default:
		return modeBare
	}
}

func (m *MMU) satpRootPPN(satp uint64) uint64 {
	if m.width == xlen.Width32 {
		return satp & 0x3fffff
	}
	return satp & 0xfffffffffff
}

func (m *MMU) satpASID(satp uint64) uint64 {
	if m.width == xlen.Width32 {
		return (satp >> 22) & 0x1ff
	}
	return (satp >> 44) & 0xffff
}

// Active reports whether translation is active: privilege below Machine and
// satp.mode non-zero (spec.md section 4.3).
func (m *MMU) Active(priv csr.Privilege, satp uint64) bool {
	return priv < csr.Machine && m.satpMode(satp) != modeBare
}

func causeFor(access bus.Access) trap.Cause {
	switch access {
	case bus.Execute:
		return trap.InstructionPageFault
	case bus.Write:
		return trap.StorePageFault
	default:
		return trap.LoadPageFault
	}
}

// Translate resolves vaddr to a physical address under the given privilege,
// satp, and mstatus (for SUM/MXR), performing a TLB lookup first and a full
// walk on a miss. Machine mode with mstatus.MPRV unset (the only way this
// is called, since callers check Active first for lower privileges) never
// reaches here; Machine-mode MPRV-effective-privilege translation is the
// caller's responsibility to request with the substituted privilege.
func (m *MMU) Translate(priv csr.Privilege, satp uint64, sum, mxr bool, vaddr uint64, access bus.Access) (uint64, *trap.Trap) {
	md := m.satpMode(satp)
	if md == modeBare {
		return vaddr, nil
	}
	asid := m.satpASID(satp)
	vpn, pageOff := m.splitVA(vaddr, md)

	if e, ok := m.lookup(vpn, asid); ok {
		if !m.permitted(e.perm, priv, access, sum, mxr) {
			return 0, &trap.Trap{Cause: causeFor(access), Value: vaddr}
		}
		return e.ppn<<12 | (vaddr & ((1 << e.pageBits) - 1)), nil
	}
	_ = pageOff

	root := m.satpRootPPN(satp)
	ppn, pageBits, perm, ok := m.walk(md, root, vpn, access, priv, sum, mxr)
	if !ok {
		return 0, &trap.Trap{Cause: causeFor(access), Value: vaddr}
	}
	m.insert(tlbEntry{vpn: vpn, asid: asid, ppn: ppn, perm: perm, pageBits: pageBits})
	return ppn<<12 | (vaddr & (1<<pageBits - 1)), nil
}

func (m *MMU) splitVA(vaddr uint64, md mode) (vpn uint64, pageOff uint64) {
	if md == modeSv32 {
		return vaddr >> 12, vaddr & 0xfff
	}
	return vaddr >> 12, vaddr & 0xfff
}

func (m *MMU) permitted(perm uint8, priv csr.Privilege, access bus.Access, sum, mxr bool) bool {
	u := perm&permU != 0
	if priv == csr.User && !u {
		return false
	}
	if priv == csr.Supervisor && u && !sum {
		return false
	}
	switch access {
	case bus.Execute:
		return perm&permX != 0
	case bus.Write:
		return perm&permW != 0
	default: // Read
		if perm&permR != 0 {
			return true
		}
		return mxr && perm&permX != 0
	}
}

// walk performs the page-table walk. Returns the leaf PPN, the number of
// low bits the leaf covers (12/21/30), the permission bits, and success.
func (m *MMU) walk(md mode, rootPPN, vpn uint64, access bus.Access, priv csr.Privilege, sum, mxr bool) (ppn uint64, pageBits int, perm uint8, ok bool) {
	levels, vpnParts := vpnLevels(md, vpn)
	ppnParent := rootPPN
	for level := levels - 1; level >= 0; level-- {
		pteSize := uint64(8)
		if md == modeSv32 {
			pteSize = 4
		}
		pteAddr := ppnParent*pageSize + vpnParts[level]*pteSize
		pte, err := m.bus.Load(pteAddr, int(pteSize), bus.Read)
		if err != nil {
			return 0, 0, 0, false
		}
		v := pte&1 != 0
		r := (pte>>1)&1 != 0
		w := (pte>>2)&1 != 0
		x := (pte>>3)&1 != 0
		u := (pte>>4)&1 != 0
		a := (pte>>6)&1 != 0
		d := (pte>>7)&1 != 0
		leafPPN := pteToPPN(md, pte)

		if !v || (!r && w) {
			return 0, 0, 0, false
		}
		if !r && !x {
			if level == 0 {
				return 0, 0, 0, false
			}
			ppnParent = leafPPN
			continue
		}

		p := uint8(0)
		if r {
			p |= permR
		}
		if w {
			p |= permW
		}
		if x {
			p |= permX
		}
		if u {
			p |= permU
		}
		if !m.permitted(p, priv, access, sum, mxr) {
			return 0, 0, 0, false
		}

		// Superpage alignment: all lower-level PPN fields must be zero.
		for lower := 0; lower < level; lower++ {
			if ppnFieldNonZero(md, pte, lower) {
				return 0, 0, 0, false
			}
		}

		if !a || (access == bus.Write && !d) {
			pte |= 1 << 6
			if access == bus.Write {
				pte |= 1 << 7
			}
			if err := m.bus.Store(pteAddr, int(pteSize), pte, bus.Write); err != nil {
				return 0, 0, 0, false
			}
		}

		bits := pageBitsForLevel(md, level)
		return leafPPN, bits, p, true
	}
	return 0, 0, 0, false
}

func vpnLevels(md mode, vpn uint64) (int, []uint64) {
	if md == modeSv32 {
		return 2, []uint64{vpn & 0x3ff, (vpn >> 10) & 0x3ff}
	}
	return 3, []uint64{vpn & 0x1ff, (vpn >> 9) & 0x1ff, (vpn >> 18) & 0x1ff}
}

func pteToPPN(md mode, pte uint64) uint64 {
	if md == modeSv32 {
		return (pte >> 10) & 0x3fffff
	}
	return (pte >> 10) & 0xfffffffffff
}

func pageBitsForLevel(md mode, level int) int {
	if md == modeSv32 {
		if level == 1 {
			return 22 // 4 MiB megapage
		}
		return 12
	}
	switch level {
	case 2:
		return 30 // 1 GiB
	case 1:
		return 21 // 2 MiB
	default:
		return 12
	}
}

func shiftForField(md mode, fieldIdx int) int {
	if md == modeSv32 {
		return 10 + 10*fieldIdx
	}
	return 10 + 9*fieldIdx
}

func ppnFieldNonZero(md mode, pte uint64, fieldIdx int) bool {
	if md == modeSv32 {
		return (pte>>(10+10*fieldIdx))&0x3ff != 0
	}
	return (pte>>(10+9*fieldIdx))&0x1ff != 0
}

func (m *MMU) lookup(vpn, asid uint64) (tlbEntry, bool) {
	for _, e := range m.tlb {
		if e.vpn>>uint(e.pageBits-12) == vpn>>uint(e.pageBits-12) && (e.global || e.asid == asid) {
			return e, true
		}
	}
	return tlbEntry{}, false
}

func (m *MMU) insert(e tlbEntry) {
	if m.capacity == 0 {
		return
	}
	if len(m.tlb) >= m.capacity {
		m.tlb = m.tlb[1:]
	}
	m.tlb = append(m.tlb, e)
}

// FenceVMA invalidates TLB entries matching the given VA and ASID, per
// SFENCE.VMA semantics: rs1=x0 matches all VAs, rs2=x0 matches all ASIDs.
func (m *MMU) FenceVMA(hasVA bool, va uint64, hasASID bool, asid uint64) {
	if !hasVA && !hasASID {
		m.tlb = m.tlb[:0]
		return
	}
	kept := m.tlb[:0]
	for _, e := range m.tlb {
		matchVA := !hasVA || e.vpn>>uint(e.pageBits-12) == (va>>12)>>uint(e.pageBits-12)
		matchASID := !hasASID || e.global || e.asid == asid
		if matchVA && matchASID {
			continue
		}
		kept = append(kept, e)
	}
	m.tlb = kept
}

// FlushAll empties the TLB unconditionally; called on every satp write.
func (m *MMU) FlushAll() {
	m.tlb = m.tlb[:0]
}
