package device

import "testing"

// fakeMem is a minimal MemAccessor backed by a flat byte slice, standing in
// for the bus in isolation from the rest of the machine.
type fakeMem struct {
	data []byte
}

func (m *fakeMem) ReadAt(addr uint64, buf []byte) error {
	copy(buf, m.data[addr:])
	return nil
}

func (m *fakeMem) WriteAt(addr uint64, buf []byte) error {
	copy(m.data[addr:], buf)
	return nil
}

func TestVirtioMagicAndID(t *testing.T) {
	v := NewVirtioBlock(nil, &fakeMem{data: make([]byte, 4096)})
	magic, _ := v.Load(0x000, 4)
	if magic != virtioMagic {
		t.Fatalf("magic = %#x, want %#x", magic, virtioMagic)
	}
	id, _ := v.Load(0x008, 4)
	if id != virtioDeviceID {
		t.Fatalf("device id = %d, want %d", id, virtioDeviceID)
	}
}

func TestVirtioReadRequest(t *testing.T) {
	mem := &fakeMem{data: make([]byte, 0x4000)}
	image := make([]byte, blockSectorSize)
	for i := range image {
		image[i] = byte(i)
	}
	v := NewVirtioBlock(image, mem)

	const queueBase = 0x1000
	const queueNum = 4
	v.Store(0x020, 4, 1) // guest page size = 1 (so queuePFN is a byte address)
	v.Store(0x030, 4, 0) // queue sel 0
	v.Store(0x038, 4, queueNum)
	v.Store(0x040, 4, queueBase)

	descBase := uint64(queueBase)
	availBase := descBase + queueNum*16
	const hdrAddr = 0x3000
	const dataAddr = 0x3100
	const statusAddr = 0x3300

	writeDesc(mem, descBase, 0, virtqDesc{Addr: hdrAddr, Len: 16, Flags: vringDescFNext, Next: 1})
	writeDesc(mem, descBase, 1, virtqDesc{Addr: dataAddr, Len: blockSectorSize, Flags: vringDescFNext | vringDescFWrite, Next: 2})
	writeDesc(mem, descBase, 2, virtqDesc{Addr: statusAddr, Len: 1, Flags: vringDescFWrite})

	hdr := blkReqHeader{Type: blkTypeIn, Sector: 0}
	writeHeader(mem, hdrAddr, hdr)

	putU16(mem, availBase+2, 1)   // idx = 1
	putU16(mem, availBase+4, 0)   // ring[0] = head desc 0

	v.Store(0x050, 4, 0) // QueueNotify

	got := make([]byte, blockSectorSize)
	mem.ReadAt(dataAddr, got)
	for i := range got {
		if got[i] != image[i] {
			t.Fatalf("data[%d] = %d, want %d", i, got[i], image[i])
		}
	}
	status := make([]byte, 1)
	mem.ReadAt(statusAddr, status)
	if status[0] != 0 {
		t.Fatalf("status = %d, want 0 (OK)", status[0])
	}
	if !v.Interrupting() {
		t.Fatal("expected ISR bit set after servicing request")
	}
}

func writeDesc(mem *fakeMem, base uint64, idx uint64, d virtqDesc) {
	off := base + idx*16
	putU64(mem, off, d.Addr)
	putU32(mem, off+8, d.Len)
	putU16(mem, off+12, d.Flags)
	putU16(mem, off+14, d.Next)
}

func writeHeader(mem *fakeMem, addr uint64, h blkReqHeader) {
	putU32(mem, addr, h.Type)
	putU32(mem, addr+4, h.Reserved)
	putU64(mem, addr+8, h.Sector)
}

func putU16(mem *fakeMem, addr uint64, v uint16) {
	buf := []byte{byte(v), byte(v >> 8)}
	mem.WriteAt(addr, buf)
}

func putU32(mem *fakeMem, addr uint64, v uint32) {
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	mem.WriteAt(addr, buf)
}

func putU64(mem *fakeMem, addr uint64, v uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	mem.WriteAt(addr, buf)
}
