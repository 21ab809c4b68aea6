package device

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

const (
	virtioMagic     = 0x74726976 // "virt"
	virtioVersion   = 2
	virtioDeviceID  = 2 // block device
	virtioVendorID  = 0x554d4551
	blockSectorSize = 512
)

// virtqDesc mirrors the standard VirtIO descriptor-chain entry; struc tags
// drive the little-endian packing the same way the reference ecosystem
// packs syscall structs for guest memory.
type virtqDesc struct {
	Addr  uint64 `struc:"uint64,little"`
	Len   uint32 `struc:"uint32,little"`
	Flags uint16 `struc:"uint16,little"`
	Next  uint16 `struc:"uint16,little"`
}

const (
	vringDescFNext  = 1
	vringDescFWrite = 2
)

// blkReqHeader is the standard virtio-blk request header.
type blkReqHeader struct {
	Type     uint32 `struc:"uint32,little"`
	Reserved uint32 `struc:"uint32,little"`
	Sector   uint64 `struc:"uint64,little"`
}

const (
	blkTypeIn  = 0 // read
	blkTypeOut = 1 // write
)

// MemAccessor lets the VirtIO model read/write guest physical memory
// through the same bus the CPU uses, without importing the bus package
// (which would create an import cycle with Device).
type MemAccessor interface {
	ReadAt(addr uint64, buf []byte) error
	WriteAt(addr uint64, buf []byte) error
}

// VirtioBlock is a minimal single-virtqueue VirtIO-MMIO block device backed
// by a host image file held entirely in memory.
type VirtioBlock struct {
	image []byte
	mem   MemAccessor

	status       uint32
	guestPageSz  uint32
	queueSel     uint32
	queueNum     uint32
	queuePFN     uint32
	queueAlign   uint32
	interruptACK uint32
	isr          uint32
}

// NewVirtioBlock creates a block device backed by image (a raw disk image;
// may be nil for an empty disk). mem gives the device access to guest RAM
// for descriptor-chain walking.
func NewVirtioBlock(image []byte, mem MemAccessor) *VirtioBlock {
	return &VirtioBlock{image: image, mem: mem, queueAlign: 4096}
}

// Interrupting reports whether the device has a pending used-buffer
// notification (ISR bit 0) not yet acknowledged by the driver.
func (v *VirtioBlock) Interrupting() bool { return v.isr&1 != 0 }

func (v *VirtioBlock) Load(offset uint64, width int) (uint64, error) {
	switch offset {
	case 0x000:
		return virtioMagic, nil
	case 0x004:
		return virtioVersion, nil
	case 0x008:
		return virtioDeviceID, nil
	case 0x00c:
		return virtioVendorID, nil
	case 0x034: // QueueNumMax
		return 1024, nil
	case 0x040: // QueuePFN
		return uint64(v.queuePFN), nil
	case 0x060: // InterruptStatus
		return uint64(v.isr), nil
	case 0x070: // Status
		return uint64(v.status), nil
	default:
		return 0, nil
	}
}

func (v *VirtioBlock) Store(offset uint64, width int, val uint64) error {
	switch offset {
	case 0x014: // DeviceFeaturesSel, GuestFeatures, etc: accepted, unmodeled
	case 0x020: // GuestPageSize
		v.guestPageSz = uint32(val)
	case 0x030: // QueueSel
		v.queueSel = uint32(val)
	case 0x038: // QueueNum
		v.queueNum = uint32(val)
	case 0x03c: // QueueAlign
		v.queueAlign = uint32(val)
	case 0x040: // QueuePFN
		v.queuePFN = uint32(val)
	case 0x050: // QueueNotify
		v.processQueue()
	case 0x060: // InterruptACK
		v.isr &^= uint32(val)
	case 0x070: // Status
		v.status = uint32(val)
	}
	return nil
}

// processQueue walks the single virtqueue's descriptor chain for the just
// notified request and performs the backing read/write against the image.
// Layout follows the legacy (version-1-compatible) split-ring placement:
// descriptor table, then avail ring, then (page-aligned) used ring, all
// within one guest page region starting at queuePFN*guestPageSize.
func (v *VirtioBlock) processQueue() {
	if v.mem == nil || v.queueNum == 0 {
		return
	}
	base := uint64(v.queuePFN) * uint64(v.guestPageSzOrDefault())
	descTableBase := base
	availBase := descTableBase + uint64(v.queueNum)*16

	availIdx, err := v.readU16(availBase + 2)
	if err != nil {
		return
	}
	if availIdx == 0 {
		return
	}
	ringSlot := (availIdx - 1) % uint16(v.queueNum)
	headIdx, err := v.readU16(availBase + 4 + uint64(ringSlot)*2)
	if err != nil {
		return
	}

	var header blkReqHeader
	var dataDesc, statusDesc virtqDesc
	desc := headIdx
	stage := 0
	for {
		d, err := v.readDesc(descTableBase, desc)
		if err != nil {
			return
		}
		switch stage {
		case 0:
			buf := make([]byte, 16)
			if v.mem.ReadAt(d.Addr, buf) == nil {
				struc.UnpackWithOrder(bytes.NewReader(buf), &header, binary.LittleEndian)
			}
		case 1:
			dataDesc = d
		case 2:
			statusDesc = d
		}
		stage++
		if d.Flags&vringDescFNext == 0 {
			break
		}
		desc = d.Next
	}

	v.serviceRequest(header, dataDesc, statusDesc)
	v.isr |= 1
}

func (v *VirtioBlock) guestPageSzOrDefault() uint32 {
	if v.guestPageSz == 0 {
		return 4096
	}
	return v.guestPageSz
}

func (v *VirtioBlock) serviceRequest(hdr blkReqHeader, data, status virtqDesc) {
	byteOff := hdr.Sector * blockSectorSize
	statusByte := byte(0) // VIRTIO_BLK_S_OK
	switch hdr.Type {
	case blkTypeIn:
		buf := make([]byte, data.Len)
		if int(byteOff)+len(buf) <= len(v.image) {
			copy(buf, v.image[byteOff:])
		}
		v.mem.WriteAt(data.Addr, buf)
	case blkTypeOut:
		buf := make([]byte, data.Len)
		if v.mem.ReadAt(data.Addr, buf) == nil {
			if int(byteOff)+len(buf) > len(v.image) {
				grown := make([]byte, int(byteOff)+len(buf))
				copy(grown, v.image)
				v.image = grown
			}
			copy(v.image[byteOff:], buf)
		}
	default:
		statusByte = 2 // VIRTIO_BLK_S_UNSUPP
	}
	v.mem.WriteAt(status.Addr, []byte{statusByte})
}

func (v *VirtioBlock) readDesc(descTableBase uint64, idx uint16) (virtqDesc, error) {
	buf := make([]byte, 16)
	if err := v.mem.ReadAt(descTableBase+uint64(idx)*16, buf); err != nil {
		return virtqDesc{}, err
	}
	var d virtqDesc
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), &d, binary.LittleEndian); err != nil {
		return virtqDesc{}, err
	}
	return d, nil
}

func (v *VirtioBlock) readU16(addr uint64) (uint16, error) {
	buf := make([]byte, 2)
	if err := v.mem.ReadAt(addr, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Image returns the current backing bytes, for persisting back to the host
// file after a run.
func (v *VirtioBlock) Image() []byte { return v.image }
