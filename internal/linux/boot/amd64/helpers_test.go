package amd64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/hv/guestmem"
)

const testSetupSectors = 4

// buildBzImage returns a minimal bzImage with a payload of payloadSize bytes.
func buildBzImage(payloadSize int, initSize uint32, xloadflags uint16) []byte {
	data := make([]byte, 512*(1+testSetupSectors)+payloadSize)
	data[hdrStart] = testSetupSectors
	data[hdrJumpLen] = 0x6a
	copy(data[hdrSignature:], hdrMagic)
	binary.LittleEndian.PutUint16(data[hdrVersion:], 0x020f)
	data[hdrLoadFlags] = loadedHigh
	binary.LittleEndian.PutUint32(data[hdrInitrdAddrMax:], 0x7fffffff)
	binary.LittleEndian.PutUint32(data[hdrKernelAlignment:], 0x200000)
	binary.LittleEndian.PutUint16(data[hdrXLoadFlags:], xloadflags)
	binary.LittleEndian.PutUint32(data[hdrCmdlineSize:], 0x7ff)
	binary.LittleEndian.PutUint32(data[hdrInitSize:], initSize)
	payload := data[512*(1+testSetupSectors):]
	for i := range payload {
		payload[i] = byte(i)
	}
	return data
}

type testSegment struct {
	paddr  uint64
	data   []byte
	memsz  uint64
	isNote bool
}

// buildELF returns a little-endian ELF64 x86_64 executable with the given
// segments laid out after the program headers.
func buildELF(entry uint64, segs []testSegment) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	off := uint64(ehdrSize + phdrSize*len(segs))

	var hdr [ehdrSize]byte
	copy(hdr[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(hdr[16:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(hdr[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint64(hdr[24:], entry)
	binary.LittleEndian.PutUint64(hdr[32:], ehdrSize)
	binary.LittleEndian.PutUint16(hdr[52:], ehdrSize)
	binary.LittleEndian.PutUint16(hdr[54:], phdrSize)
	binary.LittleEndian.PutUint16(hdr[56:], uint16(len(segs)))

	var phdrs, body bytes.Buffer
	for _, s := range segs {
		var p [phdrSize]byte
		typ := uint32(1) // PT_LOAD
		if s.isNote {
			typ = 4 // PT_NOTE
		}
		memsz := s.memsz
		if memsz < uint64(len(s.data)) {
			memsz = uint64(len(s.data))
		}
		binary.LittleEndian.PutUint32(p[0:], typ)
		binary.LittleEndian.PutUint32(p[4:], 5)
		binary.LittleEndian.PutUint64(p[8:], off+uint64(body.Len()))
		binary.LittleEndian.PutUint64(p[16:], s.paddr)
		binary.LittleEndian.PutUint64(p[24:], s.paddr)
		binary.LittleEndian.PutUint64(p[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint64(p[40:], memsz)
		binary.LittleEndian.PutUint64(p[48:], 0x1000)
		phdrs.Write(p[:])
		body.Write(s.data)
	}

	out := append(hdr[:], phdrs.Bytes()...)
	return append(out, body.Bytes()...)
}

func pvhNote(entry uint32) []byte {
	note := binary.LittleEndian.AppendUint32(nil, 4)
	note = binary.LittleEndian.AppendUint32(note, 4)
	note = binary.LittleEndian.AppendUint32(note, xenElfnotePhys32Entry)
	note = append(note, 'X', 'e', 'n', 0)
	return binary.LittleEndian.AppendUint32(note, entry)
}

func newMemory(t *testing.T, memSize uint64) *guestmem.Memory {
	t.Helper()
	regions, err := PlanRegions(memSize)
	if err != nil {
		t.Fatalf("PlanRegions(%#x): %v", memSize, err)
	}
	mem, err := guestmem.New(regions)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func readU64(t *testing.T, mem hv.GuestMemory, addr hv.GuestAddress) uint64 {
	t.Helper()
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read %s: %v", addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func readU32(t *testing.T, mem hv.GuestMemory, addr hv.GuestAddress) uint32 {
	t.Helper()
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read %s: %v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}
