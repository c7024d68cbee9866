// Package fdt builds and decodes Flattened Device Tree blobs.
package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtHeaderSize  = 40

	fdtBeginNode = 0x00000001
	fdtEndNode   = 0x00000002
	fdtProp      = 0x00000003
	fdtNop       = 0x00000004
	fdtEnd       = 0x00000009
)

// Builder constructs a Flattened Device Tree blob one token at a time.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	depth     int
	err       error

	nextPhandle uint32
}

// NewBuilder creates a new FDT builder.
func NewBuilder() *Builder {
	return &Builder{
		stringOff:   make(map[string]uint32),
		nextPhandle: 1,
	}
}

// AllocPhandle returns a fresh phandle value.
func (b *Builder) AllocPhandle() uint32 {
	p := b.nextPhandle
	b.nextPhandle++
	return p
}

// BeginNode starts a new node with the given name.
func (b *Builder) BeginNode(name string) {
	if b.depth == 0 && len(b.structure) > 0 && b.err == nil {
		b.err = fmt.Errorf("fdt: second root node %q", name)
	}
	b.depth++
	b.appendU32(fdtBeginNode)
	b.appendString(name)
}

// EndNode ends the current node.
func (b *Builder) EndNode() {
	if b.depth == 0 {
		if b.err == nil {
			b.err = fmt.Errorf("fdt: EndNode without matching BeginNode")
		}
		return
	}
	b.depth--
	b.appendU32(fdtEndNode)
}

// AddPropertyEmpty adds an empty property.
func (b *Builder) AddPropertyEmpty(name string) {
	b.property(name, nil)
}

// AddPropertyString adds a string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.property(name, append([]byte(value), 0))
}

// AddPropertyStringList adds a string list property.
func (b *Builder) AddPropertyStringList(name string, values ...string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.property(name, data)
}

// AddPropertyU32 adds a 32-bit unsigned integer property.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.property(name, binary.BigEndian.AppendUint32(nil, value))
}

// AddPropertyU32Array adds an array of 32-bit unsigned integers.
func (b *Builder) AddPropertyU32Array(name string, values ...uint32) {
	data := make([]byte, 0, len(values)*4)
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	b.property(name, data)
}

// AddPropertyU64 adds a 64-bit unsigned integer property.
func (b *Builder) AddPropertyU64(name string, value uint64) {
	b.property(name, binary.BigEndian.AppendUint64(nil, value))
}

// AddPropertyU64Array adds cells of 64-bit values, such as reg pairs.
func (b *Builder) AddPropertyU64Array(name string, values ...uint64) {
	data := make([]byte, 0, len(values)*8)
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	b.property(name, data)
}

// AddPropertyBytes adds a raw bytes property.
func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.property(name, data)
}

func (b *Builder) property(name string, data []byte) {
	if b.depth == 0 && b.err == nil {
		b.err = fmt.Errorf("fdt: property %q outside any node", name)
	}
	b.appendU32(fdtProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.addString(name))
	b.appendBytes(data)
}

// Build generates the final FDT blob. It fails when nodes are unbalanced or a
// property was added outside a node.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.depth != 0 {
		return nil, fmt.Errorf("fdt: %d unterminated nodes", b.depth)
	}
	if len(b.structure) == 0 {
		return nil, fmt.Errorf("fdt: empty tree")
	}

	structure := binary.BigEndian.AppendUint32(append([]byte(nil), b.structure...), fdtEnd)

	// The kernel reserves the blob and initrd itself, so the reservation map
	// holds only its zero terminator.
	rsvmap := make([]byte, 16)

	memRsvmapOff := uint32(fdtHeaderSize)
	structOff := memRsvmapOff + uint32(len(rsvmap))
	stringsOff := structOff + uint32(len(structure))
	totalSize := stringsOff + uint32(len(b.strings))

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:], fdtMagic)
	binary.BigEndian.PutUint32(header[4:], totalSize)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], memRsvmapOff)
	binary.BigEndian.PutUint32(header[20:], fdtVersion)
	binary.BigEndian.PutUint32(header[24:], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(header[32:], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(header[36:], uint32(len(structure)))

	copy(blob[memRsvmapOff:], rsvmap)
	copy(blob[structOff:], structure)
	copy(blob[stringsOff:], b.strings)
	return blob, nil
}

func (b *Builder) appendU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) appendString(s string) {
	b.structure = append(b.structure, s...)
	b.structure = append(b.structure, 0)
	b.pad()
}

func (b *Builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
