package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildAndParse(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyStringList("compatible", "a,b", "c")
	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", "console=ttyS0")
	b.AddPropertyU64("linux,initrd-start", 0x1234)
	b.EndNode()
	b.BeginNode("memory@0")
	b.AddPropertyU64Array("reg", 0x8000_0000, 0x1000_0000)
	b.AddPropertyEmpty("dma-coherent")
	b.EndNode()
	b.EndNode()

	blob, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := binary.BigEndian.Uint32(blob); got != fdtMagic {
		t.Fatalf("magic = %#x", got)
	}
	if off := binary.BigEndian.Uint32(blob[16:]); off != fdtHeaderSize {
		t.Fatalf("off_mem_rsvmap = %#x", off)
	}
	if rsv := blob[fdtHeaderSize : fdtHeaderSize+16]; !bytes.Equal(rsv, make([]byte, 16)) {
		t.Fatalf("reservation map = %x, want only the terminator", rsv)
	}

	root, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cells, ok := root.U32s("#address-cells"); !ok || cells[0] != 2 {
		t.Fatalf("#address-cells = %v", cells)
	}
	if compat, ok := root.Strings("compatible"); !ok || len(compat) != 2 || compat[1] != "c" {
		t.Fatalf("compatible = %v", compat)
	}
	chosen, ok := root.Lookup("/chosen")
	if !ok {
		t.Fatalf("/chosen missing")
	}
	if args, ok := chosen.String("bootargs"); !ok || args != "console=ttyS0" {
		t.Fatalf("bootargs = %q", args)
	}
	mem, ok := root.Lookup("memory@0")
	if !ok {
		t.Fatalf("memory node missing")
	}
	if reg, ok := mem.U64s("reg"); !ok || reg[0] != 0x8000_0000 || reg[1] != 0x1000_0000 {
		t.Fatalf("reg = %v", reg)
	}
	if v, ok := mem.Properties["dma-coherent"]; !ok || len(v) != 0 {
		t.Fatalf("dma-coherent = %v, %v", v, ok)
	}
}

func TestBuildRejectsUnbalancedTree(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.BeginNode("cpus")
	b.EndNode()
	if _, err := b.Build(); err == nil {
		t.Fatalf("Build accepted an unterminated node")
	}

	b = NewBuilder()
	b.AddPropertyU32("x", 1)
	if _, err := b.Build(); err == nil {
		t.Fatalf("Build accepted a property outside a node")
	}

	b = NewBuilder()
	b.EndNode()
	if _, err := b.Build(); err == nil {
		t.Fatalf("Build accepted EndNode without BeginNode")
	}
}

func TestAllocPhandle(t *testing.T) {
	b := NewBuilder()
	if a, c := b.AllocPhandle(), b.AllocPhandle(); a != 1 || c != 2 {
		t.Fatalf("phandles = %d, %d", a, c)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse(make([]byte, 64)); err == nil {
		t.Fatalf("Parse accepted a zero blob")
	}
	if _, err := Parse([]byte{0xd0}); err == nil {
		t.Fatalf("Parse accepted a truncated blob")
	}
}
