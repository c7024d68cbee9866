package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Node is a decoded device-tree node.
type Node struct {
	Name       string
	Properties map[string][]byte
	Children   []*Node
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lookup resolves a slash separated path such as "/chosen" or "/cpus/cpu@0".
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// String returns a NUL-terminated string property.
func (n *Node) String(prop string) (string, bool) {
	v, ok := n.Properties[prop]
	if !ok || len(v) == 0 || v[len(v)-1] != 0 {
		return "", false
	}
	return string(v[:len(v)-1]), true
}

// Strings returns a string list property.
func (n *Node) Strings(prop string) ([]string, bool) {
	v, ok := n.Properties[prop]
	if !ok || len(v) == 0 || v[len(v)-1] != 0 {
		return nil, false
	}
	return strings.Split(string(v[:len(v)-1]), "\x00"), true
}

// U32s decodes a property as big-endian 32-bit cells.
func (n *Node) U32s(prop string) ([]uint32, bool) {
	v, ok := n.Properties[prop]
	if !ok || len(v)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(v[i*4:])
	}
	return out, true
}

// U64s decodes a property as big-endian 64-bit values.
func (n *Node) U64s(prop string) ([]uint64, bool) {
	v, ok := n.Properties[prop]
	if !ok || len(v)%8 != 0 {
		return nil, false
	}
	out := make([]uint64, len(v)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(v[i*8:])
	}
	return out, true
}

// Parse decodes an FDT blob into its node tree.
func Parse(blob []byte) (*Node, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("fdt: blob of %d bytes is shorter than the header", len(blob))
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != fdtMagic {
		return nil, fmt.Errorf("fdt: bad magic %#x", be.Uint32(blob[0:]))
	}
	total := be.Uint32(blob[4:])
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])
	stringsSize := be.Uint32(blob[32:])
	structSize := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(structOff)+uint64(structSize) > uint64(total) ||
		uint64(stringsOff)+uint64(stringsSize) > uint64(total) {
		return nil, fmt.Errorf("fdt: header offsets exceed blob size")
	}
	st := blob[structOff : structOff+structSize]
	strs := blob[stringsOff : stringsOff+stringsSize]

	var (
		root  *Node
		stack []*Node
		off   int
	)
	readU32 := func() (uint32, error) {
		if off+4 > len(st) {
			return 0, fmt.Errorf("fdt: structure block truncated at %d", off)
		}
		v := be.Uint32(st[off:])
		off += 4
		return v, nil
	}
	align := func() { off = (off + 3) &^ 3 }

	for {
		tok, err := readU32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case fdtBeginNode:
			end := off
			for end < len(st) && st[end] != 0 {
				end++
			}
			if end >= len(st) {
				return nil, fmt.Errorf("fdt: unterminated node name")
			}
			n := &Node{Name: string(st[off:end]), Properties: map[string][]byte{}}
			off = end + 1
			align()
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("fdt: multiple root nodes")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case fdtEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: unbalanced end node")
			}
			stack = stack[:len(stack)-1]
		case fdtProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: property outside node")
			}
			size, err := readU32()
			if err != nil {
				return nil, err
			}
			nameOff, err := readU32()
			if err != nil {
				return nil, err
			}
			if off+int(size) > len(st) || int(nameOff) >= len(strs) {
				return nil, fmt.Errorf("fdt: property exceeds blob")
			}
			nameEnd := int(nameOff)
			for nameEnd < len(strs) && strs[nameEnd] != 0 {
				nameEnd++
			}
			name := string(strs[nameOff:nameEnd])
			stack[len(stack)-1].Properties[name] = append([]byte(nil), st[off:off+int(size)]...)
			off += int(size)
			align()
		case fdtNop:
		case fdtEnd:
			if len(stack) != 0 || root == nil {
				return nil, fmt.Errorf("fdt: tree ended with %d open nodes", len(stack))
			}
			return root, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token %#x at %d", tok, off-4)
		}
	}
}
