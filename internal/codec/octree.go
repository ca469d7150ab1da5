package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/voxeld/internal/errors"
)

// TreeMagic opens the text header of an OctoMap binary (.bt) file.
const TreeMagic = "# Octomap OcTree binary file"

const (
	// treeDepth is the number of levels below the root.
	treeDepth = 16

	// treeCenter is the key of the root node on every axis.
	treeCenter = 1 << (treeDepth - 1)

	maxHeaderLines = 64
)

// Cell is an occupied tree leaf, relative to the tree origin.
type Cell struct {
	X, Y, Z int32
}

// TreeHeader holds the text header fields. Missing fields are zero.
type TreeHeader struct {
	ID         string
	Size       int
	Resolution float64
}

// EnsureTreeHeader prefixes the minimal text header when blob has none.
func EnsureTreeHeader(blob []byte, treeType string) []byte {
	if bytes.HasPrefix(blob, []byte(TreeMagic)) {
		return blob
	}
	if treeType == "" {
		treeType = "OcTree"
	}
	header := TreeMagic + "\nid " + treeType + "\ndata\n"
	out := make([]byte, 0, len(header)+len(blob))
	out = append(out, header...)
	return append(out, blob...)
}

// DecodeTree parses an occupancy tree and returns its occupied leaves.
// The text header is optional; without it the blob is the node stream.
func DecodeTree(blob []byte) ([]Cell, TreeHeader, error) {
	return DecodeTreeLimit(blob, 0)
}

// DecodeTreeLimit is DecodeTree failing with ErrDecode once more than
// maxCells leaves are found. Zero means no limit.
func DecodeTreeLimit(blob []byte, maxCells int) ([]Cell, TreeHeader, error) {
	var hdr TreeHeader
	stream := blob

	if bytes.HasPrefix(blob, []byte(TreeMagic)) {
		var err error
		hdr, stream, err = parseTreeHeader(blob)
		if err != nil {
			return nil, hdr, err
		}
		if len(stream) == 0 && hdr.Size == 0 {
			return nil, hdr, nil
		}
	}
	if len(stream) == 0 {
		return nil, hdr, fmt.Errorf("empty tree: %w", errors.ErrDecode)
	}

	d := treeDecoder{buf: stream, max: maxCells}
	if err := d.node(0, [3]uint32{treeCenter, treeCenter, treeCenter}); err != nil {
		return nil, hdr, err
	}
	return d.cells, hdr, nil
}

func parseTreeHeader(blob []byte) (TreeHeader, []byte, error) {
	var hdr TreeHeader
	rest := blob

	for i := 0; i < maxHeaderLines; i++ {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return hdr, nil, fmt.Errorf("tree header: missing data line: %w", errors.ErrDecode)
		}
		line := strings.TrimSpace(string(rest[:nl]))
		rest = rest[nl+1:]

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)

		switch key {
		case "data":
			return hdr, rest, nil
		case "id":
			hdr.ID = value
		case "size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return hdr, nil, fmt.Errorf("tree header: size %q: %w", value, errors.ErrDecode)
			}
			hdr.Size = n
		case "res":
			r, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return hdr, nil, fmt.Errorf("tree header: res %q: %w", value, errors.ErrDecode)
			}
			hdr.Resolution = r
		default:
			// unknown keywords are skipped
		}
	}
	return hdr, nil, fmt.Errorf("tree header: more than %d lines: %w", maxHeaderLines, errors.ErrDecode)
}

// Child state, two bits per child in each header byte.
const (
	childNone     = 0b00
	childFree     = 0b01
	childOccupied = 0b10
	childInner    = 0b11
)

type treeDecoder struct {
	buf   []byte
	pos   int
	max   int
	cells []Cell
}

// node reads one node's two child bytes, emits its occupied leaf children,
// then descends into its inner children in order.
func (d *treeDecoder) node(depth int, key [3]uint32) error {
	if depth >= treeDepth {
		return fmt.Errorf("tree deeper than %d levels: %w", treeDepth, errors.ErrDecode)
	}
	if d.pos+2 > len(d.buf) {
		return fmt.Errorf("tree truncated at byte %d: %w", d.pos, errors.ErrDecode)
	}
	bits := uint16(d.buf[d.pos]) | uint16(d.buf[d.pos+1])<<8
	d.pos += 2

	offset := uint32(treeCenter) >> (depth + 1)
	var inner [8]bool
	for i := 0; i < 8; i++ {
		switch (bits >> (2 * i)) & 0b11 {
		case childOccupied:
			if d.max > 0 && len(d.cells) >= d.max {
				return fmt.Errorf("tree has more than %d cells: %w", d.max, errors.ErrDecode)
			}
			c := childKey(i, offset, key)
			d.cells = append(d.cells, Cell{
				X: int32(c[0]) - treeCenter,
				Y: int32(c[1]) - treeCenter,
				Z: int32(c[2]) - treeCenter,
			})
		case childInner:
			inner[i] = true
		}
	}

	for i := 0; i < 8; i++ {
		if inner[i] {
			if err := d.node(depth+1, childKey(i, offset, key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// childKey moves from a parent key to the center of child pos.
// Bit 0 of pos selects +x, bit 1 +y, bit 2 +z.
func childKey(pos int, offset uint32, parent [3]uint32) [3]uint32 {
	var k [3]uint32
	for axis := 0; axis < 3; axis++ {
		if pos&(1<<axis) != 0 {
			k[axis] = parent[axis] + offset
		} else if offset == 0 {
			k[axis] = parent[axis] - 1
		} else {
			k[axis] = parent[axis] - offset
		}
	}
	return k
}

// EncodeTree writes cells as a headerless node stream at full depth.
// Duplicate cells are written once. An empty cell list yields an empty
// stream.
func EncodeTree(cells []Cell) ([]byte, error) {
	if len(cells) == 0 {
		return nil, nil
	}

	root := &treeNode{}
	for _, c := range cells {
		key, ok := cellKey(c)
		if !ok {
			return nil, fmt.Errorf("cell %v outside tree bounds: %w", c, errors.ErrDecode)
		}
		n := root
		for depth := 0; depth < treeDepth-1; depth++ {
			i := childIndex(key, depth)
			if n.children[i] == nil {
				n.children[i] = &treeNode{}
			}
			n = n.children[i]
		}
		n.leaves |= 1 << childIndex(key, treeDepth-1)
	}

	var out []byte
	root.write(&out)
	return out, nil
}

type treeNode struct {
	children [8]*treeNode
	leaves   uint8
}

func (n *treeNode) write(out *[]byte) {
	var bits uint16
	for i := 0; i < 8; i++ {
		switch {
		case n.children[i] != nil:
			bits |= childInner << (2 * i)
		case n.leaves&(1<<i) != 0:
			bits |= childOccupied << (2 * i)
		}
	}
	*out = append(*out, byte(bits), byte(bits>>8))

	for _, c := range n.children {
		if c != nil {
			c.write(out)
		}
	}
}

func cellKey(c Cell) ([3]uint32, bool) {
	var k [3]uint32
	for axis, v := range [3]int32{c.X, c.Y, c.Z} {
		u := int64(v) + treeCenter
		if u < 0 || u >= 2*treeCenter {
			return k, false
		}
		k[axis] = uint32(u)
	}
	return k, true
}

// childIndex selects the child of a node at depth on the path to key.
func childIndex(key [3]uint32, depth int) int {
	shift := treeDepth - 1 - depth
	i := 0
	for axis := 0; axis < 3; axis++ {
		if key[axis]>>shift&1 != 0 {
			i |= 1 << axis
		}
	}
	return i
}
