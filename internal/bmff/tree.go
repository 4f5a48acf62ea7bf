// Package bmff contains an ISO-BMFF box reader and an in-memory box tree.
package bmff

import (
	"strconv"
	"strings"

	"github.com/abema/go-mp4"
)

// Handle identifies a box inside a Tree.
// Handles are stable for the lifetime of the tree.
type Handle int32

// NoBox is the handle returned when a box is not found.
const NoBox Handle = -1

// Box is a node of the tree.
type Box struct {
	Type       mp4.BoxType
	UserType   [16]byte // set when Type is "uuid"
	Offset     uint64   // position of the header in the stream
	Size       uint64   // header size included
	HeaderSize uint64

	// Payload is the decoded payload, when the type is known.
	Payload mp4.IBox

	// Raw is the undecoded payload of small leaf boxes of unknown type.
	Raw []byte

	// Err is set when the payload could not be decoded.
	// The box is kept in the tree and its siblings are unaffected.
	Err error

	parent Handle
	first  Handle
	last   Handle
	next   Handle
}

// End returns the offset of the first byte after the box.
func (b *Box) End() uint64 {
	return b.Offset + b.Size
}

// Tree is an arena of boxes. Handle 0 is an implicit root container.
type Tree struct {
	boxes []Box
}

var typeRoot = mp4.BoxType{'r', 'o', 'o', 't'}

// NewTree allocates a Tree that contains only the root.
func NewTree() *Tree {
	return &Tree{
		boxes: []Box{{
			Type:   typeRoot,
			parent: NoBox,
			first:  NoBox,
			last:   NoBox,
			next:   NoBox,
		}},
	}
}

// Root returns the handle of the root.
func (t *Tree) Root() Handle {
	return 0
}

// Box returns the box with the given handle.
func (t *Tree) Box(h Handle) *Box {
	if h < 0 || int(h) >= len(t.boxes) {
		return nil
	}
	return &t.boxes[h]
}

// Parent returns the parent of a box, or NoBox if the box is the root or is detached.
func (t *Tree) Parent(h Handle) Handle {
	return t.boxes[h].parent
}

// Children returns the children of a box, in stream order.
func (t *Tree) Children(h Handle) []Handle {
	var out []Handle
	for c := t.boxes[h].first; c != NoBox; c = t.boxes[c].next {
		out = append(out, c)
	}
	return out
}

// Append appends a box to the children of parent and returns its handle.
func (t *Tree) Append(parent Handle, b Box) Handle {
	b.parent = parent
	b.first = NoBox
	b.last = NoBox
	b.next = NoBox

	h := Handle(len(t.boxes))
	t.boxes = append(t.boxes, b)

	p := &t.boxes[parent]
	if p.last == NoBox {
		p.first = h
	} else {
		t.boxes[p.last].next = h
	}
	p.last = h

	return h
}

func (t *Tree) unlink(parent Handle, h Handle) {
	p := &t.boxes[parent]
	prev := NoBox

	for c := p.first; c != NoBox; c = t.boxes[c].next {
		if c == h {
			if prev == NoBox {
				p.first = t.boxes[c].next
			} else {
				t.boxes[prev].next = t.boxes[c].next
			}
			if p.last == c {
				p.last = prev
			}
			t.boxes[c].next = NoBox
			t.boxes[c].parent = NoBox
			return
		}
		prev = c
	}
}

// Extract detaches the first child of parent with the given type and returns it.
// The detached box keeps its children; the rest of the tree is unaffected.
func (t *Tree) Extract(parent Handle, typ mp4.BoxType) Handle {
	for c := t.boxes[parent].first; c != NoBox; c = t.boxes[c].next {
		if t.boxes[c].Type == typ {
			t.unlink(parent, c)
			return c
		}
	}
	return NoBox
}

// Subtree copies a box and its descendants into a new tree,
// where the box becomes the only child of the root.
func (t *Tree) Subtree(h Handle) (*Tree, Handle) {
	dst := NewTree()
	nh := t.copyInto(dst, dst.Root(), h)
	return dst, nh
}

func (t *Tree) copyInto(dst *Tree, parent Handle, h Handle) Handle {
	nh := dst.Append(parent, t.boxes[h])
	for c := t.boxes[h].first; c != NoBox; c = t.boxes[c].next {
		t.copyInto(dst, nh, c)
	}
	return nh
}

type pathSegment struct {
	typ   mp4.BoxType
	index int
	valid bool
}

func parseSegment(seg string) pathSegment {
	index := 0

	if i := strings.IndexByte(seg, '['); i >= 0 && strings.HasSuffix(seg, "]") {
		n, err := strconv.Atoi(seg[i+1 : len(seg)-1])
		if err != nil || n < 0 {
			return pathSegment{}
		}
		index = n
		seg = seg[:i]
	}

	if len(seg) != 4 {
		return pathSegment{}
	}

	var typ mp4.BoxType
	copy(typ[:], seg)

	return pathSegment{typ: typ, index: index, valid: true}
}

func (t *Tree) nthChild(h Handle, typ mp4.BoxType, n int) Handle {
	for c := t.boxes[h].first; c != NoBox; c = t.boxes[c].next {
		if t.boxes[c].Type == typ {
			if n == 0 {
				return c
			}
			n--
		}
	}
	return NoBox
}

func (t *Tree) countChildren(h Handle, typ mp4.BoxType) int {
	n := 0
	for c := t.boxes[h].first; c != NoBox; c = t.boxes[c].next {
		if t.boxes[c].Type == typ {
			n++
		}
	}
	return n
}

// walk resolves all segments of path except the last one.
func (t *Tree) walk(from Handle, path string) (Handle, string) {
	if strings.HasPrefix(path, "/") {
		from = t.Root()
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")
	cur := from

	for _, seg := range segs[:len(segs)-1] {
		switch seg {
		case "", ".":
			continue
		case "..":
			cur = t.boxes[cur].parent
			if cur == NoBox {
				return NoBox, ""
			}
			continue
		}

		ps := parseSegment(seg)
		if !ps.valid {
			return NoBox, ""
		}

		cur = t.nthChild(cur, ps.typ, ps.index)
		if cur == NoBox {
			return NoBox, ""
		}
	}

	return cur, segs[len(segs)-1]
}

// Get returns the box at path, relative to from. A leading slash makes the
// path relative to the root. Each segment is a fourcc, optionally followed
// by a zero-based index among siblings of the same type, like "trak[1]".
func (t *Tree) Get(from Handle, path string) Handle {
	cur, last := t.walk(from, path)
	if cur == NoBox {
		return NoBox
	}

	switch last {
	case "", ".":
		return cur
	case "..":
		return t.boxes[cur].parent
	}

	ps := parseSegment(last)
	if !ps.valid {
		return NoBox
	}
	return t.nthChild(cur, ps.typ, ps.index)
}

// Count returns the number of boxes matching the last segment of path.
func (t *Tree) Count(from Handle, path string) int {
	cur, last := t.walk(from, path)
	if cur == NoBox {
		return 0
	}

	ps := parseSegment(last)
	if !ps.valid {
		return 0
	}
	return t.countChildren(cur, ps.typ)
}

// Payload returns the decoded payload of the box at path.
func Payload[T mp4.IBox](t *Tree, from Handle, path string) (T, bool) {
	var zero T

	h := t.Get(from, path)
	if h == NoBox {
		return zero, false
	}

	v, ok := t.boxes[h].Payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
