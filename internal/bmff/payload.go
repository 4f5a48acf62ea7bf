package bmff

import (
	"encoding/binary"
	"fmt"
)

// TfxdUserType is the user type of the Smooth Streaming fragment time box.
var TfxdUserType = [16]byte{
	0x6d, 0x1d, 0x9b, 0x05, 0x42, 0xd5, 0x44, 0xe6,
	0x80, 0xe2, 0x14, 0x1d, 0xaf, 0xf7, 0x57, 0xb2,
}

// Tfxd is the Smooth Streaming fragment time box.
type Tfxd struct {
	AbsoluteTime uint64
	Duration     uint64
}

// Unmarshal decodes a Tfxd.
func (b *Tfxd) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("invalid tfxd size")
	}

	version := buf[0]
	buf = buf[4:]

	switch version {
	case 0:
		if len(buf) < 8 {
			return fmt.Errorf("invalid tfxd size")
		}
		b.AbsoluteTime = uint64(binary.BigEndian.Uint32(buf))
		b.Duration = uint64(binary.BigEndian.Uint32(buf[4:]))

	case 1:
		if len(buf) < 16 {
			return fmt.Errorf("invalid tfxd size")
		}
		b.AbsoluteTime = binary.BigEndian.Uint64(buf)
		b.Duration = binary.BigEndian.Uint64(buf[8:])

	default:
		return fmt.Errorf("unsupported tfxd version: %d", version)
	}

	return nil
}

// Cslg is the composition to decode box.
type Cslg struct {
	CompositionToDTSShift int64
}

// Unmarshal decodes a Cslg.
func (b *Cslg) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("invalid cslg size")
	}

	version := buf[0]
	buf = buf[4:]

	switch version {
	case 0:
		if len(buf) < 4 {
			return fmt.Errorf("invalid cslg size")
		}
		b.CompositionToDTSShift = int64(int32(binary.BigEndian.Uint32(buf)))

	case 1:
		if len(buf) < 8 {
			return fmt.Errorf("invalid cslg size")
		}
		b.CompositionToDTSShift = int64(binary.BigEndian.Uint64(buf))

	default:
		return fmt.Errorf("unsupported cslg version: %d", version)
	}

	return nil
}

// TrackReference is a child of a tref box, like chap or tmcd.
type TrackReference struct {
	TrackIDs []uint32
}

// Unmarshal decodes a TrackReference.
func (b *TrackReference) Unmarshal(buf []byte) error {
	if len(buf)%4 != 0 {
		return fmt.Errorf("invalid track reference size")
	}

	b.TrackIDs = make([]uint32, len(buf)/4)
	for i := range b.TrackIDs {
		b.TrackIDs[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return nil
}

// Tfxd returns the Smooth Streaming fragment time box among the children of a traf.
func (t *Tree) Tfxd(traf Handle) (*Tfxd, bool) {
	for _, c := range t.Children(traf) {
		b := t.Box(c)
		if b.Type != Type("uuid") || b.UserType != TfxdUserType || b.Raw == nil {
			continue
		}

		var tfxd Tfxd
		err := tfxd.Unmarshal(b.Raw)
		if err != nil {
			return nil, false
		}
		return &tfxd, true
	}
	return nil, false
}

// Cslg returns the composition to decode box of a stbl.
func (t *Tree) Cslg(stbl Handle) (*Cslg, bool) {
	h := t.Get(stbl, "cslg")
	if h == NoBox || t.Box(h).Raw == nil {
		return nil, false
	}

	var cslg Cslg
	err := cslg.Unmarshal(t.Box(h).Raw)
	if err != nil {
		return nil, false
	}
	return &cslg, true
}

// TrackReferences returns references of the given type of a trak.
func (t *Tree) TrackReferences(trak Handle, typ string) []uint32 {
	h := t.Get(trak, "tref/"+typ)
	if h == NoBox || t.Box(h).Raw == nil {
		return nil
	}

	var ref TrackReference
	err := ref.Unmarshal(t.Box(h).Raw)
	if err != nil {
		return nil
	}
	return ref.TrackIDs
}
