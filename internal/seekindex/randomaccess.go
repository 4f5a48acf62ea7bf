package seekindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/source"
)

// ErrNoRandomAccess is returned when a stream does not end with a mfra.
var ErrNoRandomAccess = errors.New("movie fragment random access box not found")

// RandomAccessEntry is an entry of a tfra.
type RandomAccessEntry struct {
	Time       int64
	MoofOffset uint64
}

// RandomAccess contains the tfra tables of a mfra, by track ID.
type RandomAccess struct {
	Tracks map[uint32][]RandomAccessEntry
}

// RandomAccessFromTree allocates a RandomAccess from the tfra children of a mfra.
func RandomAccessFromTree(tree *bmff.Tree, mfra bmff.Handle) *RandomAccess {
	ra := &RandomAccess{
		Tracks: make(map[uint32][]RandomAccessEntry),
	}

	for _, h := range tree.Children(mfra) {
		tfra, ok := tree.Box(h).Payload.(*mp4.Tfra)
		if !ok {
			continue
		}

		entries := make([]RandomAccessEntry, len(tfra.Entries))
		for i, e := range tfra.Entries {
			if tfra.GetVersion() == 1 {
				entries[i] = RandomAccessEntry{Time: int64(e.TimeV1), MoofOffset: e.MoofOffsetV1}
			} else {
				entries[i] = RandomAccessEntry{Time: int64(e.TimeV0), MoofOffset: uint64(e.MoofOffsetV0)}
			}
		}

		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Time < entries[j].Time
		})

		ra.Tracks[tfra.TrackID] = entries
	}

	return ra
}

// Find returns the entry of the fragment that contains a time of a track,
// expressed in the track timescale.
func (ra *RandomAccess) Find(trackID uint32, t int64) (RandomAccessEntry, bool) {
	entries := ra.Tracks[trackID]
	if len(entries) == 0 {
		return RandomAccessEntry{}, false
	}

	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Time >= t
	})

	if i == len(entries) || (entries[i].Time > t && i > 0) {
		i--
	}

	return entries[i], true
}

// LocateRandomAccess finds a mfra through the mfro at the end of the source,
// and returns its offset.
func LocateRandomAccess(src source.Source) (uint64, error) {
	size, ok := src.Size()
	if !ok || !src.CanSeek() || size < 16 {
		return 0, ErrNoRandomAccess
	}

	var buf [16]byte
	_, err := source.ReadFullAt(src, size-16, buf[:])
	if err != nil {
		return 0, err
	}

	if binary.BigEndian.Uint32(buf[:4]) != 16 || bmff.Type(string(buf[4:8])) != bmff.Type("mfro") {
		return 0, ErrNoRandomAccess
	}

	mfraSize := int64(binary.BigEndian.Uint32(buf[12:]))
	if mfraSize < 8+16 || mfraSize > size {
		return 0, fmt.Errorf("invalid mfra size %d", mfraSize)
	}

	offset := size - mfraSize

	_, err = source.ReadFullAt(src, offset, buf[:8])
	if err != nil {
		return 0, err
	}

	if binary.BigEndian.Uint32(buf[:4]) != uint32(mfraSize) || bmff.Type(string(buf[4:8])) != bmff.Type("mfra") {
		return 0, ErrNoRandomAccess
	}

	return uint64(offset), nil
}

// ReadRandomAccess reads the mfra at the end of the source of r.
// The position of the source is restored afterwards.
func ReadRandomAccess(r *bmff.Reader) (*RandomAccess, error) {
	pos := r.Source.Tell()
	defer r.Source.Seek(pos) //nolint:errcheck

	offset, err := LocateRandomAccess(r.Source)
	if err != nil {
		return nil, err
	}

	err = r.Source.Seek(int64(offset))
	if err != nil {
		return nil, err
	}

	tree := bmff.NewTree()
	mfra, err := r.ReadChildren(tree, tree.Root(), bmff.Type("mfra"))
	if err != nil {
		return nil, err
	}
	if mfra == bmff.NoBox {
		return nil, ErrNoRandomAccess
	}

	return RandomAccessFromTree(tree, mfra), nil
}
