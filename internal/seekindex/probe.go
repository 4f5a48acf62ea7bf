package seekindex

import (
	"sort"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/fragment"
)

// ProbedFragment is a fragment found by Probe.
type ProbedFragment struct {
	Offset uint64

	// Times are the base decode times of the tracks of the fragment.
	Times map[uint32]int64
}

// ProbeIndex is an index built by reading every fragment of a stream.
type ProbeIndex struct {
	Fragments []ProbedFragment
}

// Probe reads every moof from offset to the end of the source of r.
// Tracks are the tracks of the movie, by ID.
// The position of the source is restored afterwards.
func Probe(r *bmff.Reader, offset uint64, tracks map[uint32]fragment.TrackInfo) (*ProbeIndex, error) {
	pos := r.Source.Tell()
	defer r.Source.Seek(pos) //nolint:errcheck

	err := r.Source.Seek(int64(offset))
	if err != nil {
		return nil, err
	}

	infos := make(map[uint32]*fragment.TrackInfo, len(tracks))
	for id, info := range tracks {
		infos[id] = &info
	}

	idx := &ProbeIndex{}

	for {
		tree := bmff.NewTree()
		moof, err := r.ReadChildren(tree, tree.Root(), bmff.Type("moof"))
		if err != nil {
			return nil, err
		}
		if moof == bmff.NoBox {
			break
		}

		f := fragment.Parse(tree, moof, &fragment.Params{
			MoofOffset:    tree.Box(moof).Offset,
			FragmentIndex: len(idx.Fragments),
			TrackCount:    len(tracks),
			Track: func(id uint32) (*fragment.TrackInfo, bool) {
				info, ok := infos[id]
				return info, ok
			},
			Parent: r.Parent,
		})

		pf := ProbedFragment{
			Offset: f.Offset,
			Times:  make(map[uint32]int64, len(f.Tracks)),
		}

		for _, tf := range f.Tracks {
			pf.Times[tf.TrackID] = tf.BaseTime
			infos[tf.TrackID].RunningTime = tf.End()
		}

		idx.Fragments = append(idx.Fragments, pf)
	}

	return idx, nil
}

// Time returns the base decode time of a track in the fragment at a given offset.
func (idx *ProbeIndex) Time(moofOffset uint64, trackID uint32) (int64, bool) {
	i := sort.Search(len(idx.Fragments), func(i int) bool {
		return idx.Fragments[i].Offset >= moofOffset
	})
	if i == len(idx.Fragments) || idx.Fragments[i].Offset != moofOffset {
		return 0, false
	}

	t, ok := idx.Fragments[i].Times[trackID]
	return t, ok
}

// Find returns the last fragment of a track that starts at or before a time,
// expressed in the track timescale. Times before the first fragment resolve to the first one.
func (idx *ProbeIndex) Find(trackID uint32, t int64) (ProbedFragment, bool) {
	var found *ProbedFragment

	for i := range idx.Fragments {
		ft, ok := idx.Fragments[i].Times[trackID]
		if !ok {
			continue
		}
		if found != nil && ft > t {
			break
		}
		found = &idx.Fragments[i]
	}

	if found == nil {
		return ProbedFragment{}, false
	}
	return *found, true
}
