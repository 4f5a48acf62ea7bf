// Package seekindex contains the indexes used to seek inside fragmented streams.
package seekindex

import (
	"slices"
	"sort"

	"github.com/abema/go-mp4"
)

// Segment is a subsegment referenced by a sidx.
type Segment struct {
	Offset   uint64
	Size     uint32
	Time     int64
	Duration uint32

	// IsIndex is true when the subsegment is another sidx.
	IsIndex bool
}

// SegmentIndex is a segment index, in the timescale of its reference track.
type SegmentIndex struct {
	TrackID   uint32
	TimeScale uint32
	Segments  []Segment
}

// SegmentIndexFromBox allocates a SegmentIndex from a sidx whose last byte precedes end.
func SegmentIndexFromBox(sidx *mp4.Sidx, end uint64) *SegmentIndex {
	var ept int64
	var offset uint64

	if sidx.GetVersion() == 1 {
		ept = int64(sidx.EarliestPresentationTimeV1)
		offset = end + sidx.FirstOffsetV1
	} else {
		ept = int64(sidx.EarliestPresentationTimeV0)
		offset = end + uint64(sidx.FirstOffsetV0)
	}

	si := &SegmentIndex{
		TrackID:   sidx.ReferenceID,
		TimeScale: sidx.Timescale,
		Segments:  make([]Segment, len(sidx.References)),
	}

	t := ept

	for i, ref := range sidx.References {
		si.Segments[i] = Segment{
			Offset:   offset,
			Size:     ref.ReferencedSize,
			Time:     t,
			Duration: ref.SubsegmentDuration,
			IsIndex:  ref.ReferenceType,
		}
		offset += uint64(ref.ReferencedSize)
		t += int64(ref.SubsegmentDuration)
	}

	return si
}

// End returns the time after the last subsegment.
func (si *SegmentIndex) End() int64 {
	if len(si.Segments) == 0 {
		return 0
	}
	last := si.Segments[len(si.Segments)-1]
	return last.Time + int64(last.Duration)
}

// Find returns the subsegment that contains a time, expressed in the index timescale.
// It returns false when the time is outside the subsegments of the index.
func (si *SegmentIndex) Find(t int64) (Segment, bool) {
	i := sort.Search(len(si.Segments), func(i int) bool {
		s := si.Segments[i]
		return t < s.Time+int64(s.Duration)
	})
	if i == len(si.Segments) || t < si.Segments[i].Time {
		return Segment{}, false
	}
	return si.Segments[i], true
}

// Merge adds the subsegments of another index of the same reference track.
// Subsegments already present, identified by offset, are skipped.
// It returns false when the indexes refer to different tracks or timescales.
func (si *SegmentIndex) Merge(other *SegmentIndex) bool {
	if other.TrackID != si.TrackID || other.TimeScale != si.TimeScale {
		return false
	}

	n := len(si.Segments)

	for _, s := range other.Segments {
		if !slices.ContainsFunc(si.Segments[:n], func(e Segment) bool { return e.Offset == s.Offset }) {
			si.Segments = append(si.Segments, s)
		}
	}

	if len(si.Segments) != n {
		sort.SliceStable(si.Segments, func(a, b int) bool {
			return si.Segments[a].Time < si.Segments[b].Time
		})
	}

	return true
}
