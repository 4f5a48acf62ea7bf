// Package elst maps track decode times onto the presentation timeline through an edit list.
package elst

import (
	"github.com/abema/go-mp4"
)

// Entry is an edit list entry.
type Entry struct {
	// SegmentDuration is expressed in the movie timescale.
	SegmentDuration uint64

	// MediaTime is expressed in the track timescale. A negative value means an empty edit.
	MediaTime int64

	RateInteger  int16
	RateFraction int16
}

// IsEmpty reports whether the entry is an empty edit.
func (e Entry) IsEmpty() bool {
	return e.MediaTime < 0
}

// List is an edit list.
type List struct {
	Entries        []Entry
	MovieTimeScale uint32
	TrackTimeScale uint32
}

// FromBox allocates a List from an elst box.
// It returns nil when the box has no entries or a timescale is zero.
func FromBox(box *mp4.Elst, movieTimeScale uint32, trackTimeScale uint32) *List {
	if box == nil || len(box.Entries) == 0 || movieTimeScale == 0 || trackTimeScale == 0 {
		return nil
	}

	l := &List{
		Entries:        make([]Entry, len(box.Entries)),
		MovieTimeScale: movieTimeScale,
		TrackTimeScale: trackTimeScale,
	}

	for i, e := range box.Entries {
		if box.GetVersion() == 1 {
			l.Entries[i].SegmentDuration = e.SegmentDurationV1
			l.Entries[i].MediaTime = e.MediaTimeV1
		} else {
			l.Entries[i].SegmentDuration = uint64(e.SegmentDurationV0)
			l.Entries[i].MediaTime = int64(e.MediaTimeV0)
		}
		l.Entries[i].RateInteger = e.MediaRateInteger
		l.Entries[i].RateFraction = e.MediaRateFraction
	}

	return l
}

// Active returns the entry whose window contains a presentation time,
// expressed in the movie timescale, and the start of that window.
// When no window contains the time, the last entry is returned.
func (l *List) Active(presentation int64) (int, int64) {
	var start int64

	for i, e := range l.Entries {
		end := start + int64(e.SegmentDuration)
		if presentation >= start && presentation < end {
			return i, start
		}
		start = end
	}

	last := len(l.Entries) - 1
	return last, start - int64(l.Entries[last].SegmentDuration)
}

// Start returns the start of the window of an entry, in the movie timescale.
func (l *List) Start(i int) int64 {
	var start int64
	for _, e := range l.Entries[:i] {
		start += int64(e.SegmentDuration)
	}
	return start
}

// End returns the end of the window of an entry, in the movie timescale.
func (l *List) End(i int) int64 {
	return l.Start(i) + int64(l.Entries[i].SegmentDuration)
}

// SkipEmpty moves from an empty entry to the next non-empty one.
// The last entry is never skipped.
func (l *List) SkipEmpty(i int) int {
	for i < len(l.Entries)-1 && l.Entries[i].IsEmpty() {
		i++
	}
	return i
}

// Remap converts a decode time of the track into a presentation-aligned decode time,
// still in the track timescale, by applying entry i.
func (l *List) Remap(i int, dts int64) int64 {
	e := l.Entries[i]

	if e.MediaTime > 0 {
		dts -= e.MediaTime
	}

	dts += Rescale(l.Start(i), l.MovieTimeScale, l.TrackTimeScale)

	if dts < 0 {
		return 0
	}
	return dts
}

// Rescale converts a value between timescales.
func Rescale(v int64, from uint32, to uint32) int64 {
	if from == to || from == 0 {
		return v
	}

	// split to avoid overflows
	secs := v / int64(from)
	dec := v % int64(from)
	return secs*int64(to) + dec*int64(to)/int64(from)
}
