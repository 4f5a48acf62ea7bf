package demuxer

import (
	"time"

	"github.com/bluenviron/mp4demux/internal/elst"
)

// timeline maps the decode times of a track onto the presentation timeline.
type timeline struct {
	edits          *elst.List
	trackTimeScale uint32
	index          int
}

func newTimeline(edits *elst.List, trackTimeScale uint32) *timeline {
	tl := &timeline{
		edits:          edits,
		trackTimeScale: trackTimeScale,
	}
	if edits != nil {
		tl.index = edits.SkipEmpty(0)
	}
	return tl
}

// resolve returns the edit that applies to a decode time, starting from the
// current one, and the presentation-aligned decode time.
func (tl *timeline) resolve(dts int64) (int, int64) {
	if tl.edits == nil {
		return 0, dts
	}

	i := tl.index
	last := len(tl.edits.Entries) - 1

	for i < last {
		end := elst.Rescale(tl.edits.End(i), tl.edits.MovieTimeScale, tl.trackTimeScale)
		if tl.edits.Remap(i, dts) < end {
			break
		}
		i = tl.edits.SkipEmpty(i + 1)
	}

	return i, tl.edits.Remap(i, dts)
}

// mediaTime returns the decode time of the track that is presented at a given time,
// and the edit that applies to it.
func (tl *timeline) mediaTime(t time.Duration) (int, int64) {
	if tl.edits == nil {
		return 0, durationGoToMp4(t, tl.trackTimeScale)
	}

	p := durationGoToMp4(t, tl.edits.MovieTimeScale)
	i, start := tl.edits.Active(p)

	if j := tl.edits.SkipEmpty(i); j != i {
		i = j
		start = tl.edits.Start(i)
		p = start
	}

	v := elst.Rescale(p-start, tl.edits.MovieTimeScale, tl.trackTimeScale)
	if mt := tl.edits.Entries[i].MediaTime; mt > 0 {
		v += mt
	}
	return i, v
}

// entryMediaTime returns the media time of an edit, or false for empty edits.
func (tl *timeline) entryMediaTime(i int) (int64, bool) {
	if tl.edits == nil || tl.edits.Entries[i].IsEmpty() {
		return 0, false
	}
	return tl.edits.Entries[i].MediaTime, true
}
