package demuxer

import (
	"time"

	"github.com/bluenviron/mp4demux/internal/elst"
	"github.com/bluenviron/mp4demux/internal/fragment"
	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/seekindex"
)

// seekTarget is a moof where reading can restart.
type seekTarget struct {
	offset uint64

	// approximate decode time of the fragment, in the timescale of ref
	ref       *Track
	mediaTime int64
}

type seekStrategy struct {
	name string
	find func(d *Demuxer, t time.Duration) (seekTarget, bool)
}

// seekStrategies are tried in order until one finds a fragment.
var seekStrategies = []seekStrategy{
	{"sidx", seekBySegmentIndex},
	{"tfra", seekByRandomAccess},
	{"probe", seekByProbe},
}

// Seek moves the selected tracks to the first samples presented at or after t.
// ErrCannotSeek is returned when the source cannot move backward or
// when no index can locate the fragment containing t.
func (d *Demuxer) Seek(t time.Duration) error {
	if !d.Source.CanSeek() {
		return ErrCannotSeek
	}

	if t < 0 {
		t = 0
	}

	if !d.fragmented || t < d.staticDuration {
		if d.fragmented {
			err := d.Source.Seek(int64(d.firstFragmentPos))
			if err != nil {
				return err
			}
			d.resetFragments(d.firstFragmentPos, nil, 0)
		}

		d.Log(logger.Debug, "seeking to %v inside the sample tables", t)
		d.moveTracks(t, false)
		return nil
	}

	// the segment index precedes the first fragment
	if d.segmentIndex == nil && d.fragmentIndex == 0 && !d.fragmentsDone {
		err := d.loadFragment()
		if err != nil {
			return err
		}
	}

	for _, s := range seekStrategies {
		target, ok := s.find(d, t)
		if !ok {
			continue
		}

		err := d.Source.Seek(int64(target.offset))
		if err != nil {
			return err
		}

		d.Log(logger.Debug, "seeking to %v using %s, fragment at offset %d", t, s.name, target.offset)
		d.resetFragments(target.offset, target.ref, target.mediaTime)
		d.moveTracks(t, true)
		return nil
	}

	return ErrCannotSeek
}

// moveTracks moves the cursors of all tracks to a presentation time.
// When fragmented is true, samples are read from fragments only.
func (d *Demuxer) moveTracks(t time.Duration, fragmented bool) {
	for _, tr := range d.tracks {
		if tr.err != nil {
			continue
		}

		tr.queue = nil

		i, media := tr.timeline.mediaTime(t)
		tr.timeline.index = i

		if fragmented {
			tr.seekStatic(tr.SampleCount)
		} else {
			tr.seekStatic(tr.index.FindSample(media))
		}

		tr.ended = false
		tr.skipping = true
		tr.skipUntil = durationGoToMp4(t, tr.TimeScale)
		tr.discontinuity = true
	}

	d.clock = t
	d.clockSet = true
}

func seekBySegmentIndex(d *Demuxer, t time.Duration) (seekTarget, bool) {
	si := d.segmentIndex
	if si == nil {
		return seekTarget{}, false
	}

	ref := d.Track(si.TrackID)
	if ref == nil || ref.err != nil {
		return seekTarget{}, false
	}

	_, media := ref.timeline.mediaTime(t)

	seg, ok := si.Find(elst.Rescale(media, ref.TimeScale, si.TimeScale))
	if !ok {
		d.Log(logger.Debug, "%v is beyond the segment index", t)
		return seekTarget{}, false
	}
	if seg.IsIndex {
		return seekTarget{}, false
	}

	return seekTarget{
		offset:    seg.Offset,
		ref:       ref,
		mediaTime: elst.Rescale(seg.Time, si.TimeScale, ref.TimeScale),
	}, true
}

func seekByRandomAccess(d *Demuxer, t time.Duration) (seekTarget, bool) {
	if d.randomAccess == nil {
		return seekTarget{}, false
	}

	for _, tr := range d.tracks {
		if !tr.scheduled() {
			continue
		}

		_, media := tr.timeline.mediaTime(t)

		e, ok := d.randomAccess.Find(tr.ID, media)
		if ok {
			return seekTarget{
				offset:    e.MoofOffset,
				ref:       tr,
				mediaTime: e.Time,
			}, true
		}
	}

	return seekTarget{}, false
}

func seekByProbe(d *Demuxer, t time.Duration) (seekTarget, bool) {
	if d.probe == nil {
		if !d.ProbeFragments || !d.Source.CanFastSeek() {
			return seekTarget{}, false
		}

		tracks := make(map[uint32]fragment.TrackInfo)
		for _, tr := range d.tracks {
			if tr.err != nil {
				continue
			}
			info := tr.info()
			info.RunningTime = info.StaticDuration
			tracks[tr.ID] = *info
		}

		idx, err := seekindex.Probe(d.reader, d.firstFragmentPos, tracks)
		if err != nil {
			d.Log(logger.Warn, "unable to probe fragments: %v", err)
			return seekTarget{}, false
		}

		d.Log(logger.Debug, "probed %d fragments", len(idx.Fragments))
		d.probe = idx
	}

	for _, tr := range d.tracks {
		if !tr.scheduled() {
			continue
		}

		_, media := tr.timeline.mediaTime(t)

		f, ok := d.probe.Find(tr.ID, media)
		if ok {
			return seekTarget{
				offset:    f.Offset,
				ref:       tr,
				mediaTime: f.Times[tr.ID],
			}, true
		}
	}

	return seekTarget{}, false
}
