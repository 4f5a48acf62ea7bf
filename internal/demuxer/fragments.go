package demuxer

import (
	"errors"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/elst"
	"github.com/bluenviron/mp4demux/internal/fragment"
	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/seekindex"
	"github.com/bluenviron/mp4demux/internal/source"
)

func (d *Demuxer) trackInfo(id uint32) (*fragment.TrackInfo, bool) {
	t := d.Track(id)
	if t == nil || t.err != nil {
		return nil, false
	}
	return t.info(), true
}

// loadFragment reads the next moof and queues its samples.
func (d *Demuxer) loadFragment() error {
	err := d.Source.Seek(int64(d.fragmentPos))
	if err != nil {
		return err
	}

	tree := bmff.NewTree()

	moof, err := d.reader.ReadChildren(tree, tree.Root(), bmff.Type("moof"))
	if err != nil {
		if errors.Is(err, source.ErrNeedMoreData) {
			return err
		}
		d.Log(logger.Warn, "unable to read fragment: %v", err)
		d.fragmentsDone = true
		return nil
	}

	// sidx that references the moof, if any
	var moofSidx *mp4.Sidx

	for _, h := range tree.Children(tree.Root()) {
		sidx, ok := tree.Box(h).Payload.(*mp4.Sidx)
		if !ok {
			continue
		}

		si := seekindex.SegmentIndexFromBox(sidx, tree.Box(h).End())
		d.addSegmentIndex(si)

		if moof != bmff.NoBox && len(si.Segments) != 0 && si.Segments[0].Offset == tree.Box(moof).Offset {
			moofSidx = sidx
		} else {
			moofSidx = nil
		}
	}

	if moof == bmff.NoBox {
		d.fragmentsDone = true
		d.fragmentPos = uint64(d.Source.Tell())
		return nil
	}

	moofOffset := tree.Box(moof).Offset
	if d.fragmentIndex == 0 {
		d.firstMoofPos = moofOffset
	}
	d.fragmentPos = tree.Box(moof).End()

	// keep the moof only, release everything else
	moofTree, moof := tree.Subtree(tree.Extract(tree.Root(), bmff.Type("moof")))

	p := &fragment.Params{
		MoofOffset:    moofOffset,
		FragmentIndex: d.fragmentIndex,
		TrackCount:    len(d.tracks),
		Track:         d.trackInfo,
		SegmentIndex:  moofSidx,
		Parent:        d,
	}
	if d.probe != nil {
		p.Probed = d.probe.Time
	}

	f := fragment.Parse(moofTree, moof, p)
	d.fragmentIndex++

	first := true

	for _, tf := range f.Tracks {
		t := d.Track(tf.TrackID)

		t.runningTime = tf.End()

		if !t.scheduled() {
			continue
		}

		for _, r := range tf.Runs {
			t.queue = append(t.queue, r.Samples...)
		}

		_, start := t.timeline.resolve(tf.BaseTime)
		if st := t.time(start); first || st < d.fragmentTime {
			d.fragmentTime = st
			first = false
		}

		d.Log(logger.Debug, "fragment %d, track %d: %d samples, base time %d (%s)",
			f.SequenceNumber, tf.TrackID, tf.SampleCount(), tf.BaseTime, tf.BaseTimeSource)
	}

	d.trimSource()
	return nil
}

func (d *Demuxer) addSegmentIndex(si *seekindex.SegmentIndex) {
	if d.segmentIndex == nil || !d.segmentIndex.Merge(si) {
		d.segmentIndex = si
	}
}

// resetFragments moves the fragment reader to a moof.
// mediaTime is the decode time of the fragment, in the timescale of ref.
func (d *Demuxer) resetFragments(offset uint64, ref *Track, mediaTime int64) {
	d.fragmentsDone = false
	d.fragmentTime = 0

	if offset <= d.firstMoofPos || offset == d.firstFragmentPos {
		d.fragmentPos = d.firstFragmentPos
		d.fragmentIndex = 0
	} else {
		d.fragmentPos = offset
		d.fragmentIndex = 1
	}

	for _, t := range d.tracks {
		t.queue = nil

		switch {
		case ref != nil:
			t.runningTime = elst.Rescale(mediaTime, ref.TimeScale, t.TimeScale)
		case t.index != nil:
			t.runningTime = t.index.Duration()
		}
	}
}
