package fragment

import (
	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/logger"
)

// Sample is a sample of a run.
type Sample struct {
	Offset       uint64
	Size         uint32
	Duration     uint32
	DTS          int64
	PTSOffset    int64
	HasPTSOffset bool
	Flags        uint32
}

// IsSync reports whether the sample is a sync sample.
func (s *Sample) IsSync() bool {
	return s.Flags&SampleFlagIsNonSyncSample == 0
}

// Run is a contiguous group of samples of a traf.
type Run struct {
	FirstDTS int64
	Offset   uint64
	Duration int64
	Size     uint64
	Samples  []Sample
	Trun     *mp4.Trun
}

// End returns the offset of the first byte after the run.
func (r *Run) End() uint64 {
	return r.Offset + r.Size
}

// TrackFragment contains the runs of a track inside a fragment.
type TrackFragment struct {
	TrackID        uint32
	BaseTime       int64
	BaseTimeSource string
	Duration       int64
	Runs           []Run
	Defaults       Defaults
}

// End returns the decode time after the last sample.
func (tf *TrackFragment) End() int64 {
	return tf.BaseTime + tf.Duration
}

// SampleCount returns the number of samples of the fragment.
func (tf *TrackFragment) SampleCount() int {
	n := 0
	for _, r := range tf.Runs {
		n += len(r.Samples)
	}
	return n
}

// Fragment is a parsed moof.
type Fragment struct {
	Offset         uint64
	SequenceNumber uint32
	Tracks         []*TrackFragment
}

// Track returns the runs of a track, or nil.
func (f *Fragment) Track(id uint32) *TrackFragment {
	for _, tf := range f.Tracks {
		if tf.TrackID == id {
			return tf
		}
	}
	return nil
}

// TrackInfo is what the session knows about a track when a fragment is parsed.
type TrackInfo struct {
	Defaults       Defaults
	TimeScale      uint32
	StaticDuration int64
	RunningTime    int64
}

// Params are the parameters of Parse.
type Params struct {
	MoofOffset    uint64
	FragmentIndex int
	TrackCount    int

	// Track returns the info of a track, or false if the track is unknown.
	Track func(id uint32) (*TrackInfo, bool)

	Probed       func(moofOffset uint64, trackID uint32) (int64, bool)
	SegmentIndex *mp4.Sidx

	Parent logger.Writer
}

func (p *Params) log(level logger.Level, format string, args ...interface{}) {
	if p.Parent != nil {
		p.Parent.Log(level, format, args...)
	}
}

// Parse builds the runs of every traf of a moof.
// moof must belong to tree, whose offsets are absolute stream positions.
func Parse(tree *bmff.Tree, moof bmff.Handle, p *Params) *Fragment {
	f := &Fragment{
		Offset: p.MoofOffset,
	}

	if mfhd, ok := bmff.Payload[*mp4.Mfhd](tree, moof, "mfhd"); ok {
		f.SequenceNumber = mfhd.SequenceNumber
	}

	// end of the data of the previous traf
	var prevEnd uint64
	first := true

	for _, traf := range tree.Children(moof) {
		if tree.Box(traf).Type != bmff.Type("traf") {
			continue
		}

		tfhd, ok := bmff.Payload[*mp4.Tfhd](tree, traf, "tfhd")
		if !ok {
			p.log(logger.Warn, "traf at offset %d has no tfhd, skipping", tree.Box(traf).Offset)
			continue
		}

		info, ok := p.Track(tfhd.TrackID)
		if !ok {
			p.log(logger.Debug, "traf of unknown track %d, skipping", tfhd.TrackID)
			continue
		}

		tf := f.Track(tfhd.TrackID)
		if tf == nil {
			tf = &TrackFragment{TrackID: tfhd.TrackID}
			f.Tracks = append(f.Tracks, tf)
		}

		ctx := &BaseTimeContext{
			Tree:           tree,
			Traf:           traf,
			TrackID:        tfhd.TrackID,
			TrackTimeScale: info.TimeScale,
			TrackCount:     p.TrackCount,
			MoofOffset:     p.MoofOffset,
			FragmentIndex:  p.FragmentIndex,
			Probed:         p.Probed,
			SegmentIndex:   p.SegmentIndex,
			StaticDuration: info.StaticDuration,
			RunningTime:    info.RunningTime,
		}

		var baseTime int64

		if tf.BaseTimeSource == "" {
			baseTime, tf.BaseTimeSource = ResolveBaseTime(ctx)
			tf.BaseTime = baseTime
		} else {
			// another traf of the same track follows the previous one
			baseTime = tf.End()
			if v, ok := baseTimeFromTfdt(ctx); ok {
				baseTime = v
			}
		}

		defaults := info.Defaults.resolve(tfhd)
		tf.Defaults = defaults

		base := trafBaseOffset(tfhd, p.MoofOffset, first, prevEnd)
		first = false

		runs, end := buildRuns(tree, traf, tfhd, defaults, base, baseTime)
		tf.Runs = append(tf.Runs, runs...)
		if n := len(tf.Runs); n != 0 {
			last := &tf.Runs[n-1]
			tf.Duration = last.FirstDTS + last.Duration - tf.BaseTime
		}
		prevEnd = end
	}

	return f
}

func trafBaseOffset(tfhd *mp4.Tfhd, moofOffset uint64, first bool, prevEnd uint64) uint64 {
	flags := fullBoxFlags(tfhd.FullBox)

	switch {
	case flags&tfhdFlagBaseDataOffsetPresent != 0:
		return tfhd.BaseDataOffset

	case flags&tfhdFlagDefaultBaseIsMoof != 0:
		return moofOffset

	case first:
		return moofOffset

	default:
		return prevEnd
	}
}

func buildRuns(
	tree *bmff.Tree,
	traf bmff.Handle,
	tfhd *mp4.Tfhd,
	defaults Defaults,
	base uint64,
	baseTime int64,
) ([]Run, uint64) {
	if fullBoxFlags(tfhd.FullBox)&tfhdFlagDurationIsEmpty != 0 {
		return nil, base
	}

	var runs []Run
	dts := baseTime
	end := base

	for _, h := range tree.Children(traf) {
		trun, ok := tree.Box(h).Payload.(*mp4.Trun)
		if !ok {
			continue
		}

		flags := fullBoxFlags(trun.FullBox)

		r := Run{
			FirstDTS: dts,
			Trun:     trun,
		}

		switch {
		case flags&trunFlagDataOffsetPresent != 0:
			r.Offset = uint64(int64(base) + int64(trun.DataOffset))
		case len(runs) != 0:
			r.Offset = runs[len(runs)-1].End()
		default:
			r.Offset = base
		}

		offset := r.Offset
		r.Samples = make([]Sample, len(trun.Entries))

		for i, e := range trun.Entries {
			s := &r.Samples[i]
			s.Offset = offset
			s.DTS = dts

			s.Duration = defaults.SampleDuration
			if flags&trunFlagSampleDurationPresent != 0 {
				s.Duration = e.SampleDuration
			}

			s.Size = defaults.SampleSize
			if flags&trunFlagSampleSizePresent != 0 {
				s.Size = e.SampleSize
			}

			switch {
			case i == 0 && flags&trunFlagFirstSampleFlagsPresent != 0:
				s.Flags = trun.FirstSampleFlags
			case flags&trunFlagSampleFlagsPresent != 0:
				s.Flags = e.SampleFlags
			default:
				s.Flags = defaults.SampleFlags
			}

			if flags&trunFlagSampleCTOPresent != 0 {
				s.HasPTSOffset = true
				if trun.GetVersion() == 0 {
					s.PTSOffset = int64(e.SampleCompositionTimeOffsetV0)
				} else {
					s.PTSOffset = int64(e.SampleCompositionTimeOffsetV1)
				}
			}

			offset += uint64(s.Size)
			dts += int64(s.Duration)
		}

		r.Size = offset - r.Offset
		r.Duration = dts - r.FirstDTS
		runs = append(runs, r)

		if r.End() > end {
			end = r.End()
		}
	}

	return runs, end
}
