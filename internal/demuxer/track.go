package demuxer

import (
	"fmt"
	"time"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/elst"
	"github.com/bluenviron/mp4demux/internal/fragment"
	"github.com/bluenviron/mp4demux/internal/stbl"
)

// Track is a track of the movie.
type Track struct {
	ID          uint32
	MediaType   codec.MediaType
	Params      *codec.Params
	TimeScale   uint32
	Duration    time.Duration
	SampleCount uint32

	// Language is the ISO-639-2 code of mdhd, empty when unset.
	Language string

	// Chapter is true when the track is referenced as chapter source.
	Chapter bool

	// Timecode is true when the track carries timecodes.
	Timecode bool

	err       error
	paramsErr error
	selected  bool
	index     *stbl.Index
	defaults  fragment.Defaults
	timeline  *timeline
	transform codec.Transform

	// static cursor
	sample uint32
	chunk  int
	offset uint64

	// fragmented cursor
	queue       []fragment.Sample
	runningTime int64

	skipping      bool
	skipUntil     int64
	ended         bool
	discontinuity bool
}

// OK reports whether the track is usable.
func (t *Track) OK() bool {
	return t.err == nil
}

// Err returns the reason why the track is not usable.
func (t *Track) Err() error {
	return t.err
}

// Selected reports whether the samples of the track are delivered.
func (t *Track) Selected() bool {
	return t.selected
}

// scheduled reports whether the track takes part in scheduling and EOF accounting.
func (t *Track) scheduled() bool {
	return t.err == nil &&
		t.selected &&
		!t.Chapter &&
		!t.Timecode &&
		t.MediaType != codec.MediaTypeMetadata
}

func newTrack(tree *bmff.Tree, trak bmff.Handle, movieTimeScale uint32, mvex bmff.Handle) *Track {
	t := &Track{
		selected: true,
	}

	tkhd, ok := bmff.Payload[*mp4.Tkhd](tree, trak, "tkhd")
	if !ok {
		t.err = fmt.Errorf("tkhd not found")
		return t
	}
	t.ID = tkhd.TrackID

	if hdlr, ok := bmff.Payload[*mp4.Hdlr](tree, trak, "mdia/hdlr"); ok {
		t.MediaType = codec.MediaTypeFromHandler(hdlr.HandlerType)
		t.Timecode = string(hdlr.HandlerType[:]) == "tmcd"
	} else {
		t.MediaType = codec.MediaTypeMetadata
	}

	mdhd, ok := bmff.Payload[*mp4.Mdhd](tree, trak, "mdia/mdhd")
	if !ok {
		t.err = fmt.Errorf("mdhd not found")
		return t
	}

	t.TimeScale = mdhd.Timescale
	t.Language = mdhdLanguage(mdhd.Language)
	if t.TimeScale == 0 {
		t.err = fmt.Errorf("invalid timescale")
		return t
	}

	stblH := tree.Get(trak, "mdia/minf/stbl")
	if stblH == bmff.NoBox {
		t.err = fmt.Errorf("stbl not found")
		return t
	}

	stsd := tree.Get(stblH, "stsd")
	if stsd == bmff.NoBox || len(tree.Children(stsd)) == 0 {
		t.err = fmt.Errorf("sample description not found")
		return t
	}

	var err error
	t.Params, err = codec.ParamsFromSampleEntry(tree, tree.Children(stsd)[0])
	if err != nil {
		// the track stays usable, parameters may be found in band
		t.paramsErr = err
	}

	elstBox, _ := bmff.Payload[*mp4.Elst](tree, trak, "edts/elst")
	t.timeline = newTimeline(elst.FromBox(elstBox, movieTimeScale, t.TimeScale), t.TimeScale)

	tables, err := stbl.TablesFromBox(tree, stblH)
	if err != nil {
		t.err = err
		return t
	}

	t.index, err = stbl.Build(tables)
	if err != nil {
		t.err = err
		return t
	}

	t.SampleCount = t.index.SampleCount
	t.runningTime = t.index.Duration()

	var duration int64
	if mdhd.GetVersion() == 1 {
		duration = int64(mdhd.DurationV1)
	} else {
		duration = int64(mdhd.DurationV0)
	}
	if duration == 0 {
		duration = t.index.Duration()
	}
	t.Duration = durationMp4ToGo(duration, t.TimeScale)

	t.defaults = fragment.DefaultsFromTrex(nil)
	if mvex != bmff.NoBox {
		for _, h := range tree.Children(mvex) {
			if trex, ok := tree.Box(h).Payload.(*mp4.Trex); ok && trex.TrackID == t.ID {
				t.defaults = fragment.DefaultsFromTrex(trex)
			}
		}
	}

	return t
}

func (t *Track) info() *fragment.TrackInfo {
	var static int64
	if t.index != nil {
		static = t.index.Duration()
	}

	return &fragment.TrackInfo{
		Defaults:       t.defaults,
		TimeScale:      t.TimeScale,
		StaticDuration: static,
		RunningTime:    t.runningTime,
	}
}

// pending is the next sample of a track.
type pending struct {
	offset   uint64
	size     uint32
	dts      int64
	duration uint32
	ptsDelta int64
	hasPTS   bool
	sync     bool
	static   bool
}

func (t *Track) staticRemaining() bool {
	return t.index != nil && t.sample < t.index.SampleCount
}

func (t *Track) hasPending() bool {
	return !t.ended && (t.staticRemaining() || len(t.queue) != 0)
}

func (t *Track) peek() (pending, bool) {
	if t.ended {
		return pending{}, false
	}

	if t.staticRemaining() {
		ptsDelta, hasPTS := t.index.PTSDelta(t.sample)
		return pending{
			offset:   t.offset,
			size:     t.index.SampleSize(t.sample),
			dts:      t.index.DTS(t.sample),
			duration: t.index.SampleDuration(t.sample),
			ptsDelta: ptsDelta,
			hasPTS:   hasPTS,
			sync:     t.index.IsSync(t.sample),
			static:   true,
		}, true
	}

	if len(t.queue) != 0 {
		s := &t.queue[0]
		return pending{
			offset:   s.Offset,
			size:     s.Size,
			dts:      s.DTS,
			duration: s.Duration,
			ptsDelta: s.PTSOffset,
			hasPTS:   s.HasPTSOffset,
			sync:     s.IsSync(),
		}, true
	}

	return pending{}, false
}

func (t *Track) advance() {
	if t.staticRemaining() {
		t.offset += uint64(t.index.SampleSize(t.sample))
		t.sample++

		// empty chunks are skipped
		for t.chunk+1 < len(t.index.Chunks) {
			c := &t.index.Chunks[t.chunk]
			if t.sample < c.FirstSample+c.SampleCount {
				break
			}
			t.chunk++
			t.offset = t.index.Chunks[t.chunk].Offset
		}
		return
	}

	if len(t.queue) != 0 {
		t.queue[0] = fragment.Sample{}
		t.queue = t.queue[1:]
	}
}

// seekStatic moves the static cursor to a sample.
func (t *Track) seekStatic(sample uint32) {
	if t.index == nil {
		return
	}

	t.sample = sample
	if sample >= t.index.SampleCount {
		t.sample = t.index.SampleCount
		return
	}

	t.chunk = t.index.ChunkOf(sample)
	t.offset = t.index.SampleOffset(sample)
}

// prepare applies edit transitions and pending skips to the next sample.
// It returns the next sample and its presentation-aligned decode time.
func (t *Track) prepare() (pending, int64, bool) {
	for {
		p, ok := t.peek()
		if !ok {
			return pending{}, 0, false
		}

		i, dts := t.timeline.resolve(p.dts)

		if i != t.timeline.index {
			t.timeline.index = i
			t.discontinuity = true

			if mt, ok := t.timeline.entryMediaTime(i); ok && p.static && p.dts < mt {
				t.seekStatic(t.index.FindSample(mt))
				continue
			}
		}

		if t.skipping {
			if dts < t.skipUntil {
				t.advance()
				continue
			}
			t.skipping = false
		}

		return p, dts, true
	}
}

func (t *Track) time(v int64) time.Duration {
	return durationMp4ToGo(v, t.TimeScale)
}

// mdhdLanguage decodes the packed ISO-639-2 code of mdhd.
// Values below 0x400 are Macintosh language codes and are not decoded.
func mdhdLanguage(l [3]byte) string {
	if l[0]&0x1f == 0 {
		return ""
	}

	var b [3]byte
	for i, c := range l {
		b[i] = c&0x1f + 0x60
	}
	return string(b[:])
}
