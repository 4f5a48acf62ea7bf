// Package demuxer contains the demuxing session.
package demuxer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/seekindex"
	"github.com/bluenviron/mp4demux/internal/source"
)

const (
	defaultClockIncrement = 100 * time.Millisecond
	defaultMaxBoxPayload  = 64 * 1024 * 1024
)

// ErrNoMovie is returned when the stream has no usable moov.
var ErrNoMovie = errors.New("movie box not found")

// ErrNoTracks is returned when the movie has no tracks.
var ErrNoTracks = errors.New("no tracks found")

// ErrNoUsableTracks is returned when all tracks are unusable.
var ErrNoUsableTracks = errors.New("no usable tracks")

// ErrCannotSeek is returned when no seek strategy is available.
var ErrCannotSeek = errors.New("cannot seek")

var errTrackRejected = errors.New("track rejected")

// Demuxer is a demuxing session.
// It is not safe for concurrent use.
type Demuxer struct {
	Source         source.Source
	Sink           Sink
	Opener         TrackOpener
	ClockIncrement time.Duration
	PreloadWindow  time.Duration
	ProbeFragments bool
	MaxBoxPayload  uint64
	Transforms     codec.Options
	Parent         logger.Writer

	reader         *bmff.Reader
	tree           *bmff.Tree
	moov           bmff.Handle
	majorBrand     string
	movieTimeScale uint32
	duration       time.Duration
	staticDuration time.Duration
	tracks         []*Track

	clock    time.Duration
	clockSet bool

	fragmented       bool
	firstFragmentPos uint64
	firstMoofPos     uint64
	fragmentPos      uint64
	fragmentIndex    int
	fragmentsDone    bool
	fragmentTime     time.Duration
	segmentIndex     *seekindex.SegmentIndex
	randomAccess     *seekindex.RandomAccess
	probe            *seekindex.ProbeIndex
}

// Initialize reads the movie and opens its tracks.
// When it returns source.ErrNeedMoreData, it can be called again once more data is available.
func (d *Demuxer) Initialize() error {
	if d.reader == nil {
		if d.ClockIncrement <= 0 {
			d.ClockIncrement = defaultClockIncrement
		}
		if d.MaxBoxPayload == 0 {
			d.MaxBoxPayload = defaultMaxBoxPayload
		}

		d.reader = &bmff.Reader{
			Source:     d.Source,
			MaxPayload: d.MaxBoxPayload,
			Parent:     d,
		}
		d.tree = bmff.NewTree()
		d.moov = bmff.NoBox
	}

	if d.moov == bmff.NoBox {
		moov, err := d.reader.ReadChildren(d.tree, d.tree.Root(), bmff.Type("moov"))
		if err != nil {
			if errors.Is(err, source.ErrNeedMoreData) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrNoMovie, err)
		}
		if moov == bmff.NoBox {
			return ErrNoMovie
		}
		d.moov = moov
	}

	return d.loadMovie()
}

// Close releases the session.
func (d *Demuxer) Close() {
	d.tree = nil
	d.tracks = nil
	d.probe = nil
}

// Log implements logger.Writer.
func (d *Demuxer) Log(level logger.Level, format string, args ...interface{}) {
	if d.Parent != nil {
		d.Parent.Log(level, "[demuxer] "+format, args...)
	}
}

func (d *Demuxer) loadMovie() error {
	mvhd, ok := bmff.Payload[*mp4.Mvhd](d.tree, d.moov, "mvhd")
	if !ok || mvhd.Timescale == 0 {
		return fmt.Errorf("%w: invalid mvhd", ErrNoMovie)
	}
	d.movieTimeScale = mvhd.Timescale

	if ftyp, ok := bmff.Payload[*mp4.Ftyp](d.tree, d.tree.Root(), "ftyp"); ok {
		d.majorBrand = string(ftyp.MajorBrand[:])
	}

	var duration int64
	if mvhd.GetVersion() == 1 {
		duration = int64(mvhd.DurationV1)
	} else {
		duration = int64(mvhd.DurationV0)
	}

	mvex := d.tree.Get(d.moov, "mvex")
	d.fragmented = mvex != bmff.NoBox

	if mehd, ok := bmff.Payload[*mp4.Mehd](d.tree, mvex, "mehd"); d.fragmented && ok {
		var fd int64
		if mehd.GetVersion() == 1 {
			fd = int64(mehd.FragmentDurationV1)
		} else {
			fd = int64(mehd.FragmentDurationV0)
		}
		if fd > duration {
			duration = fd
		}
	}

	d.duration = durationMp4ToGo(duration, d.movieTimeScale)

	chapters := make(map[uint32]struct{})
	timecodes := make(map[uint32]struct{})

	for _, h := range d.tree.Children(d.moov) {
		if d.tree.Box(h).Type != bmff.Type("trak") {
			continue
		}
		for _, id := range d.tree.TrackReferences(h, "chap") {
			chapters[id] = struct{}{}
		}
		for _, id := range d.tree.TrackReferences(h, "tmcd") {
			timecodes[id] = struct{}{}
		}
	}

	for _, h := range d.tree.Children(d.moov) {
		if d.tree.Box(h).Type != bmff.Type("trak") {
			continue
		}

		t := newTrack(d.tree, h, d.movieTimeScale, mvex)

		if _, ok := chapters[t.ID]; ok {
			t.Chapter = true
		}
		if _, ok := timecodes[t.ID]; ok {
			t.Timecode = true
		}

		if t.paramsErr != nil {
			d.Log(logger.Warn, "track %d: %v", t.ID, t.paramsErr)
		}
		if t.err != nil {
			d.Log(logger.Warn, "track %d is not usable: %v", t.ID, t.err)
		} else if t.index.Truncated {
			d.Log(logger.Warn, "track %d: sample tables disagree, keeping %d samples", t.ID, t.SampleCount)
		}

		d.tracks = append(d.tracks, t)
	}

	if len(d.tracks) == 0 {
		return ErrNoTracks
	}

	if d.duration == 0 {
		for _, t := range d.tracks {
			d.duration = max(d.duration, t.Duration)
		}
	}

	usable := 0

	for _, t := range d.tracks {
		if t.err != nil {
			continue
		}

		if d.Opener != nil {
			err := d.Opener.OpenTrack(t)
			if err != nil {
				t.err = fmt.Errorf("%w: %w", errTrackRejected, err)
				d.Log(logger.Warn, "track %d rejected: %v", t.ID, err)
				continue
			}
		}

		params := t.Params
		if params == nil {
			params = &codec.Params{}
		}
		t.transform = codec.NewTransform(params, d.Transforms)

		d.staticDuration = max(d.staticDuration, t.time(t.index.Duration()))
		t.seekStatic(0)
		usable++
	}

	if usable == 0 {
		return ErrNoUsableTracks
	}

	if d.fragmented {
		d.firstFragmentPos = d.tree.Box(d.moov).End()
		d.fragmentPos = d.firstFragmentPos

		if d.Source.CanSeek() {
			ra, err := seekindex.ReadRandomAccess(d.reader)
			if err == nil {
				d.randomAccess = ra
			} else if !errors.Is(err, seekindex.ErrNoRandomAccess) {
				d.Log(logger.Debug, "unable to read random access index: %v", err)
			}
		}
	}

	d.Log(logger.Debug, "movie loaded: %d tracks, duration %v, fragmented %v",
		len(d.tracks), d.duration, d.fragmented)

	return nil
}

// Tracks returns the tracks of the movie.
func (d *Demuxer) Tracks() []*Track {
	return d.tracks
}

// Track returns a track by ID.
func (d *Demuxer) Track(id uint32) *Track {
	for _, t := range d.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Duration returns the duration of the movie.
func (d *Demuxer) Duration() time.Duration {
	return d.duration
}

// MajorBrand returns the major brand of ftyp, or an empty string when ftyp
// does not precede the movie header.
func (d *Demuxer) MajorBrand() string {
	return d.majorBrand
}

// Fragmented reports whether the movie is fragmented.
func (d *Demuxer) Fragmented() bool {
	return d.fragmented
}

// Clock returns the presentation clock.
func (d *Demuxer) Clock() time.Duration {
	return d.clock
}

// SetTrackSelected selects or deselects a track.
// A selected track is moved to the current clock and rejoins the schedule.
func (d *Demuxer) SetTrackSelected(id uint32, selected bool) error {
	t := d.Track(id)
	if t == nil {
		return fmt.Errorf("track %d not found", id)
	}
	if t.err != nil {
		return fmt.Errorf("track %d is not usable: %w", id, t.err)
	}

	if t.selected == selected {
		return nil
	}
	t.selected = selected

	if !selected {
		t.queue = nil
		return nil
	}

	i, media := t.timeline.mediaTime(d.clock)
	t.timeline.index = i
	t.seekStatic(t.index.FindSample(media))

	t.ended = false
	t.skipping = true
	t.skipUntil = durationGoToMp4(d.clock, t.TimeScale)
	t.discontinuity = true
	return nil
}

func (d *Demuxer) readPayload(offset uint64, size uint32) ([]byte, bool, error) {
	buf := make([]byte, size)
	n, err := source.ReadFullAt(d.Source, int64(offset), buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return buf[:n], true, nil
		}
		return nil, false, err
	}
	return buf, false, nil
}

// trimSource releases the bytes that are not needed anymore.
func (d *Demuxer) trimSource() {
	trimmer, ok := d.Source.(source.Trimmer)
	if !ok {
		return
	}

	var minOffset uint64 = math.MaxUint64

	if d.fragmented && !d.fragmentsDone {
		minOffset = d.fragmentPos
	}

	for _, t := range d.tracks {
		if !t.scheduled() {
			continue
		}
		if p, ok := t.peek(); ok && p.offset < minOffset {
			minOffset = p.offset
		}
	}

	if minOffset != math.MaxUint64 {
		trimmer.Trim(int64(minOffset))
	}
}
