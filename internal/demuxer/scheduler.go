package demuxer

import (
	"io"
	"math"
	"sort"
	"time"

	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/logger"
)

type candidate struct {
	track *Track
	p     pending
	dts   int64
}

// Demux moves the clock forward by ClockIncrement and delivers to the Sink
// every sample presented before the new clock, in file order.
// It returns io.EOF when all scheduled tracks have ended.
// When it returns source.ErrNeedMoreData, it can be called again once more data is available.
func (d *Demuxer) Demux() error {
	if !d.clockSet {
		err := d.initClock()
		if err != nil {
			return err
		}
	}

	target := d.clock + d.ClockIncrement

	// samples can be read ahead of the clock only when seeking is expensive
	window := target
	if !d.Source.CanFastSeek() {
		window += d.PreloadWindow
	}

	for {
		n, err := d.demuxPass(target, window)
		if err != nil {
			return err
		}
		if n != 0 {
			continue
		}

		loaded, err := d.maybeLoadFragment(window)
		if err != nil {
			return err
		}
		if !loaded {
			break
		}
	}

	if d.ended() {
		return io.EOF
	}

	d.clock = target
	return nil
}

// initClock moves the clock to the first sample of the scheduled tracks.
func (d *Demuxer) initClock() error {
	for {
		var first time.Duration
		found := false

		for _, t := range d.tracks {
			if !t.scheduled() {
				continue
			}
			_, dts, ok := t.prepare()
			if !ok {
				continue
			}
			if v := t.time(dts); !found || v < first {
				first = v
				found = true
			}
		}

		if found {
			d.clock = first
			break
		}

		if !d.fragmented || d.fragmentsDone {
			d.clock = 0
			break
		}

		err := d.loadFragment()
		if err != nil {
			return err
		}
	}

	d.clockSet = true
	d.Log(logger.Debug, "clock starts at %v", d.clock)
	return nil
}

// demuxPass delivers at most one sample of every track.
// Tracks are eligible when their next sample is presented before target.
// Samples presented before window are preloaded when they precede
// the eligible ones in the file.
func (d *Demuxer) demuxPass(target time.Duration, window time.Duration) (int, error) {
	var eligible []candidate
	var preload []candidate
	var minOffset uint64 = math.MaxUint64

	for _, t := range d.tracks {
		if !t.scheduled() {
			continue
		}

		p, dts, ok := t.prepare()
		if !ok {
			continue
		}

		switch v := t.time(dts); {
		case v < target:
			eligible = append(eligible, candidate{t, p, dts})
			minOffset = min(minOffset, p.offset)

		case v < window:
			preload = append(preload, candidate{t, p, dts})
		}
	}

	for _, c := range preload {
		if c.p.offset < minOffset {
			eligible = append(eligible, c)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].p.offset < eligible[j].p.offset
	})

	for _, c := range eligible {
		err := d.deliver(c.track, c.p, c.dts)
		if err != nil {
			return 0, err
		}
	}

	return len(eligible), nil
}

// maybeLoadFragment loads the next fragment when a scheduled track has no samples
// left and the fragments read so far do not cover window.
func (d *Demuxer) maybeLoadFragment(window time.Duration) (bool, error) {
	if !d.fragmented || d.fragmentsDone {
		return false, nil
	}

	need := false
	allEmpty := true

	for _, t := range d.tracks {
		if !t.scheduled() || t.ended {
			continue
		}
		if t.hasPending() {
			allEmpty = false
		} else {
			need = true
		}
	}

	if !need || (!allEmpty && d.fragmentTime >= window) {
		return false, nil
	}

	err := d.loadFragment()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Demuxer) ended() bool {
	for _, t := range d.tracks {
		if !t.scheduled() || t.ended {
			continue
		}
		if t.hasPending() {
			return false
		}
		if d.fragmented && !d.fragmentsDone {
			return false
		}
	}
	return true
}

func (d *Demuxer) deliver(t *Track, p pending, dts int64) error {
	payload, corrupted, err := d.readPayload(p.offset, p.size)
	if err != nil {
		return err
	}

	t.advance()

	if corrupted {
		d.Log(logger.Warn, "track %d: sample at offset %d is truncated", t.ID, p.offset)
		t.ended = true
		if len(payload) == 0 {
			return nil
		}
	}

	s := &Sample{
		TrackID:  t.ID,
		DTS:      t.time(dts),
		Duration: t.time(int64(p.duration)),
	}

	switch {
	case p.hasPTS:
		s.PTS = t.time(dts + p.ptsDelta)
		s.PTSValid = true

	case t.MediaType != codec.MediaTypeVideo:
		s.PTS = s.DTS
		s.PTSValid = true
	}

	if p.sync {
		s.Flags |= FlagSync
	}
	if corrupted {
		s.Flags |= FlagCorrupted
	}

	out, err := t.transform.Transform(payload, p.sync)
	if err != nil {
		d.Log(logger.Warn, "track %d: unable to process sample: %v", t.ID, err)
		return nil
	}
	if out == nil {
		return nil
	}
	s.Payload = out

	if t.discontinuity {
		s.Flags |= FlagDiscontinuity
		t.discontinuity = false
	}

	if d.Sink == nil {
		return nil
	}
	return d.Sink.Deliver(s)
}
