package core

import (
	"fmt"
	"io"

	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/conf"
	"github.com/bluenviron/mp4demux/internal/demuxer"
	"github.com/bluenviron/mp4demux/internal/logger"
)

func describeCodec(p *codec.Params) string {
	if p == nil {
		return "unknown"
	}

	switch {
	case p.Width != 0:
		return fmt.Sprintf("%s %dx%d", p.Name(), p.Width, p.Height)

	case p.SampleRate != 0:
		return fmt.Sprintf("%s %dHz %dch", p.Name(), p.SampleRate, p.ChannelCount)
	}

	return p.Name()
}

func describeTrack(t *demuxer.Track) string {
	if !t.OK() {
		return fmt.Sprintf("track %d: not usable (%v)", t.ID, t.Err())
	}

	s := fmt.Sprintf("track %d: %s, %s, timescale %d, %d samples, duration %v",
		t.ID, t.MediaType, describeCodec(t.Params), t.TimeScale, t.SampleCount, t.Duration)

	if t.Language != "" {
		s += ", language " + t.Language
	}

	switch {
	case t.Chapter:
		s += ", chapters"
	case t.Timecode:
		s += ", timecodes"
	}

	return s
}

// probe prints the movie and its tracks.
func probe(w io.Writer, fpath string, c *conf.Conf, parent logger.Writer) error {
	s, err := openSession(fpath, c, nil, nil, parent)
	if err != nil {
		return err
	}
	defer s.close()

	if b := s.MajorBrand(); b != "" {
		fmt.Fprintf(w, "brand: %s\n", b)
	}
	fmt.Fprintf(w, "duration: %v\n", s.Duration())
	fmt.Fprintf(w, "fragmented: %v\n", s.Fragmented())

	for _, t := range s.Tracks() {
		fmt.Fprintln(w, describeTrack(t))
	}

	return nil
}
