package core

import (
	"os"
	"time"

	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/conf"
	"github.com/bluenviron/mp4demux/internal/demuxer"
	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/source"
)

type session struct {
	*demuxer.Demuxer
	f *os.File
}

func (s *session) close() {
	s.Demuxer.Close()
	s.f.Close()
}

// openSession opens a file and reads its movie.
func openSession(
	fpath string,
	c *conf.Conf,
	sink demuxer.Sink,
	opener demuxer.TrackOpener,
	parent logger.Writer,
) (*session, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, err
	}

	src, err := source.NewFile(f, c.FastSeekable)
	if err != nil {
		f.Close()
		return nil, err
	}

	d := &demuxer.Demuxer{
		Source:         src,
		Sink:           sink,
		Opener:         opener,
		ClockIncrement: time.Duration(c.ClockIncrement),
		PreloadWindow:  time.Duration(c.PreloadWindow),
		ProbeFragments: c.ProbeFragments,
		MaxBoxPayload:  uint64(c.MaxBoxPayload),
		Transforms: codec.Options{
			AnnexB: c.AnnexB,
			ADTS:   c.ADTS,
		},
		Parent: parent,
	}
	err = d.Initialize()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &session{Demuxer: d, f: f}, nil
}
