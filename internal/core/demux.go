package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/mp4demux/internal/codec"
	"github.com/bluenviron/mp4demux/internal/conf"
	"github.com/bluenviron/mp4demux/internal/demuxer"
	"github.com/bluenviron/mp4demux/internal/logger"
)

var errTerminated = errors.New("terminated")

type demuxParams struct {
	File   string
	Seek   time.Duration
	Tracks []uint32
}

func trackExtension(p *codec.Params) string {
	if p == nil {
		return "bin"
	}

	switch p.Fourcc {
	case "avc1", "avc3":
		return "h264"
	case "hvc1", "hev1":
		return "h265"
	case "mp4a":
		return "aac"
	}
	return "bin"
}

type trackFile struct {
	path    string
	f       *os.File
	samples int
}

// trackFiles writes the samples of each track into a file.
type trackFiles struct {
	dir      string
	selected map[uint32]struct{}
	parent   logger.Writer

	files map[uint32]*trackFile
}

func (tf *trackFiles) isSelected(id uint32) bool {
	if len(tf.selected) == 0 {
		return true
	}
	_, ok := tf.selected[id]
	return ok
}

// OpenTrack implements demuxer.TrackOpener.
func (tf *trackFiles) OpenTrack(t *demuxer.Track) error {
	if !tf.isSelected(t.ID) || t.Chapter || t.Timecode {
		return nil
	}

	fpath := filepath.Join(tf.dir, fmt.Sprintf("track%d.%s", t.ID, trackExtension(t.Params)))

	f, err := os.Create(fpath)
	if err != nil {
		return err
	}

	tf.files[t.ID] = &trackFile{path: fpath, f: f}
	tf.parent.Log(logger.Info, "writing track %d (%s) into %s", t.ID, t.MediaType, fpath)

	return nil
}

// Deliver implements demuxer.Sink.
func (tf *trackFiles) Deliver(s *demuxer.Sample) error {
	out, ok := tf.files[s.TrackID]
	if !ok {
		return nil
	}

	_, err := out.f.Write(s.Payload)
	if err != nil {
		return err
	}
	out.samples++
	return nil
}

func (tf *trackFiles) close() {
	for id, out := range tf.files {
		out.f.Close()
		tf.parent.Log(logger.Info, "track %d: %d samples written", id, out.samples)
	}
}

// demux writes the samples of the selected tracks into the output directory.
func demux(ctx context.Context, params *demuxParams, c *conf.Conf, parent logger.Writer) error {
	tf := &trackFiles{
		dir:      c.OutputDir,
		selected: make(map[uint32]struct{}),
		parent:   parent,
		files:    make(map[uint32]*trackFile),
	}
	for _, id := range params.Tracks {
		tf.selected[id] = struct{}{}
	}

	s, err := openSession(params.File, c, tf, tf, parent)
	if err != nil {
		return err
	}
	defer s.close()
	defer tf.close()

	for _, t := range s.Tracks() {
		if t.OK() && !tf.isSelected(t.ID) {
			err = s.SetTrackSelected(t.ID, false)
			if err != nil {
				return err
			}
		}
	}

	if params.Seek != 0 {
		err = s.Seek(params.Seek)
		if err != nil {
			return fmt.Errorf("unable to seek to %v: %w", params.Seek, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return errTerminated
		default:
		}

		err = s.Demux()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
