package source

import (
	"fmt"
	"io"
)

// Stream is a Source fed incrementally, like data coming from a network.
// It keeps every byte written since the last Trim, so that the reader can
// move backward inside the retained window.
type Stream struct {
	buf    []byte
	start  int64 // offset of buf[0]
	pos    int64
	closed bool
}

// Write appends data to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream is closed")
	}
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// CloseWrite signals that no more data will be written.
func (s *Stream) CloseWrite() {
	s.closed = true
}

func (s *Stream) end() int64 {
	return s.start + int64(len(s.buf))
}

// Read implements io.Reader.
// It returns ErrNeedMoreData when the stream is open and no byte is available.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	avail := s.end() - s.pos
	if avail <= 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, ErrNeedMoreData
	}

	n := copy(p, s.buf[s.pos-s.start:])
	s.pos += int64(n)
	return n, nil
}

// Seek implements Source.
// Seeking before the retained window fails, seeking past the written data
// returns ErrNeedMoreData until enough data is written.
func (s *Stream) Seek(offset int64) error {
	if offset < s.start {
		return fmt.Errorf("offset %d has already been released", offset)
	}

	if offset > s.end() {
		if s.closed {
			return io.ErrUnexpectedEOF
		}
		return ErrNeedMoreData
	}

	s.pos = offset
	return nil
}

// Tell implements Source.
func (s *Stream) Tell() int64 {
	return s.pos
}

// Size implements Source.
func (s *Stream) Size() (int64, bool) {
	if s.closed {
		return s.end(), true
	}
	return 0, false
}

// CanSeek implements Source.
func (s *Stream) CanSeek() bool {
	return false
}

// CanFastSeek implements Source.
func (s *Stream) CanFastSeek() bool {
	return false
}

// Trim implements Trimmer.
func (s *Stream) Trim(offset int64) {
	if offset > s.pos {
		offset = s.pos
	}
	if offset <= s.start {
		return
	}

	s.buf = append([]byte(nil), s.buf[offset-s.start:]...)
	s.start = offset
}
