// Package source contains the byte sources a demuxing session reads from.
package source

import (
	"errors"
	"io"
)

// ErrNeedMoreData is returned when the requested bytes are not available yet.
// The operation can be retried once more data has been provided.
var ErrNeedMoreData = errors.New("not enough data available yet")

// Source is a byte source.
type Source interface {
	io.Reader

	// Seek moves the read position to an absolute offset.
	Seek(offset int64) error

	// Tell returns the current read position.
	Tell() int64

	// Size returns the total length of the source, when known.
	Size() (int64, bool)

	// CanSeek reports whether Seek can move backward.
	CanSeek() bool

	// CanFastSeek reports whether seeking is cheap (local storage).
	CanFastSeek() bool
}

// Trimmer is implemented by sources that retain already read bytes.
type Trimmer interface {
	// Trim releases all bytes before offset.
	Trim(offset int64)
}

// ReadFullAt reads len(buf) bytes at offset.
// On a short read at the end of the source, the bytes read so far are returned
// with io.ErrUnexpectedEOF.
func ReadFullAt(s Source, offset int64, buf []byte) (int, error) {
	if s.Tell() != offset {
		err := s.Seek(offset)
		if err != nil {
			return 0, err
		}
	}

	n, err := io.ReadFull(s, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
