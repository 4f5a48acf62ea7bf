package source

import (
	"fmt"
	"io"
)

// File is a Source backed by an io.ReadSeeker, like an *os.File.
type File struct {
	r        io.ReadSeeker
	fastSeek bool
	pos      int64
	size     int64
}

// NewFile allocates a File.
// fastSeek tells whether seeking is cheap.
func NewFile(r io.ReadSeeker, fastSeek bool) (*File, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	_, err = r.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}

	return &File{
		r:        r,
		fastSeek: fastSeek,
		size:     size,
	}, nil
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	f.pos += int64(n)
	return n, err
}

// Seek implements Source.
func (f *File) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}

	_, err := f.r.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}

	f.pos = offset
	return nil
}

// Tell implements Source.
func (f *File) Tell() int64 {
	return f.pos
}

// Size implements Source.
func (f *File) Size() (int64, bool) {
	return f.size, true
}

// CanSeek implements Source.
func (f *File) CanSeek() bool {
	return true
}

// CanFastSeek implements Source.
func (f *File) CanFastSeek() bool {
	return f.fastSeek
}
