package bmff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/source"
)

// ErrTruncated is returned when a box declares more bytes than available.
var ErrTruncated = errors.New("box exceeds the available data")

// ErrInvalidSize is returned when a box declares a size lower than its header.
var ErrInvalidSize = errors.New("invalid box size")

// BoxError is an error that prevents a box from being parsed.
// Boxes parsed before it are left untouched.
type BoxError struct {
	Type   mp4.BoxType
	Offset uint64
	Err    error
}

// Error implements error.
func (e *BoxError) Error() string {
	return fmt.Sprintf("box '%s' at offset %d: %v", e.Type, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *BoxError) Unwrap() error {
	return e.Err
}

// Reader reads boxes from a source into a Tree.
type Reader struct {
	Source source.Source

	// MaxPayload is the maximum size of a decoded payload.
	// Larger boxes are stored without payload.
	MaxPayload uint64

	Parent logger.Writer
}

func (r *Reader) log(level logger.Level, format string, args ...interface{}) {
	if r.Parent != nil {
		r.Parent.Log(level, format, args...)
	}
}

// ReadChildren reads boxes from the current position of the source and appends them
// to parent, until the end of parent, the end of the source, or a box whose type is
// in stop. It returns the handle of the stop box, or NoBox.
//
// When the source returns ErrNeedMoreData, the box being read is discarded,
// the source is moved back to its header and the error is returned,
// so that the call can be repeated.
func (r *Reader) ReadChildren(t *Tree, parent Handle, stop ...mp4.BoxType) (Handle, error) {
	end, bounded := r.parentEnd(t, parent)
	return r.readChildren(t, parent, end, bounded, 0, stop)
}

func (r *Reader) parentEnd(t *Tree, parent Handle) (uint64, bool) {
	if parent == t.Root() {
		size, ok := r.Source.Size()
		return uint64(size), ok
	}
	return t.Box(parent).End(), true
}

func (r *Reader) readChildren(
	t *Tree,
	parent Handle,
	end uint64,
	bounded bool,
	depth int,
	stop []mp4.BoxType,
) (Handle, error) {
	for {
		pos := uint64(r.Source.Tell())
		if bounded && pos >= end {
			return NoBox, nil
		}

		if bounded && end-pos < 8 {
			r.log(logger.Warn, "ignoring %d trailing bytes at offset %d", end-pos, pos)
			err := r.Source.Seek(int64(end))
			if err != nil {
				return NoBox, err
			}
			return NoBox, nil
		}

		b, err := r.readHeader(end, bounded)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return NoBox, nil
			}
			r.rewind(pos)
			return NoBox, err
		}

		h, err := r.readBox(t, parent, b, depth)
		if err != nil {
			r.rewind(pos)
			return NoBox, err
		}

		for _, typ := range stop {
			if b.Type == typ {
				return h, nil
			}
		}
	}
}

func (r *Reader) rewind(pos uint64) {
	r.Source.Seek(int64(pos)) //nolint:errcheck
}

func (r *Reader) readHeader(end uint64, bounded bool) (Box, error) {
	pos := uint64(r.Source.Tell())

	var buf [16]byte
	n, err := io.ReadFull(r.Source, buf[:8])
	if err != nil {
		if errors.Is(err, source.ErrNeedMoreData) {
			return Box{}, err
		}
		if n == 0 && errors.Is(err, io.EOF) {
			return Box{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Box{}, &BoxError{Offset: pos, Err: ErrTruncated}
		}
		return Box{}, err
	}

	b := Box{
		Offset:     pos,
		Size:       uint64(binary.BigEndian.Uint32(buf[:4])),
		HeaderSize: 8,
	}
	copy(b.Type[:], buf[4:8])

	switch b.Size {
	case 1:
		_, err = io.ReadFull(r.Source, buf[8:16])
		if err != nil {
			return Box{}, r.headerError(b, err)
		}
		b.Size = binary.BigEndian.Uint64(buf[8:16])
		b.HeaderSize = 16

	case 0:
		// the box extends to the end of the stream
		if !bounded {
			size, ok := r.Source.Size()
			if !ok {
				return Box{}, source.ErrNeedMoreData
			}
			end = uint64(size)
		}
		b.Size = end - pos
	}

	if b.Type == Type("uuid") {
		_, err = io.ReadFull(r.Source, b.UserType[:])
		if err != nil {
			return Box{}, r.headerError(b, err)
		}
		b.HeaderSize += 16
	}

	if b.Size < b.HeaderSize {
		return Box{}, &BoxError{Type: b.Type, Offset: pos, Err: ErrInvalidSize}
	}

	if bounded && b.End() > end {
		return Box{}, &BoxError{Type: b.Type, Offset: pos, Err: ErrTruncated}
	}

	return b, nil
}

func (r *Reader) headerError(b Box, err error) error {
	if errors.Is(err, source.ErrNeedMoreData) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &BoxError{Type: b.Type, Offset: b.Offset, Err: ErrTruncated}
	}
	return err
}

func (r *Reader) payloadError(b Box, err error) error {
	if errors.Is(err, source.ErrNeedMoreData) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &BoxError{Type: b.Type, Offset: b.Offset, Err: ErrTruncated}
	}
	return err
}

func (r *Reader) skipTo(b Box, offset uint64) error {
	err := r.Source.Seek(int64(offset))
	if err != nil {
		return r.payloadError(b, err)
	}
	return nil
}

// recoverChildren keeps a container whose children stopped at a malformed box.
// The children read before it are kept and reading resumes after the container.
func (r *Reader) recoverChildren(b Box, err error) error {
	var boxErr *BoxError
	if !errors.As(err, &boxErr) {
		return err
	}

	r.log(logger.Warn, "box '%s' at offset %d: ignoring the rest of its children: %v", b.Type, b.Offset, err)
	return r.skipTo(b, b.End())
}

// skip appends a box without reading its payload.
func (r *Reader) skip(t *Tree, parent Handle, b Box, tooBig bool) (Handle, error) {
	err := r.skipTo(b, b.End())
	if err != nil {
		return NoBox, err
	}

	if tooBig {
		r.log(logger.Warn, "box '%s' at offset %d is too big (%d bytes), skipping", b.Type, b.Offset, b.Size)
	}

	return t.Append(parent, b), nil
}

func (r *Reader) readPayload(b Box) ([]byte, error) {
	buf := make([]byte, b.Size-b.HeaderSize)
	_, err := io.ReadFull(r.Source, buf)
	if err != nil {
		return nil, r.payloadError(b, err)
	}
	return buf, nil
}

func (r *Reader) readBox(t *Tree, parent Handle, b Box, depth int) (Handle, error) {
	payloadSize := b.Size - b.HeaderSize

	_, isContainer := containerTypes[b.Type]
	_, hasFields := fieldsAndChildrenTypes[b.Type]
	_, isDecoded := decodedTypes[b.Type]
	_, isOpaque := opaqueTypes[b.Type]

	if depth >= maxDepth && (isContainer || hasFields) {
		r.log(logger.Warn, "box '%s' at offset %d is nested too deeply, skipping its children", b.Type, b.Offset)
		isContainer, hasFields = false, false
		isOpaque = true
	}

	switch {
	case isContainer:
		h := t.Append(parent, b)

		_, err := r.readChildren(t, h, b.End(), true, depth+1, nil)
		if err != nil {
			err = r.recoverChildren(b, err)
			if err != nil {
				t.unlink(parent, h)
				return NoBox, err
			}
		}

		if b.Type == Type("cmov") {
			r.inflateMovie(t, parent, h)
		}
		return h, nil

	case hasFields:
		if payloadSize > r.MaxPayload {
			return r.skip(t, parent, b, true)
		}

		buf, err := r.readPayload(b)
		if err != nil {
			return NoBox, err
		}

		box, n, err := mp4.UnmarshalAny(bytes.NewReader(buf), b.Type, payloadSize, mp4.Context{})
		if err != nil {
			b.Err = err
			r.log(logger.Warn, "unable to decode box '%s' at offset %d: %v", b.Type, b.Offset, err)
			return t.Append(parent, b), nil
		}
		b.Payload = box

		h := t.Append(parent, b)

		err = r.skipTo(b, b.Offset+b.HeaderSize+n)
		if err != nil {
			t.unlink(parent, h)
			return NoBox, err
		}

		_, err = r.readChildren(t, h, b.End(), true, depth+1, nil)
		if err != nil {
			err = r.recoverChildren(b, err)
			if err != nil {
				t.unlink(parent, h)
				return NoBox, err
			}
		}
		return h, nil

	case isOpaque:
		return r.skip(t, parent, b, false)

	case isDecoded:
		if payloadSize > r.MaxPayload {
			return r.skip(t, parent, b, true)
		}

		buf, err := r.readPayload(b)
		if err != nil {
			return NoBox, err
		}

		box, _, err := mp4.UnmarshalAny(bytes.NewReader(buf), b.Type, payloadSize, mp4.Context{})
		if err != nil {
			b.Err = err
			if payloadSize <= maxRawPayload {
				b.Raw = buf
			}
			r.log(logger.Warn, "unable to decode box '%s' at offset %d: %v", b.Type, b.Offset, err)
		} else {
			b.Payload = box
		}
		return t.Append(parent, b), nil

	default:
		limit := uint64(maxRawPayload)
		if b.Type == Type("cmvd") {
			limit = r.MaxPayload
		}
		if payloadSize > limit {
			return r.skip(t, parent, b, b.Type == Type("cmvd"))
		}

		buf, err := r.readPayload(b)
		if err != nil {
			return NoBox, err
		}
		b.Raw = buf
		return t.Append(parent, b), nil
	}
}
