package test

import (
	"io"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// MP4Writer is a MP4 writer.
type MP4Writer struct {
	buf *seekablebuffer.Buffer
	w   *mp4.Writer
}

// NewMP4Writer allocates a MP4Writer.
func NewMP4Writer() *MP4Writer {
	w := &MP4Writer{
		buf: &seekablebuffer.Buffer{},
	}

	w.w = mp4.NewWriter(w.buf)

	return w
}

// WriteBoxStart writes a box start.
func (w *MP4Writer) WriteBoxStart(box mp4.IImmutableBox) (int, error) {
	bi := &mp4.BoxInfo{
		Type: box.GetType(),
	}
	var err error
	bi, err = w.w.StartBox(bi)
	if err != nil {
		return 0, err
	}

	_, err = mp4.Marshal(w.w, box, mp4.Context{})
	if err != nil {
		return 0, err
	}

	return int(bi.Offset), nil
}

// WriteBoxEnd writes a box end.
func (w *MP4Writer) WriteBoxEnd() error {
	_, err := w.w.EndBox()
	return err
}

// WriteBox writes a self-closing box.
func (w *MP4Writer) WriteBox(box mp4.IImmutableBox) (int, error) {
	off, err := w.WriteBoxStart(box)
	if err != nil {
		return 0, err
	}

	err = w.WriteBoxEnd()
	if err != nil {
		return 0, err
	}

	return off, nil
}

// WriteRawBoxStart writes the start of a box whose payload is written by the caller.
func (w *MP4Writer) WriteRawBoxStart(typ string) (int, error) {
	var t mp4.BoxType
	copy(t[:], typ)

	bi, err := w.w.StartBox(&mp4.BoxInfo{Type: t})
	if err != nil {
		return 0, err
	}

	return int(bi.Offset), nil
}

// WriteRawBox writes a box with an arbitrary payload.
func (w *MP4Writer) WriteRawBox(typ string, payload []byte) (int, error) {
	off, err := w.WriteRawBoxStart(typ)
	if err != nil {
		return 0, err
	}

	_, err = w.w.Write(payload)
	if err != nil {
		return 0, err
	}

	err = w.WriteBoxEnd()
	if err != nil {
		return 0, err
	}

	return off, nil
}

// WriteUUIDBox writes a uuid box.
func (w *MP4Writer) WriteUUIDBox(userType [16]byte, payload []byte) (int, error) {
	return w.WriteRawBox("uuid", append(userType[:], payload...))
}

// RewriteBox rewrites a box.
func (w *MP4Writer) RewriteBox(off int, box mp4.IImmutableBox) error {
	prevOff, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	_, err = w.w.Seek(int64(off), io.SeekStart)
	if err != nil {
		return err
	}

	_, err = w.WriteBoxStart(box)
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd()
	if err != nil {
		return err
	}

	_, err = w.w.Seek(prevOff, io.SeekStart)
	if err != nil {
		return err
	}

	return nil
}

// Offset returns the current write position.
func (w *MP4Writer) Offset() int {
	off, _ := w.w.Seek(0, io.SeekCurrent)
	return int(off)
}

// Bytes returns the MP4 content.
func (w *MP4Writer) Bytes() []byte {
	return w.buf.Bytes()
}
