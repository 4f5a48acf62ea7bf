package bmff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/source"
)

// inflateMovie decompresses a 'cmov' box and appends the boxes of the
// uncompressed movie header to the 'moov' that contains it.
// Offsets of the appended boxes are relative to the uncompressed data.
// Failures are logged and leave the movie header as it is.
func (r *Reader) inflateMovie(t *Tree, moov Handle, cmov Handle) {
	c := t.Box(cmov)

	if t.Box(moov).Type != Type("moov") {
		r.log(logger.Warn, "box 'cmov' at offset %d is outside a movie header, ignoring", c.Offset)
		return
	}

	dcom := t.Get(cmov, "dcom")
	cmvd := t.Get(cmov, "cmvd")
	if dcom == NoBox || cmvd == NoBox || len(t.Box(dcom).Raw) < 4 || len(t.Box(cmvd).Raw) < 4 {
		r.log(logger.Warn, "box 'cmov' at offset %d is incomplete, ignoring", c.Offset)
		return
	}

	if algo := string(t.Box(dcom).Raw[:4]); algo != "zlib" {
		r.log(logger.Warn, "box 'cmov' at offset %d: unsupported compression '%s'", c.Offset, algo)
		return
	}

	data := t.Box(cmvd).Raw
	size := uint64(binary.BigEndian.Uint32(data[:4]))
	if size > r.MaxPayload {
		r.log(logger.Warn, "box 'cmov' at offset %d is too big once uncompressed (%d bytes), ignoring", c.Offset, size)
		return
	}

	zr, err := zlib.NewReader(bytes.NewReader(data[4:]))
	if err != nil {
		r.log(logger.Warn, "box 'cmov' at offset %d: %v", c.Offset, err)
		return
	}
	defer zr.Close()

	buf, err := io.ReadAll(io.LimitReader(zr, int64(size)))
	if err != nil {
		r.log(logger.Warn, "box 'cmov' at offset %d: %v", c.Offset, err)
		return
	}

	if uint64(len(buf)) != size {
		r.log(logger.Warn, "box 'cmov' at offset %d: uncompressed size is %d, expected %d", c.Offset, len(buf), size)
	}

	src, err := source.NewFile(bytes.NewReader(buf), true)
	if err != nil {
		r.log(logger.Warn, "box 'cmov' at offset %d: %v", c.Offset, err)
		return
	}

	sub := &Reader{
		Source:     src,
		MaxPayload: r.MaxPayload,
		Parent:     r.Parent,
	}
	inner := NewTree()

	h, err := sub.ReadChildren(inner, inner.Root(), Type("moov"))
	if err != nil || h == NoBox {
		r.log(logger.Warn, "box 'cmov' at offset %d does not contain a movie header", c.Offset)
		return
	}

	for _, ch := range inner.Children(h) {
		inner.copyInto(t, moov, ch)
	}

	r.log(logger.Debug, "box 'cmov' at offset %d: uncompressed %d bytes", c.Offset, len(buf))
}
