package bmff

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/abema/go-mp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/require"

	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/source"
	"github.com/bluenviron/mp4demux/internal/test"
)

func rawBox(typ string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(buf)))
	copy(buf[4:], typ)
	copy(buf[8:], payload)
	return buf
}

func largeBox(typ string, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(buf, 1)
	copy(buf[4:], typ)
	binary.BigEndian.PutUint64(buf[8:], uint64(len(buf)))
	copy(buf[16:], payload)
	return buf
}

func concat(bufs ...[]byte) []byte {
	return bytes.Join(bufs, nil)
}

func newFileReader(t *testing.T, buf []byte) *Reader {
	src, err := source.NewFile(bytes.NewReader(buf), true)
	require.NoError(t, err)

	return &Reader{
		Source:     src,
		MaxPayload: 1024 * 1024,
		Parent:     test.NilLogger,
	}
}

func testMovie(t *testing.T) []byte {
	m := &test.Movie{
		TimeScale: 1000,
		Tracks: []*test.Track{
			{
				ID:        1,
				TimeScale: 90000,
				Codec: &mcmp4.CodecH264{
					SPS: test.SPS,
					PPS: test.PPS,
				},
				Samples: []test.Sample{
					{Duration: 3000, Payload: []byte{1, 2}},
					{Duration: 3000, Payload: []byte{3, 4}, IsNonSyncSample: true},
				},
			},
			{
				ID:        2,
				Handler:   "text",
				TimeScale: 1000,
				Samples: []test.Sample{
					{Duration: 1000, Payload: []byte{5}},
				},
			},
		},
	}

	buf, err := m.Marshal()
	require.NoError(t, err)
	return buf
}

func TestReaderMovie(t *testing.T) {
	buf := testMovie(t)
	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	require.Equal(t, 1, tree.Count(tree.Root(), "ftyp"))
	require.Equal(t, 1, tree.Count(tree.Root(), "mdat"))
	require.Equal(t, 2, tree.Count(tree.Root(), "moov/trak"))

	tkhd, ok := Payload[*mp4.Tkhd](tree, tree.Root(), "/moov/trak[1]/tkhd")
	require.True(t, ok)
	require.Equal(t, uint32(2), tkhd.TrackID)

	mdhd, ok := Payload[*mp4.Mdhd](tree, tree.Root(), "moov/trak/mdia/mdhd")
	require.True(t, ok)
	require.Equal(t, uint32(90000), mdhd.Timescale)

	avcc, ok := Payload[*mp4.AVCDecoderConfiguration](tree, tree.Root(),
		"moov/trak/mdia/minf/stbl/stsd/avc1/avcC")
	require.True(t, ok)
	require.Equal(t, test.SPS, avcc.SequenceParameterSets[0].NALUnit)

	stss, ok := Payload[*mp4.Stss](tree, tree.Root(), "moov/trak/mdia/minf/stbl/stss")
	require.True(t, ok)
	require.Equal(t, []uint32{1}, stss.SampleNumber)

	stbl := tree.Get(tree.Root(), "moov/trak[1]/mdia/minf/stbl")
	require.NotEqual(t, NoBox, stbl)
	require.Equal(t, NoBox, tree.Get(stbl, "stss"))
	require.Equal(t, stbl, tree.Get(tree.Get(stbl, "stsz"), ".."))

	require.Equal(t, uint64(len(buf)), tree.Box(tree.Children(tree.Root())[2]).End())
}

func TestReaderSizes(t *testing.T) {
	buf := concat(
		rawBox("free", []byte{1, 2, 3, 4}),
		largeBox("abcd", []byte{5, 6}),
		[]byte{0, 0, 0, 0, 'm', 'd', 'a', 't', 7, 8, 9},
	)

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	children := tree.Children(tree.Root())
	require.Len(t, children, 3)

	b := tree.Box(children[1])
	require.Equal(t, Type("abcd"), b.Type)
	require.Equal(t, uint64(16), b.HeaderSize)
	require.Equal(t, uint64(18), b.Size)
	require.Equal(t, []byte{5, 6}, b.Raw)

	b = tree.Box(children[2])
	require.Equal(t, Type("mdat"), b.Type)
	require.Equal(t, uint64(11), b.Size)
	require.Equal(t, uint64(len(buf)), b.End())
}

func TestReaderTruncated(t *testing.T) {
	buf := concat(
		rawBox("free", []byte{1, 2, 3, 4}),
		rawBox("abcd", []byte{5, 6, 7, 8}),
	)
	binary.BigEndian.PutUint32(buf[12:], 100)

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	var boxErr *BoxError
	require.ErrorAs(t, err, &boxErr)
	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, uint64(12), boxErr.Offset)

	require.Equal(t, 1, tree.Count(tree.Root(), "free"))
	require.Equal(t, 0, tree.Count(tree.Root(), "abcd"))
	require.Equal(t, int64(12), r.Source.Tell())
}

func TestReaderMalformedChild(t *testing.T) {
	trak := rawBox("trak", concat(
		rawBox("abcd", []byte{1, 2}),
		rawBox("efgh", []byte{3, 4}),
	))
	// efgh declares more bytes than trak contains
	binary.BigEndian.PutUint32(trak[8+10:], 100)

	buf := concat(
		rawBox("moov", concat(
			rawBox("free", []byte{1}),
			trak,
			rawBox("free", nil),
		)),
		rawBox("mdat", []byte{1, 2, 3}),
	)

	l := &test.RecordingLogger{}
	r := newFileReader(t, buf)
	r.Parent = l
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	require.Equal(t, 2, tree.Count(tree.Root(), "moov/free"))
	require.Equal(t, 1, tree.Count(tree.Root(), "moov/trak/abcd"))
	require.Equal(t, 0, tree.Count(tree.Root(), "moov/trak/efgh"))
	require.Equal(t, 1, tree.Count(tree.Root(), "mdat"))
	require.Equal(t, 1, l.Count(logger.Warn))
	require.Equal(t, int64(len(buf)), r.Source.Tell())
}

func TestReaderCompressedMovie(t *testing.T) {
	m := &test.Movie{
		TimeScale:  1000,
		Compressed: true,
		Tracks: []*test.Track{
			{
				ID:        1,
				TimeScale: 90000,
				Language:  "ita",
				Codec: &mcmp4.CodecH264{
					SPS: test.SPS,
					PPS: test.PPS,
				},
				Samples: []test.Sample{
					{Duration: 3000, Payload: []byte{1, 2}},
				},
			},
		},
	}
	buf, err := m.Marshal()
	require.NoError(t, err)

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err = r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	require.Equal(t, 1, tree.Count(tree.Root(), "moov/cmov"))
	require.Equal(t, 1, tree.Count(tree.Root(), "moov/mvhd"))
	require.Equal(t, 1, tree.Count(tree.Root(), "moov/trak"))

	mdhd, ok := Payload[*mp4.Mdhd](tree, tree.Root(), "moov/trak/mdia/mdhd")
	require.True(t, ok)
	require.Equal(t, uint32(90000), mdhd.Timescale)

	avcc, ok := Payload[*mp4.AVCDecoderConfiguration](tree, tree.Root(),
		"moov/trak/mdia/minf/stbl/stsd/avc1/avcC")
	require.True(t, ok)
	require.Equal(t, test.SPS, avcc.SequenceParameterSets[0].NALUnit)

	require.Equal(t, int64(len(buf)), r.Source.Tell())
}

func TestReaderCompressedMovieErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		cmov []byte
	}{
		{
			"unsupported algorithm",
			rawBox("cmov", concat(
				rawBox("dcom", []byte("lzma")),
				rawBox("cmvd", []byte{0, 0, 0, 4, 1, 2, 3, 4}),
			)),
		},
		{
			"missing data",
			rawBox("cmov", rawBox("dcom", []byte("zlib"))),
		},
		{
			"corrupted data",
			rawBox("cmov", concat(
				rawBox("dcom", []byte("zlib")),
				rawBox("cmvd", []byte{0, 0, 0, 4, 1, 2, 3, 4}),
			)),
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			buf := concat(
				rawBox("moov", ca.cmov),
				rawBox("mdat", []byte{1, 2, 3}),
			)

			l := &test.RecordingLogger{}
			r := newFileReader(t, buf)
			r.Parent = l
			tree := NewTree()

			_, err := r.ReadChildren(tree, tree.Root())
			require.NoError(t, err)

			require.Equal(t, 1, tree.Count(tree.Root(), "moov/cmov"))
			require.Equal(t, 0, tree.Count(tree.Root(), "moov/trak"))
			require.Equal(t, 1, tree.Count(tree.Root(), "mdat"))
			require.Equal(t, 1, l.Count(logger.Warn))
		})
	}
}

func TestReaderInvalidSize(t *testing.T) {
	buf := rawBox("abcd", nil)
	binary.BigEndian.PutUint32(buf, 4)

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestReaderUndecodablePayload(t *testing.T) {
	buf := concat(
		rawBox("moov", concat(
			rawBox("mvhd", []byte{0, 0}),
			rawBox("free", nil),
		)),
	)

	l := &test.RecordingLogger{}
	r := newFileReader(t, buf)
	r.Parent = l
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	mvhd := tree.Get(tree.Root(), "moov/mvhd")
	require.NotEqual(t, NoBox, mvhd)
	require.Error(t, tree.Box(mvhd).Err)
	require.Equal(t, 1, tree.Count(tree.Root(), "moov/free"))
	require.NotEmpty(t, l.Lines)
}

func TestReaderStop(t *testing.T) {
	buf := concat(
		rawBox("ftyp", []byte{'i', 's', 'o', 'm', 0, 0, 0, 1}),
		rawBox("moof", rawBox("mfhd", []byte{0, 0, 0, 0, 0, 0, 0, 3})),
		rawBox("mdat", []byte{1, 2, 3}),
	)

	r := newFileReader(t, buf)
	tree := NewTree()

	h, err := r.ReadChildren(tree, tree.Root(), Type("moof"))
	require.NoError(t, err)
	require.Equal(t, Type("moof"), tree.Box(h).Type)
	require.Equal(t, 0, tree.Count(tree.Root(), "mdat"))

	mfhd, ok := Payload[*mp4.Mfhd](tree, h, "mfhd")
	require.True(t, ok)
	require.Equal(t, uint32(3), mfhd.SequenceNumber)

	h, err = r.ReadChildren(tree, tree.Root(), Type("moof"))
	require.NoError(t, err)
	require.Equal(t, NoBox, h)
	require.Equal(t, 1, tree.Count(tree.Root(), "mdat"))
}

func TestReaderNeedMoreData(t *testing.T) {
	buf := concat(
		rawBox("ftyp", []byte{'i', 's', 'o', 'm', 0, 0, 0, 1}),
		rawBox("moov", rawBox("mvex", rawBox("abcd", []byte{1, 2, 3, 4}))),
	)

	src := &source.Stream{}
	r := &Reader{
		Source:     src,
		MaxPayload: 1024,
		Parent:     test.NilLogger,
	}
	tree := NewTree()

	_, err := src.Write(buf[:30])
	require.NoError(t, err)

	_, err = r.ReadChildren(tree, tree.Root())
	require.ErrorIs(t, err, source.ErrNeedMoreData)
	require.Equal(t, 1, tree.Count(tree.Root(), "ftyp"))
	require.Equal(t, 0, tree.Count(tree.Root(), "moov"))
	require.Equal(t, int64(16), src.Tell())

	_, err = src.Write(buf[30:])
	require.NoError(t, err)
	src.CloseWrite()

	_, err = r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)
	require.Equal(t, 1, tree.Count(tree.Root(), "ftyp"))
	require.Equal(t, 1, tree.Count(tree.Root(), "moov/mvex/abcd"))
}

func TestReaderTooBig(t *testing.T) {
	buf := rawBox("stts", make([]byte, 64))

	r := newFileReader(t, buf)
	r.MaxPayload = 16
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	b := tree.Box(tree.Get(tree.Root(), "stts"))
	require.Nil(t, b.Payload)
	require.Nil(t, b.Raw)
	require.Equal(t, uint64(72), b.Size)
}

func TestReaderTfxd(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 1
	binary.BigEndian.PutUint64(payload[4:], 123456)
	binary.BigEndian.PutUint64(payload[12:], 1000)

	buf := rawBox("traf", concat(
		rawBox("uuid", concat(TfxdUserType[:], payload)),
	))

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	traf := tree.Get(tree.Root(), "traf")
	tfxd, ok := tree.Tfxd(traf)
	require.True(t, ok)
	require.Equal(t, &Tfxd{AbsoluteTime: 123456, Duration: 1000}, tfxd)
}

func TestReaderTrackReferences(t *testing.T) {
	buf := rawBox("trak", rawBox("tref", rawBox("chap", []byte{0, 0, 0, 3, 0, 0, 0, 4})))

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	trak := tree.Get(tree.Root(), "trak")
	require.Equal(t, []uint32{3, 4}, tree.TrackReferences(trak, "chap"))
	require.Nil(t, tree.TrackReferences(trak, "tmcd"))
}

func TestReaderCslg(t *testing.T) {
	payload := make([]byte, 24)
	binary.BigEndian.PutUint32(payload[4:], uint32(0xfffffc18)) // -1000

	buf := rawBox("stbl", rawBox("cslg", payload))

	r := newFileReader(t, buf)
	tree := NewTree()

	_, err := r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)

	cslg, ok := tree.Cslg(tree.Get(tree.Root(), "stbl"))
	require.True(t, ok)
	require.Equal(t, int64(-1000), cslg.CompositionToDTSShift)
}

func FuzzReader(f *testing.F) {
	f.Add(rawBox("moov", rawBox("trak", nil)))
	f.Add(largeBox("free", nil))
	f.Add([]byte{0, 0, 0, 0, 'm', 'o', 'o', 'v'})

	f.Fuzz(func(_ *testing.T, buf []byte) {
		src, err := source.NewFile(bytes.NewReader(buf), true)
		if err != nil {
			return
		}

		r := &Reader{
			Source:     src,
			MaxPayload: 1024,
			Parent:     test.NilLogger,
		}
		tree := NewTree()
		r.ReadChildren(tree, tree.Root()) //nolint:errcheck
	})
}
