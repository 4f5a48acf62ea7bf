package test

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// SPS is a 1920x1080 baseline H264 SPS.
var SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

// PPS is a H264 PPS.
var PPS = []byte{0x08, 0x06, 0x07, 0x08}

// Sample is a sample of a test track.
type Sample struct {
	Duration        uint32
	PTSOffset       int32
	IsNonSyncSample bool
	Payload         []byte
}

// Edit is an edit list entry of a test track.
type Edit struct {
	SegmentDuration uint64
	MediaTime       int64
	MediaRate       int16
}

// Track is a test track.
type Track struct {
	ID        uint32
	Handler   string
	TimeScale uint32

	// Codec is the codec of the sample entry.
	// When nil, an empty sample entry of type SampleEntryType is written.
	Codec           mcmp4.Codec
	SampleEntryType string

	Edits            []Edit
	CompositionShift int32
	ChapterTrackIDs  []uint32
	Co64             bool

	// ISO-639-2 code, "und" when empty
	Language string

	// progressive movies
	Samples         []Sample
	SamplesPerChunk int

	// fragmented movies
	DefaultSampleDuration uint32
}

func (t *Track) language() [3]byte {
	if t.Language == "" {
		return [3]byte{'u', 'n', 'd'}
	}
	var l [3]byte
	copy(l[:], t.Language)
	return l
}

func (t *Track) handler() [4]byte {
	var h [4]byte
	if t.Handler != "" {
		copy(h[:], t.Handler)
		return h
	}

	switch t.Codec.(type) {
	case *mcmp4.CodecH264:
		copy(h[:], "vide")
	default:
		copy(h[:], "soun")
	}
	return h
}

func (t *Track) samplesPerChunk() int {
	if t.SamplesPerChunk <= 0 {
		return 1
	}
	return t.SamplesPerChunk
}

func (t *Track) chunks() [][]Sample {
	var out [][]Sample
	n := t.samplesPerChunk()
	for i := 0; i < len(t.Samples); i += n {
		end := i + n
		if end > len(t.Samples) {
			end = len(t.Samples)
		}
		out = append(out, t.Samples[i:end])
	}
	return out
}

func (t *Track) duration() uint64 {
	var d uint64
	for _, s := range t.Samples {
		d += uint64(s.Duration)
	}
	return d
}

func writeSampleEntry(w *MP4Writer, t *Track) error {
	switch codec := t.Codec.(type) {
	case *mcmp4.CodecH264:
		var sps h264.SPS
		err := sps.Unmarshal(codec.SPS)
		if err != nil {
			return err
		}

		_, err = w.WriteBoxStart(&mp4.VisualSampleEntry{ // <avc1>
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox: mp4.AnyTypeBox{
					Type: mp4.BoxTypeAvc1(),
				},
				DataReferenceIndex: 1,
			},
			Width:           uint16(sps.Width()),
			Height:          uint16(sps.Height()),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})
		if err != nil {
			return err
		}

		_, err = w.WriteBox(&mp4.AVCDecoderConfiguration{ // <avcC/>
			AnyTypeBox: mp4.AnyTypeBox{
				Type: mp4.BoxTypeAvcC(),
			},
			ConfigurationVersion:       1,
			Profile:                    sps.ProfileIdc,
			ProfileCompatibility:       codec.SPS[2],
			Level:                      sps.LevelIdc,
			LengthSizeMinusOne:         3,
			NumOfSequenceParameterSets: 1,
			SequenceParameterSets: []mp4.AVCParameterSet{{
				Length:  uint16(len(codec.SPS)),
				NALUnit: codec.SPS,
			}},
			NumOfPictureParameterSets: 1,
			PictureParameterSets: []mp4.AVCParameterSet{{
				Length:  uint16(len(codec.PPS)),
				NALUnit: codec.PPS,
			}},
		})
		if err != nil {
			return err
		}

		return w.WriteBoxEnd() // </avc1>

	case *mcmp4.CodecMPEG4Audio:
		enc, err := codec.Config.Marshal()
		if err != nil {
			return err
		}

		_, err = w.WriteBoxStart(&mp4.AudioSampleEntry{ // <mp4a>
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox: mp4.AnyTypeBox{
					Type: mp4.BoxTypeMp4a(),
				},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(codec.Config.ChannelCount),
			SampleSize:   16,
			SampleRate:   uint32(codec.Config.SampleRate * 65536),
		})
		if err != nil {
			return err
		}

		_, err = w.WriteBox(&mp4.Esds{ // <esds/>
			Descriptors: []mp4.Descriptor{
				{
					Tag:  mp4.ESDescrTag,
					Size: 32 + uint32(len(enc)),
					ESDescriptor: &mp4.ESDescriptor{
						ESID: uint16(t.ID),
					},
				},
				{
					Tag:  mp4.DecoderConfigDescrTag,
					Size: 18 + uint32(len(enc)),
					DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
						ObjectTypeIndication: 0x40,
						StreamType:           0x05,
						Reserved:             true,
						MaxBitrate:           128825,
						AvgBitrate:           128825,
					},
				},
				{
					Tag:  mp4.DecSpecificInfoTag,
					Size: uint32(len(enc)),
					Data: enc,
				},
				{
					Tag:  mp4.SLConfigDescrTag,
					Size: 1,
					Data: []byte{0x02},
				},
			},
		})
		if err != nil {
			return err
		}

		return w.WriteBoxEnd() // </mp4a>

	default:
		typ := t.SampleEntryType
		if typ == "" {
			typ = "mp4s"
		}

		// reserved(6) + data_reference_index(2)
		_, err := w.WriteRawBox(typ, []byte{0, 0, 0, 0, 0, 0, 0, 1})
		return err
	}
}

type chunkTables struct {
	stts   []mp4.SttsEntry
	ctts   []mp4.CttsEntry
	stsc   []mp4.StscEntry
	stsz   []uint32
	stss   []uint32
	hasCTS bool
}

func buildTables(t *Track) chunkTables {
	var ct chunkTables

	for i, s := range t.Samples {
		if n := len(ct.stts); n > 0 && ct.stts[n-1].SampleDelta == s.Duration {
			ct.stts[n-1].SampleCount++
		} else {
			ct.stts = append(ct.stts, mp4.SttsEntry{SampleCount: 1, SampleDelta: s.Duration})
		}

		if s.PTSOffset != 0 {
			ct.hasCTS = true
		}
		if n := len(ct.ctts); n > 0 && ct.ctts[n-1].SampleOffsetV1 == s.PTSOffset {
			ct.ctts[n-1].SampleCount++
		} else {
			ct.ctts = append(ct.ctts, mp4.CttsEntry{SampleCount: 1, SampleOffsetV1: s.PTSOffset})
		}

		ct.stsz = append(ct.stsz, uint32(len(s.Payload)))

		if !s.IsNonSyncSample {
			ct.stss = append(ct.stss, uint32(i+1))
		}
	}

	for i, c := range t.chunks() {
		if n := len(ct.stsc); n > 0 && ct.stsc[n-1].SamplesPerChunk == uint32(len(c)) {
			continue
		}
		ct.stsc = append(ct.stsc, mp4.StscEntry{
			FirstChunk:             uint32(i + 1),
			SamplesPerChunk:        uint32(len(c)),
			SampleDescriptionIndex: 1,
		})
	}

	return ct
}

func writeEdits(w *MP4Writer, t *Track) error {
	if len(t.Edits) == 0 {
		return nil
	}

	_, err := w.WriteBoxStart(&mp4.Edts{}) // <edts>
	if err != nil {
		return err
	}

	elst := &mp4.Elst{
		FullBox: mp4.FullBox{
			Version: 1,
		},
		EntryCount: uint32(len(t.Edits)),
	}
	for _, e := range t.Edits {
		elst.Entries = append(elst.Entries, mp4.ElstEntry{
			SegmentDurationV1: e.SegmentDuration,
			MediaTimeV1:       e.MediaTime,
			MediaRateInteger:  e.MediaRate,
		})
	}

	_, err = w.WriteBox(elst) // <elst/>
	if err != nil {
		return err
	}

	return w.WriteBoxEnd() // </edts>
}

func writeTrackReferences(w *MP4Writer, t *Track) error {
	if len(t.ChapterTrackIDs) == 0 {
		return nil
	}

	_, err := w.WriteRawBoxStart("tref") // <tref>
	if err != nil {
		return err
	}

	payload := make([]byte, 4*len(t.ChapterTrackIDs))
	for i, id := range t.ChapterTrackIDs {
		binary.BigEndian.PutUint32(payload[i*4:], id)
	}

	_, err = w.WriteRawBox("chap", payload) // <chap/>
	if err != nil {
		return err
	}

	return w.WriteBoxEnd() // </tref>
}

// writeTrak writes a trak. chunkOffsets is nil for fragmented movies.
func writeTrak(w *MP4Writer, t *Track, movieDuration uint64, chunkOffsets []uint64) error {
	_, err := w.WriteBoxStart(&mp4.Trak{}) // <trak>
	if err != nil {
		return err
	}

	_, err = w.WriteBox(&mp4.Tkhd{ // <tkhd/>
		FullBox: mp4.FullBox{
			Version: 1,
			Flags:   [3]byte{0, 0, 3},
		},
		TrackID:    t.ID,
		DurationV1: movieDuration,
		Matrix:     [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
	})
	if err != nil {
		return err
	}

	err = writeTrackReferences(w, t)
	if err != nil {
		return err
	}

	err = writeEdits(w, t)
	if err != nil {
		return err
	}

	_, err = w.WriteBoxStart(&mp4.Mdia{}) // <mdia>
	if err != nil {
		return err
	}

	_, err = w.WriteBox(&mp4.Mdhd{ // <mdhd/>
		FullBox: mp4.FullBox{
			Version: 1,
		},
		Timescale:  t.TimeScale,
		DurationV1: t.duration(),
		Language:   t.language(),
	})
	if err != nil {
		return err
	}

	_, err = w.WriteBox(&mp4.Hdlr{ // <hdlr/>
		HandlerType: t.handler(),
		Name:        "Handler",
	})
	if err != nil {
		return err
	}

	_, err = w.WriteBoxStart(&mp4.Minf{}) // <minf>
	if err != nil {
		return err
	}

	_, err = w.WriteBoxStart(&mp4.Stbl{}) // <stbl>
	if err != nil {
		return err
	}

	_, err = w.WriteBoxStart(&mp4.Stsd{ // <stsd>
		EntryCount: 1,
	})
	if err != nil {
		return err
	}

	err = writeSampleEntry(w, t)
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </stsd>
	if err != nil {
		return err
	}

	ct := buildTables(t)

	_, err = w.WriteBox(&mp4.Stts{ // <stts/>
		EntryCount: uint32(len(ct.stts)),
		Entries:    ct.stts,
	})
	if err != nil {
		return err
	}

	if ct.hasCTS {
		_, err = w.WriteBox(&mp4.Ctts{ // <ctts/>
			FullBox: mp4.FullBox{
				Version: 1,
			},
			EntryCount: uint32(len(ct.ctts)),
			Entries:    ct.ctts,
		})
		if err != nil {
			return err
		}
	}

	if t.CompositionShift != 0 {
		payload := make([]byte, 24)
		binary.BigEndian.PutUint32(payload[4:], uint32(t.CompositionShift))
		_, err = w.WriteRawBox("cslg", payload) // <cslg/>
		if err != nil {
			return err
		}
	}

	if len(ct.stss) != len(t.Samples) {
		_, err = w.WriteBox(&mp4.Stss{ // <stss/>
			EntryCount:   uint32(len(ct.stss)),
			SampleNumber: ct.stss,
		})
		if err != nil {
			return err
		}
	}

	_, err = w.WriteBox(&mp4.Stsc{ // <stsc/>
		EntryCount: uint32(len(ct.stsc)),
		Entries:    ct.stsc,
	})
	if err != nil {
		return err
	}

	_, err = w.WriteBox(&mp4.Stsz{ // <stsz/>
		SampleCount: uint32(len(ct.stsz)),
		EntrySize:   ct.stsz,
	})
	if err != nil {
		return err
	}

	if t.Co64 {
		_, err = w.WriteBox(&mp4.Co64{ // <co64/>
			EntryCount:  uint32(len(chunkOffsets)),
			ChunkOffset: chunkOffsets,
		})
	} else {
		offsets := make([]uint32, len(chunkOffsets))
		for i, o := range chunkOffsets {
			offsets[i] = uint32(o)
		}
		_, err = w.WriteBox(&mp4.Stco{ // <stco/>
			EntryCount:  uint32(len(offsets)),
			ChunkOffset: offsets,
		})
	}
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </stbl>
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </minf>
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </mdia>
	if err != nil {
		return err
	}

	return w.WriteBoxEnd() // </trak>
}

func writeFtyp(w *MP4Writer, majorBrand string) error {
	brand := [4]byte{'i', 's', 'o', 'm'}
	if majorBrand != "" {
		copy(brand[:], majorBrand)
	}

	_, err := w.WriteBox(&mp4.Ftyp{ // <ftyp/>
		MajorBrand:   brand,
		MinorVersion: 1,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	})
	return err
}

// Movie is a progressive test movie.
type Movie struct {
	TimeScale uint32
	Tracks    []*Track

	// MajorBrand of ftyp, "isom" when empty.
	MajorBrand string

	// MoovFirst places moov before mdat.
	MoovFirst bool

	// Compressed stores the movie header inside a zlib-compressed cmov box.
	// It is ignored when MoovFirst is set.
	Compressed bool
}

func (m *Movie) duration() uint64 {
	var d uint64
	for _, t := range m.Tracks {
		if t.TimeScale == 0 {
			continue
		}
		td := t.duration() * uint64(m.TimeScale) / uint64(t.TimeScale)
		if td > d {
			d = td
		}
	}
	return d
}

// layout places chunks in mdat, interleaving tracks chunk by chunk.
// It returns the mdat payload and chunk offsets relative to it.
func (m *Movie) layout() ([]byte, [][]uint64) {
	chunks := make([][][]Sample, len(m.Tracks))
	maxChunks := 0
	for i, t := range m.Tracks {
		chunks[i] = t.chunks()
		if len(chunks[i]) > maxChunks {
			maxChunks = len(chunks[i])
		}
	}

	var mdat []byte
	offsets := make([][]uint64, len(m.Tracks))

	for c := 0; c < maxChunks; c++ {
		for i := range m.Tracks {
			if c >= len(chunks[i]) {
				continue
			}
			offsets[i] = append(offsets[i], uint64(len(mdat)))
			for _, s := range chunks[i][c] {
				mdat = append(mdat, s.Payload...)
			}
		}
	}

	return mdat, offsets
}

func (m *Movie) writeMoov(w *MP4Writer, offsets [][]uint64, base uint64) error {
	_, err := w.WriteBoxStart(&mp4.Moov{}) // <moov>
	if err != nil {
		return err
	}

	var nextID uint32
	for _, t := range m.Tracks {
		if t.ID >= nextID {
			nextID = t.ID + 1
		}
	}

	_, err = w.WriteBox(&mp4.Mvhd{ // <mvhd/>
		FullBox: mp4.FullBox{
			Version: 1,
		},
		Timescale:   m.TimeScale,
		DurationV1:  m.duration(),
		Rate:        65536,
		Volume:      256,
		Matrix:      [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		NextTrackID: nextID,
	})
	if err != nil {
		return err
	}

	for i, t := range m.Tracks {
		abs := make([]uint64, len(offsets[i]))
		for j, o := range offsets[i] {
			abs[j] = base + o
		}

		err = writeTrak(w, t, m.duration(), abs)
		if err != nil {
			return err
		}
	}

	return w.WriteBoxEnd() // </moov>
}

// Marshal encodes the movie.
func (m *Movie) Marshal() ([]byte, error) {
	mdat, offsets := m.layout()

	w := NewMP4Writer()

	err := writeFtyp(w, m.MajorBrand)
	if err != nil {
		return nil, err
	}

	if m.MoovFirst {
		// moov size does not depend on chunk offsets
		tmp := NewMP4Writer()
		err = m.writeMoov(tmp, offsets, 0)
		if err != nil {
			return nil, err
		}

		base := uint64(w.Offset()) + uint64(len(tmp.Bytes())) + 8

		err = m.writeMoov(w, offsets, base)
		if err != nil {
			return nil, err
		}

		_, err = w.WriteRawBox("mdat", mdat)
		if err != nil {
			return nil, err
		}

		return w.Bytes(), nil
	}

	base := uint64(w.Offset()) + 8

	_, err = w.WriteRawBox("mdat", mdat)
	if err != nil {
		return nil, err
	}

	if m.Compressed {
		tmp := NewMP4Writer()
		err = m.writeMoov(tmp, offsets, base)
		if err != nil {
			return nil, err
		}

		err = writeCompressedMoov(w, tmp.Bytes())
		if err != nil {
			return nil, err
		}

		return w.Bytes(), nil
	}

	err = m.writeMoov(w, offsets, base)
	if err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// writeCompressedMoov writes a moov that contains only a cmov,
// whose cmvd holds the zlib-compressed moov.
func writeCompressedMoov(w *MP4Writer, moov []byte) error {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.BigEndian, uint32(len(moov)))
	if err != nil {
		return err
	}

	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(moov)
	if err != nil {
		return err
	}
	err = zw.Close()
	if err != nil {
		return err
	}

	_, err = w.WriteRawBoxStart("moov") // <moov>
	if err != nil {
		return err
	}

	_, err = w.WriteRawBoxStart("cmov") // <cmov>
	if err != nil {
		return err
	}

	_, err = w.WriteRawBox("dcom", []byte("zlib")) // <dcom/>
	if err != nil {
		return err
	}

	_, err = w.WriteRawBox("cmvd", buf.Bytes()) // <cmvd/>
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </cmov>
	if err != nil {
		return err
	}

	return w.WriteBoxEnd() // </moov>
}
