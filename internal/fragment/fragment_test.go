package fragment

import (
	"bytes"
	"testing"

	"github.com/abema/go-mp4"
	"github.com/stretchr/testify/require"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/source"
	"github.com/bluenviron/mp4demux/internal/test"
)

func readTree(t *testing.T, buf []byte) *bmff.Tree {
	src, err := source.NewFile(bytes.NewReader(buf), true)
	require.NoError(t, err)

	r := &bmff.Reader{
		Source:     src,
		MaxPayload: 1024 * 1024,
		Parent:     test.NilLogger,
	}

	tree := bmff.NewTree()
	_, err = r.ReadChildren(tree, tree.Root())
	require.NoError(t, err)
	return tree
}

func moofs(tree *bmff.Tree) []bmff.Handle {
	var ret []bmff.Handle
	for _, h := range tree.Children(tree.Root()) {
		if tree.Box(h).Type == bmff.Type("moof") {
			ret = append(ret, h)
		}
	}
	return ret
}

type trackState struct {
	info    map[uint32]*TrackInfo
	sidx    *mp4.Sidx
	probed  func(uint64, uint32) (int64, bool)
	results []*Fragment
}

// parseAll parses every moof of a tree, carrying the running time of each track.
func (s *trackState) parseAll(tree *bmff.Tree) {
	for i, moof := range moofs(tree) {
		f := Parse(tree, moof, &Params{
			MoofOffset:    tree.Box(moof).Offset,
			FragmentIndex: i,
			TrackCount:    len(s.info),
			Track: func(id uint32) (*TrackInfo, bool) {
				info, ok := s.info[id]
				return info, ok
			},
			Probed:       s.probed,
			SegmentIndex: s.sidx,
			Parent:       test.NilLogger,
		})

		for _, tf := range f.Tracks {
			s.info[tf.TrackID].RunningTime = tf.End()
		}

		s.results = append(s.results, f)
	}
}

func samples(n int, duration uint32, size int) []test.Sample {
	ret := make([]test.Sample, n)
	for i := range ret {
		ret[i] = test.Sample{
			Duration:        duration,
			IsNonSyncSample: i != 0,
			Payload:         bytes.Repeat([]byte{byte(i + 1)}, size),
		}
	}
	return ret
}

func singleTrackMovie(timeBoxes ...test.TimeBox) *test.FragmentedMovie {
	m := &test.FragmentedMovie{
		TimeScale: 1000,
		Tracks: []*test.Track{{
			ID:        1,
			TimeScale: 90000,
			Handler:   "vide",
		}},
	}

	var baseTime uint64
	for _, tb := range timeBoxes {
		m.Fragments = append(m.Fragments, &test.Fragment{
			Tracks: []*test.FragmentTrack{{
				ID:       1,
				BaseTime: baseTime,
				TimeBox:  tb,
				Samples:  samples(3, 3000, 10),
			}},
		})
		baseTime += 9000
	}

	return m
}

func newState(ids ...uint32) *trackState {
	s := &trackState{
		info: make(map[uint32]*TrackInfo),
	}
	for _, id := range ids {
		s.info[id] = &TrackInfo{
			Defaults:  DefaultsFromTrex(nil),
			TimeScale: 90000,
		}
	}
	return s
}

func TestParse(t *testing.T) {
	m := singleTrackMovie(test.TimeBoxTfdt)
	buf, offsets, err := m.Marshal()
	require.NoError(t, err)

	tree := readTree(t, buf)
	s := newState(1)
	s.parseAll(tree)

	require.Len(t, s.results, 1)
	f := s.results[0]
	require.Equal(t, offsets[0], f.Offset)
	require.Equal(t, uint32(1), f.SequenceNumber)

	tf := f.Track(1)
	require.NotNil(t, tf)
	require.Equal(t, "tfdt", tf.BaseTimeSource)
	require.Equal(t, int64(0), tf.BaseTime)
	require.Equal(t, int64(9000), tf.Duration)
	require.Equal(t, 3, tf.SampleCount())
	require.Nil(t, f.Track(2))

	require.Len(t, tf.Runs, 1)
	r := tf.Runs[0]
	require.Equal(t, uint64(30), r.Size)

	// sample data starts right after the mdat header
	mdat := tree.Get(tree.Root(), "mdat")
	require.NotEqual(t, bmff.NoBox, mdat)
	require.Equal(t, tree.Box(mdat).Offset+8, r.Offset)

	for i, smp := range r.Samples {
		require.Equal(t, r.Offset+uint64(i*10), smp.Offset)
		require.Equal(t, uint32(10), smp.Size)
		require.Equal(t, int64(i*3000), smp.DTS)
		require.Equal(t, i == 0, smp.IsSync())
		require.True(t, smp.HasPTSOffset)
		require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 10), buf[smp.Offset:smp.Offset+10])
	}
}

func TestParseMissingTfdt(t *testing.T) {
	m := singleTrackMovie(test.TimeBoxTfdt, test.TimeBoxNone, test.TimeBoxTfdt)
	buf, _, err := m.Marshal()
	require.NoError(t, err)

	s := newState(1)
	s.parseAll(readTree(t, buf))
	require.Len(t, s.results, 3)

	tf := s.results[1].Track(1)
	require.Equal(t, "running", tf.BaseTimeSource)
	require.Equal(t, int64(9000), tf.BaseTime)
	require.Equal(t, int64(9000), tf.Runs[0].Samples[0].DTS)

	tf = s.results[2].Track(1)
	require.Equal(t, "tfdt", tf.BaseTimeSource)
	require.Equal(t, int64(18000), tf.BaseTime)
}

func TestParseMultipleTracks(t *testing.T) {
	m := &test.FragmentedMovie{
		TimeScale: 1000,
		Tracks: []*test.Track{
			{ID: 1, TimeScale: 90000, Handler: "vide"},
			{ID: 2, TimeScale: 90000, Handler: "soun"},
		},
		Fragments: []*test.Fragment{{
			Tracks: []*test.FragmentTrack{
				{ID: 1, BaseTime: 100, Samples: samples(2, 3000, 7)},
				{ID: 2, BaseTime: 200, Samples: samples(4, 1500, 3)},
			},
		}},
	}

	buf, _, err := m.Marshal()
	require.NoError(t, err)

	tree := readTree(t, buf)
	s := newState(1, 2)
	s.parseAll(tree)

	f := s.results[0]
	require.Len(t, f.Tracks, 2)

	v := f.Track(1)
	a := f.Track(2)
	require.Equal(t, int64(100), v.BaseTime)
	require.Equal(t, int64(200), a.BaseTime)
	require.Equal(t, int64(6000), v.Duration)
	require.Equal(t, int64(6000), a.Duration)

	// the data of the second track follows the data of the first one
	require.Equal(t, v.Runs[0].End(), a.Runs[0].Offset)
	require.Equal(t, uint64(12), a.Runs[0].Size)
}

func TestParseUnknownTrack(t *testing.T) {
	m := singleTrackMovie(test.TimeBoxTfdt)
	buf, _, err := m.Marshal()
	require.NoError(t, err)

	s := newState(5)
	s.parseAll(readTree(t, buf))
	require.Empty(t, s.results[0].Tracks)
}

func TestParseRetainsTrex(t *testing.T) {
	m := singleTrackMovie(test.TimeBoxTfdt)
	buf, _, err := m.Marshal()
	require.NoError(t, err)

	tree := readTree(t, buf)
	trex, ok := bmff.Payload[*mp4.Trex](tree, tree.Root(), "moov/mvex/trex")
	require.True(t, ok)

	d := DefaultsFromTrex(trex)
	require.Equal(t, uint32(1), d.SampleDescriptionIndex)
}

func TestDefaults(t *testing.T) {
	d := DefaultsFromTrex(&mp4.Trex{
		DefaultSampleDescriptionIndex: 1,
		DefaultSampleDuration:         1000,
		DefaultSampleSize:             20,
		DefaultSampleFlags:            SampleFlagIsNonSyncSample,
	})

	// tfhd without defaults leaves trex defaults untouched
	require.Equal(t, d, d.resolve(&mp4.Tfhd{}))

	r := d.resolve(&mp4.Tfhd{
		FullBox: mp4.FullBox{
			Flags: [3]byte{0, 0, tfhdFlagDefaultSampleDurationPresent | tfhdFlagDefaultSampleFlagsPresent},
		},
		DefaultSampleDuration: 500,
		DefaultSampleFlags:    0,
	})
	require.Equal(t, Defaults{
		SampleDescriptionIndex: 1,
		SampleDuration:         500,
		SampleSize:             20,
		SampleFlags:            0,
	}, r)
}

func buildTraf(t *testing.T, tfhd *mp4.Tfhd, truns ...*mp4.Trun) (*bmff.Tree, bmff.Handle) {
	w := test.NewMP4Writer()

	_, err := w.WriteBoxStart(&mp4.Moof{})
	require.NoError(t, err)
	_, err = w.WriteBoxStart(&mp4.Traf{})
	require.NoError(t, err)
	_, err = w.WriteBox(tfhd)
	require.NoError(t, err)
	for _, trun := range truns {
		_, err = w.WriteBox(trun)
		require.NoError(t, err)
	}
	require.NoError(t, w.WriteBoxEnd())
	require.NoError(t, w.WriteBoxEnd())

	tree := readTree(t, w.Bytes())
	return tree, tree.Get(tree.Root(), "moof")
}

func trunFlags(flags uint32) [3]byte {
	return [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

func parseSingle(tree *bmff.Tree, moof bmff.Handle, info *TrackInfo) *TrackFragment {
	f := Parse(tree, moof, &Params{
		MoofOffset: 1000,
		TrackCount: 1,
		Track: func(id uint32) (*TrackInfo, bool) {
			return info, id == 1
		},
		Parent: test.NilLogger,
	})
	return f.Track(1)
}

func TestParseDefaultsAndFirstSampleFlags(t *testing.T) {
	tree, moof := buildTraf(t,
		&mp4.Tfhd{
			FullBox: mp4.FullBox{
				Flags: trunFlags(tfhdFlagDefaultSampleSizePresent),
			},
			TrackID:           1,
			DefaultSampleSize: 50,
		},
		&mp4.Trun{
			FullBox: mp4.FullBox{
				Flags: trunFlags(trunFlagDataOffsetPresent | trunFlagFirstSampleFlagsPresent),
			},
			SampleCount:      3,
			DataOffset:       100,
			FirstSampleFlags: 0,
			Entries:          make([]mp4.TrunEntry, 3),
		},
	)

	tf := parseSingle(tree, moof, &TrackInfo{
		Defaults: DefaultsFromTrex(&mp4.Trex{
			DefaultSampleDescriptionIndex: 1,
			DefaultSampleDuration:         10,
			DefaultSampleFlags:            SampleFlagIsNonSyncSample,
		}),
	})

	r := tf.Runs[0]
	require.Equal(t, uint64(1100), r.Offset)
	require.Equal(t, uint64(150), r.Size)
	require.Equal(t, int64(30), r.Duration)

	require.True(t, r.Samples[0].IsSync())
	require.False(t, r.Samples[1].IsSync())
	require.False(t, r.Samples[2].IsSync())
	require.False(t, r.Samples[0].HasPTSOffset)
	require.Equal(t, uint64(1150), r.Samples[1].Offset)
	require.Equal(t, int64(20), r.Samples[2].DTS)
}

func TestParseOffsets(t *testing.T) {
	entries := func(n int) []mp4.TrunEntry {
		e := make([]mp4.TrunEntry, n)
		for i := range e {
			e[i] = mp4.TrunEntry{SampleDuration: 10, SampleSize: 5}
		}
		return e
	}
	sizesAndDurations := uint32(trunFlagSampleDurationPresent | trunFlagSampleSizePresent)

	t.Run("base data offset", func(t *testing.T) {
		tree, moof := buildTraf(t,
			&mp4.Tfhd{
				FullBox:        mp4.FullBox{Flags: trunFlags(tfhdFlagBaseDataOffsetPresent)},
				TrackID:        1,
				BaseDataOffset: 5000,
			},
			&mp4.Trun{
				FullBox:     mp4.FullBox{Flags: trunFlags(sizesAndDurations)},
				SampleCount: 2,
				Entries:     entries(2),
			},
			&mp4.Trun{
				FullBox:     mp4.FullBox{Flags: trunFlags(sizesAndDurations)},
				SampleCount: 1,
				Entries:     entries(1),
			},
		)

		tf := parseSingle(tree, moof, &TrackInfo{Defaults: DefaultsFromTrex(nil)})
		require.Len(t, tf.Runs, 2)
		require.Equal(t, uint64(5000), tf.Runs[0].Offset)

		// runs without data offset follow the previous run
		require.Equal(t, uint64(5010), tf.Runs[1].Offset)
		require.Equal(t, int64(20), tf.Runs[1].FirstDTS)
		require.Equal(t, int64(30), tf.Duration)
	})

	t.Run("negative data offset", func(t *testing.T) {
		tree, moof := buildTraf(t,
			&mp4.Tfhd{
				FullBox:        mp4.FullBox{Flags: trunFlags(tfhdFlagBaseDataOffsetPresent)},
				TrackID:        1,
				BaseDataOffset: 5000,
			},
			&mp4.Trun{
				FullBox:     mp4.FullBox{Flags: trunFlags(trunFlagDataOffsetPresent | sizesAndDurations)},
				SampleCount: 1,
				DataOffset:  -200,
				Entries:     entries(1),
			},
		)

		tf := parseSingle(tree, moof, &TrackInfo{Defaults: DefaultsFromTrex(nil)})
		require.Equal(t, uint64(4800), tf.Runs[0].Offset)
	})

	t.Run("moof", func(t *testing.T) {
		tree, moof := buildTraf(t,
			&mp4.Tfhd{
				TrackID: 1,
			},
			&mp4.Trun{
				FullBox:     mp4.FullBox{Flags: trunFlags(sizesAndDurations)},
				SampleCount: 1,
				Entries:     entries(1),
			},
		)

		// the first traf without explicit offsets starts at the moof
		tf := parseSingle(tree, moof, &TrackInfo{Defaults: DefaultsFromTrex(nil)})
		require.Equal(t, uint64(1000), tf.Runs[0].Offset)
	})

	t.Run("duration is empty", func(t *testing.T) {
		tree, moof := buildTraf(t,
			&mp4.Tfhd{
				FullBox: mp4.FullBox{Flags: trunFlags(tfhdFlagDurationIsEmpty)},
				TrackID: 1,
			},
			&mp4.Trun{
				FullBox:     mp4.FullBox{Flags: trunFlags(sizesAndDurations)},
				SampleCount: 1,
				Entries:     entries(1),
			},
		)

		tf := parseSingle(tree, moof, &TrackInfo{Defaults: DefaultsFromTrex(nil)})
		require.Empty(t, tf.Runs)
		require.Equal(t, int64(0), tf.Duration)
	})
}

func TestTrafBaseOffsetChaining(t *testing.T) {
	tfhd := &mp4.Tfhd{}
	require.Equal(t, uint64(100), trafBaseOffset(tfhd, 100, true, 0))
	require.Equal(t, uint64(700), trafBaseOffset(tfhd, 100, false, 700))

	tfhd.Flags = trunFlags(tfhdFlagDefaultBaseIsMoof)
	require.Equal(t, uint64(100), trafBaseOffset(tfhd, 100, false, 700))

	tfhd.Flags = trunFlags(tfhdFlagBaseDataOffsetPresent | tfhdFlagDefaultBaseIsMoof)
	tfhd.BaseDataOffset = 42
	require.Equal(t, uint64(42), trafBaseOffset(tfhd, 100, false, 700))
}

func TestParseCompositionOffsetVersions(t *testing.T) {
	tree, moof := buildTraf(t,
		&mp4.Tfhd{TrackID: 1},
		&mp4.Trun{
			FullBox: mp4.FullBox{
				Version: 1,
				Flags:   trunFlags(trunFlagSampleCTOPresent),
			},
			SampleCount: 1,
			Entries:     []mp4.TrunEntry{{SampleCompositionTimeOffsetV1: -300}},
		},
	)

	tf := parseSingle(tree, moof, &TrackInfo{Defaults: DefaultsFromTrex(nil)})
	s := tf.Runs[0].Samples[0]
	require.True(t, s.HasPTSOffset)
	require.Equal(t, int64(-300), s.PTSOffset)
}
