package fragment

import (
	"testing"

	"github.com/abema/go-mp4"
	"github.com/stretchr/testify/require"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/test"
)

func firstTraf(t *testing.T, tb test.TimeBox, baseTime uint64) (*bmff.Tree, bmff.Handle) {
	m := singleTrackMovie(tb)
	m.Fragments[0].Tracks[0].BaseTime = baseTime

	buf, _, err := m.Marshal()
	require.NoError(t, err)

	tree := readTree(t, buf)
	traf := tree.Get(tree.Root(), "moof/traf")
	require.NotEqual(t, bmff.NoBox, traf)
	return tree, traf
}

func TestResolveBaseTime(t *testing.T) {
	sidx := &mp4.Sidx{
		FullBox:                    mp4.FullBox{Version: 1},
		ReferenceID:                1,
		Timescale:                  1000,
		EarliestPresentationTimeV1: 2000,
		ReferenceCount:             1,
	}

	for _, ca := range []struct {
		name    string
		timeBox test.TimeBox
		ctx     BaseTimeContext
		time    int64
		source  string
	}{
		{
			"tfdt",
			test.TimeBoxTfdt,
			BaseTimeContext{TrackCount: 2, RunningTime: 5, StaticDuration: 6},
			123456,
			"tfdt",
		},
		{
			"tfxd",
			test.TimeBoxTfxd,
			BaseTimeContext{TrackCount: 1, RunningTime: 5},
			123456,
			"tfxd",
		},
		{
			"tfxd with multiple tracks",
			test.TimeBoxTfxd,
			BaseTimeContext{TrackCount: 2, FragmentIndex: 3, RunningTime: 5},
			5,
			"running",
		},
		{
			"probe",
			test.TimeBoxNone,
			BaseTimeContext{
				TrackCount: 1,
				Probed: func(_ uint64, trackID uint32) (int64, bool) {
					return 777, trackID == 1
				},
				SegmentIndex: sidx,
			},
			777,
			"probe",
		},
		{
			"sidx",
			test.TimeBoxNone,
			BaseTimeContext{TrackCount: 1, SegmentIndex: sidx, StaticDuration: 6},
			180000,
			"sidx",
		},
		{
			"sidx of another track",
			test.TimeBoxNone,
			BaseTimeContext{
				TrackCount: 1,
				SegmentIndex: &mp4.Sidx{
					ReferenceID:    2,
					Timescale:      1000,
					ReferenceCount: 1,
				},
				StaticDuration: 6,
			},
			6,
			"static",
		},
		{
			"static",
			test.TimeBoxNone,
			BaseTimeContext{TrackCount: 1, StaticDuration: 6, RunningTime: 5},
			6,
			"static",
		},
		{
			"running",
			test.TimeBoxNone,
			BaseTimeContext{TrackCount: 1, FragmentIndex: 1, StaticDuration: 6, RunningTime: 5},
			5,
			"running",
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			tree, traf := firstTraf(t, ca.timeBox, 123456)

			ctx := ca.ctx
			ctx.Tree = tree
			ctx.Traf = traf
			ctx.TrackID = 1
			ctx.TrackTimeScale = 90000

			v, src := ResolveBaseTime(&ctx)
			require.Equal(t, ca.time, v)
			require.Equal(t, ca.source, src)
		})
	}
}

func TestBaseTimeFromSegmentIndexMultipleReferences(t *testing.T) {
	_, ok := baseTimeFromSegmentIndex(&BaseTimeContext{
		TrackID: 1,
		SegmentIndex: &mp4.Sidx{
			ReferenceID:    1,
			Timescale:      1000,
			ReferenceCount: 2,
		},
	})
	require.False(t, ok)
}
