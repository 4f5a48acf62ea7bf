package fragment

import (
	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/elst"
)

// BaseTimeContext contains what is known about a traf when its base decode time is resolved.
type BaseTimeContext struct {
	Tree *bmff.Tree
	Traf bmff.Handle

	TrackID        uint32
	TrackTimeScale uint32
	TrackCount     int

	MoofOffset    uint64
	FragmentIndex int

	// Probed returns the time of a fragment of a track in a probed index.
	Probed func(moofOffset uint64, trackID uint32) (int64, bool)

	// SegmentIndex is the last sidx read before the fragment.
	SegmentIndex *mp4.Sidx

	// StaticDuration is the duration of the track in the global index.
	StaticDuration int64

	// RunningTime is the end of the samples of the track read so far.
	RunningTime int64
}

// BaseTimeResolver returns the base decode time of a traf, or false when not applicable.
type BaseTimeResolver struct {
	Name    string
	Resolve func(*BaseTimeContext) (int64, bool)
}

// BaseTimeResolvers are tried in order until one succeeds.
var BaseTimeResolvers = []BaseTimeResolver{
	{"tfdt", baseTimeFromTfdt},
	{"tfxd", baseTimeFromTfxd},
	{"probe", baseTimeFromProbe},
	{"sidx", baseTimeFromSegmentIndex},
	{"static", baseTimeFromStaticDuration},
	{"running", baseTimeFromRunningTime},
}

// ResolveBaseTime returns the base decode time of a traf and the name of the resolver that provided it.
func ResolveBaseTime(ctx *BaseTimeContext) (int64, string) {
	for _, r := range BaseTimeResolvers {
		if v, ok := r.Resolve(ctx); ok {
			return v, r.Name
		}
	}
	return ctx.RunningTime, "running"
}

func baseTimeFromTfdt(ctx *BaseTimeContext) (int64, bool) {
	tfdt, ok := bmff.Payload[*mp4.Tfdt](ctx.Tree, ctx.Traf, "tfdt")
	if !ok {
		return 0, false
	}

	if tfdt.GetVersion() == 1 {
		return int64(tfdt.BaseMediaDecodeTimeV1), true
	}
	return int64(tfdt.BaseMediaDecodeTimeV0), true
}

func baseTimeFromTfxd(ctx *BaseTimeContext) (int64, bool) {
	if ctx.TrackCount != 1 {
		return 0, false
	}

	tfxd, ok := ctx.Tree.Tfxd(ctx.Traf)
	if !ok {
		return 0, false
	}
	return int64(tfxd.AbsoluteTime), true
}

func baseTimeFromProbe(ctx *BaseTimeContext) (int64, bool) {
	if ctx.Probed == nil {
		return 0, false
	}
	return ctx.Probed(ctx.MoofOffset, ctx.TrackID)
}

func baseTimeFromSegmentIndex(ctx *BaseTimeContext) (int64, bool) {
	sidx := ctx.SegmentIndex
	if sidx == nil || sidx.ReferenceCount != 1 || sidx.ReferenceID != ctx.TrackID {
		return 0, false
	}

	var ept int64
	if sidx.GetVersion() == 1 {
		ept = int64(sidx.EarliestPresentationTimeV1)
	} else {
		ept = int64(sidx.EarliestPresentationTimeV0)
	}

	return elst.Rescale(ept, sidx.Timescale, ctx.TrackTimeScale), true
}

func baseTimeFromStaticDuration(ctx *BaseTimeContext) (int64, bool) {
	if ctx.FragmentIndex != 0 {
		return 0, false
	}
	return ctx.StaticDuration, true
}

func baseTimeFromRunningTime(ctx *BaseTimeContext) (int64, bool) {
	return ctx.RunningTime, true
}
