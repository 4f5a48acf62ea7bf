// Package fragment builds the runs of fragmented tracks from moof boxes.
package fragment

import (
	"github.com/abema/go-mp4"
)

const (
	tfhdFlagBaseDataOffsetPresent         = 0x01
	tfhdFlagSampleDescriptionIndexPresent = 0x02
	tfhdFlagDefaultSampleDurationPresent  = 0x08
	tfhdFlagDefaultSampleSizePresent      = 0x10
	tfhdFlagDefaultSampleFlagsPresent     = 0x20
	tfhdFlagDurationIsEmpty               = 0x10000
	tfhdFlagDefaultBaseIsMoof             = 0x20000
)

const (
	trunFlagDataOffsetPresent       = 0x01
	trunFlagFirstSampleFlagsPresent = 0x04
	trunFlagSampleDurationPresent   = 0x100
	trunFlagSampleSizePresent       = 0x200
	trunFlagSampleFlagsPresent      = 0x400
	trunFlagSampleCTOPresent        = 0x800
)

// SampleFlagIsNonSyncSample is the sample flag that marks non-sync samples.
const SampleFlagIsNonSyncSample = 1 << 16

func fullBoxFlags(b mp4.FullBox) uint32 {
	return uint32(b.Flags[0])<<16 | uint32(b.Flags[1])<<8 | uint32(b.Flags[2])
}

// Defaults are the default values of the samples of a track.
type Defaults struct {
	SampleDescriptionIndex uint32
	SampleDuration         uint32
	SampleSize             uint32
	SampleFlags            uint32
}

// DefaultsFromTrex returns the defaults declared by a trex box.
func DefaultsFromTrex(trex *mp4.Trex) Defaults {
	if trex == nil {
		return Defaults{SampleDescriptionIndex: 1}
	}

	return Defaults{
		SampleDescriptionIndex: trex.DefaultSampleDescriptionIndex,
		SampleDuration:         trex.DefaultSampleDuration,
		SampleSize:             trex.DefaultSampleSize,
		SampleFlags:            trex.DefaultSampleFlags,
	}
}

// resolve overrides the track defaults with the ones declared by a tfhd box.
func (d Defaults) resolve(tfhd *mp4.Tfhd) Defaults {
	flags := fullBoxFlags(tfhd.FullBox)

	if flags&tfhdFlagSampleDescriptionIndexPresent != 0 {
		d.SampleDescriptionIndex = tfhd.SampleDescriptionIndex
	}
	if flags&tfhdFlagDefaultSampleDurationPresent != 0 {
		d.SampleDuration = tfhd.DefaultSampleDuration
	}
	if flags&tfhdFlagDefaultSampleSizePresent != 0 {
		d.SampleSize = tfhd.DefaultSampleSize
	}
	if flags&tfhdFlagDefaultSampleFlagsPresent != 0 {
		d.SampleFlags = tfhd.DefaultSampleFlags
	}

	return d
}
