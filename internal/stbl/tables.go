// Package stbl builds the chunk index of a non-fragmented track from its sample tables.
package stbl

import (
	"errors"
	"fmt"

	"github.com/abema/go-mp4"

	"github.com/bluenviron/mp4demux/internal/bmff"
	"github.com/bluenviron/mp4demux/internal/rle"
)

// ErrMissingTable is returned when a mandatory sample table is missing or unreadable.
var ErrMissingTable = errors.New("missing mandatory sample table")

// SampleToChunk is an entry of the sample-to-chunk table.
type SampleToChunk struct {
	FirstChunk             uint32 // 1-based
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Tables are the sample tables of a track.
type Tables struct {
	ChunkOffsets  []uint64
	SampleToChunk []SampleToChunk

	// SampleSize is the size of every sample. When zero, EntrySizes is used.
	SampleSize  uint32
	EntrySizes  []uint32
	SampleCount uint32

	TimeToSample       []rle.Entry[uint32]
	CompositionOffsets []rle.Entry[int32]
	CompositionShift   int64

	// SyncSamples are 1-based sample numbers. When nil, every sample is a sync sample.
	SyncSamples []uint32
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingTable, name)
}

// TablesFromBox fills Tables from a stbl box.
func TablesFromBox(t *bmff.Tree, stbl bmff.Handle) (*Tables, error) {
	tables := &Tables{}

	stsz, ok := bmff.Payload[*mp4.Stsz](t, stbl, "stsz")
	if !ok {
		return nil, missing("stsz")
	}
	tables.SampleSize = stsz.SampleSize
	tables.SampleCount = stsz.SampleCount
	if stsz.SampleSize == 0 {
		tables.EntrySizes = stsz.EntrySize
		if uint32(len(tables.EntrySizes)) < tables.SampleCount {
			tables.SampleCount = uint32(len(tables.EntrySizes))
		}
	}

	stts, ok := bmff.Payload[*mp4.Stts](t, stbl, "stts")
	if !ok {
		return nil, missing("stts")
	}
	tables.TimeToSample = make([]rle.Entry[uint32], len(stts.Entries))
	for i, e := range stts.Entries {
		tables.TimeToSample[i] = rle.Entry[uint32]{Count: e.SampleCount, Value: e.SampleDelta}
	}

	stsc, ok := bmff.Payload[*mp4.Stsc](t, stbl, "stsc")
	if !ok {
		return nil, missing("stsc")
	}
	tables.SampleToChunk = make([]SampleToChunk, len(stsc.Entries))
	for i, e := range stsc.Entries {
		tables.SampleToChunk[i] = SampleToChunk{
			FirstChunk:             e.FirstChunk,
			SamplesPerChunk:        e.SamplesPerChunk,
			SampleDescriptionIndex: e.SampleDescriptionIndex,
		}
	}

	if stco, ok := bmff.Payload[*mp4.Stco](t, stbl, "stco"); ok {
		tables.ChunkOffsets = make([]uint64, len(stco.ChunkOffset))
		for i, o := range stco.ChunkOffset {
			tables.ChunkOffsets[i] = uint64(o)
		}
	} else if co64, ok := bmff.Payload[*mp4.Co64](t, stbl, "co64"); ok {
		tables.ChunkOffsets = co64.ChunkOffset
	} else {
		return nil, missing("stco")
	}

	if ctts, ok := bmff.Payload[*mp4.Ctts](t, stbl, "ctts"); ok {
		tables.CompositionOffsets = make([]rle.Entry[int32], len(ctts.Entries))
		for i, e := range ctts.Entries {
			v := e.SampleOffsetV1
			if ctts.GetVersion() == 0 {
				// version 0 offsets are unsigned, but negative values are common in the wild
				v = int32(e.SampleOffsetV0)
			}
			tables.CompositionOffsets[i] = rle.Entry[int32]{Count: e.SampleCount, Value: v}
		}
	}

	if cslg, ok := t.Cslg(stbl); ok {
		tables.CompositionShift = cslg.CompositionToDTSShift
	}

	if stss, ok := bmff.Payload[*mp4.Stss](t, stbl, "stss"); ok {
		tables.SyncSamples = stss.SampleNumber
		if tables.SyncSamples == nil {
			tables.SyncSamples = []uint32{}
		}
	}

	return tables, nil
}
