package stbl

import (
	"errors"
	"math"
	"sort"

	"github.com/bluenviron/mp4demux/internal/rle"
)

// ErrSampleCountOverflow is returned when the cumulative sample count does not fit 32 bits.
var ErrSampleCountOverflow = errors.New("sample count overflows 32 bits")

// Chunk is a contiguous group of samples of a track.
type Chunk struct {
	Offset                 uint64
	SampleCount            uint32
	FirstSample            uint32
	SampleDescriptionIndex uint32

	FirstDTS int64
	Duration int64

	// DTS holds the (count, delta) pairs of the samples of the chunk.
	DTS []rle.Entry[uint32]

	// PTS holds the (count, offset) pairs of the samples of the chunk.
	// It is nil when the track has no composition offsets.
	PTS []rle.Entry[int32]
}

// Index is the chunk index of a track.
type Index struct {
	Chunks      []Chunk
	SampleCount uint32

	// Truncated is true when tables disagree on the number of samples.
	// The index then covers the smallest count.
	Truncated bool

	sampleSize uint32
	entrySizes []uint32
	hasPTS     bool
	shift      int64
	sync       []uint32
	duration   int64
}

// Build builds an Index from sample tables.
func Build(tables *Tables) (*Index, error) {
	idx := &Index{
		Chunks:     make([]Chunk, len(tables.ChunkOffsets)),
		sampleSize: tables.SampleSize,
		entrySizes: tables.EntrySizes,
		hasPTS:     tables.CompositionOffsets != nil,
		shift:      tables.CompositionShift,
		sync:       tables.SyncSamples,
	}

	for i, o := range tables.ChunkOffsets {
		idx.Chunks[i].Offset = o
	}

	// entries describe chunks from FirstChunk onward, apply them from the last one.
	last := uint64(len(idx.Chunks))
	for i := len(tables.SampleToChunk) - 1; i >= 0; i-- {
		e := tables.SampleToChunk[i]
		if e.FirstChunk == 0 {
			continue
		}

		first := uint64(e.FirstChunk - 1)
		if first >= last {
			continue
		}

		for c := first; c < last; c++ {
			idx.Chunks[c].SampleCount = e.SamplesPerChunk
			idx.Chunks[c].SampleDescriptionIndex = e.SampleDescriptionIndex
		}
		last = first
	}

	var total uint64
	for i := range idx.Chunks {
		idx.Chunks[i].FirstSample = uint32(total)
		total += uint64(idx.Chunks[i].SampleCount)
		if total > math.MaxUint32 {
			return nil, ErrSampleCountOverflow
		}
	}

	count := uint32(total)
	if tables.SampleCount != count {
		idx.Truncated = true
		count = min(count, tables.SampleCount)
	}
	if sttsCount := rle.Items(tables.TimeToSample); sttsCount != uint64(count) {
		if sttsCount < uint64(count) {
			idx.Truncated = true
			count = uint32(sttsCount)
		}
	}
	idx.trim(count)
	idx.SampleCount = count

	dts := rle.NewCursor(tables.TimeToSample)
	var pts *rle.Cursor[int32]
	if idx.hasPTS {
		pts = rle.NewCursor(tables.CompositionOffsets)
	}

	var cur int64
	for i := range idx.Chunks {
		c := &idx.Chunks[i]

		c.DTS, _ = dts.Take(c.SampleCount)
		c.FirstDTS = cur
		c.Duration = rle.Total(c.DTS)
		cur += c.Duration

		if pts != nil {
			c.PTS, _ = pts.Take(c.SampleCount)
		}
	}
	idx.duration = cur

	return idx, nil
}

// trim reduces the chunks to the first count samples.
func (idx *Index) trim(count uint32) {
	for i := range idx.Chunks {
		c := &idx.Chunks[i]
		if c.FirstSample+c.SampleCount <= count {
			continue
		}

		if c.FirstSample >= count {
			idx.Chunks = idx.Chunks[:i]
			return
		}

		c.SampleCount = count - c.FirstSample
		idx.Chunks = idx.Chunks[:i+1]
		return
	}
}

// Duration returns the sum of the durations of all samples.
func (idx *Index) Duration() int64 {
	return idx.duration
}

// ChunkOf returns the index of the chunk that contains a sample.
func (idx *Index) ChunkOf(sample uint32) int {
	i := sort.Search(len(idx.Chunks), func(i int) bool {
		c := &idx.Chunks[i]
		return c.FirstSample+c.SampleCount > sample
	})
	if i >= len(idx.Chunks) {
		return -1
	}
	return i
}

// DTS returns the decode time of a sample.
func (idx *Index) DTS(sample uint32) int64 {
	ci := idx.ChunkOf(sample)
	if ci < 0 {
		return idx.duration
	}

	c := &idx.Chunks[ci]
	return c.FirstDTS + rle.Sum(c.DTS, sample-c.FirstSample)
}

// SampleDuration returns the duration of a sample.
func (idx *Index) SampleDuration(sample uint32) uint32 {
	ci := idx.ChunkOf(sample)
	if ci < 0 {
		return 0
	}

	c := &idx.Chunks[ci]
	d, _ := rle.At(c.DTS, sample-c.FirstSample)
	return d
}

// PTSDelta returns the difference between presentation and decode time of a sample.
// It returns false when the track has no composition offsets.
func (idx *Index) PTSDelta(sample uint32) (int64, bool) {
	if !idx.hasPTS {
		return 0, false
	}

	ci := idx.ChunkOf(sample)
	if ci < 0 {
		return 0, false
	}

	c := &idx.Chunks[ci]
	v, ok := rle.At(c.PTS, sample-c.FirstSample)
	if !ok {
		return 0, false
	}
	return int64(v) + idx.shift, true
}

// SampleSize returns the size of a sample.
func (idx *Index) SampleSize(sample uint32) uint32 {
	if idx.sampleSize != 0 {
		return idx.sampleSize
	}
	if int(sample) >= len(idx.entrySizes) {
		return 0
	}
	return idx.entrySizes[sample]
}

// SampleOffset returns the position of a sample in the stream.
func (idx *Index) SampleOffset(sample uint32) uint64 {
	ci := idx.ChunkOf(sample)
	if ci < 0 {
		return 0
	}

	c := &idx.Chunks[ci]
	offset := c.Offset

	if idx.sampleSize != 0 {
		return offset + uint64(sample-c.FirstSample)*uint64(idx.sampleSize)
	}

	for s := c.FirstSample; s < sample; s++ {
		offset += uint64(idx.SampleSize(s))
	}
	return offset
}

// IsSync reports whether a sample is a sync sample.
func (idx *Index) IsSync(sample uint32) bool {
	if idx.sync == nil {
		return true
	}

	num := sample + 1
	i := sort.Search(len(idx.sync), func(i int) bool {
		return idx.sync[i] >= num
	})
	return i < len(idx.sync) && idx.sync[i] == num
}

// FindSample returns the first sample whose decode time is greater or equal than dts.
// It returns SampleCount when no sample matches.
func (idx *Index) FindSample(dts int64) uint32 {
	ci := sort.Search(len(idx.Chunks), func(i int) bool {
		c := &idx.Chunks[i]
		return c.FirstDTS+c.Duration > dts || c.FirstDTS >= dts
	})
	if ci >= len(idx.Chunks) {
		return idx.SampleCount
	}

	c := &idx.Chunks[ci]
	if dts <= c.FirstDTS {
		return c.FirstSample
	}

	cur := c.FirstDTS
	sample := c.FirstSample

	for _, e := range c.DTS {
		span := int64(e.Count) * int64(e.Value)
		if cur+span < dts {
			cur += span
			sample += e.Count
			continue
		}

		if e.Value == 0 {
			return sample
		}

		n := (dts - cur + int64(e.Value) - 1) / int64(e.Value)
		return sample + uint32(n)
	}

	return c.FirstSample + c.SampleCount
}
