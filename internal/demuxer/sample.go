package demuxer

import (
	"time"
)

// Flags are the flags of a delivered sample.
type Flags uint8

// flags.
const (
	// FlagDiscontinuity marks the first sample after a seek, after a track
	// selection or after an edit list transition.
	FlagDiscontinuity Flags = 1 << iota

	// FlagCorrupted marks a sample whose payload was cut by the end of the stream.
	FlagCorrupted

	// FlagSync marks a sync sample.
	FlagSync
)

// Sample is a sample delivered to a Sink.
type Sample struct {
	TrackID  uint32
	Payload  []byte
	DTS      time.Duration
	PTS      time.Duration
	PTSValid bool
	Duration time.Duration
	Flags    Flags
}

// Sink receives the samples of the selected tracks.
type Sink interface {
	Deliver(s *Sample) error
}

// SinkFunc is a Sink implemented by a function.
type SinkFunc func(s *Sample) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(s *Sample) error {
	return f(s)
}

// TrackOpener is notified of every usable track during initialization.
// Returning an error rejects the track, which then becomes unusable.
type TrackOpener interface {
	OpenTrack(t *Track) error
}

func durationGoToMp4(v time.Duration, timeScale uint32) int64 {
	timeScale64 := int64(timeScale)
	secs := v / time.Second
	dec := v % time.Second
	return int64(secs)*timeScale64 + int64(dec)*timeScale64/int64(time.Second)
}

func durationMp4ToGo(v int64, timeScale uint32) time.Duration {
	timeScale64 := int64(timeScale)
	secs := v / timeScale64
	dec := v % timeScale64
	return time.Duration(secs)*time.Second + time.Duration(dec)*time.Second/time.Duration(timeScale64)
}
