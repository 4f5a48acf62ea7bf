package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Transform repacks samples of a track before they are delivered.
// A nil payload without error means that the sample must be dropped.
type Transform interface {
	Transform(payload []byte, sync bool) ([]byte, error)
}

// Options are the enabled transforms.
type Options struct {
	AnnexB bool
	ADTS   bool
}

// NewTransform returns the transform of a track.
func NewTransform(p *Params, opts Options) Transform {
	switch p.Fourcc {
	case "avc1", "avc3", "hvc1", "hev1":
		if opts.AnnexB && p.NALULengthSize >= 1 && p.NALULengthSize <= 4 {
			t := &annexB{lengthSize: p.NALULengthSize}
			for _, ps := range [][]byte{p.VPS, p.SPS, p.PPS} {
				if ps != nil {
					t.parameterSets = append(t.parameterSets, ps)
				}
			}
			return t
		}

	case "mp4a":
		if opts.ADTS && p.AudioConfig != nil {
			return &adts{config: p.AudioConfig}
		}
	}

	return passthrough{}
}

type passthrough struct{}

func (passthrough) Transform(payload []byte, _ bool) ([]byte, error) {
	return payload, nil
}

// annexB converts length-prefixed NALUs into the Annex-B format.
// Parameter sets are inserted before every sync sample.
type annexB struct {
	lengthSize    int
	parameterSets [][]byte
}

func splitNALUs(payload []byte, lengthSize int) ([][]byte, error) {
	if lengthSize == 4 {
		var au h264.AVCC
		err := au.Unmarshal(payload)
		return au, err
	}

	var ret [][]byte

	for len(payload) > 0 {
		if len(payload) < lengthSize {
			return nil, fmt.Errorf("invalid length")
		}

		var size int
		for _, b := range payload[:lengthSize] {
			size = size<<8 | int(b)
		}
		payload = payload[lengthSize:]

		if size == 0 || size > len(payload) {
			return nil, fmt.Errorf("invalid NALU size: %d", size)
		}

		ret = append(ret, payload[:size])
		payload = payload[size:]
	}

	return ret, nil
}

func (t *annexB) Transform(payload []byte, sync bool) ([]byte, error) {
	au, err := splitNALUs(payload, t.lengthSize)
	if err != nil {
		return nil, err
	}

	if sync && len(t.parameterSets) != 0 {
		au = append(append([][]byte(nil), t.parameterSets...), au...)
	}

	if len(au) == 0 {
		return nil, nil
	}

	return h264.AnnexB(au).Marshal()
}

// adts wraps MPEG-4 audio access units into ADTS packets.
type adts struct {
	config *mpeg4audio.AudioSpecificConfig
}

func (t *adts) Transform(payload []byte, _ bool) ([]byte, error) {
	pkts := mpeg4audio.ADTSPackets{{
		Type:         t.config.Type,
		SampleRate:   t.config.SampleRate,
		ChannelCount: t.config.ChannelCount,
		AU:           payload,
	}}
	return pkts.Marshal()
}
