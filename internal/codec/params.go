// Package codec extracts codec parameters from sample descriptions
// and repacks samples before they are delivered.
package codec

import (
	"fmt"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/bluenviron/mp4demux/internal/bmff"
)

// MediaType is the media type of a track.
type MediaType int

// media types.
const (
	MediaTypeVideo MediaType = iota
	MediaTypeAudio
	MediaTypeSubtitle
	MediaTypeMetadata
)

// String implements fmt.Stringer.
func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	case MediaTypeSubtitle:
		return "subtitle"
	}
	return "metadata"
}

// MediaTypeFromHandler returns the media type of a hdlr handler type.
func MediaTypeFromHandler(handler [4]byte) MediaType {
	switch string(handler[:]) {
	case "vide":
		return MediaTypeVideo
	case "soun":
		return MediaTypeAudio
	case "text", "sbtl", "subt", "clcp":
		return MediaTypeSubtitle
	}
	return MediaTypeMetadata
}

// Name returns a readable name of a sample entry type.
func Name(fourcc string) string {
	switch fourcc {
	case "avc1", "avc3":
		return "H264"
	case "hvc1", "hev1":
		return "H265"
	case "av01":
		return "AV1"
	case "vp08":
		return "VP8"
	case "vp09":
		return "VP9"
	case "mp4v":
		return "MPEG-4 Video"
	case "mp4a":
		return "MPEG-4 Audio"
	case "Opus":
		return "Opus"
	case "ac-3":
		return "AC-3"
	case "ipcm":
		return "LPCM"
	}
	return fourcc
}

// Params are the parameters of a sample description.
type Params struct {
	Fourcc string

	// visual entries
	Width  int
	Height int

	// audio entries
	SampleRate   int
	ChannelCount int

	// H264 and H265
	VPS            []byte
	SPS            []byte
	PPS            []byte
	NALULengthSize int

	// MPEG-4 audio
	AudioConfig *mpeg4audio.AudioSpecificConfig

	// Config is the raw decoder specific configuration.
	Config []byte
}

// Name returns the readable name of the codec.
func (p *Params) Name() string {
	return Name(p.Fourcc)
}

// ParamsFromSampleEntry extracts the parameters of a sample entry.
// Missing or invalid decoder configurations are reported as errors,
// with the fields known up to that point filled in.
func ParamsFromSampleEntry(tree *bmff.Tree, entry bmff.Handle) (*Params, error) {
	b := tree.Box(entry)

	p := &Params{
		Fourcc: b.Type.String(),
	}

	switch se := b.Payload.(type) {
	case *mp4.VisualSampleEntry:
		p.Width = int(se.Width)
		p.Height = int(se.Height)

	case *mp4.AudioSampleEntry:
		p.SampleRate = int(se.SampleRate >> 16)
		p.ChannelCount = int(se.ChannelCount)
	}

	switch p.Fourcc {
	case "avc1", "avc3":
		return p, p.fillH264(tree, entry)

	case "hvc1", "hev1":
		return p, p.fillH265(tree, entry)

	case "mp4a":
		return p, p.fillMPEG4Audio(tree, entry)
	}

	return p, nil
}

func (p *Params) fillH264(tree *bmff.Tree, entry bmff.Handle) error {
	avcc, ok := bmff.Payload[*mp4.AVCDecoderConfiguration](tree, entry, "avcC")
	if !ok {
		return fmt.Errorf("avcC not found")
	}

	p.NALULengthSize = int(avcc.LengthSizeMinusOne) + 1

	if len(avcc.SequenceParameterSets) != 0 {
		p.SPS = avcc.SequenceParameterSets[0].NALUnit
	}
	if len(avcc.PictureParameterSets) != 0 {
		p.PPS = avcc.PictureParameterSets[0].NALUnit
	}

	if p.SPS == nil {
		return fmt.Errorf("H264 SPS not provided")
	}

	var sps h264.SPS
	err := sps.Unmarshal(p.SPS)
	if err != nil {
		return fmt.Errorf("unable to parse H264 SPS: %w", err)
	}

	p.Width = sps.Width()
	p.Height = sps.Height()
	return nil
}

func h265FindNALU(arrays []mp4.HEVCNaluArray, typ h265.NALUType) []byte {
	for _, entry := range arrays {
		if entry.NaluType == byte(typ) && len(entry.Nalus) != 0 {
			return entry.Nalus[0].NALUnit
		}
	}
	return nil
}

func (p *Params) fillH265(tree *bmff.Tree, entry bmff.Handle) error {
	hvcc, ok := bmff.Payload[*mp4.HvcC](tree, entry, "hvcC")
	if !ok {
		return fmt.Errorf("hvcC not found")
	}

	p.NALULengthSize = int(hvcc.LengthSizeMinusOne) + 1
	p.VPS = h265FindNALU(hvcc.NaluArrays, h265.NALUType_VPS_NUT)
	p.SPS = h265FindNALU(hvcc.NaluArrays, h265.NALUType_SPS_NUT)
	p.PPS = h265FindNALU(hvcc.NaluArrays, h265.NALUType_PPS_NUT)

	if p.SPS == nil {
		return fmt.Errorf("H265 SPS not provided")
	}

	var sps h265.SPS
	err := sps.Unmarshal(p.SPS)
	if err != nil {
		return fmt.Errorf("unable to parse H265 SPS: %w", err)
	}

	p.Width = sps.Width()
	p.Height = sps.Height()
	return nil
}

func (p *Params) fillMPEG4Audio(tree *bmff.Tree, entry bmff.Handle) error {
	esds, ok := bmff.Payload[*mp4.Esds](tree, entry, "esds")
	if !ok {
		return fmt.Errorf("esds not found")
	}

	for _, desc := range esds.Descriptors {
		if desc.Tag == mp4.DecSpecificInfoTag {
			p.Config = desc.Data
		}
	}

	if p.Config == nil {
		return fmt.Errorf("MPEG-4 audio config not provided")
	}

	var conf mpeg4audio.AudioSpecificConfig
	err := conf.Unmarshal(p.Config)
	if err != nil {
		return fmt.Errorf("unable to parse MPEG-4 audio config: %w", err)
	}

	p.AudioConfig = &conf
	p.SampleRate = conf.SampleRate
	p.ChannelCount = conf.ChannelCount
	return nil
}
