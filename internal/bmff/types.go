package bmff

import (
	"github.com/abema/go-mp4"
)

// Type converts a four-character code into a box type.
func Type(s string) mp4.BoxType {
	var typ mp4.BoxType
	copy(typ[:], s)
	return typ
}

func typeSet(types ...string) map[mp4.BoxType]struct{} {
	m := make(map[mp4.BoxType]struct{}, len(types))
	for _, s := range types {
		m[Type(s)] = struct{}{}
	}
	return m
}

// boxes that contain only other boxes.
var containerTypes = typeSet(
	"moov", "trak", "mdia", "minf", "dinf", "stbl", "edts",
	"mvex", "moof", "traf", "mfra", "tref", "cmov",
)

// boxes that contain some fields followed by other boxes.
// The fields are decoded, then children are read from where the fields end.
var fieldsAndChildrenTypes = typeSet(
	"stsd",
	"avc1", "avc3", "hvc1", "hev1", "av01", "vp08", "vp09", "mp4v", "encv",
	"mp4a", "Opus", "ac-3", "enca", "ipcm",
)

// leaf boxes whose payload is decoded.
var decodedTypes = typeSet(
	"ftyp", "mvhd", "tkhd", "mdhd", "hdlr", "elst",
	"stts", "ctts", "stsc", "stsz", "stco", "co64", "stss",
	"mehd", "trex", "mfhd", "tfhd", "tfdt", "trun",
	"sidx", "tfra", "mfro",
	"avcC", "hvcC", "esds",
)

// boxes that are never loaded in memory.
var opaqueTypes = typeSet(
	"mdat", "free", "skip", "wide",
)

// leaf boxes of unknown type up to this size keep their raw payload.
const maxRawPayload = 64 * 1024

// containers nested deeper than this are stored without children.
const maxDepth = 32
