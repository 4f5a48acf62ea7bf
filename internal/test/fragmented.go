package test

import (
	"encoding/binary"

	"github.com/abema/go-mp4"
)

const (
	tfhdFlagDefaultBaseIsMoof = 0x20000

	trunFlagDataOffsetPresent     = 0x01
	trunFlagSampleDurationPresent = 0x100
	trunFlagSampleSizePresent     = 0x200
	trunFlagSampleFlagsPresent    = 0x400
	trunFlagSampleCTOPresent      = 0x800

	sampleFlagIsNonSyncSample = 1 << 16
)

// TimeBox is the box that carries the base time of a fragment track.
type TimeBox int

// time boxes.
const (
	TimeBoxTfdt TimeBox = iota
	TimeBoxNone
	TimeBoxTfxd
)

// FragmentTrack is a track of a Fragment.
type FragmentTrack struct {
	ID       uint32
	BaseTime uint64
	TimeBox  TimeBox
	Samples  []Sample
}

// Fragment is a moof and its mdat.
type Fragment struct {
	Tracks []*FragmentTrack
}

// FragmentedMovie is a fragmented test movie.
type FragmentedMovie struct {
	TimeScale uint32
	Tracks    []*Track

	// FragmentDuration is written into mehd when not zero.
	FragmentDuration uint64

	Fragments []*Fragment

	// SegmentIndex writes a sidx that references every fragment,
	// using the first track as reference stream.
	SegmentIndex bool

	// SegmentIndexFragments limits the fragments referenced by sidx.
	SegmentIndexFragments int

	// SegmentIndexPerFragment writes a sidx with a single reference before every fragment.
	SegmentIndexPerFragment bool

	// RandomAccess writes a mfra at the end.
	RandomAccess bool
}

// FragmentOffsets are the offsets of the moofs of a marshaled FragmentedMovie.
type FragmentOffsets []uint64

func (m *FragmentedMovie) writeMoov(w *MP4Writer) error {
	_, err := w.WriteBoxStart(&mp4.Moov{}) // <moov>
	if err != nil {
		return err
	}

	_, err = w.WriteBox(&mp4.Mvhd{ // <mvhd/>
		Timescale:   m.TimeScale,
		Rate:        65536,
		Volume:      256,
		Matrix:      [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		NextTrackID: uint32(len(m.Tracks) + 1),
	})
	if err != nil {
		return err
	}

	for _, t := range m.Tracks {
		err = writeTrak(w, t, 0, nil)
		if err != nil {
			return err
		}
	}

	_, err = w.WriteBoxStart(&mp4.Mvex{}) // <mvex>
	if err != nil {
		return err
	}

	if m.FragmentDuration != 0 {
		_, err = w.WriteBox(&mp4.Mehd{ // <mehd/>
			FullBox: mp4.FullBox{
				Version: 1,
			},
			FragmentDurationV1: m.FragmentDuration,
		})
		if err != nil {
			return err
		}
	}

	for _, t := range m.Tracks {
		_, err = w.WriteBox(&mp4.Trex{ // <trex/>
			TrackID:                       t.ID,
			DefaultSampleDescriptionIndex: 1,
			DefaultSampleDuration:         t.DefaultSampleDuration,
		})
		if err != nil {
			return err
		}
	}

	err = w.WriteBoxEnd() // </mvex>
	if err != nil {
		return err
	}

	return w.WriteBoxEnd() // </moov>
}

func newTrun(ft *FragmentTrack, dataOffset int32) *mp4.Trun {
	flags := trunFlagDataOffsetPresent |
		trunFlagSampleDurationPresent |
		trunFlagSampleSizePresent |
		trunFlagSampleFlagsPresent |
		trunFlagSampleCTOPresent

	trun := &mp4.Trun{
		FullBox: mp4.FullBox{
			Version: 1,
			Flags:   [3]byte{0, byte(flags >> 8), byte(flags)},
		},
		SampleCount: uint32(len(ft.Samples)),
		DataOffset:  dataOffset,
	}

	for _, s := range ft.Samples {
		var sampleFlags uint32
		if s.IsNonSyncSample {
			sampleFlags |= sampleFlagIsNonSyncSample
		}

		trun.Entries = append(trun.Entries, mp4.TrunEntry{
			SampleDuration:                s.Duration,
			SampleSize:                    uint32(len(s.Payload)),
			SampleFlags:                   sampleFlags,
			SampleCompositionTimeOffsetV1: s.PTSOffset,
		})
	}

	return trun
}

func writeTfxd(w *MP4Writer, ft *FragmentTrack) error {
	var duration uint64
	for _, s := range ft.Samples {
		duration += uint64(s.Duration)
	}

	payload := make([]byte, 20)
	payload[0] = 1 // version
	binary.BigEndian.PutUint64(payload[4:], ft.BaseTime)
	binary.BigEndian.PutUint64(payload[12:], duration)

	_, err := w.WriteUUIDBox(tfxdUserType, payload)
	return err
}

var tfxdUserType = [16]byte{
	0x6d, 0x1d, 0x9b, 0x05, 0x42, 0xd5, 0x44, 0xe6,
	0x80, 0xe2, 0x14, 0x1d, 0xaf, 0xf7, 0x57, 0xb2,
}

func (m *FragmentedMovie) writeFragment(w *MP4Writer, seqNum uint32, f *Fragment) (uint64, error) {
	moofOffset, err := w.WriteBoxStart(&mp4.Moof{}) // <moof>
	if err != nil {
		return 0, err
	}

	_, err = w.WriteBox(&mp4.Mfhd{ // <mfhd/>
		SequenceNumber: seqNum,
	})
	if err != nil {
		return 0, err
	}

	trunOffsets := make([]int, len(f.Tracks))

	for i, ft := range f.Tracks {
		_, err = w.WriteBoxStart(&mp4.Traf{}) // <traf>
		if err != nil {
			return 0, err
		}

		_, err = w.WriteBox(&mp4.Tfhd{ // <tfhd/>
			FullBox: mp4.FullBox{
				Flags: [3]byte{byte(tfhdFlagDefaultBaseIsMoof >> 16), 0, 0},
			},
			TrackID: ft.ID,
		})
		if err != nil {
			return 0, err
		}

		switch ft.TimeBox {
		case TimeBoxTfdt:
			_, err = w.WriteBox(&mp4.Tfdt{ // <tfdt/>
				FullBox: mp4.FullBox{
					Version: 1,
				},
				BaseMediaDecodeTimeV1: ft.BaseTime,
			})
		case TimeBoxTfxd:
			err = writeTfxd(w, ft)
		}
		if err != nil {
			return 0, err
		}

		trunOffsets[i], err = w.WriteBox(newTrun(ft, 0)) // <trun/>
		if err != nil {
			return 0, err
		}

		err = w.WriteBoxEnd() // </traf>
		if err != nil {
			return 0, err
		}
	}

	err = w.WriteBoxEnd() // </moof>
	if err != nil {
		return 0, err
	}

	moofSize := w.Offset() - moofOffset
	dataOffset := moofSize + 8

	var mdat []byte

	for i, ft := range f.Tracks {
		err = w.RewriteBox(trunOffsets[i], newTrun(ft, int32(dataOffset+len(mdat))))
		if err != nil {
			return 0, err
		}

		for _, s := range ft.Samples {
			mdat = append(mdat, s.Payload...)
		}
	}

	_, err = w.WriteRawBox("mdat", mdat)
	if err != nil {
		return 0, err
	}

	return uint64(moofOffset), nil
}

func (m *FragmentedMovie) sidx(fragments []*Fragment, sizes []uint32) *mp4.Sidx {
	ref := m.Tracks[0]

	sidx := &mp4.Sidx{
		FullBox: mp4.FullBox{
			Version: 1,
		},
		ReferenceID:    ref.ID,
		Timescale:      ref.TimeScale,
		ReferenceCount: uint16(len(fragments)),
	}

	for i, f := range fragments {
		var duration uint32
		for _, ft := range f.Tracks {
			if ft.ID != ref.ID {
				continue
			}
			if i == 0 {
				sidx.EarliestPresentationTimeV1 = ft.BaseTime
			}
			for _, s := range ft.Samples {
				duration += s.Duration
			}
		}

		var size uint32
		if sizes != nil {
			size = sizes[i]
		}

		sidx.References = append(sidx.References, mp4.SidxReference{
			ReferencedSize:     size,
			SubsegmentDuration: duration,
			StartsWithSAP:      true,
			SAPType:            1,
		})
	}

	return sidx
}

func (m *FragmentedMovie) writeMfra(w *MP4Writer, offsets FragmentOffsets) error {
	mfraOffset, err := w.WriteBoxStart(&mp4.Mfra{}) // <mfra>
	if err != nil {
		return err
	}

	for _, t := range m.Tracks {
		tfra := &mp4.Tfra{
			FullBox: mp4.FullBox{
				Version: 1,
			},
			TrackID: t.ID,
		}

		for i, f := range m.Fragments {
			for _, ft := range f.Tracks {
				if ft.ID == t.ID {
					tfra.Entries = append(tfra.Entries, mp4.TfraEntry{
						TimeV1:       ft.BaseTime,
						MoofOffsetV1: offsets[i],
						TrafNumber:   1,
						TrunNumber:   1,
						SampleNumber: 1,
					})
				}
			}
		}
		tfra.NumberOfEntry = uint32(len(tfra.Entries))

		_, err = w.WriteBox(tfra) // <tfra/>
		if err != nil {
			return err
		}
	}

	mfroOffset, err := w.WriteBox(&mp4.Mfro{}) // <mfro/>
	if err != nil {
		return err
	}

	err = w.WriteBoxEnd() // </mfra>
	if err != nil {
		return err
	}

	return w.RewriteBox(mfroOffset, &mp4.Mfro{
		Size: uint32(w.Offset() - mfraOffset),
	})
}

// Marshal encodes the movie.
func (m *FragmentedMovie) Marshal() ([]byte, FragmentOffsets, error) {
	w := NewMP4Writer()

	err := writeFtyp(w, "")
	if err != nil {
		return nil, nil, err
	}

	err = m.writeMoov(w)
	if err != nil {
		return nil, nil, err
	}

	indexed := m.Fragments
	if m.SegmentIndexFragments > 0 && m.SegmentIndexFragments < len(indexed) {
		indexed = indexed[:m.SegmentIndexFragments]
	}

	sidxOffset := -1
	if m.SegmentIndex {
		sidxOffset, err = w.WriteBox(m.sidx(indexed, nil))
		if err != nil {
			return nil, nil, err
		}
	}

	offsets := make(FragmentOffsets, len(m.Fragments))
	sizes := make([]uint32, len(m.Fragments))

	for i, f := range m.Fragments {
		fragmentSidxOffset := -1
		if m.SegmentIndexPerFragment {
			fragmentSidxOffset, err = w.WriteBox(m.sidx(m.Fragments[i:i+1], nil))
			if err != nil {
				return nil, nil, err
			}
		}

		offsets[i], err = m.writeFragment(w, uint32(i+1), f)
		if err != nil {
			return nil, nil, err
		}
		sizes[i] = uint32(uint64(w.Offset()) - offsets[i])

		if fragmentSidxOffset >= 0 {
			err = w.RewriteBox(fragmentSidxOffset, m.sidx(m.Fragments[i:i+1], sizes[i:i+1]))
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if sidxOffset >= 0 {
		err = w.RewriteBox(sidxOffset, m.sidx(indexed, sizes[:len(indexed)]))
		if err != nil {
			return nil, nil, err
		}
	}

	if m.RandomAccess {
		err = m.writeMfra(w, offsets)
		if err != nil {
			return nil, nil, err
		}
	}

	return w.Bytes(), offsets, nil
}
