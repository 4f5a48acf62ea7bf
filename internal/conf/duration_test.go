package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	for _, ca := range []struct {
		name string
		enc  string
		dec  Duration
	}{
		{"go duration", `"250ms"`, Duration(250 * time.Millisecond)},
		{"go duration composite", `"1m30s"`, Duration(90 * time.Second)},
		{"clock", `"01:30"`, Duration(90 * time.Second)},
		{"clock with hours", `"01:00:02.5"`, Duration(time.Hour + 2500*time.Millisecond)},
		{"clock negative", `"-00:00:01"`, Duration(-time.Second)},
		{"seconds string", `"1.5"`, Duration(1500 * time.Millisecond)},
		{"seconds number", `0.1`, Duration(100 * time.Millisecond)},
		{"zero", `0`, 0},
	} {
		t.Run(ca.name, func(t *testing.T) {
			var dec Duration
			err := dec.UnmarshalJSON([]byte(ca.enc))
			require.NoError(t, err)
			require.Equal(t, ca.dec, dec)
		})
	}
}

func TestDurationUnmarshalErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		enc  string
		err  string
	}{
		{"minutes out of range", `"00:61:00"`, "invalid timestamp: '00:61:00'"},
		{"seconds out of range", `"01:75"`, "invalid timestamp: '01:75'"},
		{"garbage", `"soon"`, `time: invalid duration "soon"`},
	} {
		t.Run(ca.name, func(t *testing.T) {
			var dec Duration
			err := dec.UnmarshalJSON([]byte(ca.enc))
			require.EqualError(t, err, ca.err)
		})
	}
}

func TestDurationMarshal(t *testing.T) {
	enc, err := Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"1.5s"`, string(enc))

	var dec Duration
	err = dec.UnmarshalJSON(enc)
	require.NoError(t, err)
	require.Equal(t, Duration(1500*time.Millisecond), dec)
}

func TestDurationUnmarshalEnv(t *testing.T) {
	var dec Duration
	err := dec.UnmarshalEnv("", "00:00:00.040")
	require.NoError(t, err)
	require.Equal(t, Duration(40*time.Millisecond), dec)
}

func TestDurationUnmarshalText(t *testing.T) {
	for _, ca := range []struct {
		enc string
		dec Duration
	}{
		{"1m30s", Duration(90 * time.Second)},
		{"00:01:30.5", Duration(90500 * time.Millisecond)},
		{"90.5", Duration(90500 * time.Millisecond)},
	} {
		t.Run(ca.enc, func(t *testing.T) {
			var dec Duration
			err := dec.UnmarshalText([]byte(ca.enc))
			require.NoError(t, err)
			require.Equal(t, ca.dec, dec)
		})
	}
}
