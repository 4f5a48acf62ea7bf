package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bluenviron/mp4demux/internal/logger"
	"github.com/bluenviron/mp4demux/internal/test"
)

func TestConfFromFile(t *testing.T) {
	tmpf := test.WriteFile(t, "mp4demux.yml", []byte("logLevel: debug\n"+
		"clockIncrement: 250ms\n"+
		"probeFragments: no\n"+
		"maxBoxPayload: 1M\n"))

	conf, confPath, err := Load(tmpf, nil)
	require.NoError(t, err)
	require.Equal(t, tmpf, confPath)

	require.Equal(t, LogLevel(logger.Debug), conf.LogLevel)
	require.Equal(t, LogDestinations{logger.DestinationStdout}, conf.LogDestinations)
	require.Equal(t, Duration(250*time.Millisecond), conf.ClockIncrement)
	require.Equal(t, Duration(15*time.Second), conf.PreloadWindow)
	require.Equal(t, false, conf.ProbeFragments)
	require.Equal(t, true, conf.FastSeekable)
	require.Equal(t, ByteSize(1024*1024), conf.MaxBoxPayload)
}

func TestConfFromEnvironment(t *testing.T) {
	t.Setenv("MP4DEMUX_LOGDESTINATIONS", "stdout,file")
	t.Setenv("MP4DEMUX_PRELOADWINDOW", "00:01:30")
	t.Setenv("MP4DEMUX_FASTSEEKABLE", "no")
	t.Setenv("MP4DEMUX_OUTPUTDIR", "/tmp/out")

	conf, confPath, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "", confPath)

	require.Equal(t, LogDestinations{logger.DestinationStdout, logger.DestinationFile}, conf.LogDestinations)
	require.Equal(t, Duration(90*time.Second), conf.PreloadWindow)
	require.Equal(t, false, conf.FastSeekable)
	require.Equal(t, "/tmp/out", conf.OutputDir)
	require.Equal(t, Duration(100*time.Millisecond), conf.ClockIncrement)
}

func TestConfErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		conf string
		err  string
	}{
		{
			"unknown field",
			"invalid: param\n",
			"json: unknown field \"invalid\"",
		},
		{
			"zero increment",
			"clockIncrement: 0s\n",
			"'clockIncrement' must be greater than zero",
		},
		{
			"negative preload",
			"preloadWindow: -1s\n",
			"'preloadWindow' must not be negative",
		},
		{
			"invalid log level",
			"logLevel: verbose\n",
			"invalid log level: 'verbose'",
		},
		{
			"invalid payload size",
			"maxBoxPayload: lots\n",
			"invalid size 'lots'",
		},
		{
			"duplicate log destination",
			"logDestinations: [stdout, stdout]\n",
			"log destination set twice",
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			tmpf := test.WriteFile(t, "mp4demux.yml", []byte(ca.conf))

			_, _, err := Load(tmpf, nil)
			require.ErrorContains(t, err, ca.err)
		})
	}
}

func TestConfClone(t *testing.T) {
	conf, _, err := Load("", nil)
	require.NoError(t, err)

	clone := conf.Clone()
	require.Equal(t, conf, clone)

	clone.OutputDir = "other"
	require.NotEqual(t, conf.OutputDir, clone.OutputDir)
}

func TestLogLevel(t *testing.T) {
	for _, ca := range []struct {
		in  string
		out LogLevel
	}{
		{"debug", LogLevel(logger.Debug)},
		{"INFO", LogLevel(logger.Info)},
		{"warning", LogLevel(logger.Warn)},
		{"Error", LogLevel(logger.Error)},
	} {
		t.Run(ca.in, func(t *testing.T) {
			var d LogLevel
			err := d.UnmarshalEnv("", ca.in)
			require.NoError(t, err)
			require.Equal(t, ca.out, d)
		})
	}

	enc, err := LogLevel(logger.Warn).MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"warn"`, string(enc))

	_, err = LogLevel(0).MarshalJSON()
	require.EqualError(t, err, "invalid log level: 0")
}

func TestByteSize(t *testing.T) {
	for _, ca := range []struct {
		name string
		enc  string
		dec  ByteSize
	}{
		{"unit", `"64K"`, 64 * 1024},
		{"long unit", `"2MB"`, 2 * 1024 * 1024},
		{"bytes", `4096`, 4096},
	} {
		t.Run(ca.name, func(t *testing.T) {
			var dec ByteSize
			err := dec.UnmarshalJSON([]byte(ca.enc))
			require.NoError(t, err)
			require.Equal(t, ca.dec, dec)
		})
	}

	enc, err := ByteSize(1024 * 1024).MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"1M"`, string(enc))
}
