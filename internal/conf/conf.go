// Package conf contains the demuxer configuration.
package conf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mp4demux/internal/conf/env"
	"github.com/bluenviron/mp4demux/internal/conf/yamlwrapper"
	"github.com/bluenviron/mp4demux/internal/logger"
)

// EnvPrefix is the prefix of environment variables that override the configuration.
const EnvPrefix = "MP4DEMUX"

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		_, err := os.Stat(pa)
		if err == nil {
			return pa
		}
	}
	return ""
}

// Conf is a configuration.
type Conf struct {
	// Logging
	LogLevel        LogLevel        `json:"logLevel"`
	LogDestinations LogDestinations `json:"logDestinations"`
	LogStructured   bool            `json:"logStructured"`
	LogFile         string          `json:"logFile"`

	// Scheduling
	ClockIncrement Duration `json:"clockIncrement"`
	PreloadWindow  Duration `json:"preloadWindow"`

	// Source
	FastSeekable   bool       `json:"fastSeekable"`
	ProbeFragments bool       `json:"probeFragments"`
	MaxBoxPayload  ByteSize   `json:"maxBoxPayload"`

	// Output
	AnnexB    bool   `json:"annexB"`
	ADTS      bool   `json:"adts"`
	OutputDir string `json:"outputDir"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDestinations = LogDestinations{logger.DestinationStdout}
	conf.LogFile = "mp4demux.log"

	conf.ClockIncrement = Duration(100 * time.Millisecond)
	conf.PreloadWindow = Duration(15 * time.Second)

	conf.FastSeekable = true
	conf.ProbeFragments = true
	conf.MaxBoxPayload = 64 * 1024 * 1024

	conf.AnnexB = true
	conf.ADTS = true
	conf.OutputDir = "."
}

// Load loads a Conf.
func Load(fpath string, defaultConfPaths []string) (*Conf, string, error) {
	conf := &Conf{}

	fpath, err := conf.loadFromFile(fpath, defaultConfPaths)
	if err != nil {
		return nil, "", err
	}

	err = env.Load(EnvPrefix, conf)
	if err != nil {
		return nil, "", err
	}

	err = conf.Validate()
	if err != nil {
		return nil, "", err
	}

	return conf, fpath, nil
}

func (conf *Conf) loadFromFile(fpath string, defaultConfPaths []string) (string, error) {
	if fpath == "" {
		fpath = firstThatExists(defaultConfPaths)

		// when the configuration file is not explicitly set,
		// it is optional.
		if fpath == "" {
			conf.setDefaults()
			return "", nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}

	err = yamlwrapper.Unmarshal(byts, conf)
	if err != nil {
		return "", err
	}

	return fpath, nil
}

// Clone clones the configuration.
func (conf Conf) Clone() *Conf {
	enc, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}

	var dest Conf
	err = json.Unmarshal(enc, &dest)
	if err != nil {
		panic(err)
	}

	return &dest
}

// Validate checks the configuration for errors.
func (conf *Conf) Validate() error {
	if len(conf.LogDestinations) == 0 {
		return fmt.Errorf("at least one log destination must be set")
	}
	if conf.ClockIncrement <= 0 {
		return fmt.Errorf("'clockIncrement' must be greater than zero")
	}
	if conf.PreloadWindow < 0 {
		return fmt.Errorf("'preloadWindow' must not be negative")
	}
	if conf.MaxBoxPayload < 4096 {
		return fmt.Errorf("'maxBoxPayload' must be at least 4KB")
	}
	if conf.OutputDir == "" {
		return fmt.Errorf("'outputDir' must not be empty")
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler. It is used to set default values.
func (conf *Conf) UnmarshalJSON(b []byte) error {
	conf.setDefaults()

	type alias Conf
	d := json.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()
	return d.Decode((*alias)(conf))
}
