package conf

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluenviron/mp4demux/internal/logger"
)

var logLevelNames = map[logger.Level]string{
	logger.Error: "error",
	logger.Warn:  "warn",
	logger.Info:  "info",
	logger.Debug: "debug",
}

// LogLevel is the logLevel parameter.
// Names are case insensitive and "warning" is accepted as "warn".
type LogLevel logger.Level

// MarshalJSON implements json.Marshaler.
func (d LogLevel) MarshalJSON() ([]byte, error) {
	name, ok := logLevelNames[logger.Level(d)]
	if !ok {
		return nil, fmt.Errorf("invalid log level: %v", d)
	}
	return json.Marshal(name)
}

func parseLogLevel(in string) (LogLevel, error) {
	name := strings.ToLower(in)
	if name == "warning" {
		name = "warn"
	}

	for level, n := range logLevelNames {
		if n == name {
			return LogLevel(level), nil
		}
	}

	return 0, fmt.Errorf("invalid log level: '%s'", in)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *LogLevel) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	v, err := parseLogLevel(in)
	if err != nil {
		return err
	}

	*d = v
	return nil
}

// UnmarshalEnv implements env.Unmarshaler.
func (d *LogLevel) UnmarshalEnv(_ string, v string) error {
	var err error
	*d, err = parseLogLevel(v)
	return err
}
