package conf

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reClock = regexp.MustCompile(`^(-)?(?:([0-9]+):)?([0-9]{1,2}):([0-9]{1,2}(?:\.[0-9]+)?)$`)

// Duration is a duration of media time. It can be written as:
// - a Go duration ("100ms", "1m30s")
// - a clock timestamp ("01:30", "00:01:30.500")
// - a number of seconds (1.5)
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func secondsToDuration(s float64) (Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, fmt.Errorf("invalid duration: %v", s)
	}
	return Duration(math.Round(s * float64(time.Second))), nil
}

func parseClock(m []string) (Duration, error) {
	var hours int64
	if m[2] != "" {
		hours, _ = strconv.ParseInt(m[2], 10, 64)
	}

	minutes, _ := strconv.ParseInt(m[3], 10, 64)
	seconds, _ := strconv.ParseFloat(m[4], 64)

	if minutes >= 60 || seconds >= 60 {
		return 0, fmt.Errorf("invalid timestamp: '%s'", m[0])
	}

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(math.Round(seconds*float64(time.Second)))
	if m[1] != "" {
		d = -d
	}

	return Duration(d), nil
}

func parseDuration(in string) (Duration, error) {
	in = strings.TrimSpace(in)

	if m := reClock.FindStringSubmatch(in); m != nil {
		return parseClock(m)
	}

	if s, err := strconv.ParseFloat(in, 64); err == nil {
		return secondsToDuration(s)
	}

	v, err := time.ParseDuration(in)
	if err != nil {
		return 0, err
	}

	return Duration(v), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s float64
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := secondsToDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}

	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	v, err := parseDuration(in)
	if err != nil {
		return err
	}

	*d = v
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	var err error
	*d, err = parseDuration(string(b))
	return err
}

// UnmarshalEnv implements env.Unmarshaler.
func (d *Duration) UnmarshalEnv(_ string, v string) error {
	var err error
	*d, err = parseDuration(v)
	return err
}
