package conf

import (
	"encoding/json"
	"fmt"

	"code.cloudfoundry.org/bytefmt"
)

// ByteSize is a size in bytes. It can be written as a string with
// a unit ("64K", "1MB") or as a number of bytes.
type ByteSize uint64

// MarshalJSON implements json.Marshaler.
func (s ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytefmt.ByteSize(uint64(s)))
}

func parseByteSize(in string) (ByteSize, error) {
	v, err := bytefmt.ToBytes(in)
	if err != nil {
		return 0, fmt.Errorf("invalid size '%s': %w", in, err)
	}
	return ByteSize(v), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ByteSize) UnmarshalJSON(b []byte) error {
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = ByteSize(n)
		return nil
	}

	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	v, err := parseByteSize(in)
	if err != nil {
		return err
	}

	*s = v
	return nil
}

// UnmarshalEnv implements env.Unmarshaler.
func (s *ByteSize) UnmarshalEnv(_ string, v string) error {
	var err error
	*s, err = parseByteSize(v)
	return err
}
