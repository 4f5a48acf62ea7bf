package yamlwrapper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshalIntegerMapKey(t *testing.T) {
	buf := []byte(`
1: value
test: value2
`)

	var dest map[string]string
	err := Unmarshal(buf, &dest)
	require.EqualError(t, err, "integer keys are not supported (1)")
}

func TestUnmarshalDuplicateKey(t *testing.T) {
	buf := []byte(`
key: value1
key: value2
`)

	err := Unmarshal(buf, &map[string]string{})
	require.Error(t, err)
}

func TestUnmarshalUnknownFields(t *testing.T) {
	type testStruct struct {
		Field1 string `json:"field1"`
		Field2 int    `json:"field2"`
	}

	buf := []byte(`
field1: test
field3: 456
`)

	var dest testStruct
	err := Unmarshal(buf, &dest)
	require.EqualError(t, err, "json: unknown field \"field3\"")
}

func TestUnmarshalLegacyBools(t *testing.T) {
	type testStruct struct {
		Probe bool `json:"probe"`
		Seek  bool `json:"seek"`
	}

	buf := []byte(`
probe: yes
seek: no
`)

	var dest testStruct
	err := Unmarshal(buf, &dest)
	require.NoError(t, err)
	require.Equal(t, testStruct{Probe: true, Seek: false}, dest)
}

func TestUnmarshalEmpty(t *testing.T) {
	type testStruct struct {
		Field1 string `json:"field1"`
	}

	dest := testStruct{Field1: "keep"}
	err := Unmarshal([]byte(""), &dest)
	require.NoError(t, err)
	require.Equal(t, "keep", dest.Field1)
}
