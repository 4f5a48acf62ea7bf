// Package jsonwrapper contains a JSON unmarshaler.
package jsonwrapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// differences with respect to the standard package:
// - unknown fields are an error
// - slices present in the input replace the destination slice instead of
//   being merged element by element (https://github.com/golang/go/issues/21092)
// - a slice cannot be set to null

func fieldKey(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

func joinPath(path string, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func resetSlices(v reflect.Value, raw interface{}, path string) error {
	switch v.Kind() {
	case reflect.Slice:
		if raw == nil {
			if path == "" {
				return fmt.Errorf("cannot set slice to nil")
			}
			return fmt.Errorf("cannot set slice '%s' to nil", path)
		}

		if !v.IsNil() {
			v.Set(reflect.Zero(v.Type()))
		}

	case reflect.Struct:
		rawMap, ok := raw.(map[string]interface{})
		if !ok {
			return nil
		}

		for i := 0; i < v.NumField(); i++ {
			key := fieldKey(v.Type().Field(i))
			if key == "" {
				continue
			}

			if rawVal, ok := rawMap[key]; ok {
				err := resetSlices(v.Field(i), rawVal, joinPath(path, key))
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// Unmarshal decodes JSON.
func Unmarshal(buf []byte, dest interface{}) error {
	var raw interface{}
	err := json.Unmarshal(buf, &raw)
	if err != nil {
		return err
	}

	err = resetSlices(reflect.ValueOf(dest).Elem(), raw, "")
	if err != nil {
		return err
	}

	d := json.NewDecoder(bytes.NewReader(buf))
	d.DisallowUnknownFields()
	return d.Decode(dest)
}
