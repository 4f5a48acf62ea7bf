// Package env contains a function to load configuration from environment.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Unmarshaler can be implemented to override the unmarshaling process.
type Unmarshaler interface {
	UnmarshalEnv(prefix string, v string) error
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true":
		return true, nil

	case "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid value '%s'", v)
}

func setValue(prv reflect.Value, rt reflect.Type, ev string) error {
	if prv.IsNil() {
		prv.Set(reflect.New(rt))
	}
	elem := prv.Elem()

	switch rt.Kind() {
	case reflect.String:
		elem.SetString(ev)

	case reflect.Int, reflect.Int64:
		iv, err := strconv.ParseInt(ev, 10, 64)
		if err != nil {
			return err
		}
		elem.SetInt(iv)

	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		iv, err := strconv.ParseUint(ev, 10, 64)
		if err != nil {
			return err
		}
		elem.SetUint(iv)

	case reflect.Float64:
		fv, err := strconv.ParseFloat(ev, 64)
		if err != nil {
			return err
		}
		elem.SetFloat(fv)

	case reflect.Bool:
		bv, err := parseBool(ev)
		if err != nil {
			return err
		}
		elem.SetBool(bv)

	case reflect.Slice:
		if rt.Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type: %v", rt)
		}
		if ev == "" {
			elem.Set(reflect.MakeSlice(rt, 0, 0))
		} else {
			elem.Set(reflect.ValueOf(strings.Split(ev, ",")).Convert(rt))
		}

	default:
		return fmt.Errorf("unsupported type: %v", rt)
	}

	return nil
}

func loadEnvInternal(env map[string]string, prefix string, prv reflect.Value) error {
	if prv.Kind() != reflect.Pointer {
		return loadEnvInternal(env, prefix, prv.Addr())
	}

	rt := prv.Type().Elem()

	if i, ok := prv.Interface().(Unmarshaler); ok {
		if ev, ok := env[prefix]; ok {
			if prv.IsNil() {
				prv.Set(reflect.New(rt))
				i = prv.Interface().(Unmarshaler)
			}
			err := i.UnmarshalEnv(prefix, ev)
			if err != nil {
				return fmt.Errorf("%s: %w", prefix, err)
			}
		}
		return nil
	}

	if rt.Kind() == reflect.Struct {
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			jsonTag := f.Tag.Get("json")

			// load only public fields
			if jsonTag == "" || jsonTag == "-" {
				continue
			}

			key := strings.ToUpper(strings.Split(jsonTag, ",")[0])

			err := loadEnvInternal(env, prefix+"_"+key, prv.Elem().Field(i))
			if err != nil {
				return err
			}
		}
		return nil
	}

	if ev, ok := env[prefix]; ok {
		err := setValue(prv, rt, ev)
		if err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}

	return nil
}

func loadWithEnv(env map[string]string, prefix string, v interface{}) error {
	return loadEnvInternal(env, prefix, reflect.ValueOf(v).Elem())
}

func envToMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		tmp := strings.SplitN(kv, "=", 2)
		env[tmp[0]] = tmp[1]
	}
	return env
}

// Load loads the configuration from the environment.
func Load(prefix string, v interface{}) error {
	return loadWithEnv(envToMap(), prefix, v)
}
