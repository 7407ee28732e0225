package cfg

import (
	"reflect"
	"strconv"
)

// octalDecodeHook parses a string-typed flag/config value into an Octal by
// base-8 conversion.
func octalDecodeHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(Octal(0)) {
		return data, nil
	}
	s := data.(string)
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return nil, err
	}
	return Octal(v), nil
}
