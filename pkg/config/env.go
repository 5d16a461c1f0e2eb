package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LookupFunc resolves an environment variable. os.LookupEnv is the default.
type LookupFunc func(key string) (string, bool)

// envReader reads typed variables through a LookupFunc. Unset and empty
// variables keep the current value; malformed ones are collected so Load
// can report every bad variable at once.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func newEnvReader(lookup LookupFunc) *envReader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &envReader{lookup: lookup}
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	return v, ok && v != ""
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// String sets *dst from key when it is set.
//
//	r.String("DUPLEX_LOG_LEVEL", &s.LogLevel)
func (e *envReader) String(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

// Int sets *dst from key when it holds a valid integer.
func (e *envReader) Int(key string, dst *int) {
	if v, ok := e.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

// Bool accepts anything strconv.ParseBool does.
func (e *envReader) Bool(key string, dst *bool) {
	if v, ok := e.value(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) Float(key string, dst *float64) {
	if v, ok := e.value(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

// Duration parses Go duration strings such as "250ms" or "5s".
func (e *envReader) Duration(key string, dst *time.Duration) {
	if v, ok := e.value(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// overlay returns a lookup that consults primary first, then values.
func overlay(primary LookupFunc, values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}
