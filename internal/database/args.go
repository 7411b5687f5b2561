// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"fmt"
	"reflect"
	"time"
)

// Timestamps are stored as floating-point seconds since the Unix epoch.
func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// normalizeValue coerces an arbitrary client value into one of the variants
// the driver can bind: string, int64, float64, bool, []byte or nil.
// Timestamps become epoch seconds. Anything unrecognized is bound through its
// textual description rather than rejected.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case []byte:
		return val
	case bool:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	case time.Time:
		return timeToSeconds(val)
	case fmt.Stringer:
		return val.String()
	}

	// Sequences and sets pass through untouched: they are consumed whole by
	// multi-bind expansion, which normalizes their elements.
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return v
	}

	return fmt.Sprintf("%v", v)
}

func asString(v any) string {
	return fmt.Sprintf("%v", v)
}

func normalizeValues(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = normalizeValue(a)
	}
	return out
}

// sequenceValues flattens the argument supplied for a #? site into its
// normalized element values. Slices and arrays bind in order; map keys (the
// set form) bind in iteration order, so their order is unspecified but the
// arity always matches the set's cardinality. nil is treated as the empty
// sequence.
func sequenceValues(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}

	switch seq := v.(type) {
	case []any:
		return normalizeValues(seq), nil
	case []string:
		out := make([]any, len(seq))
		for i, s := range seq {
			out[i] = s
		}
		return out, nil
	case []int64:
		out := make([]any, len(seq))
		for i, n := range seq {
			out[i] = n
		}
		return out, nil
	case []int:
		out := make([]any, len(seq))
		for i, n := range seq {
			out[i] = int64(n)
		}
		return out, nil
	case map[string]struct{}:
		out := make([]any, 0, len(seq))
		for s := range seq {
			out = append(out, s)
		}
		return out, nil
	case map[int64]struct{}:
		out := make([]any, 0, len(seq))
		for n := range seq {
			out = append(out, n)
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out, nil
	case reflect.Map:
		out := make([]any, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			out = append(out, normalizeValue(k.Interface()))
		}
		return out, nil
	}

	return nil, ErrInvalidMultiBind
}
