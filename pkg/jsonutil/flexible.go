package jsonutil

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexibleString converts a decoded JSON value to its text form. Whole
// numbers print without a fraction; objects and arrays print as JSON.
// Returns empty string for nil.
func FlexibleString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// FlexibleNumber parses a decoded JSON value as a number. Numeric strings
// are accepted; anything else reports false.
func FlexibleNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// FlexibleBool reports the truth value of a decoded JSON value.
// Strings are true only for "true" or "1" (any case); numbers are true when non-zero.
func FlexibleBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		s := strings.TrimSpace(val)
		return strings.EqualFold(s, "true") || s == "1"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	}
	return false
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
