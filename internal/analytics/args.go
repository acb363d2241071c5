package analytics

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Args is the loosely typed argument bag a router or tool caller supplies.
type Args map[string]any

// Has reports whether key is present with a non-empty value.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}

// String returns the trimmed string form of key, or "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Float parses key as a number. ok is false when the key is absent.
func (a Args) Float(key string) (v float64, ok bool, err error) {
	if !a.Has(key) {
		return 0, false, nil
	}
	switch t := a[key].(type) {
	case float64:
		return t, true, nil
	case float32:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, true, eris.Wrapf(ErrInvalidArgument, "%s: %v", key, err)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, true, eris.Wrapf(ErrInvalidArgument, "%s must be a number, got %q", key, t)
		}
		return f, true, nil
	}
	return 0, true, eris.Wrapf(ErrInvalidArgument, "%s must be a number", key)
}

// StringList returns key as a list of trimmed, non-empty strings. A single
// string is split on commas.
func (a Args) StringList(key string) []string {
	var raw []string
	switch v := a[key].(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
