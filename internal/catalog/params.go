package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Params come from JSON/YAML, so numbers may arrive as float64, int or string.

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return def
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}

func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("param %q: unsupported type %T", key, v)
	}
}

// paramDuration accepts a Go duration string ("1.5s") or a number of seconds.
func paramDuration(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return def, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	secs, err := paramFloat(params, key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func paramBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func paramStrings(params map[string]any, key string, def []string) []string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	var out []string
	switch x := v.(type) {
	case []string:
		out = append(out, x...)
	case []any:
		for _, it := range x {
			if s := strings.TrimSpace(fmt.Sprint(it)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, p := range strings.Split(x, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// paramInt64 accepts whole numbers as JSON numbers or strings.
func paramInt64(params map[string]any, key string, def int64) (int64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return n, nil
	}
	f, err := paramFloat(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("param %q: %v is not a whole number", key, f)
	}
	return int64(f), nil
}
