package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func stringArg(kw map[string]any, key, def string) (string, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func intArg(kw map[string]any, key string, def int) (int, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		return int(n), err
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

// durationArg accepts a Go duration string or a number of seconds.
func durationArg(kw map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("%s must be a duration", key)
	}
}
