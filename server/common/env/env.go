package env

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// lookup treats unset and blank variables alike.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// parsed falls back whenever the value is missing, malformed or rejected by accept.
func parsed[T any](key string, fallback T, parse func(string) (T, error), accept func(T) bool) T {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	v, err := parse(raw)
	if err != nil || (accept != nil && !accept(v)) {
		return fallback
	}
	return v
}

func String(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// Int only accepts positive values.
func Int(key string, fallback int) int {
	return parsed(key, fallback, strconv.Atoi, func(n int) bool { return n > 0 })
}

func Bool(key string, fallback bool) bool {
	return parsed(key, fallback, strconv.ParseBool, nil)
}

// Duration accepts Go duration syntax ("750ms", "10m") and only positive values.
func Duration(key string, fallback time.Duration) time.Duration {
	return parsed(key, fallback, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// CSV splits a comma separated list, dropping blanks and repeats.
func CSV(key string, fallback []string) []string {
	var items []string
	if raw, ok := lookup(key); ok {
		for part := range strings.SplitSeq(raw, ",") {
			item := strings.TrimSpace(part)
			if item != "" && !slices.Contains(items, item) {
				items = append(items, item)
			}
		}
	}
	if len(items) == 0 {
		return slices.Clone(fallback)
	}
	return items
}
