package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPart = regexp.MustCompile(`(\d+)([HMS])`)

// ParseDuration parses the ISO 8601 durations taskwarrior exports (PT1H30M).
// Plain Go durations ("90m", "1h30m") are accepted too.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if s[0] != 'P' {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return d, nil
	}

	// Only the time component is supported, 'P' must be followed by 'T'.
	rest := s[1:]
	if len(rest) == 0 || rest[0] != 'T' {
		return 0, fmt.Errorf("invalid ISO 8601 duration (missing T): %s", s)
	}
	rest = rest[1:]

	var total time.Duration
	for _, match := range durationPart.FindAllStringSubmatch(rest, -1) {
		value, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "H":
			total += time.Duration(value) * time.Hour
		case "M":
			total += time.Duration(value) * time.Minute
		case "S":
			total += time.Duration(value) * time.Second
		}
	}

	if total == 0 {
		return 0, fmt.Errorf("invalid ISO 8601 duration: %s", s)
	}
	return total, nil
}

// DurationMinutes converts an estimate string to whole minutes, rounding up
// and falling back to def for empty or unparsable input.
func DurationMinutes(s string, def int) int {
	d, err := ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// FormatMinutes renders minutes as "3h 15m".
func FormatMinutes(minutes int) string {
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// FormatClock renders minutes from midnight as "13:30".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
