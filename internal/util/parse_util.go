package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	durationRegex = regexp.MustCompile(`^(\d+)(ms|[smh])$`)
	clockRegex    = regexp.MustCompile(`^(\d+):([0-5]\d)(?:\.(\d{1,3}))?$`)
)

// ParseDurationString converts strings like "5m", "300s", "1h", "6m11s",
// "421494ms" or a run clock such as "07:01.494" into time.Duration.
func ParseDurationString(durationStr string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(durationStr))
	if s == "" || s == "0" {
		return 0, nil
	}

	if matches := clockRegex.FindStringSubmatch(s); matches != nil {
		minutes, _ := strconv.Atoi(matches[1])
		seconds, _ := strconv.Atoi(matches[2])
		d := time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
		if frac := matches[3]; frac != "" {
			// "07:01.5" means 500ms, not 5ms.
			frac += strings.Repeat("0", 3-len(frac))
			millis, _ := strconv.Atoi(frac)
			d += time.Duration(millis) * time.Millisecond
		}
		return d, nil
	}

	if matches := durationRegex.FindStringSubmatch(s); len(matches) == 3 {
		value, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration numeric value: %s", matches[1])
		}
		var unit time.Duration
		switch matches[2] {
		case "ms":
			unit = time.Millisecond
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		}
		return time.Duration(value) * unit, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration string format: %s. Use '10s', '5m', '6m11s' or 'mm:ss'", durationStr)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration not allowed: %s", durationStr)
	}
	return d, nil
}

// FormatElapsed renders in-game milliseconds as a zero-padded mm:ss clock.
// Sub-second remainders are floored.
func FormatElapsed(millis int64) string {
	if millis < 0 {
		millis = 0
	}
	seconds := millis / 1000
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
