package pipeline

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidDuration is wrapped into every duration parse failure.
var ErrInvalidDuration = errors.New("invalid time format")

const durationHint = `expected minutes ("90"), decimal hours ("1.5h") or hours and minutes ("1h 30m")`

var (
	hoursMinutesRe = regexp.MustCompile(`^(\d+)\s*h\s*(\d+)\s*m$`)
	hoursRe        = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*h$`)
	minutesRe      = regexp.MustCompile(`^(\d+)\s*m$`)
	bareIntRe      = regexp.MustCompile(`^\d+$`)
	bareDecimalRe  = regexp.MustCompile(`^\d+\.\d+$`)
)

// ParseDuration converts a user-supplied duration string into whole
// minutes. Accepted forms: integer minutes, "<N>m", decimal hours with or
// without the "h" suffix, and combined "<N>h <M>m" / "<N>h<M>m". A zero or
// negative result is rejected.
func ParseDuration(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration, %s", ErrInvalidDuration, durationHint)
	}

	var minutes int
	switch {
	case hoursMinutesRe.MatchString(s):
		m := hoursMinutesRe.FindStringSubmatch(s)
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		minutes = h*60 + min
	case hoursRe.MatchString(s):
		m := hoursRe.FindStringSubmatch(s)
		hours, _ := strconv.ParseFloat(m[1], 64)
		minutes = int(math.Round(hours * 60))
	case minutesRe.MatchString(s):
		m := minutesRe.FindStringSubmatch(s)
		minutes, _ = strconv.Atoi(m[1])
	case bareIntRe.MatchString(s):
		minutes, _ = strconv.Atoi(s)
	case bareDecimalRe.MatchString(s):
		hours, _ := strconv.ParseFloat(s, 64)
		minutes = int(math.Round(hours * 60))
	default:
		return 0, fmt.Errorf("%w: %q, %s", ErrInvalidDuration, s, durationHint)
	}

	if minutes <= 0 {
		return 0, fmt.Errorf("%w: %q resolves to %d minutes", ErrInvalidDuration, s, minutes)
	}
	return minutes, nil
}
