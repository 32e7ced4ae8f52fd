package descriptor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var expiresPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?|d|days?|w|weeks?|y|years?)$`)

var expiresUnits = map[string]time.Duration{
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
	"y": 8766 * time.Hour, "year": 8766 * time.Hour, "years": 8766 * time.Hour,
}

// ParseExpires parses the "expires" value of an auth scheme. A JSON number is a
// number of seconds. A string is either a Go duration ("168h") or a number
// followed by a unit ("7 days", "7d", "12h", "30 minutes"). A missing or null
// value yields zero, tokens do not expire.
func ParseExpires(raw json.RawMessage) (time.Duration, error) {
	if isNull(raw) {
		return 0, nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("negative expires %v", v)
		}
		return time.Duration(v * float64(time.Second)), nil
	case string:
		return parseExpiresString(v)
	default:
		return 0, fmt.Errorf("invalid expires %s", string(raw))
	}
}

func parseExpiresString(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative expires %s", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	if m := expiresPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n * float64(expiresUnits[m[2]])), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid expires %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative expires %s", s)
	}
	return d, nil
}
