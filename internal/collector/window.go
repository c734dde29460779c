package collector

import (
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/vcevidence/internal/apierr"
)

const (
	defaultWindowDays = 7
	minWindowDays     = 1
	maxWindowDays     = 365
)

// ResolveWindow implements the collection-window resolution rule of §4.2
// step 2: explicit RFC3339 window_from/window_to win if both are present;
// otherwise a period shorthand ("today", "7d", "30d", "<N>d") is parsed,
// defaulting to 7 days and clamping <N>d to [1, 365].
func ResolveWindow(windowFrom, windowTo, shorthand string, now time.Time) (from, to time.Time, err error) {
	if windowFrom != "" && windowTo != "" {
		from, err = time.Parse(time.RFC3339, windowFrom)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.Protocol("invalid window_from: %v", err)
		}
		to, err = time.Parse(time.RFC3339, windowTo)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.Protocol("invalid window_to: %v", err)
		}
		if to.Before(from) {
			return time.Time{}, time.Time{}, apierr.Protocol("window_to precedes window_from")
		}
		return from, to, nil
	}

	days, err := parseShorthandDays(shorthand)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to = now
	from = now.Add(-time.Duration(days) * 24 * time.Hour)
	return from, to, nil
}

func parseShorthandDays(shorthand string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(shorthand)) {
	case "":
		return defaultWindowDays, nil
	case "today":
		return 1, nil
	case "7d":
		return 7, nil
	case "30d":
		return 30, nil
	}

	trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(shorthand)), "d")
	if trimmed == shorthand {
		return 0, apierr.Protocol("unrecognized window shorthand: %q", shorthand)
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, apierr.Protocol("unrecognized window shorthand: %q", shorthand)
	}
	if n < minWindowDays {
		n = minWindowDays
	}
	if n > maxWindowDays {
		n = maxWindowDays
	}
	return n, nil
}
