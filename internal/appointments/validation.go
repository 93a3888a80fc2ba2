package appointments

import (
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04:05"
	timeLayoutHHMM = "15:04"
)

// Operating window, both bounds inclusive.
var (
	openingTime = clockTime(9, 0)
	closingTime = clockTime(19, 0)
)

func clockTime(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

// validateSlot checks date then time, returning the canonical HH:MM:SS time.
// The first failing rule wins.
func validateSlot(date, clock string, today time.Time) (string, error) {
	day, err := time.Parse(dateLayout, strings.TrimSpace(date))
	if err != nil {
		return "", ErrInvalidDate
	}
	y, m, d := today.Date()
	if day.Before(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		return "", ErrPastDate
	}

	t, err := parseClock(clock)
	if err != nil {
		return "", ErrInvalidTime
	}
	offset := clockTime(t.Hour(), t.Minute()) + time.Duration(t.Second())*time.Second
	if offset < openingTime || offset > closingTime {
		return "", ErrOutsideHours
	}
	if (t.Minute() != 0 && t.Minute() != 30) || t.Second() != 0 {
		return "", ErrNotOnGrid
	}
	return t.Format(timeLayout), nil
}

func parseClock(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(timeLayout, raw); err == nil {
		return t, nil
	}
	return time.Parse(timeLayoutHHMM, raw)
}
