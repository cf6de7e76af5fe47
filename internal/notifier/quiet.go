package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// quietWindow is the nightly do-not-disturb span in school-local wall-clock
// minutes. A window whose start equals its end is disabled.
type quietWindow struct {
	start int // minutes since midnight
	end   int
}

func parseQuietWindow(start, end string) (quietWindow, error) {
	if start == "" && end == "" {
		return quietWindow{}, nil
	}
	s, err := parseWallMinutes(start)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseWallMinutes(end)
	if err != nil {
		return quietWindow{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return quietWindow{start: s, end: e}, nil
}

func parseWallMinutes(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return h*60 + m, nil
}

func (w quietWindow) disabled() bool { return w.start == w.end }

// contains reports whether t's wall-clock time falls inside the window.
// Windows spanning midnight (21:00 to 07:00) wrap.
func (w quietWindow) contains(t time.Time) bool {
	if w.disabled() {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// nextEnd returns the first instant at or after t when the window closes.
// Only meaningful when contains(t) is true.
func (w quietWindow) nextEnd(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := day.Add(time.Duration(w.end) * time.Minute)
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}
