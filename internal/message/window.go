package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DailyWindow is a wall-clock range within a day, minute resolution, both
// ends inclusive. A window whose start is after its end wraps past midnight.
type DailyWindow struct {
	Start int // minutes since midnight
	End   int
}

// ParseClock parses "H:MM" or "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// ParseWindow builds a window from two clock strings. Both must be valid.
func ParseWindow(start, end string) (*DailyWindow, error) {
	s, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, err
	}
	return &DailyWindow{Start: s, End: e}, nil
}

// Contains reports whether t's local wall-clock time falls inside w.
// A nil window contains every instant.
func (w *DailyWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

func (w *DailyWindow) String() string {
	if w == nil {
		return ""
	}
	return fmt.Sprintf("%d:%02d-%d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
