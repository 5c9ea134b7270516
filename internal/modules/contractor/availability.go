// README: Weekly availability windows and the coverage check used by scoring.
package contractor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidWindow   = errors.New("invalid availability window")
	ErrOvernightWindow = errors.New("overnight availability windows are not supported")
)

// DayWindow is the declared working window for one weekday. Start and End
// are "HH:MM" wall-clock times; End may be "24:00".
type DayWindow struct {
	Available bool   `json:"available" firestore:"available"`
	Start     string `json:"start" firestore:"start"`
	End       string `json:"end" firestore:"end"`
}

// WeeklyAvailability maps lowercase weekday names ("monday") to windows.
// A missing day is treated as unavailable.
type WeeklyAvailability map[string]DayWindow

func weekdayKey(d time.Weekday) string {
	return strings.ToLower(d.String())
}

var validDays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Validate checks day names and every available window. Windows whose end
// is not after their start are rejected with ErrOvernightWindow.
func (w WeeklyAvailability) Validate() error {
	for day, win := range w {
		if !validDays[day] {
			return fmt.Errorf("%w: unknown day %q", ErrInvalidWindow, day)
		}
		if !win.Available {
			continue
		}
		if _, _, err := win.bounds(); err != nil {
			return fmt.Errorf("%s: %w", day, err)
		}
	}
	return nil
}

// Covers reports whether the window for at's weekday contains the span
// [at, at+duration]. Unavailable days return false regardless of hour.
func (w WeeklyAvailability) Covers(at time.Time, duration time.Duration) (bool, error) {
	win, ok := w[weekdayKey(at.Weekday())]
	if !ok || !win.Available {
		return false, nil
	}
	start, end, err := win.bounds()
	if err != nil {
		return false, err
	}
	minute := at.Hour()*60 + at.Minute()
	if minute < start {
		return false, nil
	}
	finish := float64(minute) + duration.Minutes()
	return finish <= float64(end), nil
}

// IsAvailable applies the emergency bypass: an emergency request skips the
// schedule check entirely for contractors who accept emergency work.
func IsAvailable(p Profile, at time.Time, duration time.Duration, emergency bool) (bool, error) {
	if emergency && p.EmergencyAvailable {
		return true, nil
	}
	return p.Availability.Covers(at, duration)
}

func (d DayWindow) bounds() (int, int, error) {
	start, err := parseClock(d.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(d.End)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("%w: %s-%s", ErrOvernightWindow, d.Start, d.End)
	}
	return start, end, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(mm) != 2 || hh == "" || len(hh) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	return h*60 + m, nil
}
