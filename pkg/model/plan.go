package model

import (
	"fmt"
	"time"
)

const (
	// DefaultStartHour and DefaultEndHour give the 9 AM - 5 PM window used
	// until the user configures one.
	DefaultStartHour = 9
	DefaultEndHour   = 17
)

// WorkWindow bounds the hours of the day that count as working time.
type WorkWindow struct {
	StartHour int `json:"work_start_hour" yaml:"work_start_hour"`
	EndHour   int `json:"work_end_hour" yaml:"work_end_hour"`
}

// DefaultWorkWindow returns the 9-17 window.
func DefaultWorkWindow() WorkWindow {
	return WorkWindow{StartHour: DefaultStartHour, EndHour: DefaultEndHour}
}

// NewWorkWindow validates and builds a WorkWindow.
func NewWorkWindow(startHour, endHour int) (WorkWindow, error) {
	w := WorkWindow{StartHour: startHour, EndHour: endHour}
	if err := w.Validate(); err != nil {
		return WorkWindow{}, err
	}
	return w, nil
}

func (w WorkWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("%w: hours must be between 0 and 23", ErrInvalidWorkWindow)
	}
	if w.StartHour >= w.EndHour {
		return fmt.Errorf("%w: start hour must be before end hour", ErrInvalidWorkWindow)
	}
	return nil
}

// TotalMinutes is the length of the window.
func (w WorkWindow) TotalMinutes() int {
	return (w.EndHour - w.StartHour) * 60
}

// Bounds returns the window as wall-clock times on the given day in loc.
func (w WorkWindow) Bounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, w.StartHour, 0, 0, 0, loc)
	end := time.Date(y, m, d, w.EndHour, 0, 0, 0, loc)
	return start, end
}

// BusyInterval is an occupied range of the day in minutes from midnight,
// half open: [StartMinute, EndMinute).
type BusyInterval struct {
	StartMinute int    `json:"start_minute" yaml:"start_minute"`
	EndMinute   int    `json:"end_minute" yaml:"end_minute"`
	Summary     string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// NewBusyInterval rejects negative or inverted ranges.
func NewBusyInterval(startMinute, endMinute int) (BusyInterval, error) {
	if startMinute < 0 {
		return BusyInterval{}, fmt.Errorf("%w: start %d is negative", ErrInvalidInterval, startMinute)
	}
	if endMinute <= startMinute {
		return BusyInterval{}, fmt.Errorf("%w: end %d is not after start %d", ErrInvalidInterval, endMinute, startMinute)
	}
	return BusyInterval{StartMinute: startMinute, EndMinute: endMinute}, nil
}

// DayPlan is the result of one pass of the capacity pipeline for one day.
type DayPlan struct {
	UserID           string         `json:"user_id" yaml:"user_id"`
	Date             string         `json:"date" yaml:"date"`
	TotalMinutes     int            `json:"total_minutes" yaml:"total_minutes"`
	AvailableMinutes int            `json:"available_minutes" yaml:"available_minutes"`
	TotalTaskMinutes int            `json:"total_task_minutes" yaml:"total_task_minutes"`
	CapacityExceeded bool           `json:"capacity_exceeded" yaml:"capacity_exceeded"`
	NextTask         *Task          `json:"next_task,omitempty" yaml:"next_task,omitempty"`
	Busy             []BusyInterval `json:"busy,omitempty" yaml:"busy,omitempty"`
	Window           WorkWindow     `json:"window" yaml:"window"`
	SyncedAt         time.Time      `json:"synced_at" yaml:"synced_at"`
}

// DateKey formats a day the way plans and syncs are keyed.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
