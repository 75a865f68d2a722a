package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks a task. Higher values are picked first.
type Priority int

const (
	Low Priority = iota + 1
	Medium
	High
)

// DefaultDurationMinutes is used when a task is created without an estimate.
const DefaultDurationMinutes = 30

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= Low && p <= High
}

// ParsePriority accepts the names used by the UI ("high"), taskwarrior ("H")
// and Org-mode cookies ("A").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "h", "a":
		return High, nil
	case "medium", "m", "b", "":
		return Medium, nil
	case "low", "l", "c":
		return Low, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidTask, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Task is a unit of work with an estimated duration.
type Task struct {
	ID string `json:"id" yaml:"id"`
	// Seq is the creation order assigned by the store. It breaks priority ties.
	Seq             int64      `json:"seq" yaml:"seq"`
	Title           string     `json:"title" yaml:"title"`
	Description     string     `json:"description,omitempty" yaml:"description,omitempty"`
	Priority        Priority   `json:"priority" yaml:"priority"`
	DurationMinutes int        `json:"duration_minutes" yaml:"duration_minutes"`
	Completed       bool       `json:"completed" yaml:"completed"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Source          string     `json:"source,omitempty" yaml:"source,omitempty"`
}

// NewTask validates the user supplied fields of a task. ID and Seq are left
// for the store to assign.
func NewTask(title, description string, priority Priority, durationMinutes int) (Task, error) {
	t := Task{
		Title:           strings.TrimSpace(title),
		Description:     description,
		Priority:        priority,
		DurationMinutes: durationMinutes,
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Validate rejects tasks the capacity pipeline cannot accept.
func (t Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidTask, int(t.Priority))
	}
	if t.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidTask, t.DurationMinutes)
	}
	return nil
}
