package taskwarrior

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/util"
)

const (
	PENDING   = "pending"
	COMPLETED = "completed"
	WAITING   = "waiting"
	DELETED   = "deleted"
)

type CustomTime struct {
	time.Time
}

const taskwarriorTimeLayout = "20060102T150405Z" // YYYYMMDDTHHMMSSZ, always UTC

// UnmarshalJSON implements the json.Unmarshaler interface for CustomTime.
func (ct *CustomTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "0" {
		ct.Time = time.Time{}
		return nil
	}

	t, err := time.Parse(taskwarriorTimeLayout, s)
	if err != nil {
		return fmt.Errorf("failed to parse Taskwarrior time string '%s': %w", s, err)
	}
	ct.Time = t
	return nil
}

// MarshalJSON implements the json.Marshaler interface for CustomTime.
func (ct CustomTime) MarshalJSON() ([]byte, error) {
	if ct.Time.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + ct.Time.Format(taskwarriorTimeLayout) + `"`), nil
}

type Annotation struct {
	Description string      `json:"description"`
	Entry       *CustomTime `json:"entry"`
}

// Task is one entry of `task export`. Est is the estimate UDA
// (uda.estimate.label=est), an ISO 8601 duration.
type Task struct {
	UUID        string       `json:"uuid"`
	Description string       `json:"description"`
	Status      string       `json:"status"`
	Priority    string       `json:"priority,omitempty"`
	Project     string       `json:"project,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Entry       *CustomTime  `json:"entry,omitempty"`
	End         *CustomTime  `json:"end,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Est         string       `json:"est,omitempty"`
}

// Importable reports whether the task should become a flowfocus task.
// Deleted and waiting tasks are left behind, as are blocked ones.
func (t Task) Importable() bool {
	if t.Status == DELETED || t.Status == WAITING {
		return false
	}
	for _, tag := range t.Tags {
		if tag == "BLOCKED" {
			return false
		}
	}
	return strings.TrimSpace(t.Description) != ""
}

// ToTask converts the export entry. Missing estimates become the default
// duration; the taskwarrior UUID is kept as the task ID.
func (t Task) ToTask() (model.Task, error) {
	priority, err := model.ParsePriority(t.Priority)
	if err != nil {
		return model.Task{}, err
	}

	var notes []string
	if t.Project != "" {
		notes = append(notes, "Project: "+t.Project)
	}
	for _, ann := range t.Annotations {
		notes = append(notes, ann.Description)
	}

	out, err := model.NewTask(t.Description, strings.Join(notes, "\n"), priority, util.DurationMinutes(t.Est, model.DefaultDurationMinutes))
	if err != nil {
		return model.Task{}, err
	}
	out.ID = t.UUID
	out.Source = "taskwarrior"
	if t.Entry != nil {
		out.CreatedAt = t.Entry.Time
	}
	if t.Status == COMPLETED {
		out.Completed = true
		if t.End != nil && !t.End.IsZero() {
			end := t.End.Time
			out.CompletedAt = &end
		}
	}
	return out, nil
}
