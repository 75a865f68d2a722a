// Package capacity holds the pure stages of the day planner: availability,
// the capacity verdict and next-task selection. Nothing here blocks or fails
// on validated input.
package capacity

import (
	"sort"
	"time"

	"github.com/harrisonrobin/flowfocus/pkg/interval"
	"github.com/harrisonrobin/flowfocus/pkg/model"
)

// Available returns the free minutes in the window once busy intervals are
// removed. Never negative.
func Available(w model.WorkWindow, busy []model.BusyInterval) int {
	free := w.TotalMinutes() - interval.Covered(interval.Normalize(w, busy))
	if free < 0 {
		return 0
	}
	return free
}

// Verdict compares estimated work against free time.
type Verdict struct {
	TotalTaskMinutes int
	Exceeded         bool
}

// Reconcile sums the durations of open tasks. An exact fit is not exceeded.
func Reconcile(available int, tasks []model.Task) Verdict {
	total := 0
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		total += t.DurationMinutes
	}
	return Verdict{TotalTaskMinutes: total, Exceeded: total > available}
}

// less orders tasks by priority, then creation order, then ID.
func less(a, b model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func open(tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out
}

// SelectNext returns the highest priority open task, oldest first among
// equals. It does not look at whether the task fits in the remaining time.
func SelectNext(tasks []model.Task) *model.Task {
	var best *model.Task
	for i := range tasks {
		t := tasks[i]
		if t.Completed {
			continue
		}
		if best == nil || less(t, *best) {
			best = &t
		}
	}
	return best
}

// SelectNextFitting prefers tasks no longer than remaining minutes, ranked by
// priority and then by the longest task that still fits. Falls back to
// SelectNext when nothing fits.
func SelectNextFitting(tasks []model.Task, remaining int) *model.Task {
	var fitting []model.Task
	for _, t := range open(tasks) {
		if t.DurationMinutes <= remaining {
			fitting = append(fitting, t)
		}
	}
	if len(fitting) == 0 {
		return SelectNext(tasks)
	}
	sort.SliceStable(fitting, func(i, j int) bool {
		a, b := fitting[i], fitting[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.DurationMinutes != b.DurationMinutes {
			return a.DurationMinutes > b.DurationMinutes
		}
		return less(a, b)
	})
	return &fitting[0]
}

// Policy picks the next task. The zero value always returns the top
// priority task.
type Policy struct {
	FitAware bool
}

func (p Policy) Next(tasks []model.Task, available int) *model.Task {
	if p.FitAware {
		return SelectNextFitting(tasks, available)
	}
	return SelectNext(tasks)
}

// Input is one consistent snapshot of everything a plan depends on.
type Input struct {
	UserID   string
	Date     time.Time
	Window   model.WorkWindow
	Busy     []model.BusyInterval
	Tasks    []model.Task
	SyncedAt time.Time
}

// Plan runs every stage over one snapshot and returns a complete DayPlan.
func Plan(in Input, policy Policy) model.DayPlan {
	available := Available(in.Window, in.Busy)
	return PlanWithAvailability(in, available, policy)
}

// PlanWithAvailability reruns only the task stages against an availability
// figure computed earlier from the same window and busy set.
func PlanWithAvailability(in Input, available int, policy Policy) model.DayPlan {
	verdict := Reconcile(available, in.Tasks)
	busy := make([]model.BusyInterval, len(in.Busy))
	copy(busy, in.Busy)
	return model.DayPlan{
		UserID:           in.UserID,
		Date:             model.DateKey(in.Date),
		TotalMinutes:     in.Window.TotalMinutes(),
		AvailableMinutes: available,
		TotalTaskMinutes: verdict.TotalTaskMinutes,
		CapacityExceeded: verdict.Exceeded,
		NextTask:         policy.Next(in.Tasks, available),
		Busy:             busy,
		Window:           in.Window,
		SyncedAt:         in.SyncedAt,
	}
}
