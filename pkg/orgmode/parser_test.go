package orgmode

import (
	"strings"
	"testing"

	"github.com/harrisonrobin/flowfocus/pkg/model"
)

const sample = `#+TITLE: Work
* Projects
** TODO [#A] Ship release notes :work:docs:
   SCHEDULED: <2026-10-19 Mon>
   :PROPERTIES:
   :ID:       8a1f7c2e-0000-4000-8000-000000000001
   :EFFORT:   1:30
   :END:
   Collect merged PRs first.
** TODO Reply to vendor
** DONE [#C] Book travel
   :PROPERTIES:
   :EFFORT:   45m
   :END:
* Notes
Random text that is not a task.
`

func TestParse(t *testing.T) {
	tasks, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d: %+v", len(tasks), tasks)
	}

	release := tasks[0]
	if release.Title != "Ship release notes" {
		t.Errorf("unexpected title %q", release.Title)
	}
	if release.Priority != model.High || release.DurationMinutes != 90 {
		t.Errorf("unexpected priority/effort: %v %d", release.Priority, release.DurationMinutes)
	}
	if release.ID != "8a1f7c2e-0000-4000-8000-000000000001" {
		t.Errorf("unexpected ID %q", release.ID)
	}
	if release.Description != "Collect merged PRs first." {
		t.Errorf("unexpected description %q", release.Description)
	}

	vendor := tasks[1]
	if vendor.Priority != model.Medium || vendor.DurationMinutes != model.DefaultDurationMinutes || vendor.Completed {
		t.Errorf("expected defaults for vendor task, got %+v", vendor)
	}

	travel := tasks[2]
	if !travel.Completed || travel.Priority != model.Low || travel.DurationMinutes != 45 {
		t.Errorf("unexpected travel task: %+v", travel)
	}
}

func TestParseEffort(t *testing.T) {
	tests := map[string]int{
		"0:45": 45,
		"2:00": 120,
		"90m":  90,
		"0:00": model.DefaultDurationMinutes,
		"abc":  model.DefaultDurationMinutes,
	}
	for in, want := range tests {
		if got := parseEffort(in); got != want {
			t.Errorf("parseEffort(%q) = %d, want %d", in, got, want)
		}
	}
}
