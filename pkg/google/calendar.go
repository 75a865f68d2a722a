package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/harrisonrobin/flowfocus/pkg/model"
)

// CalendarClient reads busy time from one Google Calendar.
type CalendarClient struct {
	srv        *calendar.Service
	calendarID string
	loc        *time.Location
}

// NewCalendarClient creates a new Google Calendar client. Event times are
// interpreted in loc.
func NewCalendarClient(srv *calendar.Service, calendarID string, loc *time.Location) *CalendarClient {
	if loc == nil {
		loc = time.Local
	}
	return &CalendarClient{srv: srv, calendarID: calendarID, loc: loc}
}

// ListEvents fetches the single (expanded) events between timeMin and timeMax.
func (c *CalendarClient) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	var events []*calendar.Event
	call := c.srv.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	err := call.Pages(ctx, func(page *calendar.Events) error {
		events = append(events, page.Items...)
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// FetchBusy returns the busy intervals of day inside the work window.
func (c *CalendarClient) FetchBusy(ctx context.Context, day time.Time, w model.WorkWindow) ([]model.BusyInterval, error) {
	start, end := w.Bounds(day, c.loc)
	events, err := c.ListEvents(ctx, start, end)
	if err != nil {
		return nil, err
	}
	busy := BusyFromEvents(events, day, c.loc)
	slog.Debug("fetched calendar events", "calendar", c.calendarID, "events", len(events), "busy", len(busy))
	return busy, nil
}

// BusyFromEvents converts timed events into minute intervals of day. All-day
// events, events marked as free and events the user declined are skipped.
// Events crossing midnight are cut at the day boundary.
func BusyFromEvents(events []*calendar.Event, day time.Time, loc *time.Location) []model.BusyInterval {
	y, m, d := day.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var busy []model.BusyInterval
	for _, e := range events {
		if e == nil || e.Start == nil || e.End == nil || e.Start.DateTime == "" || e.End.DateTime == "" {
			continue
		}
		if e.Transparency == "transparent" || e.Status == "cancelled" || declined(e) {
			continue
		}

		startT, err := time.Parse(time.RFC3339, e.Start.DateTime)
		if err != nil {
			slog.Warn("skipping event with unparsable start", "event", e.Id, "start", e.Start.DateTime, "error", err)
			continue
		}
		endT, err := time.Parse(time.RFC3339, e.End.DateTime)
		if err != nil {
			slog.Warn("skipping event with unparsable end", "event", e.Id, "end", e.End.DateTime, "error", err)
			continue
		}

		from := minutesFrom(midnight, startT)
		to := minutesFrom(midnight, endT)
		b, err := model.NewBusyInterval(from, to)
		if err != nil {
			continue
		}
		b.Summary = e.Summary
		if b.Summary == "" {
			b.Summary = "Busy"
		}
		busy = append(busy, b)
	}
	return busy
}

// minutesFrom returns the wall-clock minute of t on the day starting at
// midnight, clamped to the day. Wall-clock time keeps busy intervals in the
// same frame as the work window on days with a DST change.
func minutesFrom(midnight, t time.Time) int {
	if t.Before(midnight) {
		return 0
	}
	y, m, d := midnight.Date()
	if !t.Before(time.Date(y, m, d+1, 0, 0, 0, 0, midnight.Location())) {
		return 24 * 60
	}
	local := t.In(midnight.Location())
	return local.Hour()*60 + local.Minute()
}

func declined(e *calendar.Event) bool {
	for _, a := range e.Attendees {
		if a != nil && a.Self && a.ResponseStatus == "declined" {
			return true
		}
	}
	return false
}

// classify maps API failures onto the provider error kinds.
func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", model.ErrAuthExpired, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", model.ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
}
