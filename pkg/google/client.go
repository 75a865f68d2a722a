package google

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/harrisonrobin/flowfocus/pkg/auth"
)

// PrimaryCalendar selects the user's main calendar without a list lookup.
const PrimaryCalendar = "primary"

// NewClient creates a read-only Google Calendar client for the calendar with
// the given name, using the token saved by `flowfocus auth`.
func NewClient(ctx context.Context, calendarName string, loc *time.Location) (*CalendarClient, error) {
	client, err := auth.GetClient(ctx, []string{calendar.CalendarReadonlyScope})
	if err != nil {
		return nil, err
	}

	srv, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %w", err)
	}

	calendarID, err := resolveCalendarID(ctx, srv, calendarName)
	if err != nil {
		return nil, err
	}
	return NewCalendarClient(srv, calendarID, loc), nil
}

func resolveCalendarID(ctx context.Context, srv *calendar.Service, calendarName string) (string, error) {
	if calendarName == "" || calendarName == PrimaryCalendar {
		return PrimaryCalendar, nil
	}

	calendarList, err := srv.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", classify(fmt.Errorf("unable to retrieve calendar list: %w", err))
	}
	for _, item := range calendarList.Items {
		if item.Summary == calendarName || item.Id == calendarName {
			return item.Id, nil
		}
	}
	return "", fmt.Errorf("calendar '%s' not found", calendarName)
}
