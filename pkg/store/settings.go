package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harrisonrobin/flowfocus/pkg/model"
)

// WorkWindow returns the configured window of userID, or the 9-17 default
// when the user never set one.
func (s *Store) WorkWindow(ctx context.Context, userID string) (model.WorkWindow, error) {
	var w model.WorkWindow
	err := s.db.QueryRowContext(ctx, `SELECT work_start_hour, work_end_hour FROM settings WHERE user_id = ?`, userID).
		Scan(&w.StartHour, &w.EndHour)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultWorkWindow(), nil
	}
	if err != nil {
		return model.WorkWindow{}, fmt.Errorf("failed to read work hours: %w", err)
	}
	return w, nil
}

// SetWorkWindow validates and stores the window of userID. Stored syncs of
// the user were fetched for the old window and are dropped with it.
func (s *Store) SetWorkWindow(ctx context.Context, userID string, w model.WorkWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settings (user_id, work_start_hour, work_end_hour) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET work_start_hour = excluded.work_start_hour, work_end_hour = excluded.work_end_hour
	`, userID, w.StartHour, w.EndHour)
	if err != nil {
		return fmt.Errorf("failed to save work hours: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM syncs WHERE user_id = ? AND (work_start_hour != ? OR work_end_hour != ?)
	`, userID, w.StartHour, w.EndHour)
	if err != nil {
		return fmt.Errorf("failed to drop stale syncs: %w", err)
	}
	return tx.Commit()
}

// SyncRecord is the calendar data fetched for one user and day.
type SyncRecord struct {
	UserID   string
	Date     string
	Window   model.WorkWindow
	Busy     []model.BusyInterval
	SyncedAt time.Time
}

// SaveSync replaces the stored sync for (UserID, Date).
func (s *Store) SaveSync(ctx context.Context, rec SyncRecord) error {
	busyJSON, err := json.Marshal(rec.Busy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO syncs (user_id, sync_date, work_start_hour, work_end_hour, busy_json, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.UserID, rec.Date, rec.Window.StartHour, rec.Window.EndHour, string(busyJSON), rec.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to save sync: %w", err)
	}
	return nil
}

// LoadSync returns the stored sync for userID on date, or model.ErrNoData.
func (s *Store) LoadSync(ctx context.Context, userID, date string) (SyncRecord, error) {
	rec := SyncRecord{UserID: userID, Date: date}
	var busyJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT work_start_hour, work_end_hour, busy_json, synced_at FROM syncs WHERE user_id = ? AND sync_date = ?
	`, userID, date).Scan(&rec.Window.StartHour, &rec.Window.EndHour, &busyJSON, &rec.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, model.ErrNoData
	}
	if err != nil {
		return SyncRecord{}, fmt.Errorf("failed to load sync: %w", err)
	}
	if err := json.Unmarshal([]byte(busyJSON), &rec.Busy); err != nil {
		return SyncRecord{}, fmt.Errorf("failed to decode busy intervals: %w", err)
	}
	return rec, nil
}
