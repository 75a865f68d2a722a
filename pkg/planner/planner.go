// Package planner keeps one DayPlan per user and day up to date. It decides
// when calendar data has to be fetched and reruns the capacity stages over a
// single snapshot of tasks and busy intervals.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harrisonrobin/flowfocus/pkg/capacity"
	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/store"
)

// CalendarProvider returns the busy intervals of one day inside a window.
// Failures are model.ErrProviderUnavailable or model.ErrAuthExpired.
type CalendarProvider interface {
	FetchBusy(ctx context.Context, day time.Time, w model.WorkWindow) ([]model.BusyInterval, error)
}

// TaskSource returns a consistent snapshot of a user's open tasks.
type TaskSource interface {
	ListIncomplete(ctx context.Context, userID string) ([]model.Task, error)
}

// SettingsSource returns a user's work window.
type SettingsSource interface {
	WorkWindow(ctx context.Context, userID string) (model.WorkWindow, error)
}

// SyncStore persists the last fetch per user and day so plans survive a
// restart without another calendar round trip.
type SyncStore interface {
	SaveSync(ctx context.Context, rec store.SyncRecord) error
	LoadSync(ctx context.Context, userID, date string) (store.SyncRecord, error)
}

// State is the sync state of one (user, day) entry.
type State int

const (
	NoData State = iota
	Syncing
	Ready
)

func (s State) String() string {
	switch s {
	case NoData:
		return "no_data"
	case Syncing:
		return "syncing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type key struct {
	userID string
	date   string
}

func (k key) String() string {
	return k.userID + "/" + k.date
}

// entry caches both pipeline stages of one day. Availability survives task
// changes; plan is dropped whenever tasks change.
type entry struct {
	hasData   bool
	window    model.WorkWindow
	busy      []model.BusyInterval
	available int
	syncedAt  time.Time
	plan      *model.DayPlan

	issued    uint64 // generation of the most recently started sync
	applied   uint64 // generation whose result is cached
	persisted uint64
	taskEpoch uint64 // bumped by InvalidateTasks
}

// SyncTimeout bounds a calendar fetch shared by coalesced callers.
const SyncTimeout = 30 * time.Second

// errSuperseded is returned by sync when a newer sync or a settings change
// made its result stale. Callers read the current state again.
var errSuperseded = errors.New("sync superseded")

// Planner is the sync orchestrator. It is safe for concurrent use.
type Planner struct {
	provider CalendarProvider
	tasks    TaskSource
	settings SettingsSource
	syncs    SyncStore

	policy capacity.Policy
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[key]*entry
	inFlight  map[key]int // fetches running per key, across entry resets
	persistMu sync.Mutex
	group     singleflight.Group
}

// Option configures a Planner.
type Option func(*Planner)

// WithSyncStore persists fetched calendar data.
func WithSyncStore(s SyncStore) Option {
	return func(p *Planner) { p.syncs = s }
}

// WithLocation sets the time zone that defines "today" and the work window.
func WithLocation(loc *time.Location) Option {
	return func(p *Planner) { p.loc = loc }
}

// WithPolicy sets the next-task policy.
func WithPolicy(policy capacity.Policy) Option {
	return func(p *Planner) { p.policy = policy }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// New creates a Planner.
func New(provider CalendarProvider, tasks TaskSource, settings SettingsSource, opts ...Option) *Planner {
	p := &Planner{
		provider: provider,
		tasks:    tasks,
		settings: settings,
		loc:      time.Local,
		now:      time.Now,
		logger:   slog.Default(),
		entries:  make(map[key]*entry),
		inFlight: make(map[key]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) today(userID string) (key, time.Time) {
	day := p.now().In(p.loc)
	return key{userID: userID, date: model.DateKey(day)}, day
}

// entryLocked returns the entry for k, creating it and dropping entries of
// other days. p.mu must be held.
func (p *Planner) entryLocked(k key) *entry {
	e, ok := p.entries[k]
	if !ok {
		for other := range p.entries {
			if other.date != k.date {
				delete(p.entries, other)
			}
		}
		e = &entry{}
		p.entries[k] = e
	}
	return e
}

// State reports the sync state of userID's plan for today.
func (p *Planner) State(userID string) State {
	k, _ := p.today(userID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[k] > 0 {
		return Syncing
	}
	if e, ok := p.entries[k]; ok && e.hasData {
		return Ready
	}
	return NoData
}

// TodayPlan returns today's plan for userID. When nothing has been fetched
// yet it loads the last stored sync, and failing that runs a sync. Concurrent
// first loads share one fetch, which is not cancelled when the caller that
// started it goes away. A failed automatic sync is returned as is and leaves
// the plan absent.
func (p *Planner) TodayPlan(ctx context.Context, userID string) (*model.DayPlan, error) {
	for {
		k, day := p.today(userID)

		plan, ok, err := p.cached(ctx, k, day)
		if err != nil || ok {
			return plan, err
		}

		if p.restore(ctx, k) {
			plan, ok, err = p.cached(ctx, k, day)
			if err != nil || ok {
				return plan, err
			}
		}

		p.logger.Info("no sync data for today, syncing", "user", userID, "date", k.date)
		ch := p.group.DoChan(k.String(), func() (any, error) {
			syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SyncTimeout)
			defer cancel()
			return p.sync(syncCtx, k, day)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if errors.Is(res.Err, errSuperseded) {
			p.logger.Debug("automatic sync was superseded, reading again", "user", userID, "date", k.date)
			continue
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return clonePlan(res.Val.(*model.DayPlan)), nil
	}
}

// SyncToday always fetches fresh calendar data and replaces today's plan. If
// the fetch fails the previous plan is kept and a *model.SyncError is
// returned. When a later sync or a settings change made this result stale, it
// is discarded and the current plan is returned instead.
func (p *Planner) SyncToday(ctx context.Context, userID string) (*model.DayPlan, error) {
	k, day := p.today(userID)
	plan, err := p.sync(ctx, k, day)
	if errors.Is(err, errSuperseded) {
		return p.TodayPlan(ctx, userID)
	}
	if err != nil {
		return nil, &model.SyncError{Reason: err}
	}
	return clonePlan(plan), nil
}

// NextTask returns the recommended task for today, or nil when no task is
// open. Without calendar data it still ranks the open tasks.
func (p *Planner) NextTask(ctx context.Context, userID string) (*model.Task, error) {
	plan, err := p.TodayPlan(ctx, userID)
	if err == nil {
		return plan.NextTask, nil
	}

	p.logger.Warn("no calendar data, ranking tasks without capacity", "user", userID, "error", err)
	tasks, terr := p.tasks.ListIncomplete(ctx, userID)
	if terr != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", terr)
	}
	return capacity.SelectNext(tasks), nil
}

// InvalidateTasks drops the task dependent stages of userID's cached plans.
// Availability is kept; the next read recomputes from a fresh task snapshot.
func (p *Planner) InvalidateTasks(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		if k.userID == userID {
			e.plan = nil
			e.taskEpoch++
		}
	}
}

// InvalidateSettings drops everything cached for userID. The next read
// refetches calendar data for the new window. Syncs already in flight still
// complete but their results no longer land in the cache.
func (p *Planner) InvalidateSettings(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.entries {
		if k.userID == userID {
			delete(p.entries, k)
		}
	}
}

// cached returns the plan for k if calendar data is present, recomputing
// the task stages when they were invalidated.
func (p *Planner) cached(ctx context.Context, k key, day time.Time) (*model.DayPlan, bool, error) {
	p.mu.Lock()
	e, ok := p.entries[k]
	if !ok || !e.hasData {
		p.mu.Unlock()
		return nil, false, nil
	}
	if e.plan != nil {
		plan := clonePlan(e.plan)
		p.mu.Unlock()
		return plan, true, nil
	}
	gen, epoch := e.applied, e.taskEpoch
	in := capacity.Input{UserID: k.userID, Date: day, Window: e.window, Busy: e.busy, SyncedAt: e.syncedAt}
	available := e.available
	p.mu.Unlock()

	tasks, err := p.tasks.ListIncomplete(ctx, k.userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list tasks: %w", err)
	}
	in.Tasks = tasks
	plan := capacity.PlanWithAvailability(in, available, p.policy)

	p.mu.Lock()
	if cur, ok := p.entries[k]; ok && cur == e && e.applied == gen && e.taskEpoch == epoch && e.plan == nil {
		e.plan = &plan
	}
	p.mu.Unlock()
	return clonePlan(&plan), true, nil
}

// restore installs the stored sync for k if it matches the current window.
func (p *Planner) restore(ctx context.Context, k key) bool {
	if p.syncs == nil {
		return false
	}
	rec, err := p.syncs.LoadSync(ctx, k.userID, k.date)
	if err != nil {
		if !errors.Is(err, model.ErrNoData) {
			p.logger.Warn("could not load stored sync", "user", k.userID, "date", k.date, "error", err)
		}
		return false
	}
	window, err := p.settings.WorkWindow(ctx, k.userID)
	if err != nil || window != rec.Window {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(k)
	if e.hasData {
		return true
	}
	e.hasData = true
	e.window = rec.Window
	e.busy = rec.Busy
	e.available = capacity.Available(rec.Window, rec.Busy)
	e.syncedAt = rec.SyncedAt
	e.plan = nil
	p.logger.Debug("restored stored sync", "user", k.userID, "date", k.date, "synced_at", rec.SyncedAt)
	return true
}

// sync fetches calendar data for k and, unless a newer sync has already
// landed, replaces the cached plan.
func (p *Planner) sync(ctx context.Context, k key, day time.Time) (*model.DayPlan, error) {
	p.mu.Lock()
	e := p.entryLocked(k)
	e.issued++
	gen := e.issued
	p.inFlight[k]++
	epoch := e.taskEpoch
	p.mu.Unlock()

	done := func() {
		p.mu.Lock()
		p.doneLocked(k)
		p.mu.Unlock()
	}

	window, err := p.settings.WorkWindow(ctx, k.userID)
	if err != nil {
		done()
		return nil, fmt.Errorf("failed to read work hours: %w", err)
	}

	start := time.Now()
	busy, err := p.provider.FetchBusy(ctx, day, window)
	if err != nil {
		done()
		p.logger.Error("calendar fetch failed", "user", k.userID, "date", k.date, "error", err)
		return nil, err
	}

	tasks, err := p.tasks.ListIncomplete(ctx, k.userID)
	if err != nil {
		done()
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	syncedAt := p.now()
	in := capacity.Input{UserID: k.userID, Date: day, Window: window, Busy: busy, Tasks: tasks, SyncedAt: syncedAt}
	available := capacity.Available(window, busy)
	plan := capacity.PlanWithAvailability(in, available, p.policy)

	p.mu.Lock()
	p.doneLocked(k)
	if cur, ok := p.entries[k]; !ok || cur != e || gen < e.applied {
		p.mu.Unlock()
		p.logger.Info("discarding superseded sync", "user", k.userID, "date", k.date, "generation", gen)
		return nil, errSuperseded
	}
	e.applied = gen
	e.hasData = true
	e.window = window
	e.busy = busy
	e.available = available
	e.syncedAt = syncedAt
	e.plan = &plan
	if e.taskEpoch != epoch {
		// tasks changed while fetching; recompute on next read
		e.plan = nil
	}
	result := clonePlan(&plan)
	p.mu.Unlock()

	p.logger.Info("synced calendar",
		"user", k.userID,
		"date", k.date,
		"busy_intervals", len(busy),
		"available_minutes", plan.AvailableMinutes,
		"task_minutes", plan.TotalTaskMinutes,
		"capacity_exceeded", plan.CapacityExceeded,
		"took", time.Since(start).Round(time.Millisecond),
	)

	p.persist(ctx, e, gen, store.SyncRecord{UserID: k.userID, Date: k.date, Window: window, Busy: busy, SyncedAt: syncedAt})
	return result, nil
}

// doneLocked ends one fetch of k. p.mu must be held.
func (p *Planner) doneLocked(k key) {
	if p.inFlight[k]--; p.inFlight[k] <= 0 {
		delete(p.inFlight, k)
	}
}

// persist writes rec unless a newer generation of e was written already.
func (p *Planner) persist(ctx context.Context, e *entry, gen uint64, rec store.SyncRecord) {
	if p.syncs == nil {
		return
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if gen <= e.persisted {
		return
	}
	if err := p.syncs.SaveSync(ctx, rec); err != nil {
		p.logger.Warn("could not store sync", "user", rec.UserID, "date", rec.Date, "error", err)
		return
	}
	e.persisted = gen
}

func clonePlan(plan *model.DayPlan) *model.DayPlan {
	if plan == nil {
		return nil
	}
	out := *plan
	if plan.NextTask != nil {
		t := *plan.NextTask
		out.NextTask = &t
	}
	out.Busy = append([]model.BusyInterval(nil), plan.Busy...)
	return &out
}
