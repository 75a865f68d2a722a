package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harrisonrobin/flowfocus/pkg/capacity"
	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/store"
)

// MockProvider implements CalendarProvider for testing.
type MockProvider struct {
	FetchFunc func(ctx context.Context, day time.Time, w model.WorkWindow) ([]model.BusyInterval, error)
	calls     atomic.Int32
}

func (m *MockProvider) FetchBusy(ctx context.Context, day time.Time, w model.WorkWindow) ([]model.BusyInterval, error) {
	m.calls.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, day, w)
	}
	return nil, nil
}

type memTasks struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (m *memTasks) ListIncomplete(ctx context.Context, userID string) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTasks) add(t model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Seq = int64(len(m.tasks) + 1)
	m.tasks = append(m.tasks, t)
}

type fixedWindow struct {
	mu sync.Mutex
	w  model.WorkWindow
}

func (f *fixedWindow) WorkWindow(ctx context.Context, userID string) (model.WorkWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w, nil
}

func (f *fixedWindow) set(w model.WorkWindow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.w = w
}

type memSyncs struct {
	mu   sync.Mutex
	recs map[string]store.SyncRecord
}

func (m *memSyncs) SaveSync(ctx context.Context, rec store.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]store.SyncRecord)
	}
	m.recs[rec.UserID+"/"+rec.Date] = rec
	return nil
}

func (m *memSyncs) LoadSync(ctx context.Context, userID, date string) (store.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID+"/"+date]
	if !ok {
		return store.SyncRecord{}, model.ErrNoData
	}
	return rec, nil
}

var testDay = time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)

func newTestPlanner(provider CalendarProvider, tasks TaskSource, settings SettingsSource, opts ...Option) *Planner {
	base := []Option{
		WithLocation(time.UTC),
		WithClock(func() time.Time { return testDay }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(provider, tasks, settings, append(base, opts...)...)
}

func workday() *fixedWindow {
	return &fixedWindow{w: model.WorkWindow{StartHour: 9, EndHour: 17}}
}

func meetings(intervals ...model.BusyInterval) func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
	return func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		return intervals, nil
	}
}

func TestTodayPlanSyncsWhenNoData(t *testing.T) {
	provider := &MockProvider{FetchFunc: meetings(
		model.BusyInterval{StartMinute: 540, EndMinute: 600},
		model.BusyInterval{StartMinute: 780, EndMinute: 810},
	)}
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "a", Title: "a", Priority: model.Medium, DurationMinutes: 60})
	tasks.add(model.Task{ID: "b", Title: "b", Priority: model.Medium, DurationMinutes: 90})
	tasks.add(model.Task{ID: "c", Title: "c", Priority: model.Medium, DurationMinutes: 45})
	p := newTestPlanner(provider, tasks, workday())

	if p.State("u1") != NoData {
		t.Fatalf("expected NoData before first load")
	}

	plan, err := p.TodayPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.TotalMinutes != 480 || plan.AvailableMinutes != 390 {
		t.Errorf("unexpected minutes: total %d available %d", plan.TotalMinutes, plan.AvailableMinutes)
	}
	if plan.TotalTaskMinutes != 195 || plan.CapacityExceeded {
		t.Errorf("unexpected verdict: %d exceeded=%v", plan.TotalTaskMinutes, plan.CapacityExceeded)
	}
	if plan.NextTask == nil || plan.NextTask.ID != "a" {
		t.Errorf("expected oldest medium task a, got %+v", plan.NextTask)
	}
	if p.State("u1") != Ready {
		t.Errorf("expected Ready after sync, got %v", p.State("u1"))
	}

	if _, err := p.TodayPlan(context.Background(), "u1"); err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("expected cached plan on second read, provider called %d times", n)
	}
}

func TestTodayPlanFallbackFailure(t *testing.T) {
	provider := &MockProvider{FetchFunc: func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		return nil, model.ErrAuthExpired
	}}
	p := newTestPlanner(provider, &memTasks{}, workday())

	plan, err := p.TodayPlan(context.Background(), "u1")
	if !errors.Is(err, model.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if plan != nil {
		t.Errorf("expected no plan after failed first sync, got %+v", plan)
	}
	if p.State("u1") != NoData {
		t.Errorf("expected NoData, got %v", p.State("u1"))
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("expected a single attempt without retries, got %d", n)
	}
}

func TestManualSyncFailureKeepsPreviousPlan(t *testing.T) {
	var fail atomic.Bool
	provider := &MockProvider{FetchFunc: func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		if fail.Load() {
			return nil, model.ErrProviderUnavailable
		}
		return []model.BusyInterval{{StartMinute: 600, EndMinute: 660}}, nil
	}}
	p := newTestPlanner(provider, &memTasks{}, workday())
	ctx := context.Background()

	before, err := p.SyncToday(ctx, "u1")
	if err != nil {
		t.Fatalf("SyncToday failed: %v", err)
	}

	fail.Store(true)
	_, err = p.SyncToday(ctx, "u1")
	var syncErr *model.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *model.SyncError, got %v", err)
	}
	if !errors.Is(err, model.ErrProviderUnavailable) {
		t.Errorf("expected SyncError to wrap ErrProviderUnavailable, got %v", err)
	}

	after, err := p.TodayPlan(ctx, "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if after.AvailableMinutes != before.AvailableMinutes || !after.SyncedAt.Equal(before.SyncedAt) {
		t.Errorf("plan changed after failed sync: before %+v after %+v", before, after)
	}
}

func TestSupersededSyncIsDiscarded(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var n atomic.Int32

	provider := &MockProvider{FetchFunc: func(ctx context.Context, _ time.Time, _ model.WorkWindow) ([]model.BusyInterval, error) {
		if n.Add(1) == 1 {
			close(firstStarted)
			<-releaseFirst
			return []model.BusyInterval{{StartMinute: 540, EndMinute: 600}}, nil
		}
		return []model.BusyInterval{{StartMinute: 540, EndMinute: 720}}, nil
	}}
	p := newTestPlanner(provider, &memTasks{}, workday())
	ctx := context.Background()

	type result struct {
		plan *model.DayPlan
		err  error
	}
	firstDone := make(chan result, 1)
	go func() {
		plan, err := p.SyncToday(ctx, "u1")
		firstDone <- result{plan, err}
	}()

	<-firstStarted
	if p.State("u1") != Syncing {
		t.Errorf("expected Syncing while a fetch is in flight, got %v", p.State("u1"))
	}

	second, err := p.SyncToday(ctx, "u1")
	if err != nil {
		t.Fatalf("second SyncToday failed: %v", err)
	}
	if second.AvailableMinutes != 300 {
		t.Fatalf("expected 300 available from second sync, got %d", second.AvailableMinutes)
	}

	close(releaseFirst)
	first := <-firstDone
	if first.err != nil {
		t.Fatalf("first SyncToday failed: %v", first.err)
	}
	if first.plan.AvailableMinutes != 300 {
		t.Errorf("superseded sync should report the newer plan, got %d", first.plan.AvailableMinutes)
	}

	current, err := p.TodayPlan(ctx, "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if current.AvailableMinutes != 300 {
		t.Errorf("stored plan should come from the most recently started sync, got %d", current.AvailableMinutes)
	}
}

func TestConcurrentFirstLoadsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	provider := &MockProvider{FetchFunc: func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		<-release
		return nil, nil
	}}
	p := newTestPlanner(provider, &memTasks{}, workday())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.TodayPlan(context.Background(), "u1")
			errs <- err
		}()
	}

	for p.State("u1") != Syncing {
		time.Sleep(time.Millisecond)
	}
	// Give the remaining callers time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("TodayPlan failed: %v", err)
		}
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("expected concurrent first loads to share one fetch, got %d", n)
	}
}

func TestInvalidateTasksKeepsAvailability(t *testing.T) {
	provider := &MockProvider{FetchFunc: meetings(model.BusyInterval{StartMinute: 540, EndMinute: 600})}
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "m", Title: "m", Priority: model.Medium, DurationMinutes: 20})
	p := newTestPlanner(provider, tasks, workday())
	ctx := context.Background()

	if _, err := p.TodayPlan(ctx, "u1"); err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}

	tasks.add(model.Task{ID: "h", Title: "h", Priority: model.High, DurationMinutes: 500})
	p.InvalidateTasks("u1")

	plan, err := p.TodayPlan(ctx, "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.NextTask == nil || plan.NextTask.ID != "h" {
		t.Errorf("expected new high priority task, got %+v", plan.NextTask)
	}
	if plan.TotalTaskMinutes != 520 || !plan.CapacityExceeded {
		t.Errorf("expected exceeded capacity with 520 task minutes, got %+v", plan)
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("task changes must not refetch the calendar, provider called %d times", n)
	}
}

func TestInvalidateSettingsRefetches(t *testing.T) {
	var seen []model.WorkWindow
	var mu sync.Mutex
	provider := &MockProvider{FetchFunc: func(_ context.Context, _ time.Time, w model.WorkWindow) ([]model.BusyInterval, error) {
		mu.Lock()
		seen = append(seen, w)
		mu.Unlock()
		return nil, nil
	}}
	settings := workday()
	p := newTestPlanner(provider, &memTasks{}, settings)
	ctx := context.Background()

	if _, err := p.TodayPlan(ctx, "u1"); err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}

	settings.set(model.WorkWindow{StartHour: 8, EndHour: 12})
	p.InvalidateSettings("u1")

	plan, err := p.TodayPlan(ctx, "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.TotalMinutes != 240 {
		t.Errorf("expected 240 total minutes for the new window, got %d", plan.TotalMinutes)
	}
	if len(seen) != 2 || seen[1].StartHour != 8 {
		t.Errorf("expected a second fetch with the new window, got %+v", seen)
	}
}

func TestRestoresStoredSync(t *testing.T) {
	syncs := &memSyncs{}
	syncs.SaveSync(context.Background(), store.SyncRecord{
		UserID: "u1",
		Date:   "2026-10-19",
		Window: model.WorkWindow{StartHour: 9, EndHour: 17},
		Busy:   []model.BusyInterval{{StartMinute: 540, EndMinute: 660}},
	})
	provider := &MockProvider{}
	p := newTestPlanner(provider, &memTasks{}, workday(), WithSyncStore(syncs))

	plan, err := p.TodayPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.AvailableMinutes != 360 {
		t.Errorf("expected 360 available from stored sync, got %d", plan.AvailableMinutes)
	}
	if n := provider.calls.Load(); n != 0 {
		t.Errorf("stored sync should avoid a fetch, provider called %d times", n)
	}
}

func TestSyncPersists(t *testing.T) {
	syncs := &memSyncs{}
	provider := &MockProvider{FetchFunc: meetings(model.BusyInterval{StartMinute: 600, EndMinute: 630})}
	p := newTestPlanner(provider, &memTasks{}, workday(), WithSyncStore(syncs))

	if _, err := p.SyncToday(context.Background(), "u1"); err != nil {
		t.Fatalf("SyncToday failed: %v", err)
	}
	rec, err := syncs.LoadSync(context.Background(), "u1", "2026-10-19")
	if err != nil {
		t.Fatalf("expected stored sync: %v", err)
	}
	if len(rec.Busy) != 1 || rec.Busy[0].StartMinute != 600 {
		t.Errorf("unexpected stored busy intervals: %+v", rec.Busy)
	}
}

func TestNextTask(t *testing.T) {
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "medium", Title: "medium", Priority: model.Medium, DurationMinutes: 20})
	tasks.add(model.Task{ID: "high", Title: "high", Priority: model.High, DurationMinutes: 30})

	ok := newTestPlanner(&MockProvider{}, tasks, workday())
	got, err := ok.NextTask(context.Background(), "u1")
	if err != nil {
		t.Fatalf("NextTask failed: %v", err)
	}
	if got == nil || got.ID != "high" {
		t.Errorf("expected high, got %+v", got)
	}

	down := newTestPlanner(&MockProvider{FetchFunc: func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		return nil, model.ErrProviderUnavailable
	}}, tasks, workday())
	got, err = down.NextTask(context.Background(), "u1")
	if err != nil {
		t.Fatalf("NextTask should not fail without calendar data: %v", err)
	}
	if got == nil || got.ID != "high" {
		t.Errorf("expected high without calendar data, got %+v", got)
	}

	empty := newTestPlanner(&MockProvider{}, &memTasks{}, workday())
	got, err = empty.NextTask(context.Background(), "u1")
	if err != nil || got != nil {
		t.Errorf("expected no task and no error, got %+v, %v", got, err)
	}
}

func TestFitAwarePolicy(t *testing.T) {
	provider := &MockProvider{FetchFunc: meetings(model.BusyInterval{StartMinute: 540, EndMinute: 1000})}
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "big", Title: "big", Priority: model.High, DurationMinutes: 120})
	tasks.add(model.Task{ID: "small", Title: "small", Priority: model.Low, DurationMinutes: 15})

	p := newTestPlanner(provider, tasks, workday(), WithPolicy(capacity.Policy{FitAware: true}))
	plan, err := p.TodayPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.AvailableMinutes != 20 {
		t.Fatalf("expected 20 available minutes, got %d", plan.AvailableMinutes)
	}
	if plan.NextTask == nil || plan.NextTask.ID != "small" {
		t.Errorf("fit-aware policy should pick small, got %+v", plan.NextTask)
	}
}

func TestCachedPlanIsCopied(t *testing.T) {
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "a", Title: "a", Priority: model.Low, DurationMinutes: 10})
	p := newTestPlanner(&MockProvider{}, tasks, workday())

	plan, err := p.TodayPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	plan.NextTask.Title = "mutated"
	plan.AvailableMinutes = -1

	again, _ := p.TodayPlan(context.Background(), "u1")
	if again.NextTask.Title != "a" || again.AvailableMinutes != 480 {
		t.Errorf("cached plan was mutated through a returned copy: %+v", again)
	}
}

// blockingProvider holds the first fetch until release is closed. Later
// fetches return immediately.
func blockingProvider(first, later []model.BusyInterval) (*MockProvider, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	var n atomic.Int32
	provider := &MockProvider{FetchFunc: func(context.Context, time.Time, model.WorkWindow) ([]model.BusyInterval, error) {
		if n.Add(1) == 1 {
			close(started)
			<-release
			return first, nil
		}
		return later, nil
	}}
	return provider, started, release
}

func TestInvalidateSettingsDuringFallbackSync(t *testing.T) {
	provider, started, release := blockingProvider(
		[]model.BusyInterval{{StartMinute: 540, EndMinute: 600}},
		[]model.BusyInterval{{StartMinute: 600, EndMinute: 630}},
	)
	settings := workday()
	p := newTestPlanner(provider, &memTasks{}, settings)

	type result struct {
		plan *model.DayPlan
		err  error
	}
	done := make(chan result, 1)
	go func() {
		plan, err := p.TodayPlan(context.Background(), "u1")
		done <- result{plan, err}
	}()

	<-started
	settings.set(model.WorkWindow{StartHour: 10, EndHour: 14})
	p.InvalidateSettings("u1")
	if p.State("u1") != Syncing {
		t.Errorf("expected Syncing while the dropped fetch still runs, got %v", p.State("u1"))
	}
	close(release)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("TodayPlan failed: %v", res.err)
		}
		if res.plan.TotalMinutes != 240 || res.plan.AvailableMinutes != 210 {
			t.Errorf("expected a plan for the new window, got total %d available %d", res.plan.TotalMinutes, res.plan.AvailableMinutes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TodayPlan did not return after its fetch was made stale")
	}

	// Later reads must not be stuck behind the stale fetch either.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	plan, err := p.TodayPlan(ctx, "u1")
	if err != nil {
		t.Fatalf("TodayPlan after the stale fetch failed: %v", err)
	}
	if plan.TotalMinutes != 240 {
		t.Errorf("expected 240 total minutes, got %d", plan.TotalMinutes)
	}
	if n := provider.calls.Load(); n != 2 {
		t.Errorf("expected one refetch for the new window, provider called %d times", n)
	}
	if p.State("u1") != Ready {
		t.Errorf("expected Ready, got %v", p.State("u1"))
	}
}

func TestInvalidateSettingsDuringManualSync(t *testing.T) {
	provider, started, release := blockingProvider(
		[]model.BusyInterval{{StartMinute: 540, EndMinute: 600}},
		nil,
	)
	settings := workday()
	p := newTestPlanner(provider, &memTasks{}, settings)

	done := make(chan *model.DayPlan, 1)
	errs := make(chan error, 1)
	go func() {
		plan, err := p.SyncToday(context.Background(), "u1")
		done <- plan
		errs <- err
	}()

	<-started
	settings.set(model.WorkWindow{StartHour: 8, EndHour: 12})
	p.InvalidateSettings("u1")
	close(release)

	select {
	case plan := <-done:
		if err := <-errs; err != nil {
			t.Fatalf("SyncToday failed: %v", err)
		}
		if plan.Window.StartHour != 8 || plan.TotalMinutes != 240 {
			t.Errorf("stale sync result leaked into the plan: %+v", plan)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SyncToday did not return after settings changed")
	}
}

func TestInvalidateTasksDuringSync(t *testing.T) {
	provider, started, release := blockingProvider(
		[]model.BusyInterval{{StartMinute: 540, EndMinute: 600}},
		nil,
	)
	tasks := &memTasks{}
	tasks.add(model.Task{ID: "a", Title: "a", Priority: model.Low, DurationMinutes: 30})
	p := newTestPlanner(provider, tasks, workday())

	done := make(chan error, 1)
	go func() {
		_, err := p.SyncToday(context.Background(), "u1")
		done <- err
	}()

	<-started
	tasks.add(model.Task{ID: "b", Title: "b", Priority: model.High, DurationMinutes: 45})
	p.InvalidateTasks("u1")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SyncToday failed: %v", err)
	}

	plan, err := p.TodayPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan failed: %v", err)
	}
	if plan.AvailableMinutes != 420 || plan.TotalTaskMinutes != 75 {
		t.Errorf("expected 420 available and 75 task minutes, got %d and %d", plan.AvailableMinutes, plan.TotalTaskMinutes)
	}
	if plan.NextTask == nil || plan.NextTask.ID != "b" {
		t.Errorf("expected the task added during the sync, got %+v", plan.NextTask)
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("task changes must not refetch, provider called %d times", n)
	}
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var fetchErr atomic.Value
	provider := &MockProvider{FetchFunc: func(ctx context.Context, _ time.Time, _ model.WorkWindow) ([]model.BusyInterval, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
			return nil, err
		}
		return nil, nil
	}}
	p := newTestPlanner(provider, &memTasks{}, workday())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.TodayPlan(first, "u1")
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := p.TodayPlan(context.Background(), "u1")
		secondErr <- err
	}()
	// Let the second caller join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled caller to get context.Canceled, got %v", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Errorf("expected the waiting caller to get the plan, got %v", err)
	}
	if err := fetchErr.Load(); err != nil {
		t.Errorf("shared fetch saw a cancelled context: %v", err)
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("expected one shared fetch, got %d", n)
	}
}
