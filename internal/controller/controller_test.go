// File: internal/controller/controller_test.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
	"github.com/citywatch/formrunner/internal/browser"
	"github.com/citywatch/formrunner/internal/bus"
	"github.com/citywatch/formrunner/internal/config"
	"github.com/citywatch/formrunner/internal/store"
)

// memoryStore implements StateStore in memory, preserving the store's
// whole-record snapshot semantics.
type memoryStore struct {
	mu    sync.Mutex
	state *batch.State
	saves int

	saveErr error
}

func (m *memoryStore) LoadState() (*batch.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.state
	cp.Queue = append([]batch.WorkItem(nil), m.state.Queue...)
	return &cp, nil
}

func (m *memoryStore) SaveState(st *batch.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	st.Version++
	m.saves++
	cp := *st
	cp.Queue = append([]batch.WorkItem(nil), st.Queue...)
	m.state = &cp
	return nil
}

func (m *memoryStore) current() batch.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state
}

// fakeSurfaces implements SurfaceManager, recording lifecycle calls.
type fakeSurfaces struct {
	mu        sync.Mutex
	opened    []string
	navigated []string
	closed    []string
	cleared   []string
	nextID    int
	openErr   error
	navErr    error
	closeErr  error
	loads     chan browser.LoadEvent
}

func newFakeSurfaces() *fakeSurfaces {
	return &fakeSurfaces{loads: make(chan browser.LoadEvent, 4)}
}

func (f *fakeSurfaces) Open(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	f.nextID++
	id := fmt.Sprintf("surface-%d", f.nextID)
	f.opened = append(f.opened, id)
	return id, nil
}

func (f *fakeSurfaces) Navigate(ctx context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeSurfaces) Close(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return f.closeErr
}

func (f *fakeSurfaces) ClearSiteData(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, host)
	return nil
}

func (f *fakeSurfaces) Loads() <-chan browser.LoadEvent {
	return f.loads
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		TargetURL:    "https://portal.311.nyc.gov/article/?kanumber=KA-01957",
		SiteHost:     "portal.311.nyc.gov",
		MinOpenDelay: 2 * time.Second,
		MaxOpenDelay: 5 * time.Second,
		SettleDelay:  time.Second,
	}
}

// newTestController wires a controller whose sleeps return instantly while
// recording the requested durations.
func newTestController(st StateStore, surfaces SurfaceManager) (*Controller, *[]time.Duration) {
	c := New(st, surfaces, bus.New(), testRunnerConfig(), zap.NewNop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func queueOf(n int) []batch.WorkItem {
	items := make([]batch.WorkItem, n)
	for i := range items {
		items[i] = batch.WorkItem{
			ID:      fmt.Sprintf("item-%d", i),
			Primary: batch.Attachment{Name: fmt.Sprintf("truck%d.jpg", i), Path: "/p"},
		}
	}
	return items
}

func TestStartBatch_EmptyQueueRejected(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())

	err := c.StartBatch(context.Background(), nil, batch.Settings{})
	require.Error(t, err)
	assert.Nil(t, ms.state)
}

func TestStartBatch_OpensFirstSurface(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, slept := newTestController(ms, fs)

	err := c.StartBatch(context.Background(), queueOf(2), batch.Settings{ObservationAddress: "a"})
	require.NoError(t, err)

	st := ms.current()
	assert.True(t, st.Running)
	assert.Equal(t, 0, st.CurrentIndex)
	assert.Equal(t, "surface-1", st.CurrentSurfaceID)

	require.Len(t, fs.opened, 1)
	assert.Equal(t, []string{c.cfg.TargetURL}, fs.navigated)
	assert.Equal(t, []string{"portal.311.nyc.gov"}, fs.cleared)

	// The open was preceded by the randomized pacing delay.
	require.Len(t, *slept, 1)
	assert.GreaterOrEqual(t, (*slept)[0], 2*time.Second)
	assert.Less(t, (*slept)[0], 5*time.Second)
}

// loadOnNavigate snapshots the persisted surface handle at the moment
// Navigate is called and then reports the load, reproducing a page whose
// load event fires as soon as navigation starts.
type loadOnNavigate struct {
	*fakeSurfaces
	store      StateStore
	atNavigate []string
}

func (l *loadOnNavigate) Navigate(ctx context.Context, id, url string) error {
	st, err := l.store.LoadState()
	if err != nil {
		return err
	}
	l.atNavigate = append(l.atNavigate, st.CurrentSurfaceID)
	l.loads <- browser.LoadEvent{SurfaceID: id, Generation: 1, URL: url}
	return nil
}

func TestStartBatch_PersistsSurfaceHandleBeforeNavigation(t *testing.T) {
	ms := &memoryStore{}
	fs := &loadOnNavigate{fakeSurfaces: newFakeSurfaces(), store: ms}
	c, _ := newTestController(ms, fs)

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))

	// By the time the page could start loading, the handle was already
	// durable, so the load event is attributable.
	require.Len(t, fs.atNavigate, 1)
	assert.Equal(t, "surface-1", fs.atNavigate[0])
}

func TestStartBatch_LoadDuringOpenStillDispatchesFill(t *testing.T) {
	ms := &memoryStore{}
	fs := &loadOnNavigate{fakeSurfaces: newFakeSurfaces(), store: ms}
	c := New(ms, fs, bus.New(), testRunnerConfig(), zap.NewNop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	commands := c.bus.Attach()

	// The run loop consumes the load event concurrently with the start
	// call, matching how the command wires them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	go func() {
		_ = c.StartBatch(ctx, queueOf(1), batch.Settings{ObservationAddress: "a"})
	}()

	select {
	case got := <-commands:
		fill, ok := got.(bus.FillPage)
		require.True(t, ok)
		assert.Equal(t, "surface-1", fill.SurfaceID)
		assert.Equal(t, "item-0", fill.Item.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("load event was dropped; no fill command dispatched")
	}
}

func TestOnItemSucceeded_WalksQueueToCompletion(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, _ := newTestController(ms, fs)

	require.NoError(t, c.StartBatch(context.Background(), queueOf(3), batch.Settings{}))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.OnItemSucceeded(context.Background()))
	}

	st := ms.current()
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.CurrentIndex)
	assert.Equal(t, 3, len(fs.opened))

	select {
	case <-c.Completed():
	default:
		t.Fatal("completion channel never closed")
	}

	// A straggler success after completion is dropped without mutation.
	before := ms.current().Version
	require.NoError(t, c.OnItemSucceeded(context.Background()))
	assert.Equal(t, before, ms.current().Version)
}

func TestOnItemSucceeded_ClosesPreviousSurface(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, _ := newTestController(ms, fs)

	require.NoError(t, c.StartBatch(context.Background(), queueOf(2), batch.Settings{}))
	require.NoError(t, c.OnItemSucceeded(context.Background()))

	assert.Equal(t, []string{"surface-1"}, fs.closed)
	assert.Equal(t, "surface-2", ms.current().CurrentSurfaceID)
	// Session data cleared before each item.
	assert.Len(t, fs.cleared, 2)
}

func TestOnItemSucceeded_SurfaceCloseFailureDoesNotBlock(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	fs.closeErr = errors.New("surface already gone")
	c, _ := newTestController(ms, fs)

	require.NoError(t, c.StartBatch(context.Background(), queueOf(2), batch.Settings{}))
	require.NoError(t, c.OnItemSucceeded(context.Background()))

	assert.Equal(t, "surface-2", ms.current().CurrentSurfaceID)
}

func TestStopBatch_Idempotent(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())

	require.NoError(t, c.StartBatch(context.Background(), queueOf(2), batch.Settings{}))
	require.NoError(t, c.StopBatch(context.Background()))
	require.NoError(t, c.StopBatch(context.Background()))

	st := ms.current()
	assert.False(t, st.Running)
	assert.Empty(t, st.CurrentSurfaceID)
	// Queue and cursor survive the stop.
	assert.Len(t, st.Queue, 2)
	assert.Equal(t, 0, st.CurrentIndex)
}

func TestStopBatch_NothingPersistedIsNoOp(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())

	require.NoError(t, c.StopBatch(context.Background()))
	assert.Nil(t, ms.state)
}

func TestStopThenSuccessIsStale(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())

	require.NoError(t, c.StartBatch(context.Background(), queueOf(2), batch.Settings{}))
	require.NoError(t, c.StopBatch(context.Background()))
	require.NoError(t, c.OnItemSucceeded(context.Background()))

	assert.Equal(t, 0, ms.current().CurrentIndex)
}

func TestOpenDelay_Bounds(t *testing.T) {
	c, _ := newTestController(&memoryStore{}, newFakeSurfaces())
	for i := 0; i < 200; i++ {
		d := c.openDelay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestHandleLoad_DispatchesFill(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, slept := newTestController(ms, fs)
	commands := c.bus.Attach()

	require.NoError(t, c.StartBatch(context.Background(), queueOf(2), batch.Settings{ObservationAddress: "a"}))
	*slept = nil

	ev := browser.LoadEvent{
		SurfaceID:  "surface-1",
		Generation: 2,
		URL:        "https://portal.311.nyc.gov/forms/truck",
	}
	require.NoError(t, c.HandleLoad(context.Background(), ev))

	select {
	case got := <-commands:
		fill, ok := got.(bus.FillPage)
		require.True(t, ok)
		assert.Equal(t, "surface-1", fill.SurfaceID)
		assert.Equal(t, int64(2), fill.Generation)
		assert.Equal(t, "item-0", fill.Item.ID)
		assert.Equal(t, "a", fill.Settings.ObservationAddress)
	default:
		t.Fatal("no fill command dispatched")
	}

	// The dispatch waited out the settle delay.
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestHandleLoad_IgnoresForeignHost(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())
	commands := c.bus.Attach()

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))
	ev := browser.LoadEvent{SurfaceID: "surface-1", URL: "https://accounts.example.com/login"}
	require.NoError(t, c.HandleLoad(context.Background(), ev))

	assert.Empty(t, commands)
}

func TestHandleLoad_IgnoresStaleSurface(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())
	commands := c.bus.Attach()

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))
	ev := browser.LoadEvent{SurfaceID: "surface-99", URL: "https://portal.311.nyc.gov/forms"}
	require.NoError(t, c.HandleLoad(context.Background(), ev))

	assert.Empty(t, commands)
}

func TestHandleLoad_StopDuringSettleAborts(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())
	commands := c.bus.Attach()

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))

	// A stop lands in the durable record while the settle delay runs; the
	// re-read must see it.
	c.sleep = func(ctx context.Context, d time.Duration) error {
		st := ms.current()
		st.Running = false
		st.CurrentSurfaceID = ""
		return ms.SaveState(&st)
	}
	ev := browser.LoadEvent{SurfaceID: "surface-1", URL: "https://portal.311.nyc.gov/forms"}
	require.NoError(t, c.HandleLoad(context.Background(), ev))

	assert.Empty(t, commands)
}

func TestHandleLoad_RetriesDispatchOnce(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())
	// No executor attached: both the send and its retry fail with
	// ErrDetached, and HandleLoad still reports success.
	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))

	ev := browser.LoadEvent{SurfaceID: "surface-1", URL: "https://portal.311.nyc.gov/forms"}
	require.NoError(t, c.HandleLoad(context.Background(), ev))
}

func TestBatchComplete_NotifiesExecutor(t *testing.T) {
	ms := &memoryStore{}
	c, _ := newTestController(ms, newFakeSurfaces())
	commands := c.bus.Attach()

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))
	require.NoError(t, c.OnItemSucceeded(context.Background()))

	// Drain until the completion notice arrives.
	found := false
	for !found {
		select {
		case cmd := <-commands:
			if _, ok := cmd.(bus.BatchComplete); ok {
				found = true
			}
		default:
			t.Fatal("completion notice never delivered")
		}
	}
}

func TestResume_ReportsPersistedState(t *testing.T) {
	ms := &memoryStore{}
	ms.state = &batch.State{Running: true, Queue: queueOf(3), CurrentIndex: 1}
	c, _ := newTestController(ms, newFakeSurfaces())

	st, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.CurrentIndex)
	// Resume takes no corrective action.
	assert.Empty(t, ms.saves)
}

func TestContinueCurrent(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, _ := newTestController(ms, fs)

	err := c.ContinueCurrent(context.Background())
	require.Error(t, err)

	ms.state = &batch.State{Running: true, Queue: queueOf(3), CurrentIndex: 1}
	require.NoError(t, c.ContinueCurrent(context.Background()))

	// A fresh surface opens for the current item; the cursor stays put.
	require.Len(t, fs.opened, 1)
	st := ms.current()
	assert.Equal(t, 1, st.CurrentIndex)
	assert.Equal(t, "surface-1", st.CurrentSurfaceID)
}

func TestRun_ConsumesEventsAndLoads(t *testing.T) {
	ms := &memoryStore{}
	fs := newFakeSurfaces()
	c, _ := newTestController(ms, fs)

	require.NoError(t, c.StartBatch(context.Background(), queueOf(1), batch.Settings{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.bus.Emit(ctx, bus.ItemSucceeded{}))

	select {
	case <-c.Completed():
	case <-time.After(2 * time.Second):
		t.Fatal("single-item batch never completed via the run loop")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop never exited")
	}
}
