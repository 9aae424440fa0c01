package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProber returns scripted answers.
type fakeProber struct {
	mu        sync.Mutex
	result    *a2a.TaskResult
	getErr    error
	healthErr error
	gets      int
	healths   int
}

func (p *fakeProber) GetTask(_ context.Context, _, taskID string) (*a2a.TaskResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.getErr != nil {
		return nil, p.getErr
	}
	if p.result == nil {
		return &a2a.TaskResult{TaskID: taskID, Status: a2a.TaskStatusWorking}, nil
	}
	return p.result, nil
}

func (p *fakeProber) Health(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healths++
	return p.healthErr
}

type transitionRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *transitionRecorder) RecordTrackerTransition(state, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, state+"/"+reason)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EntryURL = "http://transcriber"
	cfg.TerminalURL = "http://storer"
	return cfg
}

func newTestTracker(prober Prober, chains persistence.ChainStore) (*Tracker, *fakeClock) {
	clock := newFakeClock()
	return New(testConfig(), prober, chains, nil).WithClock(clock.Now), clock
}

func track(t *testing.T, tr *Tracker, id string) {
	t.Helper()
	_, err := tr.Track(id, "corr-"+id, "https://youtu.be/x")
	require.NoError(t, err)
	_, err = tr.MarkAccepted(id, "youtube")
	require.NoError(t, err)
}

func TestTracker_UnknownTask(t *testing.T) {
	tr, _ := newTestTracker(&fakeProber{}, nil)
	rec, err := tr.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateNotFound, rec.Status)
	assert.Equal(t, "missing", rec.TaskID)
}

func TestTracker_TrackLifecycle(t *testing.T) {
	tr, _ := newTestTracker(nil, nil)
	rec, err := tr.Track("t1", "c1", "u")
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, rec.Status)

	_, err = tr.Track("t1", "c1", "u")
	assert.ErrorIs(t, err, ErrAlreadyKnown)

	rec, err = tr.MarkAccepted("t1", "youtube")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.Status)
	assert.Equal(t, "youtube", rec.Step)

	rec, err = tr.MarkRejected("t1", "entry stage refused")
	require.NoError(t, err)
	assert.Equal(t, StateError, rec.Status)
	assert.Equal(t, ReasonRejected, rec.Reason)
	assert.False(t, rec.Inferred)
	assert.NotNil(t, rec.CompletedAt)
}

func TestTracker_StaysProcessingBeforeDwell(t *testing.T) {
	prober := &fakeProber{}
	tr, clock := newTestTracker(prober, nil)
	track(t, tr, "t1")

	clock.Advance(2*time.Minute + 59*time.Second)
	rec, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.Status)
	assert.Equal(t, 0, prober.healths, "health is not probed before the dwell time")
}

func TestTracker_DirectStatus(t *testing.T) {
	prober := &fakeProber{result: &a2a.TaskResult{
		TaskID: "t1",
		Status: a2a.TaskStatusCompleted,
		Metadata: a2a.Metadata{
			a2a.MetaFlowStep:      a2a.FlowStepCompleted,
			a2a.MetaFlowCompleted: true,
			"notion_url":          "https://notion.so/p",
		},
	}}
	tr, _ := newTestTracker(prober, nil)
	track(t, tr, "t1")

	rec, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.Status)
	assert.Equal(t, ReasonDirectStatus, rec.Reason)
	assert.False(t, rec.Inferred)
	assert.Equal(t, "https://notion.so/p", rec.ResultURL)
}

func TestTracker_HopResultOnlyAdvancesStep(t *testing.T) {
	prober := &fakeProber{result: &a2a.TaskResult{
		TaskID:   "t1",
		Status:   a2a.TaskStatusCompleted,
		Metadata: a2a.Metadata{a2a.MetaFlowStep: "youtube", a2a.MetaFlowCompleted: false},
	}}
	tr, _ := newTestTracker(prober, nil)
	track(t, tr, "t1")

	rec, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.Status)
	assert.Equal(t, "youtube", rec.Step)
}

func TestTracker_SynthesizedSnapshotCompletes(t *testing.T) {
	prober := &fakeProber{result: &a2a.TaskResult{
		TaskID:   "t1",
		Status:   a2a.TaskStatusCompleted,
		Metadata: a2a.Metadata{"synthesized": true},
	}}
	tr, _ := newTestTracker(prober, nil)
	track(t, tr, "t1")

	rec, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.Status)
	assert.Equal(t, ReasonSynthesizedStatus, rec.Reason)
	assert.True(t, rec.Inferred)
}

func TestTracker_HealthAfterDwell(t *testing.T) {
	prober := &fakeProber{}
	tr, clock := newTestTracker(prober, nil)
	rec := &transitionRecorder{}
	tr.SetObserver(rec)
	track(t, tr, "t1")

	clock.Advance(3*time.Minute + time.Second)
	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.Status)
	assert.Equal(t, ReasonHealthInferred, got.Reason)
	assert.True(t, got.Inferred)
	assert.Equal(t, 1, prober.healths)
	assert.Contains(t, rec.reasons, "completed/health_inferred")
}

func TestTracker_CeilingForcesCompletion(t *testing.T) {
	prober := &fakeProber{healthErr: errors.New("down")}
	tr, clock := newTestTracker(prober, nil)
	track(t, tr, "t1")

	clock.Advance(5 * time.Minute)
	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, got.Status, "unhealthy terminal stage between dwell and ceiling")

	clock.Advance(5*time.Minute + time.Second)
	got, err = tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.Status)
	assert.Equal(t, ReasonTimeout, got.Reason)
	assert.True(t, got.Inferred)
}

func TestTracker_ConsecutiveProbeFailures(t *testing.T) {
	prober := &fakeProber{getErr: errors.New("connection refused")}
	tr, _ := newTestTracker(prober, nil)
	track(t, tr, "t1")

	for i := 1; i <= 5; i++ {
		got, err := tr.Poll(context.Background(), "t1")
		require.NoError(t, err)
		require.Equal(t, StateProcessing, got.Status, "poll %d", i)
		require.Equal(t, i, got.ProbeFailures)
	}

	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.Status)
	assert.Equal(t, ReasonProbeFailures, got.Reason)
}

func TestTracker_ProbeSuccessResetsFailures(t *testing.T) {
	prober := &fakeProber{getErr: errors.New("timeout")}
	tr, _ := newTestTracker(prober, nil)
	track(t, tr, "t1")

	for i := 0; i < 3; i++ {
		_, err := tr.Poll(context.Background(), "t1")
		require.NoError(t, err)
	}
	prober.mu.Lock()
	prober.getErr = nil
	prober.mu.Unlock()

	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProbeFailures)
}

func TestTracker_ChainStoreSignals(t *testing.T) {
	tests := []struct {
		name   string
		hop    persistence.HopRecord
		state  State
		reason Reason
	}{
		{"completed", persistence.HopRecord{Stage: "storer", Status: persistence.ChainStatusCompleted, ResultURL: "https://notion.so/x"}, StateCompleted, ReasonChainStore},
		{"stage failed", persistence.HopRecord{Stage: "extractor", Status: persistence.ChainStatusFailed, Error: "ProcessingError: boom"}, StateError, ReasonStageFailed},
		{"forward failed", persistence.HopRecord{Stage: "transcriber", Status: persistence.ChainStatusForwardFailed, Error: "no_candidate"}, StateError, ReasonForwardFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chains := persistence.NewMemoryChainStore(persistence.DefaultStoreConfig(), nil)
			prober := &fakeProber{}
			tr, _ := newTestTracker(prober, chains)
			track(t, tr, "t1")

			_, err := chains.RecordHop(context.Background(), "corr-t1", tt.hop)
			require.NoError(t, err)

			got, err := tr.Poll(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, got.Status)
			assert.Equal(t, tt.reason, got.Reason)
			assert.False(t, got.Inferred)
			assert.Equal(t, tt.hop.ResultURL, got.ResultURL)
			assert.Equal(t, 0, prober.gets, "terminal chain state short-circuits probing")
		})
	}
}

// 未确认的转发只留下 processing 跳转, 下游完成后记录按链路存储完成.
func TestTracker_UnconfirmedForwardThenCompleted(t *testing.T) {
	chains := persistence.NewMemoryChainStore(persistence.DefaultStoreConfig(), nil)
	prober := &fakeProber{}
	tr, _ := newTestTracker(prober, chains)
	track(t, tr, "t1")

	_, err := chains.RecordHop(context.Background(), "corr-t1", persistence.HopRecord{
		Stage: "transcriber", Status: persistence.ChainStatusProcessing, FlowStep: "recipe",
		Error: "forward unconfirmed: context deadline exceeded",
	})
	require.NoError(t, err)

	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, got.Status)
	assert.Equal(t, "recipe", got.Step)

	_, err = chains.RecordHop(context.Background(), "corr-t1", persistence.HopRecord{
		Stage: "storer", Status: persistence.ChainStatusCompleted, ResultURL: "https://notion.so/x",
	})
	require.NoError(t, err)

	got, err = tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.Status)
	assert.Equal(t, ReasonChainStore, got.Reason)
	assert.Equal(t, "https://notion.so/x", got.ResultURL)
}

func TestTracker_ChainStoreWinsOverCeiling(t *testing.T) {
	chains := persistence.NewMemoryChainStore(persistence.DefaultStoreConfig(), nil)
	tr, clock := newTestTracker(&fakeProber{}, chains)
	track(t, tr, "t1")

	_, err := chains.RecordHop(context.Background(), "corr-t1", persistence.HopRecord{
		Stage: "transcriber", Status: persistence.ChainStatusForwardFailed, Error: "no_candidate",
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	got, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateError, got.Status)
	assert.Equal(t, ReasonForwardFailed, got.Reason)
}

func TestTracker_ReceiveCompletion(t *testing.T) {
	tr, _ := newTestTracker(&fakeProber{}, nil)
	track(t, tr, "t1")
	track(t, tr, "t2")

	err := tr.ReceiveCompletion(context.Background(), &a2a.CompletionNotice{
		CorrelationID: "corr-t1", Stage: "storer", Status: a2a.TaskStatusCompleted, ResultURL: "https://notion.so/1",
	})
	require.NoError(t, err)
	rec, _ := tr.Get("t1")
	assert.Equal(t, StateCompleted, rec.Status)
	assert.Equal(t, ReasonCompletionNotice, rec.Reason)
	assert.Equal(t, "https://notion.so/1", rec.ResultURL)

	err = tr.ReceiveCompletion(context.Background(), &a2a.CompletionNotice{
		CorrelationID: "corr-t2", Stage: "storer", Status: a2a.TaskStatusFailed,
		Error: &a2a.ErrorInfo{Code: types.ErrProcessingFailed, Message: "db down"},
	})
	require.NoError(t, err)
	rec, _ = tr.Get("t2")
	assert.Equal(t, StateError, rec.Status)
	assert.Contains(t, rec.Message, "db down")

	// terminal records are not overwritten
	err = tr.ReceiveCompletion(context.Background(), &a2a.CompletionNotice{CorrelationID: "corr-t2", Status: a2a.TaskStatusCompleted})
	require.NoError(t, err)
	rec, _ = tr.Get("t2")
	assert.Equal(t, StateError, rec.Status)

	err = tr.ReceiveCompletion(context.Background(), &a2a.CompletionNotice{CorrelationID: "unknown"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestTracker_TerminalReturnedAsIs(t *testing.T) {
	prober := &fakeProber{}
	tr, clock := newTestTracker(prober, nil)
	track(t, tr, "t1")
	clock.Advance(11 * time.Minute)

	first, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, first.Status)
	calls := prober.gets

	clock.Advance(time.Minute)
	second, err := tr.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, prober.gets)
}

func TestTracker_CapacityEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 3
	tr := New(cfg, nil, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := tr.Track(fmt.Sprintf("t%d", i), fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tr.Len())
	_, err := tr.Get("t0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Get("t4")
	assert.NoError(t, err)

	err = tr.ReceiveCompletion(context.Background(), &a2a.CompletionNotice{CorrelationID: "c1"})
	assert.Error(t, err, "evicted correlation ids are forgotten")
}

func TestTracker_CleanupExpired(t *testing.T) {
	tr, clock := newTestTracker(nil, nil)
	track(t, tr, "old")
	clock.Advance(23 * time.Hour)
	track(t, tr, "new")
	clock.Advance(2 * time.Hour)

	assert.Equal(t, 1, tr.CleanupExpired())
	assert.Equal(t, 1, tr.Len())
	_, err := tr.Get("new")
	assert.NoError(t, err)

	// the freed slot is reusable
	_, err = tr.Track("old", "corr-old", "")
	assert.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Dwell = cfg.Ceiling
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxProbeFailures = -1
	assert.Error(t, cfg.Validate())
}

// Elapsed time alone never completes a task before the dwell time, and
// always completes it after the ceiling.
func TestTracker_TimingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		elapsed := time.Duration(rapid.Int64Range(0, int64(20*time.Minute)).Draw(rt, "elapsed"))
		healthy := rapid.Bool().Draw(rt, "healthy")

		prober := &fakeProber{}
		if !healthy {
			prober.healthErr = errors.New("down")
		}
		tr, clock := newTestTracker(prober, nil)
		if _, err := tr.Track("t", "c", ""); err != nil {
			rt.Fatal(err)
		}
		clock.Advance(elapsed)
		rec, err := tr.Poll(context.Background(), "t")
		if err != nil {
			rt.Fatal(err)
		}

		cfg := testConfig()
		switch {
		case elapsed <= cfg.Dwell && rec.Status != StateProcessing:
			rt.Fatalf("elapsed %s: want processing, got %s", elapsed, rec.Status)
		case elapsed > cfg.Ceiling && rec.Status != StateCompleted:
			rt.Fatalf("elapsed %s: want completed, got %s", elapsed, rec.Status)
		case elapsed > cfg.Dwell && healthy && rec.Reason != ReasonHealthInferred:
			rt.Fatalf("elapsed %s: want health inference, got %s", elapsed, rec.Reason)
		}
	})
}
