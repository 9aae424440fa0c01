package tracker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/types"
)

// Errors returned by the tracker.
var (
	ErrNotFound     = errors.New("tracker: task not found")
	ErrAlreadyKnown = errors.New("tracker: task already tracked")
)

// Prober is the part of a2a.StageClient the tracker polls with.
type Prober interface {
	GetTask(ctx context.Context, baseURL, taskID string) (*a2a.TaskResult, error)
	Health(ctx context.Context, baseURL string) error
}

// Observer receives state transitions. internal/metrics.Collector satisfies it.
type Observer interface {
	RecordTrackerTransition(state, reason string)
}

// Config configures the tracker.
type Config struct {
	// EntryURL is the first stage, queried with GET /tasks/get.
	EntryURL string `json:"entry_url" yaml:"entry_url"`
	// TerminalURL is the last stage, health-probed after Dwell.
	TerminalURL string `json:"terminal_url" yaml:"terminal_url"`
	// Dwell is the elapsed time after which a healthy terminal stage is
	// taken as completion.
	Dwell time.Duration `json:"dwell" yaml:"dwell"`
	// Ceiling is the elapsed time after which a task is forced to completed.
	Ceiling time.Duration `json:"ceiling" yaml:"ceiling"`
	// MaxProbeFailures is the number of consecutive failed polls tolerated.
	MaxProbeFailures int `json:"max_probe_failures" yaml:"max_probe_failures"`
	// ProbeTimeout bounds each status or health call.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// Capacity bounds the number of tracked tasks; the oldest is evicted.
	Capacity int `json:"capacity" yaml:"capacity"`
	// TTL removes records not updated for this long.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// CleanupInterval is the TTL sweep period.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dwell:            3 * time.Minute,
		Ceiling:          10 * time.Minute,
		MaxProbeFailures: 5,
		ProbeTimeout:     3 * time.Second,
		Capacity:         10000,
		TTL:              24 * time.Hour,
		CleanupInterval:  10 * time.Minute,
	}
}

// Validate checks the thresholds.
func (c *Config) Validate() error {
	if c.Dwell <= 0 || c.Ceiling <= 0 {
		return fmt.Errorf("tracker: dwell and ceiling must be positive")
	}
	if c.Dwell >= c.Ceiling {
		return fmt.Errorf("tracker: dwell (%s) must be shorter than ceiling (%s)", c.Dwell, c.Ceiling)
	}
	if c.MaxProbeFailures < 0 {
		return fmt.Errorf("tracker: max_probe_failures must not be negative")
	}
	return nil
}

// entry is one tracked record and its position in the eviction order.
type entry struct {
	record Record
	elem   *list.Element
}

// Tracker follows submitted tasks to completion at the pipeline entry point.
//
// Authoritative signals (a completion notice, a terminal chain state) win
// over the polling heuristics, which only run while neither has arrived.
type Tracker struct {
	config   *Config
	prober   Prober
	chains   persistence.ChainStore
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	tasks         map[string]*entry
	byCorrelation map[string]string
	order         *list.List
}

var _ a2a.CompletionReceiver = (*Tracker)(nil)

// New creates a tracker. prober and chains may be nil.
func New(config *Config, prober Prober, chains persistence.ChainStore, logger *zap.Logger) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.Dwell <= 0 {
		config.Dwell = def.Dwell
	}
	if config.Ceiling <= 0 {
		config.Ceiling = def.Ceiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		config:        config,
		prober:        prober,
		chains:        chains,
		logger:        logger.With(zap.String("component", "tracker")),
		now:           time.Now,
		tasks:         make(map[string]*entry),
		byCorrelation: make(map[string]string),
		order:         list.New(),
	}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// SetObserver sets the transition observer.
func (t *Tracker) SetObserver(o Observer) {
	t.observer = o
}

// =============================================================================
// Registration
// =============================================================================

// Track registers a new task in the submitted state.
func (t *Tracker) Track(taskID, correlationID, sourceURL string) (Record, error) {
	if taskID == "" {
		return Record{}, fmt.Errorf("%w: empty task id", ErrNotFound)
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tasks[taskID]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyKnown, taskID)
	}
	rec := Record{
		TaskID:        taskID,
		CorrelationID: correlationID,
		SourceURL:     sourceURL,
		Status:        StateSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e := &entry{record: rec}
	e.elem = t.order.PushBack(taskID)
	t.tasks[taskID] = e
	if correlationID != "" {
		t.byCorrelation[correlationID] = taskID
	}
	t.evictLocked()
	return rec, nil
}

// MarkAccepted moves a submitted task to processing after the entry stage
// accepted it.
func (t *Tracker) MarkAccepted(taskID, step string) (Record, error) {
	return t.update(taskID, func(r *Record, now time.Time) {
		if r.Status != StateSubmitted {
			return
		}
		r.Status = StateProcessing
		r.Step = step
		r.UpdatedAt = now
		t.transition(r)
	})
}

// MarkRejected fails a task the entry stage did not accept.
func (t *Tracker) MarkRejected(taskID, message string) (Record, error) {
	return t.update(taskID, func(r *Record, now time.Time) {
		if r.Status.IsTerminal() {
			return
		}
		r.finish(StateError, ReasonRejected, message, now)
		t.transition(r)
	})
}

// Get returns the record without polling.
func (t *Tracker) Get(taskID string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tasks[taskID]
	if !ok {
		return notFound(taskID), ErrNotFound
	}
	return e.record, nil
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// =============================================================================
// Completion signals
// =============================================================================

// ReceiveCompletion implements a2a.CompletionReceiver.
func (t *Tracker) ReceiveCompletion(_ context.Context, notice *a2a.CompletionNotice) error {
	t.mu.Lock()
	taskID, ok := t.byCorrelation[notice.CorrelationID]
	t.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "unknown correlation id: "+notice.CorrelationID)
	}

	_, err := t.update(taskID, func(r *Record, now time.Time) {
		if r.Status.IsTerminal() {
			return
		}
		if notice.Status == a2a.TaskStatusFailed {
			msg := "stage " + notice.Stage + " failed"
			if notice.Error != nil {
				msg = fmt.Sprintf("%s: %s", msg, notice.Error.Message)
			}
			r.finish(StateError, ReasonCompletionNotice, msg, now)
		} else {
			r.ResultURL = notice.ResultURL
			r.finish(StateCompleted, ReasonCompletionNotice, "completion reported by "+notice.Stage, now)
		}
		t.transition(r)
	})
	return err
}

// Poll evaluates the completion signals in order and returns the updated
// record. Terminal records are returned unchanged. Unknown ids return a
// not_found record and ErrNotFound.
//
// Order: terminal chain state, direct status from the entry stage, dwell
// plus terminal health, ceiling, consecutive probe failures.
func (t *Tracker) Poll(ctx context.Context, taskID string) (Record, error) {
	rec, err := t.Get(taskID)
	if err != nil || rec.Status.IsTerminal() {
		return rec, err
	}

	obs := t.observe(ctx, rec)

	return t.update(taskID, func(r *Record, now time.Time) {
		if r.Status.IsTerminal() {
			return
		}
		t.apply(r, obs, now)
	})
}

// observation is what one poll learned, gathered without holding the lock.
type observation struct {
	chain       *persistence.ChainState
	direct      *a2a.TaskResult
	directErr   error
	healthTried bool
	healthErr   error
	elapsed     time.Duration
	attempted   int
	failed      int
}

func (t *Tracker) observe(ctx context.Context, rec Record) observation {
	obs := observation{elapsed: t.now().Sub(rec.CreatedAt)}
	logger := t.logger.With(zap.String("task_id", rec.TaskID), zap.String("correlation_id", rec.CorrelationID))

	if t.chains != nil && rec.CorrelationID != "" {
		state, err := t.chains.Get(ctx, rec.CorrelationID)
		switch {
		case err == nil:
			obs.chain = state
			if state.Status.IsTerminal() {
				return obs
			}
		case errors.Is(err, persistence.ErrNotFound):
		default:
			logger.Warn("chain store lookup failed", zap.Error(err))
		}
	}

	if t.prober == nil {
		return obs
	}

	if t.config.EntryURL != "" {
		obs.attempted++
		pctx, cancel := context.WithTimeout(ctx, t.config.ProbeTimeout)
		obs.direct, obs.directErr = t.prober.GetTask(pctx, t.config.EntryURL, rec.TaskID)
		cancel()
		if obs.directErr != nil {
			obs.failed++
			logger.Debug("direct status query failed", zap.Error(obs.directErr))
		} else if directlyCompleted(obs.direct) {
			return obs
		}
	}

	if obs.elapsed > t.config.Dwell && t.config.TerminalURL != "" {
		obs.attempted++
		obs.healthTried = true
		pctx, cancel := context.WithTimeout(ctx, t.config.ProbeTimeout)
		obs.healthErr = t.prober.Health(pctx, t.config.TerminalURL)
		cancel()
		if obs.healthErr != nil {
			obs.failed++
			logger.Debug("terminal health probe failed", zap.Error(obs.healthErr))
		}
	}
	return obs
}

// apply runs the transition policy on a non-terminal record.
func (t *Tracker) apply(r *Record, obs observation, now time.Time) {
	before := r.Status
	if r.Status == StateSubmitted {
		r.Status = StateProcessing
	}
	r.UpdatedAt = now

	if c := obs.chain; c != nil {
		if c.FlowStep != "" {
			r.Step = c.FlowStep
		}
		switch c.Status {
		case persistence.ChainStatusCompleted:
			r.ResultURL = c.ResultURL
			r.finish(StateCompleted, ReasonChainStore, "chain completed", now)
		case persistence.ChainStatusFailed:
			r.finish(StateError, ReasonStageFailed, c.Error, now)
		case persistence.ChainStatusForwardFailed:
			r.finish(StateError, ReasonForwardFailed, c.Error, now)
		}
		if r.Status.IsTerminal() {
			t.transition(r)
			return
		}
	}

	if obs.direct != nil {
		if step := obs.direct.Metadata.FlowStep(); step != "" && r.Step != "completed" {
			r.Step = step
		}
		if directlyCompleted(obs.direct) {
			r.ResultURL = obs.direct.Metadata.String("notion_url")
			if obs.direct.Metadata.FlowCompleted() {
				r.finish(StateCompleted, ReasonDirectStatus, "entry stage reports completion", now)
			} else {
				r.finish(StateCompleted, ReasonSynthesizedStatus, "entry stage no longer holds the task", now)
			}
			t.transition(r)
			return
		}
	}

	// a poll counts as failed only when every probe it attempted failed
	switch {
	case obs.attempted > 0 && obs.failed == obs.attempted:
		r.ProbeFailures++
	case obs.attempted > 0:
		r.ProbeFailures = 0
	}

	switch {
	case obs.healthTried && obs.healthErr == nil:
		r.finish(StateCompleted, ReasonHealthInferred, "terminal stage healthy after dwell time", now)
	case obs.elapsed > t.config.Ceiling:
		r.finish(StateCompleted, ReasonTimeout, "no completion signal before ceiling", now)
	case r.ProbeFailures > t.config.MaxProbeFailures:
		r.finish(StateCompleted, ReasonProbeFailures, "too many consecutive probe failures", now)
	}

	if r.Status != before {
		t.transition(r)
	}
}

// directlyCompleted reports whether a /tasks/get snapshot means the whole
// chain finished: the hop result closed the flow, or the stage no longer
// knows the task and answered with a synthesized snapshot.
func directlyCompleted(res *a2a.TaskResult) bool {
	if res == nil || res.Status != a2a.TaskStatusCompleted {
		return false
	}
	return res.Metadata.FlowCompleted() || res.Metadata.Bool("synthesized")
}

// =============================================================================
// Map maintenance
// =============================================================================

func (t *Tracker) update(taskID string, fn func(r *Record, now time.Time)) (Record, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tasks[taskID]
	if !ok {
		return notFound(taskID), ErrNotFound
	}
	fn(&e.record, now)
	return e.record, nil
}

// evictLocked drops the oldest records above capacity.
func (t *Tracker) evictLocked() {
	for t.order.Len() > t.config.Capacity {
		oldest := t.order.Front()
		t.order.Remove(oldest)
		t.removeLocked(oldest.Value.(string), false)
	}
}

func (t *Tracker) removeLocked(taskID string, unlink bool) {
	e, ok := t.tasks[taskID]
	if !ok {
		return
	}
	if unlink {
		t.order.Remove(e.elem)
	}
	delete(t.tasks, taskID)
	if id := e.record.CorrelationID; id != "" && t.byCorrelation[id] == taskID {
		delete(t.byCorrelation, id)
	}
}

// CleanupExpired removes records not updated within the TTL.
func (t *Tracker) CleanupExpired() int {
	if t.config.TTL <= 0 {
		return 0
	}
	cutoff := t.now().Add(-t.config.TTL)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.tasks {
		if e.record.UpdatedAt.Before(cutoff) {
			t.removeLocked(id, true)
			removed++
		}
	}
	return removed
}

// StartCleanupLoop runs the TTL sweep until ctx is done.
func (t *Tracker) StartCleanupLoop(ctx context.Context) {
	if t.config.TTL <= 0 || t.config.CleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(t.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.CleanupExpired(); n > 0 {
					t.logger.Debug("removed expired tasks", zap.Int("count", n))
				}
			}
		}
	}()
}

func (t *Tracker) transition(r *Record) {
	t.logger.Info("task state changed",
		zap.String("task_id", r.TaskID),
		zap.String("status", string(r.Status)),
		zap.String("reason", string(r.Reason)),
		zap.Bool("inferred", r.Inferred),
	)
	if t.observer != nil {
		t.observer.RecordTrackerTransition(string(r.Status), string(r.Reason))
	}
}
