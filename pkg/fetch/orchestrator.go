// Package fetch fans per-series reads out over bounded worker pools.
//
// A run takes one Task per logical series. Critical tasks are fetched first on
// their own pool with their own deadline, then the remaining tasks are fetched
// in small batches with a pause in between. A series that misses its batch
// deadline is cancelled and replaced by an empty result, so the returned map
// always holds every requested key:
//
//	orch := fetch.New(fetch.DefaultConfig(), emptySeries)
//	defer orch.Close()
//	results := orch.Run(ctx, tasks, fetchSeries)
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/metrics"
)

// Reasons passed to EmptyFunc
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonNoData    = "no data"
	ReasonNotRun    = "not fetched"
)

// ErrUnknownSeries is returned by a FetchFunc for a sensor id that does not
// exist. Its result is used only when no other variation produced one.
var ErrUnknownSeries = errors.New("unknown series")

// Task is one logical series. SensorIDs are variations of the same channel,
// tried in order until one returns data.
type Task struct {
	Key       string
	SensorIDs []string
	Critical  bool
}

// FetchFunc reads one sensor. ok reports whether the result holds data.
type FetchFunc[T any] func(ctx context.Context, sensorID string) (result T, ok bool, err error)

// EmptyFunc builds the placeholder for a series that produced nothing.
type EmptyFunc[T any] func(task Task, reason string) T

// Config controls pool sizes and deadlines.
type Config struct {
	// Name labels metrics and logs
	Name string

	CriticalWorkers int
	CriticalTimeout time.Duration

	Workers      int
	BatchSize    int // 0 runs every non-critical task in one batch
	BatchTimeout time.Duration
	BatchPause   time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// DefaultConfig is the two-tier layout used for chart groups.
func DefaultConfig() Config {
	return Config{
		Name:            "chart",
		CriticalWorkers: config.CriticalWorkers,
		CriticalTimeout: config.CriticalTimeout,
		Workers:         config.BulkWorkers,
		BatchSize:       config.BulkBatchSize,
		BatchTimeout:    config.BulkBatchTimeout,
		BatchPause:      config.BulkBatchPause,
	}
}

// MultiSensorConfig is a single bounded pool with one deadline.
func MultiSensorConfig() Config {
	return Config{
		Name:         "multi",
		Workers:      config.MultiSensorWorkers,
		BatchTimeout: config.MultiSensorTimeout,
	}
}

// Orchestrator runs Tasks through a FetchFunc on long-lived pools shared by
// every Run. It is safe for concurrent use.
type Orchestrator[T any] struct {
	cfg      Config
	empty    EmptyFunc[T]
	critical pond.Pool
	bulk     pond.Pool
	clock    clockwork.Clock
	log      *slog.Logger
}

// New creates an orchestrator and its worker pools.
func New[T any](cfg Config, empty EmptyFunc[T]) *Orchestrator[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CriticalWorkers <= 0 {
		cfg.CriticalWorkers = cfg.Workers
	}
	if cfg.CriticalTimeout <= 0 {
		cfg.CriticalTimeout = cfg.BatchTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "fetch"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator[T]{
		cfg:      cfg,
		empty:    empty,
		critical: pond.NewPool(cfg.CriticalWorkers),
		bulk:     pond.NewPool(cfg.Workers),
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "fetch", "orchestrator", cfg.Name),
	}
}

// Close stops both pools and waits for running fetches.
func (o *Orchestrator[T]) Close() {
	o.critical.StopAndWait()
	o.bulk.StopAndWait()
}

// Run fetches every task and returns one result per distinct key. Later
// tasks with an already seen key are ignored.
func (o *Orchestrator[T]) Run(ctx context.Context, tasks []Task, fetch FetchFunc[T]) map[string]T {
	tasks = dedupe(tasks)
	results := newResultSet[T](len(tasks))

	var critical, rest []Task
	for _, t := range tasks {
		if t.Critical {
			critical = append(critical, t)
		} else {
			rest = append(rest, t)
		}
	}

	if len(critical) > 0 {
		o.runBatch(ctx, o.critical, "critical", critical, o.cfg.CriticalTimeout, fetch, results)
	}

	batches := chunk(rest, o.cfg.BatchSize)
	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && o.cfg.BatchPause > 0 {
			o.pause(ctx)
		}
		o.runBatch(ctx, o.bulk, "bulk", batch, o.cfg.BatchTimeout, fetch, results)
	}

	reason := ReasonNotRun
	if ctx.Err() != nil {
		reason = ReasonCancelled
	}
	for _, t := range tasks {
		results.put(t.Key, func() T { return o.empty(t, reason) })
	}
	return results.snapshot()
}

func (o *Orchestrator[T]) runBatch(ctx context.Context, pool pond.Pool, poolName string, batch []Task, timeout time.Duration, fetch FetchFunc[T], results *resultSet[T]) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			v := o.fetchTask(bctx, t, fetch)
			results.put(t.Key, func() T { return v })
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := o.clock.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.Chan()
	}

	reason := ""
	select {
	case <-done:
		return
	case <-deadline:
		reason = ReasonTimeout
	case <-ctx.Done():
		reason = ReasonCancelled
	}
	cancel()

	var late []string
	for _, t := range batch {
		if results.put(t.Key, func() T { return o.empty(t, reason) }) {
			late = append(late, t.Key)
		}
	}
	if reason == ReasonTimeout && len(late) > 0 {
		metrics.FetchTimeouts.WithLabelValues(o.cfg.Name + "_" + poolName).Add(float64(len(late)))
		o.log.Warn("Fetch batch timed out", "pool", poolName, "timeout", timeout, "late", late, "batch_size", len(batch))
	}
}

// fetchTask tries each sensor variation in order. The first result with data
// wins; otherwise the first error-free result is kept, and a not-found result
// only when no variation exists.
func (o *Orchestrator[T]) fetchTask(ctx context.Context, t Task, fetch FetchFunc[T]) T {
	var (
		fallback    T
		hasFallback bool
		unknown     T
		hasUnknown  bool
		lastErr     error
	)
	for _, id := range t.SensorIDs {
		if ctx.Err() != nil {
			break
		}
		v, ok, err := fetch(ctx, id)
		if errors.Is(err, ErrUnknownSeries) {
			if !hasUnknown {
				unknown, hasUnknown = v, true
			}
			continue
		}
		if err != nil {
			lastErr = err
			o.log.Debug("Series fetch failed", "key", t.Key, "sensor_id", id, "error", err)
			continue
		}
		if ok {
			return v
		}
		if !hasFallback {
			fallback, hasFallback = v, true
		}
	}

	// An existing sensor with an empty range beats a variation that does not exist
	if hasFallback {
		return fallback
	}
	if hasUnknown {
		return unknown
	}
	if ctx.Err() != nil {
		return o.empty(t, ReasonCancelled)
	}
	if lastErr != nil {
		return o.empty(t, lastErr.Error())
	}
	return o.empty(t, ReasonNoData)
}

func (o *Orchestrator[T]) pause(ctx context.Context) {
	timer := o.clock.NewTimer(o.cfg.BatchPause)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-ctx.Done():
	}
}

// resultSet keeps the first result written per key. Fetches finishing after
// their batch deadline find the placeholder already in place.
type resultSet[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func newResultSet[T any](n int) *resultSet[T] {
	return &resultSet[T]{m: make(map[string]T, n)}
}

// put stores build() under key unless a result exists. Reports whether it stored.
func (r *resultSet[T]) put(key string, build func() T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[key]; ok {
		return false
	}
	r.m[key] = build()
	return true
}

func (r *resultSet[T]) snapshot() map[string]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]T, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

func dedupe(tasks []Task) []Task {
	seen := make(map[string]bool, len(tasks))
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if seen[t.Key] {
			continue
		}
		seen[t.Key] = true
		out = append(out, t)
	}
	return out
}

func chunk(tasks []Task, size int) [][]Task {
	if len(tasks) == 0 {
		return nil
	}
	if size <= 0 || size >= len(tasks) {
		return [][]Task{tasks}
	}
	var out [][]Task
	for i := 0; i < len(tasks); i += size {
		out = append(out, tasks[i:min(i+size, len(tasks))])
	}
	return out
}

// String describes the pool layout for logs
func (c Config) String() string {
	if c.BatchSize <= 0 {
		return fmt.Sprintf("%s: %d workers, %s timeout", c.Name, c.Workers, c.BatchTimeout)
	}
	return fmt.Sprintf("%s: critical %d/%s, bulk %d/%s in batches of %d",
		c.Name, c.CriticalWorkers, c.CriticalTimeout, c.Workers, c.BatchTimeout, c.BatchSize)
}
