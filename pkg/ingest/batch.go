package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// ErrBatcherStopped is returned by WriteSamples after Stop.
var ErrBatcherStopped = errors.New("batcher is stopped")

// BatchConfig holds configuration for the batcher
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	// MaxBuffered caps the buffer while the sink keeps failing. The oldest
	// samples are dropped first.
	MaxBuffered  int
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Batcher buffers samples in front of a SampleWriter and flushes them when
// the buffer fills or the flush interval elapses.
type Batcher struct {
	config BatchConfig
	sink   SampleWriter
	log    *slog.Logger

	samples []storage.Sample
	stopped bool
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool
	inflight sync.WaitGroup
}

const (
	defaultBatchSize   = config.IngestBatchSize
	defaultFlushEvery  = config.IngestFlushInterval
	defaultMaxBuffered = config.IngestBatchBufferSize
)

// NewBatcher creates a new batcher writing to sink
func NewBatcher(sink SampleWriter, config BatchConfig) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaultBatchSize
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = defaultFlushEvery
	}
	if config.MaxBuffered < config.MaxBatchSize {
		config.MaxBuffered = max(defaultMaxBuffered, config.MaxBatchSize)
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Batcher{
		config:  config,
		sink:    sink,
		log:     config.Logger.With("component", "batcher"),
		samples: make([]storage.Sample, 0, config.MaxBatchSize),
		done:    make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// WriteSamples buffers samples. It fails once the batcher is stopped or
// when ctx is already done.
func (b *Batcher) WriteSamples(ctx context.Context, samples []storage.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBatcherStopped
	}
	b.samples = append(b.samples, samples...)
	b.trimLocked()
	shouldFlush := len(b.samples) >= b.config.MaxBatchSize
	b.mu.Unlock()

	// Only one background flush at a time
	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.flush()
			b.flushing.Store(false)
		}()
	}
	return nil
}

// Pending returns the number of buffered samples
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Flush waits for background flushes, then writes all pending samples
// synchronously.
func (b *Batcher) Flush(ctx context.Context) error {
	b.inflight.Wait()
	pending := b.drain()
	if len(pending) == 0 {
		return nil
	}
	return b.sink.WriteSamples(ctx, pending)
}

// Stop stops the flush loop and writes whatever is left. Later writes fail
// with ErrBatcherStopped.
func (b *Batcher) Stop() error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.inflight.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.Flush(ctx)
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := b.config.Clock.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.Chan():
			if b.flushing.CompareAndSwap(false, true) {
				b.flush()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) flush() {
	pending := b.drain()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.sink.WriteSamples(ctx, pending); err != nil {
		b.log.Error("Failed to flush samples", "count", len(pending), "error", err)
		// Put them back so the next flush retries
		b.mu.Lock()
		b.samples = append(pending, b.samples...)
		b.trimLocked()
		b.mu.Unlock()
	}
}

// trimLocked drops the oldest samples above MaxBuffered. b.mu must be held.
func (b *Batcher) trimLocked() {
	over := len(b.samples) - b.config.MaxBuffered
	if over <= 0 {
		return
	}
	b.log.Warn("Sample buffer full, dropping oldest samples", "dropped", over, "buffered", b.config.MaxBuffered)
	b.samples = append(b.samples[:0], b.samples[over:]...)
}

func (b *Batcher) drain() []storage.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 {
		return nil
	}
	out := make([]storage.Sample, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]
	return out
}
