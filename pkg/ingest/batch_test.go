package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/storage"
)

// mockSink records every batch it receives
type mockSink struct {
	mu      sync.Mutex
	batches [][]storage.Sample
	calls   int
	err     error
}

func (m *mockSink) WriteSamples(ctx context.Context, samples []storage.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return m.err
	}
	batch := make([]storage.Sample, len(samples))
	copy(batch, samples)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockSink) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockSink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockSink) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func makeSamples(n int) []storage.Sample {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.Sample, n)
	for i := range out {
		out[i] = storage.Sample{SensorID: "t1", Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBatcher_Defaults(t *testing.T) {
	b := NewBatcher(&mockSink{}, BatchConfig{})
	if b.config.MaxBatchSize != 500 {
		t.Errorf("Expected MaxBatchSize=500, got %d", b.config.MaxBatchSize)
	}
	if b.config.FlushEvery != 5*time.Second {
		t.Errorf("Expected FlushEvery=5s, got %v", b.config.FlushEvery)
	}
}

func TestBatcher_FlushWhenFull(t *testing.T) {
	sink := &mockSink{}
	clock := clockwork.NewFakeClock()
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 5, FlushEvery: time.Hour, Clock: clock})
	b.Start(context.Background())
	defer b.Stop()

	if err := b.WriteSamples(context.Background(), makeSamples(5)); err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	waitFor(t, func() bool { return sink.total() == 5 })
}

func TestBatcher_FlushOnTick(t *testing.T) {
	sink := &mockSink{}
	clock := clockwork.NewFakeClock()
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Second, Clock: clock})
	b.Start(context.Background())
	defer b.Stop()

	b.WriteSamples(context.Background(), makeSamples(3))
	if sink.total() != 0 {
		t.Fatalf("Expected nothing flushed before the tick, got %d", sink.total())
	}

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(time.Second)

	waitFor(t, func() bool { return sink.total() == 3 })
}

func TestBatcher_StopFlushesRemainder(t *testing.T) {
	sink := &mockSink{}
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Hour, Clock: clockwork.NewFakeClock()})
	b.Start(context.Background())

	b.WriteSamples(context.Background(), makeSamples(7))
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sink.total() != 7 {
		t.Errorf("Expected 7 samples flushed on stop, got %d", sink.total())
	}
	if b.Pending() != 0 {
		t.Errorf("Expected empty buffer, got %d", b.Pending())
	}
}

func TestBatcher_FailedFlushKeepsSamples(t *testing.T) {
	sink := &mockSink{}
	sink.setErr(errors.New("disk full"))
	clock := clockwork.NewFakeClock()
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Second, Clock: clock})
	b.Start(context.Background())

	b.WriteSamples(context.Background(), makeSamples(4))
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(time.Second)

	waitFor(t, func() bool { return sink.callCount() == 1 && !b.flushing.Load() })
	if b.Pending() != 4 {
		t.Fatalf("Expected failed samples back in the buffer, got %d", b.Pending())
	}

	sink.setErr(nil)
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sink.total() != 4 {
		t.Errorf("Expected retried samples to land, got %d", sink.total())
	}
}

func TestBatcher_CancelledContext(t *testing.T) {
	b := NewBatcher(&mockSink{}, BatchConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.WriteSamples(ctx, makeSamples(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBatcher_WriteAfterStop(t *testing.T) {
	sink := &mockSink{}
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Hour, Clock: clockwork.NewFakeClock()})
	b.Start(context.Background())

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := b.WriteSamples(context.Background(), makeSamples(3)); !errors.Is(err, ErrBatcherStopped) {
		t.Fatalf("Expected ErrBatcherStopped, got %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Expected nothing buffered after stop, got %d", b.Pending())
	}
}

func TestBatcher_FailingSinkDropsOldest(t *testing.T) {
	sink := &mockSink{}
	sink.setErr(errors.New("disk full"))
	clock := clockwork.NewFakeClock()
	b := NewBatcher(sink, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Second, MaxBuffered: 100, Clock: clock})
	b.Start(context.Background())
	defer b.Stop()

	samples := makeSamples(150)
	b.WriteSamples(context.Background(), samples[:60])
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(time.Second)
	waitFor(t, func() bool { return sink.callCount() == 1 && !b.flushing.Load() })

	// The buffer is already past MaxBatchSize, so this write also triggers a
	// background flush that fails and requeues.
	b.WriteSamples(context.Background(), samples[60:])
	waitFor(t, func() bool { return sink.callCount() >= 2 && !b.flushing.Load() })

	if got := b.Pending(); got != 100 {
		t.Fatalf("Expected buffer capped at 100, got %d", got)
	}

	sink.setErr(nil)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	sink.mu.Lock()
	first := sink.batches[0][0]
	sink.mu.Unlock()
	if !first.Timestamp.Equal(samples[50].Timestamp) {
		t.Errorf("Expected the 50 oldest samples dropped, first kept is %v", first.Timestamp)
	}
}

func TestBatcher_DefaultBufferCap(t *testing.T) {
	b := NewBatcher(&mockSink{}, BatchConfig{MaxBatchSize: 20000})
	if b.config.MaxBuffered != 20000 {
		t.Errorf("Expected MaxBuffered raised to the batch size, got %d", b.config.MaxBuffered)
	}
	b = NewBatcher(&mockSink{}, BatchConfig{})
	if b.config.MaxBuffered != 10000 {
		t.Errorf("Expected MaxBuffered=10000, got %d", b.config.MaxBuffered)
	}
}
