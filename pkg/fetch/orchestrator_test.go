package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

type result struct {
	Sensor string
	Points int
	Reason string
}

func empty(t Task, reason string) result {
	return result{Reason: reason}
}

// fixedFetch answers from a table; sensors missing from it do not exist.
func fixedFetch(points map[string]int) FetchFunc[result] {
	return func(ctx context.Context, id string) (result, bool, error) {
		n, ok := points[id]
		if !ok {
			return result{Sensor: id, Reason: "not found"}, false, ErrUnknownSeries
		}
		if n < 0 {
			return result{}, false, errors.New("upstream unavailable")
		}
		return result{Sensor: id, Points: n}, n > 0, nil
	}
}

func TestRun_AllKeysPresent(t *testing.T) {
	orch := New(Config{Workers: 2, BatchSize: 2}, empty)
	defer orch.Close()
	fetch := fixedFetch(map[string]int{"a": 10, "b": 0, "c": -1, "d1": 0, "d2": 5})

	got := orch.Run(context.Background(), []Task{
		{Key: "A", SensorIDs: []string{"a"}},
		{Key: "B", SensorIDs: []string{"b"}},
		{Key: "C", SensorIDs: []string{"c"}},
		{Key: "D", SensorIDs: []string{"d1", "d2"}},
		{Key: "E", SensorIDs: []string{"unknown"}},
		{Key: "F"},
		{Key: "A", SensorIDs: []string{"d2"}},
	}, fetch)

	want := map[string]result{
		"A": {Sensor: "a", Points: 10},
		"B": {Sensor: "b"},
		"C": {Reason: "upstream unavailable"},
		"D": {Sensor: "d2", Points: 5},
		"E": {Sensor: "unknown", Reason: "not found"},
		"F": {Reason: ReasonNoData},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Run mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_VariationPrecedence(t *testing.T) {
	orch := New(Config{Workers: 2}, empty)
	defer orch.Close()
	fetch := fixedFetch(map[string]int{"empty": 0, "full": 3, "down": -1})

	got := orch.Run(context.Background(), []Task{
		{Key: "unknown then empty", SensorIDs: []string{"gone", "empty"}},
		{Key: "empty then unknown", SensorIDs: []string{"empty", "gone"}},
		{Key: "unknown then data", SensorIDs: []string{"gone", "full"}},
		{Key: "unknown then failing", SensorIDs: []string{"gone", "down"}},
		{Key: "all unknown", SensorIDs: []string{"gone", "missing"}},
	}, fetch)

	want := map[string]result{
		"unknown then empty":   {Sensor: "empty"},
		"empty then unknown":   {Sensor: "empty"},
		"unknown then data":    {Sensor: "full", Points: 3},
		"unknown then failing": {Sensor: "gone", Reason: "not found"},
		"all unknown":          {Sensor: "gone", Reason: "not found"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Run mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_CriticalFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	fetch := func(ctx context.Context, id string) (result, bool, error) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return result{Sensor: id, Points: 1}, true, nil
	}

	orch := New(Config{CriticalWorkers: 1, Workers: 1, BatchSize: 1}, empty)
	defer orch.Close()

	got := orch.Run(context.Background(), []Task{
		{Key: "bulk1", SensorIDs: []string{"b1"}},
		{Key: "crit", SensorIDs: []string{"c1"}, Critical: true},
		{Key: "bulk2", SensorIDs: []string{"b2"}},
	}, fetch)

	if len(got) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(got))
	}
	if diff := cmp.Diff([]string{"c1", "b1", "b2"}, order); diff != "" {
		t.Errorf("Fetch order mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	fetch := func(ctx context.Context, id string) (result, bool, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return result{Sensor: id, Points: 1}, true, nil
	}

	orch := New(Config{Workers: 3}, empty)
	defer orch.Close()

	var tasks []Task
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("s%d", i)
		tasks = append(tasks, Task{Key: id, SensorIDs: []string{id}})
	}
	got := orch.Run(context.Background(), tasks, fetch)

	if len(got) != 12 {
		t.Fatalf("Expected 12 results, got %d", len(got))
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("Expected at most 3 concurrent fetches, saw %d", p)
	}
}

func TestRun_TimeoutFillsEmpty(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var fast sync.WaitGroup
	fast.Add(2)
	fetch := func(ctx context.Context, id string) (result, bool, error) {
		if id == "slow" {
			<-ctx.Done()
			return result{}, false, ctx.Err()
		}
		defer fast.Done()
		return result{Sensor: id, Points: 1}, true, nil
	}

	orch := New(Config{Workers: 3, BatchTimeout: 30 * time.Second, Clock: clock}, empty)
	defer orch.Close()

	done := make(chan map[string]result)
	go func() {
		done <- orch.Run(context.Background(), []Task{
			{Key: "a", SensorIDs: []string{"a"}},
			{Key: "slow", SensorIDs: []string{"slow"}},
			{Key: "b", SensorIDs: []string{"b"}},
		}, fetch)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Batch deadline never armed: %v", err)
	}
	fast.Wait()
	time.Sleep(20 * time.Millisecond)
	clock.Advance(30 * time.Second)

	var got map[string]result
	select {
	case got = <-done:
	case <-ctx.Done():
		t.Fatal("Run did not return after the deadline")
	}

	want := map[string]result{
		"a":    {Sensor: "a", Points: 1},
		"b":    {Sensor: "b", Points: 1},
		"slow": {Reason: ReasonTimeout},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Run mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := New(Config{Workers: 2, BatchSize: 1}, empty)
	defer orch.Close()

	got := orch.Run(ctx, []Task{
		{Key: "a", SensorIDs: []string{"a"}},
		{Key: "b", SensorIDs: []string{"b"}},
		{Key: "c", SensorIDs: []string{"c"}},
	}, fixedFetch(map[string]int{"a": 1}))
	if len(got) != 3 {
		t.Fatalf("Expected 3 keys even when cancelled, got %d", len(got))
	}
	for _, k := range []string{"b", "c"} {
		if got[k].Reason != ReasonCancelled {
			t.Errorf("Expected %s to be cancelled, got %+v", k, got[k])
		}
	}
}

func TestChunk(t *testing.T) {
	tasks := []Task{{Key: "1"}, {Key: "2"}, {Key: "3"}, {Key: "4"}, {Key: "5"}}

	tests := []struct {
		size int
		want []int
	}{
		{size: 0, want: []int{5}},
		{size: 2, want: []int{2, 2, 1}},
		{size: 5, want: []int{5}},
		{size: 10, want: []int{5}},
	}
	for _, tt := range tests {
		var sizes []int
		for _, b := range chunk(tasks, tt.size) {
			sizes = append(sizes, len(b))
		}
		if diff := cmp.Diff(tt.want, sizes); diff != "" {
			t.Errorf("chunk(%d) mismatch (-want +got):\n%s", tt.size, diff)
		}
	}
	if chunk(nil, 3) != nil {
		t.Error("Expected nil batches for no tasks")
	}
}
