package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyfarm/pkg/storage"
)

// Key kinds. Each kind owns one byte prefix so prefix scans never cross.
const (
	kindSample    byte = 's'
	kindAggregate byte = 'a'
	kindLatest    byte = 'l'
	kindQuality   byte = 'q'
	kindJob       byte = 'j'
)

// slowOpThreshold marks scans worth a warning log
const slowOpThreshold = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	log *slog.Logger

	// latestMu serializes latest-value read-compare-write cycles
	latestMu sync.Mutex
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	Logger *slog.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// Laptop-friendly default: 16 MB memtable, caches sized from it
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Storage{db: db, log: logger}, nil
}

// run executes op on its own goroutine and returns early when ctx is done, so
// a slow LSM scan can never block shutdown or exceed a request deadline.
func (s *Storage) run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", name, ctx.Err())
	}
}

// checkEvery polls ctx once every n iterations
func checkEvery(ctx context.Context, i, n int) error {
	if i%n != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// WriteSamples upserts raw samples
func (s *Storage) WriteSamples(ctx context.Context, samples []storage.Sample) error {
	return s.run(ctx, "write", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, smp := range samples {
			if err := checkEvery(ctx, i, 100); err != nil {
				return err
			}
			value, err := json.Marshal(smp)
			if err != nil {
				return fmt.Errorf("failed to encode sample: %w", err)
			}
			if err := wb.Set(seriesKey(kindSample, 0, smp.SensorID, smp.Timestamp), value); err != nil {
				return fmt.Errorf("failed to write sample: %w", err)
			}
		}
		return wb.Flush()
	})
}

// QuerySamples returns one sensor's raw samples in [Start, End)
func (s *Storage) QuerySamples(ctx context.Context, req storage.QueryRequest) ([]storage.Sample, error) {
	var out []storage.Sample
	err := s.run(ctx, "query", func() error {
		var err error
		out, err = scanSeries(ctx, s, kindSample, 0, req, func(v storage.Sample) string { return v.SensorID })
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertAggregates writes aggregates keyed by (sensor, tier, timestamp)
func (s *Storage) UpsertAggregates(ctx context.Context, aggs []storage.Aggregate) error {
	return s.run(ctx, "upsert", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, a := range aggs {
			if err := checkEvery(ctx, i, 100); err != nil {
				return err
			}
			value, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to encode aggregate: %w", err)
			}
			if err := wb.Set(seriesKey(kindAggregate, tierByte(a.Tier), a.SensorID, a.Timestamp), value); err != nil {
				return fmt.Errorf("failed to write aggregate: %w", err)
			}
		}
		return wb.Flush()
	})
}

// QueryAggregates returns one tier's aggregates for a sensor in [Start, End)
func (s *Storage) QueryAggregates(ctx context.Context, tier storage.Tier, req storage.QueryRequest) ([]storage.Aggregate, error) {
	var out []storage.Aggregate
	err := s.run(ctx, "query", func() error {
		var err error
		out, err = scanSeries(ctx, s, kindAggregate, tierByte(tier), req, func(v storage.Aggregate) string { return v.SensorID })
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountAggregates returns the number of rows in a tier
func (s *Storage) CountAggregates(ctx context.Context, tier storage.Tier) (int, error) {
	prefix := tierPrefix(tier)
	n := 0
	err := s.run(ctx, "count", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				n++
				if err := checkEvery(ctx, n, 1000); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteBefore removes a tier's records older than the cutoff
func (s *Storage) DeleteBefore(ctx context.Context, tier storage.Tier, before time.Time) (int, error) {
	prefix := tierPrefix(tier)
	cutoff := uint64(before.UnixNano())

	var keys [][]byte
	err := s.run(ctx, "delete", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if err := checkEvery(ctx, iterCount, 1000); err != nil {
					return err
				}
				key := it.Item().Key()
				if keyTimestamp(key) < cutoff {
					keys = append(keys, it.Item().KeyCopy(nil))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.deleteKeys(keys)
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// deleteKeys removes keys through a write batch so large purges never hit
// the transaction size limit
func (s *Storage) deleteKeys(keys [][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
	}
	return wb.Flush()
}

// PutLatest stores v unless a newer value is cached
func (s *Storage) PutLatest(ctx context.Context, v storage.LatestValue) (bool, error) {
	key := sensorKey(kindLatest, v.SensorID)
	value, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode latest value: %w", err)
	}

	var replaced bool
	err = s.run(ctx, "put latest", func() error {
		s.latestMu.Lock()
		defer s.latestMu.Unlock()

		for attempt := 0; attempt < 3; attempt++ {
			err := s.db.Update(func(txn *badger.Txn) error {
				replaced = false
				item, err := txn.Get(key)
				switch {
				case errors.Is(err, badger.ErrKeyNotFound):
				case err != nil:
					return err
				default:
					var cur storage.LatestValue
					if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
						return fmt.Errorf("failed to decode latest value: %w", err)
					}
					if cur.SensorID == v.SensorID && cur.Timestamp.After(v.Timestamp) {
						return nil
					}
				}
				replaced = true
				return txn.Set(key, value)
			})
			// Concurrent writers for one sensor: re-read and compare timestamps again
			if errors.Is(err, badger.ErrConflict) {
				continue
			}
			return err
		}
		return badger.ErrConflict
	})
	if err != nil {
		return false, err
	}
	return replaced, nil
}

// GetLatest returns cached latest values
func (s *Storage) GetLatest(ctx context.Context, sensorIDs ...string) (map[string]storage.LatestValue, error) {
	out := make(map[string]storage.LatestValue)
	err := s.run(ctx, "get latest", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			if len(sensorIDs) > 0 {
				for _, id := range sensorIDs {
					item, err := txn.Get(sensorKey(kindLatest, id))
					if errors.Is(err, badger.ErrKeyNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					var v storage.LatestValue
					if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
						return err
					}
					if v.SensorID == id {
						out[id] = v
					}
				}
				return nil
			}

			return scanPrefix(txn, []byte{kindLatest}, func(v storage.LatestValue) {
				out[v.SensorID] = v
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertQuality writes a daily quality record
func (s *Storage) UpsertQuality(ctx context.Context, rec storage.QualityRecord) (bool, error) {
	key := seriesKey(kindQuality, 0, rec.SensorID, rec.Date)
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode quality record: %w", err)
	}

	var created bool
	err = s.run(ctx, "upsert quality", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				created = true
			case err != nil:
				return err
			}
			return txn.Set(key, value)
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetQuality returns the record for one sensor-day
func (s *Storage) GetQuality(ctx context.Context, sensorID string, date time.Time) (storage.QualityRecord, error) {
	var rec storage.QualityRecord
	err := s.run(ctx, "get quality", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(seriesKey(kindQuality, 0, sensorID, date))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
		})
	})
	if err != nil {
		return storage.QualityRecord{}, err
	}
	return rec, nil
}

// QueryQuality returns quality records with dates in [Start, End)
func (s *Storage) QueryQuality(ctx context.Context, req storage.QueryRequest) ([]storage.QualityRecord, error) {
	var out []storage.QualityRecord
	err := s.run(ctx, "query quality", func() error {
		if req.SensorID != "" {
			var err error
			out, err = scanSeries(ctx, s, kindQuality, 0, req, func(v storage.QualityRecord) string { return v.SensorID })
			return err
		}

		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(txn, []byte{kindQuality}, func(v storage.QualityRecord) {
				if req.Contains(v.Date) {
					out = append(out, v)
				}
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if req.SensorID == "" {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].Date.Equal(out[j].Date) {
				return out[i].Date.Before(out[j].Date)
			}
			return out[i].SensorID < out[j].SensorID
		})
		if req.Limit > 0 && len(out) > req.Limit {
			out = out[:req.Limit]
		}
	}
	return out, nil
}

// SaveJob upserts a job by id
func (s *Storage) SaveJob(ctx context.Context, job storage.Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return s.run(ctx, "save job", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(jobKey(job.ID), value)
		})
	})
}

// GetJob returns one job
func (s *Storage) GetJob(ctx context.Context, id string) (storage.Job, error) {
	var job storage.Job
	err := s.run(ctx, "get job", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(jobKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &job) })
		})
	})
	if err != nil {
		return storage.Job{}, err
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *Storage) ListJobs(ctx context.Context, tier storage.Tier, limit int) ([]storage.Job, error) {
	var out []storage.Job
	err := s.run(ctx, "list jobs", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(txn, []byte{kindJob}, func(job storage.Job) {
				if tier == "" || job.Tier == tier {
					out = append(out, job)
				}
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSensor removes every record owned by the sensor
func (s *Storage) DeleteSensor(ctx context.Context, sensorID string) error {
	hash := sensorHash(sensorID)
	prefixes := [][]byte{
		append([]byte{kindSample}, hash...),
		append([]byte{kindQuality}, hash...),
	}
	for _, tier := range storage.AggregateTiers {
		prefixes = append(prefixes, append([]byte{kindAggregate, tierByte(tier)}, hash...))
	}

	return s.run(ctx, "delete sensor", func() error {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			for _, prefix := range prefixes {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = false
				opts.Prefix = prefix

				it := txn.NewIterator(opts)
				for it.Rewind(); it.Valid(); it.Next() {
					keys = append(keys, it.Item().KeyCopy(nil))
				}
				it.Close()
			}
			return nil
		})
		if err != nil {
			return err
		}
		keys = append(keys, sensorKey(kindLatest, sensorID))
		return s.deleteKeys(keys)
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.run(ctx, "stats", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			sensors := make(map[uint64]bool)
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if err := checkEvery(ctx, iterCount, 1000); err != nil {
					return err
				}

				key := it.Item().Key()
				switch key[0] {
				case kindSample:
					stats.TotalSamples++
					sensors[binary.BigEndian.Uint64(key[1:9])] = true

					ts := time.Unix(0, int64(keyTimestamp(key)))
					if stats.OldestSample.IsZero() || ts.Before(stats.OldestSample) {
						stats.OldestSample = ts
					}
					if ts.After(stats.NewestSample) {
						stats.NewestSample = ts
					}
				case kindAggregate:
					stats.TotalAggregates++
					sensors[binary.BigEndian.Uint64(key[2:10])] = true
				}
			}

			stats.TotalSensors = uint64(len(sensors))
			return nil
		})
		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// scanSeries seeks to the start of one sensor's range and walks forward
// until End. Values whose sensor id differs are skipped: two ids can share
// an xxhash prefix.
func scanSeries[T any](ctx context.Context, s *Storage, kind, tier byte, req storage.QueryRequest, idOf func(T) string) ([]T, error) {
	start := time.Now()
	prefix := sensorPrefix(kind, tier, req.SensorID)
	out := make([]T, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if !req.Start.IsZero() && req.Start.UnixNano() > 0 {
			seek = append(append([]byte{}, prefix...), timestampBytes(req.Start)...)
		}
		var iterCount int
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if err := checkEvery(ctx, iterCount, 1000); err != nil {
				return err
			}

			item := it.Item()
			if !req.End.IsZero() && keyTimestamp(item.Key()) >= uint64(req.End.UnixNano()) {
				break
			}

			var v T
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			if idOf(v) != req.SensorID {
				continue
			}

			out = append(out, v)
			if req.Limit > 0 && len(out) >= req.Limit {
				break
			}
		}
		return nil
	})

	if elapsed := time.Since(start); elapsed > slowOpThreshold {
		s.log.Warn("slow badger scan", "sensor_id", req.SensorID, "kind", string(kind), "elapsed", elapsed, "results", len(out))
	}
	return out, err
}

func scanPrefix[T any](txn *badger.Txn, prefix []byte, fn func(T)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}
		fn(v)
	}
	return nil
}

func tierByte(t storage.Tier) byte {
	switch t {
	case storage.Tier5m:
		return '5'
	case storage.TierHourly:
		return 'h'
	case storage.TierDaily:
		return 'd'
	}
	return 0
}

func tierPrefix(t storage.Tier) []byte {
	if t == storage.TierRaw {
		return []byte{kindSample}
	}
	return []byte{kindAggregate, tierByte(t)}
}

func sensorHash(sensorID string) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, xxhash.Sum64String(sensorID))
	return b
}

// sensorPrefix is [kind][tier?][xxhash(sensor)]. Tier 0 means the kind has no tier byte.
func sensorPrefix(kind, tier byte, sensorID string) []byte {
	prefix := []byte{kind}
	if tier != 0 {
		prefix = append(prefix, tier)
	}
	return append(prefix, sensorHash(sensorID)...)
}

// seriesKey creates a sortable key: [prefix][big-endian unix nanos]
func seriesKey(kind, tier byte, sensorID string, ts time.Time) []byte {
	return append(sensorPrefix(kind, tier, sensorID), timestampBytes(ts)...)
}

func sensorKey(kind byte, sensorID string) []byte {
	return sensorPrefix(kind, 0, sensorID)
}

func jobKey(id string) []byte {
	return append([]byte{kindJob}, id...)
}

func timestampBytes(ts time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ts.UnixNano()))
	return b
}

// keyTimestamp reads the trailing 8 timestamp bytes of a series key
func keyTimestamp(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
