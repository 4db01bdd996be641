/*
Package storage provides the tiered time-series store abstraction for tinyfarm.

# Storage Interface

All backends implement the Storage interface:
  - memory: In-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

Logically the store holds:

	raw samples      keyed by (sensor, timestamp)
	5min aggregates  keyed by (sensor, timestamp)
	hourly aggregates keyed by (sensor, timestamp)
	daily aggregates keyed by (sensor, timestamp)
	latest values    one row per sensor, last-write-wins by timestamp
	quality records  keyed by (sensor, date)
	jobs             keyed by id

# Upserts

Every keyed write replaces the previous record atomically. Aggregation can
therefore run concurrently with reads, and re-running it over the same window
never creates duplicate buckets.

# Ranges

QueryRequest ranges are half-open: Start is inclusive, End is exclusive. A
5-minute bucket at 10:00 therefore never picks up a sample stamped 10:05.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    return err
	}
	defer store.Close()

	err = store.WriteSamples(ctx, []storage.Sample{
	    {SensorID: "ppfd1", Timestamp: ts, Value: &v, Flag: sensor.FlagGood},
	})

	aggs, err := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{
	    SensorID: "ppfd1",
	    Start:    day.Add(6 * time.Hour),
	    End:      day.Add(18 * time.Hour),
	})
*/
package storage
