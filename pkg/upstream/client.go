// Package upstream talks to the vendor sensor API that the farm gateways
// publish to. It exposes two calls: the latest record for a sensor and the
// records for a sensor over a time range.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/metrics"
)

var (
	// ErrUpstreamUnavailable covers transport failures, 5xx and 429 responses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedPayload covers 4xx responses and bodies that do not decode.
	ErrMalformedPayload = errors.New("malformed upstream payload")
)

const (
	latestPath   = "/get-latest-data"
	historyPath  = "/get-data"
	apiKeyHeader = "x-api-key"
)

// Record is one reading as returned by the API. Data is nil when the
// upstream reported the slot with no payload.
type Record struct {
	Timestamp time.Time
	Data      map[string]any
}

// Config configures a Client
type Config struct {
	BaseURL        string
	APIKey         string
	LatestTimeout  time.Duration
	HistoryTimeout time.Duration
	Retry          RetryPolicy
	// Location is applied to timestamps that carry no zone.
	Location *time.Location
	Logger   *slog.Logger
	Clock    clockwork.Clock
}

// Client fetches sensor records from the upstream API
type Client struct {
	http  *resty.Client
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
}

// New creates an upstream client
func New(cfg Config) *Client {
	if cfg.LatestTimeout <= 0 {
		cfg.LatestTimeout = config.UpstreamLatestTimeout
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = config.UpstreamHistoryTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader(apiKeyHeader, cfg.APIKey)
	}

	return &Client{
		http:  client,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "upstream"),
		clock: cfg.Clock,
	}
}

type envelope struct {
	Status string            `json:"status"`
	Result []json.RawMessage `json:"result"`
}

type historyRecord struct {
	Datetime string         `json:"datetime"`
	Data     map[string]any `json:"data"`
}

// FetchLatest returns the most recent record for an upstream sensor id.
// The record's own datetime is used when present, otherwise the current time.
func (c *Client) FetchLatest(ctx context.Context, apiSensorID string) (*Record, error) {
	return retry(ctx, c.cfg.Retry, c.log, func() (*Record, error) {
		body, err := c.get(ctx, latestPath, c.cfg.LatestTimeout, map[string]string{
			"sensor_id": apiSensorID,
		})
		if err != nil {
			return nil, err
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if env.Status != "ok" || len(env.Result) == 0 {
			return nil, fmt.Errorf("%w: status %q with %d results", ErrMalformedPayload, env.Status, len(env.Result))
		}

		var data map[string]any
		if err := json.Unmarshal(env.Result[0], &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		ts := c.clock.Now()
		if s, ok := data["datetime"].(string); ok && s != "" {
			if parsed, err := ParseTimestamp(s, c.cfg.Location); err == nil {
				ts = parsed
			}
		}
		return &Record{Timestamp: ts, Data: data}, nil
	})
}

// FetchRange returns every record for an upstream sensor id between start
// and end. Records without a datetime are dropped.
func (c *Client) FetchRange(ctx context.Context, apiSensorID string, start, end time.Time) ([]Record, error) {
	return retry(ctx, c.cfg.Retry, c.log, func() ([]Record, error) {
		body, err := c.get(ctx, historyPath, c.cfg.HistoryTimeout, map[string]string{
			"sensor_id": apiSensorID,
			"start":     start.Format(time.RFC3339),
			"end":       end.Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		result, ok := raw["result"]
		if !ok {
			return nil, fmt.Errorf("%w: no result field", ErrMalformedPayload)
		}

		var rows []historyRecord
		if err := json.Unmarshal(result, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		records := make([]Record, 0, len(rows))
		for _, row := range rows {
			if row.Datetime == "" {
				continue
			}
			ts, err := ParseTimestamp(row.Datetime, c.cfg.Location)
			if err != nil {
				c.log.Warn("Skipping record with bad datetime", "sensor", apiSensorID, "datetime", row.Datetime)
				continue
			}
			records = append(records, Record{Timestamp: ts, Data: row.Data})
		}

		c.log.Debug("Fetched history", "sensor", apiSensorID, "records", len(records))
		return records, nil
	})
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, params map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimPrefix(path, "/")
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		metrics.UpstreamRequests.WithLabelValues(endpoint, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstreamUnavailable, path, status)
	case status >= 400:
		metrics.UpstreamRequests.WithLabelValues(endpoint, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s returned %d", ErrMalformedPayload, path, status)
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp.Body(), nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp reads an ISO-8601 timestamp. A trailing Z or an explicit
// offset is honored; naive timestamps are taken to be in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
