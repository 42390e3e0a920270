// Package redis publishes job-finished events to a Redis pub/sub channel
// and optionally keeps a capped list of recent events.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/sheetjobs/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "sheetjobs:job_finished"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultHistoryLimit caps the recent-events list when HistoryKey is set.
const DefaultHistoryLimit = 100

// Config configures the Redis adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: sheetjobs:job_finished).
	Channel string
	// HistoryKey, when set, also pushes each event onto this list, newest
	// first, so late consumers can catch up.
	HistoryKey string
	// HistoryLimit caps the list length (default 100).
	HistoryLimit int
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
}

// Adapter publishes job-finished events via Redis.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis adapter. Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event to the channel, and to the history list when
// configured, in one transaction.
func (a *Adapter) Publish(ctx context.Context, event *adapter.JobFinishedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	err = adapter.Retry(ctx, a.config.Retries, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.publishOnce(pctx, body)
	}, nil)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (a *Adapter) publishOnce(ctx context.Context, body []byte) error {
	if a.config.HistoryKey == "" {
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	}
	_, err := a.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, a.config.HistoryKey, body)
		p.LTrim(ctx, a.config.HistoryKey, 0, int64(a.config.HistoryLimit-1))
		p.Publish(ctx, a.config.Channel, body)
		return nil
	})
	return err
}

// Recent returns up to n events from the history list, newest first.
func (a *Adapter) Recent(ctx context.Context, n int) ([]adapter.JobFinishedEvent, error) {
	if a.config.HistoryKey == "" {
		return nil, errors.New("redis: no history key configured")
	}
	raw, err := a.client.LRange(ctx, a.config.HistoryKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read history: %w", err)
	}
	out := make([]adapter.JobFinishedEvent, 0, len(raw))
	for _, r := range raw {
		var ev adapter.JobFinishedEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("redis: decode history entry: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
