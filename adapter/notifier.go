package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/types"
)

// Notifier publishes an event for every finished attempt.
type Notifier struct {
	adapter   Adapter
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time
}

// NewNotifier wraps a. logger and collector may be nil.
func NewNotifier(a Adapter, logger *log.Logger, collector *metrics.Collector) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{adapter: a, logger: logger, collector: collector, now: time.Now}
}

// JobFinished publishes the record's event. Failures are counted and
// returned; they never affect the record.
func (n *Notifier) JobFinished(ctx context.Context, rec types.JobRecord) error {
	ev := NewJobFinishedEvent(rec, n.now())
	if err := n.adapter.Publish(ctx, ev); err != nil {
		n.collector.IncNotifyFailure()
		n.logger.Warn("job notification failed", map[string]any{
			"status": ev.Status,
			"error":  err.Error(),
		})
		return err
	}
	n.collector.IncNotifySuccess()
	n.logger.Debug("job notification published", map[string]any{"status": ev.Status})
	return nil
}

// Close closes the adapter.
func (n *Notifier) Close() error {
	return n.adapter.Close()
}
