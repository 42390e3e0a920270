package lode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/types"
)

// DefaultDataset is the dataset name used when none is configured.
const DefaultDataset = "sheetjobs"

// Config configures a Ledger.
type Config struct {
	// Dataset is the Lode dataset ID. Empty uses DefaultDataset.
	Dataset string
}

// Ledger records finished jobs and metrics snapshots.
// It implements runtime.Finisher.
type Ledger struct {
	mu        sync.Mutex
	ds        lode.Dataset
	dataset   string
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time
}

// NewLedger opens a ledger on the store produced by factory.
// logger and collector may be nil.
func NewLedger(cfg Config, factory lode.StoreFactory, logger *log.Logger, collector *metrics.Collector) (*Ledger, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := NewDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Ledger{
		ds:        ds,
		dataset:   cfg.Dataset,
		logger:    logger,
		collector: collector,
		now:       time.Now,
	}, nil
}

// NewFSLedger opens a ledger rooted at a local directory.
func NewFSLedger(cfg Config, root string, logger *log.Logger, collector *metrics.Collector) (*Ledger, error) {
	return NewLedger(cfg, lode.NewFSFactory(root), logger, collector)
}

// NewS3Ledger opens a ledger in an S3 bucket.
func NewS3Ledger(ctx context.Context, cfg Config, s3cfg S3Config, logger *log.Logger, collector *metrics.Collector) (*Ledger, error) {
	factory, err := NewS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewLedger(cfg, factory, logger, collector)
}

// Dataset returns the underlying dataset for direct queries.
func (l *Ledger) Dataset() lode.Dataset { return l.ds }

// JobFinished writes one entry for a terminal record.
func (l *Ledger) JobFinished(ctx context.Context, rec types.JobRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("ledger: record status %s is not terminal", rec.Status)
	}
	finishedAt := rec.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = l.now()
	}
	if err := l.write(ctx, toJobRecordMap(rec, finishedAt)); err != nil {
		l.collector.IncLedgerWriteFailure()
		l.logger.Warn("ledger write failed", map[string]any{
			"feature": rec.Feature,
			"status":  string(rec.Status),
			"error":   err.Error(),
		})
		return err
	}
	l.collector.IncLedgerWriteSuccess()
	l.logger.Debug("ledger entry written", map[string]any{
		"feature": rec.Feature,
		"status":  string(rec.Status),
	})
	return nil
}

// WriteMetrics writes a metrics snapshot under the metrics partition.
func (l *Ledger) WriteMetrics(ctx context.Context, snap metrics.Snapshot) error {
	return l.write(ctx, toMetricsRecordMap(snap, l.now()))
}

func (l *Ledger) write(ctx context.Context, record map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.ds.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, l.dataset)
	}
	return nil
}

// Query filters History results. Zero fields match everything.
type Query struct {
	Feature string
	Status  types.Status
	Day     string
	// Limit caps the number of entries; zero means no cap.
	Limit int
}

func (q Query) matches(e Entry) bool {
	switch {
	case q.Feature != "" && e.Feature != q.Feature:
		return false
	case q.Status != "" && e.Status != string(q.Status):
		return false
	case q.Day != "" && e.Day != q.Day:
		return false
	}
	return true
}

// History returns finished jobs matching q, newest first.
func (l *Ledger) History(ctx context.Context, q Query) ([]Entry, error) {
	snapshots, err := l.ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, l.dataset)
	}

	var out []Entry
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if isMetricsSnapshot(snap) ||
			!snapshotMatchesFilter(snap, "feature", q.Feature) ||
			!snapshotMatchesFilter(snap, "status", string(q.Status)) ||
			!snapshotMatchesFilter(snap, "day", q.Day) {
			continue
		}

		data, err := l.ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindJob {
				continue
			}
			e, err := entryFromRecord(record)
			if err != nil {
				return nil, err
			}
			if q.matches(e) {
				out = append(out, e)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// LatestMetrics returns the most recent metrics record for feature.
func (l *Ledger) LatestMetrics(ctx context.Context, feature string) (map[string]any, error) {
	return QueryLatestMetrics(ctx, l.ds, feature)
}
