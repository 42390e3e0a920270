package lode

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/lode/lode"
)

// ErrNoMetricsFound is returned when no metrics records exist in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// QueryLatestMetrics finds and reads the most recent metrics record.
// Filters by feature if non-empty. Returns the raw record map.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, feature string) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	// Snapshots are ordered by creation time; walk newest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !isMetricsSnapshot(snap) || !snapshotMatchesFilter(snap, "feature", feature) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}

		// Manifest paths are a coarse pre-filter; record fields are authoritative.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindMetrics {
				continue
			}
			if feature != "" && toString(record["feature"]) != feature {
				continue
			}
			return record, nil
		}
	}

	return nil, ErrNoMetricsFound
}
