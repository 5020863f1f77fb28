package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/filebroker/filebroker/internal/store"
)

// Operation labels a stats-relevant action.
type Operation string

// Operations tracked per owner.
const (
	OpUpload   Operation = "upload"
	OpDownload Operation = "download"
	OpDelete   Operation = "delete"
)

// OwnerStats is the rolling usage record of one owner. The "today"
// counters are not reset by the broker; the record as a whole ages out
// via its TTL.
type OwnerStats struct {
	TotalFiles     int64      `json:"total_files"`
	TotalBytes     int64      `json:"total_size"`
	UploadsToday   int64      `json:"uploads_today"`
	DownloadsToday int64      `json:"downloads_today"`
	LastActivity   *time.Time `json:"last_activity"`
}

// StatsTracker aggregates per-owner usage counters in the backing store.
type StatsTracker struct {
	store *store.Store
	ttl   time.Duration
}

// NewStatsTracker creates a stats aggregator whose records expire after ttl.
func NewStatsTracker(st *store.Store, ttl time.Duration) *StatsTracker {
	return &StatsTracker{store: st, ttl: ttl}
}

// Record applies one operation to the owner's stats record. The update is
// a read-modify-write over a single key and is not guarded against
// concurrent writers; a lost update under contention is accepted.
func (s *StatsTracker) Record(ctx context.Context, ownerID string, op Operation, sizeDelta int64) error {
	stats, err := s.Get(ctx, ownerID)
	if err != nil {
		return err
	}

	switch op {
	case OpUpload:
		stats.TotalFiles++
		stats.TotalBytes += sizeDelta
		stats.UploadsToday++
	case OpDelete:
		stats.TotalFiles--
		stats.TotalBytes += sizeDelta // sizeDelta is negative
	case OpDownload:
		stats.DownloadsToday++
	default:
		return fmt.Errorf("unknown stats operation %q", op)
	}

	now := time.Now().UTC()
	stats.LastActivity = &now

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := s.store.Set(ctx, statsKey(ownerID), data, s.ttl); err != nil {
		return backendErr(err)
	}
	return nil
}

// Get returns the owner's stats record, zeroed when absent or expired.
func (s *StatsTracker) Get(ctx context.Context, ownerID string) (*OwnerStats, error) {
	data, err := s.store.Get(ctx, statsKey(ownerID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return &OwnerStats{}, nil
	}
	if err != nil {
		return nil, backendErr(err)
	}

	stats := &OwnerStats{}
	if err := json.Unmarshal(data, stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return stats, nil
}
