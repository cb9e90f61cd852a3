// Package history persists usage snapshots to an embedded sqlite database
// and serves filtered queries, aggregates, and retention purges.
package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// DefaultQueryLimit caps Query results when the caller sets no limit.
const DefaultQueryLimit = 1000

type Store struct {
	db            *gorm.DB
	retentionDays int
}

func NewStore(db *gorm.DB, retentionDays int) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}, &Sample{}); err != nil {
		return nil, fmt.Errorf("migrating history: %w", err)
	}
	return &Store{db: db, retentionDays: retentionDays}, nil
}

// Append persists a snapshot. Appending the same capture twice is a no-op.
func (s *Store) Append(ctx context.Context, snap *provider.UsageSnapshot) error {
	entry := Entry{
		ID:          fmt.Sprintf("%d-%s-%s", snap.CapturedAt.Unix(), snap.ProviderID, snap.AccountID),
		AccountID:   snap.AccountID,
		AccountName: snap.AccountName,
		ProviderID:  snap.ProviderID,
		CapturedAt:  snap.CapturedAt,
	}
	for _, l := range snap.Limits {
		entry.Samples = append(entry.Samples, Sample{
			LimitID:     l.ID,
			Label:       l.Label,
			Utilization: l.Utilization,
			ResetsAt:    l.ResetsAt,
		})
	}

	var existing Entry
	err := s.db.WithContext(ctx).Select("id").First(&existing, "id = ?", entry.ID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("checking history entry: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}
	return nil
}

// Query returns entries newest first.
func (s *Store) Query(ctx context.Context, q Query) ([]Entry, error) {
	tx := s.db.WithContext(ctx).Model(&Entry{}).Preload("Samples")
	if q.ProviderID != "" {
		tx = tx.Where("provider_id = ?", q.ProviderID)
	}
	if q.AccountID != "" {
		tx = tx.Where("account_id = ?", q.AccountID)
	}
	if q.Start != nil {
		tx = tx.Where("captured_at >= ?", *q.Start)
	}
	if q.End != nil {
		tx = tx.Where("captured_at <= ?", *q.End)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	tx = tx.Order("captured_at DESC").Limit(limit)
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var entries []Entry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching the filter, ignoring paging.
func (s *Store) Count(ctx context.Context, q Query) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&Entry{})
	if q.ProviderID != "" {
		tx = tx.Where("provider_id = ?", q.ProviderID)
	}
	if q.AccountID != "" {
		tx = tx.Where("account_id = ?", q.AccountID)
	}
	if q.Start != nil {
		tx = tx.Where("captured_at >= ?", *q.Start)
	}
	if q.End != nil {
		tx = tx.Where("captured_at <= ?", *q.End)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return n, nil
}

// Stats aggregates one limit's utilization over [start, end]. Returns nil
// when no samples match.
func (s *Store) Stats(ctx context.Context, providerID, limitID string, start, end time.Time) (*Stats, error) {
	var row struct {
		Avg   float64
		Max   float64
		Min   float64
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&Sample{}).
		Select("AVG(history_samples.utilization) AS avg, MAX(history_samples.utilization) AS max, MIN(history_samples.utilization) AS min, COUNT(*) AS count").
		Joins("JOIN history_entries ON history_entries.id = history_samples.entry_id").
		Where("history_entries.provider_id = ?", providerID).
		Where("history_samples.limit_id = ?", limitID).
		Where("history_entries.captured_at >= ? AND history_entries.captured_at <= ?", start, end).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating history: %w", err)
	}
	if row.Count == 0 {
		return nil, nil
	}
	return &Stats{
		ProviderID:     providerID,
		LimitID:        limitID,
		PeriodStart:    start,
		PeriodEnd:      end,
		AvgUtilization: row.Avg,
		MaxUtilization: row.Max,
		MinUtilization: row.Min,
		SampleCount:    row.Count,
	}, nil
}

// Purge removes entries older than the retention window. A zero retention
// keeps everything.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	var ids []string
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("captured_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("selecting expired entries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Where("entry_id IN ?", ids).Delete(&Sample{}).Error; err != nil {
		return 0, fmt.Errorf("purging samples: %w", err)
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAccount drops all history for one account (cascade on account
// removal).
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("account_id = ?", accountID).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("selecting account entries: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("entry_id IN ?", ids).Delete(&Sample{}).Error; err != nil {
		return fmt.Errorf("deleting account samples: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("deleting account entries: %w", err)
	}
	return nil
}

// ExportJSON renders matching entries as pretty-printed JSON.
func (s *Store) ExportJSON(ctx context.Context, q Query) ([]byte, error) {
	entries, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

// ExportCSV renders matching entries as flat CSV, one row per sample.
func (s *Store) ExportCSV(ctx context.Context, q Query) ([]byte, error) {
	entries, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "provider", "account", "captured_at", "limit_id", "utilization", "resets_at"})
	for _, e := range entries {
		for _, sm := range e.Samples {
			_ = w.Write([]string{
				e.ID,
				e.ProviderID,
				e.AccountID,
				e.CapturedAt.Format(time.RFC3339),
				sm.LimitID,
				strconv.FormatFloat(sm.Utilization, 'f', 2, 64),
				sm.ResetsAt.Format(time.RFC3339),
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}
	return buf.Bytes(), nil
}
