package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// HistoryStorage implements the HistoryStorage interface for Badger
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new HistoryStorage instance
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.HistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

// SaveRecord inserts or replaces a history record
func (s *HistoryStorage) SaveRecord(ctx context.Context, record *models.HistoryRecord) error {
	if record.Key == "" {
		return fmt.Errorf("history record key is required: %w", models.ErrValidation)
	}
	if err := s.db.Store().Upsert(record.Key, record); err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by key
func (s *HistoryStorage) GetRecord(ctx context.Context, key string) (*models.HistoryRecord, error) {
	var record models.HistoryRecord
	err := s.db.Store().Get(key, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("history record %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return &record, nil
}

// ListRecords returns records ordered by timestamp DESC
func (s *HistoryStorage) ListRecords(ctx context.Context, limit int) ([]*models.HistoryRecord, error) {
	query := badgerhold.Where("Key").Ne("").SortBy("Timestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.HistoryRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	return toPointers(records), nil
}

// ListByIdentifier returns the records for one identifier, most recent first
func (s *HistoryStorage) ListByIdentifier(ctx context.Context, identifier string) ([]*models.HistoryRecord, error) {
	var records []models.HistoryRecord
	query := badgerhold.Where("Identifier").Eq(identifier).Index("Identifier").SortBy("Timestamp").Reverse()
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", identifier, err)
	}
	return toPointers(records), nil
}

// CountRecords returns the number of stored records
func (s *HistoryStorage) CountRecords(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.HistoryRecord{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count history records: %w", err)
	}
	return int(count), nil
}

// DeleteOlderThan removes records with a timestamp before cutoff
func (s *HistoryStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var records []models.HistoryRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("Timestamp").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to find expired history records: %w", err)
	}

	deleted := 0
	for _, record := range records {
		if err := s.db.Store().Delete(record.Key, &models.HistoryRecord{}); err != nil {
			s.logger.Warn().Str("key", record.Key).Err(err).Msg("Failed to delete expired history record")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Debug().Int("deleted", deleted).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("Deleted expired history records")
	}
	return deleted, nil
}

func toPointers(records []models.HistoryRecord) []*models.HistoryRecord {
	out := make([]*models.HistoryRecord, len(records))
	for i := range records {
		out[i] = &records[i]
	}
	return out
}
