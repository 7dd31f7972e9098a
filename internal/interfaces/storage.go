package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/supercomp/internal/models"
)

// HistoryStorage - interface for lookup history persistence
type HistoryStorage interface {
	SaveRecord(ctx context.Context, record *models.HistoryRecord) error
	GetRecord(ctx context.Context, key string) (*models.HistoryRecord, error)

	// ListRecords returns records most-recent-first. limit <= 0 returns all.
	ListRecords(ctx context.Context, limit int) ([]*models.HistoryRecord, error)
	ListByIdentifier(ctx context.Context, identifier string) ([]*models.HistoryRecord, error)
	CountRecords(ctx context.Context) (int, error)

	// DeleteOlderThan removes records with a timestamp before cutoff and returns the count removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager - interface to manage all storage backends
type StorageManager interface {
	HistoryStorage() HistoryStorage

	// Compact reclaims space left by deleted records.
	Compact(ctx context.Context) error
	Close() error
}
