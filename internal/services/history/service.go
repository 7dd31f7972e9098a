// -----------------------------------------------------------------------
// History Service - durable log of lookups named <RUC>_<TAG>_<TIMESTAMP>
// -----------------------------------------------------------------------

package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

// Service writes and lists history records
type Service struct {
	storage interfaces.HistoryStorage
	logger  arbor.ILogger
}

// NewService creates a history service over the given storage
func NewService(storage interfaces.HistoryStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

// Record writes a record tagged with tag at ts. Key uniqueness does not depend
// on the name, since two records for one RUC can share a second.
func (s *Service) Record(ctx context.Context, identifier, tag string, ts time.Time, fill func(r *models.HistoryRecord)) (*models.HistoryRecord, error) {
	name := models.HistoryName(identifier, tag, ts)
	if _, err := models.ParseHistoryName(name); err != nil {
		return nil, err
	}

	record := &models.HistoryRecord{
		Key:        name + "#" + uuid.NewString()[:8],
		Name:       name,
		Identifier: identifier,
		Tag:        tag,
		Timestamp:  ts,
	}
	if fill != nil {
		fill(record)
	}

	if err := s.storage.SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("name", record.Name).
		Str("status", record.Status).
		Msg("History record saved")
	return record, nil
}

// RecordCreated logs the request that created job
func (s *Service) RecordCreated(ctx context.Context, job *models.Job) (*models.HistoryRecord, error) {
	return s.Record(ctx, job.Identifier, job.HistoryTag(), job.CreatedAt, func(r *models.HistoryRecord) {
		r.JobID = job.ID
		r.Status = string(job.State)
		r.Message = "lookup requested"
	})
}

// RecordOutcome logs the terminal state of job under the automation tag
func (s *Service) RecordOutcome(ctx context.Context, job *models.Job) (*models.HistoryRecord, error) {
	if !job.State.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.State, models.ErrNotReady)
	}
	return s.Record(ctx, job.Identifier, models.HistoryTagAutomation, job.UpdatedAt, func(r *models.HistoryRecord) {
		r.JobID = job.ID
		r.Status = string(job.State)
		r.Message = outcomeMessage(job)
		if job.Evidence != nil {
			r.Before = job.Evidence.Before.Ref
			r.After = job.Evidence.After.Ref
		}
	})
}

func outcomeMessage(job *models.Job) string {
	if job.State == models.JobStateError {
		return job.Error
	}
	if job.Summary != "" {
		return job.Summary
	}
	return "lookup completed"
}

// List returns records most recent first
func (s *Service) List(ctx context.Context, limit int) ([]*models.HistoryRecord, error) {
	return s.storage.ListRecords(ctx, limit)
}

// Names returns the record names most recent first
func (s *Service) Names(ctx context.Context, limit int) ([]string, error) {
	records, err := s.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	return names, nil
}

// ForIdentifier returns the records for one RUC, most recent first
func (s *Service) ForIdentifier(ctx context.Context, identifier string) ([]*models.HistoryRecord, error) {
	return s.storage.ListByIdentifier(ctx, strings.TrimSpace(identifier))
}

// Count returns the number of stored records
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.storage.CountRecords(ctx)
}

// Prune removes records older than retention
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.storage.DeleteOlderThan(ctx, time.Now().Add(-retention))
}
