package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/history"
)

// RetentionTaskName is the scheduler name of the pruning task
const RetentionTaskName = "retention"

// CompactionTaskName is the scheduler name of the storage compaction task
const CompactionTaskName = "compaction"

// Retention prunes finished jobs, their evidence and old history records
type Retention struct {
	store     interfaces.JobStore
	evidence  interfaces.EvidenceStore
	history   *history.Service
	retention time.Duration
	keep      int
	onRemoved func(job *models.Job)
	logger    arbor.ILogger
}

// NewRetention creates the pruning task. onRemoved may be nil.
func NewRetention(
	jobStore interfaces.JobStore,
	evidence interfaces.EvidenceStore,
	historyService *history.Service,
	retention time.Duration,
	keep int,
	onRemoved func(job *models.Job),
	logger arbor.ILogger,
) *Retention {
	return &Retention{
		store:     jobStore,
		evidence:  evidence,
		history:   historyService,
		retention: retention,
		keep:      keep,
		onRemoved: onRemoved,
		logger:    logger,
	}
}

// Run prunes once. Evidence removal failures are logged and do not stop the run.
func (r *Retention) Run(ctx context.Context) error {
	removed, err := r.store.Prune(ctx, r.retention, r.keep)
	if err != nil {
		return err
	}

	for _, job := range removed {
		// partial captures are stored even when no evidence was attached
		if err := r.evidence.Remove(ctx, job); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to remove evidence of pruned job")
		}
		if r.onRemoved != nil {
			r.onRemoved(job)
		}
	}

	var errs []error
	records := 0
	if r.history != nil {
		records, err = r.history.Prune(ctx, r.retention)
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info().
		Int("jobs_removed", len(removed)).
		Int("history_removed", records).
		Msg("Retention run completed")

	return errors.Join(errs...)
}
