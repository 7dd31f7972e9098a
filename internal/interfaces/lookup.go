package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/supercomp/internal/models"
)

// TransitionOption mutates the job while a transition is applied under the job lock.
type TransitionOption func(job *models.Job)

// JobStore is the in-memory registry of lookup jobs.
// Every returned job is a snapshot; mutating it has no effect on the store.
type JobStore interface {
	// Create registers a pending job. If the identifier already has an active job
	// the existing job is returned together with models.ErrAlreadyActive.
	Create(ctx context.Context, identifier, year string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	ActiveFor(ctx context.Context, identifier string) (*models.Job, error)
	// LatestFor returns the active job or, failing that, the most recent one.
	LatestFor(ctx context.Context, identifier string) (*models.Job, error)
	Transition(ctx context.Context, id string, to models.JobState, opts ...TransitionOption) (*models.Job, error)
	// Modify applies a non-state mutation under the job lock.
	Modify(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
	// Update applies fn under the job lock and, when fn returns a non-empty state,
	// transitions to it in the same critical section.
	Update(ctx context.Context, id string, fn func(job *models.Job) (models.JobState, error)) (*models.Job, error)
	List(ctx context.Context) ([]models.JobSummary, error)
	// Prune removes finished jobs older than olderThan or beyond the keep most recent,
	// returning the removed jobs.
	Prune(ctx context.Context, olderThan time.Duration, keep int) ([]*models.Job, error)
	Stats() JobStoreStats
}

// JobStoreStats counts jobs by state.
type JobStoreStats struct {
	Total   int                     `json:"total"`
	ByState map[models.JobState]int `json:"by_state"`
}

// Handoff passes challenges from workers to operators and solutions back.
type Handoff interface {
	Publish(ctx context.Context, jobID string, image []byte) (*models.Job, error)
	Fetch(ctx context.Context, jobID string) ([]byte, error)
	Submit(ctx context.Context, jobID string, text string) error
	Await(ctx context.Context, jobID string, timeout time.Duration) (string, error)
}

// EvidenceStore persists screenshots and renders evidence reports.
type EvidenceStore interface {
	CaptureBefore(ctx context.Context, jobID string, shot func(ctx context.Context) ([]byte, error)) (models.Capture, error)
	CaptureAfter(ctx context.Context, jobID string, before models.Capture, shot func(ctx context.Context) ([]byte, error)) (models.Capture, error)
	SaveSnapshot(ctx context.Context, jobID, pageURL, html string) (string, error)
	Open(ctx context.Context, ref string) ([]byte, error)
	Report(ctx context.Context, job *models.Job) ([]byte, error)
	Remove(ctx context.Context, job *models.Job) error
}

// Notifier tells the operator that a challenge is waiting.
type Notifier interface {
	ChallengeWaiting(ctx context.Context, job *models.Job, image []byte) error
}
