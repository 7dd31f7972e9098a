// -----------------------------------------------------------------------
// Lookup Service - facade over the job store, hand-off and history
// -----------------------------------------------------------------------

package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/history"
)

// CreateRequest starts a lookup for a RUC
type CreateRequest struct {
	Identifier string `json:"identifier" validate:"required,len=13,number"`
	Year       string `json:"year,omitempty" validate:"omitempty,len=4,number"`
}

// RecordRequest logs a lookup without running automation
type RecordRequest struct {
	RUC  string `json:"ruc" validate:"required,len=13,number"`
	Year string `json:"year" validate:"required,len=4,number"`
}

// SolutionRequest carries an operator's challenge solution
type SolutionRequest struct {
	Text string `json:"text" validate:"required"`
}

// CreateResult is the outcome of an idempotent create
type CreateResult struct {
	Job      *models.Job
	Attached bool
}

// StatusView is the polling protocol's status response
type StatusView struct {
	Ready     bool            `json:"ready"`
	Status    models.JobState `json:"status"`
	JobID     string          `json:"jobId"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Attempts  int             `json:"attempts"`
}

// NewStatusView translates a job snapshot into the status vocabulary
func NewStatusView(job *models.Job) *StatusView {
	return &StatusView{
		Ready:     job.State == models.JobStateWaitingCaptcha,
		Status:    job.State,
		JobID:     job.ID,
		Error:     job.Error,
		ErrorKind: job.ErrorKind,
		Attempts:  job.Attempts,
	}
}

// Starter launches the worker for a job
type Starter interface {
	Start(jobID string) error
}

// Service is what the protocol handlers call
type Service struct {
	store    interfaces.JobStore
	handoff  interfaces.Handoff
	evidence interfaces.EvidenceStore
	history  *history.Service
	events   interfaces.EventService
	starter  Starter
	config   *common.Config
	validate *validator.Validate
	logger   arbor.ILogger

	// history writes started by OnTransition
	pending sync.WaitGroup
}

// NewService creates the lookup facade. events may be nil.
func NewService(
	jobStore interfaces.JobStore,
	handoff interfaces.Handoff,
	evidence interfaces.EvidenceStore,
	historyService *history.Service,
	events interfaces.EventService,
	starter Starter,
	config *common.Config,
	logger arbor.ILogger,
) *Service {
	return &Service{
		store:    jobStore,
		handoff:  handoff,
		evidence: evidence,
		history:  historyService,
		events:   events,
		starter:  starter,
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}
}

// Close waits for history writes still in flight. Call it after the workers
// have stopped and before storage is closed.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history writes still pending: %w", ctx.Err())
	}
}

// Validate checks a request DTO and wraps failures as validation errors
func (s *Service) Validate(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s failed %q check: %w", strings.ToLower(fe.Field()), fe.Tag(), models.ErrValidation)
		}
		return fmt.Errorf("%v: %w", err, models.ErrValidation)
	}
	return nil
}

// Create registers a lookup and starts its worker. A request for an identifier
// with an active job attaches to that job instead.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Identifier = strings.TrimSpace(req.Identifier)
	req.Year = strings.TrimSpace(req.Year)
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if req.Year != "" && !s.config.IsAvailableYear(req.Year) {
		return nil, fmt.Errorf("year %s is not available: %w", req.Year, models.ErrValidation)
	}

	job, err := s.store.Create(ctx, req.Identifier, req.Year)
	if errors.Is(err, models.ErrAlreadyActive) {
		s.logger.Info().
			Str("identifier", req.Identifier).
			Str("job_id", job.ID).
			Msg("Request attached to active job")
		return &CreateResult{Job: job, Attached: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.starter.Start(job.ID); err != nil {
		startErr := fmt.Errorf("failed to start lookup: %v: %w", err, models.ErrAutomationFailure)
		if _, terr := s.store.Transition(context.Background(), job.ID, models.JobStateError, store.WithError(startErr)); terr != nil {
			s.logger.Warn().Err(terr).Str("job_id", job.ID).Msg("Failed to fail unstarted job")
		}
		return nil, startErr
	}

	s.logger.Info().
		Str("identifier", job.Identifier).
		Str("job_id", job.ID).
		Msg("Lookup job created")
	return &CreateResult{Job: job}, nil
}

// Get returns a job snapshot
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.Get(ctx, jobID)
}

// Status returns the polling view of a job
func (s *Service) Status(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewStatusView(job), nil
}

// StatusFor returns the polling view of the latest job for a RUC
func (s *Service) StatusFor(ctx context.Context, identifier string) (*StatusView, error) {
	job, err := s.store.LatestFor(ctx, strings.TrimSpace(identifier))
	if err != nil {
		return nil, err
	}
	return NewStatusView(job), nil
}

// List returns finished jobs, most recent first
func (s *Service) List(ctx context.Context) ([]models.JobSummary, error) {
	return s.store.List(ctx)
}

// Challenge returns the current challenge image of a job
func (s *Service) Challenge(ctx context.Context, jobID string) ([]byte, error) {
	return s.handoff.Fetch(ctx, jobID)
}

// ChallengeFor returns the current challenge image of the active job for a RUC
func (s *Service) ChallengeFor(ctx context.Context, identifier string) ([]byte, error) {
	job, err := s.store.LatestFor(ctx, strings.TrimSpace(identifier))
	if err != nil {
		return nil, err
	}
	return s.handoff.Fetch(ctx, job.ID)
}

// Submit records an operator solution for a job
func (s *Service) Submit(ctx context.Context, jobID, text string) error {
	return s.handoff.Submit(ctx, jobID, text)
}

// SubmitFor records an operator solution for the active job of a RUC
func (s *Service) SubmitFor(ctx context.Context, identifier, text string) (*models.Job, error) {
	job, err := s.store.LatestFor(ctx, strings.TrimSpace(identifier))
	if err != nil {
		return nil, err
	}
	if err := s.handoff.Submit(ctx, job.ID, text); err != nil {
		return nil, err
	}
	return job, nil
}

// RecordLookup writes a history record for a RUC and year without automation
func (s *Service) RecordLookup(ctx context.Context, req RecordRequest) (*models.HistoryRecord, error) {
	req.RUC = strings.TrimSpace(req.RUC)
	req.Year = strings.TrimSpace(req.Year)
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if !s.config.IsAvailableYear(req.Year) {
		return nil, fmt.Errorf("year %s is not available: %w", req.Year, models.ErrValidation)
	}

	return s.history.Record(ctx, req.RUC, req.Year, timeNow(), func(r *models.HistoryRecord) {
		r.Status = "recorded"
		r.Message = fmt.Sprintf("lookup of %s for %s recorded", req.RUC, req.Year)
	})
}

// History returns history record names, most recent first
func (s *Service) History(ctx context.Context) ([]string, error) {
	return s.history.Names(ctx, 0)
}

// HistoryRecords returns full history records, most recent first
func (s *Service) HistoryRecords(ctx context.Context, limit int) ([]*models.HistoryRecord, error) {
	return s.history.List(ctx, limit)
}

// HistoryRecordsFor returns the history of one RUC, most recent first
func (s *Service) HistoryRecordsFor(ctx context.Context, identifier string) ([]*models.HistoryRecord, error) {
	return s.history.ForIdentifier(ctx, identifier)
}

// HistoryCount returns the number of stored history records
func (s *Service) HistoryCount(ctx context.Context) (int, error) {
	return s.history.Count(ctx)
}

// Years returns the years a lookup can be recorded for
func (s *Service) Years() []string {
	return append([]string(nil), s.config.Jobs.AvailableYears...)
}

// Evidence returns the before or after screenshot of a finished job
func (s *Service) Evidence(ctx context.Context, jobID string, kind models.CaptureKind) ([]byte, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Evidence == nil {
		return nil, fmt.Errorf("job %s has no evidence: %w", jobID, models.ErrNotFound)
	}

	switch kind {
	case models.CaptureBefore:
		return s.evidence.Open(ctx, job.Evidence.Before.Ref)
	case models.CaptureAfter:
		return s.evidence.Open(ctx, job.Evidence.After.Ref)
	default:
		return nil, fmt.Errorf("unknown evidence kind %q: %w", kind, models.ErrValidation)
	}
}

// Report renders the PDF evidence report of a finished job
func (s *Service) Report(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.evidence.Report(ctx, job)
}
