// -----------------------------------------------------------------------
// Browser Session Worker - drives one lookup job from Pending to Done/Error
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/portal"
)

var errShutdown = fmt.Errorf("shutdown: %w", models.ErrAutomationFailure)

// Config controls the challenge loop
type Config struct {
	CaptchaTimeout time.Duration
	MaxAttempts    int
}

// Manager runs one worker goroutine per job
type Manager struct {
	store    interfaces.JobStore
	handoff  interfaces.Handoff
	evidence interfaces.EvidenceStore
	driver   interfaces.PortalDriver
	notifier interfaces.Notifier
	config   Config
	logger   arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
	closed  bool
}

// NewManager creates a worker manager. notifier may be nil.
func NewManager(
	jobStore interfaces.JobStore,
	handoff interfaces.Handoff,
	evidence interfaces.EvidenceStore,
	driver interfaces.PortalDriver,
	notifier interfaces.Notifier,
	config Config,
	logger arbor.ILogger,
) *Manager {
	if config.CaptchaTimeout <= 0 {
		config.CaptchaTimeout = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    jobStore,
		handoff:  handoff,
		evidence: evidence,
		driver:   driver,
		notifier: notifier,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]bool),
	}
}

// Start launches the worker for a pending job. Starting a job that already has
// a worker is a no-op.
func (m *Manager) Start(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("worker manager is shut down")
	}
	if m.running[jobID] {
		return nil
	}
	m.running[jobID] = true

	common.SafeGoGroup(&m.wg, m.logger, "lookupWorker", func() {
		defer m.finished(jobID)
		m.run(m.ctx, jobID)
	})
	return nil
}

// Running returns the number of live workers
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) finished(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	m.mu.Unlock()

	// A panicking worker must not leave its job active
	m.fail(jobID, fmt.Errorf("worker stopped unexpectedly: %w", models.ErrAutomationFailure))
}

// Shutdown cancels all workers and waits for them to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("All lookup workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running after shutdown timeout: %w", ctx.Err())
	}
}

func (m *Manager) run(ctx context.Context, jobID string) {
	logger := m.logger.WithCorrelationId(jobID)

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Worker started for unknown job")
		return
	}

	session, err := m.driver.OpenSession(ctx, jobID)
	if err != nil {
		m.abort(ctx, jobID, err, logger)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close browser session")
		}
	}()

	if _, err := m.store.Transition(ctx, jobID, models.JobStateRunning); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		return
	}

	logger.Info().Str("identifier", job.Identifier).Msg("Lookup started")

	if err := session.SearchCompany(ctx, job.Identifier); err != nil {
		m.abort(ctx, jobID, err, logger)
		return
	}

	if err := m.solveChallenge(ctx, jobID, session, logger); err != nil {
		m.abort(ctx, jobID, err, logger)
		return
	}

	if _, err := m.store.Transition(ctx, jobID, models.JobStateProcessing); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job processing")
		return
	}

	opts, err := m.performAction(ctx, jobID, session, logger)
	if err != nil {
		m.abort(ctx, jobID, err, logger)
		return
	}

	if _, err := m.store.Transition(ctx, jobID, models.JobStateDone, opts...); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job done")
		return
	}
	logger.Info().Msg("Lookup completed")
}

// solveChallenge loops until the portal accepts a solution, the operator times
// out or max attempts are used up. Only remote rejections are retried.
func (m *Manager) solveChallenge(ctx context.Context, jobID string, session interfaces.PortalSession, logger arbor.ILogger) error {
	for {
		image, err := session.CaptureChallenge(ctx)
		if err != nil {
			return err
		}

		job, err := m.handoff.Publish(ctx, jobID, image)
		if err != nil {
			return err
		}

		if m.notifier != nil {
			snapshot := job
			common.SafeGo(logger, "notifyOperator", func() {
				if err := m.notifier.ChallengeWaiting(context.Background(), snapshot, image); err != nil {
					logger.Warn().Err(err).Msg("Operator notification failed")
				}
			})
		}

		text, err := m.handoff.Await(ctx, jobID, m.config.CaptchaTimeout)
		if err != nil {
			return err
		}

		outcome, err := session.SubmitChallenge(ctx, text)
		if err != nil {
			return err
		}
		if outcome == interfaces.OutcomeAccepted {
			logger.Info().Int("attempt", job.Attempts).Msg("Challenge accepted by portal")
			return nil
		}

		logger.Warn().Int("attempt", job.Attempts).Int("max_attempts", m.config.MaxAttempts).Msg("Challenge rejected by portal")
		if job.Attempts >= m.config.MaxAttempts {
			return fmt.Errorf("portal rejected %d solutions: %w", job.Attempts, models.ErrRemoteRejected)
		}
		if _, err := m.store.Modify(ctx, jobID, func(j *models.Job) error {
			j.Notes = append(j.Notes, fmt.Sprintf("challenge %d rejected by portal", job.Attempts))
			return nil
		}); err != nil {
			return err
		}
	}
}

// performAction activates the annual information section between the two
// evidence captures. Capture problems become notes; only the action itself can fail the job.
func (m *Manager) performAction(ctx context.Context, jobID string, session interfaces.PortalSession, logger arbor.ILogger) ([]interfaces.TransitionOption, error) {
	var opts []interfaces.TransitionOption

	before, beforeErr := m.evidence.CaptureBefore(ctx, jobID, session.Screenshot)
	if beforeErr != nil {
		logger.Warn().Err(beforeErr).Msg("Before capture failed")
		opts = append(opts, store.WithNote("before capture failed: "+beforeErr.Error()))
	}

	method, err := session.OpenAnnualInformation(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, store.WithNote("annual information opened via "+method))

	var evidence *models.Evidence
	if beforeErr == nil {
		after, err := m.evidence.CaptureAfter(ctx, jobID, before, session.Screenshot)
		if err != nil {
			logger.Warn().Err(err).Msg("After capture failed")
			opts = append(opts, store.WithNote("after capture failed: "+err.Error()))
		} else {
			evidence = &models.Evidence{Before: before, After: after}
		}
	} else {
		opts = append(opts, store.WithNote("after capture skipped without a before capture"))
	}

	html, err := session.PageHTML(ctx)
	if err != nil {
		opts = append(opts, store.WithNote("page snapshot failed: "+err.Error()))
	} else {
		if info, err := portal.ParseCompany(html); err == nil {
			opts = append(opts, store.WithSummary(info.Summary()))
		}
		if evidence != nil {
			ref, err := m.evidence.SaveSnapshot(ctx, jobID, session.URL(ctx), html)
			if err != nil {
				opts = append(opts, store.WithNote("page snapshot failed: "+err.Error()))
			} else {
				evidence.Snapshot = ref
			}
		}
	}

	if evidence != nil {
		opts = append(opts, store.WithEvidence(evidence))
	}
	return opts, nil
}

// abort moves the job to Error unless the hand-off already did so
func (m *Manager) abort(ctx context.Context, jobID string, err error, logger arbor.ILogger) {
	if ctx.Err() != nil {
		err = errShutdown
	}
	if errors.Is(err, models.ErrTimeout) {
		// the hand-off already moved the job to Error under the job lock
		return
	}
	logger.Error().Err(err).Msg("Lookup failed")
	m.fail(jobID, err)
}

func (m *Manager) fail(jobID string, err error) {
	// Detached from the worker context, which may already be cancelled
	_, terr := m.store.Update(context.Background(), jobID, func(job *models.Job) (models.JobState, error) {
		if job.State.IsTerminal() {
			return "", nil
		}
		job.Error = err.Error()
		job.ErrorKind = models.ErrorKind(err)
		return models.JobStateError, nil
	})
	if terr != nil && !errors.Is(terr, models.ErrNotFound) {
		m.logger.Warn().Err(terr).Str("job_id", jobID).Msg("Failed to record job failure")
	}
}
