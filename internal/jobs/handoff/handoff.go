// -----------------------------------------------------------------------
// CAPTCHA Hand-off - moves challenges to the operator and solutions back
// -----------------------------------------------------------------------

package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/models"
)

var errNoSolution = errors.New("no solution recorded")

// Channel implements interfaces.Handoff on top of the job store.
// The store holds the challenge and the solution; the channel only adds wake-ups.
type Channel struct {
	store   interfaces.JobStore
	mu      sync.Mutex
	waiters map[string]chan struct{}
	logger  arbor.ILogger
}

// Compile-time assertion
var _ interfaces.Handoff = (*Channel)(nil)

// New creates a hand-off channel bound to the store
func New(jobStore interfaces.JobStore, logger arbor.ILogger) *Channel {
	return &Channel{
		store:   jobStore,
		waiters: make(map[string]chan struct{}),
		logger:  logger,
	}
}

// Publish moves the job into WaitingCaptcha with a new challenge instance.
// Only the worker owning the job calls this.
func (c *Channel) Publish(ctx context.Context, jobID string, image []byte) (*models.Job, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("challenge image is empty: %w", models.ErrAutomationFailure)
	}

	// Armed before the transition so a submit racing the publish still wakes the waiter
	wake := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters[jobID] = wake
	c.mu.Unlock()

	job, err := c.store.Transition(ctx, jobID, models.JobStateWaitingCaptcha, store.WithChallenge(image))
	if err != nil {
		c.disarm(jobID, wake)
		return nil, fmt.Errorf("failed to publish challenge: %w", err)
	}

	c.logger.Info().
		Str("job_id", jobID).
		Int("seq", job.Challenge.Seq).
		Int("bytes", len(image)).
		Msg("Challenge published, waiting for operator")

	return job, nil
}

// Fetch returns the current challenge image
func (c *Channel) Fetch(ctx context.Context, jobID string) ([]byte, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateWaitingCaptcha || job.Challenge == nil {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrNotReady)
	}
	return job.Challenge.Image, nil
}

// Submit records the operator's solution for the current challenge.
// The job stays in WaitingCaptcha until the worker consumes the solution.
func (c *Channel) Submit(ctx context.Context, jobID string, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ErrEmptySolution
	}

	_, err := c.store.Modify(ctx, jobID, func(job *models.Job) error {
		if job.State != models.JobStateWaitingCaptcha || job.Challenge == nil {
			return fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrNotReady)
		}
		if job.HasSolutionFor() {
			return fmt.Errorf("job %s challenge %d: %w", jobID, job.Challenge.Seq, models.ErrAlreadySubmitted)
		}
		job.Solution = text
		job.SolutionSeq = job.Challenge.Seq
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	wake := c.waiters[jobID]
	c.mu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	c.logger.Info().Str("job_id", jobID).Msg("Challenge solution accepted")
	return nil
}

// Await blocks until a solution for the current challenge is recorded, then
// consumes it by moving the job to Submitted. On timeout the job moves to Error
// unless a solution landed first; both outcomes are decided under the job lock.
func (c *Channel) Await(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	wake := c.waiters[jobID]
	c.mu.Unlock()
	if wake == nil {
		return "", fmt.Errorf("job %s has no published challenge: %w", jobID, models.ErrNotReady)
	}
	defer c.disarm(jobID, wake)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		text, err := c.consume(ctx, jobID)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, errNoSolution) {
			return "", err
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return c.expire(ctx, jobID, timeout)
		}
	}
}

func (c *Channel) consume(ctx context.Context, jobID string) (string, error) {
	var text string
	_, err := c.store.Update(ctx, jobID, func(job *models.Job) (models.JobState, error) {
		if job.State != models.JobStateWaitingCaptcha {
			return "", fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrNotReady)
		}
		if !job.HasSolutionFor() {
			return "", errNoSolution
		}
		text = job.Solution
		return models.JobStateSubmitted, nil
	})
	return text, err
}

func (c *Channel) expire(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	var text string
	timeoutErr := fmt.Errorf("no captcha solution within %s: %w", timeout, models.ErrTimeout)

	_, err := c.store.Update(ctx, jobID, func(job *models.Job) (models.JobState, error) {
		if job.State != models.JobStateWaitingCaptcha {
			return "", fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrNotReady)
		}
		if job.HasSolutionFor() {
			text = job.Solution
			return models.JobStateSubmitted, nil
		}
		job.Error = timeoutErr.Error()
		job.ErrorKind = models.KindTimeout
		return models.JobStateError, nil
	})
	if err != nil {
		return "", err
	}
	if text != "" {
		c.logger.Debug().Str("job_id", jobID).Msg("Solution arrived at the deadline and was honoured")
		return text, nil
	}

	c.logger.Warn().Str("job_id", jobID).Dur("timeout", timeout).Msg("Challenge expired without a solution")
	return "", timeoutErr
}

func (c *Channel) disarm(jobID string, wake chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[jobID] == wake {
		delete(c.waiters, jobID)
	}
}
