package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/models"
)

// DefaultPollInterval is the status polling cadence
const DefaultPollInterval = time.Second

// Solver shows a challenge image to a human and returns their answer.
// seq is the challenge sequence number, starting at 1.
type Solver func(ctx context.Context, jobID string, seq int, image []byte) (string, error)

// Poller drives one job through the polling protocol: poll until a challenge
// is waiting, hand it to the solver, submit, and repeat until the job ends.
type Poller struct {
	client   *Client
	solve    Solver
	interval time.Duration
	logger   arbor.ILogger
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(client *Client, solve Solver, interval time.Duration, logger arbor.ILogger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		solve:    solve,
		interval: interval,
		logger:   logger,
	}
}

// Run polls jobID until it is Done or Error and returns the final snapshot.
// A job ending in Error is returned together with a non-nil error.
func (p *Poller) Run(ctx context.Context, jobID string) (*models.Job, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	solved := 0
	var lastState models.JobState

	for {
		view, err := p.client.Status(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll job %s: %w", jobID, err)
		}

		if view.Status != lastState {
			p.logger.Debug().Str("job_id", jobID).Str("state", string(view.Status)).Msg("Job state changed")
			lastState = view.Status
		}

		if view.Status.IsTerminal() {
			return p.finish(ctx, jobID)
		}

		if view.Ready && view.Attempts > solved {
			done, err := p.answer(ctx, jobID, view.Attempts)
			if err != nil {
				return nil, err
			}
			if done {
				solved = view.Attempts
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// answer reports whether the challenge seq is finished with; an empty
// solution leaves it open so the solver is asked again on the next poll.
func (p *Poller) answer(ctx context.Context, jobID string, seq int) (bool, error) {
	image, err := p.client.Challenge(ctx, jobID)
	if errors.Is(err, models.ErrNotReady) {
		// Expired between the status poll and the fetch
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch challenge: %w", err)
	}

	p.logger.Info().Str("job_id", jobID).Int("seq", seq).Int("bytes", len(image)).Msg("Challenge waiting for solution")

	text, err := p.solve(ctx, jobID, seq, image)
	if err != nil {
		return false, fmt.Errorf("solver failed: %w", err)
	}

	err = p.client.Submit(ctx, jobID, strings.TrimSpace(text))
	switch {
	case err == nil:
		p.logger.Info().Str("job_id", jobID).Int("seq", seq).Msg("Solution submitted")
		return true, nil
	case errors.Is(err, models.ErrEmptySolution):
		p.logger.Warn().Str("job_id", jobID).Msg("Empty solution ignored")
		return false, nil
	case errors.Is(err, models.ErrAlreadySubmitted), errors.Is(err, models.ErrNotReady):
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Solution not accepted for this challenge")
		return true, nil
	default:
		return false, fmt.Errorf("failed to submit solution: %w", err)
	}
}

func (p *Poller) finish(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := p.client.Job(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch final job %s: %w", jobID, err)
	}
	if job.State == models.JobStateError {
		return job, fmt.Errorf("lookup failed (%s): %s", job.ErrorKind, job.Error)
	}
	return job, nil
}
