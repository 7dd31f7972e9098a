package lookup

import (
	"context"
	"time"

	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

var timeNow = time.Now

// OnTransition publishes job events and writes history records. It is
// registered as a job store listener and runs under the job lock, so all
// I/O happens on separate goroutines. Close waits for the history writes.
func (s *Service) OnTransition(from models.JobState, job *models.Job) {
	for _, event := range eventsFor(from, job) {
		if s.events == nil {
			break
		}
		if err := s.events.Publish(context.Background(), event); err != nil {
			s.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish job event")
		}
	}

	switch {
	case from == "":
		common.SafeGoGroup(&s.pending, s.logger, "recordCreated", func() {
			if _, err := s.history.RecordCreated(context.Background(), job); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record lookup request")
			}
		})
	case job.State.IsTerminal():
		common.SafeGoGroup(&s.pending, s.logger, "recordOutcome", func() {
			if _, err := s.history.RecordOutcome(context.Background(), job); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record lookup outcome")
			}
		})
	}
}

// EventPayload is the wire form of a job event
func EventPayload(from models.JobState, job *models.Job) map[string]interface{} {
	payload := map[string]interface{}{
		"job_id":     job.ID,
		"identifier": job.Identifier,
		"state":      string(job.State),
		"from":       string(from),
		"ready":      job.State == models.JobStateWaitingCaptcha,
		"attempts":   job.Attempts,
		"updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		payload["error"] = job.Error
		payload["error_kind"] = job.ErrorKind
	}
	return payload
}

func eventsFor(from models.JobState, job *models.Job) []interfaces.Event {
	payload := EventPayload(from, job)
	if from == "" {
		return []interfaces.Event{{Type: interfaces.EventJobCreated, Payload: payload}}
	}

	events := []interfaces.Event{{Type: interfaces.EventJobStateChanged, Payload: payload}}
	switch job.State {
	case models.JobStateWaitingCaptcha:
		events = append(events, interfaces.Event{Type: interfaces.EventCaptchaWaiting, Payload: payload})
	case models.JobStateDone:
		events = append(events, interfaces.Event{Type: interfaces.EventJobCompleted, Payload: payload})
	case models.JobStateError:
		events = append(events, interfaces.Event{Type: interfaces.EventJobFailed, Payload: payload})
	}
	return events
}
