// -----------------------------------------------------------------------
// Lookup Job - one browser-automation task for a single RUC
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a lookup job.
// The string values are the client-visible status vocabulary.
type JobState string

const (
	JobStatePending        JobState = "Pending"
	JobStateRunning        JobState = "Running"
	JobStateWaitingCaptcha JobState = "WaitingCaptcha"
	JobStateSubmitted      JobState = "Submitted"
	JobStateProcessing     JobState = "Processing"
	JobStateDone           JobState = "Done"
	JobStateError          JobState = "Error"
)

// transitions lists the legal target states for every state.
var transitions = map[JobState][]JobState{
	JobStatePending:        {JobStateRunning, JobStateError},
	JobStateRunning:        {JobStateWaitingCaptcha, JobStateError},
	JobStateWaitingCaptcha: {JobStateSubmitted, JobStateError},
	JobStateSubmitted:      {JobStateProcessing, JobStateWaitingCaptcha, JobStateError},
	JobStateProcessing:     {JobStateDone, JobStateError},
	JobStateDone:           nil,
	JobStateError:          nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are accepted.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateError
}

// IsActive reports whether the job still occupies its identifier slot.
func (s JobState) IsActive() bool {
	return !s.IsTerminal()
}

// IsValid reports whether s is one of the known states.
func (s JobState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// Challenge is one published CAPTCHA instance.
type Challenge struct {
	Seq        int       `json:"seq"`
	Ref        string    `json:"ref"`
	Image      []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// CaptureKind distinguishes the two halves of an evidence pair.
type CaptureKind string

const (
	CaptureBefore CaptureKind = "before"
	CaptureAfter  CaptureKind = "after"
)

// Capture is a reference to one stored evidence artifact.
type Capture struct {
	JobID      string      `json:"job_id"`
	Kind       CaptureKind `json:"kind"`
	Ref        string      `json:"ref"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Evidence is the before/after pair for the terminal action.
// Snapshot is an optional markdown rendition of the final page.
type Evidence struct {
	Before   Capture `json:"before"`
	After    Capture `json:"after"`
	Snapshot string  `json:"snapshot,omitempty"`
}

// Validate checks the ordering invariant of the pair.
func (e *Evidence) Validate() error {
	if e.Before.Ref == "" || e.After.Ref == "" {
		return fmt.Errorf("evidence pair incomplete: %w", ErrInvalidEvidence)
	}
	if e.Before.JobID != e.After.JobID {
		return fmt.Errorf("evidence captures belong to different jobs: %w", ErrInvalidEvidence)
	}
	if !e.Before.CapturedAt.Before(e.After.CapturedAt) {
		return fmt.Errorf("before capture must precede after capture: %w", ErrInvalidEvidence)
	}
	return nil
}

// Job is one tracked lookup. Values handed out by the store are snapshots.
type Job struct {
	ID          string     `json:"id"`
	Identifier  string     `json:"identifier"`
	Year        string     `json:"year,omitempty"`
	State       JobState   `json:"state"`
	Challenge   *Challenge `json:"challenge,omitempty"`
	Solution    string     `json:"-"`
	SolutionSeq int        `json:"-"`
	Attempts    int        `json:"attempts"`
	Evidence    *Evidence  `json:"evidence,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Notes       []string   `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a pending job for the identifier.
func NewJob(identifier, year string) *Job {
	now := time.Now()
	return &Job{
		ID:         NewJobID(identifier),
		Identifier: identifier,
		Year:       year,
		State:      JobStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewJobID derives an opaque id from the identifier, disambiguated per request.
func NewJobID(identifier string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", identifier, suffix)
}

// HasSolutionFor reports whether a solution is recorded for the current challenge.
func (j *Job) HasSolutionFor() bool {
	return j.Challenge != nil && j.Solution != "" && j.SolutionSeq == j.Challenge.Seq
}

// HistoryTag returns the tag used in history record names for this job.
func (j *Job) HistoryTag() string {
	if j.Year != "" {
		return j.Year
	}
	return HistoryTagAutomation
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Challenge != nil {
		ch := *j.Challenge
		c.Challenge = &ch
	}
	if j.Evidence != nil {
		ev := *j.Evidence
		c.Evidence = &ev
	}
	if j.Notes != nil {
		c.Notes = append(make([]string, 0, len(j.Notes)), j.Notes...)
	}
	return &c
}

// CheckInvariants verifies the field/state coupling rules.
func (j *Job) CheckInvariants() error {
	if (j.Challenge != nil) != (j.State == JobStateWaitingCaptcha) {
		return fmt.Errorf("job %s: challenge present=%v in state %s: %w", j.ID, j.Challenge != nil, j.State, ErrInvariant)
	}
	if j.Error != "" && j.State != JobStateError {
		return fmt.Errorf("job %s: error set in state %s: %w", j.ID, j.State, ErrInvariant)
	}
	if j.Evidence != nil {
		if err := j.Evidence.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return nil
}

// JobSummary is the list view of a completed job.
type JobSummary struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Year       string    `json:"year,omitempty"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToSummary builds the list view of the job.
func (j *Job) ToSummary() JobSummary {
	return JobSummary{
		ID:         j.ID,
		Identifier: j.Identifier,
		Year:       j.Year,
		State:      j.State,
		Error:      j.Error,
		Summary:    j.Summary,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}
