package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateTransitions(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		want bool
	}{
		{JobStatePending, JobStateRunning, true},
		{JobStatePending, JobStateWaitingCaptcha, false},
		{JobStateRunning, JobStateWaitingCaptcha, true},
		{JobStateRunning, JobStateError, true},
		{JobStateWaitingCaptcha, JobStateSubmitted, true},
		{JobStateWaitingCaptcha, JobStateError, true},
		{JobStateWaitingCaptcha, JobStateDone, false},
		{JobStateSubmitted, JobStateProcessing, true},
		{JobStateSubmitted, JobStateWaitingCaptcha, true},
		{JobStateProcessing, JobStateDone, true},
		{JobStateProcessing, JobStateWaitingCaptcha, false},
		{JobStateDone, JobStateError, false},
		{JobStateError, JobStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, JobStateDone.IsTerminal())
	assert.True(t, JobStateError.IsTerminal())
	assert.False(t, JobStateWaitingCaptcha.IsTerminal())
	assert.True(t, JobStateProcessing.IsActive())
	assert.False(t, JobState("Bogus").IsValid())
}

func TestNewJobID(t *testing.T) {
	a := NewJobID("1790012345001")
	b := NewJobID("1790012345001")

	assert.True(t, strings.HasPrefix(a, "1790012345001-"))
	assert.Len(t, a, len("1790012345001-")+8)
	assert.NotEqual(t, a, b)
}

func TestJobCloneIsDeep(t *testing.T) {
	job := NewJob("1790012345001", "2024")
	job.State = JobStateWaitingCaptcha
	job.Challenge = &Challenge{Seq: 1, Image: []byte{1, 2, 3}}
	job.Notes = []string{"first"}

	clone := job.Clone()
	clone.Challenge.Seq = 2
	clone.Notes[0] = "changed"

	assert.Equal(t, 1, job.Challenge.Seq)
	assert.Equal(t, "first", job.Notes[0])
}

func TestJobCheckInvariants(t *testing.T) {
	job := NewJob("1790012345001", "")
	require.NoError(t, job.CheckInvariants())

	job.Challenge = &Challenge{Seq: 1}
	assert.ErrorIs(t, job.CheckInvariants(), ErrInvariant)

	job.State = JobStateWaitingCaptcha
	assert.NoError(t, job.CheckInvariants())

	job.State = JobStateRunning
	job.Challenge = nil
	job.Error = "boom"
	assert.ErrorIs(t, job.CheckInvariants(), ErrInvariant)
}

func TestEvidenceValidate(t *testing.T) {
	now := time.Now()
	ev := &Evidence{
		Before: Capture{JobID: "j", Kind: CaptureBefore, Ref: "b.png", CapturedAt: now},
		After:  Capture{JobID: "j", Kind: CaptureAfter, Ref: "a.png", CapturedAt: now.Add(time.Second)},
	}
	require.NoError(t, ev.Validate())

	ev.After.CapturedAt = now
	assert.ErrorIs(t, ev.Validate(), ErrInvalidEvidence)

	ev.After = Capture{}
	assert.ErrorIs(t, ev.Validate(), ErrInvalidEvidence)
}

func TestHistoryTag(t *testing.T) {
	assert.Equal(t, "2024", NewJob("1790012345001", "2024").HistoryTag())
	assert.Equal(t, HistoryTagAutomation, NewJob("1790012345001", "").HistoryTag())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindNotReady, ErrorKind(fmt.Errorf("fetch: %w", ErrNotReady)))
	assert.Equal(t, KindEmptySolution, ErrorKind(ErrEmptySolution))
	assert.Equal(t, KindTimeout, ErrorKind(fmt.Errorf("wait: %w", ErrTimeout)))
	assert.Equal(t, KindInternal, ErrorKind(errors.New("other")))
	assert.Equal(t, "", ErrorKind(nil))
}
