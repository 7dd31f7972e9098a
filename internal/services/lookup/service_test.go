package lookup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/jobs/evidence"
	"github.com/ternarybob/supercomp/internal/jobs/handoff"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/events"
	"github.com/ternarybob/supercomp/internal/services/history"
	"github.com/ternarybob/supercomp/internal/storage/badger"
)

const ruc = "1790012345001"

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (f *fakeStarter) Start(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, jobID)
	return nil
}

type fixture struct {
	service *Service
	store   *store.Store
	handoff *handoff.Channel
	history *history.Service
	events  interfaces.EventService
	starter *fakeStarter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	ev, err := evidence.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	s := store.New(logger)
	h := handoff.New(s, logger)
	hist := history.NewService(manager.HistoryStorage(), logger)
	eventService := events.NewService(logger)
	t.Cleanup(func() { _ = eventService.Close() })
	starter := &fakeStarter{}

	svc := NewService(s, h, ev, hist, eventService, starter, config, logger)
	s.OnTransition(svc.OnTransition)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	return &fixture{service: svc, store: s, handoff: h, history: hist, events: eventService, starter: starter}
}

func TestCreateValidatesIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, identifier := range []string{"", "1790012345", "17900123450011", "17900123450AB", "+179001234500"} {
		_, err := f.service.Create(ctx, CreateRequest{Identifier: identifier})
		assert.ErrorIs(t, err, models.ErrValidation, "identifier %q", identifier)
	}

	_, err := f.service.Create(ctx, CreateRequest{Identifier: ruc, Year: "1999"})
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Empty(t, f.starter.started)
	assert.Equal(t, 0, f.store.Stats().Total)
}

func TestCreateIsIdempotentForActiveJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, CreateRequest{Identifier: ruc, Year: "2024"})
	require.NoError(t, err)
	assert.False(t, first.Attached)

	second, err := f.service.Create(ctx, CreateRequest{Identifier: " " + ruc + " "})
	require.NoError(t, err)
	assert.True(t, second.Attached)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	assert.Equal(t, []string{first.Job.ID}, f.starter.started)
}

func TestStartFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.starter.err = errors.New("worker manager is shut down")
	ctx := context.Background()

	_, err := f.service.Create(ctx, CreateRequest{Identifier: ruc})
	assert.ErrorIs(t, err, models.ErrAutomationFailure)

	status, err := f.service.StatusFor(ctx, ruc)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateError, status.Status)
	assert.False(t, status.Ready)

	_, err = f.store.ActiveFor(ctx, ruc)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStatusAndChallengeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, CreateRequest{Identifier: ruc, Year: "2024"})
	require.NoError(t, err)
	jobID := created.Job.ID

	status, err := f.service.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, &StatusView{Status: models.JobStatePending, JobID: jobID}, status)

	_, err = f.service.Challenge(ctx, jobID)
	assert.ErrorIs(t, err, models.ErrNotReady)

	// play the worker
	_, err = f.store.Transition(ctx, jobID, models.JobStateRunning)
	require.NoError(t, err)
	_, err = f.handoff.Publish(ctx, jobID, []byte("\x89PNG"))
	require.NoError(t, err)

	status, err = f.service.StatusFor(ctx, ruc)
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, models.JobStateWaitingCaptcha, status.Status)
	assert.Equal(t, 1, status.Attempts)

	image, err := f.service.ChallengeFor(ctx, ruc)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), image)

	_, err = f.service.SubmitFor(ctx, ruc, "AB12X")
	require.NoError(t, err)
	assert.ErrorIs(t, f.service.Submit(ctx, jobID, "OTHER"), models.ErrAlreadySubmitted)

	text, err := f.handoff.Await(ctx, jobID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AB12X", text)
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Status(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.service.StatusFor(ctx, ruc)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.service.ChallengeFor(ctx, ruc)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.service.Evidence(ctx, "missing", models.CaptureBefore)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecordLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fixed := time.Date(2024, 6, 30, 14, 5, 9, 0, time.Local)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = time.Now }()

	record, err := f.service.RecordLookup(ctx, RecordRequest{RUC: ruc, Year: "2023"})
	require.NoError(t, err)
	assert.Equal(t, "1790012345001_2023_2024-06-30_14-05-09", record.Name)

	_, err = f.service.RecordLookup(ctx, RecordRequest{RUC: ruc, Year: "1990"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.service.RecordLookup(ctx, RecordRequest{RUC: "12345", Year: "2023"})
	assert.ErrorIs(t, err, models.ErrValidation)

	names, err := f.service.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{record.Name}, names)
}

func TestTransitionsWriteHistoryAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := make(chan map[string]interface{}, 1)
	_, err := f.events.Subscribe(interfaces.EventCaptchaWaiting, func(ctx context.Context, event interfaces.Event) error {
		waiting <- event.Payload.(map[string]interface{})
		return nil
	})
	require.NoError(t, err)

	created, err := f.service.Create(ctx, CreateRequest{Identifier: ruc})
	require.NoError(t, err)
	jobID := created.Job.ID

	_, err = f.store.Transition(ctx, jobID, models.JobStateRunning)
	require.NoError(t, err)
	_, err = f.handoff.Publish(ctx, jobID, []byte("\x89PNG"))
	require.NoError(t, err)

	select {
	case payload := <-waiting:
		assert.Equal(t, jobID, payload["job_id"])
		assert.Equal(t, true, payload["ready"])
	case <-time.After(2 * time.Second):
		t.Fatal("captcha_waiting event not published")
	}

	_, err = f.store.Transition(ctx, jobID, models.JobStateError, store.WithError(models.ErrTimeout))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := f.history.ForIdentifier(ctx, ruc)
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := f.history.ForIdentifier(ctx, ruc)
	require.NoError(t, err)
	var outcome *models.HistoryRecord
	for _, r := range records {
		if r.Status == string(models.JobStateError) {
			outcome = r
		}
	}
	require.NotNil(t, outcome)
	assert.Equal(t, models.HistoryTagAutomation, outcome.Tag)
	assert.Equal(t, models.ErrTimeout.Error(), outcome.Message)
}

func TestYearsIsACopy(t *testing.T) {
	f := newFixture(t)
	years := f.service.Years()
	require.NotEmpty(t, years)
	years[0] = "1900"
	assert.NotEqual(t, "1900", f.service.Years()[0])
}

func TestCloseFlushesOutcomeRecordsBeforeStorageCloses(t *testing.T) {
	logger := arbor.NewLogger()
	ctx := context.Background()
	config := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")}

	manager, err := badger.NewManager(logger, config)
	require.NoError(t, err)
	ev, err := evidence.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	s := store.New(logger)
	h := handoff.New(s, logger)
	svc := NewService(s, h, ev, history.NewService(manager.HistoryStorage(), logger), nil, &fakeStarter{}, common.NewDefaultConfig(), logger)
	s.OnTransition(svc.OnTransition)

	created, err := svc.Create(ctx, CreateRequest{Identifier: ruc, Year: "2024"})
	require.NoError(t, err)
	jobID := created.Job.ID
	_, err = s.Transition(ctx, jobID, models.JobStateRunning)
	require.NoError(t, err)
	_, err = h.Publish(ctx, jobID, []byte("\x89PNG"))
	require.NoError(t, err)

	// what a worker shutdown does to a waiting job, followed by the App.Close order
	_, err = s.Transition(ctx, jobID, models.JobStateError, store.WithError(fmt.Errorf("shutdown: %w", models.ErrAutomationFailure)))
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(closeCtx))
	require.NoError(t, manager.Close())

	reopened, err := badger.NewManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	records, err := reopened.HistoryStorage().ListByIdentifier(ctx, ruc)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var outcome *models.HistoryRecord
	for _, r := range records {
		if r.Tag == models.HistoryTagAutomation {
			outcome = r
		}
	}
	require.NotNil(t, outcome, "outcome record missing")
	assert.Equal(t, string(models.JobStateError), outcome.Status)
	assert.Equal(t, jobID, outcome.JobID)
	assert.Contains(t, outcome.Message, "shutdown")
}

func TestCloseGivesUpAtDeadline(t *testing.T) {
	f := newFixture(t)
	f.service.pending.Add(1)
	defer f.service.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.service.Close(ctx), context.DeadlineExceeded)
}
