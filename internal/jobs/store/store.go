// -----------------------------------------------------------------------
// Job Store - in-memory registry of lookup jobs
// Lock order: identifier stripe -> job entry -> registry map
// -----------------------------------------------------------------------

package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

const stripeCount = 64

// Listener observes committed transitions. It runs under the job lock with a
// snapshot of the job and must not call back into the store.
type Listener func(from models.JobState, job *models.Job)

type entry struct {
	mu  sync.Mutex
	job *models.Job
}

// Store implements interfaces.JobStore
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	active  map[string]string // identifier -> active job id
	stripes [stripeCount]sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.JobStore = (*Store)(nil)

// New creates an empty job store
func New(logger arbor.ILogger) *Store {
	return &Store{
		jobs:   make(map[string]*entry),
		active: make(map[string]string),
		logger: logger,
	}
}

// OnTransition registers a listener for committed transitions
func (s *Store) OnTransition(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) stripe(identifier string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	return &s.stripes[h.Sum32()%stripeCount]
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

// Create registers a new pending job, or returns the active one with ErrAlreadyActive
func (s *Store) Create(ctx context.Context, identifier, year string) (*models.Job, error) {
	lock := s.stripe(identifier)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	activeID, hasActive := s.active[identifier]
	existing := s.jobs[activeID]
	s.mu.RUnlock()

	if hasActive && existing != nil {
		existing.mu.Lock()
		if existing.job.State.IsActive() {
			snapshot := existing.job.Clone()
			existing.mu.Unlock()
			return snapshot, fmt.Errorf("identifier %s has job %s: %w", identifier, snapshot.ID, models.ErrAlreadyActive)
		}
		existing.mu.Unlock()
	}

	job := models.NewJob(identifier, year)
	e := &entry{job: job}

	s.mu.Lock()
	s.jobs[job.ID] = e
	s.active[identifier] = job.ID
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("identifier", identifier).
		Str("year", year).
		Msg("Job created")

	snapshot := job.Clone()
	s.notify("", snapshot)
	return snapshot, nil
}

// Get returns a snapshot of the job
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// ActiveFor returns the active job for the identifier
func (s *Store) ActiveFor(ctx context.Context, identifier string) (*models.Job, error) {
	s.mu.RLock()
	id, ok := s.active[identifier]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active job for %s: %w", identifier, models.ErrNotFound)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.State.IsActive() {
		return nil, fmt.Errorf("no active job for %s: %w", identifier, models.ErrNotFound)
	}
	return job, nil
}

// LatestFor returns the active job for the identifier, or the most recently created one
func (s *Store) LatestFor(ctx context.Context, identifier string) (*models.Job, error) {
	if job, err := s.ActiveFor(ctx, identifier); err == nil {
		return job, nil
	}

	var latest *models.Job
	for _, job := range s.snapshots() {
		if job.Identifier != identifier {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no job for %s: %w", identifier, models.ErrNotFound)
	}
	return latest, nil
}

// Transition moves the job to a new state and applies opts in the same critical section
func (s *Store) Transition(ctx context.Context, id string, to models.JobState, opts ...interfaces.TransitionOption) (*models.Job, error) {
	return s.update(id, func(job *models.Job) (models.JobState, error) {
		return to, nil
	}, opts)
}

// Modify applies fn to a copy of the job and commits it when the state is unchanged
func (s *Store) Modify(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	return s.update(id, func(job *models.Job) (models.JobState, error) {
		return "", fn(job)
	}, nil)
}

// Update applies fn to a copy of the job under the job lock. When fn returns a
// state the transition is validated and applied before the copy is committed.
func (s *Store) Update(ctx context.Context, id string, fn func(job *models.Job) (models.JobState, error)) (*models.Job, error) {
	return s.update(id, fn, nil)
}

func (s *Store) update(id string, fn func(job *models.Job) (models.JobState, error), opts []interfaces.TransitionOption) (*models.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.job
	next := current.Clone()

	to, err := fn(next)
	if err != nil {
		return nil, err
	}
	if to == "" && reflect.DeepEqual(current, next) {
		// nothing to commit; UpdatedAt keeps the time of the last real change
		return next, nil
	}
	if next.State != current.State || next.ID != current.ID || next.Identifier != current.Identifier {
		return nil, fmt.Errorf("job %s: state and identity may only change through a transition: %w", id, models.ErrInvalidTransition)
	}

	if to != "" {
		if !to.IsValid() {
			return nil, fmt.Errorf("job %s: unknown state %q: %w", id, to, models.ErrInvalidTransition)
		}
		if !current.State.CanTransition(to) {
			return nil, fmt.Errorf("job %s: %s -> %s: %w", id, current.State, to, models.ErrInvalidTransition)
		}
		applyTransition(next, to, opts)
	}

	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	next.UpdatedAt = time.Now()
	e.job = next

	if to != "" && to.IsTerminal() {
		s.mu.Lock()
		if s.active[next.Identifier] == next.ID {
			delete(s.active, next.Identifier)
		}
		s.mu.Unlock()
	}

	snapshot := next.Clone()
	if to != "" {
		s.logger.Debug().
			Str("job_id", id).
			Str("from", string(current.State)).
			Str("to", string(to)).
			Msg("Job transitioned")
		s.notify(current.State, snapshot)
	}
	return snapshot, nil
}

// applyTransition sets the state and the fields coupled to it
func applyTransition(job *models.Job, to models.JobState, opts []interfaces.TransitionOption) {
	from := job.State
	job.State = to

	if from == models.JobStateWaitingCaptcha {
		job.Challenge = nil
	}
	if to == models.JobStateWaitingCaptcha {
		job.Solution = ""
		job.SolutionSeq = 0
	}

	for _, opt := range opts {
		opt(job)
	}
}

// List returns finished jobs, most recent first
func (s *Store) List(ctx context.Context) ([]models.JobSummary, error) {
	var finished []*models.Job
	for _, job := range s.snapshots() {
		if job.State.IsTerminal() {
			finished = append(finished, job)
		}
	}
	sortRecentFirst(finished)

	summaries := make([]models.JobSummary, 0, len(finished))
	for _, job := range finished {
		summaries = append(summaries, job.ToSummary())
	}
	return summaries, nil
}

// Prune removes finished jobs last updated before now-olderThan, and any beyond
// the keep most recent. Zero disables either limit.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, keep int) ([]*models.Job, error) {
	var finished []*models.Job
	for _, job := range s.snapshots() {
		if job.State.IsTerminal() {
			finished = append(finished, job)
		}
	}
	sortRecentFirst(finished)

	cutoff := time.Now().Add(-olderThan)
	var removed []*models.Job

	s.mu.Lock()
	for i, job := range finished {
		expired := olderThan > 0 && job.UpdatedAt.Before(cutoff)
		overflow := keep > 0 && i >= keep
		if !expired && !overflow {
			continue
		}
		delete(s.jobs, job.ID)
		removed = append(removed, job)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.logger.Debug().
			Int("removed", len(removed)).
			Int("kept", len(finished)-len(removed)).
			Msg("Pruned finished jobs")
	}
	return removed, nil
}

// Stats counts jobs by state
func (s *Store) Stats() interfaces.JobStoreStats {
	stats := interfaces.JobStoreStats{ByState: make(map[models.JobState]int)}
	for _, job := range s.snapshots() {
		stats.Total++
		stats.ByState[job.State]++
	}
	return stats
}

func (s *Store) snapshots() []*models.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	return jobs
}

func (s *Store) notify(from models.JobState, job *models.Job) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l(from, job)
	}
}

func sortRecentFirst(jobs []*models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
}

// WithChallenge sets a new challenge instance, numbered after the previous one
func WithChallenge(image []byte) interfaces.TransitionOption {
	return func(job *models.Job) {
		job.Attempts++
		job.Challenge = &models.Challenge{
			Seq:        job.Attempts,
			Ref:        fmt.Sprintf("%s/captcha-%d", job.ID, job.Attempts),
			Image:      append([]byte(nil), image...),
			CapturedAt: time.Now(),
		}
	}
}

// WithError records the failure reason and its kind
func WithError(err error) interfaces.TransitionOption {
	return func(job *models.Job) {
		if err == nil {
			return
		}
		job.Error = err.Error()
		job.ErrorKind = models.ErrorKind(err)
	}
}

// WithEvidence attaches the before/after pair
func WithEvidence(ev *models.Evidence) interfaces.TransitionOption {
	return func(job *models.Job) {
		job.Evidence = ev
	}
}

// WithSummary stores the extracted company summary
func WithSummary(summary string) interfaces.TransitionOption {
	return func(job *models.Job) {
		job.Summary = summary
	}
}

// WithNote appends a warning to the job
func WithNote(note string) interfaces.TransitionOption {
	return func(job *models.Job) {
		job.Notes = append(job.Notes, note)
	}
}
