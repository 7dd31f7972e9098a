package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
)

// taskEntry represents a registered task with metadata
type taskEntry struct {
	name        string
	schedule    string
	description string
	handler     func() error
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
}

// Service implements SchedulerService interface
type Service struct {
	cron     *cron.Cron
	logger   arbor.ILogger
	taskMu   sync.Mutex // Protects tasks map
	globalMu sync.Mutex // Prevents concurrent task execution
	tasks    map[string]*taskEntry
	running  bool
}

// Compile-time assertion
var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		tasks:  make(map[string]*taskEntry),
	}
}

// Start begins the scheduler
func (s *Service) Start() error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running tasks to complete
func (s *Service) Stop() error {
	s.taskMu.Lock()
	if !s.running {
		s.taskMu.Unlock()
		return nil
	}
	s.running = false
	s.taskMu.Unlock()

	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Scheduled tasks still running after stop timeout")
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if scheduler is active
func (s *Service) IsRunning() bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.running
}

// RegisterTask registers a task with a cron schedule
func (s *Service) RegisterTask(name, schedule, description string, handler func() error) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	entry := &taskEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add task to cron: %w", err)
	}

	entry.cronID = cronID
	s.tasks[name] = entry

	s.logger.Info().
		Str("task_name", name).
		Str("schedule", schedule).
		Msg("Task registered")

	return nil
}

// TriggerTask runs a task immediately and waits for it to finish
func (s *Service) TriggerTask(name string) error {
	s.taskMu.Lock()
	_, exists := s.tasks[name]
	s.taskMu.Unlock()
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}

	s.executeTask(name)

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if lastError := s.tasks[name].lastError; lastError != "" {
		return fmt.Errorf("task %s failed: %s", name, lastError)
	}
	return nil
}

// GetTaskStatus returns the status of a specific task
func (s *Service) GetTaskStatus(name string) (*interfaces.TaskStatus, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	entry, exists := s.tasks[name]
	if !exists {
		return nil, fmt.Errorf("task %s not found", name)
	}
	return s.status(entry), nil
}

// GetAllTaskStatuses returns all task statuses
func (s *Service) GetAllTaskStatuses() map[string]*interfaces.TaskStatus {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	statuses := make(map[string]*interfaces.TaskStatus, len(s.tasks))
	for name, entry := range s.tasks {
		statuses[name] = s.status(entry)
	}
	return statuses
}

// status must be called with taskMu held
func (s *Service) status(entry *taskEntry) *interfaces.TaskStatus {
	status := &interfaces.TaskStatus{
		Name:        entry.name,
		Schedule:    entry.schedule,
		Description: entry.description,
		LastRun:     entry.lastRun,
		IsRunning:   entry.isRunning,
		LastError:   entry.lastError,
	}
	if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
		status.NextRun = &next
	}
	return status
}

func (s *Service) executeTask(name string) {
	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in task execution")

			s.taskMu.Lock()
			if entry, exists := s.tasks[name]; exists {
				entry.isRunning = false
				entry.lastError = fmt.Sprintf("panic: %v", r)
			}
			s.taskMu.Unlock()
		}
	}()

	// Acquire global mutex to prevent concurrent execution
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	s.taskMu.Lock()
	entry, exists := s.tasks[name]
	if !exists {
		s.taskMu.Unlock()
		s.logger.Warn().Str("task_name", name).Msg("Task not found")
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.taskMu.Unlock()

	started := time.Now()
	err := handler()
	completed := time.Now()

	s.taskMu.Lock()
	entry.isRunning = false
	entry.lastRun = &completed
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.taskMu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("task_name", name).
			Err(err).
			Dur("duration", completed.Sub(started)).
			Msg("Task execution failed")
		return
	}
	s.logger.Debug().
		Str("task_name", name).
		Dur("duration", completed.Sub(started)).
		Msg("Task execution completed")
}

// RunWithTimeout adapts a context-aware task to the scheduler's handler signature
func RunWithTimeout(timeout time.Duration, fn func(ctx context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	}
}
