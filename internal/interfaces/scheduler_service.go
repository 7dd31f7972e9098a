package interfaces

import "time"

// TaskStatus represents the current status of a scheduled maintenance task
type TaskStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// SchedulerService manages cron-based maintenance tasks
type SchedulerService interface {
	// Start the scheduler
	Start() error

	// Stop the scheduler and wait for running tasks
	Stop() error

	// IsRunning returns true if scheduler is active
	IsRunning() bool

	// RegisterTask registers a task with the scheduler
	RegisterTask(name, schedule, description string, handler func() error) error

	// TriggerTask runs a task immediately, outside its schedule
	TriggerTask(name string) error

	// GetTaskStatus returns the status of a specific task
	GetTaskStatus(name string) (*TaskStatus, error)

	// GetAllTaskStatuses returns all task statuses
	GetAllTaskStatuses() map[string]*TaskStatus
}
