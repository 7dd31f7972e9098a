// -----------------------------------------------------------------------
// Browser Allocator - exclusive chromedp sessions, one per lookup job
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// Config holds configuration for browser sessions
type Config struct {
	MaxSessions     int
	UserAgent       string
	Headless        bool
	DisableGPU      bool
	NoSandbox       bool
	ViewportWidth   int
	ViewportHeight  int
	StartupTimeout  time.Duration
	SessionInterval time.Duration
}

// LaunchFunc starts a browser and returns its context and a cancel that tears it down
type LaunchFunc func(ctx context.Context, config Config) (context.Context, context.CancelFunc, error)

// Session is one exclusive browser. Close returns the slot to the allocator.
type Session struct {
	ID      int
	Context context.Context

	cancel  context.CancelFunc
	release func(*Session)
	once    sync.Once
}

// Close tears down the browser and frees its slot. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.release(s)
	})
	return nil
}

// Allocator bounds concurrent browsers and spaces out new sessions
type Allocator struct {
	config  Config
	launch  LaunchFunc
	slots   chan struct{}
	limiter *rate.Limiter
	logger  arbor.ILogger

	mu       sync.Mutex
	sessions map[int]*Session
	nextID   int
	closed   bool
	done     chan struct{}
}

// Stats describes allocator usage
type Stats struct {
	MaxSessions int  `json:"max_sessions"`
	Active      int  `json:"active"`
	Closed      bool `json:"closed"`
}

// NewAllocator creates an allocator that launches Chrome through chromedp
func NewAllocator(config Config, logger arbor.ILogger) *Allocator {
	return NewAllocatorWithLauncher(config, ChromeLauncher, logger)
}

// NewAllocatorWithLauncher creates an allocator with a custom launcher
func NewAllocatorWithLauncher(config Config, launch LaunchFunc, logger arbor.ILogger) *Allocator {
	if config.MaxSessions <= 0 {
		config.MaxSessions = 1
	}
	if config.MaxSessions > 10 {
		logger.Warn().
			Int("max_sessions", config.MaxSessions).
			Msg("Large browser session limit - each session is a full Chrome process")
	}

	limit := rate.Inf
	if config.SessionInterval > 0 {
		limit = rate.Every(config.SessionInterval)
	}

	return &Allocator{
		config:   config,
		launch:   launch,
		slots:    make(chan struct{}, config.MaxSessions),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		sessions: make(map[int]*Session),
		done:     make(chan struct{}),
	}
}

// Acquire blocks until a slot is free and the session rate allows a new browser
func (a *Allocator) Acquire(ctx context.Context) (*Session, error) {
	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, fmt.Errorf("browser allocator is shut down")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		<-a.slots
		return nil, err
	}

	startTime := time.Now()
	browserCtx, cancel, err := a.launch(ctx, a.config)
	if err != nil {
		<-a.slots
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		<-a.slots
		return nil, fmt.Errorf("browser allocator is shut down")
	}
	a.nextID++
	session := &Session{
		ID:      a.nextID,
		Context: browserCtx,
		cancel:  cancel,
		release: a.release,
	}
	a.sessions[session.ID] = session
	active := len(a.sessions)
	a.mu.Unlock()

	a.logger.Debug().
		Int("session_id", session.ID).
		Int("active", active).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser session started")

	return session, nil
}

func (a *Allocator) release(s *Session) {
	a.mu.Lock()
	_, ok := a.sessions[s.ID]
	delete(a.sessions, s.ID)
	a.mu.Unlock()

	if ok {
		<-a.slots
		a.logger.Debug().Int("session_id", s.ID).Msg("Browser session released")
	}
}

// Stats returns current usage
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		MaxSessions: a.config.MaxSessions,
		Active:      len(a.sessions),
		Closed:      a.closed,
	}
}

// Shutdown closes every open session and refuses new ones
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.done)
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	a.logger.Info().Int("sessions", len(sessions)).Msg("Shutting down browser sessions")
	for _, s := range sessions {
		_ = s.Close()
	}
}

// ChromeLauncher starts a dedicated Chrome process for one session
func ChromeLauncher(ctx context.Context, config Config) (context.Context, context.CancelFunc, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", config.DisableGPU),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(config.ViewportWidth, config.ViewportHeight),
	)
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}

	// Browser lifetime is owned by the session, not the acquiring request
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	timeout := config.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// The first Run allocates the browser on browserCtx itself; a timeout child
	// context would take the browser down with it when cancelled
	deadline := time.AfterFunc(timeout, browserCancel)
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	if !deadline.Stop() && err == nil {
		err = fmt.Errorf("startup exceeded %s", timeout)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	cancel := func() {
		browserCancel()
		allocatorCancel()
	}
	return browserCtx, cancel, nil
}
