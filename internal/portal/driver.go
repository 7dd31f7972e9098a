// -----------------------------------------------------------------------
// Portal Driver - scripted navigation of the company search portal
// -----------------------------------------------------------------------

package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/browser"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
)

// Options controls portal navigation timing
type Options struct {
	URL            string
	TypeDelay      time.Duration // between typed characters
	SettleDelay    time.Duration // after submitting the search and after the target click
	StepTimeout    time.Duration // per navigation step
	ViewportWidth  int
	ViewportHeight int
}

// OptionsFromConfig builds portal options from the application config
func OptionsFromConfig(config *common.Config) Options {
	return Options{
		URL:            config.Portal.URL,
		TypeDelay:      common.ParseDurationOr(config.Portal.TypeDelay, 250*time.Millisecond),
		SettleDelay:    common.ParseDurationOr(config.Portal.SettleDelay, 6*time.Second),
		StepTimeout:    common.ParseDurationOr(config.Browser.RequestTimeout, 30*time.Second),
		ViewportWidth:  config.Browser.ViewportWidth,
		ViewportHeight: config.Browser.ViewportHeight,
	}
}

// Driver implements interfaces.PortalDriver with chromedp
type Driver struct {
	allocator *browser.Allocator
	options   Options
	logger    arbor.ILogger
}

// Compile-time assertion
var _ interfaces.PortalDriver = (*Driver)(nil)

// NewDriver creates a portal driver that takes browsers from the allocator
func NewDriver(allocator *browser.Allocator, options Options, logger arbor.ILogger) *Driver {
	if options.URL == "" {
		options.URL = common.DefaultPortalURL
	}
	if options.ViewportWidth <= 0 || options.ViewportHeight <= 0 {
		options.ViewportWidth, options.ViewportHeight = 1280, 800
	}
	if options.StepTimeout <= 0 {
		options.StepTimeout = 30 * time.Second
	}
	return &Driver{
		allocator: allocator,
		options:   options,
		logger:    logger,
	}
}

// OpenSession acquires an exclusive browser for the job. It blocks while all
// browser slots are taken.
func (d *Driver) OpenSession(ctx context.Context, jobID string) (interfaces.PortalSession, error) {
	session, err := d.allocator.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate browser session: %w", err)
	}

	return &Session{
		browser: session,
		options: d.options,
		logger:  d.logger.WithCorrelationId(jobID),
	}, nil
}
