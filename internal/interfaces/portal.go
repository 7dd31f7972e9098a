package interfaces

import "context"

// PortalDriver opens scripted browser sessions against the company search portal.
type PortalDriver interface {
	OpenSession(ctx context.Context, jobID string) (PortalSession, error)
}

// SubmitOutcome is what the portal showed after a challenge solution was submitted.
type SubmitOutcome int

const (
	// OutcomeAccepted means the result page loaded.
	OutcomeAccepted SubmitOutcome = iota
	// OutcomeRejected means the portal presented a new challenge.
	OutcomeRejected
)

// PortalSession is one exclusive browser bound to a single job.
// Methods are called sequentially by the owning worker only.
type PortalSession interface {
	// SearchCompany opens the portal, selects the RUC search and picks the
	// autocomplete entry for identifier.
	SearchCompany(ctx context.Context, identifier string) error

	// CaptureChallenge returns a PNG of the challenge element.
	CaptureChallenge(ctx context.Context) ([]byte, error)

	// SubmitChallenge enters the solution and submits the search form.
	SubmitChallenge(ctx context.Context, text string) (SubmitOutcome, error)

	// Screenshot returns a PNG of the whole page.
	Screenshot(ctx context.Context) ([]byte, error)

	// OpenAnnualInformation activates the annual information section and
	// returns the method that worked.
	OpenAnnualInformation(ctx context.Context) (string, error)

	// PageHTML returns the outer HTML of the current document.
	PageHTML(ctx context.Context) (string, error)

	// URL returns the address of the current document.
	URL(ctx context.Context) string

	// Close releases the browser.
	Close() error
}
