package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/browser"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

// searchPrefixLen is how many identifier digits are typed; the autocomplete
// list is then filtered on the full identifier.
const searchPrefixLen = 12

// Session implements interfaces.PortalSession on one exclusive browser
type Session struct {
	browser *browser.Session
	options Options
	logger  arbor.ILogger
}

// Compile-time assertion
var _ interfaces.PortalSession = (*Session)(nil)

// run executes actions with the step timeout, cancelled early when ctx is done
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.browser.Context, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// SearchCompany opens the portal and selects the company by RUC
func (s *Session) SearchCompany(ctx context.Context, identifier string) error {
	if len(identifier) < searchPrefixLen {
		return fmt.Errorf("identifier %q too short: %w", identifier, models.ErrValidation)
	}

	s.logger.Info().Str("url", s.options.URL).Msg("Opening company search portal")

	err := s.run(ctx, s.options.StepTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationJS).Do(ctx)
			return err
		}),
		chromedp.EmulateViewport(int64(s.options.ViewportWidth), int64(s.options.ViewportHeight)),
		chromedp.Navigate(s.options.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Click(rucOptionXPath, chromedp.BySearch),
		chromedp.WaitVisible(searchInputSel, chromedp.ByQuery),
		chromedp.Click(searchInputSel, chromedp.ByQuery),
		chromedp.SetValue(searchInputSel, "", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to open RUC search: %w: %v", models.ErrAutomationFailure, err)
	}

	// Typed one key at a time so the autocomplete fires as it does for a person
	typing := make([]chromedp.Action, 0, 2*searchPrefixLen)
	for _, r := range identifier[:searchPrefixLen] {
		typing = append(typing,
			chromedp.SendKeys(searchInputSel, string(r), chromedp.ByQuery),
			chromedp.Sleep(s.options.TypeDelay),
		)
	}
	typeTimeout := s.options.StepTimeout + time.Duration(searchPrefixLen)*s.options.TypeDelay
	if err := s.run(ctx, typeTimeout, typing...); err != nil {
		return fmt.Errorf("failed to type identifier: %w: %v", models.ErrAutomationFailure, err)
	}

	if err := s.selectSuggestion(ctx, identifier); err != nil {
		return err
	}

	if err := s.run(ctx, s.options.StepTimeout, chromedp.WaitVisible(captchaImageSel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("challenge did not appear: %w: %v", models.ErrAutomationFailure, err)
	}

	s.logger.Debug().Str("identifier", identifier).Msg("Company selected, challenge visible")
	return nil
}

// selectSuggestion clicks the autocomplete entry that contains the identifier
func (s *Session) selectSuggestion(ctx context.Context, identifier string) error {
	var nodes []*cdp.Node
	err := s.run(ctx, s.options.StepTimeout,
		chromedp.WaitVisible(autocompleteSel, chromedp.ByQuery),
		chromedp.Nodes(autocompleteSel, &nodes, chromedp.ByQueryAll),
	)
	if err != nil {
		return fmt.Errorf("no autocomplete suggestions: %w: %v", models.ErrAutomationFailure, err)
	}

	for _, node := range nodes {
		var text string
		if err := s.run(ctx, s.options.StepTimeout, chromedp.Text([]cdp.NodeID{node.NodeID}, &text, chromedp.ByNodeID)); err != nil {
			continue
		}
		if !strings.Contains(text, identifier) {
			continue
		}
		if err := s.run(ctx, s.options.StepTimeout, chromedp.MouseClickNode(node)); err != nil {
			return fmt.Errorf("failed to select suggestion: %w: %v", models.ErrAutomationFailure, err)
		}
		s.logger.Debug().Str("suggestion", strings.TrimSpace(text)).Msg("Autocomplete suggestion selected")
		return nil
	}

	return fmt.Errorf("no suggestion matches %s among %d: %w", identifier, len(nodes), models.ErrAutomationFailure)
}

// CaptureChallenge crops the challenge image with a small margin
func (s *Session) CaptureChallenge(ctx context.Context) ([]byte, error) {
	var rect *struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	var image []byte

	err := s.run(ctx, s.options.StepTimeout,
		chromedp.WaitVisible(captchaImageSel, chromedp.ByQuery),
		chromedp.Evaluate(captchaRectJS, &rect),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if rect == nil || rect.Width == 0 || rect.Height == 0 {
				return fmt.Errorf("challenge image has no size")
			}
			clip := &page.Viewport{
				X:      max(rect.X-captchaPadding, 0),
				Y:      max(rect.Y-captchaPadding, 0),
				Width:  rect.Width + 2*captchaPadding,
				Height: rect.Height + 2*captchaPadding,
				Scale:  1,
			}
			var err error
			image, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(clip).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture challenge: %w: %v", models.ErrAutomationFailure, err)
	}
	return image, nil
}

// SubmitChallenge fills in the solution, submits the search and waits for the page to settle
func (s *Session) SubmitChallenge(ctx context.Context, text string) (interfaces.SubmitOutcome, error) {
	var outcome string
	err := s.run(ctx, s.options.StepTimeout+s.options.SettleDelay,
		chromedp.WaitVisible(captchaInputSel, chromedp.ByQuery),
		chromedp.SetValue(captchaInputSel, "", chromedp.ByQuery),
		chromedp.SendKeys(captchaInputSel, text, chromedp.ByQuery),
		chromedp.Click(submitButtonSel, chromedp.ByQuery),
		chromedp.Sleep(s.options.SettleDelay),
		chromedp.Evaluate(outcomeJS, &outcome),
	)
	if err != nil {
		return interfaces.OutcomeRejected, fmt.Errorf("failed to submit challenge: %w: %v", models.ErrAutomationFailure, err)
	}

	s.logger.Debug().Str("outcome", outcome).Msg("Challenge submitted")

	switch outcome {
	case "accepted":
		return interfaces.OutcomeAccepted, nil
	case "rejected":
		return interfaces.OutcomeRejected, nil
	default:
		return interfaces.OutcomeRejected, fmt.Errorf("portal showed neither results nor a new challenge: %w", models.ErrAutomationFailure)
	}
}

// Screenshot captures the whole page as PNG
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.options.StepTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// OpenAnnualInformation clicks the annual information control, trying the
// accented text, the unaccented text, a scan of all elements and finally a
// script click.
func (s *Session) OpenAnnualInformation(ctx context.Context) (string, error) {
	attemptTimeout := s.options.StepTimeout / 3
	if attemptTimeout < 3*time.Second {
		attemptTimeout = 3 * time.Second
	}

	attempts := []struct {
		method string
		action chromedp.Action
	}{
		{ClickText, chromedp.Click(annualInfoXPath, chromedp.BySearch)},
		{ClickTextNoAccent, chromedp.Click(annualInfoAltXPath, chromedp.BySearch)},
		{ClickElementScan, chromedp.ActionFunc(func(ctx context.Context) error {
			var marked bool
			if err := chromedp.Evaluate(markAnnualInfoJS, &marked).Do(ctx); err != nil {
				return err
			}
			if !marked {
				return fmt.Errorf("no element mentions annual information")
			}
			return chromedp.Click(markedTargetSel, chromedp.ByQuery).Do(ctx)
		})},
		{ClickJavaScript, chromedp.ActionFunc(func(ctx context.Context) error {
			var clicked bool
			if err := chromedp.Evaluate(clickAnnualInfoJS, &clicked).Do(ctx); err != nil {
				return err
			}
			if !clicked {
				return fmt.Errorf("script found no annual information element")
			}
			return nil
		})},
	}

	var lastErr error
	for _, attempt := range attempts {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err := s.run(ctx, attemptTimeout, attempt.action); err != nil {
			lastErr = err
			s.logger.Debug().Err(err).Str("method", attempt.method).Msg("Annual information click failed, trying next method")
			continue
		}

		if err := s.run(ctx, s.options.SettleDelay+time.Second, chromedp.Sleep(s.options.SettleDelay)); err != nil {
			return "", err
		}
		s.logger.Info().Str("method", attempt.method).Msg("Annual information opened")
		return attempt.method, nil
	}

	return "", fmt.Errorf("annual information control not found: %w: %v", models.ErrAutomationFailure, lastErr)
}

// PageHTML returns the current document
func (s *Session) PageHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.options.StepTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page html: %w", err)
	}
	return html, nil
}

// URL returns the address of the current document
func (s *Session) URL(ctx context.Context) string {
	var location string
	if err := s.run(ctx, s.options.StepTimeout, chromedp.Location(&location)); err != nil {
		return s.options.URL
	}
	return location
}

// Close releases the browser
func (s *Session) Close() error {
	return s.browser.Close()
}
