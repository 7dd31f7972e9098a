package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Supercomp", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("address", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Str("portal", config.Portal.URL).
		Bool("headless", config.Browser.Headless).
		Int("max_sessions", config.Browser.MaxSessions).
		Str("captcha_timeout", config.Captcha.Timeout).
		Msg("Supercomp lookup service starting")
}
