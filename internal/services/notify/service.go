// -----------------------------------------------------------------------
// Notify Service - e-mails the operator when a challenge is waiting
// -----------------------------------------------------------------------

package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

// SendFunc delivers a composed RFC 5322 message
type SendFunc func(from string, to []string, msg []byte) error

// Service implements interfaces.Notifier over SMTP
type Service struct {
	config common.NotifyConfig
	send   SendFunc
	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.Notifier = (*Service)(nil)

// NewService creates a notifier that sends through the configured SMTP server
func NewService(config common.NotifyConfig, logger arbor.ILogger) *Service {
	s := &Service{config: config, logger: logger}
	s.send = s.sendSMTP
	return s
}

// NewServiceWithSender creates a notifier with a custom delivery function
func NewServiceWithSender(config common.NotifyConfig, send SendFunc, logger arbor.ILogger) *Service {
	return &Service{config: config, send: send, logger: logger}
}

// ChallengeWaiting sends the challenge image with a link to the job
func (s *Service) ChallengeWaiting(ctx context.Context, job *models.Job, image []byte) error {
	if !s.config.Enabled {
		return nil
	}

	msg, err := s.Compose(job, image)
	if err != nil {
		return err
	}

	if err := s.send(s.config.From, s.config.To, msg); err != nil {
		return fmt.Errorf("failed to send challenge notification: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("recipients", len(s.config.To)).
		Msg("Operator notified of waiting challenge")
	return nil
}

// Compose builds the multipart message for a waiting challenge
func (s *Service) Compose(job *models.Job, image []byte) ([]byte, error) {
	from, err := mail.ParseAddress(s.config.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", s.config.From, err)
	}
	to := make([]*mail.Address, 0, len(s.config.To))
	for _, addr := range s.config.To {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		to = append(to, parsed)
	}

	seq := 0
	if job.Challenge != nil {
		seq = job.Challenge.Seq
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(fmt.Sprintf("Captcha waiting for RUC %s (attempt %d)", job.Identifier, seq))

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create message body: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(w, s.body(job, seq)); err != nil {
		return nil, err
	}
	w.Close()
	tw.Close()

	if len(image) > 0 {
		var ah mail.AttachmentHeader
		ah.SetContentType("image/png", nil)
		ah.SetFilename(fmt.Sprintf("captcha-%s-%d.png", job.Identifier, seq))
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment: %w", err)
		}
		if _, err := aw.Write(image); err != nil {
			return nil, err
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) body(job *models.Job, seq int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A lookup is waiting for a captcha solution.\r\n\r\n")
	fmt.Fprintf(&b, "RUC:     %s\r\n", job.Identifier)
	fmt.Fprintf(&b, "Job:     %s\r\n", job.ID)
	fmt.Fprintf(&b, "Attempt: %d\r\n", seq)
	if s.config.BaseURL != "" {
		fmt.Fprintf(&b, "\r\nSolve it at %s/?job=%s\r\n", strings.TrimRight(s.config.BaseURL, "/"), job.ID)
	}
	return b.String()
}

// sendSMTP uses implicit TLS on port 465 and STARTTLS otherwise
func (s *Service) sendSMTP(from string, to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	envelopeFrom := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		envelopeFrom = parsed.Address
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPHost)
	}

	if s.config.SMTPPort != 465 {
		return smtp.SendMail(addr, auth, envelopeFrom, to, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.config.SMTPHost})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(envelopeFrom); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set mail recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}
