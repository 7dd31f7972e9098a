package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/models"
)

func testConfig() common.NotifyConfig {
	return common.NotifyConfig{
		Enabled:  true,
		SMTPHost: "smtp.test",
		SMTPPort: 587,
		From:     "Supercomp <bot@example.com>",
		To:       []string{"operator@example.com"},
		BaseURL:  "http://localhost:5000/",
	}
}

func waitingJob() *models.Job {
	job := models.NewJob("1790012345001", "2024")
	job.State = models.JobStateWaitingCaptcha
	job.Attempts = 2
	job.Challenge = &models.Challenge{Seq: 2, Ref: job.ID + "/captcha-2"}
	return job
}

func TestChallengeWaitingSendsImage(t *testing.T) {
	var sentFrom string
	var sentTo []string
	var sent []byte
	send := func(from string, to []string, msg []byte) error {
		sentFrom, sentTo, sent = from, to, msg
		return nil
	}

	svc := NewServiceWithSender(testConfig(), send, arbor.NewLogger())
	image := []byte("\x89PNG captcha")
	job := waitingJob()

	require.NoError(t, svc.ChallengeWaiting(context.Background(), job, image))
	assert.Equal(t, "Supercomp <bot@example.com>", sentFrom)
	assert.Equal(t, []string{"operator@example.com"}, sentTo)

	mr, err := mail.CreateReader(bytes.NewReader(sent))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Captcha waiting for RUC 1790012345001 (attempt 2)", subject)

	var text string
	var attachment []byte
	var filename string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part.Body)
		require.NoError(t, err)

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			text = string(body)
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
			attachment = body
		}
	}

	assert.Contains(t, text, job.ID)
	assert.True(t, strings.Contains(text, "http://localhost:5000/?job="+job.ID))
	assert.Equal(t, "captcha-1790012345001-2.png", filename)
	assert.Equal(t, image, attachment)
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	config := testConfig()
	config.Enabled = false
	called := false
	svc := NewServiceWithSender(config, func(string, []string, []byte) error {
		called = true
		return nil
	}, arbor.NewLogger())

	require.NoError(t, svc.ChallengeWaiting(context.Background(), waitingJob(), []byte("x")))
	assert.False(t, called)
}

func TestSendFailureIsReturned(t *testing.T) {
	svc := NewServiceWithSender(testConfig(), func(string, []string, []byte) error {
		return errors.New("connection refused")
	}, arbor.NewLogger())

	err := svc.ChallengeWaiting(context.Background(), waitingJob(), []byte("x"))
	assert.ErrorContains(t, err, "connection refused")
}

func TestInvalidRecipientRejected(t *testing.T) {
	config := testConfig()
	config.To = []string{"not an address"}
	svc := NewServiceWithSender(config, func(string, []string, []byte) error { return nil }, arbor.NewLogger())

	_, err := svc.Compose(waitingJob(), nil)
	assert.Error(t, err)
}
