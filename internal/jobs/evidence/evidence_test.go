package evidence

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/models"
)

const jobID = "1790012345001-0a1b2c3d"

func testPNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		for y := 0; y < 8; y++ {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func shotOf(data []byte) ShotFunc {
	return func(ctx context.Context) ([]byte, error) { return data, nil }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return s
}

func TestCaptureBeforeThenAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, err := s.CaptureBefore(ctx, jobID, shotOf(testPNG(t, 10)))
	require.NoError(t, err)
	assert.Equal(t, models.CaptureBefore, before.Kind)
	assert.Equal(t, jobID+"/before.png", before.Ref)

	after, err := s.CaptureAfter(ctx, jobID, before, shotOf(testPNG(t, 200)))
	require.NoError(t, err)
	assert.True(t, before.CapturedAt.Before(after.CapturedAt))

	ev := &models.Evidence{Before: before, After: after}
	assert.NoError(t, ev.Validate())

	data, err := s.Open(ctx, after.Ref)
	require.NoError(t, err)
	assert.Equal(t, testPNG(t, 200), data)
}

func TestCaptureAfterRequiresBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CaptureAfter(ctx, jobID, models.Capture{}, shotOf(testPNG(t, 1)))
	assert.ErrorIs(t, err, models.ErrInvalidEvidence)

	other, err := s.CaptureBefore(ctx, "1790012345002-ffffffff", shotOf(testPNG(t, 1)))
	require.NoError(t, err)
	_, err = s.CaptureAfter(ctx, jobID, other, shotOf(testPNG(t, 1)))
	assert.ErrorIs(t, err, models.ErrInvalidEvidence)
}

func TestCaptureFailurePropagates(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("target closed")

	_, err := s.CaptureBefore(context.Background(), jobID, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.CaptureBefore(context.Background(), jobID, shotOf(nil))
	assert.ErrorIs(t, err, models.ErrInvalidEvidence)
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, ref := range []string{"../secret", "/etc/passwd", "", "a/../../b"} {
		_, err := s.Open(context.Background(), ref)
		assert.Error(t, err, ref)
	}

	_, err := s.Open(context.Background(), "missing/before.png")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSnapshotAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	html := `<html><head><script>var x=1;</script></head><body>
<h1>ACME S.A.</h1><p>Información anual presentada</p>
<input type="hidden" name="javax.faces.ViewState" value="abc"/></body></html>`

	ref, err := s.SaveSnapshot(ctx, jobID, "https://example.test/page.jsf", html)
	require.NoError(t, err)

	data, err := s.Open(ctx, ref)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ACME S.A.")
	assert.NotContains(t, string(data), "var x=1")

	require.NoError(t, s.Remove(ctx, &models.Job{ID: jobID}))
	_, err = s.Open(ctx, ref)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, err := s.CaptureBefore(ctx, jobID, shotOf(testPNG(t, 30)))
	require.NoError(t, err)
	after, err := s.CaptureAfter(ctx, jobID, before, shotOf(testPNG(t, 220)))
	require.NoError(t, err)

	job := models.NewJob("1790012345001", "2024")
	job.ID = jobID
	job.State = models.JobStateDone
	job.Summary = "Compañía de prueba"
	job.Evidence = &models.Evidence{Before: before, After: after}

	pdf, err := s.Report(ctx, job)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	job.Evidence = nil
	_, err = s.Report(ctx, job)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
