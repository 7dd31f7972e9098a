// -----------------------------------------------------------------------
// Evidence Capture - before/after screenshots for the terminal action
// Layout: <dir>/<job id>/{before.png,after.png,snapshot.md}
// -----------------------------------------------------------------------

package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/models"
)

// ShotFunc takes a screenshot and returns PNG bytes
type ShotFunc func(ctx context.Context) ([]byte, error)

// Store implements interfaces.EvidenceStore on the local filesystem
type Store struct {
	dir    string
	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.EvidenceStore = (*Store)(nil)

// NewStore creates the evidence directory if needed
func NewStore(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// CaptureBefore records the state of the page before the terminal action
func (s *Store) CaptureBefore(ctx context.Context, jobID string, shot func(ctx context.Context) ([]byte, error)) (models.Capture, error) {
	return s.capture(ctx, jobID, models.CaptureBefore, shot)
}

// CaptureAfter records the result of the terminal action. It is refused unless
// before belongs to the same job and was taken earlier.
func (s *Store) CaptureAfter(ctx context.Context, jobID string, before models.Capture, shot func(ctx context.Context) ([]byte, error)) (models.Capture, error) {
	if before.Ref == "" || before.Kind != models.CaptureBefore || before.JobID != jobID {
		return models.Capture{}, fmt.Errorf("after capture for %s without a before capture: %w", jobID, models.ErrInvalidEvidence)
	}

	after, err := s.capture(ctx, jobID, models.CaptureAfter, shot)
	if err != nil {
		return models.Capture{}, err
	}
	if !before.CapturedAt.Before(after.CapturedAt) {
		return models.Capture{}, fmt.Errorf("after capture for %s is not later than before capture: %w", jobID, models.ErrInvalidEvidence)
	}
	return after, nil
}

func (s *Store) capture(ctx context.Context, jobID string, kind models.CaptureKind, shot func(ctx context.Context) ([]byte, error)) (models.Capture, error) {
	data, err := shot(ctx)
	if err != nil {
		return models.Capture{}, fmt.Errorf("%s screenshot failed: %w", kind, err)
	}
	if len(data) == 0 {
		return models.Capture{}, fmt.Errorf("%s screenshot is empty: %w", kind, models.ErrInvalidEvidence)
	}
	capturedAt := time.Now()

	ref := filepath.ToSlash(filepath.Join(jobID, string(kind)+".png"))
	if err := s.write(ref, data); err != nil {
		return models.Capture{}, err
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("kind", string(kind)).
		Int("bytes", len(data)).
		Msg("Evidence captured")

	return models.Capture{
		JobID:      jobID,
		Kind:       kind,
		Ref:        ref,
		CapturedAt: capturedAt,
	}, nil
}

// SaveSnapshot stores a markdown rendition of the final page
func (s *Store) SaveSnapshot(ctx context.Context, jobID, pageURL, html string) (string, error) {
	markdown, err := HTMLToMarkdown(html, pageURL)
	if err != nil {
		return "", err
	}
	ref := filepath.ToSlash(filepath.Join(jobID, "snapshot.md"))
	if err := s.write(ref, []byte(markdown)); err != nil {
		return "", err
	}
	return ref, nil
}

// Open reads a stored artifact by reference
func (s *Store) Open(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("evidence %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence %s: %w", ref, err)
	}
	return data, nil
}

// Remove deletes every artifact stored for the job
func (s *Store) Remove(ctx context.Context, job *models.Job) error {
	path, err := s.resolve(job.ID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove evidence for %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) write(ref string, data []byte) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create evidence directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write evidence %s: %w", ref, err)
	}
	return nil
}

// resolve maps a reference to a path inside the evidence directory
func (s *Store) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid evidence reference %q: %w", ref, models.ErrValidation)
	}
	return filepath.Join(s.dir, clean), nil
}
