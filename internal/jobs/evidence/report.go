package evidence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/supercomp/internal/models"
)

const (
	pageWidth   = 210.0
	margin      = 10.0
	imageWidth  = pageWidth - 2*margin
	reportTitle = "Lookup evidence"
)

// Report renders a PDF with the job details and both screenshots
func (s *Store) Report(ctx context.Context, job *models.Job) ([]byte, error) {
	if job.Evidence == nil {
		return nil, fmt.Errorf("job %s has no evidence: %w", job.ID, models.ErrNotFound)
	}

	before, err := s.Open(ctx, job.Evidence.Before.Ref)
	if err != nil {
		return nil, err
	}
	after, err := s.Open(ctx, job.Evidence.After.Ref)
	if err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetTitle(fmt.Sprintf("%s %s", reportTitle, job.ID), true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 8, tr(fmt.Sprintf("%s - RUC %s", reportTitle, job.Identifier)), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 9)
	rows := [][2]string{
		{"Job", job.ID},
		{"Year", job.HistoryTag()},
		{"State", string(job.State)},
		{"Challenges", fmt.Sprintf("%d", job.Attempts)},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
		{"Before captured", job.Evidence.Before.CapturedAt.Format(time.RFC3339Nano)},
		{"After captured", job.Evidence.After.CapturedAt.Format(time.RFC3339Nano)},
	}
	if job.Summary != "" {
		rows = append(rows, [2]string{"Company", job.Summary})
	}
	for _, row := range rows {
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(35, 5, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.MultiCell(0, 5, tr(row[1]), "", "L", false)
	}
	for _, note := range job.Notes {
		pdf.MultiCell(0, 5, tr("- "+note), "", "L", false)
	}

	addImagePage(pdf, tr("Before"), "before", before)
	addImagePage(pdf, tr("After"), "after", after)

	if pdf.Err() {
		return nil, fmt.Errorf("failed to render evidence report: %w", pdf.Error())
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("pdf_size", buf.Len()).
		Msg("Evidence report generated")

	return buf.Bytes(), nil
}

func addImagePage(pdf *fpdf.Fpdf, title, name string, data []byte) {
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.Ln(2)

	opts := fpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	pdf.ImageOptions(name, margin, pdf.GetY(), imageWidth, 0, false, opts, 0, "")
}
