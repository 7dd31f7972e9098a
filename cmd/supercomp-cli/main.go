package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/client"
	"github.com/ternarybob/supercomp/internal/common"
)

func main() {
	serverURL := flag.String("server", "http://localhost:5000", "Supercomp server base URL")
	ruc := flag.String("ruc", "", "13-digit RUC to look up (required)")
	year := flag.String("year", "", "Reporting year (optional)")
	outDir := flag.String("out", ".", "Directory for the challenge image and downloaded evidence")
	interval := flag.Duration("interval", client.DefaultPollInterval, "Status polling interval")
	evidence := flag.Bool("evidence", true, "Download before/after screenshots and the PDF report when done")
	showVersion := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Supercomp CLI version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	if *ruc == "" {
		fmt.Println("Error: -ruc flag is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := arbor.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Printf("Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	c := client.New(*serverURL, client.NewDefaultHTTPClient(30*time.Second))

	// 1. Start (or attach to) the lookup
	created, err := c.Create(ctx, *ruc, *year)
	if err != nil {
		fmt.Printf("Error starting lookup: %v\n", err)
		os.Exit(1)
	}
	if created.Attached {
		fmt.Printf("Attached to running lookup %s\n", created.JobID)
	} else {
		fmt.Printf("Started lookup %s for %s\n", created.JobID, *ruc)
	}

	// 2. Poll, show each challenge, read the answer from stdin
	stdin := bufio.NewReader(os.Stdin)
	solver := func(ctx context.Context, jobID string, seq int, image []byte) (string, error) {
		path := filepath.Join(*outDir, fmt.Sprintf("%s-captcha-%d.png", jobID, seq))
		if err := os.WriteFile(path, image, 0o644); err != nil {
			return "", fmt.Errorf("failed to save challenge image: %w", err)
		}
		fmt.Printf("Captcha saved to %s\n", path)
		fmt.Print("Enter the captcha text: ")
		return stdin.ReadString('\n')
	}

	job, err := client.NewPoller(c, solver, *interval, logger).Run(ctx, created.JobID)
	if job == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// 3. Report
	fmt.Println("---------------------------------------------------")
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("RUC:      %s\n", job.Identifier)
	fmt.Printf("State:    %s\n", job.State)
	fmt.Printf("Attempts: %d\n", job.Attempts)
	if job.Summary != "" {
		fmt.Printf("Summary:  %s\n", job.Summary)
	}
	for _, note := range job.Notes {
		fmt.Printf("Note:     %s\n", note)
	}
	if err != nil {
		fmt.Printf("Error:    %v\n", err)
		os.Exit(1)
	}

	if *evidence && job.Evidence != nil {
		for _, name := range []string{"before", "after", "report.pdf"} {
			data, err := c.Evidence(ctx, job.ID, name)
			if err != nil {
				logger.Warn().Err(err).Str("evidence", name).Msg("Failed to download evidence")
				continue
			}
			file := name
			if filepath.Ext(file) == "" {
				file += ".png"
			}
			path := filepath.Join(*outDir, job.ID+"-"+file)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to save evidence")
				continue
			}
			fmt.Printf("Evidence: %s\n", path)
		}
	}
}
