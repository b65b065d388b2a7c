package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/shared/events"
)

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	statePath := fs.String("state", "", "system state file (YAML)")
	system := fs.String("system", "local", "system id")
	ruleIDs := fs.String("rules", "", "comma-separated rule ids (default: all enabled)")
	categories := fs.String("categories", "", "comma-separated categories")
	timeout := fs.Duration("timeout", 0, "scan deadline (0 uses the configured default)")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cats, err := parseCategories(splitList(*categories))
	if err != nil {
		return err
	}

	a, err := newApp(*configPath, *statePath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	sub := a.kernel.Bus().Subscribe(events.TopicScanProgress)
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		for e := range sub.C {
			if p, ok := e.Payload["progress"].(int); ok {
				_ = bar.Set(p)
			}
		}
	}()

	ctx := context.Background()
	scan, err := a.kernel.RunDiagnostics(ctx, *system, models.ScanOptions{
		Rules:       splitList(*ruleIDs),
		Categories:  cats,
		Trigger:     models.TriggerManual,
		TriggeredBy: "cli",
		Timeout:     *timeout,
	}, true)
	sub.Unsubscribe()
	<-barDone
	_ = bar.Finish()
	if err != nil {
		return err
	}

	printScanResult(scan)
	if scan.Status != models.ScanStatusCompleted {
		return fmt.Errorf("scan %s: %s", scan.Status, scan.Error)
	}

	open, err := a.kernel.Findings(ctx, *system, findings.Filter{})
	if err != nil {
		return err
	}
	if len(open) == 0 {
		color.New(color.FgGreen).Println("no open findings")
		return nil
	}
	printFindings(open)
	return nil
}

func printScanResult(scan *models.Scan) {
	duration := ""
	if scan.StartedAt != nil && scan.CompletedAt != nil {
		duration = scan.CompletedAt.Sub(*scan.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Printf("scan %s  status=%s  findings=%d  duration=%s\n",
		scan.ID, scan.Status, scan.Summary.Total, duration)
	for _, scanErr := range scan.Errors {
		color.New(color.FgYellow).Printf("  scanner %s degraded: %s\n", scanErr.ScannerID, scanErr.Message)
	}
}
