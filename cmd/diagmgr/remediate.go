package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/models"
)

func runRemediate(args []string) error {
	fs := flag.NewFlagSet("remediate", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	statePath := fs.String("state", "", "system state file (YAML)")
	system := fs.String("system", "local", "system id")
	findingID := fs.String("finding", "", "finding id (or unique prefix)")
	actionID := fs.String("action", "", "action id (defaults to the finding's only action)")
	dryRun := fs.Bool("dry-run", false, "validate and report without changing anything")
	by := fs.String("by", "cli", "operator recorded on the attempt")
	approve := fs.Bool("approve", false, "approve the attempt if the action is approval-gated")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *findingID == "" {
		return fmt.Errorf("-finding is required")
	}

	a, err := newApp(*configPath, *statePath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if *statePath != "" {
		if _, err := a.kernel.RunDiagnostics(ctx, *system,
			models.ScanOptions{Trigger: models.TriggerManual, TriggeredBy: "cli"}, true); err != nil {
			return err
		}
	}

	finding, err := resolveFinding(ctx, a, *system, *findingID)
	if err != nil {
		return err
	}
	action := *actionID
	if action == "" {
		if len(finding.Actions) != 1 {
			return fmt.Errorf("finding %s has %d actions; pick one with -action", shortID(finding.ID), len(finding.Actions))
		}
		action = finding.Actions[0].ID
	}

	attempt, err := a.kernel.Remediate(ctx, finding.ID, action, models.RemediationOptions{
		DryRun:     *dryRun,
		ExecutedBy: *by,
	})
	if err != nil {
		return err
	}

	if attempt.Status == models.AttemptPending {
		if !*approve {
			color.New(color.FgYellow).Printf("attempt %s awaits approval (rerun with -approve)\n", shortID(attempt.ID))
			return nil
		}
		attempt, err = a.kernel.Approve(ctx, attempt.ID, *by)
		if err != nil {
			return err
		}
	}

	printAttempt(attempt)
	if attempt.Status == models.AttemptFailed {
		return fmt.Errorf("remediation failed: %s", attempt.Error)
	}
	return nil
}

// resolveFinding matches an id or unique id prefix against the open
// findings of the system.
func resolveFinding(ctx context.Context, a *app, system, id string) (*models.Finding, error) {
	if f, err := a.kernel.Finding(ctx, id); err == nil {
		return f, nil
	}
	open, err := a.kernel.Findings(ctx, system, findings.Filter{})
	if err != nil {
		return nil, err
	}
	var match *models.Finding
	for _, f := range open {
		if strings.HasPrefix(f.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("finding prefix %q is ambiguous", id)
			}
			match = f
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no open finding matches %q", id)
	}
	return match, nil
}

func printAttempt(attempt *models.RemediationAttempt) {
	status := string(attempt.Status)
	switch attempt.Status {
	case models.AttemptCompleted:
		status = color.New(color.FgGreen).Sprint(status)
	case models.AttemptFailed, models.AttemptRolledBack:
		status = color.New(color.FgRed).Sprint(status)
	}
	fmt.Printf("attempt %s  action=%s  status=%s  retries=%d\n",
		shortID(attempt.ID), attempt.ActionID, status, attempt.Retries)
	if attempt.Output != "" {
		fmt.Printf("  %s\n", attempt.Output)
	}
	if attempt.Changes != nil {
		fmt.Printf("  before: %s\n  after:  %s\n", attempt.Changes.Before, attempt.Changes.After)
	}
	if attempt.Error != "" {
		color.New(color.FgRed).Printf("  error: %s\n", attempt.Error)
	}
	if attempt.RollbackError != "" {
		color.New(color.FgRed).Printf("  rollback error: %s\n", attempt.RollbackError)
	}
}
