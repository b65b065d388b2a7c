// Package scheduler runs recurring scans on plain tickers. Each schedule
// entry gets its own goroutine with a jittered first fire so a restart
// does not stampede the target system.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/shared/config"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// ScanCreator admits scans. The orchestrator implements it.
type ScanCreator interface {
	CreateScan(ctx context.Context, systemID string, opts models.ScanOptions) (*models.Scan, error)
}

// Scheduler fires recurring scans from configured schedule entries.
type Scheduler struct {
	entries []config.ScheduleEntry
	scans   ScanCreator
	log     logger.Logger

	wg sync.WaitGroup
}

// New creates a scheduler over the given entries.
func New(entries []config.ScheduleEntry, scans ScanCreator, log logger.Logger) *Scheduler {
	return &Scheduler{entries: entries, scans: scans, log: log}
}

// Start launches one ticker loop per entry. Loops stop when the context
// cancels.
func (s *Scheduler) Start(ctx context.Context) {
	for _, entry := range s.entries {
		entry := entry
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, entry)
		}()
	}
}

// Wait blocks until every schedule loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, entry config.ScheduleEntry) {
	interval := entry.ScheduleInterval()

	// Jitter the first fire into [0, interval/2).
	if jitter := jitterFor(interval); jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.fire(ctx, entry)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, entry)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, entry config.ScheduleEntry) {
	opts := models.ScanOptions{
		Rules:       entry.Rules,
		Categories:  parseCategories(entry.Categories, s.log),
		Trigger:     models.TriggerScheduled,
		TriggeredBy: "scheduler",
	}

	scan, err := s.scans.CreateScan(ctx, entry.SystemID, opts)
	if err != nil {
		// Backpressure just means this tick is skipped; the next one tries
		// again.
		level := s.log.Error
		if errs.KindOf(err) == errs.KindBackpressure {
			level = s.log.Warn
		}
		level("scheduled scan not admitted",
			logger.String("system_id", entry.SystemID),
			logger.Err(err),
		)
		return
	}
	s.log.Info("scheduled scan queued",
		logger.String("system_id", entry.SystemID),
		logger.String("scan_id", scan.ID),
	)
}

func parseCategories(raw []string, log logger.Logger) []models.DiagnosticCategory {
	var out []models.DiagnosticCategory
	for _, c := range raw {
		parsed, err := models.ParseCategory(c)
		if err != nil {
			log.Warn("schedule entry names an unknown category",
				logger.String("category", c),
			)
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func jitterFor(interval time.Duration) time.Duration {
	half := interval / 2
	if half <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(half)))
}
