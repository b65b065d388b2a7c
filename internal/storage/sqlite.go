// Package storage is the sqlite persistence layer: findings with identity
// key coalescing, scans, remediation attempts, and an event journal. The
// in-memory stores in internal/findings carry the reference semantics;
// this package makes them durable.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/diagmgr/internal/findings"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
	"github.com/catherinevee/diagmgr/internal/shared/events"
)

// SQLiteStore persists kernel state in one sqlite database. It implements
// findings.Store plus the scan and attempt journals consumed by the
// orchestrator and remediation engine.
type SQLiteStore struct {
	db  *sql.DB
	log logger.Logger
}

// Open opens (creating if needed) the database at path and initializes the
// schema. ":memory:" opens an ephemeral database for tests.
func Open(path string, log logger.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		system_id TEXT NOT NULL,
		system_version TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		trigger_kind TEXT NOT NULL,
		triggered_by TEXT,
		summary TEXT,
		errors TEXT,
		error TEXT,
		queued_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_scans_system ON scans(system_id);
	CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);

	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		scan_id TEXT,
		system_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		component TEXT NOT NULL,
		resource_path TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		impact TEXT,
		recommendation TEXT,
		evidence TEXT,
		detected_at TIMESTAMP,
		last_seen_at TIMESTAMP,
		occurrence_count INTEGER NOT NULL DEFAULT 1,
		remediable INTEGER NOT NULL DEFAULT 0,
		actions TEXT,
		attempt_ids TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		false_positive INTEGER NOT NULL DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TIMESTAMP,
		resolved_by TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_findings_open_identity
		ON findings(system_id, rule_id, component, resource_path) WHERE resolved = 0;
	CREATE INDEX IF NOT EXISTS idx_findings_scan ON findings(scan_id);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		system_id TEXT,
		status TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		executed_by TEXT,
		approved_by TEXT,
		approved_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		success INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		error TEXT,
		error_kind TEXT,
		changes TEXT,
		snapshot_id TEXT,
		rollback_error TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		FOREIGN KEY (finding_id) REFERENCES findings(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_finding ON attempts(finding_id);

	CREATE TABLE IF NOT EXISTS event_journal (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		version INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		system_id TEXT,
		scan_id TEXT,
		finding_id TEXT,
		attempt_id TEXT,
		ordering_key TEXT,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_key ON event_journal(ordering_key, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- findings.Store ---

// Upsert merges by identity key against the open finding inside one
// transaction, which is the per-call atomicity the kernel relies on.
func (s *SQLiteStore) Upsert(ctx context.Context, finding *models.Finding) (*models.Finding, error) {
	if finding == nil {
		return nil, errs.InvalidInput("finding is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, detected_at, created_at, occurrence_count, last_seen_at, acknowledged, acknowledged_by, attempt_ids
		FROM findings
		WHERE system_id = ? AND rule_id = ? AND component = ? AND resource_path = ? AND resolved = 0`,
		finding.SystemID, finding.RuleID, finding.Component, finding.ResourcePath)

	stored := *finding
	var (
		prevID         string
		prevDetected   time.Time
		prevCreated    time.Time
		prevCount      int
		prevSeen       time.Time
		prevAcked      bool
		prevAckedBy    sql.NullString
		prevAttemptIDs sql.NullString
	)
	err = row.Scan(&prevID, &prevDetected, &prevCreated, &prevCount, &prevSeen, &prevAcked, &prevAckedBy, &prevAttemptIDs)
	switch {
	case err == sql.ErrNoRows:
		// Fresh lifetime.
	case err != nil:
		return nil, fmt.Errorf("looking up open finding: %w", err)
	default:
		stored.ID = prevID
		stored.DetectedAt = prevDetected
		stored.CreatedAt = prevCreated
		if prevCount >= stored.OccurrenceCount {
			stored.OccurrenceCount = prevCount + 1
		}
		if prevSeen.After(stored.LastSeenAt) {
			stored.LastSeenAt = prevSeen
		}
		stored.Acknowledged = prevAcked
		stored.AcknowledgedBy = prevAckedBy.String
		if prevAttemptIDs.Valid && prevAttemptIDs.String != "" {
			_ = json.Unmarshal([]byte(prevAttemptIDs.String), &stored.AttemptIDs)
		}
	}

	evidence, _ := json.Marshal(stored.Evidence)
	actions, _ := json.Marshal(stored.Actions)
	attemptIDs, _ := json.Marshal(stored.AttemptIDs)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO findings (
			id, scan_id, system_id, rule_id, component, resource_path, category,
			severity, title, description, impact, recommendation, evidence,
			detected_at, last_seen_at, occurrence_count, remediable, actions,
			attempt_ids, acknowledged, acknowledged_by, false_positive, resolved,
			resolved_at, resolved_by, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			scan_id = excluded.scan_id,
			severity = excluded.severity,
			title = excluded.title,
			description = excluded.description,
			impact = excluded.impact,
			recommendation = excluded.recommendation,
			evidence = excluded.evidence,
			last_seen_at = excluded.last_seen_at,
			occurrence_count = excluded.occurrence_count,
			remediable = excluded.remediable,
			actions = excluded.actions,
			updated_at = excluded.updated_at`,
		stored.ID, stored.ScanID, stored.SystemID, stored.RuleID, stored.Component,
		stored.ResourcePath, string(stored.Category), string(stored.Severity),
		stored.Title, stored.Description, stored.Impact, stored.Recommendation,
		string(evidence), stored.DetectedAt, stored.LastSeenAt, stored.OccurrenceCount,
		stored.Remediable, string(actions), string(attemptIDs), stored.Acknowledged,
		stored.AcknowledgedBy, stored.FalsePositive, stored.Resolved,
		nullableTime(stored.ResolvedAt), stored.ResolvedBy, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("writing finding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upsert: %w", err)
	}
	return &stored, nil
}

// Get returns one finding by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Finding, error) {
	row := s.db.QueryRowContext(ctx, selectFindings+` WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, errs.InvalidInputf("finding %s not found", id)
	}
	return f, err
}

// ListOpen returns unresolved findings for a system, newest first.
func (s *SQLiteStore) ListOpen(ctx context.Context, systemID string, filter findings.Filter) ([]*models.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		selectFindings+` WHERE system_id = ? AND resolved = 0 ORDER BY last_seen_at DESC, id ASC`,
		systemID)
	if err != nil {
		return nil, fmt.Errorf("listing open findings: %w", err)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(f) {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// OpenByKey indexes open findings by identity key string.
func (s *SQLiteStore) OpenByKey(ctx context.Context, systemID string) (map[string]*models.Finding, error) {
	open, err := s.ListOpen(ctx, systemID, findings.Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Finding, len(open))
	for _, f := range open {
		out[f.Key().String()] = f
	}
	return out, nil
}

// MarkResolved closes the finding.
func (s *SQLiteStore) MarkResolved(ctx context.Context, findingID, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE findings SET resolved = 1, resolved_at = ?, resolved_by = ?, updated_at = ?
		WHERE id = ? AND resolved = 0`,
		at, by, at, findingID)
	if err != nil {
		return fmt.Errorf("resolving finding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, findingID); err != nil {
			return err
		}
	}
	return nil
}

// MarkFalsePositive flags the finding and strips remediability.
func (s *SQLiteStore) MarkFalsePositive(ctx context.Context, findingID, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE findings SET false_positive = 1, remediable = 0, acknowledged = 1,
			acknowledged_by = ?, updated_at = ?
		WHERE id = ?`,
		by, at, findingID)
	if err != nil {
		return fmt.Errorf("flagging finding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.InvalidInputf("finding %s not found", findingID)
	}
	return nil
}

// --- scans ---

// SaveScan inserts or replaces the scan row.
func (s *SQLiteStore) SaveScan(ctx context.Context, scan *models.Scan) error {
	summary, _ := json.Marshal(scan.Summary)
	scanErrors, _ := json.Marshal(scan.Errors)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scans (
			id, system_id, system_version, status, progress, trigger_kind,
			triggered_by, summary, errors, error, queued_at, started_at,
			completed_at, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		scan.ID, scan.SystemID, scan.SystemVersion, string(scan.Status), scan.Progress,
		string(scan.Trigger), scan.TriggeredBy, string(summary), string(scanErrors),
		scan.Error, scan.QueuedAt, nullableTime(scan.StartedAt),
		nullableTime(scan.CompletedAt), scan.CreatedAt, scan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving scan: %w", err)
	}
	return nil
}

// GetScan loads one scan.
func (s *SQLiteStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system_id, system_version, status, progress, trigger_kind,
			triggered_by, summary, errors, error, queued_at, started_at,
			completed_at, created_at, updated_at
		FROM scans WHERE id = ?`, id)

	scan := &models.Scan{}
	var (
		summary, scanErrors  sql.NullString
		started, completed   sql.NullTime
		version, by, errText sql.NullString
	)
	err := row.Scan(&scan.ID, &scan.SystemID, &version, (*string)(&scan.Status),
		&scan.Progress, (*string)(&scan.Trigger), &by, &summary, &scanErrors,
		&errText, &scan.QueuedAt, &started, &completed, &scan.CreatedAt, &scan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.InvalidInputf("scan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}

	scan.SystemVersion = version.String
	scan.TriggeredBy = by.String
	scan.Error = errText.String
	if summary.Valid && summary.String != "" {
		_ = json.Unmarshal([]byte(summary.String), &scan.Summary)
	}
	if scanErrors.Valid && scanErrors.String != "" {
		_ = json.Unmarshal([]byte(scanErrors.String), &scan.Errors)
	}
	if started.Valid {
		scan.StartedAt = &started.Time
	}
	if completed.Valid {
		scan.CompletedAt = &completed.Time
	}
	return scan, nil
}

// DeleteScan removes the scan, the findings exclusively detected by it, and
// their attempts. Findings re-detected by a later scan carry that scan's id
// and survive.
func (s *SQLiteStore) DeleteScan(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning scan deletion: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE scan_id = ?`, id); err != nil {
		return fmt.Errorf("cascading findings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	return tx.Commit()
}

// --- attempts ---

// SaveAttempt inserts or replaces the attempt row.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, attempt *models.RemediationAttempt) error {
	var changes []byte
	if attempt.Changes != nil {
		changes, _ = json.Marshal(attempt.Changes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attempts (
			id, finding_id, action_id, system_id, status, dry_run, executed_by,
			approved_by, approved_at, started_at, completed_at, success, output,
			error, error_kind, changes, snapshot_id, rollback_error, retries,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		attempt.ID, attempt.FindingID, attempt.ActionID, attempt.SystemID,
		string(attempt.Status), attempt.DryRun, attempt.ExecutedBy, attempt.ApprovedBy,
		nullableTime(attempt.ApprovedAt), nullableTime(attempt.StartedAt),
		nullableTime(attempt.CompletedAt), attempt.Success, attempt.Output,
		attempt.Error, attempt.ErrorKind, string(changes), attempt.SnapshotID,
		attempt.RollbackError, attempt.Retries, attempt.CreatedAt, attempt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts for one finding, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, findingID string) ([]*models.RemediationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, finding_id, action_id, system_id, status, dry_run, executed_by,
			approved_by, approved_at, started_at, completed_at, success, output,
			error, error_kind, changes, snapshot_id, rollback_error, retries,
			created_at, updated_at
		FROM attempts WHERE finding_id = ? ORDER BY created_at ASC, id ASC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.RemediationAttempt
	for rows.Next() {
		a := &models.RemediationAttempt{}
		var (
			systemID, executedBy, approvedBy          sql.NullString
			output, errText, errKind, rollbackErr     sql.NullString
			changes, snapshotID                       sql.NullString
			approvedAt, startedAt, completedAt        sql.NullTime
		)
		err := rows.Scan(&a.ID, &a.FindingID, &a.ActionID, &systemID,
			(*string)(&a.Status), &a.DryRun, &executedBy, &approvedBy, &approvedAt,
			&startedAt, &completedAt, &a.Success, &output, &errText, &errKind,
			&changes, &snapshotID, &rollbackErr, &a.Retries, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.SystemID = systemID.String
		a.ExecutedBy = executedBy.String
		a.ApprovedBy = approvedBy.String
		a.Output = output.String
		a.Error = errText.String
		a.ErrorKind = errKind.String
		a.SnapshotID = snapshotID.String
		a.RollbackError = rollbackErr.String
		if approvedAt.Valid {
			a.ApprovedAt = &approvedAt.Time
		}
		if startedAt.Valid {
			a.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		if changes.Valid && changes.String != "" {
			a.Changes = &models.ChangeSet{}
			_ = json.Unmarshal([]byte(changes.String), a.Changes)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- event journal ---

// JournalEvents subscribes to the bus and persists every event until the
// context cancels. Run it on its own goroutine.
func (s *SQLiteStore) JournalEvents(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe()
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if err := s.writeEvent(ctx, event); err != nil {
					s.log.Warn("event journal write failed",
						logger.String("event_id", event.ID),
						logger.Err(err),
					)
				}
			}
		}
	}()
}

func (s *SQLiteStore) writeEvent(ctx context.Context, event events.Event) error {
	payload, _ := json.Marshal(event.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_journal (
			id, type, version, timestamp, system_id, scan_id, finding_id,
			attempt_id, ordering_key, payload
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		event.ID, string(event.Type), event.Version, event.Timestamp,
		event.SystemID, event.ScanID, event.FindingID, event.AttemptID,
		event.OrderingKey(), string(payload))
	return err
}

// JournaledEvents returns the stored event types for an ordering key, in
// timestamp order. Tooling and tests use it to audit delivery.
func (s *SQLiteStore) JournaledEvents(ctx context.Context, orderingKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type FROM event_journal WHERE ordering_key = ? ORDER BY timestamp ASC, id ASC`,
		orderingKey)
	if err != nil {
		return nil, fmt.Errorf("reading event journal: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- helpers ---

const selectFindings = `
	SELECT id, scan_id, system_id, rule_id, component, resource_path, category,
		severity, title, description, impact, recommendation, evidence,
		detected_at, last_seen_at, occurrence_count, remediable, actions,
		attempt_ids, acknowledged, acknowledged_by, false_positive, resolved,
		resolved_at, resolved_by, created_at, updated_at
	FROM findings`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFinding(row rowScanner) (*models.Finding, error) {
	f := &models.Finding{}
	var (
		scanID, description, impact, recommendation sql.NullString
		evidence, actions, attemptIDs               sql.NullString
		ackedBy, resolvedBy                         sql.NullString
		resolvedAt                                  sql.NullTime
	)
	err := row.Scan(&f.ID, &scanID, &f.SystemID, &f.RuleID, &f.Component,
		&f.ResourcePath, (*string)(&f.Category), (*string)(&f.Severity), &f.Title,
		&description, &impact, &recommendation, &evidence, &f.DetectedAt,
		&f.LastSeenAt, &f.OccurrenceCount, &f.Remediable, &actions, &attemptIDs,
		&f.Acknowledged, &ackedBy, &f.FalsePositive, &f.Resolved, &resolvedAt,
		&resolvedBy, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.ScanID = scanID.String
	f.Description = description.String
	f.Impact = impact.String
	f.Recommendation = recommendation.String
	f.AcknowledgedBy = ackedBy.String
	f.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		f.ResolvedAt = &resolvedAt.Time
	}
	if evidence.Valid && evidence.String != "" {
		_ = json.Unmarshal([]byte(evidence.String), &f.Evidence)
	}
	if actions.Valid && actions.String != "" {
		_ = json.Unmarshal([]byte(actions.String), &f.Actions)
	}
	if attemptIDs.Valid && attemptIDs.String != "" {
		_ = json.Unmarshal([]byte(attemptIDs.String), &f.AttemptIDs)
	}
	return f, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
