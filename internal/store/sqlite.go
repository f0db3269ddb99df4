package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// A single writer keeps the create-or-reap transaction serializable.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	params           TEXT NOT NULL DEFAULT '{}',
	progress_count   INTEGER NOT NULL DEFAULT 0,
	total_targets    INTEGER NOT NULL DEFAULT 0,
	result           TEXT,
	error_message    TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME,
	completed_at     DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
	ON jobs(job_type) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_created ON jobs(job_type, created_at DESC);

CREATE TABLE IF NOT EXISTS prospects (
	id                  TEXT PRIMARY KEY,
	source_type         TEXT NOT NULL DEFAULT 'website',
	name                TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL UNIQUE,
	domain              TEXT NOT NULL DEFAULT '',
	discovery_status    TEXT NOT NULL DEFAULT 'pending',
	scrape_status       TEXT NOT NULL DEFAULT 'pending',
	verification_status TEXT NOT NULL DEFAULT 'unverified',
	draft_status        TEXT NOT NULL DEFAULT 'pending',
	send_status         TEXT NOT NULL DEFAULT 'pending',
	contact_email       TEXT,
	contact_name        TEXT,
	draft_subject       TEXT,
	draft_body          TEXT,
	last_error          TEXT,
	last_contacted_at   DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prospects_scrape ON prospects(discovery_status, scrape_status);
CREATE INDEX IF NOT EXISTS idx_prospects_verify ON prospects(scrape_status, verification_status);
CREATE INDEX IF NOT EXISTS idx_prospects_draft ON prospects(verification_status, draft_status);
CREATE INDEX IF NOT EXISTS idx_prospects_send ON prospects(draft_status, send_status);
CREATE INDEX IF NOT EXISTS idx_prospects_followup ON prospects(send_status, last_contacted_at);
CREATE INDEX IF NOT EXISTS idx_prospects_created ON prospects(created_at, id);

CREATE TABLE IF NOT EXISTS message_logs (
	id          TEXT PRIMARY KEY,
	prospect_id TEXT NOT NULL REFERENCES prospects(id),
	channel     TEXT NOT NULL DEFAULT 'email',
	kind        TEXT NOT NULL,
	recipient   TEXT NOT NULL,
	subject     TEXT NOT NULL,
	body        TEXT NOT NULL,
	message_id  TEXT,
	outcome     TEXT NOT NULL,
	error       TEXT,
	sent_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_logs_prospect ON message_logs(prospect_id, kind, outcome);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, jobType model.JobType, params model.JobParams, maxAge time.Duration) (*model.Job, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal job params")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create job: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	var activeID, activeStatus string
	var activeCreated time.Time
	var activeStarted sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, created_at, started_at FROM jobs
		 WHERE job_type = ? AND status IN ('pending', 'running')`,
		string(jobType),
	).Scan(&activeID, &activeStatus, &activeCreated, &activeStarted)
	switch {
	case err == nil:
		ref := activeCreated
		if activeStarted.Valid {
			ref = activeStarted.Time
		}
		if now.Sub(ref) <= maxAge {
			return nil, ErrJobConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			ReapedMessage, now, now, activeID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: reap stale job %s", activeID)
		}
	case err == sql.ErrNoRows:
		// No active job of this type.
	default:
		return nil, eris.Wrap(err, "sqlite: create job: check active")
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, status, params, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(jobType), string(model.JobStatusPending), string(paramsJSON), now, now,
	); err != nil {
		// Unique partial index backstop: a racing creator won.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrJobConflict
		}
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	if err := tx.Commit(); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrJobConflict
		}
		return nil, eris.Wrap(err, "sqlite: create job: commit")
	}

	return &model.Job{
		ID:        id,
		Type:      jobType,
		Status:    model.JobStatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobSQLite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('pending', 'running') ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: active jobs iterate")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id string) (*model.Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInvalidTransition
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) SetJobTotal(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET total_targets = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		total, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job total %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) HeartbeatJob(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_count = MAX(progress_count, ?), updated_at = ? WHERE id = ? AND status = 'running'`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: heartbeat job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', result = ?, progress_count = MAX(progress_count, ?), completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(resultJSON), result.Attempted, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		errMsg, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) CancelPendingJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel pending job %s", id)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) RequestJobCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: request job cancel %s", id)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkJobCancelled(ctx context.Context, id string, result model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', result = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(resultJSON), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job cancelled %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) ReapStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) <= ?`,
		ReapedMessage, now, now, now.Add(-maxAge),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Prospects ---

func (s *SQLiteStore) BulkInsertProspects(ctx context.Context, prospects []model.Prospect) (int64, error) {
	if len(prospects) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk insert: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO prospects (id, source_type, name, url, domain, discovery_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bulk insert: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var inserted int64
	for _, p := range prospects {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx,
			id, string(p.SourceType), p.Name, p.URL, p.Domain,
			string(model.DiscoveryStatusDiscovered), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: bulk insert prospect %s", p.URL)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	return inserted, eris.Wrap(tx.Commit(), "sqlite: bulk insert: commit")
}

func (s *SQLiteStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE id = ?`, id)
	p, err := scanProspectSQLite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get prospect %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE 1=1`
	var args []any

	add := func(col string, val any) {
		query += ` AND ` + col + ` = ?`
		args = append(args, val)
	}
	if filter.SourceType != "" {
		add("source_type", string(filter.SourceType))
	}
	if filter.ScrapeStatus != "" {
		add("scrape_status", string(filter.ScrapeStatus))
	}
	if filter.VerificationStatus != "" {
		add("verification_status", string(filter.VerificationStatus))
	}
	if filter.DraftStatus != "" {
		add("draft_status", string(filter.DraftStatus))
	}
	if filter.SendStatus != "" {
		add("send_status", string(filter.SendStatus))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prospects")
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspectSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: list prospects iterate")
}

func (s *SQLiteStore) CountDiscovered(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prospects WHERE discovery_status = ?`,
		string(model.DiscoveryStatusDiscovered),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count discovered")
}

func (s *SQLiteStore) CountEligible(ctx context.Context, pred stage.Predicate, params stage.Params) (int, error) {
	clause, args := pred.Clause(params)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prospects WHERE `+clause, args...,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count eligible for %s", pred.Stage())
}

func (s *SQLiteStore) SelectEligible(ctx context.Context, pred stage.Predicate, params stage.Params, limit int) ([]model.Prospect, error) {
	clause, args := pred.Clause(params)
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE ` + clause +
		` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select eligible for %s", pred.Stage())
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspectSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: select eligible iterate")
}

func (s *SQLiteStore) FilterEligible(ctx context.Context, pred stage.Predicate, params stage.Params, ids []string) ([]model.Prospect, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	clause, args := pred.Clause(params)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE ` + clause +
		` AND id IN (` + placeholders + `) ORDER BY created_at ASC, id ASC`
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: filter eligible for %s", pred.Stage())
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspectSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: filter eligible iterate")
}

func (s *SQLiteStore) AdvanceScrape(ctx context.Context, id, email, contactName string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET scrape_status = ?, contact_email = ?, contact_name = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(model.ScrapeStatusScraped), email, contactName, time.Now().UTC())
}

func (s *SQLiteStore) FailScrape(ctx context.Context, id, reason string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET scrape_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.ScrapeStatusFailed), reason, time.Now().UTC())
}

func (s *SQLiteStore) AdvanceVerification(ctx context.Context, id string, status model.VerificationStatus) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET verification_status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC())
}

func (s *SQLiteStore) AdvanceDraft(ctx context.Context, id, subject, body string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET draft_status = ?, draft_subject = ?, draft_body = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(model.DraftStatusDrafted), subject, body, time.Now().UTC())
}

func (s *SQLiteStore) SetProspectError(ctx context.Context, id, reason string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET last_error = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC())
}

// updateProspect runs a prospect UPDATE whose final placeholder is the id.
func (s *SQLiteStore) updateProspect(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update prospect %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordSend(ctx context.Context, msg model.MessageLog, permanent bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: record send: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_logs (id, prospect_id, channel, kind, recipient, subject, body, message_id, outcome, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ProspectID, msg.Channel, string(msg.Kind), msg.Recipient,
		msg.Subject, msg.Body, msg.MessageID, string(msg.Outcome), msg.Error, sentAt,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert message log")
	}

	update, args := sendProspectUpdateSQLite(msg, permanent, sentAt)
	res, err := tx.ExecContext(ctx, update, append(args, msg.ProspectID)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record send update prospect %s", msg.ProspectID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return eris.Wrap(tx.Commit(), "sqlite: record send: commit")
}

// sendProspectUpdateSQLite mirrors sendProspectUpdate with `?` placeholders
// and the prospect id bound last.
func sendProspectUpdateSQLite(msg model.MessageLog, permanent bool, sentAt time.Time) (string, []any) {
	switch {
	case msg.Outcome == model.MessageOutcomeSent && msg.Kind == model.MessageKindInitial:
		return `UPDATE prospects SET send_status = 'sent', last_contacted_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
			[]any{sentAt, sentAt}
	case msg.Outcome == model.MessageOutcomeSent && msg.Kind == model.MessageKindFollowUp:
		return `UPDATE prospects SET last_contacted_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
			[]any{sentAt, sentAt}
	case permanent && msg.Kind == model.MessageKindInitial:
		return `UPDATE prospects SET send_status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			[]any{msg.Error, sentAt}
	default:
		return `UPDATE prospects SET last_error = ?, updated_at = ? WHERE id = ?`,
			[]any{msg.Error, sentAt}
	}
}

func (s *SQLiteStore) ListMessages(ctx context.Context, prospectID string) ([]model.MessageLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prospect_id, channel, kind, recipient, subject, body, message_id, outcome, error, sent_at
		 FROM message_logs WHERE prospect_id = ? ORDER BY sent_at ASC`,
		prospectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list messages")
	}
	defer rows.Close()

	var msgs []model.MessageLog
	for rows.Next() {
		var m model.MessageLog
		var messageID, errMsg sql.NullString
		if err := rows.Scan(&m.ID, &m.ProspectID, &m.Channel, &m.Kind, &m.Recipient,
			&m.Subject, &m.Body, &messageID, &m.Outcome, &errMsg, &m.SentAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message log")
		}
		m.MessageID = messageID.String
		m.Error = errMsg.String
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list messages iterate")
}

// --- scan helpers ---

func checkTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func scanJobSQLite(row scannable) (*model.Job, error) {
	var j model.Job
	var paramsJSON string
	var resultJSON, errMsg sql.NullString
	var started, completed sql.NullTime
	var cancelRequested int

	err := row.Scan(&j.ID, &j.Type, &j.Status, &paramsJSON, &j.ProgressCount,
		&j.TotalTargets, &resultJSON, &errMsg, &cancelRequested,
		&started, &completed, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.CancelRequested = cancelRequested != 0

	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
			return nil, eris.Wrap(err, "unmarshal job params")
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal job result")
		}
	}
	j.ErrorMessage = errMsg.String
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanProspectSQLite(row scannable) (*model.Prospect, error) {
	var p model.Prospect
	var email, contactName, subject, body, lastErr sql.NullString
	var lastContacted sql.NullTime

	err := row.Scan(&p.ID, &p.SourceType, &p.Name, &p.URL, &p.Domain,
		&p.DiscoveryStatus, &p.ScrapeStatus, &p.VerificationStatus,
		&p.DraftStatus, &p.SendStatus,
		&email, &contactName, &subject, &body, &lastErr,
		&lastContacted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.ContactEmail = email.String
	p.ContactName = contactName.String
	p.DraftSubject = subject.String
	p.DraftBody = body.String
	p.LastError = lastErr.String
	if lastContacted.Valid {
		t := lastContacted.Time
		p.LastContactedAt = &t
	}
	return &p, nil
}
