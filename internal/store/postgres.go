package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/stage"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	params           JSONB NOT NULL DEFAULT '{}'::jsonb,
	progress_count   INTEGER NOT NULL DEFAULT 0,
	total_targets    INTEGER NOT NULL DEFAULT 0,
	result           JSONB,
	error_message    TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Backstop for the one-active-job-per-type invariant. The create-or-reap
-- transaction is the primary guard; this index turns any race it misses
-- into a unique violation instead of a duplicate running job.
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
	last_contacted_at   TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
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
	sent_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_message_logs_prospect ON message_logs(prospect_id, kind, outcome);
`

const jobColumns = `id, job_type, status, params, progress_count, total_targets, result, error_message, cancel_requested, started_at, completed_at, created_at, updated_at`

const prospectColumns = `id, source_type, name, url, domain, discovery_status, scrape_status, verification_status, draft_status, send_status, contact_email, contact_name, draft_subject, draft_body, last_error, last_contacted_at, created_at, updated_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, jobType model.JobType, params model.JobParams, maxAge time.Duration) (*model.Job, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal job params")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create job: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()

	// Lock any active job of this type so two concurrent creators serialize
	// on the same row and cannot both observe "no active job".
	var activeID string
	var activeStatus model.JobStatus
	var activeCreated time.Time
	var activeStarted *time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, status, created_at, started_at FROM jobs
		 WHERE job_type = $1 AND status IN ('pending', 'running')
		 FOR UPDATE`,
		string(jobType),
	).Scan(&activeID, &activeStatus, &activeCreated, &activeStarted)
	switch {
	case err == nil:
		ref := activeCreated
		if activeStarted != nil {
			ref = *activeStarted
		}
		if now.Sub(ref) <= maxAge {
			return nil, ErrJobConflict
		}
		// Stale: reap to failed before creating the replacement.
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3 WHERE id = $1`,
			activeID, ReapedMessage, now,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: reap stale job %s", activeID)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// No active job of this type.
	default:
		return nil, eris.Wrap(err, "postgres: create job: check active")
	}

	id := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, job_type, status, params, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		id, string(jobType), string(model.JobStatusPending), paramsJSON, now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrJobConflict
		}
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: create job: commit")
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

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(` AND job_type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('pending', 'running') ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: active jobs iterate")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id string) (*model.Job, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', started_at = $2, updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInvalidTransition
	}
	return s.GetJob(ctx, id)
}

func (s *PostgresStore) SetJobTotal(ctx context.Context, id string, total int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET total_targets = $2, updated_at = $3 WHERE id = $1 AND status = 'running'`,
		id, total, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job total %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) HeartbeatJob(ctx context.Context, id string, progress int) error {
	// GREATEST keeps progress monotonic even if heartbeats arrive out of order.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress_count = GREATEST(progress_count, $2), updated_at = $3 WHERE id = $1 AND status = 'running'`,
		id, progress, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: heartbeat job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, result model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $2, progress_count = GREATEST(progress_count, $3), completed_at = $4, updated_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, resultJSON, result.Attempted, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errMsg, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) CancelPendingJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = $2, updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel pending job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RequestJobCancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = $2 WHERE id = $1 AND status = 'running'`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: request job cancel %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkJobCancelled(ctx context.Context, id string, result model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', result = $2, completed_at = $3, updated_at = $3 WHERE id = $1 AND status = 'running'`,
		id, resultJSON, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job cancelled %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) ReapStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $1, completed_at = $2, updated_at = $2
		 WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) <= $3`,
		ReapedMessage, now, now.Add(-maxAge),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Prospects ---

func (s *PostgresStore) BulkInsertProspects(ctx context.Context, prospects []model.Prospect) (int64, error) {
	if len(prospects) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	cols := []string{"id", "source_type", "name", "url", "domain", "discovery_status", "created_at", "updated_at"}
	rows := make([][]any, 0, len(prospects))
	for _, p := range prospects {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, string(p.SourceType), p.Name, p.URL, p.Domain,
			string(model.DiscoveryStatusDiscovered), now, now,
		})
	}

	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "prospects",
		Columns:      cols,
		ConflictKeys: []string{"url"},
	}, rows)
	return n, eris.Wrap(err, "postgres: bulk insert prospects")
}

func (s *PostgresStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)
	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get prospect %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		query += fmt.Sprintf(` AND %s = $%d`, clause, argIdx)
		args = append(args, val)
		argIdx++
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
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prospects")
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: list prospects iterate")
}

func (s *PostgresStore) CountDiscovered(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM prospects WHERE discovery_status = $1`,
		string(model.DiscoveryStatusDiscovered),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count discovered")
}

func (s *PostgresStore) CountEligible(ctx context.Context, pred stage.Predicate, params stage.Params) (int, error) {
	clause, args := pred.Clause(params)
	query := rebind(`SELECT COUNT(*) FROM prospects WHERE `+clause, 0)

	var n int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count eligible for %s", pred.Stage())
}

func (s *PostgresStore) SelectEligible(ctx context.Context, pred stage.Predicate, params stage.Params, limit int) ([]model.Prospect, error) {
	clause, args := pred.Clause(params)
	// Deterministic tie-break so repeated runs make forward progress
	// instead of re-picking the same head after failures.
	query := rebind(
		`SELECT `+prospectColumns+` FROM prospects WHERE `+clause+
			` ORDER BY created_at ASC, id ASC LIMIT ?`, 0)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select eligible for %s", pred.Stage())
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: select eligible iterate")
}

func (s *PostgresStore) FilterEligible(ctx context.Context, pred stage.Predicate, params stage.Params, ids []string) ([]model.Prospect, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	clause, args := pred.Clause(params)
	query := rebind(
		`SELECT `+prospectColumns+` FROM prospects WHERE `+clause+
			` AND id = ANY(?) ORDER BY created_at ASC, id ASC`, 0)
	args = append(args, ids)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: filter eligible for %s", pred.Stage())
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: filter eligible iterate")
}

func (s *PostgresStore) AdvanceScrape(ctx context.Context, id, email, contactName string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET scrape_status = $2, contact_email = $3, contact_name = $4, last_error = NULL, updated_at = $5 WHERE id = $1`,
		string(model.ScrapeStatusScraped), email, contactName, time.Now().UTC())
}

func (s *PostgresStore) FailScrape(ctx context.Context, id, reason string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET scrape_status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		string(model.ScrapeStatusFailed), reason, time.Now().UTC())
}

func (s *PostgresStore) AdvanceVerification(ctx context.Context, id string, status model.VerificationStatus) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET verification_status = $2, last_error = NULL, updated_at = $3 WHERE id = $1`,
		string(status), time.Now().UTC())
}

func (s *PostgresStore) AdvanceDraft(ctx context.Context, id, subject, body string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET draft_status = $2, draft_subject = $3, draft_body = $4, last_error = NULL, updated_at = $5 WHERE id = $1`,
		string(model.DraftStatusDrafted), subject, body, time.Now().UTC())
}

func (s *PostgresStore) SetProspectError(ctx context.Context, id, reason string) error {
	return s.updateProspect(ctx, id,
		`UPDATE prospects SET last_error = $2, updated_at = $3 WHERE id = $1`,
		reason, time.Now().UTC())
}

func (s *PostgresStore) updateProspect(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update prospect %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordSend(ctx context.Context, msg model.MessageLog, permanent bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: record send: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_logs (id, prospect_id, channel, kind, recipient, subject, body, message_id, outcome, error, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, msg.ProspectID, msg.Channel, string(msg.Kind), msg.Recipient,
		msg.Subject, msg.Body, msg.MessageID, string(msg.Outcome), msg.Error, sentAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert message log")
	}

	update, args := sendProspectUpdate(msg, permanent, sentAt)
	if update != "" {
		tag, err := tx.Exec(ctx, update, append([]any{msg.ProspectID}, args...)...)
		if err != nil {
			return eris.Wrapf(err, "postgres: record send update prospect %s", msg.ProspectID)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: record send: commit")
}

// sendProspectUpdate returns the prospect update matching a send attempt.
// Initial sends flip send_status; follow-ups only refresh last_contacted_at.
func sendProspectUpdate(msg model.MessageLog, permanent bool, sentAt time.Time) (string, []any) {
	switch {
	case msg.Outcome == model.MessageOutcomeSent && msg.Kind == model.MessageKindInitial:
		return `UPDATE prospects SET send_status = 'sent', last_contacted_at = $2, last_error = NULL, updated_at = $2 WHERE id = $1`,
			[]any{sentAt}
	case msg.Outcome == model.MessageOutcomeSent && msg.Kind == model.MessageKindFollowUp:
		return `UPDATE prospects SET last_contacted_at = $2, last_error = NULL, updated_at = $2 WHERE id = $1`,
			[]any{sentAt}
	case permanent && msg.Kind == model.MessageKindInitial:
		return `UPDATE prospects SET send_status = 'failed', last_error = $2, updated_at = $3 WHERE id = $1`,
			[]any{msg.Error, sentAt}
	default:
		return `UPDATE prospects SET last_error = $2, updated_at = $3 WHERE id = $1`,
			[]any{msg.Error, sentAt}
	}
}

func (s *PostgresStore) ListMessages(ctx context.Context, prospectID string) ([]model.MessageLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, prospect_id, channel, kind, recipient, subject, body, message_id, outcome, error, sent_at
		 FROM message_logs WHERE prospect_id = $1 ORDER BY sent_at ASC`,
		prospectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list messages")
	}
	defer rows.Close()

	var msgs []model.MessageLog
	for rows.Next() {
		var m model.MessageLog
		var messageID, errMsg *string
		if err := rows.Scan(&m.ID, &m.ProspectID, &m.Channel, &m.Kind, &m.Recipient,
			&m.Subject, &m.Body, &messageID, &m.Outcome, &errMsg, &m.SentAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message log")
		}
		if messageID != nil {
			m.MessageID = *messageID
		}
		if errMsg != nil {
			m.Error = *errMsg
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list messages iterate")
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var paramsJSON []byte
	var resultJSON *[]byte
	var errMsg *string

	err := row.Scan(&j.ID, &j.Type, &j.Status, &paramsJSON, &j.ProgressCount,
		&j.TotalTargets, &resultJSON, &errMsg, &j.CancelRequested,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Params); err != nil {
			return nil, eris.Wrap(err, "unmarshal job params")
		}
	}
	if resultJSON != nil && len(*resultJSON) > 0 {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(*resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal job result")
		}
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return &j, nil
}

func scanProspect(row scannable) (*model.Prospect, error) {
	var p model.Prospect
	var email, contactName, subject, body, lastErr *string

	err := row.Scan(&p.ID, &p.SourceType, &p.Name, &p.URL, &p.Domain,
		&p.DiscoveryStatus, &p.ScrapeStatus, &p.VerificationStatus,
		&p.DraftStatus, &p.SendStatus,
		&email, &contactName, &subject, &body, &lastErr,
		&p.LastContactedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if email != nil {
		p.ContactEmail = *email
	}
	if contactName != nil {
		p.ContactName = *contactName
	}
	if subject != nil {
		p.DraftSubject = *subject
	}
	if body != nil {
		p.DraftBody = *body
	}
	if lastErr != nil {
		p.LastError = *lastErr
	}
	return &p, nil
}

// rebind converts `?` placeholders to Postgres positional parameters,
// starting after offset existing parameters. Stage predicates are written
// with `?` so the SQLite store can use them verbatim.
func rebind(query string, offset int) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := offset
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
