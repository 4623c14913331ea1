// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/parker/internal/archive"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies Schema on open.
	Migrate bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// Store implements archive.Store on Postgres. Status transitions are single
// conditional UPDATE statements, so concurrent claims serialize on the row lock.
type Store struct {
	pool pool
}

// Open connects to Postgres and optionally applies Schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const captureColumns = `id, url, status, reason, attempt_count, max_attempts, include_pdf, cookies, headers, tags,
	title, description, domain, http_status, total_size_bytes, search_text, schedule_id,
	created_at, started_at, finished_at`

func scanCapture(row pgx.Row) (archive.Capture, error) {
	var (
		c       archive.Capture
		status  string
		cookies []byte
		headers []byte
	)
	err := row.Scan(
		&c.ID, &c.URL, &status, &c.Reason, &c.AttemptCount, &c.MaxAttempts, &c.IncludePDF,
		&cookies, &headers, &c.Tags,
		&c.Metadata.Title, &c.Metadata.Description, &c.Metadata.Domain, &c.Metadata.HTTPStatus,
		&c.Metadata.TotalSizeBytes, &c.Metadata.SearchText, &c.ScheduleID,
		&c.CreatedAt, &c.StartedAt, &c.FinishedAt,
	)
	if err != nil {
		return archive.Capture{}, err
	}
	c.Status = archive.Status(status)
	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &c.Cookies); err != nil {
			return archive.Capture{}, fmt.Errorf("decode cookies: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &c.Headers); err != nil {
			return archive.Capture{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c, nil
}

func encodeJSON(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateCapture inserts a new capture.
func (s *Store) CreateCapture(ctx context.Context, c *archive.Capture) error {
	cookies, err := encodeJSON(c.Cookies, "[]")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	headers, err := encodeJSON(c.Headers, "{}")
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO captures (`+captureColumns+`) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)`,
		c.ID, c.URL, string(c.Status), c.Reason, c.AttemptCount, c.MaxAttempts, c.IncludePDF,
		cookies, headers, archive.NormalizeTags(c.Tags),
		c.Metadata.Title, c.Metadata.Description, c.Metadata.Domain, c.Metadata.HTTPStatus,
		c.Metadata.TotalSizeBytes, c.Metadata.SearchText, c.ScheduleID,
		c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("capture %s already exists: %w", c.ID, archive.ErrConflict)
		}
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// GetCapture fetches a capture by id.
func (s *Store) GetCapture(ctx context.Context, id string) (archive.Capture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return archive.Capture{}, fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
		}
		return archive.Capture{}, fmt.Errorf("load capture %s: %w", id, err)
	}
	return c, nil
}

func buildCaptureFilter(q archive.CaptureQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if q.Domain != "" {
		add("LOWER(domain) = LOWER(?)", q.Domain)
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if q.Tag != "" {
		add("? = ANY(tags)", q.Tag)
	}
	if q.URL != "" {
		add("url = ?", q.URL)
	}
	if q.Q != "" {
		add("(url ILIKE ? OR title ILIKE ? OR description ILIKE ? OR search_text ILIKE ?)", "%"+escapeLike(q.Q)+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

func captureOrder(sort archive.Sort) string {
	switch sort {
	case archive.SortOldest:
		return " ORDER BY created_at ASC, id ASC"
	case archive.SortSize:
		return " ORDER BY total_size_bytes DESC, created_at DESC"
	default:
		return " ORDER BY created_at DESC, id DESC"
	}
}

// ListCaptures filters, sorts and paginates captures.
func (s *Store) ListCaptures(ctx context.Context, q archive.CaptureQuery) (archive.CapturePage, error) {
	q = q.Normalize()
	where, args := buildCaptureFilter(q)
	page := archive.CapturePage{Captures: []archive.Capture{}, Page: q.Page, PageSize: q.PageSize}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM captures`+where, args...).Scan(&page.Total); err != nil {
		return archive.CapturePage{}, fmt.Errorf("count captures: %w", err)
	}
	n := len(args)
	sql := fmt.Sprintf(`SELECT %s FROM captures%s%s LIMIT $%d OFFSET $%d`,
		captureColumns, where, captureOrder(q.Sort), n+1, n+2)
	rows, err := s.pool.Query(ctx, sql, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return archive.CapturePage{}, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return archive.CapturePage{}, fmt.Errorf("scan capture: %w", err)
		}
		page.Captures = append(page.Captures, c)
	}
	if err := rows.Err(); err != nil {
		return archive.CapturePage{}, fmt.Errorf("iterate captures: %w", err)
	}
	return page, nil
}

// explainMiss distinguishes a missing capture from a lost transition.
func (s *Store) explainMiss(ctx context.Context, id string, to archive.Status) error {
	var (
		status            string
		attempts, maxAttempts int
	)
	err := s.pool.QueryRow(ctx, `SELECT status, attempt_count, max_attempts FROM captures WHERE id = $1`, id).
		Scan(&status, &attempts, &maxAttempts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	case err != nil:
		return fmt.Errorf("load capture %s: %w", id, err)
	}
	if err := archive.CheckTransition(archive.Status(status), to); err != nil {
		return err
	}
	if to == archive.StatusRunning && attempts >= maxAttempts {
		return fmt.Errorf("capture %s: %w", id, archive.ErrAttemptsExhausted)
	}
	return fmt.Errorf("capture %s changed concurrently: %w", id, archive.ErrConflict)
}

// ClaimCapture moves a queued capture to running and consumes one attempt.
func (s *Store) ClaimCapture(ctx context.Context, id string, now time.Time) (archive.Capture, error) {
	c, err := scanCapture(s.pool.QueryRow(ctx, `
UPDATE captures
SET status = 'running', attempt_count = attempt_count + 1, started_at = $2, reason = ''
WHERE id = $1 AND status = 'queued' AND attempt_count < max_attempts
RETURNING `+captureColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return archive.Capture{}, s.explainMiss(ctx, id, archive.StatusRunning)
		}
		return archive.Capture{}, fmt.Errorf("claim capture %s: %w", id, err)
	}
	return c, nil
}

func statusStrings(in []archive.Status) []string {
	out := make([]string, 0, len(in))
	for _, st := range in {
		out = append(out, string(st))
	}
	return out
}

// RequeueCapture moves a running capture back to queued.
func (s *Store) RequeueCapture(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE captures SET status = 'queued', reason = $2
WHERE id = $1 AND status = ANY($3)`, id, reason, statusStrings(archive.Sources(archive.StatusQueued)))
	if err != nil {
		return fmt.Errorf("requeue capture %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, archive.StatusQueued)
	}
	return nil
}

// FinishCapture sets the terminal status.
func (s *Store) FinishCapture(ctx context.Context, id string, out archive.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", out.Status, archive.ErrConflict)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE captures SET status = $2, reason = $3, finished_at = $4
WHERE id = $1 AND status = ANY($5)`,
		id, string(out.Status), out.Reason, out.FinishedAt, statusStrings(archive.Sources(out.Status)))
	if err != nil {
		return fmt.Errorf("finish capture %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, out.Status)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, what, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, archive.ErrNotFound)
	}
	return nil
}

// SaveMetadata replaces the extracted metadata of a capture.
func (s *Store) SaveMetadata(ctx context.Context, id string, md archive.Metadata) error {
	return s.execOne(ctx, "save metadata", id, `
UPDATE captures SET title = $2, description = $3, domain = $4, http_status = $5,
	total_size_bytes = $6, search_text = $7
WHERE id = $1`, id, md.Title, md.Description, md.Domain, md.HTTPStatus, md.TotalSizeBytes, md.SearchText)
}

// SetTags replaces the tag set of a capture.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	return s.execOne(ctx, "set tags", id, `UPDATE captures SET tags = $2 WHERE id = $1`, id, archive.NormalizeTags(tags))
}

// DeleteCapture removes a capture and every row that references it in one
// transaction. The capture row is locked first so a concurrent claim waits.
func (s *Store) DeleteCapture(ctx context.Context, id string) ([]archive.Artifact, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin delete capture: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM captures WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("lock capture %s: %w", id, err)
	}
	if archive.Status(status) == archive.StatusRunning {
		return nil, fmt.Errorf("capture %s is running: %w", id, archive.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `
DELETE FROM integrity_logs WHERE artifact_id IN (SELECT id FROM artifacts WHERE capture_id = $1)`, id); err != nil {
		return nil, fmt.Errorf("delete integrity logs of %s: %w", id, err)
	}
	rows, err := tx.Query(ctx, `DELETE FROM artifacts WHERE capture_id = $1 RETURNING `+artifactColumns, id)
	if err != nil {
		return nil, fmt.Errorf("delete artifacts of %s: %w", id, err)
	}
	removed, err := scanArtifacts(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM capture_events WHERE capture_id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete events of %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM captures WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete capture %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete capture %s: %w", id, err)
	}
	slices.SortFunc(removed, func(a, b archive.Artifact) int { return strings.Compare(a.ID, b.ID) })
	return removed, nil
}

// AddArtifact inserts an artifact row.
func (s *Store) AddArtifact(ctx context.Context, a archive.Artifact) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO artifacts (id, capture_id, kind, path, sha256, size_bytes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.CaptureID, string(a.Kind), a.Path, a.SHA256, a.SizeBytes, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("capture %s: %w", a.CaptureID, archive.ErrNotFound)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %s/%s already exists: %w", a.CaptureID, a.Kind, archive.ErrConflict)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func scanArtifacts(rows pgx.Rows) ([]archive.Artifact, error) {
	defer rows.Close()
	out := make([]archive.Artifact, 0)
	for rows.Next() {
		var (
			a    archive.Artifact
			kind string
		)
		if err := rows.Scan(&a.ID, &a.CaptureID, &kind, &a.Path, &a.SHA256, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = archive.Kind(kind)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

const artifactColumns = `id, capture_id, kind, path, sha256, size_bytes, created_at`

// ListArtifacts returns artifacts ordered by id.
func (s *Store) ListArtifacts(ctx context.Context, q archive.ArtifactQuery) ([]archive.Artifact, error) {
	limit := any(nil)
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+artifactColumns+` FROM artifacts
WHERE ($1 = '' OR capture_id = $1) AND id > $2
ORDER BY id ASC
LIMIT $3`, q.CaptureID, q.AfterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return scanArtifacts(rows)
}

// AppendIntegrityLog inserts one verification result.
func (s *Store) AppendIntegrityLog(ctx context.Context, l archive.IntegrityLog) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO integrity_logs (id, artifact_id, checked_at, outcome, checksum, detail)
VALUES ($1,$2,$3,$4,$5,$6)`, l.ID, l.ArtifactID, l.CheckedAt, string(l.Outcome), l.Checksum, l.Detail)
	if err != nil {
		return fmt.Errorf("insert integrity log: %w", err)
	}
	return nil
}

// ListIntegrityLogs returns the newest logs first, optionally for one artifact.
func (s *Store) ListIntegrityLogs(ctx context.Context, artifactID string, limit int) ([]archive.IntegrityLog, error) {
	lim := any(nil)
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, artifact_id, checked_at, outcome, checksum, detail FROM integrity_logs
WHERE ($1 = '' OR artifact_id = $1)
ORDER BY seq DESC
LIMIT $2`, artifactID, lim)
	if err != nil {
		return nil, fmt.Errorf("list integrity logs: %w", err)
	}
	return scanIntegrityLogs(rows)
}

func scanIntegrityLogs(rows pgx.Rows) ([]archive.IntegrityLog, error) {
	defer rows.Close()
	out := make([]archive.IntegrityLog, 0)
	for rows.Next() {
		var (
			l       archive.IntegrityLog
			outcome string
		)
		if err := rows.Scan(&l.ID, &l.ArtifactID, &l.CheckedAt, &outcome, &l.Checksum, &l.Detail); err != nil {
			return nil, fmt.Errorf("scan integrity log: %w", err)
		}
		l.Outcome = archive.IntegrityOutcome(outcome)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrity logs: %w", err)
	}
	return out, nil
}

// CreateSchedule inserts a schedule.
func (s *Store) CreateSchedule(ctx context.Context, sch *archive.Schedule) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO schedules (id, url, interval_hours, next_run_at, enabled, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, sch.ID, sch.URL, sch.IntervalHours, sch.NextRunAt, sch.Enabled, sch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s already exists: %w", sch.ID, archive.ErrConflict)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, url, interval_hours, next_run_at, enabled, created_at`

func scanSchedule(row pgx.Row) (archive.Schedule, error) {
	var sch archive.Schedule
	err := row.Scan(&sch.ID, &sch.URL, &sch.IntervalHours, &sch.NextRunAt, &sch.Enabled, &sch.CreatedAt)
	return sch, err
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (archive.Schedule, error) {
	sch, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return archive.Schedule{}, fmt.Errorf("schedule %s: %w", id, archive.ErrNotFound)
		}
		return archive.Schedule{}, fmt.Errorf("load schedule %s: %w", id, err)
	}
	return sch, nil
}

// ListSchedules returns schedules ordered by next_run_at.
func (s *Store) ListSchedules(ctx context.Context, q archive.ScheduleQuery) ([]archive.Schedule, error) {
	var due any
	if !q.DueBefore.IsZero() {
		due = q.DueBefore
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+scheduleColumns+` FROM schedules
WHERE ($1::timestamptz IS NULL OR next_run_at <= $1) AND (NOT $2 OR enabled)
ORDER BY next_run_at ASC, id ASC`, due, q.EnabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	out := make([]archive.Schedule, 0)
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// AdvanceSchedule swaps next_run_at when the stored value still equals from.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, from, to time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE schedules SET next_run_at = $3 WHERE id = $1 AND next_run_at = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("advance schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSchedule(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, "toggle schedule", id, `UPDATE schedules SET enabled = $2 WHERE id = $1`, id, enabled)
}

// GetSettings returns the settings singleton.
func (s *Store) GetSettings(ctx context.Context) (archive.Settings, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return archive.Settings{}, fmt.Errorf("settings: %w", archive.ErrNotFound)
	case err != nil:
		return archive.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	var settings archive.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return archive.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings upserts the settings singleton.
func (s *Store) SaveSettings(ctx context.Context, settings archive.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO settings (id, data, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		data, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

var eventColumns = []string{"capture_id", "phase", "message", "at"}

// AppendEvents copies capture events in one round trip.
func (s *Store) AppendEvents(ctx context.Context, events []archive.CaptureEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"capture_events"}, eventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.CaptureID, string(e.Phase), e.Message, e.At}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy capture events: %w", err)
	}
	return nil
}

// ListEvents returns the events of one capture in append order.
func (s *Store) ListEvents(ctx context.Context, captureID string) ([]archive.CaptureEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT capture_id, phase, message, at FROM capture_events WHERE capture_id = $1 ORDER BY seq ASC`, captureID)
	if err != nil {
		return nil, fmt.Errorf("list capture events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]archive.CaptureEvent, error) {
	defer rows.Close()
	out := make([]archive.CaptureEvent, 0)
	for rows.Next() {
		var (
			e     archive.CaptureEvent
			phase string
		)
		if err := rows.Scan(&e.CaptureID, &phase, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan capture event: %w", err)
		}
		e.Phase = archive.Phase(phase)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capture events: %w", err)
	}
	return out, nil
}

// Stats aggregates captures for the dashboard.
func (s *Store) Stats(ctx context.Context, since time.Time) (archive.Stats, error) {
	var stats archive.Stats
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*),
	COALESCE(SUM(total_size_bytes), 0),
	COUNT(DISTINCT NULLIF(domain, '')),
	COUNT(*) FILTER (WHERE created_at >= $1)
FROM captures`, since).Scan(&stats.Captures, &stats.TotalBytes, &stats.Domains, &stats.Recent)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("capture stats: %w", err)
	}
	return stats, nil
}

// Snapshot reads every table inside one repeatable-read, read-only transaction.
func (s *Store) Snapshot(ctx context.Context) (archive.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	snap := archive.Snapshot{TakenAt: time.Now().UTC()}

	rows, err := tx.Query(ctx, `SELECT `+captureColumns+` FROM captures ORDER BY id`)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot captures: %w", err)
	}
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			rows.Close()
			return archive.Snapshot{}, fmt.Errorf("snapshot capture: %w", err)
		}
		snap.Captures = append(snap.Captures, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot captures: %w", err)
	}

	rows, err = tx.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY id`)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot artifacts: %w", err)
	}
	if snap.Artifacts, err = scanArtifacts(rows); err != nil {
		return archive.Snapshot{}, err
	}

	rows, err = tx.Query(ctx, `SELECT id, artifact_id, checked_at, outcome, checksum, detail FROM integrity_logs ORDER BY seq`)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot integrity logs: %w", err)
	}
	if snap.IntegrityLogs, err = scanIntegrityLogs(rows); err != nil {
		return archive.Snapshot{}, err
	}

	rows, err = tx.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot schedules: %w", err)
	}
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return archive.Snapshot{}, fmt.Errorf("snapshot schedule: %w", err)
		}
		snap.Schedules = append(snap.Schedules, sch)
	}
	rows.Close()

	rows, err = tx.Query(ctx, `SELECT capture_id, phase, message, at FROM capture_events ORDER BY seq`)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("snapshot events: %w", err)
	}
	if snap.Events, err = scanEvents(rows); err != nil {
		return archive.Snapshot{}, err
	}

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &snap.Settings); err != nil {
			return archive.Snapshot{}, fmt.Errorf("decode settings: %w", err)
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return archive.Snapshot{}, fmt.Errorf("snapshot settings: %w", err)
	}
	return snap, nil
}

var _ archive.Store = (*Store)(nil)
