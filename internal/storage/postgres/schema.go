package postgres

// Schema creates the record-store tables when they do not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS captures (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	include_pdf      BOOLEAN NOT NULL DEFAULT FALSE,
	cookies          JSONB NOT NULL DEFAULT '[]',
	headers          JSONB NOT NULL DEFAULT '{}',
	tags             TEXT[] NOT NULL DEFAULT '{}',
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	domain           TEXT NOT NULL DEFAULT '',
	http_status      INTEGER NOT NULL DEFAULT 0,
	total_size_bytes BIGINT NOT NULL DEFAULT 0,
	search_text      TEXT NOT NULL DEFAULT '',
	schedule_id      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	CONSTRAINT captures_attempts_bounded CHECK (attempt_count <= max_attempts)
);
CREATE INDEX IF NOT EXISTS captures_url_idx ON captures (url);
CREATE INDEX IF NOT EXISTS captures_status_idx ON captures (status);
CREATE INDEX IF NOT EXISTS captures_domain_idx ON captures (domain);
CREATE INDEX IF NOT EXISTS captures_created_at_idx ON captures (created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	capture_id TEXT NOT NULL REFERENCES captures (id),
	kind       TEXT NOT NULL,
	path       TEXT NOT NULL,
	sha256     TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (capture_id, kind)
);

CREATE TABLE IF NOT EXISTS integrity_logs (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	artifact_id TEXT NOT NULL,
	checked_at  TIMESTAMPTZ NOT NULL,
	outcome     TEXT NOT NULL,
	checksum    TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS integrity_logs_artifact_idx ON integrity_logs (artifact_id, seq DESC);

CREATE TABLE IF NOT EXISTS schedules (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	interval_hours INTEGER NOT NULL CHECK (interval_hours > 0),
	next_run_at    TIMESTAMPTZ NOT NULL,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (next_run_at) WHERE enabled;

CREATE TABLE IF NOT EXISTS settings (
	id         INTEGER PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS capture_events (
	seq        BIGSERIAL PRIMARY KEY,
	capture_id TEXT NOT NULL,
	phase      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS capture_events_capture_idx ON capture_events (capture_id, seq);
`
