package postgres

// schema creates the job, result and report tables. Results cascade with
// their job; reports keep the job IDs they were built from.
const schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	target_urls      JSONB NOT NULL,
	extraction_rules JSONB NOT NULL,
	respect_robots   BOOLEAN,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS extracted_data (
	job_id       TEXT NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
	url          TEXT NOT NULL,
	position     INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	data         JSONB NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	fetched_at   TIMESTAMPTZ,
	content_hash TEXT NOT NULL DEFAULT '',
	blob_uri     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, url)
);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	crawl_job_ids JSONB NOT NULL,
	report_data   JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS crawl_jobs_created_at_idx ON crawl_jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS reports_created_at_idx ON reports (created_at DESC);
`
