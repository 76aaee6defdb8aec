package ledgerstore

// schema covers the full billing and dispatch data model: resellers,
// customers, projects, wallets, wallet_transactions, job_types, jobs and
// runners.
const schema = `
CREATE TABLE IF NOT EXISTS resellers (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	email       TEXT NOT NULL UNIQUE,
	reseller_id TEXT,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
	id             TEXT PRIMARY KEY,
	customer_id    TEXT NOT NULL UNIQUE,
	balance_cents  INTEGER NOT NULL DEFAULT 0,
	reserved_cents INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	CHECK (balance_cents >= reserved_cents AND reserved_cents >= 0)
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id           TEXT PRIMARY KEY,
	wallet_id    TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	job_id       TEXT,
	description  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet ON wallet_transactions(wallet_id);

CREATE TABLE IF NOT EXISTS job_types (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	processing_logic_id   TEXT NOT NULL,
	processor_type        TEXT NOT NULL,
	standard_cost_cents   INTEGER NOT NULL,
	allowed_overage_cents INTEGER NOT NULL DEFAULT 0,
	enabled               INTEGER NOT NULL DEFAULT 1,
	retry_max_attempts    INTEGER,
	retry_initial_seconds REAL,
	retry_multiplier      REAL,
	retry_max_seconds     REAL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	customer_id          TEXT NOT NULL,
	job_type_id          TEXT NOT NULL,
	project_id           TEXT,
	status               TEXT NOT NULL,
	priority             INTEGER NOT NULL,
	input                BLOB,
	output               BLOB,
	last_error           TEXT NOT NULL DEFAULT '',
	attempt_count        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at      INTEGER,
	estimated_cost_cents INTEGER NOT NULL,
	final_cost_cents     INTEGER,
	runner_id            TEXT,
	created_at           INTEGER NOT NULL,
	started_at           INTEGER,
	completed_at         INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_customer ON jobs(customer_id);
CREATE INDEX IF NOT EXISTS idx_jobs_runner ON jobs(runner_id);

CREATE TABLE IF NOT EXISTS runners (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	status               TEXT NOT NULL,
	compatible_job_types TEXT NOT NULL DEFAULT '',
	last_heartbeat       INTEGER NOT NULL
);
`
