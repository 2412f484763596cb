package store

// schemaDDL bootstraps the relational layout. Statements are idempotent so
// EnsureSchema can run on every startup; there is no migration framework.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS manifest_groups (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	max_active_jobs INT,
	priority        INT NOT NULL DEFAULT 0,
	is_enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS manifests (
	id                          BIGSERIAL PRIMARY KEY,
	external_id                 TEXT NOT NULL UNIQUE,
	name                        TEXT NOT NULL,
	properties_json             TEXT,
	properties_type_name        TEXT,
	schedule_type               TEXT NOT NULL DEFAULT 'None',
	cron_expression             TEXT,
	interval_seconds            BIGINT,
	max_retries                 INT NOT NULL DEFAULT 3,
	timeout_seconds             BIGINT,
	retry_backoff_multiplier    DOUBLE PRECISION,
	default_retry_delay_seconds BIGINT,
	max_retry_delay_seconds     BIGINT,
	manifest_group_id           BIGINT REFERENCES manifest_groups(id),
	depends_on_manifest_id      BIGINT REFERENCES manifests(id),
	is_enabled                  BOOLEAN NOT NULL DEFAULT TRUE,
	disabled_note               TEXT,
	priority                    INT NOT NULL DEFAULT 0,
	last_successful_run_at      TIMESTAMPTZ,
	last_enqueued_at            TIMESTAMPTZ,
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_manifests_group ON manifests(manifest_group_id);
CREATE INDEX IF NOT EXISTS idx_manifests_enabled_schedule ON manifests(is_enabled, schedule_type);

CREATE TABLE IF NOT EXISTS metadata (
	id                BIGSERIAL PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	manifest_id       BIGINT REFERENCES manifests(id),
	parent_id         BIGINT REFERENCES metadata(id) ON DELETE SET NULL,
	name              TEXT NOT NULL,
	executor          TEXT NOT NULL DEFAULT '',
	workflow_state    TEXT NOT NULL DEFAULT 'Pending',
	scheduled_time    TIMESTAMPTZ,
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ,
	failure_step      TEXT,
	failure_exception TEXT,
	failure_reason    TEXT,
	stack_trace       TEXT,
	input_json        TEXT,
	output_json       TEXT
);

CREATE INDEX IF NOT EXISTS idx_metadata_manifest_state ON metadata(manifest_id, workflow_state);
CREATE INDEX IF NOT EXISTS idx_metadata_state_end ON metadata(workflow_state, end_time);
CREATE INDEX IF NOT EXISTS idx_metadata_parent ON metadata(parent_id);

CREATE TABLE IF NOT EXISTS work_queue (
	id              BIGSERIAL PRIMARY KEY,
	workflow_name   TEXT NOT NULL,
	input_json      TEXT,
	input_type_name TEXT,
	manifest_id     BIGINT REFERENCES manifests(id),
	metadata_id     BIGINT REFERENCES metadata(id) ON DELETE SET NULL,
	priority        INT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'Queued',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	available_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	dispatched_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_work_queue_claim ON work_queue(status, available_at, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_work_queue_manifest ON work_queue(manifest_id, status);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                         BIGSERIAL PRIMARY KEY,
	manifest_id                BIGINT NOT NULL REFERENCES manifests(id),
	reason                     TEXT NOT NULL,
	retry_count_at_dead_letter INT NOT NULL DEFAULT 0,
	status                     TEXT NOT NULL DEFAULT 'AwaitingIntervention',
	dead_lettered_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at                TIMESTAMPTZ,
	resolution_note            TEXT,
	retry_metadata_id          BIGINT REFERENCES metadata(id) ON DELETE SET NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_awaiting
	ON dead_letters(manifest_id) WHERE status = 'AwaitingIntervention';

CREATE TABLE IF NOT EXISTS background_jobs (
	id           BIGSERIAL PRIMARY KEY,
	metadata_id  BIGINT REFERENCES metadata(id) ON DELETE SET NULL,
	task_handle  TEXT NOT NULL,
	server       TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'enqueued',
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_background_jobs_handle ON background_jobs(task_handle);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`
