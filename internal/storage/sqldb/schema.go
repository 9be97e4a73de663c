package sqldb

// All timestamps are integer milliseconds since the Unix epoch so the two
// dialects share scan code. The jobs.live column is 1 while a job is
// queued or leased and NULL once terminal; both SQLite and MySQL treat
// NULLs as distinct in unique indexes, which is what gives us "at most
// one live job per dedupe key" without a partial index.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS meta (
    k TEXT PRIMARY KEY,
    v TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL DEFAULT '',
    question TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    pipeline_version_id TEXT NOT NULL DEFAULT '',
    active_run_id TEXT NOT NULL DEFAULT '',
    run_count INTEGER NOT NULL DEFAULT 0,
    request BLOB NOT NULL,
    doc BLOB,
    normalized_query TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_owner ON reports(owner, created_at);

CREATE TABLE IF NOT EXISTS pipeline_versions (
    id TEXT PRIMARY KEY,
    prompt_manifest_hash TEXT NOT NULL,
    extractor_bundle_hash TEXT NOT NULL,
    config_hash TEXT NOT NULL,
    seed INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_outputs (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    output_hash TEXT NOT NULL,
    payload BLOB,
    pipeline_version_id TEXT NOT NULL DEFAULT '',
    producer_job_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE(report_id, stage, input_hash)
);
CREATE INDEX IF NOT EXISTS idx_outputs_report_stage ON stage_outputs(report_id, stage, created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    dedupe_key TEXT NOT NULL,
    live INTEGER,
    payload BLOB,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    lease_owner TEXT NOT NULL DEFAULT '',
    lease_expires_at INTEGER,
    next_run_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    input_hash TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(dedupe_key, live)
);
CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_jobs_report ON jobs(report_id);

CREATE TABLE IF NOT EXISTS extraction_runs (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL,
    run_index INTEGER NOT NULL,
    parent_run_id TEXT NOT NULL DEFAULT '',
    run_trigger TEXT NOT NULL DEFAULT 'initial',
    status TEXT NOT NULL DEFAULT 'running',
    engine TEXT NOT NULL DEFAULT '',
    config_snapshot BLOB,
    input_hash TEXT NOT NULL DEFAULT '',
    output_hash TEXT NOT NULL DEFAULT '',
    stats BLOB,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    completed_at INTEGER,
    UNIQUE(report_id, run_index)
);
CREATE INDEX IF NOT EXISTS idx_runs_report ON extraction_runs(report_id, created_at);

CREATE TABLE IF NOT EXISTS stage_events (
    id TEXT PRIMARY KEY,
    report_id TEXT NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    kind TEXT NOT NULL,
    input_hash TEXT NOT NULL DEFAULT '',
    output_hash TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    category TEXT NOT NULL DEFAULT '',
    code TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_report ON stage_events(report_id, at);
CREATE INDEX IF NOT EXISTS idx_events_at ON stage_events(at);
`

// MySQL needs sized VARCHARs on indexed columns and explicit engine and
// charset; everything else mirrors the SQLite DDL.
const schemaMySQL = `
CREATE TABLE IF NOT EXISTS meta (
    k VARCHAR(191) PRIMARY KEY,
    v TEXT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS reports (
    id VARCHAR(191) PRIMARY KEY,
    owner VARCHAR(191) NOT NULL DEFAULT '',
    question TEXT NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'queued',
    pipeline_version_id VARCHAR(191) NOT NULL DEFAULT '',
    active_run_id VARCHAR(191) NOT NULL DEFAULT '',
    run_count INT NOT NULL DEFAULT 0,
    request MEDIUMBLOB NOT NULL,
    doc MEDIUMBLOB,
    normalized_query TEXT NOT NULL,
    last_error TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    completed_at BIGINT,
    INDEX idx_reports_status (status, created_at),
    INDEX idx_reports_owner (owner, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS pipeline_versions (
    id VARCHAR(191) PRIMARY KEY,
    prompt_manifest_hash VARCHAR(64) NOT NULL,
    extractor_bundle_hash VARCHAR(64) NOT NULL,
    config_hash VARCHAR(64) NOT NULL,
    seed BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS stage_outputs (
    id VARCHAR(191) PRIMARY KEY,
    report_id VARCHAR(191) NOT NULL,
    stage VARCHAR(32) NOT NULL,
    input_hash VARCHAR(64) NOT NULL,
    output_hash VARCHAR(64) NOT NULL,
    payload MEDIUMBLOB,
    pipeline_version_id VARCHAR(191) NOT NULL DEFAULT '',
    producer_job_id VARCHAR(191) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    UNIQUE KEY uq_outputs_addr (report_id, stage, input_hash),
    INDEX idx_outputs_report_stage (report_id, stage, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(191) PRIMARY KEY,
    report_id VARCHAR(191) NOT NULL,
    stage VARCHAR(32) NOT NULL,
    dedupe_key VARCHAR(191) NOT NULL,
    live TINYINT,
    payload MEDIUMBLOB,
    status VARCHAR(16) NOT NULL DEFAULT 'queued',
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 5,
    lease_owner VARCHAR(191) NOT NULL DEFAULT '',
    lease_expires_at BIGINT,
    next_run_at BIGINT NOT NULL,
    last_error TEXT NOT NULL,
    input_hash VARCHAR(64) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    UNIQUE KEY uq_jobs_live (dedupe_key, live),
    INDEX idx_jobs_runnable (status, next_run_at),
    INDEX idx_jobs_lease (status, lease_expires_at),
    INDEX idx_jobs_report (report_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS extraction_runs (
    id VARCHAR(191) PRIMARY KEY,
    report_id VARCHAR(191) NOT NULL,
    run_index INT NOT NULL,
    parent_run_id VARCHAR(191) NOT NULL DEFAULT '',
    run_trigger VARCHAR(32) NOT NULL DEFAULT 'initial',
    status VARCHAR(16) NOT NULL DEFAULT 'running',
    engine VARCHAR(64) NOT NULL DEFAULT '',
    config_snapshot MEDIUMBLOB,
    input_hash VARCHAR(64) NOT NULL DEFAULT '',
    output_hash VARCHAR(64) NOT NULL DEFAULT '',
    stats MEDIUMBLOB,
    is_active TINYINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    completed_at BIGINT,
    UNIQUE KEY uq_runs_index (report_id, run_index),
    INDEX idx_runs_report (report_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS stage_events (
    id VARCHAR(191) PRIMARY KEY,
    report_id VARCHAR(191) NOT NULL,
    job_id VARCHAR(191) NOT NULL DEFAULT '',
    stage VARCHAR(32) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    input_hash VARCHAR(64) NOT NULL DEFAULT '',
    output_hash VARCHAR(64) NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    category VARCHAR(16) NOT NULL DEFAULT '',
    code VARCHAR(64) NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    at BIGINT NOT NULL,
    INDEX idx_events_report (report_id, at),
    INDEX idx_events_at (at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
