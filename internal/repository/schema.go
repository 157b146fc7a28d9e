package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    encounter_type TEXT,
    service_date TEXT,
    national_id TEXT,
    member_id TEXT,
    facility_id TEXT,
    unique_id TEXT,
    diagnosis_codes TEXT,
    service_code TEXT,
    paid_amount_aed REAL NOT NULL DEFAULT 0,
    approval_number TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, job_id, claim_id)
);

CREATE INDEX IF NOT EXISTS idx_claims_job ON claims(tenant_id, job_id);
CREATE INDEX IF NOT EXISTS idx_claims_facility ON claims(tenant_id, facility_id);
`

const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rule_sets (
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    rules_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, kind, name)
);
`

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    status TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    error TEXT,
    PRIMARY KEY (tenant_id, job_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(tenant_id, status);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error_type TEXT NOT NULL,
    matched_rules TEXT,
    explanation TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    encounter_type TEXT,
    service_date TEXT,
    service_code TEXT,
    paid_amount_aed REAL NOT NULL DEFAULT 0,
    facility_id TEXT,
    diagnosis_codes TEXT,
    approval_number TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, job_id, claim_id)
);

CREATE INDEX IF NOT EXISTS idx_verdicts_job ON verdicts(tenant_id, job_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_status ON verdicts(tenant_id, job_id, status);
CREATE INDEX IF NOT EXISTS idx_verdicts_error_type ON verdicts(tenant_id, job_id, error_type);
`

const schemaJobMetrics = `
CREATE TABLE IF NOT EXISTS job_metrics (
    tenant_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    claims_by_error_type TEXT NOT NULL,
    paid_by_error_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, job_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClaims,
		schemaRuleSets,
		schemaJobs,
		schemaVerdicts,
		schemaJobMetrics,
	}
}
