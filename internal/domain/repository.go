package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Canonical claim operations
	SaveClaims(ctx context.Context, tenantID string, claims []*Claim) error
	ListClaims(ctx context.Context, tenantID, jobID string) ([]*Claim, error)

	// Rule set operations. SaveRuleSet upserts by (tenant, kind, name).
	SaveRuleSet(ctx context.Context, tenantID string, set *RuleSet) error
	ListRuleSets(ctx context.Context, tenantID string, kind RuleKind) ([]*RuleSet, error)

	// Job lifecycle
	CreateJob(ctx context.Context, tenantID string, job *Job) error
	GetJob(ctx context.Context, tenantID, jobID string) (*Job, error)
	UpdateJobStatus(ctx context.Context, tenantID, jobID string, status JobStatus) error

	// Verdicts. ReplaceVerdicts drops any prior run's rows for the job so a
	// sequential re-run re-emits rather than accumulates.
	ReplaceVerdicts(ctx context.Context, tenantID, jobID string, verdicts []*Verdict) error
	ListVerdicts(ctx context.Context, tenantID, jobID string, f VerdictFilter) ([]*Verdict, int, error)
	GetVerdict(ctx context.Context, tenantID, jobID, claimID string) (*Verdict, error)

	// Job metrics, replaced per run for the same reason.
	SaveJobMetrics(ctx context.Context, tenantID string, m *JobMetrics) error
	GetJobMetrics(ctx context.Context, tenantID, jobID string) (*JobMetrics, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// VerdictFilter narrows and pages verdict listings.
type VerdictFilter struct {
	Status    string
	ErrorType string
	Offset    int
	Limit     int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
