// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClaims stores a batch of normalized claims in one transaction.
// Re-inserting the same claim key overwrites the earlier row.
func (r *SQLRepository) SaveClaims(ctx context.Context, tenantID string, claims []*domain.Claim) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(claims) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO claims (
			tenant_id, job_id, claim_id, encounter_type, service_date,
			national_id, member_id, facility_id, unique_id,
			diagnosis_codes, service_code, paid_amount_aed,
			approval_number, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, job_id, claim_id) DO UPDATE SET
			encounter_type = excluded.encounter_type,
			service_date = excluded.service_date,
			national_id = excluded.national_id,
			member_id = excluded.member_id,
			facility_id = excluded.facility_id,
			unique_id = excluded.unique_id,
			diagnosis_codes = excluded.diagnosis_codes,
			service_code = excluded.service_code,
			paid_amount_aed = excluded.paid_amount_aed,
			approval_number = excluded.approval_number
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range claims {
		if _, err := stmt.ExecContext(ctx,
			tenantID, c.JobID, c.ClaimID, c.EncounterType, c.ServiceDate,
			c.NationalID, c.MemberID, c.FacilityID, c.UniqueID,
			c.DiagnosisCodes, c.ServiceCode, c.PaidAmount,
			c.ApprovalNumber, c.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListClaims retrieves every claim of one job in insertion order.
func (r *SQLRepository) ListClaims(ctx context.Context, tenantID, jobID string) ([]*domain.Claim, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, job_id, claim_id, encounter_type, service_date,
			   national_id, member_id, facility_id, unique_id,
			   diagnosis_codes, service_code, paid_amount_aed,
			   approval_number, created_at
		FROM claims
		WHERE tenant_id = ? AND job_id = ?
		ORDER BY created_at, claim_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(
			&c.TenantID, &c.JobID, &c.ClaimID, &c.EncounterType, &c.ServiceDate,
			&c.NationalID, &c.MemberID, &c.FacilityID, &c.UniqueID,
			&c.DiagnosisCodes, &c.ServiceCode, &c.PaidAmount,
			&c.ApprovalNumber, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		claims = append(claims, &c)
	}

	return claims, rows.Err()
}

// SaveRuleSet upserts a rule set keyed by (tenant, kind, name).
func (r *SQLRepository) SaveRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if set.Name == "" {
		return fmt.Errorf("%w: rule set name is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rule_sets (tenant_id, kind, name, rules_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, kind, name) DO UPDATE SET
			rules_json = excluded.rules_json,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, set.Kind, set.Name, set.RulesJSON, time.Now().UTC(),
	)
	return err
}

// ListRuleSets retrieves all rule sets of one kind for a tenant.
func (r *SQLRepository) ListRuleSets(ctx context.Context, tenantID string, kind domain.RuleKind) ([]*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, kind, name, rules_json, created_at
		FROM rule_sets
		WHERE tenant_id = ? AND kind = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*domain.RuleSet
	for rows.Next() {
		var s domain.RuleSet
		if err := rows.Scan(&s.TenantID, &s.Kind, &s.Name, &s.RulesJSON, &s.CreatedAt); err != nil {
			return nil, err
		}
		sets = append(sets, &s)
	}

	return sets, rows.Err()
}

// CreateJob stores a new job record.
func (r *SQLRepository) CreateJob(ctx context.Context, tenantID string, job *domain.Job) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if job.JobID == "" {
		return fmt.Errorf("%w: jobID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO jobs (tenant_id, job_id, status, row_count, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, job.JobID, job.Status, job.RowCount, job.StartedAt,
	)
	return err
}

// GetJob retrieves a job by ID with tenant isolation.
func (r *SQLRepository) GetJob(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, job_id, status, row_count, started_at, finished_at, error
		FROM jobs
		WHERE tenant_id = ? AND job_id = ?
	`

	var job domain.Job
	var finishedAt sql.NullTime
	var jobErr sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, jobID).Scan(
		&job.TenantID, &job.JobID, &job.Status, &job.RowCount,
		&job.StartedAt, &finishedAt, &jobErr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	job.Error = jobErr.String

	return &job, nil
}

// UpdateJobStatus transitions a job. Terminal states also stamp finished_at.
func (r *SQLRepository) UpdateJobStatus(ctx context.Context, tenantID, jobID string, status domain.JobStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var result sql.Result
	var err error

	switch status {
	case domain.JobCompleted, domain.JobFailed:
		query := `UPDATE jobs SET status = ?, finished_at = ? WHERE tenant_id = ? AND job_id = ?`
		result, err = r.db.ExecContext(ctx, r.rebind(query), status, time.Now().UTC(), tenantID, jobID)
	default:
		query := `UPDATE jobs SET status = ?, finished_at = NULL WHERE tenant_id = ? AND job_id = ?`
		result, err = r.db.ExecContext(ctx, r.rebind(query), status, tenantID, jobID)
	}
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ReplaceVerdicts deletes any prior verdicts for the job and inserts the new
// batch in one transaction, so a re-run replaces rather than accumulates.
func (r *SQLRepository) ReplaceVerdicts(ctx context.Context, tenantID, jobID string, verdicts []*domain.Verdict) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := `DELETE FROM verdicts WHERE tenant_id = ? AND job_id = ?`
	if _, err := tx.ExecContext(ctx, r.rebind(del), tenantID, jobID); err != nil {
		return err
	}

	query := `
		INSERT INTO verdicts (
			tenant_id, job_id, claim_id, status, error_type, matched_rules,
			explanation, recommendation, encounter_type, service_date,
			service_code, paid_amount_aed, facility_id, diagnosis_codes,
			approval_number, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range verdicts {
		matched, _ := json.Marshal(v.Matched)
		if _, err := stmt.ExecContext(ctx,
			tenantID, jobID, v.ClaimID, v.Status, v.ErrorType, string(matched),
			v.Explanation, v.Recommendation, v.EncounterType, v.ServiceDate,
			v.ServiceCode, v.PaidAmount, v.FacilityID, v.DiagnosisCodes,
			v.ApprovalNumber, v.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListVerdicts retrieves a filtered page of verdicts plus the total count
// matching the filter before paging.
func (r *SQLRepository) ListVerdicts(ctx context.Context, tenantID, jobID string, f domain.VerdictFilter) ([]*domain.Verdict, int, error) {
	if tenantID == "" {
		return nil, 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	where := []string{"tenant_id = ?", "job_id = ?"}
	args := []any{tenantID, jobID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ErrorType != "" {
		where = append(where, "error_type = ?")
		args = append(args, f.ErrorType)
	}
	cond := strings.Join(where, " AND ")

	var total int
	count := `SELECT COUNT(*) FROM verdicts WHERE ` + cond
	if err := r.db.QueryRowContext(ctx, r.rebind(count), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT claim_id, status, error_type, matched_rules, explanation,
			   recommendation, encounter_type, service_date, service_code,
			   paid_amount_aed, facility_id, diagnosis_codes, approval_number,
			   created_at
		FROM verdicts
		WHERE ` + cond + `
		ORDER BY created_at, claim_id
	`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var verdicts []*domain.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows, tenantID, jobID)
		if err != nil {
			return nil, 0, err
		}
		verdicts = append(verdicts, v)
	}

	return verdicts, total, rows.Err()
}

// GetVerdict retrieves one claim's verdict with tenant isolation.
func (r *SQLRepository) GetVerdict(ctx context.Context, tenantID, jobID, claimID string) (*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT claim_id, status, error_type, matched_rules, explanation,
			   recommendation, encounter_type, service_date, service_code,
			   paid_amount_aed, facility_id, diagnosis_codes, approval_number,
			   created_at
		FROM verdicts
		WHERE tenant_id = ? AND job_id = ? AND claim_id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, jobID, claimID)
	v, err := scanVerdict(row, tenantID, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerdict(row rowScanner, tenantID, jobID string) (*domain.Verdict, error) {
	var v domain.Verdict
	var matched string

	if err := row.Scan(
		&v.ClaimID, &v.Status, &v.ErrorType, &matched, &v.Explanation,
		&v.Recommendation, &v.EncounterType, &v.ServiceDate, &v.ServiceCode,
		&v.PaidAmount, &v.FacilityID, &v.DiagnosisCodes, &v.ApprovalNumber,
		&v.CreatedAt,
	); err != nil {
		return nil, err
	}

	v.TenantID = tenantID
	v.JobID = jobID
	if matched != "" && matched != "null" {
		json.Unmarshal([]byte(matched), &v.Matched)
	}
	return &v, nil
}

// SaveJobMetrics upserts one job's aggregate metrics.
func (r *SQLRepository) SaveJobMetrics(ctx context.Context, tenantID string, m *domain.JobMetrics) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	claims, _ := json.Marshal(m.ClaimsByErrorType)
	paid, _ := json.Marshal(m.PaidByErrorType)

	query := `
		INSERT INTO job_metrics (tenant_id, job_id, claims_by_error_type, paid_by_error_type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, job_id) DO UPDATE SET
			claims_by_error_type = excluded.claims_by_error_type,
			paid_by_error_type = excluded.paid_by_error_type,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, m.JobID, string(claims), string(paid), time.Now().UTC(),
	)
	return err
}

// GetJobMetrics retrieves one job's metrics with tenant isolation.
func (r *SQLRepository) GetJobMetrics(ctx context.Context, tenantID, jobID string) (*domain.JobMetrics, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT claims_by_error_type, paid_by_error_type, created_at
		FROM job_metrics
		WHERE tenant_id = ? AND job_id = ?
	`

	m := domain.NewJobMetrics(tenantID, jobID)
	var claims, paid string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, jobID).Scan(
		&claims, &paid, &m.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(claims), &m.ClaimsByErrorType); err != nil {
		return nil, fmt.Errorf("failed to parse claim counts: %w", err)
	}
	if err := json.Unmarshal([]byte(paid), &m.PaidByErrorType); err != nil {
		return nil, fmt.Errorf("failed to parse paid amounts: %w", err)
	}

	return m, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
