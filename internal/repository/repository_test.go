package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"
	jobID := "job-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListClaims", func(t *testing.T) {
		claims := []*domain.Claim{
			{
				TenantID:       tenantID,
				JobID:          jobID,
				ClaimID:        "CLM-001",
				EncounterType:  "INPATIENT",
				ServiceDate:    "2025-03-14",
				FacilityID:     "FAC-01",
				DiagnosisCodes: "E11.9" + domain.DiagnosisSeparator + "I10",
				ServiceCode:    "99213",
				PaidAmount:     320.50,
				CreatedAt:      time.Now().UTC(),
			},
			{
				TenantID:   tenantID,
				JobID:      jobID,
				ClaimID:    "CLM-002",
				FacilityID: "FAC-02",
				PaidAmount: 75,
				CreatedAt:  time.Now().UTC().Add(time.Millisecond),
			},
		}

		if err := repo.SaveClaims(ctx, tenantID, claims); err != nil {
			t.Fatalf("SaveClaims failed: %v", err)
		}

		got, err := repo.ListClaims(ctx, tenantID, jobID)
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 claims, got %d", len(got))
		}
		if got[0].ClaimID != "CLM-001" {
			t.Errorf("expected first claim CLM-001, got %s", got[0].ClaimID)
		}
		if got[0].PaidAmount != 320.50 {
			t.Errorf("expected PaidAmount 320.50, got %.2f", got[0].PaidAmount)
		}
		if got[0].DiagnosisCodes != "E11.9"+domain.DiagnosisSeparator+"I10" {
			t.Errorf("diagnosis codes round-trip mismatch: %q", got[0].DiagnosisCodes)
		}
	})

	t.Run("SaveClaimsIdempotent", func(t *testing.T) {
		claims := []*domain.Claim{{
			TenantID:   tenantID,
			JobID:      jobID,
			ClaimID:    "CLM-001",
			PaidAmount: 400,
			CreatedAt:  time.Now().UTC(),
		}}

		if err := repo.SaveClaims(ctx, tenantID, claims); err != nil {
			t.Fatalf("SaveClaims failed on re-insert: %v", err)
		}

		got, err := repo.ListClaims(ctx, tenantID, jobID)
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("expected re-insert to overwrite, got %d claims", len(got))
		}
	})

	t.Run("RuleSetUpsert", func(t *testing.T) {
		set := &domain.RuleSet{
			TenantID:  tenantID,
			Name:      "baseline",
			Kind:      domain.RuleKindTechnical,
			RulesJSON: `{"rules":[]}`,
		}
		if err := repo.SaveRuleSet(ctx, tenantID, set); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}

		set.RulesJSON = `{"rules":[{"id":"T001","type":"technical","description":"d","condition":{"field":"encounter_type","op":"equals","value":"INPATIENT"}}]}`
		if err := repo.SaveRuleSet(ctx, tenantID, set); err != nil {
			t.Fatalf("SaveRuleSet upsert failed: %v", err)
		}

		sets, err := repo.ListRuleSets(ctx, tenantID, domain.RuleKindTechnical)
		if err != nil {
			t.Fatalf("ListRuleSets failed: %v", err)
		}
		if len(sets) != 1 {
			t.Fatalf("expected 1 rule set after upsert, got %d", len(sets))
		}
		if sets[0].RulesJSON == `{"rules":[]}` {
			t.Error("upsert did not replace rules_json")
		}

		medical, err := repo.ListRuleSets(ctx, tenantID, domain.RuleKindMedical)
		if err != nil {
			t.Fatalf("ListRuleSets failed: %v", err)
		}
		if len(medical) != 0 {
			t.Errorf("expected no medical sets, got %d", len(medical))
		}
	})

	t.Run("JobLifecycle", func(t *testing.T) {
		job := &domain.Job{
			TenantID:  tenantID,
			JobID:     jobID,
			Status:    domain.JobPending,
			RowCount:  2,
			StartedAt: time.Now().UTC(),
		}
		if err := repo.CreateJob(ctx, tenantID, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		got, err := repo.GetJob(ctx, tenantID, jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != domain.JobPending {
			t.Errorf("expected status pending, got %s", got.Status)
		}
		if got.FinishedAt != nil {
			t.Error("expected nil FinishedAt for pending job")
		}

		if err := repo.UpdateJobStatus(ctx, tenantID, jobID, domain.JobCompleted); err != nil {
			t.Fatalf("UpdateJobStatus failed: %v", err)
		}

		got, err = repo.GetJob(ctx, tenantID, jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != domain.JobCompleted {
			t.Errorf("expected status completed, got %s", got.Status)
		}
		if got.FinishedAt == nil {
			t.Error("expected FinishedAt to be set on completion")
		}
	})

	t.Run("UpdateMissingJob", func(t *testing.T) {
		err := repo.UpdateJobStatus(ctx, tenantID, "nonexistent", domain.JobRunning)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ReplaceVerdicts", func(t *testing.T) {
		first := []*domain.Verdict{
			{
				ClaimID:        "CLM-001",
				Status:         domain.StatusNotValidated,
				ErrorType:      domain.ErrorTechnical,
				Matched:        []domain.MatchedRule{{ID: "T001", Kind: domain.RuleKindTechnical, Description: "d"}},
				Explanation:    "T001: d",
				Recommendation: "-",
				PaidAmount:     320.50,
				CreatedAt:      time.Now().UTC(),
			},
			{
				ClaimID:        "CLM-002",
				Status:         domain.StatusValidated,
				ErrorType:      domain.ErrorNone,
				Explanation:    "All rules satisfied",
				Recommendation: "-",
				PaidAmount:     75,
				CreatedAt:      time.Now().UTC().Add(time.Millisecond),
			},
		}

		if err := repo.ReplaceVerdicts(ctx, tenantID, jobID, first); err != nil {
			t.Fatalf("ReplaceVerdicts failed: %v", err)
		}

		// Re-run replaces, never accumulates.
		second := first[:1]
		if err := repo.ReplaceVerdicts(ctx, tenantID, jobID, second); err != nil {
			t.Fatalf("ReplaceVerdicts re-run failed: %v", err)
		}

		got, total, err := repo.ListVerdicts(ctx, tenantID, jobID, domain.VerdictFilter{})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 1 || len(got) != 1 {
			t.Fatalf("expected 1 verdict after re-run, got %d (total %d)", len(got), total)
		}
		if len(got[0].Matched) != 1 || got[0].Matched[0].ID != "T001" {
			t.Errorf("matched rules did not round-trip: %+v", got[0].Matched)
		}

		if err := repo.ReplaceVerdicts(ctx, tenantID, jobID, first); err != nil {
			t.Fatalf("ReplaceVerdicts failed: %v", err)
		}
	})

	t.Run("ListVerdictsFiltered", func(t *testing.T) {
		got, total, err := repo.ListVerdicts(ctx, tenantID, jobID, domain.VerdictFilter{
			Status: domain.StatusNotValidated,
		})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 1 || len(got) != 1 {
			t.Fatalf("expected 1 not-validated verdict, got %d (total %d)", len(got), total)
		}
		if got[0].ClaimID != "CLM-001" {
			t.Errorf("expected CLM-001, got %s", got[0].ClaimID)
		}

		got, total, err = repo.ListVerdicts(ctx, tenantID, jobID, domain.VerdictFilter{
			ErrorType: string(domain.ErrorNone),
			Limit:     10,
		})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 1 || len(got) != 1 {
			t.Fatalf("expected 1 no_error verdict, got %d (total %d)", len(got), total)
		}
	})

	t.Run("ListVerdictsPaged", func(t *testing.T) {
		got, total, err := repo.ListVerdicts(ctx, tenantID, jobID, domain.VerdictFilter{
			Limit:  1,
			Offset: 1,
		})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 2 {
			t.Errorf("expected total 2 regardless of paging, got %d", total)
		}
		if len(got) != 1 {
			t.Errorf("expected 1 verdict on page, got %d", len(got))
		}
	})

	t.Run("GetVerdict", func(t *testing.T) {
		v, err := repo.GetVerdict(ctx, tenantID, jobID, "CLM-002")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.Status != domain.StatusValidated {
			t.Errorf("expected status Validated, got %s", v.Status)
		}
		if len(v.Matched) != 0 {
			t.Errorf("expected no matched rules, got %d", len(v.Matched))
		}

		_, err = repo.GetVerdict(ctx, tenantID, jobID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("JobMetricsUpsert", func(t *testing.T) {
		m := domain.NewJobMetrics(tenantID, jobID)
		m.Add(domain.ErrorTechnical, 320.50)
		m.Add(domain.ErrorNone, 75)

		if err := repo.SaveJobMetrics(ctx, tenantID, m); err != nil {
			t.Fatalf("SaveJobMetrics failed: %v", err)
		}

		// A second run replaces the row.
		m2 := domain.NewJobMetrics(tenantID, jobID)
		m2.Add(domain.ErrorBoth, 10)
		if err := repo.SaveJobMetrics(ctx, tenantID, m2); err != nil {
			t.Fatalf("SaveJobMetrics upsert failed: %v", err)
		}

		got, err := repo.GetJobMetrics(ctx, tenantID, jobID)
		if err != nil {
			t.Fatalf("GetJobMetrics failed: %v", err)
		}
		if len(got.ClaimsByErrorType) != 4 {
			t.Errorf("expected all four error-type buckets, got %d", len(got.ClaimsByErrorType))
		}
		if got.ClaimsByErrorType[domain.ErrorBoth] != 1 {
			t.Errorf("expected 1 claim in both bucket, got %d", got.ClaimsByErrorType[domain.ErrorBoth])
		}
		if got.ClaimsByErrorType[domain.ErrorTechnical] != 0 {
			t.Errorf("expected upsert to replace technical bucket, got %d", got.ClaimsByErrorType[domain.ErrorTechnical])
		}
		if got.PaidByErrorType[domain.ErrorBoth] != 10 {
			t.Errorf("expected paid 10 in both bucket, got %.2f", got.PaidByErrorType[domain.ErrorBoth])
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		claims, err := repo.ListClaims(ctx, otherTenant, jobID)
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(claims) != 0 {
			t.Errorf("expected no claims for other tenant, got %d", len(claims))
		}

		_, err = repo.GetJob(ctx, otherTenant, jobID)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}

		_, err = repo.GetJobMetrics(ctx, otherTenant, jobID)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveClaims(ctx, "", []*domain.Claim{{ClaimID: "x"}}); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.GetJob(ctx, "", jobID); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if err := repo.SaveRuleSet(ctx, "", &domain.RuleSet{Name: "n"}); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetJob(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetJobMetrics(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
