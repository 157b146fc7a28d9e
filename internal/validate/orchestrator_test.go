package validate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-rcm/kestrel/internal/cache"
	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/opensource-rcm/kestrel/internal/repository"
	"github.com/opensource-rcm/kestrel/internal/rules"
)

const testTenant = "tenant-001"

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestOrchestrator(t *testing.T, repo domain.Repository) *Orchestrator {
	t.Helper()
	loader, err := rules.NewLoader()
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	return NewOrchestrator(repo, loader, nil)
}

func seedJob(t *testing.T, repo domain.Repository, jobID string, claims ...*domain.Claim) {
	t.Helper()
	ctx := context.Background()
	for _, c := range claims {
		c.TenantID = testTenant
		c.JobID = jobID
	}
	if err := repo.SaveClaims(ctx, testTenant, claims); err != nil {
		t.Fatalf("failed to save claims: %v", err)
	}
	if err := repo.CreateJob(ctx, testTenant, &domain.Job{
		TenantID: testTenant,
		JobID:    jobID,
		Status:   domain.JobPending,
	}); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
}

func seedRuleSet(t *testing.T, repo domain.Repository, name string, kind domain.RuleKind, rulesJSON string) {
	t.Helper()
	if err := repo.SaveRuleSet(context.Background(), testTenant, &domain.RuleSet{
		TenantID:  testTenant,
		Name:      name,
		Kind:      kind,
		RulesJSON: rulesJSON,
	}); err != nil {
		t.Fatalf("failed to save rule set: %v", err)
	}
}

const paidOver250 = `{"rules": [
	{"id": "T003", "type": "technical", "description": "Paid amount exceeds 250 AED",
	 "recommendation": "Review pricing",
	 "condition": {"field": "paid_amount_aed", "op": ">", "value": 250}}
]}`

func TestRunJob(t *testing.T) {
	ctx := context.Background()

	t.Run("EndToEnd", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1",
			&domain.Claim{ClaimID: "CLM-001", PaidAmount: 300},
			&domain.Claim{ClaimID: "CLM-002", PaidAmount: 80},
		)

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed: %v", err)
		}

		job, err := repo.GetJob(ctx, testTenant, "job-1")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status != domain.JobCompleted {
			t.Errorf("job status = %s, want %s", job.Status, domain.JobCompleted)
		}

		verdicts, total, err := repo.ListVerdicts(ctx, testTenant, "job-1", domain.VerdictFilter{})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 2 {
			t.Fatalf("expected 2 verdicts, got %d", total)
		}
		byID := make(map[string]*domain.Verdict)
		for _, v := range verdicts {
			byID[v.ClaimID] = v
		}
		if v := byID["CLM-001"]; v.ErrorType != domain.ErrorTechnical || v.Status != domain.StatusNotValidated {
			t.Errorf("CLM-001 verdict = %s/%s", v.Status, v.ErrorType)
		}
		if v := byID["CLM-002"]; v.ErrorType != domain.ErrorNone || v.Status != domain.StatusValidated {
			t.Errorf("CLM-002 verdict = %s/%s", v.Status, v.ErrorType)
		}
		if v := byID["CLM-001"]; v.Recommendation != "Review pricing" {
			t.Errorf("CLM-001 recommendation = %q", v.Recommendation)
		}

		metrics, err := repo.GetJobMetrics(ctx, testTenant, "job-1")
		if err != nil {
			t.Fatalf("GetJobMetrics failed: %v", err)
		}
		if len(metrics.ClaimsByErrorType) != 4 {
			t.Errorf("expected 4 buckets, got %d", len(metrics.ClaimsByErrorType))
		}
		if metrics.ClaimsByErrorType[domain.ErrorTechnical] != 1 {
			t.Errorf("technical count = %d, want 1", metrics.ClaimsByErrorType[domain.ErrorTechnical])
		}
		if metrics.PaidByErrorType[domain.ErrorTechnical] != 300 {
			t.Errorf("technical paid = %v, want 300", metrics.PaidByErrorType[domain.ErrorTechnical])
		}
		if metrics.ClaimsByErrorType[domain.ErrorNone] != 1 {
			t.Errorf("no_error count = %d, want 1", metrics.ClaimsByErrorType[domain.ErrorNone])
		}
	})

	t.Run("RerunReplacesVerdicts", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("first run failed: %v", err)
		}
		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("second run failed: %v", err)
		}

		_, total, err := repo.ListVerdicts(ctx, testTenant, "job-1", domain.VerdictFilter{})
		if err != nil {
			t.Fatalf("ListVerdicts failed: %v", err)
		}
		if total != 1 {
			t.Errorf("re-run should replace verdicts, got %d", total)
		}

		metrics, err := repo.GetJobMetrics(ctx, testTenant, "job-1")
		if err != nil {
			t.Fatalf("GetJobMetrics failed: %v", err)
		}
		if metrics.ClaimsByErrorType[domain.ErrorTechnical] != 1 {
			t.Errorf("metrics should not accumulate across runs, got %d",
				metrics.ClaimsByErrorType[domain.ErrorTechnical])
		}
	})

	t.Run("NoRulesValidatesEverything", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 10000})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed: %v", err)
		}
		v, err := repo.GetVerdict(ctx, testTenant, "job-1", "CLM-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.Status != domain.StatusValidated || v.ErrorType != domain.ErrorNone {
			t.Errorf("verdict = %s/%s, want clean", v.Status, v.ErrorType)
		}
	})

	t.Run("MissingJobIsNoOp", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		if err := o.RunJob(ctx, testTenant, "no-such-job"); err != nil {
			t.Fatalf("missing job should be silent, got %v", err)
		}
		if _, err := repo.GetJob(ctx, testTenant, "no-such-job"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("no job record should have been created, got %v", err)
		}
	})

	t.Run("DuplicateTriggerSkipped", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		key := testTenant + "/job-1"
		if !o.acquire(key) {
			t.Fatal("acquire failed on a fresh orchestrator")
		}
		defer o.release(key)

		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		// The job id is held, so this trigger must no-op without touching
		// the job record.
		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("duplicate trigger should be silent, got %v", err)
		}
		job, err := repo.GetJob(ctx, testTenant, "job-1")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status != domain.JobPending {
			t.Errorf("duplicate trigger must not run the job, status = %s", job.Status)
		}
	})

	t.Run("SameJobOtherTenantNotBlocked", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)

		if !o.acquire("tenant-a/job-1") {
			t.Fatal("acquire failed")
		}
		if !o.acquire("tenant-b/job-1") {
			t.Error("same job id under another tenant should not be blocked")
		}
	})

	t.Run("ManyClaimsOrdered", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)
		o.MaxWorkers = 4

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)

		var claims []*domain.Claim
		for i := 0; i < 50; i++ {
			claims = append(claims, &domain.Claim{
				ClaimID:    fmt.Sprintf("CLM-%03d", i),
				PaidAmount: float64(i * 10), // 24 claims land above 250
			})
		}
		seedJob(t, repo, "job-1", claims...)

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed: %v", err)
		}

		metrics, err := repo.GetJobMetrics(ctx, testTenant, "job-1")
		if err != nil {
			t.Fatalf("GetJobMetrics failed: %v", err)
		}
		total := 0
		for _, n := range metrics.ClaimsByErrorType {
			total += n
		}
		if total != 50 {
			t.Errorf("metrics cover %d claims, want 50", total)
		}
		if metrics.ClaimsByErrorType[domain.ErrorTechnical] != 24 {
			t.Errorf("technical count = %d, want 24", metrics.ClaimsByErrorType[domain.ErrorTechnical])
		}
	})
}

// failingExplainer always errors, standing in for a flaky external
// generator.
type failingExplainer struct{}

func (f *failingExplainer) Explain(context.Context, *domain.Claim, []domain.MatchedRule) (*domain.Explanation, error) {
	return nil, errors.New("generator unavailable")
}

// fixedExplainer returns the same text for every claim.
type fixedExplainer struct {
	explanation    string
	recommendation string
}

func (f *fixedExplainer) Explain(context.Context, *domain.Claim, []domain.MatchedRule) (*domain.Explanation, error) {
	return &domain.Explanation{Explanation: f.explanation, Recommendation: f.recommendation}, nil
}

func TestExplainerIntegration(t *testing.T) {
	ctx := context.Background()

	t.Run("FailureFallsBackToSynthesis", func(t *testing.T) {
		repo := newTestRepo(t)
		loader, err := rules.NewLoader()
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		o := NewOrchestrator(repo, loader, &failingExplainer{})

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed despite generator errors: %v", err)
		}
		v, err := repo.GetVerdict(ctx, testTenant, "job-1", "CLM-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.Explanation != "T003: Paid amount exceeds 250 AED" {
			t.Errorf("expected synthesized explanation, got %q", v.Explanation)
		}
	})

	t.Run("GeneratedTextOverridesPerField", func(t *testing.T) {
		repo := newTestRepo(t)
		loader, err := rules.NewLoader()
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		o := NewOrchestrator(repo, loader, &fixedExplainer{explanation: "Priced above the agreed tariff"})

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed: %v", err)
		}
		v, err := repo.GetVerdict(ctx, testTenant, "job-1", "CLM-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.Explanation != "Priced above the agreed tariff" {
			t.Errorf("expected generated explanation, got %q", v.Explanation)
		}
		// The generator returned no recommendation, so the synthesized one
		// stands.
		if v.Recommendation != "Review pricing" {
			t.Errorf("expected synthesized recommendation, got %q", v.Recommendation)
		}
	})
}

func TestRuleCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SecondRunHitsCache", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)
		o.Cache = cache.NewLRUCache(100)

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("first run failed: %v", err)
		}

		data, err := o.Cache.Get(ctx, testTenant, "rulesets:technical")
		if err != nil || data == nil {
			t.Fatalf("expected cached rule sets after a run, got %v / %v", data, err)
		}

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("second run failed: %v", err)
		}
		v, err := repo.GetVerdict(ctx, testTenant, "job-1", "CLM-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.ErrorType != domain.ErrorTechnical {
			t.Errorf("cached rules should evaluate identically, got %s", v.ErrorType)
		}
	})

	t.Run("InvalidateDropsBothKinds", func(t *testing.T) {
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)
		o.Cache = cache.NewLRUCache(100)

		for _, kind := range []domain.RuleKind{domain.RuleKindTechnical, domain.RuleKindMedical} {
			key := "rulesets:" + string(kind)
			if err := o.Cache.Set(ctx, testTenant, key, []byte("[]"), time.Minute); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}

		o.InvalidateRuleCache(ctx, testTenant)

		for _, kind := range []domain.RuleKind{domain.RuleKindTechnical, domain.RuleKindMedical} {
			data, err := o.Cache.Get(ctx, testTenant, "rulesets:"+string(kind))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if data != nil {
				t.Errorf("expected %s cache dropped", kind)
			}
		}
	})

	t.Run("StaleCacheBeatsStore", func(t *testing.T) {
		// The cache is authoritative until invalidated: a rule upload that
		// skips InvalidateRuleCache is not visible to the next run.
		repo := newTestRepo(t)
		o := newTestOrchestrator(t, repo)
		o.Cache = cache.NewLRUCache(100)

		stale, err := marshalRuleSets([]*domain.RuleSet{{
			TenantID:  testTenant,
			Name:      "technical",
			Kind:      domain.RuleKindTechnical,
			RulesJSON: `{"rules": []}`,
		}})
		if err != nil {
			t.Fatalf("marshalRuleSets failed: %v", err)
		}
		if err := o.Cache.Set(ctx, testTenant, "rulesets:technical", stale, time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
		seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

		if err := o.RunJob(ctx, testTenant, "job-1"); err != nil {
			t.Fatalf("RunJob failed: %v", err)
		}
		v, err := repo.GetVerdict(ctx, testTenant, "job-1", "CLM-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if v.ErrorType != domain.ErrorNone {
			t.Errorf("stale empty rule set should win, got %s", v.ErrorType)
		}
	})
}

func TestConcurrentRuns(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo)

	seedRuleSet(t, repo, "technical", domain.RuleKindTechnical, paidOver250)
	seedJob(t, repo, "job-1", &domain.Claim{ClaimID: "CLM-001", PaidAmount: 300})

	// Concurrent triggers for the same job: at most one runs, the rest
	// no-op, and nothing errors.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.RunJob(context.Background(), testTenant, "job-1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent trigger errored: %v", err)
		}
	}

	_, total, err := repo.ListVerdicts(context.Background(), testTenant, "job-1", domain.VerdictFilter{})
	if err != nil {
		t.Fatalf("ListVerdicts failed: %v", err)
	}
	if total != 1 {
		t.Errorf("expected exactly 1 verdict, got %d", total)
	}
}
