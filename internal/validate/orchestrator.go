// Package validate drives one validation job run to completion: rule
// loading, context building, per-claim evaluation and metrics aggregation.
package validate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/opensource-rcm/kestrel/internal/explain"
	"github.com/opensource-rcm/kestrel/internal/repository"
	"github.com/opensource-rcm/kestrel/internal/rules"
)

// Orchestrator runs validation jobs. One instance serves all tenants; a
// per-job-id lock guarantees the same job never validates concurrently
// with itself (a double-run would double-count metrics).
type Orchestrator struct {
	repo     domain.Repository
	loader   *rules.Loader
	explText domain.Explainer

	// Cache, when set, holds raw rule sets per tenant+kind so repeated
	// runs skip the store round trip. Invalidated on rule upload.
	Cache domain.Cache

	// Bus, when set, receives a TopicJobCompleted message after each run.
	Bus domain.EventBus

	// MaxWorkers bounds parallel claim evaluation within one job.
	MaxWorkers int

	mu      sync.Mutex
	running map[string]struct{}
}

// ruleCacheTTL bounds staleness of cached rule sets.
const ruleCacheTTL = 5 * time.Minute

// NewOrchestrator creates a job orchestrator.
func NewOrchestrator(repo domain.Repository, loader *rules.Loader, explainer domain.Explainer) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		loader:     loader,
		explText:   explainer,
		MaxWorkers: 8,
		running:    make(map[string]struct{}),
	}
}

// RunJob validates every claim in one job and persists verdicts and
// metrics. A missing job record and a concurrent duplicate trigger are
// both silent no-ops. The core never marks a job failed; that is a caller
// concern layered on top.
func (o *Orchestrator) RunJob(ctx context.Context, tenantID, jobID string) error {
	key := tenantID + "/" + jobID
	if !o.acquire(key) {
		slog.Info("job already running, skipping duplicate trigger",
			"tenant_id", tenantID,
			"job_id", jobID,
		)
		return nil
	}
	defer o.release(key)

	start := time.Now()

	if _, err := o.repo.GetJob(ctx, tenantID, jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			slog.Info("job not found, nothing to validate",
				"tenant_id", tenantID,
				"job_id", jobID,
			)
			return nil
		}
		return err
	}

	if err := o.repo.UpdateJobStatus(ctx, tenantID, jobID, domain.JobRunning); err != nil {
		return err
	}

	technical := o.loadRules(ctx, tenantID, domain.RuleKindTechnical)
	medical := o.loadRules(ctx, tenantID, domain.RuleKindMedical)

	claims, err := o.repo.ListClaims(ctx, tenantID, jobID)
	if err != nil {
		return err
	}

	ectx := rules.BuildEvaluationContext(claims, medical)

	verdicts := o.evaluateAll(ctx, claims, technical, medical, ectx)

	metrics := domain.NewJobMetrics(tenantID, jobID)
	for i, v := range verdicts {
		metrics.Add(v.ErrorType, claims[i].PaidAmount)
	}

	if err := o.repo.ReplaceVerdicts(ctx, tenantID, jobID, verdicts); err != nil {
		return err
	}
	if err := o.repo.SaveJobMetrics(ctx, tenantID, metrics); err != nil {
		return err
	}
	if err := o.repo.UpdateJobStatus(ctx, tenantID, jobID, domain.JobCompleted); err != nil {
		return err
	}

	if o.Bus != nil {
		payload, _ := json.Marshal(domain.JobRunMessage{TenantID: tenantID, JobID: jobID})
		if err := o.Bus.Publish(ctx, tenantID, domain.TopicJobCompleted, payload); err != nil {
			slog.Error("failed to publish job completion",
				"job_id", jobID,
				"error", err,
			)
		}
	}

	slog.Info("job validated",
		"tenant_id", tenantID,
		"job_id", jobID,
		"claims", len(claims),
		"technical_rules", len(technical),
		"medical_rules", len(medical),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// evaluateAll evaluates claims with bounded parallelism. Claims are
// independent of each other; results land by index so the output order is
// the claim order regardless of scheduling. Cancellation stops before the
// next claim, never mid-claim.
func (o *Orchestrator) evaluateAll(ctx context.Context, claims []*domain.Claim, technical, medical []*rules.CompiledRule, ectx *domain.EvaluationContext) []*domain.Verdict {
	verdicts := make([]*domain.Verdict, len(claims))

	workers := o.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, claim := range claims {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(idx int, c *domain.Claim) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			verdicts[idx] = o.evaluateClaim(ctx, c, technical, medical, ectx)
		}(i, claim)
	}
	wg.Wait()

	// Fill any slots skipped by cancellation so persistence stays total.
	for i, v := range verdicts {
		if v == nil {
			verdicts[i] = o.evaluateClaim(ctx, claims[i], technical, medical, ectx)
		}
	}
	return verdicts
}

func (o *Orchestrator) evaluateClaim(ctx context.Context, claim *domain.Claim, technical, medical []*rules.CompiledRule, ectx *domain.EvaluationContext) *domain.Verdict {
	outcome := rules.Evaluate(claim, technical, medical, ectx)

	text := explain.Synthesize(outcome.Matched)
	if o.explText != nil {
		if generated, err := o.explText.Explain(ctx, claim, outcome.Matched); err != nil {
			// Generator failures are swallowed; local text stands.
			slog.Debug("explanation generator failed",
				"claim_id", claim.ClaimID,
				"error", err,
			)
		} else if generated != nil {
			if generated.Explanation != "" {
				text.Explanation = generated.Explanation
			}
			if generated.Recommendation != "" {
				text.Recommendation = generated.Recommendation
			}
		}
	}

	return &domain.Verdict{
		TenantID:       claim.TenantID,
		JobID:          claim.JobID,
		ClaimID:        claim.ClaimID,
		Status:         outcome.Status,
		ErrorType:      outcome.ErrorType,
		Matched:        outcome.Matched,
		Explanation:    text.Explanation,
		Recommendation: text.Recommendation,
		EncounterType:  claim.EncounterType,
		ServiceDate:    claim.ServiceDate,
		ServiceCode:    claim.ServiceCode,
		PaidAmount:     claim.PaidAmount,
		FacilityID:     claim.FacilityID,
		DiagnosisCodes: claim.DiagnosisCodes,
		ApprovalNumber: claim.ApprovalNumber,
		CreatedAt:      time.Now().UTC(),
	}
}

// loadRules fetches and compiles all rule sets of one kind for a tenant,
// consulting the cache first. A missing or failing cache is transparent.
func (o *Orchestrator) loadRules(ctx context.Context, tenantID string, kind domain.RuleKind) []*rules.CompiledRule {
	cacheKey := "rulesets:" + string(kind)

	var sets []*domain.RuleSet
	if o.Cache != nil {
		if data, err := o.Cache.Get(ctx, tenantID, cacheKey); err == nil && data != nil {
			sets = unmarshalRuleSets(data)
		}
	}

	if sets == nil {
		var err error
		sets, err = o.repo.ListRuleSets(ctx, tenantID, kind)
		if err != nil {
			slog.Warn("failed to load rule sets, proceeding without",
				"tenant_id", tenantID,
				"kind", kind,
				"error", err,
			)
			return nil
		}
		if o.Cache != nil && len(sets) > 0 {
			if data, err := marshalRuleSets(sets); err == nil {
				_ = o.Cache.Set(ctx, tenantID, cacheKey, data, ruleCacheTTL)
			}
		}
	}

	return o.loader.CompileSets(sets)
}

// InvalidateRuleCache drops cached rule sets for a tenant, called after a
// rule upload so the next run sees the new payload.
func (o *Orchestrator) InvalidateRuleCache(ctx context.Context, tenantID string) {
	if o.Cache == nil {
		return
	}
	for _, kind := range []domain.RuleKind{domain.RuleKindTechnical, domain.RuleKindMedical} {
		_ = o.Cache.Delete(ctx, tenantID, "rulesets:"+string(kind))
	}
}

// cachedRuleSet carries the raw payload that RuleSet's own JSON form omits.
type cachedRuleSet struct {
	TenantID  string          `json:"tenantId"`
	Name      string          `json:"name"`
	Kind      domain.RuleKind `json:"kind"`
	RulesJSON string          `json:"rulesJson"`
}

func marshalRuleSets(sets []*domain.RuleSet) ([]byte, error) {
	out := make([]cachedRuleSet, len(sets))
	for i, s := range sets {
		out[i] = cachedRuleSet{TenantID: s.TenantID, Name: s.Name, Kind: s.Kind, RulesJSON: s.RulesJSON}
	}
	return json.Marshal(out)
}

func unmarshalRuleSets(data []byte) []*domain.RuleSet {
	var in []cachedRuleSet
	if err := json.Unmarshal(data, &in); err != nil || len(in) == 0 {
		return nil
	}
	sets := make([]*domain.RuleSet, len(in))
	for i, c := range in {
		sets[i] = &domain.RuleSet{TenantID: c.TenantID, Name: c.Name, Kind: c.Kind, RulesJSON: c.RulesJSON}
	}
	return sets
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[key]; busy {
		return false
	}
	o.running[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, key)
}
