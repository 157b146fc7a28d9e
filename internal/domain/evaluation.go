package domain

import "time"

// ErrorType buckets a claim by which rule kinds matched.
type ErrorType string

const (
	ErrorNone      ErrorType = "no_error"
	ErrorTechnical ErrorType = "technical_error"
	ErrorMedical   ErrorType = "medical_error"
	ErrorBoth      ErrorType = "both"
)

// ErrorTypes returns the four buckets in their canonical order.
// Metrics always carry all four keys, even when zero.
func ErrorTypes() []ErrorType {
	return []ErrorType{ErrorNone, ErrorTechnical, ErrorMedical, ErrorBoth}
}

// DeriveErrorType maps the matched-rule kinds to an error type.
func DeriveErrorType(techHit, medHit bool) ErrorType {
	switch {
	case techHit && medHit:
		return ErrorBoth
	case techHit:
		return ErrorTechnical
	case medHit:
		return ErrorMedical
	default:
		return ErrorNone
	}
}

// Claim validation statuses.
const (
	StatusValidated    = "Validated"
	StatusNotValidated = "Not Validated"
)

// MatchedRule records one rule firing against one claim.
type MatchedRule struct {
	ID             string   `json:"id"`
	Kind           RuleKind `json:"type"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Verdict is the per-claim validation outcome. It denormalizes a subset of
// the claim for listing and export without a join.
type Verdict struct {
	TenantID  string        `json:"tenantId"`
	JobID     string        `json:"jobId"`
	ClaimID   string        `json:"claim_id"`
	Status    string        `json:"status"`
	ErrorType ErrorType     `json:"error_type"`
	Matched   []MatchedRule `json:"matched_rules,omitempty"`

	Explanation    string `json:"explanation"`
	Recommendation string `json:"recommended_action"`

	EncounterType  string  `json:"encounter_type,omitempty"`
	ServiceDate    string  `json:"service_date,omitempty"`
	ServiceCode    string  `json:"service_code,omitempty"`
	PaidAmount     float64 `json:"paid_amount_aed"`
	FacilityID     string  `json:"facility_id,omitempty"`
	DiagnosisCodes string  `json:"diagnosis_codes,omitempty"`
	ApprovalNumber string  `json:"approval_number,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EvaluationContext is per-job derived data shared by every rule
// evaluation in one run. It is rebuilt from that job's own claim batch plus
// the active medical rule set, then frozen for the duration of the run.
type EvaluationContext struct {
	// FacilityTypes maps facility id to its inferred type.
	// Absent key means the facility is unclassified.
	FacilityTypes map[string]string

	// FacilityRules maps a facility type (or a literal facility id) to the
	// service codes permitted there.
	FacilityRules map[string][]string
}

// JobMetrics aggregates one job run: claim counts and paid-amount sums
// bucketed by error type.
type JobMetrics struct {
	TenantID string `json:"tenantId"`
	JobID    string `json:"jobId"`

	ClaimsByErrorType map[ErrorType]int     `json:"claims_by_error_type"`
	PaidByErrorType   map[ErrorType]float64 `json:"paid_amount_by_error_type"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewJobMetrics returns metrics with every bucket present and zeroed.
func NewJobMetrics(tenantID, jobID string) *JobMetrics {
	m := &JobMetrics{
		TenantID:          tenantID,
		JobID:             jobID,
		ClaimsByErrorType: make(map[ErrorType]int, 4),
		PaidByErrorType:   make(map[ErrorType]float64, 4),
	}
	for _, et := range ErrorTypes() {
		m.ClaimsByErrorType[et] = 0
		m.PaidByErrorType[et] = 0
	}
	return m
}

// Add records one claim in its bucket.
func (m *JobMetrics) Add(et ErrorType, paid float64) {
	m.ClaimsByErrorType[et]++
	m.PaidByErrorType[et] += paid
}
