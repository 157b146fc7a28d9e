package domain

import (
	"encoding/json"
	"time"
)

// RuleKind distinguishes structural/approval rules from clinical ones.
type RuleKind string

const (
	RuleKindTechnical RuleKind = "technical"
	RuleKindMedical   RuleKind = "medical"
)

// Condition operators. The set is closed: evaluating an unrecognized
// operator yields false so an unknown rule is inert rather than fatal.
const (
	OpEquals            = "equals"
	OpIn                = "in"
	OpContainsAny       = "contains_any"
	OpGreaterThan       = ">"
	OpRegexNotMatch     = "regex_not_match"
	OpRequiresDiagnosis = "requires_diagnosis"
	OpNotInFacilityMap  = "not_in_facility_map"
	OpConflictingPairs  = "contains_conflicting_pairs"

	// OpExpression evaluates a CEL predicate over the claim fields.
	// Compiled and type-checked at rule load, never at evaluation time.
	OpExpression = "expression"
)

// Rule is one evaluable check against a claim.
type Rule struct {
	ID          string   `json:"id"`
	Kind        RuleKind `json:"type"`
	Description string   `json:"description"`

	// Priority is advisory metadata only. Every rule is evaluated
	// independently, so ordering never changes the outcome.
	Priority int    `json:"priority,omitempty"`
	Severity string `json:"severity,omitempty"`

	Condition      Condition `json:"condition"`
	Recommendation string    `json:"recommendation,omitempty"`
}

// Condition is a tagged predicate: a primary {field, op, value} triple plus
// an optional nested AND triple. The nesting is deliberately one level deep
// and the nested operator is restricted to equals/in.
type Condition struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
	And   *AndCondition   `json:"and,omitempty"`
}

// AndCondition is the nested constraint of a composite condition.
type AndCondition struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// RulePayload is the wire contract honored by rule producers (JSON upload
// and the external PDF-extraction collaborator alike).
type RulePayload struct {
	Rules []Rule `json:"rules"`
}

// RuleSet is a named, tenant-scoped, kind-tagged collection of rules as
// stored. RulesJSON holds the raw payload; parsing happens at load time and
// a malformed payload skips the set rather than failing the job.
type RuleSet struct {
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Kind      RuleKind  `json:"kind"`
	RulesJSON string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
