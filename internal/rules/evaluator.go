package rules

import (
	"strconv"
	"strings"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

// Outcome is one full evaluation pass over a claim. Every rule of both
// kinds is checked independently - no short-circuit on first match - so
// the matched list is complete for explanation purposes.
type Outcome struct {
	Status    string
	ErrorType domain.ErrorType
	Matched   []domain.MatchedRule
}

// Evaluate runs every technical and medical rule against one claim under
// the shared per-job context.
func Evaluate(claim *domain.Claim, technical, medical []*CompiledRule, ectx *domain.EvaluationContext) Outcome {
	var out Outcome
	techHit, medHit := false, false

	for _, r := range technical {
		if r.Matches(claim, ectx) {
			techHit = true
			out.Matched = append(out.Matched, matchedFrom(r.Rule, domain.RuleKindTechnical))
		}
	}
	for _, r := range medical {
		if r.Matches(claim, ectx) {
			medHit = true
			out.Matched = append(out.Matched, matchedFrom(r.Rule, domain.RuleKindMedical))
		}
	}

	out.ErrorType = domain.DeriveErrorType(techHit, medHit)
	if out.ErrorType == domain.ErrorNone {
		out.Status = domain.StatusValidated
	} else {
		out.Status = domain.StatusNotValidated
	}
	return out
}

func matchedFrom(rule *domain.Rule, kind domain.RuleKind) domain.MatchedRule {
	if rule.Kind != "" {
		kind = rule.Kind
	}
	return domain.MatchedRule{
		ID:             rule.ID,
		Kind:           kind,
		Description:    rule.Description,
		Recommendation: rule.Recommendation,
	}
}

// Matches evaluates the rule's condition against one claim. It is a pure
// function: bad data and unrecognized operators yield false, never an
// error.
func (r *CompiledRule) Matches(claim *domain.Claim, ectx *domain.EvaluationContext) bool {
	c := &r.cond
	if !c.known {
		return false
	}

	value, _ := claim.FieldValue(c.field)

	var result bool
	switch c.op {
	case domain.OpEquals:
		result = opEquals(value, c.strValue)
	case domain.OpIn:
		_, result = c.setValue[value]
	case domain.OpContainsAny:
		result = opContainsAny(value, c.setValue)
	case domain.OpGreaterThan:
		result = opGreaterThan(value, c.numValue)
	case domain.OpRegexNotMatch:
		result = !c.regex.MatchString(value)
	case domain.OpRequiresDiagnosis:
		result = opRequiresDiagnosis(claim, c.diagnosisBy)
	case domain.OpNotInFacilityMap:
		result = !facilityAllowsService(claim.FacilityID, claim.ServiceCode, c.facilityMap, ectx)
	case domain.OpConflictingPairs:
		result = opConflictingPairs(claim, c.pairs)
	case domain.OpExpression:
		result = evalExpression(c.program, claim)
	}

	if result && c.and != nil {
		result = c.and.matches(claim)
	}
	return result
}

func (a *compiledAnd) matches(claim *domain.Claim) bool {
	value, _ := claim.FieldValue(a.field)
	switch a.op {
	case domain.OpEquals:
		return opEquals(value, a.strValue)
	case domain.OpIn:
		_, ok := a.setValue[value]
		return ok
	}
	return false
}

// opEquals is case-insensitive to tolerate variations like INPATIENT vs
// Inpatient.
func opEquals(value, expected string) bool {
	return strings.EqualFold(value, expected)
}

// opContainsAny splits a canonical-separator-joined value and reports
// whether any part is in the option set.
func opContainsAny(value string, options map[string]struct{}) bool {
	for _, part := range strings.Split(value, domain.DiagnosisSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := options[part]; ok {
			return true
		}
	}
	return false
}

// opGreaterThan is strict: a value equal to the threshold does not match,
// and a non-numeric claim value never matches.
func opGreaterThan(value string, threshold float64) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	return v > threshold
}

// opRequiresDiagnosis fires when the claim's service code has a required
// diagnosis and that diagnosis is absent from the claim's diagnosis list.
func opRequiresDiagnosis(claim *domain.Claim, required map[string]string) bool {
	needed, ok := required[claim.ServiceCode]
	if !ok || needed == "" {
		return false
	}
	for _, code := range claim.DiagnosisList() {
		if code == needed {
			return false
		}
	}
	return true
}

// opConflictingPairs fires when the claim's diagnosis set contains both
// codes of any declared pair.
func opConflictingPairs(claim *domain.Claim, pairs [][2]string) bool {
	codes := claim.DiagnosisList()
	if len(codes) < 2 {
		return false
	}
	present := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		present[c] = struct{}{}
	}
	for _, pair := range pairs {
		if _, a := present[pair[0]]; a {
			if _, b := present[pair[1]]; b {
				return true
			}
		}
	}
	return false
}

// facilityAllowsService checks a facility+service combination against the
// facility classification. The type resolution falls through the same
// chain as classification: inferred type, then the facility id as a
// literal key, then the catch-all type. When nothing resolves the check
// passes (no violation) rather than failing closed. An empty service code
// is always allowed.
func facilityAllowsService(facilityID, serviceCode string, ruleMap map[string][]string, ectx *domain.EvaluationContext) bool {
	if serviceCode == "" {
		return true
	}

	var inferred string
	if ectx != nil {
		inferred = ectx.FacilityTypes[facilityID]
	}

	key := ""
	switch {
	case inferred != "" && hasKey(ruleMap, inferred):
		key = inferred
	case hasKey(ruleMap, facilityID):
		key = facilityID
	case hasKey(ruleMap, CatchAllFacilityType):
		key = CatchAllFacilityType
	default:
		return true
	}

	for _, allowed := range ruleMap[key] {
		if allowed == serviceCode {
			return true
		}
	}
	return false
}

func hasKey(m map[string][]string, key string) bool {
	_, ok := m[key]
	return ok
}
