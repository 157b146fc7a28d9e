// Package rules provides the claim rule evaluation engine: payload
// parsing, condition compilation and the per-claim evaluator.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/opensource-rcm/kestrel/internal/domain"
)

// CompiledRule is a rule with its condition decoded and validated once at
// load time, so evaluation is a pure function with no error path.
type CompiledRule struct {
	Rule *domain.Rule
	cond compiledCondition
}

type compiledCondition struct {
	field string
	op    string

	// Operator-specific decoded values. Exactly one group is populated.
	strValue    string
	setValue    map[string]struct{}
	numValue    float64
	regex       *regexp.Regexp
	diagnosisBy map[string]string
	facilityMap map[string][]string
	pairs       [][2]string
	program     cel.Program

	and *compiledAnd

	// known is false for unrecognized operators: the rule stays loaded
	// but its condition is inert and always evaluates false.
	known bool
}

type compiledAnd struct {
	field    string
	op       string
	strValue string
	setValue map[string]struct{}
}

// Loader compiles rule payloads. It owns the CEL environment used by
// expression conditions.
type Loader struct {
	env *cel.Env
}

// NewLoader creates a rule loader.
func NewLoader() (*Loader, error) {
	env, err := newClaimEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Loader{env: env}, nil
}

// ParsePayload decodes a rule payload document. A document that is not
// valid JSON or lacks the rules key is a RuleParseError for the caller to
// skip.
func ParsePayload(data []byte) (*domain.RulePayload, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("rule payload is not valid JSON: %w", err)
	}
	if _, ok := probe["rules"]; !ok {
		return nil, fmt.Errorf("rule payload lacks required %q key", "rules")
	}
	var payload domain.RulePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("rule payload has malformed rules: %w", err)
	}
	return &payload, nil
}

// CompileSets parses and compiles every rule set of one kind,
// concatenating rules across sets. A malformed set is skipped with a
// warning; a rule that fails compilation (unknown field, bad regex, bad
// value shape) is dropped individually so it cannot silently misfire per
// claim.
func (l *Loader) CompileSets(sets []*domain.RuleSet) []*CompiledRule {
	var out []*CompiledRule
	for _, set := range sets {
		payload, err := ParsePayload([]byte(set.RulesJSON))
		if err != nil {
			slog.Warn("skipping malformed rule set",
				"tenant_id", set.TenantID,
				"name", set.Name,
				"kind", set.Kind,
				"error", err,
			)
			continue
		}
		for i := range payload.Rules {
			rule := payload.Rules[i]
			if rule.Kind == "" {
				rule.Kind = set.Kind
			}
			compiled, err := l.Compile(&rule)
			if err != nil {
				slog.Warn("dropping rule that failed compilation",
					"tenant_id", set.TenantID,
					"rule_id", rule.ID,
					"error", err,
				)
				continue
			}
			out = append(out, compiled)
		}
	}
	return out
}

// Compile validates and decodes one rule's condition. Unknown operators do
// not error: the rule compiles to an inert condition. Unknown field names
// and malformed operator values fail fast here instead of returning false
// claim by claim.
func (l *Loader) Compile(rule *domain.Rule) (*CompiledRule, error) {
	cond := rule.Condition
	cc := compiledCondition{field: cond.Field, op: cond.Op, known: true}

	// Operators that read the condition field directly require it to name
	// a canonical claim field.
	switch cond.Op {
	case domain.OpEquals, domain.OpIn, domain.OpContainsAny, domain.OpGreaterThan, domain.OpRegexNotMatch:
		if !domain.KnownField(cond.Field) {
			return nil, fmt.Errorf("rule %s: unknown field %q", rule.ID, cond.Field)
		}
	}

	var err error
	switch cond.Op {
	case domain.OpEquals:
		cc.strValue, err = decodeScalar(cond.Value)
	case domain.OpIn, domain.OpContainsAny:
		cc.setValue, err = decodeStringSet(cond.Value)
	case domain.OpGreaterThan:
		cc.numValue, err = decodeNumber(cond.Value)
	case domain.OpRegexNotMatch:
		cc.regex, err = decodeStartAnchoredRegex(cond.Value)
	case domain.OpRequiresDiagnosis:
		cc.diagnosisBy, err = decodeStringMap(cond.Value)
	case domain.OpNotInFacilityMap:
		cc.facilityMap, err = decodeFacilityMap(cond.Value)
	case domain.OpConflictingPairs:
		cc.pairs, err = decodePairs(cond.Value)
	case domain.OpExpression:
		cc.program, err = l.compileExpression(cond.Value)
	default:
		// Inert: evaluates false, never fails the load or the job.
		cc.known = false
	}
	if err != nil {
		return nil, fmt.Errorf("rule %s: operator %s: %w", rule.ID, cond.Op, err)
	}

	if cond.And != nil {
		and, err := compileAnd(rule.ID, cond.And)
		if err != nil {
			return nil, err
		}
		cc.and = and
	}

	return &CompiledRule{Rule: rule, cond: cc}, nil
}

func compileAnd(ruleID string, and *domain.AndCondition) (*compiledAnd, error) {
	if !domain.KnownField(and.Field) {
		return nil, fmt.Errorf("rule %s: nested condition: unknown field %q", ruleID, and.Field)
	}
	ca := &compiledAnd{field: and.Field, op: and.Op}
	var err error
	switch and.Op {
	case domain.OpEquals:
		ca.strValue, err = decodeScalar(and.Value)
	case domain.OpIn:
		ca.setValue, err = decodeStringSet(and.Value)
	default:
		return nil, fmt.Errorf("rule %s: nested condition supports only equals/in, got %q", ruleID, and.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("rule %s: nested condition: %w", ruleID, err)
	}
	return ca, nil
}

// FacilityRuleMap returns the type-to-allowed-services map carried by the
// first rule whose condition uses not_in_facility_map, or nil when no rule
// does (facility classification is then skipped and facility checks pass
// vacuously).
func FacilityRuleMap(compiled []*CompiledRule) map[string][]string {
	for _, r := range compiled {
		if r.cond.op == domain.OpNotInFacilityMap && r.cond.facilityMap != nil {
			return r.cond.facilityMap
		}
	}
	return nil
}

// decodeScalar accepts a JSON string, number or bool and returns its
// string form.
func decodeScalar(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytesReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	s, err := scalarString(v)
	if err != nil {
		return "", err
	}
	return s, nil
}

func decodeStringSet(raw json.RawMessage) (map[string]struct{}, error) {
	var items []any
	dec := json.NewDecoder(bytesReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("expected a list: %w", err)
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, err := scalarString(item)
		if err != nil {
			return nil, err
		}
		set[s] = struct{}{}
	}
	return set, nil
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var v any
	dec := json.NewDecoder(bytesReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// decodeStartAnchoredRegex compiles the pattern to match from the start of
// the value, mirroring prefix-match semantics regardless of whether the
// author wrote a leading anchor.
func decodeStartAnchoredRegex(raw json.RawMessage) (*regexp.Regexp, error) {
	var pattern string
	if err := json.Unmarshal(raw, &pattern); err != nil {
		return nil, fmt.Errorf("expected a pattern string: %w", err)
	}
	rx, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return rx, nil
}

func decodeStringMap(raw json.RawMessage) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("expected an object of code mappings: %w", err)
	}
	return m, nil
}

func decodeFacilityMap(raw json.RawMessage) (map[string][]string, error) {
	var m map[string][]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("expected an object of service-code lists: %w", err)
	}
	return m, nil
}

func decodePairs(raw json.RawMessage) ([][2]string, error) {
	var lists [][]string
	if err := json.Unmarshal(raw, &lists); err != nil {
		return nil, fmt.Errorf("expected a list of code pairs: %w", err)
	}
	pairs := make([][2]string, 0, len(lists))
	for i, l := range lists {
		if len(l) != 2 {
			return nil, fmt.Errorf("pair %d has %d elements, want 2", i, len(l))
		}
		pairs = append(pairs, [2]string{l[0], l[1]})
	}
	return pairs, nil
}

func bytesReader(raw json.RawMessage) *bytes.Reader {
	return bytes.NewReader(raw)
}

func scalarString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	}
}
