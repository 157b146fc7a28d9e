package rules

import (
	"sort"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

// CatchAllFacilityType is the generic fallback type a rule map may declare
// for facilities whose observed services fit no specific type.
const CatchAllFacilityType = "GENERAL_HOSPITAL"

// ClassifyFacilities infers, per facility id observed in the batch, the
// facility type that best explains the services billed there.
//
// For each facility the observed service-code set is compared against every
// declared type: a type qualifies when its allowed set is a superset of the
// observed set, and among qualifying types the smallest allowed set wins
// (most specific match). Size ties break lexicographically on type name so
// the result never depends on map iteration order. A facility with no
// qualifying type falls back to its own id as a literal map key, then to
// the catch-all type if declared, else stays unclassified (absent from the
// returned map).
//
// The map is computed once per job and frozen: all of a facility's claims
// are checked against the same inferred type even if some individual
// services would fit a different type. This is a batch-level heuristic.
func ClassifyFacilities(claims []*domain.Claim, ruleMap map[string][]string) map[string]string {
	if len(ruleMap) == 0 {
		return nil
	}

	observed := make(map[string]map[string]struct{})
	for _, c := range claims {
		if c.FacilityID == "" {
			continue
		}
		services := observed[c.FacilityID]
		if services == nil {
			services = make(map[string]struct{})
			observed[c.FacilityID] = services
		}
		if c.ServiceCode != "" {
			services[c.ServiceCode] = struct{}{}
		}
	}

	// Deterministic candidate order: lexicographic type names.
	typeNames := make([]string, 0, len(ruleMap))
	for name := range ruleMap {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	allowedSets := make(map[string]map[string]struct{}, len(ruleMap))
	for name, codes := range ruleMap {
		set := make(map[string]struct{}, len(codes))
		for _, code := range codes {
			set[code] = struct{}{}
		}
		allowedSets[name] = set
	}

	types := make(map[string]string, len(observed))
	for fid, services := range observed {
		if t := inferFacilityType(fid, services, typeNames, allowedSets); t != "" {
			types[fid] = t
		}
	}
	return types
}

func inferFacilityType(fid string, services map[string]struct{}, typeNames []string, allowedSets map[string]map[string]struct{}) string {
	candidate := ""
	candidateSize := 0
	if len(services) > 0 {
		for _, name := range typeNames {
			allowed := allowedSets[name]
			if !isSuperset(allowed, services) {
				continue
			}
			if candidate == "" || len(allowed) < candidateSize {
				candidate = name
				candidateSize = len(allowed)
			}
		}
	}
	if candidate != "" {
		return candidate
	}
	if _, ok := allowedSets[fid]; ok {
		return fid
	}
	if _, ok := allowedSets[CatchAllFacilityType]; ok {
		return CatchAllFacilityType
	}
	return ""
}

func isSuperset(allowed, services map[string]struct{}) bool {
	for s := range services {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// BuildEvaluationContext derives the shared per-job context from the job's
// claim batch and the medical rules' facility map.
func BuildEvaluationContext(claims []*domain.Claim, medical []*CompiledRule) *domain.EvaluationContext {
	ruleMap := FacilityRuleMap(medical)
	return &domain.EvaluationContext{
		FacilityTypes: ClassifyFacilities(claims, ruleMap),
		FacilityRules: ruleMap,
	}
}
