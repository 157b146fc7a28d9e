package rules

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-rcm/kestrel/internal/domain"
)

// newClaimEnv builds the CEL environment for expression conditions. Every
// canonical claim field is a declared variable, so an expression touching
// an unknown field fails compilation at rule load.
func newClaimEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(domain.FieldClaimID, cel.StringType),
		cel.Variable(domain.FieldEncounterType, cel.StringType),
		cel.Variable(domain.FieldServiceDate, cel.StringType),
		cel.Variable(domain.FieldNationalID, cel.StringType),
		cel.Variable(domain.FieldMemberID, cel.StringType),
		cel.Variable(domain.FieldFacilityID, cel.StringType),
		cel.Variable(domain.FieldUniqueID, cel.StringType),
		cel.Variable(domain.FieldServiceCode, cel.StringType),
		cel.Variable(domain.FieldDiagnosisCodes, cel.StringType),
		cel.Variable(domain.FieldApprovalNumber, cel.StringType),
		cel.Variable(domain.FieldPaidAmount, cel.DoubleType),
		// The diagnosis codes split on the canonical separator, for
		// membership tests without string gymnastics.
		cel.Variable("diagnosis_list", cel.ListType(cel.StringType)),
	)
}

// compileExpression compiles an expression condition's value. The
// expression must produce a bool: a rule either fires or it does not.
func (l *Loader) compileExpression(raw json.RawMessage) (cel.Program, error) {
	var expr string
	if err := json.Unmarshal(raw, &expr); err != nil {
		return nil, fmt.Errorf("expected an expression string: %w", err)
	}

	ast, issues := l.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return l.env.Program(ast)
}

// evalExpression runs a compiled expression against one claim. Runtime
// errors make the rule inert for that claim, matching the unknown-operator
// posture.
func evalExpression(program cel.Program, claim *domain.Claim) bool {
	if program == nil {
		return false
	}
	out, _, err := program.Eval(claimActivation(claim))
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}

func claimActivation(claim *domain.Claim) map[string]any {
	return map[string]any{
		domain.FieldClaimID:        claim.ClaimID,
		domain.FieldEncounterType:  claim.EncounterType,
		domain.FieldServiceDate:    claim.ServiceDate,
		domain.FieldNationalID:     claim.NationalID,
		domain.FieldMemberID:       claim.MemberID,
		domain.FieldFacilityID:     claim.FacilityID,
		domain.FieldUniqueID:       claim.UniqueID,
		domain.FieldServiceCode:    claim.ServiceCode,
		domain.FieldDiagnosisCodes: claim.DiagnosisCodes,
		domain.FieldApprovalNumber: claim.ApprovalNumber,
		domain.FieldPaidAmount:     claim.PaidAmount,
		"diagnosis_list":           claim.DiagnosisList(),
	}
}
