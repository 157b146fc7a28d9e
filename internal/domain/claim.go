// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Canonical claim field names recognized by rule conditions.
const (
	FieldClaimID        = "claim_id"
	FieldEncounterType  = "encounter_type"
	FieldServiceDate    = "service_date"
	FieldNationalID     = "national_id"
	FieldMemberID       = "member_id"
	FieldFacilityID     = "facility_id"
	FieldUniqueID       = "unique_id"
	FieldDiagnosisCodes = "diagnosis_codes"
	FieldServiceCode    = "service_code"
	FieldPaidAmount     = "paid_amount_aed"
	FieldApprovalNumber = "approval_number"
)

// DiagnosisSeparator joins normalized diagnosis codes. Backtick is not a
// legal character in ICD-style codes, so joined values split back losslessly.
const DiagnosisSeparator = "`"

// CanonicalFields lists every recognized field in display order.
func CanonicalFields() []string {
	return []string{
		FieldClaimID,
		FieldEncounterType,
		FieldServiceDate,
		FieldNationalID,
		FieldMemberID,
		FieldFacilityID,
		FieldUniqueID,
		FieldDiagnosisCodes,
		FieldServiceCode,
		FieldPaidAmount,
		FieldApprovalNumber,
	}
}

// FieldLabels maps canonical field names to user-facing display labels.
var FieldLabels = map[string]string{
	FieldClaimID:        "Claim ID",
	FieldEncounterType:  "Encounter Type",
	FieldServiceDate:    "Service Date",
	FieldNationalID:     "National ID",
	FieldMemberID:       "Member ID",
	FieldFacilityID:     "Facility ID",
	FieldUniqueID:       "Unique ID",
	FieldDiagnosisCodes: "Diagnosis Codes",
	FieldServiceCode:    "Service Code",
	FieldPaidAmount:     "Paid Amount (AED)",
	FieldApprovalNumber: "Approval Number",
}

// KnownField reports whether name is a canonical claim field.
func KnownField(name string) bool {
	_, ok := FieldLabels[name]
	return ok
}

// Claim is one insurance claim line after normalization.
// Identifier fields are stored uppercase; diagnosis codes are joined with
// DiagnosisSeparator. Claims are immutable after ingestion - validation
// produces Verdict rows, it never mutates the source claim.
type Claim struct {
	TenantID       string  `json:"tenantId"`
	JobID          string  `json:"jobId"`
	ClaimID        string  `json:"claim_id"`
	EncounterType  string  `json:"encounter_type"`
	ServiceDate    string  `json:"service_date"` // YYYY-MM-DD when parseable
	NationalID     string  `json:"national_id"`
	MemberID       string  `json:"member_id"`
	FacilityID     string  `json:"facility_id"`
	UniqueID       string  `json:"unique_id"`
	DiagnosisCodes string  `json:"diagnosis_codes"`
	ServiceCode    string  `json:"service_code"`
	PaidAmount     float64 `json:"paid_amount_aed"`
	ApprovalNumber string  `json:"approval_number"`

	CreatedAt time.Time `json:"createdAt"`
}

// FieldValue returns the string form of a canonical field.
// The second return is false for unknown field names.
func (c *Claim) FieldValue(field string) (string, bool) {
	switch field {
	case FieldClaimID:
		return c.ClaimID, true
	case FieldEncounterType:
		return c.EncounterType, true
	case FieldServiceDate:
		return c.ServiceDate, true
	case FieldNationalID:
		return c.NationalID, true
	case FieldMemberID:
		return c.MemberID, true
	case FieldFacilityID:
		return c.FacilityID, true
	case FieldUniqueID:
		return c.UniqueID, true
	case FieldDiagnosisCodes:
		return c.DiagnosisCodes, true
	case FieldServiceCode:
		return c.ServiceCode, true
	case FieldPaidAmount:
		return strconv.FormatFloat(c.PaidAmount, 'f', -1, 64), true
	case FieldApprovalNumber:
		return c.ApprovalNumber, true
	default:
		return "", false
	}
}

// DiagnosisList splits the joined diagnosis codes into individual codes.
func (c *Claim) DiagnosisList() []string {
	if c.DiagnosisCodes == "" {
		return nil
	}
	parts := strings.Split(c.DiagnosisCodes, DiagnosisSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
