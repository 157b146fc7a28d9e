package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

// diagnosisSplit matches any run of the separators accepted in raw
// diagnosis-code cells when no canonical separator is present.
var diagnosisSplit = regexp.MustCompile(`[\n,;|]+`)

// dateLayouts are tried in order by NormalizeDate. Ambiguous numeric dates
// read month/day/year: day-first parsing is deliberately not attempted.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"01/02/2006 15:04",
	"20060102",
}

// NormalizeRow projects one raw field-keyed record into a canonical claim.
// Every field recovers locally from bad input; only column detection can
// reject a batch. Applying it to an already-normalized record is a no-op.
func NormalizeRow(tenantID, jobID string, raw map[string]string) *domain.Claim {
	c := &domain.Claim{
		TenantID:       tenantID,
		JobID:          jobID,
		ClaimID:        strings.TrimSpace(raw[domain.FieldClaimID]),
		EncounterType:  strings.TrimSpace(raw[domain.FieldEncounterType]),
		ServiceDate:    NormalizeDate(raw[domain.FieldServiceDate]),
		NationalID:     strings.ToUpper(strings.TrimSpace(raw[domain.FieldNationalID])),
		MemberID:       strings.ToUpper(strings.TrimSpace(raw[domain.FieldMemberID])),
		FacilityID:     strings.ToUpper(strings.TrimSpace(raw[domain.FieldFacilityID])),
		UniqueID:       strings.ToUpper(strings.TrimSpace(raw[domain.FieldUniqueID])),
		DiagnosisCodes: NormalizeDiagnosisCodes(raw[domain.FieldDiagnosisCodes]),
		ServiceCode:    strings.ToUpper(strings.TrimSpace(raw[domain.FieldServiceCode])),
		PaidAmount:     NormalizeAmount(raw[domain.FieldPaidAmount]),
		ApprovalNumber: strings.TrimSpace(raw[domain.FieldApprovalNumber]),
	}
	return c
}

// NormalizeDate parses a permissive set of layouts and reformats to
// YYYY-MM-DD. Unparseable values are kept verbatim (trimmed), never failed.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}

// NormalizeDiagnosisCodes splits a raw multi-value cell and re-joins it
// with the canonical separator. A value already carrying the canonical
// separator is split on it alone; otherwise any run of newline, comma,
// semicolon or pipe separates codes. Empty fragments are discarded, so the
// result round-trips: splitting it on the separator reproduces the trimmed
// code list exactly.
func NormalizeDiagnosisCodes(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var parts []string
	if strings.Contains(raw, domain.DiagnosisSeparator) {
		parts = strings.Split(raw, domain.DiagnosisSeparator)
	} else {
		parts = diagnosisSplit.Split(raw, -1)
	}
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, domain.DiagnosisSeparator)
}

// NormalizeAmount coerces a raw paid amount to a non-negative decimal.
// Thousands separators are tolerated; unparsable or negative values
// default to 0.
func NormalizeAmount(raw string) float64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
