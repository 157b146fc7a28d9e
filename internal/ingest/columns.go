// Package ingest turns raw tabular claim files into canonical claims.
package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

// headerScanRows is how many leading rows are examined for a header.
const headerScanRows = 15

// headerMatchThreshold is the minimum alias hits for a row to qualify.
const headerMatchThreshold = 4

// fieldAliases maps each canonical field to the normalized header spellings
// seen in the wild. Matching happens after normalizeHeader, so aliases are
// lowercase alphanumeric only.
var fieldAliases = map[string][]string{
	domain.FieldClaimID:        {"claimid", "claim_id", "claimno", "claimnumber", "claimref"},
	domain.FieldEncounterType:  {"encountertype", "encounter_type", "encounter"},
	domain.FieldServiceDate:    {"servicedate", "dateofservice", "svcdate"},
	domain.FieldNationalID:     {"nationalid", "uid", "eid"},
	domain.FieldMemberID:       {"memberid", "member_id", "subscriberid"},
	domain.FieldFacilityID:     {"facilityid", "facility", "providerid"},
	domain.FieldUniqueID:       {"uniqueid", "transactionid", "claimuniqueid"},
	domain.FieldDiagnosisCodes: {"diagnosiscodes", "diagnosis", "icdcodes", "diagnosiscode"},
	domain.FieldServiceCode:    {"servicecode", "svc", "servicereference"},
	domain.FieldPaidAmount:     {"paidamountaed", "paidamount", "netpaid", "payaed"},
	domain.FieldApprovalNumber: {"approvalnumber", "authorization", "authno", "approvalno"},
}

// HeaderNotFoundError means no row in the scan window met the alias-match
// threshold. The whole file is rejected.
type HeaderNotFoundError struct {
	RowsScanned int
}

func (e *HeaderNotFoundError) Error() string {
	return fmt.Sprintf("could not locate header row in claims file (scanned %d rows); ensure the file contains standard column headings", e.RowsScanned)
}

// MissingColumnsError means the header was found but required canonical
// fields could not be resolved. Carries display labels, not field names.
type MissingColumnsError struct {
	Labels []string
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Labels, ", ")
}

// ColumnMap is the result of header detection: which column index carries
// each canonical field. ClaimIDColumn is -1 when the file has no claim id
// column and values must be synthesized from the row position.
type ColumnMap struct {
	HeaderRow int
	Columns   map[string]int
}

// HasClaimID reports whether the source file carries a claim id column.
func (m *ColumnMap) HasClaimID() bool {
	_, ok := m.Columns[domain.FieldClaimID]
	return ok
}

// normalizeHeader lowercases a cell and strips every non-alphanumeric rune.
func normalizeHeader(cell string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(cell) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MapColumns detects the header row in a raw grid and resolves each
// canonical field to a column index.
//
// Detection scans at most the first 15 rows and selects the first row where
// at least 4 normalized cells match any known alias. Resolution then binds
// each field to the first column whose normalized header is in that field's
// alias set. claim_id is the only field allowed to be absent; any other
// unresolved field rejects the file with MissingColumnsError naming every
// absent display label.
func MapColumns(grid [][]string) (*ColumnMap, error) {
	aliasSet := make(map[string]struct{})
	for _, variants := range fieldAliases {
		for _, v := range variants {
			aliasSet[v] = struct{}{}
		}
	}

	scan := len(grid)
	if scan > headerScanRows {
		scan = headerScanRows
	}

	headerRow := -1
	for i := 0; i < scan; i++ {
		matches := 0
		for _, cell := range grid[i] {
			if norm := normalizeHeader(cell); norm != "" {
				if _, ok := aliasSet[norm]; ok {
					matches++
				}
			}
		}
		if matches >= headerMatchThreshold {
			headerRow = i
			break
		}
	}
	if headerRow < 0 {
		return nil, &HeaderNotFoundError{RowsScanned: scan}
	}

	// First column wins when a header spelling repeats.
	headerIndex := make(map[string]int)
	for col, cell := range grid[headerRow] {
		norm := normalizeHeader(cell)
		if norm == "" {
			continue
		}
		if _, seen := headerIndex[norm]; !seen {
			headerIndex[norm] = col
		}
	}

	columns := make(map[string]int, len(fieldAliases))
	var missing []string
	for _, field := range domain.CanonicalFields() {
		resolved := false
		for _, variant := range fieldAliases[field] {
			if col, ok := headerIndex[variant]; ok {
				columns[field] = col
				resolved = true
				break
			}
		}
		if !resolved && field != domain.FieldClaimID {
			missing = append(missing, domain.FieldLabels[field])
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Labels: missing}
	}

	return &ColumnMap{HeaderRow: headerRow, Columns: columns}, nil
}

// Records projects the data rows below the header into field-keyed raw
// records. Fully empty rows are dropped. When the file carries no claim id
// column, the 1-based data row position is used instead.
func (m *ColumnMap) Records(grid [][]string) []map[string]string {
	var records []map[string]string
	position := 0
	for i := m.HeaderRow + 1; i < len(grid); i++ {
		row := grid[i]
		empty := true
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		position++

		rec := make(map[string]string, len(m.Columns)+1)
		for field, col := range m.Columns {
			if col < len(row) {
				rec[field] = row[col]
			}
		}
		if !m.HasClaimID() {
			rec[domain.FieldClaimID] = strconv.Itoa(position)
		}
		records = append(records, rec)
	}
	return records
}
