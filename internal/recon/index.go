package recon

import (
	"sort"
	"strings"

	"github.com/gstforge/gstforge/internal/gstin"
)

type candidateKey struct {
	gstin         string
	invoiceNumber string
}

// CandidateIndex is a read-only lookup from (GSTIN, invoice number) to the
// GSTR-2B candidates for a period. It is built once per run before the
// matching phase and never mutated afterwards, so concurrent lookups need
// no locking.
type CandidateIndex struct {
	byKey map[candidateKey][]GSTR2BRecord
	count int
}

// NormalizeInvoiceNumber upper-cases, trims, and strips leading zeros so
// "INV-001" and "inv-001 " key identically and "00042" matches "42".
func NormalizeInvoiceNumber(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}

// BuildIndex validates and indexes GSTR-2B records. Records with an
// invalid GSTIN, a non-positive tax amount, or a missing invoice date or
// number are routed to the DataError list rather than silently skipped.
func BuildIndex(records []GSTR2BRecord, v *gstin.Validator) (*CandidateIndex, []DataError) {
	ix := &CandidateIndex{byKey: make(map[candidateKey][]GSTR2BRecord)}
	var dataErrs []DataError

	for _, rec := range records {
		if err := v.Validate(rec.GSTIN); err != nil {
			dataErrs = append(dataErrs, DataError{RecordID: rec.ID, Field: "gstin", Reason: err.Error()})
			continue
		}
		number := NormalizeInvoiceNumber(rec.InvoiceNumber)
		if number == "" {
			dataErrs = append(dataErrs, DataError{RecordID: rec.ID, Field: "invoice_number", Reason: "empty invoice number"})
			continue
		}
		if rec.InvoiceDate.IsZero() {
			dataErrs = append(dataErrs, DataError{RecordID: rec.ID, Field: "invoice_date", Reason: "missing invoice date"})
			continue
		}
		if !rec.TaxAmount.IsPositive() {
			dataErrs = append(dataErrs, DataError{RecordID: rec.ID, Field: "tax_amount", Reason: "tax amount must be positive"})
			continue
		}
		key := candidateKey{gstin: gstin.Normalize(rec.GSTIN), invoiceNumber: number}
		ix.byKey[key] = append(ix.byKey[key], rec)
		ix.count++
	}

	// Candidates are kept in deterministic order: by date, then id.
	// Duplicates per key are legitimate (credit-note-adjusted re-reports).
	for key := range ix.byKey {
		cands := ix.byKey[key]
		sort.Slice(cands, func(i, j int) bool {
			if !cands[i].InvoiceDate.Equal(cands[j].InvoiceDate) {
				return cands[i].InvoiceDate.Before(cands[j].InvoiceDate)
			}
			return cands[i].ID < cands[j].ID
		})
	}
	return ix, dataErrs
}

// Lookup returns the candidates for a GSTIN and invoice number, applying
// the same normalization used at build time. The returned slice must not
// be mutated.
func (ix *CandidateIndex) Lookup(gstinStr, invoiceNumber string) []GSTR2BRecord {
	return ix.byKey[candidateKey{
		gstin:         gstin.Normalize(gstinStr),
		invoiceNumber: NormalizeInvoiceNumber(invoiceNumber),
	}]
}

// Len reports how many records were indexed.
func (ix *CandidateIndex) Len() int { return ix.count }

// UnclaimedBy returns the indexed records whose key appears in none of
// the claimed keys, sorted deterministically. The orchestrator calls this
// after matching to surface unclaimed ITC.
func (ix *CandidateIndex) UnclaimedBy(claimed map[candidateKey]struct{}) []GSTR2BRecord {
	var out []GSTR2BRecord
	for key, cands := range ix.byKey {
		if _, ok := claimed[key]; ok {
			continue
		}
		out = append(out, cands...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GSTIN != out[j].GSTIN {
			return out[i].GSTIN < out[j].GSTIN
		}
		if out[i].InvoiceNumber != out[j].InvoiceNumber {
			return out[i].InvoiceNumber < out[j].InvoiceNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}
