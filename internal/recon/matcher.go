package recon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/tax"
)

// MatchConfig holds the matching rule thresholds. Statutory GSTR-2B
// matching rules change, so neither value is hard-coded anywhere else.
type MatchConfig struct {
	// Tolerance is the relative amount tolerance for a full match.
	Tolerance decimal.Decimal
	// DateGraceDays is how far apart invoice dates may be and still be
	// considered date-compatible.
	DateGraceDays int
}

// DefaultMatchConfig returns the default 5% tolerance and 2-day grace.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Tolerance:     decimal.RequireFromString("0.05"),
		DateGraceDays: 2,
	}
}

// Matcher resolves one purchase invoice to an ITCMatchRecord. It is a
// pure function of its inputs, which is what makes run output
// deterministic under any sharding.
type Matcher struct {
	index  *CandidateIndex
	cfg    MatchConfig
	source map[string]SourceStatus
	now    time.Time
}

// NewMatcher builds a matcher over an immutable candidate index. source
// maps normalized counterparty GSTINs to their sync completeness; now is
// the run timestamp stamped on every record.
func NewMatcher(index *CandidateIndex, cfg MatchConfig, source map[string]SourceStatus, now time.Time) *Matcher {
	return &Matcher{index: index, cfg: cfg, source: source, now: now}
}

// Match applies the decision cascade, first applicable rule wins:
//
//  1. no candidate for the (GSTIN, invoice number) key: Unmatched with
//     the full tax amount as discrepancy, or Pending when the
//     counterparty feed is partial/absent;
//  2. a candidate within the date grace window and the relative amount
//     tolerance: Matched, discrepancy zero;
//  3. candidates exist but all fail: PartiallyMatched against the best
//     candidate, with a signed discrepancy.
//
// Ties break on smallest absolute discrepancy, then earliest candidate
// date, then record id.
func (m *Matcher) Match(inv tax.Invoice) ITCMatchRecord {
	rec := ITCMatchRecord{
		InvoiceID:     inv.ID,
		ClaimantGSTIN: gstin.Normalize(inv.BuyerGSTIN),
		MatchedAt:     m.now,
	}
	totalTax := inv.TotalTax()

	cands := m.index.Lookup(inv.SupplierGSTIN, inv.InvoiceNumber)
	if len(cands) == 0 {
		switch m.source[gstin.Normalize(inv.SupplierGSTIN)] {
		case SourcePartial, SourceAbsent:
			rec.Status = StatusPending
			rec.DiscrepancyAmount = decimal.Zero
		default:
			rec.Status = StatusUnmatched
			rec.DiscrepancyAmount = totalTax
		}
		return rec
	}

	best := -1
	bestQualified := false
	var bestAbs decimal.Decimal
	for i, cand := range cands {
		disc := totalTax.Sub(cand.TaxAmount)
		abs := disc.Abs()
		qualified := m.withinTolerance(totalTax, abs) && m.withinGrace(inv.InvoiceDate, cand.InvoiceDate)
		switch {
		case best == -1,
			qualified && !bestQualified,
			qualified == bestQualified && abs.LessThan(bestAbs),
			qualified == bestQualified && abs.Equal(bestAbs) && cand.InvoiceDate.Before(cands[best].InvoiceDate):
			best = i
			bestQualified = qualified
			bestAbs = abs
		}
	}

	chosen := cands[best]
	rec.MatchedRecordID = &chosen.ID
	if bestQualified {
		rec.Status = StatusMatched
		rec.DiscrepancyAmount = decimal.Zero
	} else {
		rec.Status = StatusPartiallyMatched
		rec.DiscrepancyAmount = totalTax.Sub(chosen.TaxAmount)
	}
	return rec
}

// withinTolerance reports |disc| / totalTax <= tolerance, compared
// without division. A zero-tax invoice only matches a zero discrepancy.
func (m *Matcher) withinTolerance(totalTax, absDisc decimal.Decimal) bool {
	if totalTax.IsZero() {
		return absDisc.IsZero()
	}
	return absDisc.LessThanOrEqual(totalTax.Mul(m.cfg.Tolerance))
}

func (m *Matcher) withinGrace(a, b time.Time) bool {
	return daysApart(a, b) <= m.cfg.DateGraceDays
}

// daysApart compares calendar dates, ignoring time of day and zone.
func daysApart(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(au.Sub(bu).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}
