// Package recon reconciles claimed purchase-invoice ITC against
// counterparty-reported GSTR-2B records.
package recon

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the outcome of matching one purchase invoice against the
// candidate index. The set is closed; every consumer switches exhaustively.
type MatchStatus string

const (
	StatusMatched          MatchStatus = "MATCHED"
	StatusPartiallyMatched MatchStatus = "PARTIALLY_MATCHED"
	StatusUnmatched        MatchStatus = "UNMATCHED"
	StatusPending          MatchStatus = "PENDING"
)

// SourceStatus describes the completeness of the external GSTR-2B sync
// for one counterparty GSTIN.
type SourceStatus string

const (
	SourceComplete SourceStatus = "COMPLETE"
	SourcePartial  SourceStatus = "PARTIAL"
	SourceAbsent   SourceStatus = "ABSENT"
)

// RunState tracks a reconciliation run through its lifecycle.
type RunState string

const (
	RunPending       RunState = "PENDING"
	RunBuildingIndex RunState = "BUILDING_INDEX"
	RunMatching      RunState = "MATCHING"
	RunAggregated    RunState = "AGGREGATED"
	RunCompleted     RunState = "COMPLETED"
	RunFailed        RunState = "FAILED"
	RunCancelled     RunState = "CANCELLED"
)

var (
	// ErrRunCancelled is returned when a run is cancelled before
	// aggregation; no partial summary is published.
	ErrRunCancelled = errors.New("reconciliation run cancelled")
	// ErrRunInProgress indicates another run for the same period holds
	// the run lock.
	ErrRunInProgress = errors.New("reconciliation run already in progress for period")
	// ErrRunNotFound indicates an unknown run id.
	ErrRunNotFound = errors.New("reconciliation run not found")
	// ErrDuplicateRun indicates a run id collision on insert.
	ErrDuplicateRun = errors.New("reconciliation run already exists")
)

// GSTR2BRecord is a read-only snapshot of a counterparty-reported supply
// for a period. The engine never mutates it.
type GSTR2BRecord struct {
	ID            string          `json:"id"`
	GSTIN         string          `json:"gstin"`
	InvoiceNumber string          `json:"invoice_number"`
	InvoiceDate   time.Time       `json:"invoice_date"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	SourcePeriod  string          `json:"source_period"`
}

// ITCMatchRecord is the per-invoice outcome of a reconciliation run.
// Records are keyed by invoice id and overwritten on re-runs.
type ITCMatchRecord struct {
	InvoiceID         string          `json:"invoice_id"`
	ClaimantGSTIN     string          `json:"claimant_gstin"`
	MatchedRecordID   *string         `json:"matched_record_id,omitempty"`
	Status            MatchStatus     `json:"status"`
	DiscrepancyAmount decimal.Decimal `json:"discrepancy_amount"`
	MatchedAt         time.Time       `json:"matched_at"`
}

// ReconciliationSummary aggregates one completed run. Immutable once
// generated; superseded by the next run's summary.
type ReconciliationSummary struct {
	RunID           string          `json:"run_id"`
	Period          string          `json:"period"`
	TotalITC        decimal.Decimal `json:"total_itc"`
	MatchedITC      decimal.Decimal `json:"matched_itc"`
	PartialITC      decimal.Decimal `json:"partial_itc"`
	UnmatchedITC    decimal.Decimal `json:"unmatched_itc"`
	PendingITC      decimal.Decimal `json:"pending_itc"`
	UnclaimedITC    decimal.Decimal `json:"unclaimed_itc"`
	MatchPercentage decimal.Decimal `json:"match_percentage"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// DataError reports a record excluded from the run: invalid GSTIN,
// unparsable GSTR-2B data. The run continues without it.
type DataError struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

func (e DataError) Error() string {
	return fmt.Sprintf("record %s: %s: %s", e.RecordID, e.Field, e.Reason)
}

// Run is the persisted lifecycle row for one reconciliation run.
type Run struct {
	ID        string    `json:"id"`
	Period    string    `json:"period"`
	State     RunState  `json:"state"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunResult is everything a completed run produced.
type RunResult struct {
	RunID      string                 `json:"run_id"`
	Period     string                 `json:"period"`
	State      RunState               `json:"state"`
	Summary    *ReconciliationSummary `json:"summary,omitempty"`
	Matches    []ITCMatchRecord       `json:"matches"`
	DataErrors []DataError            `json:"data_errors,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
	// Unclaimed lists GSTR-2B records no purchase invoice claimed:
	// available ITC, not an invoice-side failure.
	Unclaimed []GSTR2BRecord `json:"unclaimed,omitempty"`
}
