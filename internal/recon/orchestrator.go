package recon

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/tax"
)

// RunConfig sizes the matching phase.
type RunConfig struct {
	// Workers bounds the matcher pool; 0 means GOMAXPROCS.
	Workers int
	Match   MatchConfig
}

// RunInput is everything a reconciliation run consumes. The engine does
// not fetch data itself; invoices come from the invoicing subsystem and
// records from the external portal-sync collaborator.
type RunInput struct {
	RunID    string
	Period   string
	Invoices []tax.Invoice
	Records  []GSTR2BRecord
	// SourceStatus maps counterparty GSTINs to sync completeness;
	// missing entries mean COMPLETE.
	SourceStatus map[string]SourceStatus
	// Now is the timestamp stamped on match records and the summary.
	// Zero means time.Now().UTC(); injecting it makes reruns on
	// identical inputs byte-identical.
	Now time.Time
}

// Orchestrator drives a reconciliation run through
// Pending -> BuildingIndex -> Matching -> Aggregated -> Completed.
type Orchestrator struct {
	validator *gstin.Validator
	cfg       RunConfig
	logger    *slog.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(v *gstin.Validator, cfg RunConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{validator: v, cfg: cfg, logger: logger}
}

// RunReconciliation executes one run. Per-record validation and data
// errors are collected on the result, never aborting the batch; only
// cancellation aborts, in which case no result is published so retries
// keep the idempotence guarantee.
func (o *Orchestrator) RunReconciliation(ctx context.Context, input RunInput) (*RunResult, error) {
	now := input.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result := &RunResult{RunID: input.RunID, Period: input.Period, State: RunPending}

	o.logState(input, RunBuildingIndex)
	index, dataErrs := BuildIndex(input.Records, o.validator)
	result.DataErrors = dataErrs

	invoices, warnings := o.prepareInvoices(input.Invoices)
	result.Warnings = warnings
	result.Warnings = append(result.Warnings, sourceWarnings(input.SourceStatus)...)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}

	o.logState(input, RunMatching)
	matcher := NewMatcher(index, o.cfg.Match, normalizeSourceStatus(input.SourceStatus), now)
	matches, err := o.matchAll(ctx, matcher, invoices)
	if err != nil {
		return nil, err
	}

	o.logState(input, RunAggregated)
	result.Matches = matches
	result.Summary = o.aggregate(input, invoices, matches, index, now)
	result.Unclaimed = index.UnclaimedBy(claimedKeys(invoices))
	result.Summary.UnclaimedITC = sumTax(result.Unclaimed)

	result.State = RunCompleted
	o.logState(input, RunCompleted)
	return result, nil
}

// prepareInvoices filters to purchase invoices and deduplicates by
// invoice id (last occurrence wins, matching edit-then-rerun semantics),
// returning warnings for everything skipped.
func (o *Orchestrator) prepareInvoices(invoices []tax.Invoice) ([]tax.Invoice, []string) {
	var warnings []string
	seen := make(map[string]int)
	var out []tax.Invoice
	for _, inv := range invoices {
		if inv.Direction != tax.DirectionPurchase {
			warnings = append(warnings, fmt.Sprintf("invoice %s skipped: only purchase invoices are reconciled", inv.ID))
			continue
		}
		if idx, ok := seen[inv.ID]; ok {
			warnings = append(warnings, fmt.Sprintf("invoice %s appears more than once; keeping the latest version", inv.ID))
			out[idx] = inv
			continue
		}
		seen[inv.ID] = len(out)
		out = append(out, inv)
	}
	return out, warnings
}

// matchAll fans matching out over a bounded worker pool. Invoices are
// sharded by supplier GSTIN hash; every shard owns its output slot so no
// two workers write the same invoice id. Cancellation is checked between
// shards and discards all partial results.
func (o *Orchestrator) matchAll(ctx context.Context, matcher *Matcher, invoices []tax.Invoice) ([]ITCMatchRecord, error) {
	workers := o.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	shards := make([][]tax.Invoice, workers)
	for _, inv := range invoices {
		h := fnv.New32a()
		_, _ = h.Write([]byte(gstin.Normalize(inv.SupplierGSTIN)))
		shard := int(h.Sum32()) % workers
		if shard < 0 {
			shard += workers
		}
		shards[shard] = append(shards[shard], inv)
	}

	results := make([][]ITCMatchRecord, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := make([]ITCMatchRecord, 0, len(shards[i]))
			for _, inv := range shards[i] {
				out = append(out, matcher.Match(inv))
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}

	// Shard order is a function of hashing, not input order; sorting by
	// invoice id makes the merged output reproducible byte for byte.
	var merged []ITCMatchRecord
	for _, part := range results {
		merged = append(merged, part...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].InvoiceID < merged[j].InvoiceID })
	return merged, nil
}

func (o *Orchestrator) aggregate(input RunInput, invoices []tax.Invoice, matches []ITCMatchRecord, index *CandidateIndex, now time.Time) *ReconciliationSummary {
	taxByInvoice := make(map[string]decimal.Decimal, len(invoices))
	for _, inv := range invoices {
		taxByInvoice[inv.ID] = inv.TotalTax()
	}

	summary := &ReconciliationSummary{
		RunID:       input.RunID,
		Period:      input.Period,
		GeneratedAt: now,
	}
	for _, m := range matches {
		claimed := taxByInvoice[m.InvoiceID]
		summary.TotalITC = summary.TotalITC.Add(claimed)
		switch m.Status {
		case StatusMatched:
			summary.MatchedITC = summary.MatchedITC.Add(claimed)
		case StatusPartiallyMatched:
			summary.PartialITC = summary.PartialITC.Add(claimed)
		case StatusUnmatched:
			summary.UnmatchedITC = summary.UnmatchedITC.Add(claimed)
		case StatusPending:
			summary.PendingITC = summary.PendingITC.Add(claimed)
		}
	}
	if summary.TotalITC.IsPositive() {
		summary.MatchPercentage = summary.MatchedITC.
			Mul(decimal.NewFromInt(100)).
			Div(summary.TotalITC).
			RoundBank(2)
	}
	return summary
}

func (o *Orchestrator) logState(input RunInput, state RunState) {
	if o.logger == nil {
		return
	}
	o.logger.Info("reconciliation run",
		slog.String("run_id", input.RunID),
		slog.String("period", input.Period),
		slog.String("state", string(state)),
	)
}

func claimedKeys(invoices []tax.Invoice) map[candidateKey]struct{} {
	keys := make(map[candidateKey]struct{}, len(invoices))
	for _, inv := range invoices {
		keys[candidateKey{
			gstin:         gstin.Normalize(inv.SupplierGSTIN),
			invoiceNumber: NormalizeInvoiceNumber(inv.InvoiceNumber),
		}] = struct{}{}
	}
	return keys
}

func normalizeSourceStatus(in map[string]SourceStatus) map[string]SourceStatus {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]SourceStatus, len(in))
	for g, s := range in {
		out[gstin.Normalize(g)] = s
	}
	return out
}

// sourceWarnings yields warning strings for incomplete counterparty
// feeds in deterministic order.
func sourceWarnings(in map[string]SourceStatus) []string {
	var gstins []string
	for g, s := range in {
		if s == SourcePartial || s == SourceAbsent {
			gstins = append(gstins, gstin.Normalize(g))
		}
	}
	sort.Strings(gstins)
	out := make([]string, 0, len(gstins))
	for _, g := range gstins {
		out = append(out, fmt.Sprintf("counterparty data for %s is incomplete; affected invoices resolved as PENDING", g))
	}
	return out
}

func sumTax(records []GSTR2BRecord) decimal.Decimal {
	var sum decimal.Decimal
	for _, rec := range records {
		sum = sum.Add(rec.TaxAmount)
	}
	return sum
}
