package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gstforge/gstforge/internal/platform/db"
	"github.com/gstforge/gstforge/internal/tax"
)

// Repository defines reconciliation data access. Invoices and GSTR-2B
// records are written by the invoicing subsystem and the portal-sync
// collaborator respectively; this engine only reads them.
type Repository interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRunState(ctx context.Context, runID string, state RunState, warnings []string) error

	ListInvoices(ctx context.Context, period string) ([]tax.Invoice, error)
	ListGSTR2BRecords(ctx context.Context, period string) ([]GSTR2BRecord, error)
	ListSourceStatus(ctx context.Context, period string) (map[string]SourceStatus, error)

	// SaveRunResult persists matches, summary, and the terminal state in
	// one transaction. Match records are upserted keyed by
	// (period, invoice_id) so re-running a period overwrites, never
	// appends.
	SaveRunResult(ctx context.Context, result *RunResult) error
	GetSummary(ctx context.Context, runID string) (ReconciliationSummary, error)
	ListMatchRecords(ctx context.Context, runID string) ([]ITCMatchRecord, error)

	// InvoiceFiledVersion returns the highest invoice version referenced
	// by any completed run, or 0 when the invoice was never filed.
	InvoiceFiledVersion(ctx context.Context, invoiceID string) (int, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) CreateRun(ctx context.Context, run Run) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recon_runs (id, period, state, warnings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		run.ID, run.Period, string(run.State), run.Warnings, run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRun
		}
		return fmt.Errorf("recon: create run: %w", err)
	}
	return nil
}

func (r *pgRepository) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	var state string
	err := r.pool.QueryRow(ctx, `
		SELECT id, period, state, COALESCE(warnings, '{}'), created_at, updated_at
		FROM recon_runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.Period, &state, &run.Warnings, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("recon: get run: %w", err)
	}
	run.State = RunState(state)
	return run, nil
}

func (r *pgRepository) UpdateRunState(ctx context.Context, runID string, state RunState, warnings []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recon_runs SET state = $2, warnings = $3, updated_at = now()
		WHERE id = $1`,
		runID, string(state), warnings,
	)
	if err != nil {
		return fmt.Errorf("recon: update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *pgRepository) ListInvoices(ctx context.Context, period string) ([]tax.Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.version, i.direction, i.supplier_gstin, i.buyer_gstin,
		       i.invoice_number, i.invoice_date, i.place_of_supply, i.reverse_charge,
		       i.taxable_amount::text, i.cgst::text, i.sgst::text, i.igst::text,
		       i.cess::text, i.total_amount::text
		FROM invoices i
		WHERE i.period = $1
		ORDER BY i.id`, period)
	if err != nil {
		return nil, fmt.Errorf("recon: list invoices: %w", err)
	}
	defer rows.Close()

	var out []tax.Invoice
	for rows.Next() {
		var inv tax.Invoice
		var direction string
		var taxable, cgst, sgst, igst, cess, total string
		if err := rows.Scan(
			&inv.ID, &inv.Version, &direction, &inv.SupplierGSTIN, &inv.BuyerGSTIN,
			&inv.InvoiceNumber, &inv.InvoiceDate, &inv.PlaceOfSupply, &inv.ReverseCharge,
			&taxable, &cgst, &sgst, &igst, &cess, &total,
		); err != nil {
			return nil, fmt.Errorf("recon: scan invoice: %w", err)
		}
		inv.Direction = tax.Direction(direction)
		if inv.TaxableAmount, err = decimal.NewFromString(taxable); err != nil {
			return nil, fmt.Errorf("recon: invoice %s taxable_amount: %w", inv.ID, err)
		}
		if inv.CGST, err = decimal.NewFromString(cgst); err != nil {
			return nil, fmt.Errorf("recon: invoice %s cgst: %w", inv.ID, err)
		}
		if inv.SGST, err = decimal.NewFromString(sgst); err != nil {
			return nil, fmt.Errorf("recon: invoice %s sgst: %w", inv.ID, err)
		}
		if inv.IGST, err = decimal.NewFromString(igst); err != nil {
			return nil, fmt.Errorf("recon: invoice %s igst: %w", inv.ID, err)
		}
		if inv.Cess, err = decimal.NewFromString(cess); err != nil {
			return nil, fmt.Errorf("recon: invoice %s cess: %w", inv.ID, err)
		}
		if inv.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("recon: invoice %s total_amount: %w", inv.ID, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListGSTR2BRecords(ctx context.Context, period string) ([]GSTR2BRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, gstin, invoice_number, invoice_date, tax_amount::text, source_period
		FROM gstr2b_records
		WHERE source_period = $1
		ORDER BY id`, period)
	if err != nil {
		return nil, fmt.Errorf("recon: list gstr2b records: %w", err)
	}
	defer rows.Close()

	var out []GSTR2BRecord
	for rows.Next() {
		var rec GSTR2BRecord
		var amount string
		if err := rows.Scan(&rec.ID, &rec.GSTIN, &rec.InvoiceNumber, &rec.InvoiceDate, &amount, &rec.SourcePeriod); err != nil {
			return nil, fmt.Errorf("recon: scan gstr2b record: %w", err)
		}
		if rec.TaxAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recon: record %s tax_amount: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListSourceStatus(ctx context.Context, period string) (map[string]SourceStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gstin, status FROM gstr2b_sync_status WHERE period = $1`, period)
	if err != nil {
		return nil, fmt.Errorf("recon: list source status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SourceStatus)
	for rows.Next() {
		var g, status string
		if err := rows.Scan(&g, &status); err != nil {
			return nil, fmt.Errorf("recon: scan source status: %w", err)
		}
		out[g] = SourceStatus(status)
	}
	return out, rows.Err()
}

func (r *pgRepository) SaveRunResult(ctx context.Context, result *RunResult) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, m := range result.Matches {
			_, err := tx.Exec(ctx, `
				INSERT INTO itc_match_records
					(period, invoice_id, claimant_gstin, matched_record_id, status, discrepancy_amount, run_id, matched_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (period, invoice_id) DO UPDATE SET
					claimant_gstin = EXCLUDED.claimant_gstin,
					matched_record_id = EXCLUDED.matched_record_id,
					status = EXCLUDED.status,
					discrepancy_amount = EXCLUDED.discrepancy_amount,
					run_id = EXCLUDED.run_id,
					matched_at = EXCLUDED.matched_at`,
				result.Period, m.InvoiceID, m.ClaimantGSTIN, m.MatchedRecordID,
				string(m.Status), m.DiscrepancyAmount.String(), result.RunID, m.MatchedAt,
			)
			if err != nil {
				return fmt.Errorf("recon: upsert match record %s: %w", m.InvoiceID, err)
			}
		}

		s := result.Summary
		_, err := tx.Exec(ctx, `
			INSERT INTO recon_summaries
				(run_id, period, total_itc, matched_itc, partial_itc, unmatched_itc,
				 pending_itc, unclaimed_itc, match_percentage, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.RunID, s.Period, s.TotalITC.String(), s.MatchedITC.String(),
			s.PartialITC.String(), s.UnmatchedITC.String(), s.PendingITC.String(),
			s.UnclaimedITC.String(), s.MatchPercentage.String(), s.GeneratedAt,
		)
		if err != nil {
			return fmt.Errorf("recon: insert summary: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE recon_runs SET state = $2, warnings = $3, updated_at = now() WHERE id = $1`,
			result.RunID, string(result.State), result.Warnings,
		)
		if err != nil {
			return fmt.Errorf("recon: update run: %w", err)
		}
		return nil
	})
}

func (r *pgRepository) GetSummary(ctx context.Context, runID string) (ReconciliationSummary, error) {
	var s ReconciliationSummary
	var total, matched, partial, unmatched, pending, unclaimed, pct string
	err := r.pool.QueryRow(ctx, `
		SELECT run_id, period, total_itc::text, matched_itc::text, partial_itc::text,
		       unmatched_itc::text, pending_itc::text, unclaimed_itc::text,
		       match_percentage::text, generated_at
		FROM recon_summaries WHERE run_id = $1`, runID,
	).Scan(&s.RunID, &s.Period, &total, &matched, &partial, &unmatched, &pending, &unclaimed, &pct, &s.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReconciliationSummary{}, ErrRunNotFound
		}
		return ReconciliationSummary{}, fmt.Errorf("recon: get summary: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&s.TotalITC, total}, {&s.MatchedITC, matched}, {&s.PartialITC, partial},
		{&s.UnmatchedITC, unmatched}, {&s.PendingITC, pending},
		{&s.UnclaimedITC, unclaimed}, {&s.MatchPercentage, pct},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return ReconciliationSummary{}, fmt.Errorf("recon: summary amount: %w", err)
		}
	}
	return s, nil
}

func (r *pgRepository) ListMatchRecords(ctx context.Context, runID string) ([]ITCMatchRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT invoice_id, claimant_gstin, matched_record_id, status, discrepancy_amount::text, matched_at
		FROM itc_match_records
		WHERE run_id = $1
		ORDER BY invoice_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("recon: list match records: %w", err)
	}
	defer rows.Close()

	var out []ITCMatchRecord
	for rows.Next() {
		var m ITCMatchRecord
		var status, amount string
		if err := rows.Scan(&m.InvoiceID, &m.ClaimantGSTIN, &m.MatchedRecordID, &status, &amount, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("recon: scan match record: %w", err)
		}
		m.Status = MatchStatus(status)
		if m.DiscrepancyAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recon: match record %s discrepancy: %w", m.InvoiceID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRepository) InvoiceFiledVersion(ctx context.Context, invoiceID string) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(i.version), 0)
		FROM itc_match_records m
		JOIN recon_runs r ON r.id = m.run_id AND r.state = $2
		JOIN invoices i ON i.id = m.invoice_id
		WHERE m.invoice_id = $1`,
		invoiceID, string(RunCompleted),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("recon: filed version: %w", err)
	}
	return version, nil
}
