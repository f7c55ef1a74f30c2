package tax

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gstforge/gstforge/internal/gstin"
)

// ErrMixedSupplyType marks a line item that mixes intra-state (CGST+SGST)
// and inter-state (IGST) components, or levies the wrong pair for its
// place of supply.
var ErrMixedSupplyType = errors.New("mixed supply type")

// ValidationError reports a malformed invoice. Line is the zero-based
// line item index, or -1 for invoice-level failures.
type ValidationError struct {
	InvoiceID string
	Line      int
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("invoice %s: %s: %v", e.InvoiceID, e.Field, e.Err)
	}
	return fmt.Sprintf("invoice %s line %d: %s: %v", e.InvoiceID, e.Line, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var (
	hundred = decimal.NewFromInt(100)
)

// Calculator computes per-line and per-invoice tax splits.
type Calculator struct {
	gstin *gstin.Validator
}

// NewCalculator constructs a Calculator using the given GSTIN validator.
func NewCalculator(v *gstin.Validator) *Calculator {
	return &Calculator{gstin: v}
}

// Compute populates all derived amounts on the invoice. Each monetary
// component is rounded to 2 decimal places half-to-even after the
// full-precision computation; invoice totals are sums of the already
// rounded line values so they are exactly reproducible from persisted
// lines. A *ValidationError (possibly wrapping ErrMixedSupplyType) is
// returned when an invariant is violated; the input is never partially
// mutated on failure.
func (c *Calculator) Compute(inv Invoice) (Invoice, error) {
	if err := c.gstin.Validate(inv.SupplierGSTIN); err != nil {
		return Invoice{}, &ValidationError{InvoiceID: inv.ID, Line: -1, Field: "supplier_gstin", Err: err}
	}
	if err := c.gstin.Validate(inv.BuyerGSTIN); err != nil {
		return Invoice{}, &ValidationError{InvoiceID: inv.ID, Line: -1, Field: "buyer_gstin", Err: err}
	}
	if len(inv.LineItems) == 0 {
		return Invoice{}, &ValidationError{InvoiceID: inv.ID, Line: -1, Field: "line_items", Err: errors.New("at least one line is required")}
	}

	intraState := inv.PlaceOfSupply == gstin.StateCode(inv.SupplierGSTIN)

	out := inv
	out.LineItems = make([]LineItem, len(inv.LineItems))
	out.TaxableAmount = decimal.Zero
	out.CGST = decimal.Zero
	out.SGST = decimal.Zero
	out.IGST = decimal.Zero
	out.Cess = decimal.Zero
	out.TotalAmount = decimal.Zero

	for i, item := range inv.LineItems {
		computed, err := computeLine(item, intraState)
		if err != nil {
			return Invoice{}, &ValidationError{InvoiceID: inv.ID, Line: i, Field: errField(err), Err: err}
		}
		out.LineItems[i] = computed
		out.TaxableAmount = out.TaxableAmount.Add(computed.TaxableAmount)
		out.CGST = out.CGST.Add(computed.CGSTAmount)
		out.SGST = out.SGST.Add(computed.SGSTAmount)
		out.IGST = out.IGST.Add(computed.IGSTAmount)
		out.Cess = out.Cess.Add(computed.CessAmount)
		out.TotalAmount = out.TotalAmount.Add(computed.LineTotal)
	}
	return out, nil
}

type lineError struct {
	field string
	err   error
}

func (e *lineError) Error() string { return fmt.Sprintf("%s: %v", e.field, e.err) }
func (e *lineError) Unwrap() error { return e.err }

func errField(err error) string {
	var le *lineError
	if errors.As(err, &le) {
		return le.field
	}
	return "line"
}

func computeLine(item LineItem, intraState bool) (LineItem, error) {
	if !item.Quantity.IsPositive() {
		return LineItem{}, &lineError{field: "quantity", err: errors.New("must be greater than zero")}
	}
	if item.UnitPrice.IsNegative() {
		return LineItem{}, &lineError{field: "unit_price", err: errors.New("must not be negative")}
	}
	gross := item.Quantity.Mul(item.UnitPrice)
	if item.Discount.IsNegative() || item.Discount.GreaterThan(gross) {
		return LineItem{}, &lineError{field: "discount", err: errors.New("must be between 0 and quantity*unit_price")}
	}
	for _, r := range []struct {
		name string
		rate decimal.Decimal
	}{
		{"cgst_rate", item.CGSTRate},
		{"sgst_rate", item.SGSTRate},
		{"igst_rate", item.IGSTRate},
		{"cess_rate", item.CessRate},
	} {
		if r.rate.IsNegative() || r.rate.GreaterThan(hundred) {
			return LineItem{}, &lineError{field: r.name, err: errors.New("must be between 0 and 100")}
		}
	}

	hasCGST := item.CGSTRate.IsPositive()
	hasSGST := item.SGSTRate.IsPositive()
	hasIGST := item.IGSTRate.IsPositive()
	if hasCGST != hasSGST {
		return LineItem{}, &lineError{field: "rates", err: fmt.Errorf("%w: cgst and sgst must be levied together", ErrMixedSupplyType)}
	}
	if hasCGST && hasIGST {
		return LineItem{}, &lineError{field: "rates", err: fmt.Errorf("%w: cgst/sgst and igst on the same line", ErrMixedSupplyType)}
	}
	if intraState && hasIGST {
		return LineItem{}, &lineError{field: "rates", err: fmt.Errorf("%w: igst on an intra-state supply", ErrMixedSupplyType)}
	}
	if !intraState && hasCGST {
		return LineItem{}, &lineError{field: "rates", err: fmt.Errorf("%w: cgst/sgst on an inter-state supply", ErrMixedSupplyType)}
	}

	taxable := gross.Sub(item.Discount)
	if taxable.IsNegative() {
		return LineItem{}, &lineError{field: "taxable_amount", err: errors.New("negative taxable amount")}
	}

	out := item
	out.TaxableAmount = roundMoney(taxable)
	out.CGSTAmount = roundMoney(out.TaxableAmount.Mul(item.CGSTRate).Div(hundred))
	out.SGSTAmount = roundMoney(out.TaxableAmount.Mul(item.SGSTRate).Div(hundred))
	out.IGSTAmount = roundMoney(out.TaxableAmount.Mul(item.IGSTRate).Div(hundred))
	out.CessAmount = roundMoney(out.TaxableAmount.Mul(item.CessRate).Div(hundred))
	out.LineTotal = out.TaxableAmount.
		Add(out.CGSTAmount).
		Add(out.SGSTAmount).
		Add(out.IGSTAmount).
		Add(out.CessAmount)
	return out, nil
}

// roundMoney rounds to 2 decimal places half-to-even.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}
