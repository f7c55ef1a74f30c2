package tax

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gstforge/gstforge/internal/gstin"
)

const (
	supplierKA = "29ABCDE1234F1ZW" // Karnataka
	buyerKA    = "29AAAAA0000A1ZY"
	buyerMH    = "27ABCDE1234F1Z0" // Maharashtra
)

func newCalculator() *Calculator {
	return NewCalculator(gstin.NewValidator(gstin.Config{}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func baseInvoice(placeOfSupply, buyer string, items ...LineItem) Invoice {
	return Invoice{
		ID:            "inv-1",
		Direction:     DirectionSale,
		SupplierGSTIN: supplierKA,
		BuyerGSTIN:    buyer,
		InvoiceNumber: "INV-2024-001",
		InvoiceDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		PlaceOfSupply: placeOfSupply,
		LineItems:     items,
	}
}

func TestComputeIntraState(t *testing.T) {
	inv := baseInvoice("29", buyerKA, LineItem{
		Description: "consulting",
		Quantity:    dec("1"),
		UnitPrice:   dec("10000"),
		CGSTRate:    dec("9"),
		SGSTRate:    dec("9"),
	})

	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)

	require.True(t, out.CGST.Equal(dec("900.00")), out.CGST.String())
	require.True(t, out.SGST.Equal(dec("900.00")), out.SGST.String())
	require.True(t, out.IGST.IsZero())
	require.True(t, out.TotalAmount.Equal(dec("11800.00")), out.TotalAmount.String())
	require.True(t, out.TotalTax().Equal(dec("1800.00")))
}

func TestComputeInterState(t *testing.T) {
	inv := baseInvoice("27", buyerMH, LineItem{
		Quantity:  dec("1"),
		UnitPrice: dec("10000"),
		IGSTRate:  dec("18"),
	})

	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)

	require.True(t, out.IGST.Equal(dec("1800.00")), out.IGST.String())
	require.True(t, out.CGST.IsZero())
	require.True(t, out.SGST.IsZero())
	require.True(t, out.TotalAmount.Equal(dec("11800.00")), out.TotalAmount.String())
}

func TestComputeRoundsHalfToEven(t *testing.T) {
	// 10.00 * 0.25% = 0.025 rounds down to 0.02; 10.00 * 0.75% = 0.075
	// rounds up to 0.08.
	inv := baseInvoice("27", buyerMH,
		LineItem{Quantity: dec("1"), UnitPrice: dec("10"), IGSTRate: dec("0.25")},
		LineItem{Quantity: dec("1"), UnitPrice: dec("10"), IGSTRate: dec("0.75")},
	)

	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)

	require.True(t, out.LineItems[0].IGSTAmount.Equal(dec("0.02")), out.LineItems[0].IGSTAmount.String())
	require.True(t, out.LineItems[1].IGSTAmount.Equal(dec("0.08")), out.LineItems[1].IGSTAmount.String())
	// Invoice totals sum already-rounded line values, never re-round.
	require.True(t, out.IGST.Equal(dec("0.10")), out.IGST.String())
}

func TestComputeTotalsReconcile(t *testing.T) {
	inv := baseInvoice("29", buyerKA,
		LineItem{Quantity: dec("3"), UnitPrice: dec("333.33"), Discount: dec("0.99"), CGSTRate: dec("9"), SGSTRate: dec("9"), CessRate: dec("1")},
		LineItem{Quantity: dec("7"), UnitPrice: dec("41.57"), CGSTRate: dec("2.5"), SGSTRate: dec("2.5")},
	)

	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)

	var taxable, cgst, sgst, igst, cess, total decimal.Decimal
	for _, li := range out.LineItems {
		sum := li.TaxableAmount.Add(li.CGSTAmount).Add(li.SGSTAmount).Add(li.IGSTAmount).Add(li.CessAmount)
		require.True(t, li.LineTotal.Equal(sum))
		taxable = taxable.Add(li.TaxableAmount)
		cgst = cgst.Add(li.CGSTAmount)
		sgst = sgst.Add(li.SGSTAmount)
		igst = igst.Add(li.IGSTAmount)
		cess = cess.Add(li.CessAmount)
		total = total.Add(li.LineTotal)
	}
	require.True(t, out.TaxableAmount.Equal(taxable))
	require.True(t, out.CGST.Equal(cgst))
	require.True(t, out.SGST.Equal(sgst))
	require.True(t, out.IGST.Equal(igst))
	require.True(t, out.Cess.Equal(cess))
	require.True(t, out.TotalAmount.Equal(total))
}

func TestComputeRejectsMixedSupply(t *testing.T) {
	cases := []struct {
		name string
		inv  Invoice
	}{
		{
			"cgst and igst on one line",
			baseInvoice("29", buyerKA, LineItem{Quantity: dec("1"), UnitPrice: dec("100"), CGSTRate: dec("9"), SGSTRate: dec("9"), IGSTRate: dec("18")}),
		},
		{
			"igst on intra-state supply",
			baseInvoice("29", buyerKA, LineItem{Quantity: dec("1"), UnitPrice: dec("100"), IGSTRate: dec("18")}),
		},
		{
			"cgst/sgst on inter-state supply",
			baseInvoice("27", buyerMH, LineItem{Quantity: dec("1"), UnitPrice: dec("100"), CGSTRate: dec("9"), SGSTRate: dec("9")}),
		},
		{
			"cgst without sgst",
			baseInvoice("29", buyerKA, LineItem{Quantity: dec("1"), UnitPrice: dec("100"), CGSTRate: dec("9")}),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newCalculator().Compute(tc.inv)
			require.ErrorIs(t, err, ErrMixedSupplyType)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
		})
	}
}

func TestComputeAllowsExemptLines(t *testing.T) {
	inv := baseInvoice("29", buyerKA, LineItem{Quantity: dec("2"), UnitPrice: dec("50")})
	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)
	require.True(t, out.TotalTax().IsZero())
	require.True(t, out.TotalAmount.Equal(dec("100.00")))
}

func TestComputeFieldValidation(t *testing.T) {
	cases := []struct {
		name  string
		item  LineItem
		field string
	}{
		{"zero quantity", LineItem{Quantity: dec("0"), UnitPrice: dec("10")}, "quantity"},
		{"negative unit price", LineItem{Quantity: dec("1"), UnitPrice: dec("-1")}, "unit_price"},
		{"discount above gross", LineItem{Quantity: dec("1"), UnitPrice: dec("10"), Discount: dec("11")}, "discount"},
		{"rate above 100", LineItem{Quantity: dec("1"), UnitPrice: dec("10"), IGSTRate: dec("101")}, "igst_rate"},
		{"negative rate", LineItem{Quantity: dec("1"), UnitPrice: dec("10"), CGSTRate: dec("-1")}, "cgst_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newCalculator().Compute(baseInvoice("27", buyerMH, tc.item))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tc.field, verr.Field)
			require.Equal(t, 0, verr.Line)
		})
	}
}

func TestComputeRejectsInvalidGSTIN(t *testing.T) {
	inv := baseInvoice("29", buyerKA, LineItem{Quantity: dec("1"), UnitPrice: dec("10")})
	inv.SupplierGSTIN = "29ABCDE1234F1Z5" // bad checksum

	_, err := newCalculator().Compute(inv)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "supplier_gstin", verr.Field)

	var gerr *gstin.ValidationError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, gstin.ReasonInvalidChecksum, gerr.Reason)
}

func TestComputeReverseChargeKeepsFlag(t *testing.T) {
	inv := baseInvoice("27", buyerMH, LineItem{Quantity: dec("1"), UnitPrice: dec("10000"), IGSTRate: dec("18")})
	inv.ReverseCharge = true

	out, err := newCalculator().Compute(inv)
	require.NoError(t, err)
	require.True(t, out.ReverseCharge)
	require.True(t, out.IGST.Equal(dec("1800.00")))
}
