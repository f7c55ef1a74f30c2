package tax

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction distinguishes outward sales from inward purchases.
type Direction string

const (
	DirectionSale     Direction = "SALE"
	DirectionPurchase Direction = "PURCHASE"
)

// Invoice models a GST invoice. Totals are derived fields, always
// recomputed from line items by the Calculator and never hand-edited.
type Invoice struct {
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	Direction     Direction `json:"direction"`
	SupplierGSTIN string    `json:"supplier_gstin"`
	BuyerGSTIN    string    `json:"buyer_gstin"`
	InvoiceNumber string    `json:"invoice_number"`
	InvoiceDate   time.Time `json:"invoice_date"`
	// PlaceOfSupply is the two-digit state code of the supply destination.
	PlaceOfSupply string     `json:"place_of_supply"`
	ReverseCharge bool       `json:"reverse_charge"`
	LineItems     []LineItem `json:"line_items"`

	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	CGST          decimal.Decimal `json:"cgst"`
	SGST          decimal.Decimal `json:"sgst"`
	IGST          decimal.Decimal `json:"igst"`
	Cess          decimal.Decimal `json:"cess"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// TotalTax returns the sum of all tax components on the invoice.
func (inv Invoice) TotalTax() decimal.Decimal {
	return inv.CGST.Add(inv.SGST).Add(inv.IGST).Add(inv.Cess)
}

// LineItem is a single supply line. Rates are percentages in [0,100];
// amounts are derived by the Calculator.
type LineItem struct {
	Description  string          `json:"description"`
	HSNOrSACCode string          `json:"hsn_sac_code"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Discount     decimal.Decimal `json:"discount"`

	CGSTRate decimal.Decimal `json:"cgst_rate"`
	SGSTRate decimal.Decimal `json:"sgst_rate"`
	IGSTRate decimal.Decimal `json:"igst_rate"`
	CessRate decimal.Decimal `json:"cess_rate"`

	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	CGSTAmount    decimal.Decimal `json:"cgst_amount"`
	SGSTAmount    decimal.Decimal `json:"sgst_amount"`
	IGSTAmount    decimal.Decimal `json:"igst_amount"`
	CessAmount    decimal.Decimal `json:"cess_amount"`
	LineTotal     decimal.Decimal `json:"line_total"`
}
