// Package ledger holds the document mutations the presentation layer offers:
// receipt generation, payment tracking and tenant bookkeeping. Functions
// here edit a *schema.Document in place and are meant to run inside a
// sync.Mutator.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quittances/quittances/internal/schema"
)

var (
	// ErrNotFound is returned when a tenant, property or receipt id does not
	// resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned for out-of-range periods and empty names.
	ErrInvalid = errors.New("invalid input")
)

// DefaultExportName is the file name used when exporting without a path.
const DefaultExportName = "quittances_data.json"

var frenchMonths = [12]string{
	"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
}

// PeriodLabel returns the capitalized French label of a zero-based month,
// e.g. "Janvier 2025".
func PeriodLabel(year, month int) string {
	if month < 0 || month > 11 {
		return fmt.Sprintf("%d", year)
	}
	name := frenchMonths[month]
	return strings.ToUpper(name[:1]) + name[1:] + fmt.Sprintf(" %d", year)
}

// DefaultReference returns Q-YYYY-MM-<name> with spaces in the tenant name
// replaced by underscores.
func DefaultReference(year, month int, tenantName string) string {
	return fmt.Sprintf("Q-%d-%02d-%s", year, month+1, strings.ReplaceAll(tenantName, " ", "_"))
}

// ReceiptRequest describes a receipt to generate. Zero RentHC and Charges
// are taken as given; use FromProperty to prefill them.
type ReceiptRequest struct {
	TenantID    string
	PropertyID  string
	Year        int
	Month       int // zero-based
	DateIssued  time.Time
	Reference   string
	RentHC      float64
	Charges     float64
	Adjustments []schema.Adjustment
}

// FromProperty fills RentHC and Charges from the addressed unit.
func (r *ReceiptRequest) FromProperty(doc *schema.Document) error {
	_, prop, err := lookup(doc, r.TenantID, r.PropertyID)
	if err != nil {
		return err
	}
	r.RentHC = prop.RentHC
	r.Charges = prop.Charges
	return nil
}

// NewReceipt builds a receipt snapshot from the current tenant and property
// data. It does not modify doc.
func NewReceipt(doc *schema.Document, req ReceiptRequest, now time.Time) (schema.Receipt, error) {
	if req.Month < 0 || req.Month > 11 {
		return schema.Receipt{}, fmt.Errorf("%w: month %d", ErrInvalid, req.Month)
	}
	if req.Year < 1 {
		return schema.Receipt{}, fmt.Errorf("%w: year %d", ErrInvalid, req.Year)
	}
	tenant, prop, err := lookup(doc, req.TenantID, req.PropertyID)
	if err != nil {
		return schema.Receipt{}, err
	}

	adjustments := schema.CleanAdjustments(req.Adjustments)
	total := req.RentHC + req.Charges
	for _, a := range adjustments {
		total += a.Amount
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = DefaultReference(req.Year, req.Month, tenant.FullName)
	}
	issued := req.DateIssued
	if issued.IsZero() {
		issued = now
	}

	return schema.Receipt{
		ID:              uuid.NewString(),
		TenantID:        tenant.ID,
		TenantName:      tenant.FullName,
		TenantAddress:   tenant.TenantAddress,
		PropertyID:      prop.ID,
		PropertyLabel:   prop.Label,
		PropertyAddress: prop.Address,
		Year:            req.Year,
		Month:           req.Month,
		Period:          PeriodLabel(req.Year, req.Month),
		Reference:       reference,
		DateIssued:      issued.Format(schema.DateLayout),
		RentHC:          req.RentHC,
		Charges:         req.Charges,
		Adjustments:     adjustments,
		Total:           total,
		PaymentMethod:   tenant.PaymentMethod,
		CreatedAt:       now.UnixMilli(),
	}, nil
}

// AddReceipt generates a receipt and puts it first in doc.Receipts.
func AddReceipt(doc *schema.Document, req ReceiptRequest, now time.Time) (schema.Receipt, error) {
	rec, err := NewReceipt(doc, req, now)
	if err != nil {
		return schema.Receipt{}, err
	}
	doc.Receipts = append([]schema.Receipt{rec}, doc.Receipts...)
	return rec, nil
}

// RemoveReceipt deletes the receipt with the given id.
func RemoveReceipt(doc *schema.Document, id string) error {
	for i := range doc.Receipts {
		if doc.Receipts[i].ID == id {
			doc.Receipts = append(doc.Receipts[:i], doc.Receipts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: receipt %s", ErrNotFound, id)
}

// YearTotal sums the totals of receipts issued for year.
func YearTotal(doc *schema.Document, year int) float64 {
	var sum float64
	for _, r := range doc.Receipts {
		if r.Year == year {
			sum += r.Total
		}
	}
	return sum
}

// Years returns the distinct receipt years, most recent first.
func Years(doc *schema.Document) []int {
	seen := make(map[int]bool)
	var years []int
	for _, r := range doc.Receipts {
		if !seen[r.Year] {
			seen[r.Year] = true
			years = append(years, r.Year)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

func lookup(doc *schema.Document, tenantID, propertyID string) (*schema.Tenant, *schema.Property, error) {
	tenant, ok := doc.Tenant(tenantID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	if propertyID == "" && len(tenant.Properties) > 0 {
		return tenant, &tenant.Properties[0], nil
	}
	prop, ok := tenant.Property(propertyID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: property %s of tenant %s", ErrNotFound, propertyID, tenantID)
	}
	return tenant, prop, nil
}
