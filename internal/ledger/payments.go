package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quittances/quittances/internal/schema"
)

// FindPayment returns the entry tracking (tenant, property, year, month).
// When several match, the last one wins.
func FindPayment(doc *schema.Document, tenantID, propertyID string, year, month int) (*schema.Payment, bool) {
	for i := len(doc.Payments) - 1; i >= 0; i-- {
		p := &doc.Payments[i]
		if p.TenantID == tenantID && p.PropertyID == propertyID && p.Year == year && p.Month == month {
			return p, true
		}
	}
	return nil, false
}

// PaymentStatus returns the tracked status of a period, StatusPending when
// nothing is recorded.
func PaymentStatus(doc *schema.Document, tenantID, propertyID string, year, month int) schema.PaymentStatus {
	if p, ok := FindPayment(doc, tenantID, propertyID, year, month); ok {
		return p.Status
	}
	return schema.StatusPending
}

// SetPayment records status and note for a period, updating the entry
// FindPayment would return or appending a new one.
func SetPayment(doc *schema.Document, tenantID, propertyID string, year, month int, status schema.PaymentStatus, note string, now time.Time) (schema.Payment, error) {
	if month < 0 || month > 11 {
		return schema.Payment{}, fmt.Errorf("%w: month %d", ErrInvalid, month)
	}
	if !status.Known() {
		return schema.Payment{}, fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	if _, _, err := lookup(doc, tenantID, propertyID); err != nil {
		return schema.Payment{}, err
	}

	if p, ok := FindPayment(doc, tenantID, propertyID, year, month); ok {
		p.Status = status
		p.Note = note
		p.UpdatedAt = now.UnixMilli()
		return *p, nil
	}

	p := schema.Payment{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		PropertyID: propertyID,
		Year:       year,
		Month:      month,
		Status:     status,
		Note:       note,
		UpdatedAt:  now.UnixMilli(),
	}
	doc.Payments = append(doc.Payments, p)
	return p, nil
}
