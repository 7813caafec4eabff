// Package schema provides the canonical rental document and its normalizer.
//
// A Document is the unit of persistence and replication: the landlord
// profile, tenants with their rental units, generated receipts and manual
// payment tracking. Every value crossing a storage or network boundary is
// passed through Normalize, which turns arbitrary decoded JSON (including
// documents written by older releases) into a fully populated Document.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Defaults applied by the normalizer.
const (
	DefaultPaymentMethod = "Virement"
	DefaultPropertyLabel = "Logement"

	// LegacyPropertyLabel names the unit synthesized for tenants stored
	// before multi-unit support.
	LegacyPropertyLabel = "Logement 1"
)

// PaymentStatus is the manual tracking state of one rent period.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusPending PaymentStatus = "pending"
	StatusLate    PaymentStatus = "late"
)

// Known reports whether s is one of the three statuses the UI offers.
// Unknown statuses are kept verbatim by the normalizer.
func (s PaymentStatus) Known() bool {
	switch s {
	case StatusPaid, StatusPending, StatusLate:
		return true
	}
	return false
}

// Landlord is the singleton profile printed on every receipt.
type Landlord struct {
	FullName      string `json:"fullName"`
	Address       string `json:"address"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	City          string `json:"city"`
	SignatureName string `json:"signatureName"`
}

// Property is one rental unit owned by a Tenant.
type Property struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Address string  `json:"address"`
	RentHC  float64 `json:"rentHc"`
	Charges float64 `json:"charges"` // may be negative (credit)
}

// Tenant holds at least one Property once normalized.
type Tenant struct {
	ID            string     `json:"id"`
	FullName      string     `json:"fullName"`
	TenantAddress string     `json:"tenantAddress"`
	PaymentMethod string     `json:"paymentMethod"`
	Properties    []Property `json:"properties"`
}

// Adjustment is a labelled signed line added to a receipt.
type Adjustment struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Receipt is an immutable snapshot taken when a rent receipt is generated.
// Tenant and property fields are copied, not referenced.
type Receipt struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenantId"`
	TenantName      string       `json:"tenantName"`
	TenantAddress   string       `json:"tenantAddress"`
	PropertyID      string       `json:"propertyId"`
	PropertyLabel   string       `json:"propertyLabel"`
	PropertyAddress string       `json:"propertyAddress"`
	Year            int          `json:"year"`
	Month           int          `json:"month"` // zero-based
	Period          string       `json:"period"`
	Reference       string       `json:"reference"`
	DateIssued      string       `json:"dateIssued"` // YYYY-MM-DD
	RentHC          float64      `json:"rentHc"`
	Charges         float64      `json:"charges"`
	Adjustments     []Adjustment `json:"adjustments"`
	Total           float64      `json:"total"`
	PaymentMethod   string       `json:"paymentMethod"`
	CreatedAt       int64        `json:"createdAt"` // unix ms
}

// Payment tracks one (tenant, property, year, month) cell.
type Payment struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenantId"`
	PropertyID string        `json:"propertyId"`
	Year       int           `json:"year"`
	Month      int           `json:"month"` // zero-based
	Status     PaymentStatus `json:"status"`
	Note       string        `json:"note"`
	UpdatedAt  int64         `json:"updatedAt"` // unix ms
}

// Document is the whole persisted and replicated state.
type Document struct {
	Landlord Landlord  `json:"landlord"`
	Tenants  []Tenant  `json:"tenants"`
	Receipts []Receipt `json:"receipts"`
	Payments []Payment `json:"payments"`
}

// Tenant returns the tenant with the given id.
func (d *Document) Tenant(id string) (*Tenant, bool) {
	for i := range d.Tenants {
		if d.Tenants[i].ID == id {
			return &d.Tenants[i], true
		}
	}
	return nil, false
}

// Property returns the unit with the given id.
func (t *Tenant) Property(id string) (*Property, bool) {
	for i := range t.Properties {
		if t.Properties[i].ID == id {
			return &t.Properties[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := Document{
		Landlord: d.Landlord,
		Tenants:  cloneSlice(d.Tenants),
		Receipts: cloneSlice(d.Receipts),
		Payments: cloneSlice(d.Payments),
	}
	for i := range out.Tenants {
		out.Tenants[i].Properties = cloneSlice(out.Tenants[i].Properties)
	}
	for i := range out.Receipts {
		out.Receipts[i].Adjustments = cloneSlice(out.Receipts[i].Adjustments)
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

var equalOpts = []cmp.Option{cmpopts.EquateEmpty()}

// Equal reports whether a and b hold the same content, treating nil and
// empty slices alike.
func Equal(a, b Document) bool {
	return cmp.Equal(a, b, equalOpts...)
}

// Diff returns a human-readable difference between a and b, empty when equal.
func Diff(a, b Document) string {
	return cmp.Diff(a, b, equalOpts...)
}

// Fingerprint returns a stable content hash of d.
func Fingerprint(d Document) string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
