package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quittances/quittances/internal/schema"
)

// TenantInput is the editable part of a tenant.
type TenantInput struct {
	FullName      string
	TenantAddress string
	PaymentMethod string
}

// AddTenant appends a tenant holding one empty unit labelled "Logement 1".
func AddTenant(doc *schema.Document, in TenantInput) (*schema.Tenant, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", ErrInvalid)
	}
	method := strings.TrimSpace(in.PaymentMethod)
	if method == "" {
		method = schema.DefaultPaymentMethod
	}
	doc.Tenants = append(doc.Tenants, schema.Tenant{
		ID:            uuid.NewString(),
		FullName:      name,
		TenantAddress: strings.TrimSpace(in.TenantAddress),
		PaymentMethod: method,
		Properties: []schema.Property{{
			ID:    uuid.NewString(),
			Label: schema.LegacyPropertyLabel,
		}},
	})
	return &doc.Tenants[len(doc.Tenants)-1], nil
}

// RemoveTenant deletes the tenant and the receipts issued to it. Payment
// entries are kept.
func RemoveTenant(doc *schema.Document, id string) error {
	idx := -1
	for i := range doc.Tenants {
		if doc.Tenants[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	doc.Tenants = append(doc.Tenants[:idx], doc.Tenants[idx+1:]...)

	kept := doc.Receipts[:0]
	for _, r := range doc.Receipts {
		if r.TenantID != id {
			kept = append(kept, r)
		}
	}
	doc.Receipts = kept
	return nil
}

// AddProperty appends a unit to a tenant. An empty label becomes
// "Logement N" where N is the new unit count.
func AddProperty(doc *schema.Document, tenantID string, prop schema.Property) (*schema.Property, error) {
	tenant, ok := doc.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	if prop.ID == "" {
		prop.ID = uuid.NewString()
	}
	prop.Label = strings.TrimSpace(prop.Label)
	if prop.Label == "" {
		prop.Label = fmt.Sprintf("%s %d", schema.DefaultPropertyLabel, len(tenant.Properties)+1)
	}
	prop.Address = strings.TrimSpace(prop.Address)
	tenant.Properties = append(tenant.Properties, prop)
	return &tenant.Properties[len(tenant.Properties)-1], nil
}

// SetLandlord replaces the landlord profile, trimming every field.
func SetLandlord(doc *schema.Document, l schema.Landlord) {
	doc.Landlord = schema.Landlord{
		FullName:      strings.TrimSpace(l.FullName),
		Address:       strings.TrimSpace(l.Address),
		Email:         strings.TrimSpace(l.Email),
		Phone:         strings.TrimSpace(l.Phone),
		City:          strings.TrimSpace(l.City),
		SignatureName: strings.TrimSpace(l.SignatureName),
	}
}

// SafeFileName replaces characters that are unsafe in file names and
// collapses whitespace to underscores.
func SafeFileName(name string) string {
	if name == "" {
		name = "document"
	}
	name = unsafeChars.Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	if r := []rune(name); len(r) > 180 {
		name = string(r[:180])
	}
	return name
}

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
	`"`, "'", "<", "(", ">", ")", "|", "-",
)
