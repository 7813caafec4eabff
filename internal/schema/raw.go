package schema

// Raw returns d in the loosely typed shape produced by decoding its JSON
// form, so it can be fed back through Normalize.
func (d Document) Raw() map[string]any {
	tenants := make([]any, 0, len(d.Tenants))
	for _, t := range d.Tenants {
		props := make([]any, 0, len(t.Properties))
		for _, p := range t.Properties {
			props = append(props, map[string]any{
				"id":      p.ID,
				"label":   p.Label,
				"address": p.Address,
				"rentHc":  p.RentHC,
				"charges": p.Charges,
			})
		}
		tenants = append(tenants, map[string]any{
			"id":            t.ID,
			"fullName":      t.FullName,
			"tenantAddress": t.TenantAddress,
			"paymentMethod": t.PaymentMethod,
			"properties":    props,
		})
	}

	receipts := make([]any, 0, len(d.Receipts))
	for _, r := range d.Receipts {
		adjs := make([]any, 0, len(r.Adjustments))
		for _, a := range r.Adjustments {
			adjs = append(adjs, map[string]any{"label": a.Label, "amount": a.Amount})
		}
		receipts = append(receipts, map[string]any{
			"id":              r.ID,
			"tenantId":        r.TenantID,
			"tenantName":      r.TenantName,
			"tenantAddress":   r.TenantAddress,
			"propertyId":      r.PropertyID,
			"propertyLabel":   r.PropertyLabel,
			"propertyAddress": r.PropertyAddress,
			"year":            float64(r.Year),
			"month":           float64(r.Month),
			"period":          r.Period,
			"reference":       r.Reference,
			"dateIssued":      r.DateIssued,
			"rentHc":          r.RentHC,
			"charges":         r.Charges,
			"adjustments":     adjs,
			"total":           r.Total,
			"paymentMethod":   r.PaymentMethod,
			"createdAt":       float64(r.CreatedAt),
		})
	}

	payments := make([]any, 0, len(d.Payments))
	for _, p := range d.Payments {
		payments = append(payments, map[string]any{
			"id":         p.ID,
			"tenantId":   p.TenantID,
			"propertyId": p.PropertyID,
			"year":       float64(p.Year),
			"month":      float64(p.Month),
			"status":     string(p.Status),
			"note":       p.Note,
			"updatedAt":  float64(p.UpdatedAt),
		})
	}

	l := d.Landlord
	return map[string]any{
		"landlord": map[string]any{
			"fullName":      l.FullName,
			"address":       l.Address,
			"email":         l.Email,
			"phone":         l.Phone,
			"city":          l.City,
			"signatureName": l.SignatureName,
		},
		"tenants":  tenants,
		"receipts": receipts,
		"payments": payments,
	}
}
