package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the format of Receipt.DateIssued.
const DateLayout = "2006-01-02"

// Normalizer maps loosely typed input to a Document. The zero value uses
// the wall clock and random UUIDs.
type Normalizer struct {
	Now   func() time.Time
	NewID func() string
}

var std Normalizer

// Normalize is Normalizer{}.Normalize.
func Normalize(raw any) Document {
	return std.Normalize(raw)
}

// NormalizeJSON is Normalizer{}.NormalizeJSON.
func NormalizeJSON(data []byte) Document {
	return std.NormalizeJSON(data)
}

// Canonical re-normalizes a typed document, backfilling anything a caller
// left empty (ids, default units, labels).
func Canonical(d Document) Document {
	return std.Normalize(d.Raw())
}

// NormalizeJSON decodes data and normalizes it. Undecodable input yields the
// default document.
func (n Normalizer) NormalizeJSON(data []byte) Document {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = nil
	}
	return n.Normalize(raw)
}

// Normalize never fails: every section and field of the result is set,
// whatever shape raw has.
func (n Normalizer) Normalize(raw any) Document {
	obj := asObject(raw)
	now := n.now()

	doc := Document{
		Landlord: landlord(asObject(obj["landlord"])),
		Tenants:  []Tenant{},
		Receipts: []Receipt{},
		Payments: []Payment{},
	}
	for _, t := range asList(obj["tenants"]) {
		doc.Tenants = append(doc.Tenants, n.tenant(asObject(t)))
	}
	for _, r := range asList(obj["receipts"]) {
		doc.Receipts = append(doc.Receipts, n.receipt(asObject(r), now))
	}
	for _, p := range asList(obj["payments"]) {
		doc.Payments = append(doc.Payments, n.payment(asObject(p), now))
	}
	return doc
}

// NormalizeAdjustments trims labels, coerces amounts and drops entries whose
// label is blank.
func NormalizeAdjustments(raw any) []Adjustment {
	out := []Adjustment{}
	for _, item := range asList(raw) {
		a := asObject(item)
		label := strings.TrimSpace(str(a["label"]))
		if label == "" {
			continue
		}
		out = append(out, Adjustment{Label: label, Amount: amount(a["amount"])})
	}
	return out
}

// CleanAdjustments applies the NormalizeAdjustments rules to typed entries.
func CleanAdjustments(adjs []Adjustment) []Adjustment {
	out := []Adjustment{}
	for _, a := range adjs {
		label := strings.TrimSpace(a.Label)
		if label == "" {
			continue
		}
		out = append(out, Adjustment{Label: label, Amount: amount(a.Amount)})
	}
	return out
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) id(v any) string {
	if s := str(v); s != "" {
		return s
	}
	if n.NewID != nil {
		return n.NewID()
	}
	return uuid.NewString()
}

func landlord(l map[string]any) Landlord {
	return Landlord{
		FullName:      str(l["fullName"]),
		Address:       str(l["address"]),
		Email:         str(l["email"]),
		Phone:         str(l["phone"]),
		City:          str(l["city"]),
		SignatureName: str(l["signatureName"]),
	}
}

func (n Normalizer) tenant(t map[string]any) Tenant {
	tenant := Tenant{
		ID:            n.id(t["id"]),
		FullName:      str(t["fullName"]),
		TenantAddress: str(t["tenantAddress"]),
		PaymentMethod: str(t["paymentMethod"]),
		Properties:    []Property{},
	}
	if tenant.PaymentMethod == "" {
		tenant.PaymentMethod = DefaultPaymentMethod
	}

	props := asList(t["properties"])
	if len(props) == 0 {
		// Single-unit layout: rent and address lived on the tenant.
		props = []any{map[string]any{
			"label":   LegacyPropertyLabel,
			"address": t["propertyAddress"],
			"rentHc":  t["rentHc"],
			"charges": t["charges"],
		}}
	}
	for _, p := range props {
		tenant.Properties = append(tenant.Properties, n.property(asObject(p)))
	}
	return tenant
}

func (n Normalizer) property(p map[string]any) Property {
	label := strings.TrimSpace(str(p["label"]))
	if label == "" {
		label = DefaultPropertyLabel
	}
	return Property{
		ID:      n.id(p["id"]),
		Label:   label,
		Address: strings.TrimSpace(str(p["address"])),
		RentHC:  amount(p["rentHc"]),
		Charges: amount(p["charges"]),
	}
}

func (n Normalizer) receipt(r map[string]any, now time.Time) Receipt {
	rec := Receipt{
		ID:              n.id(r["id"]),
		TenantID:        str(r["tenantId"]),
		TenantName:      str(r["tenantName"]),
		TenantAddress:   str(r["tenantAddress"]),
		PropertyID:      str(r["propertyId"]),
		PropertyLabel:   str(r["propertyLabel"]),
		PropertyAddress: str(r["propertyAddress"]),
		Year:            integer(r["year"], now.Year()),
		Month:           integer(r["month"], 0),
		Period:          str(r["period"]),
		Reference:       str(r["reference"]),
		DateIssued:      str(r["dateIssued"]),
		RentHC:          amount(r["rentHc"]),
		Charges:         amount(r["charges"]),
		Adjustments:     NormalizeAdjustments(r["adjustments"]),
		Total:           amount(r["total"]),
		PaymentMethod:   str(r["paymentMethod"]),
		CreatedAt:       millis(r["createdAt"], now),
	}
	if rec.DateIssued == "" {
		rec.DateIssued = now.Format(DateLayout)
	}
	if rec.PaymentMethod == "" {
		rec.PaymentMethod = DefaultPaymentMethod
	}
	return rec
}

func (n Normalizer) payment(p map[string]any, now time.Time) Payment {
	pay := Payment{
		ID:         n.id(p["id"]),
		TenantID:   str(p["tenantId"]),
		PropertyID: str(p["propertyId"]),
		Year:       integer(p["year"], now.Year()),
		Month:      integer(p["month"], 0),
		Status:     PaymentStatus(str(p["status"])),
		Note:       str(p["note"]),
		UpdatedAt:  millis(p["updatedAt"], now),
	}
	if pay.Status == "" {
		pay.Status = StatusPending
	}
	return pay
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

// str keeps strings verbatim and renders numbers; anything else is "".
func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if finite(x) {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	case json.Number:
		return x.String()
	}
	return ""
}

// number coerces JSON numbers, numeric strings and booleans.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, finite(x)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil && finite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && finite(f)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func amount(v any) float64 {
	if f, ok := number(v); ok {
		return f
	}
	return 0
}

// integer treats zero and non-numeric input as absent.
func integer(v any, def int) int {
	f, ok := number(v)
	if !ok || int(f) == 0 {
		return def
	}
	return int(f)
}

func millis(v any, now time.Time) int64 {
	f, ok := number(v)
	if !ok || int64(f) == 0 {
		return now.UnixMilli()
	}
	return int64(f)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
