package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/ledger"
	"github.com/quittances/quittances/internal/schema"
)

func newLandlordCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "landlord",
		GroupID: "data",
		Short:   "Edit the landlord profile",
	}

	var l schema.Landlord
	set := &cobra.Command{
		Use:   "set",
		Short: "Set landlord fields; omitted flags keep their value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				next := doc.Landlord
				for name, dst := range map[string]*string{
					"name":      &next.FullName,
					"address":   &next.Address,
					"email":     &next.Email,
					"phone":     &next.Phone,
					"city":      &next.City,
					"signature": &next.SignatureName,
				} {
					if flags.Changed(name) {
						*dst, _ = flags.GetString(name)
					}
				}
				ledger.SetLandlord(doc, next)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Landlord updated\n", renderPass("✓"))
			return nil
		},
	}
	set.Flags().StringVar(&l.FullName, "name", "", "full name")
	set.Flags().StringVar(&l.Address, "address", "", "postal address")
	set.Flags().StringVar(&l.Email, "email", "", "email")
	set.Flags().StringVar(&l.Phone, "phone", "", "phone")
	set.Flags().StringVar(&l.City, "city", "", "city printed as \"Fait à\"")
	set.Flags().StringVar(&l.SignatureName, "signature", "", "signature name (default: full name)")
	cmd.AddCommand(set)
	return cmd
}

func newTenantCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tenant",
		GroupID: "data",
		Short:   "Add or remove tenants and their units",
	}

	var in ledger.TenantInput
	var unit schema.Property
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a tenant with one unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				t, err := ledger.AddTenant(doc, in)
				if err != nil {
					return err
				}
				p := &t.Properties[0]
				if unit.Label != "" {
					p.Label = unit.Label
				}
				p.Address = strings.TrimSpace(unit.Address)
				p.RentHC = unit.RentHC
				p.Charges = unit.Charges
				id = t.ID
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Added tenant %s\n", renderPass("✓"), id)
			return nil
		},
	}
	add.Flags().StringVar(&in.FullName, "name", "", "full name (required)")
	add.Flags().StringVar(&in.TenantAddress, "address", "", "tenant postal address")
	add.Flags().StringVar(&in.PaymentMethod, "payment-method", schema.DefaultPaymentMethod, "payment method printed on receipts")
	add.Flags().StringVar(&unit.Label, "unit-label", "", "label of the first unit")
	add.Flags().StringVar(&unit.Address, "unit-address", "", "address of the first unit")
	add.Flags().Float64Var(&unit.RentHC, "rent", 0, "monthly rent excluding charges")
	add.Flags().Float64Var(&unit.Charges, "charges", 0, "monthly charges (negative for a credit)")
	_ = add.MarkFlagRequired("name")

	rm := &cobra.Command{
		Use:   "rm <tenant>",
		Short: "Remove a tenant and its receipts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				t, err := resolveTenant(doc, args[0])
				if err != nil {
					return err
				}
				return ledger.RemoveTenant(doc, t.ID)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed tenant %s\n", renderPass("✓"), args[0])
			return nil
		},
	}

	var prop schema.Property
	addProp := &cobra.Command{
		Use:   "add-property <tenant>",
		Short: "Add a unit to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var label string
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				t, err := resolveTenant(doc, args[0])
				if err != nil {
					return err
				}
				p, err := ledger.AddProperty(doc, t.ID, prop)
				if err != nil {
					return err
				}
				label = p.Label
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s\n", renderPass("✓"), label)
			return nil
		},
	}
	addProp.Flags().StringVar(&prop.Label, "label", "", "unit label (default: Logement N)")
	addProp.Flags().StringVar(&prop.Address, "address", "", "unit address")
	addProp.Flags().Float64Var(&prop.RentHC, "rent", 0, "monthly rent excluding charges")
	addProp.Flags().Float64Var(&prop.Charges, "charges", 0, "monthly charges (negative for a credit)")

	cmd.AddCommand(add, rm, addProp)
	return cmd
}

func newReceiptCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "receipt",
		GroupID: "data",
		Short:   "Generate or delete rent receipts",
	}

	var (
		tenant, property, date, ref string
		year, month                 int
		rent, charges               float64
		adjustments                 []string
	)
	newRec := &cobra.Command{
		Use:   "new",
		Short: "Record a receipt for one month",
		Long: `Record a receipt snapshot. Rent and charges default to the unit's current
values. --date accepts YYYY-MM-DD or expressions such as "today" or
"last friday". --adj "Label=amount" adds a signed line and may be repeated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			issued, err := ledger.ParseIssueDate(date, now)
			if err != nil {
				return err
			}
			adjs, err := parseAdjustments(adjustments)
			if err != nil {
				return err
			}
			if month < 1 || month > 12 {
				return fmt.Errorf("%w: month must be 1-12", ledger.ErrInvalid)
			}

			var rec schema.Receipt
			flags := cmd.Flags()
			err = app.commit(cmd.Context(), func(doc *schema.Document) error {
				t, err := resolveTenant(doc, tenant)
				if err != nil {
					return err
				}
				req := ledger.ReceiptRequest{
					TenantID:    t.ID,
					PropertyID:  property,
					Year:        year,
					Month:       month - 1,
					DateIssued:  issued,
					Reference:   ref,
					Adjustments: adjs,
				}
				if err := req.FromProperty(doc); err != nil {
					return err
				}
				if flags.Changed("rent") {
					req.RentHC = rent
				}
				if flags.Changed("charges") {
					req.Charges = charges
				}
				rec, err = ledger.AddReceipt(doc, req, now)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s  %s  %s\n",
				renderPass("✓"), rec.Reference, rec.Period, euro(rec.Total), renderMuted(rec.ID))
			return nil
		},
	}
	now := time.Now()
	newRec.Flags().StringVar(&tenant, "tenant", "", "tenant id or full name (required)")
	newRec.Flags().StringVar(&property, "property", "", "unit id (default: first unit)")
	newRec.Flags().IntVar(&year, "year", now.Year(), "year")
	newRec.Flags().IntVar(&month, "month", int(now.Month()), "month, 1-12")
	newRec.Flags().StringVar(&date, "date", "", "issue date (default: today)")
	newRec.Flags().StringVar(&ref, "ref", "", "reference (default: Q-YYYY-MM-Name)")
	newRec.Flags().Float64Var(&rent, "rent", 0, "rent excluding charges (default: unit rent)")
	newRec.Flags().Float64Var(&charges, "charges", 0, "charges (default: unit charges)")
	newRec.Flags().StringArrayVar(&adjustments, "adj", nil, `adjustment "Label=amount"`)
	_ = newRec.MarkFlagRequired("tenant")

	rm := &cobra.Command{
		Use:   "rm <receipt-id>",
		Short: "Delete a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				return ledger.RemoveReceipt(doc, args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted receipt %s\n", renderPass("✓"), args[0])
			return nil
		},
	}

	cmd.AddCommand(newRec, rm)
	return cmd
}

func newPaymentCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "payment",
		GroupID: "data",
		Short:   "Track whether rent was paid",
	}

	var (
		tenant, property, status, note string
		year, month                    int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the payment status of one month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if month < 1 || month > 12 {
				return fmt.Errorf("%w: month must be 1-12", ledger.ErrInvalid)
			}
			err := app.commit(cmd.Context(), func(doc *schema.Document) error {
				t, err := resolveTenant(doc, tenant)
				if err != nil {
					return err
				}
				propertyID := property
				if propertyID == "" && len(t.Properties) > 0 {
					propertyID = t.Properties[0].ID
				}
				_, err = ledger.SetPayment(doc, t.ID, propertyID, year, month-1, schema.PaymentStatus(status), note, time.Now())
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", renderPass("✓"), tenant, ledger.PeriodLabel(year, month-1), status)
			return nil
		},
	}
	now := time.Now()
	set.Flags().StringVar(&tenant, "tenant", "", "tenant id or full name (required)")
	set.Flags().StringVar(&property, "property", "", "unit id (default: first unit)")
	set.Flags().IntVar(&year, "year", now.Year(), "year")
	set.Flags().IntVar(&month, "month", int(now.Month()), "month, 1-12")
	set.Flags().StringVar(&status, "status", string(schema.StatusPaid), "paid, pending or late")
	set.Flags().StringVar(&note, "note", "", "free-form note")
	_ = set.MarkFlagRequired("tenant")

	cmd.AddCommand(set)
	return cmd
}

// resolveTenant finds a tenant by id, then by case-insensitive full name.
func resolveTenant(doc *schema.Document, ref string) (*schema.Tenant, error) {
	if t, ok := doc.Tenant(ref); ok {
		return t, nil
	}
	var found *schema.Tenant
	for i := range doc.Tenants {
		if strings.EqualFold(doc.Tenants[i].FullName, strings.TrimSpace(ref)) {
			if found != nil {
				return nil, fmt.Errorf("%w: several tenants are named %q, use the id", ledger.ErrInvalid, ref)
			}
			found = &doc.Tenants[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: tenant %s", ledger.ErrNotFound, ref)
	}
	return found, nil
}

// parseAdjustments reads "Label=amount" pairs.
func parseAdjustments(specs []string) ([]schema.Adjustment, error) {
	var out []schema.Adjustment
	for _, s := range specs {
		i := strings.LastIndex(s, "=")
		if i < 0 {
			return nil, fmt.Errorf("%w: adjustment %q is not Label=amount", ledger.ErrInvalid, s)
		}
		amount, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s[i+1:]), ",", "."), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: adjustment amount %q", ledger.ErrInvalid, s[i+1:])
		}
		out = append(out, schema.Adjustment{Label: s[:i], Amount: amount})
	}
	return out, nil
}
