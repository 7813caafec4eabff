package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/ledger"
	"github.com/quittances/quittances/internal/schema"
)

func newShowCmd(app *cli) *cobra.Command {
	var offline bool
	var year int

	cmd := &cobra.Command{
		Use:     "show",
		GroupID: "data",
		Short:   "Show landlord, tenants, receipts and payments",
		Long: `Show the working document. When an identity is signed in and a remote
backend is configured, the remote document is fetched first (the remote wins
at sign-in); --offline shows the local copy only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.start(ctx)
			if err != nil {
				return err
			}
			defer rt.stop()
			if !offline {
				app.bind(ctx, rt)
			}

			doc := rt.controller.Get()
			if year == 0 {
				year = time.Now().Year()
			}
			renderDocument(cmd.OutOrStdout(), &doc, year)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", renderMuted("sync: "+rt.controller.Phase().String()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "do not contact the remote mirror")
	cmd.Flags().IntVar(&year, "year", 0, "year for payment tracking (default: current year)")
	return cmd
}

func renderDocument(w io.Writer, doc *schema.Document, year int) {
	l := doc.Landlord
	landlord := []string{orDash(l.FullName)}
	for _, line := range []string{l.Address, l.City, l.Email, l.Phone} {
		if line != "" {
			landlord = append(landlord, line)
		}
	}
	fmt.Fprintln(w, headerStyle.Render("Bailleur"))
	fmt.Fprintln(w, boxStyle.Render(strings.Join(landlord, "\n")))

	fmt.Fprintf(w, "\n%s\n", headerStyle.Render(fmt.Sprintf("Locataires (%d)", len(doc.Tenants))))
	if len(doc.Tenants) == 0 {
		fmt.Fprintln(w, renderMuted("  aucun locataire"))
	}
	for _, t := range doc.Tenants {
		fmt.Fprintf(w, "  %s %s\n", renderAccent(t.FullName), renderMuted("["+t.ID+"] "+t.PaymentMethod))
		for _, p := range t.Properties {
			fmt.Fprintf(w, "    - %s: %s  loyer %s + charges %s %s\n",
				p.Label, orDash(p.Address), euro(p.RentHC), euro(p.Charges), renderMuted("["+p.ID+"]"))
			fmt.Fprintf(w, "      %d: %s\n", year, paymentRow(doc, t.ID, p.ID, year))
		}
	}

	fmt.Fprintf(w, "\n%s\n", headerStyle.Render(fmt.Sprintf("Quittances (%d)", len(doc.Receipts))))
	for _, y := range ledger.Years(doc) {
		fmt.Fprintf(w, "  %s  %s\n", renderAccent(fmt.Sprint(y)), euro(ledger.YearTotal(doc, y)))
		for _, r := range doc.Receipts {
			if r.Year != y {
				continue
			}
			fmt.Fprintf(w, "    %s  %-20s %-16s %12s  %s\n",
				r.DateIssued, r.TenantName, r.Period, euro(r.Total), renderMuted(r.Reference+" ["+r.ID+"]"))
		}
	}
}

// paymentRow renders one status letter per month: P paid, L late, . pending.
func paymentRow(doc *schema.Document, tenantID, propertyID string, year int) string {
	var b strings.Builder
	for m := 0; m < 12; m++ {
		switch ledger.PaymentStatus(doc, tenantID, propertyID, year, m) {
		case schema.StatusPaid:
			b.WriteString(renderPass("P"))
		case schema.StatusLate:
			b.WriteString(renderFail("L"))
		default:
			b.WriteString(renderMuted("."))
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
