package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/hostdomains/pkg/client"
	"github.com/spf13/cobra"
)

// ── add ──────────────────────────────────────────────────────────────────────

var (
	addPurpose    string
	addRecordType string
	addTarget     string
)

var addCmd = &cobra.Command{
	Use:   "add <fqdn>",
	Short: "Add a custom domain and print the DNS records to publish",
	Example: `  domainctl add shop.example.com --purpose landing
  domainctl add go.example.com --purpose url_shortener --record CNAME`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Add(cmd.Context(), client.AddRequest{
			FQDN:       args[0],
			Purpose:    addPurpose,
			RecordType: strings.ToUpper(addRecordType),
			TargetID:   addTarget,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(res)
		}
		fmt.Printf("Added %s (%s)\n\n", res.Domain.FQDN, res.Domain.ID)
		printRecords(res.Instructions)
		fmt.Printf("\nThen run: domainctl verify %s\n", res.Domain.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addPurpose, "purpose", client.PurposeLanding, "landing or url_shortener")
	addCmd.Flags().StringVar(&addRecordType, "record", "TXT", "ownership record type: TXT or CNAME")
	addCmd.Flags().StringVar(&addTarget, "target", "", "id of the landing page or short-link set to serve")
}

func printRecords(records []client.DNSRecord) {
	fmt.Println("Publish these DNS records:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TYPE\tHOST\tVALUE")
	for _, r := range records {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Type, r.Host, r.Value)
	}
	w.Flush() //nolint:errcheck
}

// ── list / get ───────────────────────────────────────────────────────────────

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		domains, err := c.List(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(domains)
		}
		printDomainTable(domains)
		return nil
	},
}

func printDomainTable(domains []client.Domain) {
	if len(domains) == 0 {
		fmt.Println("No domains.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFQDN\tDNS\tSSL\tBINDINGS")
	for _, d := range domains {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.FQDN, d.DNSStatus, d.SSLStatus, bindingSummary(d.Bindings))
	}
	w.Flush() //nolint:errcheck
}

func bindingSummary(bindings []client.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, b.Purpose+"="+b.Status)
	}
	return strings.Join(parts, ",")
}

var getCmd = &cobra.Command{
	Use:   "get <domain-id>",
	Short: "Show one domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(d)
		}
		printDomain(d)
		return nil
	},
}

func printDomain(d *client.Domain) {
	fmt.Printf("Domain:      %s\n", d.FQDN)
	fmt.Printf("ID:          %s\n", d.ID)
	fmt.Printf("DNS:         %s\n", d.DNSStatus)
	fmt.Printf("Certificate: %s\n", d.SSLStatus)
	if d.CertExpiresAt != nil {
		fmt.Printf("Expires:     %s\n", d.CertExpiresAt.Format(time.RFC3339))
	}
	if d.LastError != nil {
		fmt.Printf("Last error:  %s: %s\n", d.LastError.Code, d.LastError.Message)
	}
	for _, b := range d.Bindings {
		line := fmt.Sprintf("  %-14s %s", b.Purpose, b.Status)
		if b.LastError != nil {
			line += fmt.Sprintf(" (%s)", b.LastError.Code)
		}
		fmt.Println(line)
	}
	if len(d.Instructions) > 0 {
		fmt.Println()
		printRecords(d.Instructions)
	}
}

// ── verify / retry / status ─────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <domain-id>",
	Short: "Check the published DNS records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Verify(cmd.Context(), args[0])
		if err != nil {
			if client.IsCode(err, client.CodeDNSVerificationFailed) {
				var cerr *client.Error
				if errors.As(err, &cerr) && cerr.Record != nil {
					return fmt.Errorf("%w\n\nPublish the %s record for %s and try again; DNS changes can take a few minutes to propagate",
						err, cerr.Record.Type, cerr.Record.Host)
				}
				return fmt.Errorf("%w\n\nPublish the record and try again; DNS changes can take a few minutes to propagate", err)
			}
			return err
		}
		if outputJSON {
			return printJSON(d)
		}
		fmt.Printf("✓ DNS verified for %s (certificate: %s)\n", d.FQDN, d.SSLStatus)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <domain-id>",
	Short: "Start (or restart) certificate issuance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Retry(cmd.Context(), args[0])
		if err != nil {
			var cerr *client.Error
			if errors.As(err, &cerr) && cerr.RetryAfter > 0 {
				return fmt.Errorf("%w (retry in %s)", err, cerr.RetryAfter)
			}
			return err
		}
		if outputJSON {
			return printJSON(d)
		}
		fmt.Printf("Certificate issuance started for %s. Follow it with: domainctl watch %s\n", d.FQDN, d.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <domain-id>",
	Short: "Ask the server to re-evaluate a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CheckStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(res)
		}
		fmt.Printf("[%s] %s\n\n", res.Status, res.Message)
		printDomain(&res.Domain)
		return nil
	},
}

// ── available / activate ─────────────────────────────────────────────────────

var availablePurpose string

var availableCmd = &cobra.Command{
	Use:   "available",
	Short: "List ready domains that can also serve a purpose",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		domains, err := c.Available(cmd.Context(), availablePurpose)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(domains)
		}
		printDomainTable(domains)
		return nil
	},
}

var (
	activatePurpose string
	activateTarget  string
)

var activateCmd = &cobra.Command{
	Use:   "activate <domain-id>",
	Short: "Attach a ready domain to another purpose",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.Activate(cmd.Context(), args[0], activatePurpose, activateTarget)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(b)
		}
		fmt.Printf("✓ Domain %s is now active for %s\n", args[0], b.Purpose)
		return nil
	},
}

func init() {
	availableCmd.Flags().StringVar(&availablePurpose, "purpose", client.PurposeURLShortener, "landing or url_shortener")
	activateCmd.Flags().StringVar(&activatePurpose, "purpose", "", "landing or url_shortener")
	activateCmd.Flags().StringVar(&activateTarget, "target", "", "id of the landing page or short-link set to serve")
	_ = activateCmd.MarkFlagRequired("purpose")
}

// ── impact / remove / history ────────────────────────────────────────────────

var (
	removePurpose string
	removeForce   bool
	removeYes     bool
)

var impactCmd = &cobra.Command{
	Use:   "impact <domain-id>",
	Short: "Show what removing a domain would affect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		impact, err := c.Impact(cmd.Context(), args[0], removePurpose)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(impact)
		}
		printImpact(impact)
		return nil
	},
}

func printImpact(impact *client.Impact) {
	if impact.CanDeactivateOnly {
		fmt.Println("Only the binding will be deactivated; the domain stays in use by another purpose.")
	} else {
		fmt.Println("The domain and all its bindings will be deleted.")
	}
	for _, b := range impact.AffectedBindings {
		fmt.Printf("  binding    %-14s %s\n", b.Purpose, b.Status)
	}
	for _, d := range impact.AffectedDependents {
		fmt.Printf("  dependent  %-14s %s\n", d.Kind, d.Label)
	}
}

var removeCmd = &cobra.Command{
	Use:   "remove <domain-id>",
	Short: "Remove a domain, or deactivate one purpose with --purpose",
	Long: `Remove first checks what depends on the domain. When short links or
landing pages would stop resolving, you are asked to confirm and the removal
is repeated with force.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		res, err := c.Remove(ctx, args[0], removePurpose, removeForce)
		if err != nil {
			return err
		}
		if res.RequiresConfirmation {
			printImpact(&res.Impact)
			if !removeYes && !confirm("\nThese resources will stop working. Continue?") {
				fmt.Println("Aborted.")
				return nil
			}
			if res, err = c.Remove(ctx, args[0], removePurpose, true); err != nil {
				return err
			}
		}
		if outputJSON {
			return printJSON(res)
		}
		fmt.Printf("✓ %s\n", res.Action)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <domain-id>",
	Short: "Show the audit trail of a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTIME\tACTION\tACTOR")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Action, e.Actor)
		}
		return w.Flush()
	},
}

func init() {
	impactCmd.Flags().StringVar(&removePurpose, "purpose", "", "only the binding for this purpose")
	removeCmd.Flags().StringVar(&removePurpose, "purpose", "", "only deactivate the binding for this purpose")
	removeCmd.Flags().BoolVar(&removeForce, "force", false, "remove even when resources depend on the domain")
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "skip the confirmation prompt")
}
