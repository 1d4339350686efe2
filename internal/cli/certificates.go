package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/spf13/cobra"
)

// MintOptions holds flags for the mint command.
type MintOptions struct {
	*RootOptions
	Batch          string
	Origin         string
	Composition    string
	Certification  string
	ProductionDate string
	Metadata       string
	Wait           bool
}

// NewMintCommand creates the mint command.
func NewMintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a certificate for a textile batch",
		Long: `Mint a certificate for a textile batch.

The certificate is stored as pending and confirmed asynchronously. Use
--wait to block until the confirmation arrived.

Metadata is a JSON or YAML mapping of scalar values.

Examples:
  textrace mint --batch "Organic Cotton Batch A1" --origin India
  textrace mint --batch A2 --origin Peru --metadata '{"dye": "indigo", "lot": 42}' --wait`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, cmd.OutOrStdout(), func(a *app) error {
				return runMint(cmd.Context(), a, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Batch, "batch", "", "batch name (required)")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin location (required)")
	cmd.Flags().StringVar(&opts.Composition, "composition", "", "fiber composition")
	cmd.Flags().StringVar(&opts.Certification, "certification", "", "certification reference")
	cmd.Flags().StringVar(&opts.ProductionDate, "production-date", "", "production date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "metadata as JSON or YAML mapping")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the confirmation")

	return cmd
}

func runMint(ctx context.Context, a *app, opts *MintOptions) error {
	req := textrace.CertificateRequest{
		BatchName:        opts.Batch,
		OriginLocation:   opts.Origin,
		Composition:      opts.Composition,
		CertificationRef: opts.Certification,
		RawMetadata:      opts.Metadata,
	}
	if opts.ProductionDate != "" {
		date, err := time.Parse(time.DateOnly, opts.ProductionDate)
		if err != nil {
			return WrapExitError(ExitFailure, "invalid production date, use YYYY-MM-DD", err)
		}
		req.ProductionDate = date
	}

	cert, err := a.certificates.Issue(ctx, req)
	if err != nil {
		return a.out.Failure(err)
	}

	if opts.Wait {
		if err := a.certificates.Wait(ctx); err != nil {
			return WrapExitError(ExitCommandError, "interrupted while waiting for confirmation", err)
		}
		if cert, err = a.certificates.Get(ctx, cert.RecordID); err != nil {
			return a.out.Failure(err)
		}
	}

	return a.out.Success(cert, describeCertificate(cert))
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List your certificates, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				certs, err := a.certificates.List(cmd.Context())
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(certs, certificateTable(certs))
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <record-id>",
		Short:         "Show one of your certificates and its transactions",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				cert, err := a.certificates.Get(cmd.Context(), args[0])
				if err != nil {
					return a.out.Failure(err)
				}
				txns, err := a.certificates.Transactions(cmd.Context(), args[0])
				if err != nil {
					return a.out.Failure(err)
				}

				var b strings.Builder
				b.WriteString(describeCertificate(cert))
				for _, txn := range txns {
					fmt.Fprintf(&b, "transaction %s  %s  %s  %s\n", txn.ID, txn.Kind, txn.Status, dash(txn.Token()))
				}

				return a.out.Success(map[string]any{
					"certificate":  cert,
					"transactions": txns,
				}, b.String())
			})
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <record-id>",
		Short: "Verify a product certificate by its record id",
		Long: `Verify a product certificate by its record id.

No sign in is needed: anyone holding the id printed on the product can
check that the certificate was confirmed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				cert, err := a.certificates.Verify(cmd.Context(), args[0])
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(cert, "Verified.\n"+describeCertificate(cert))
			})
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Count your certificates per status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				stats, err := a.certificates.Stats(cmd.Context())
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(stats, fmt.Sprintf(
					"total:     %d\nconfirmed: %d\npending:   %d\nfailed:    %d\n",
					stats.Total, stats.Confirmed, stats.Pending, stats.Failed,
				))
			})
		},
	}
}

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Fail certificates whose confirmation never arrived",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, cmd.OutOrStdout(), func(a *app) error {
				olderThan := opts.OlderThan
				if olderThan <= 0 {
					olderThan = a.cfg.Certificates.ReconcileAfter
				}
				n, err := a.certificates.ExpirePending(cmd.Context(), olderThan)
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(map[string]any{"expired": n}, fmt.Sprintf("Expired %d pending certificates.\n", n))
			})
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "expire pending certificates older than this (default from config)")

	return cmd
}

func describeCertificate(cert *textrace.Certificate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", cert.RecordID, strings.ToUpper(string(cert.Status)))
	fmt.Fprintf(&b, "batch:         %s\n", cert.BatchName)
	fmt.Fprintf(&b, "origin:        %s\n", cert.OriginLocation)
	if cert.Composition != nil {
		fmt.Fprintf(&b, "composition:   %s\n", *cert.Composition)
	}
	if cert.CertificationRef != nil {
		fmt.Fprintf(&b, "certification: %s\n", *cert.CertificationRef)
	}
	fmt.Fprintf(&b, "produced:      %s\n", cert.ProductionDate.Format(time.DateOnly))
	fmt.Fprintf(&b, "created:       %s\n", formatTime(cert.CreatedAt))
	if token := cert.Token(); token != "" {
		fmt.Fprintf(&b, "token:         %s\n", token)
	}
	if reason := cert.Reason(); reason != "" {
		fmt.Fprintf(&b, "failure:       %s\n", reason)
	}
	for _, key := range cert.Metadata.Keys() {
		fmt.Fprintf(&b, "meta.%s: %v\n", key, cert.Metadata[key])
	}
	return b.String()
}

func certificateTable(certs []*textrace.Certificate) string {
	if len(certs) == 0 {
		return "No certificates yet.\n"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSTATUS\tBATCH\tORIGIN\tTOKEN\tCREATED")
	for _, cert := range certs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cert.RecordID, cert.Status, cert.BatchName, cert.OriginLocation,
			dash(cert.Token()), formatTime(cert.CreatedAt))
	}
	_ = w.Flush()
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
