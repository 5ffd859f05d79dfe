package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/spf13/cobra"
)

func tokensCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage router enrollment tokens",
	}
	cmd.AddCommand(issueTokenCmd(opts), listTokensCmd(opts), revokeTokenCmd(opts))
	return cmd
}

type issuedToken struct {
	ID        string     `json:"id" yaml:"id"`
	Token     string     `json:"token" yaml:"token"`
	Label     string     `json:"label" yaml:"label"`
	ExpiresAt *time.Time `json:"expires_at" yaml:"expires_at"`
	MaxUses   *int       `json:"max_uses" yaml:"max_uses"`
}

func issueTokenCmd(opts *options) *cobra.Command {
	var (
		org     string
		label   string
		expires time.Duration
		maxUses int
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a router enrollment token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			body := map[string]any{
				"organization_id":    org,
				"label":              label,
				"expires_in_seconds": int64(expires.Seconds()),
			}
			if maxUses > 0 {
				body["max_uses"] = maxUses
			}

			var issued issuedToken
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/admin/router-tokens", body, &issued); err != nil {
				return err
			}
			if opts.output != "table" {
				return render(cmd.OutOrStdout(), opts.output, issued)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Token ID:  %s\n", issued.ID)
			fmt.Fprintf(w, "Token:     %s\n", issued.Token)
			fmt.Fprintln(w, "The token is shown once; store it now.")
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	cmd.Flags().StringVar(&label, "label", "", "Label shown in listings")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Lifetime, e.g. 72h (0 never expires)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "Maximum enrollments (0 unlimited)")
	return cmd
}

func listTokensCmd(opts *options) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List router enrollment tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/router-tokens"
			if org != "" {
				path += "?organization_id=" + url.QueryEscape(org)
			}
			var resp struct {
				Tokens []store.RouterEnrollmentToken `json:"tokens"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.output != "table" {
				return render(cmd.OutOrStdout(), opts.output, resp.Tokens)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tACTIVE\tUSES\tEXPIRES")
			for _, t := range resp.Tokens {
				uses := fmt.Sprintf("%d", t.UseCount)
				if t.MaxUses != nil {
					uses += fmt.Sprintf("/%d", *t.MaxUses)
				}
				expires := "never"
				if t.ExpiresAt != nil {
					expires = t.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", t.ID, t.Label, t.IsActive, uses, expires)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Limit to one organization id")
	return cmd
}

func revokeTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [id]",
		Short: "Deactivate a router enrollment token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/admin/router-tokens/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked\n", args[0])
			return nil
		},
	}
}
