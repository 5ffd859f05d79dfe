package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/spf13/cobra"
)

func fetchEndpoints(cmd *cobra.Command, opts *options, organizationID string) ([]store.Endpoint, error) {
	path := "/admin/endpoints"
	if organizationID != "" {
		path += "?organization_id=" + url.QueryEscape(organizationID)
	}
	var resp struct {
		Endpoints []store.Endpoint `json:"endpoints"`
	}
	if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

func statusCmd(opts *options) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet compliance summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := fetchEndpoints(cmd, opts, org)
			if err != nil {
				return err
			}

			var online, compliant, nonCompliant int
			for _, ep := range endpoints {
				if ep.IsOnline {
					online++
				}
				switch {
				case ep.Compliant == nil:
				case *ep.Compliant:
					compliant++
				default:
					nonCompliant++
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "DefenderHub Status\n")
			fmt.Fprintf(w, "==================\n\n")
			fmt.Fprintf(w, "Total Endpoints:   %d\n", len(endpoints))
			fmt.Fprintf(w, "Online:            %d\n", online)
			fmt.Fprintf(w, "Compliant:         %d\n", compliant)
			fmt.Fprintf(w, "Non-compliant:     %d\n", nonCompliant)
			fmt.Fprintf(w, "No policy result:  %d\n", len(endpoints)-compliant-nonCompliant)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Limit to one organization id")
	return cmd
}

func endpointsCmd(opts *options) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"ls", "list"},
		Short:   "List registered endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := fetchEndpoints(cmd, opts, org)
			if err != nil {
				return err
			}
			if opts.output != "table" {
				return render(cmd.OutOrStdout(), opts.output, endpoints)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOSTNAME\tONLINE\tCOMPLIANT\tDEFENDER\tLAST SEEN\tVIOLATIONS")
			for _, ep := range endpoints {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t%s\n",
					ep.Hostname, ep.IsOnline, complianceLabel(ep.Compliant), ep.DefenderVersion,
					sinceLabel(ep.LastSeenAt), strings.Join(ep.Violations, "; "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Limit to one organization id")
	return cmd
}

func endpointCmd(opts *options) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "endpoint [hostname]",
		Short: "Show details for one endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := fetchEndpoints(cmd, opts, org)
			if err != nil {
				return err
			}
			for _, ep := range endpoints {
				if !strings.EqualFold(ep.Hostname, args[0]) {
					continue
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, ep)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Endpoint: %s\n", ep.Hostname)
				fmt.Fprintf(w, "========================================\n\n")
				fmt.Fprintf(w, "ID:            %s\n", ep.ID)
				fmt.Fprintf(w, "Organization:  %s\n", ep.OrganizationID)
				fmt.Fprintf(w, "OS:            %s (build %s)\n", ep.OSVersion, ep.OSBuild)
				fmt.Fprintf(w, "Defender:      %s\n", ep.DefenderVersion)
				fmt.Fprintf(w, "Online:        %v\n", ep.IsOnline)
				fmt.Fprintf(w, "Last Seen:     %s\n", sinceLabel(ep.LastSeenAt))
				fmt.Fprintf(w, "Compliant:     %s\n", complianceLabel(ep.Compliant))
				for _, v := range ep.Violations {
					fmt.Fprintf(w, "  - %s\n", v)
				}
				return nil
			}
			return fmt.Errorf("endpoint %q not found", args[0])
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Limit to one organization id")
	return cmd
}

func complianceLabel(c *bool) string {
	switch {
	case c == nil:
		return "unknown"
	case *c:
		return "yes"
	default:
		return "no"
	}
}

func sinceLabel(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}
