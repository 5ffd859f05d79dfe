package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/defenderhub/defenderhub/pkg/asr"
	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/retention"
	"github.com/defenderhub/defenderhub/pkg/script"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func sweepCmd(opts *options) *cobra.Command {
	var (
		local  bool
		driver string
		dsn    string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep",
		Long:  "Run a retention sweep on the server, or directly against a database with --local",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report retention.Report
			if local {
				st, err := store.Open(driver, dsn)
				if err != nil {
					return err
				}
				defer st.Close()

				logger := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger()
				report, err = retention.NewSweeper(st, retention.Options{}, logger).Run(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				var resp struct {
					Report retention.Report `json:"report"`
				}
				if err := opts.client().do(cmd.Context(), http.MethodPost, "/admin/retention/sweep", nil, &resp); err != nil {
					return err
				}
				report = resp.Report
			}

			if opts.output != "table" {
				return render(cmd.OutOrStdout(), opts.output, report)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Statuses deleted:    %d\n", report.StatusesDeleted)
			fmt.Fprintf(w, "Event logs deleted:  %d\n", report.EventLogsDeleted)
			fmt.Fprintf(w, "Agent logs deleted:  %d\n", report.AgentLogsDeleted)
			fmt.Fprintf(w, "Duration:            %s\n", report.Duration.Round(time.Millisecond))
			for _, e := range report.Errors {
				fmt.Fprintf(w, "  error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Sweep a database directly instead of calling the server")
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "Database driver for --local (sqlite or postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "defenderhub.db", "Database DSN for --local")
	return cmd
}

func catalogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the Defender settings catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd.OutOrStdout(), opts.output, catalog.Full())
		},
	}
}

func parseEventCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "parse-event [file|-]",
		Short: "Parse an ASR event message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			event, ok := asr.ParseMessage(string(data))
			if !ok {
				return fmt.Errorf("message is not a recognisable ASR event")
			}
			return render(cmd.OutOrStdout(), opts.output, event)
		},
	}
}

func scriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Work with the endpoint agent script",
	}

	var params script.Params
	var out string
	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Render the agent script for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := script.Render(params)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(out, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%d bytes)\n", out, len(body))
			return nil
		},
	}
	renderCmd.Flags().StringVar(&params.OrganizationID, "org", "", "Organization id")
	renderCmd.Flags().StringVar(&params.BaseURL, "base-url", "", "Public base URL of the service")
	renderCmd.Flags().StringVar(&params.AgentToken, "token", "", "Agent token to embed")
	renderCmd.Flags().StringVar(&out, "out", "", "Output file (default stdout)")

	cmd.AddCommand(renderCmd)
	return cmd
}
