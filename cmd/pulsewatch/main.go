// Command pulsewatch is the CLI companion to pulsewatchd. It talks to the
// daemon's local REST API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsewatch-app/pulsewatch/internal/account"
	"github.com/pulsewatch-app/pulsewatch/internal/history"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
	"github.com/pulsewatch-app/pulsewatch/internal/scheduler"
)

var (
	flagAddr  string
	flagToken string
)

func main() {
	root := &cobra.Command{
		Use:           "pulsewatch",
		Short:         "Monitor AI provider usage quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "http://127.0.0.1:8899", "daemon address")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("PULSEWATCH_TOKEN"), "API token")

	root.AddCommand(
		statusCmd(),
		refreshCmd(),
		accountsCmd(),
		historyCmd(),
		schedulerCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func api() *client {
	return newClient(flagAddr, flagToken)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler and account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st scheduler.Status
			if err := api().do("GET", "/api/v1/status", nil, &st); err != nil {
				return err
			}

			fmt.Printf("scheduler: running=%v mode=%s\n\n", st.Running, st.Mode)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tPROVIDER\tHEALTH\tUSAGE\tNEXT FETCH")
			for _, a := range st.Accounts {
				usage := "-"
				if a.LastSnapshot != nil {
					usage = fmt.Sprintf("%.0f%%", a.LastSnapshot.MaxUtilization())
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.DisplayName, a.ProviderID, a.Session.Health, usage,
					a.NextFetchAt.Local().Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [account-id]",
		Short: "Force an immediate usage fetch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/refresh"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			if err := api().do("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Println("refresh scheduled")
			return nil
		},
	}
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage monitored accounts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var accounts []account.Account
			if err := api().do("GET", "/api/v1/accounts", nil, &accounts); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tCREATED")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.DisplayName, a.ProviderID,
					a.CreatedAt.Local().Format("2006-01-02"))
			}
			return w.Flush()
		},
	}

	var (
		addProvider   string
		addName       string
		addOrgID      string
		addSessionKey string
		addAPIKey     string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := account.CreateRequest{
				ProviderID:  addProvider,
				DisplayName: addName,
				Credentials: provider.Credentials{
					OrgID:      addOrgID,
					SessionKey: addSessionKey,
					APIKey:     addAPIKey,
				},
			}
			var acc account.Account
			if err := api().do("POST", "/api/v1/accounts", req, &acc); err != nil {
				return err
			}
			fmt.Println("created account", acc.ID)
			return nil
		},
	}
	add.Flags().StringVar(&addProvider, "provider", "claude", "provider id")
	add.Flags().StringVar(&addName, "name", "", "display name")
	add.Flags().StringVar(&addOrgID, "org", "", "organization id")
	add.Flags().StringVar(&addSessionKey, "session-key", "", "session key")
	add.Flags().StringVar(&addAPIKey, "api-key", "", "API key")
	add.MarkFlagRequired("name")

	rm := &cobra.Command{
		Use:   "rm <account-id>",
		Short: "Remove an account and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().do("DELETE", "/api/v1/accounts/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("account deleted")
			return nil
		},
	}

	resume := &cobra.Command{
		Use:   "resume <account-id>",
		Short: "Resume a paused account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().do("POST", "/api/v1/accounts/"+args[0]+"/resume", nil, nil); err != nil {
				return err
			}
			fmt.Println("account resumed")
			return nil
		},
	}

	cmd.AddCommand(list, add, rm, resume)
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		accountID  string
		providerID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show captured usage history",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/history/?limit=%d", limit)
			if accountID != "" {
				path += "&account_id=" + accountID
			}
			if providerID != "" {
				path += "&provider_id=" + providerID
			}

			raw, err := api().doRaw(path)
			if err != nil {
				return err
			}
			var page struct {
				Data       []history.Entry `json:"data"`
				TotalCount int64           `json:"total_count"`
			}
			if err := json.Unmarshal(raw, &page); err != nil {
				return fmt.Errorf("decoding history: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CAPTURED\tACCOUNT\tLIMIT\tUSAGE\tRESETS")
			for _, e := range page.Data {
				for _, s := range e.Samples {
					fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\n",
						e.CapturedAt.Local().Format(time.DateTime),
						e.AccountName, s.Label, s.Utilization,
						s.ResetsAt.Local().Format("15:04"))
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d entries total\n", page.TotalCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	cmd.Flags().StringVar(&providerID, "provider", "", "filter by provider id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")

	var format, outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export history as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := api().doRaw("/api/v1/history/export?format=" + format)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = os.Stdout.Write(raw)
				return err
			}
			if err := os.WriteFile(outPath, raw, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", outPath)
			return nil
		},
	}
	export.Flags().StringVar(&format, "format", "json", "json or csv")
	export.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	cmd.AddCommand(export)

	return cmd
}

func schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the polling scheduler",
	}

	interval := &cobra.Command{
		Use:   "interval <seconds>",
		Short: "Set the fixed polling interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secs, err := strconv.Atoi(args[0])
			if err != nil || secs < 1 {
				return fmt.Errorf("seconds must be a positive integer")
			}
			body := map[string]int{"seconds": secs}
			if err := api().do("PUT", "/api/v1/scheduler/interval", body, nil); err != nil {
				return err
			}
			fmt.Println("interval updated")
			return nil
		},
	}

	mode := &cobra.Command{
		Use:   "mode <fixed|adaptive>",
		Short: "Set the polling mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"mode": args[0]}
			if err := api().do("PUT", "/api/v1/scheduler/mode", body, nil); err != nil {
				return err
			}
			fmt.Println("mode updated")
			return nil
		},
	}

	cmd.AddCommand(interval, mode)
	return cmd
}
