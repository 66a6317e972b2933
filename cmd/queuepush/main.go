// Command queuepush notifies Telegram subscribers when the DotaClassic
// matchmaking queue is about to fill.
//
// Usage:
//
//	queuepush run --config ./config.yaml
//	queuepush subscribers --config ./config.yaml --category highroom
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"queuepush/internal/app"
	"queuepush/internal/config"
	"queuepush/internal/settings"
	"queuepush/pkg/logx"
)

func main() {
	_ = godotenv.Load(".env")

	var cfgPath string
	root := &cobra.Command{
		Use:           "queuepush",
		Short:         "Queue threshold notifier for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(subscribersCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the notifier (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*cfgPath)
		},
	}
}

func run(cfgPath string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx := context.Background()
	a, err := app.New(ctx, cfgPath, env)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func subscribersCmd(cfgPath *string) *cobra.Command {
	var (
		category string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "subscribers",
		Short: "List recipients and their notification preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter settings.Category
			if category != "" {
				c, err := settings.ParseCategory(category)
				if err != nil {
					return err
				}
				filter = c
			}

			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			cfg, err := config.NewManager(*cfgPath, env).Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := settings.Open(ctx, cfg.Storage, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.All(ctx)
			if err != nil {
				return err
			}
			rows := all[:0]
			for _, r := range all {
				if filter == "" || r.Settings().Enabled(filter) {
					rows = append(rows, r)
				}
			}
			return printRecipients(cmd, rows, asJSON)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only recipients subscribed to normal|highroom|manual")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON lines instead of a table")
	return cmd
}

func printRecipients(cmd *cobra.Command, rows []settings.Recipient, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		for _, r := range rows {
			p := r.Settings()
			if err := enc.Encode(struct {
				ID       string               `json:"id"`
				Username string               `json:"username"`
				Settings settings.Preferences `json:"settings"`
			}{r.ID, r.DisplayName, p}); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tNORMAL\tHIGHROOM\tMANUAL")
	for _, r := range rows {
		p := r.Settings()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.DisplayName, mark(p.Normal), mark(p.Highroom), mark(p.Manual))
	}
	fmt.Fprintf(tw, "\n%d recipient(s)\n", len(rows))
	return tw.Flush()
}

func mark(on bool) string {
	if on {
		return "yes"
	}
	return "-"
}
