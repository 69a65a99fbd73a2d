package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rotabot/internal/app"
	"rotabot/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = ""
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:           "rotabot",
		Short:         "Run a fleet of accounts that message and retitle group threads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), v)
		},
	}
	root.PersistentFlags().String("config", "", "Path to a YAML or JSON config file (optional)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the fleet and the health server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), v)
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":  version,
				"commit":   commit,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}
			if f, _ := cmd.Flags().GetString("format"); f == "json" {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotabot %s (%s) %s %s\n", version, commit, info["go"], info["platform"])
			return nil
		},
	}
	ver.Flags().String("format", "", "Output format (json)")

	root.AddCommand(run, ver)
	return root
}

func runBot(parent context.Context, v *viper.Viper) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(app.Options{ConfigPath: v.GetString("config"), Viper: v})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.ReasonForSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return a.Stop(stopCtx, reason)
}
