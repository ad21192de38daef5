// wgfleet administers a fleet of wg-easy WireGuard gateways.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wgfleet/wgfleet/internal/app"
	"github.com/wgfleet/wgfleet/internal/buildinfo"
	"github.com/wgfleet/wgfleet/internal/config"
)

var cfgFile string

func main() {
	config.LoadEnvFiles()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "wgfleet",
		Short:        "Administer users and peers across wg-easy gateways",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $WGFLEET_CONFIG or config.yaml)")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newCheckCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, health poller and traffic sampler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, config.AppConfig{ConfigPath: cfgFile})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.Migrate(cmd.Context(), config.AppConfig{ConfigPath: cfgFile}); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check every gateway once and print the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := app.CheckAll(cmd.Context(), config.AppConfig{ConfigPath: cfgFile})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			failed := 0
			for _, r := range results {
				status := "ok"
				if !r.OK {
					status = "FAIL " + r.ErrorKind + ": " + r.Error
					failed++
				}
				_, _ = fmt.Fprintf(out, "%-6d %-24s peers=%-4d %s\n", r.GatewayID, r.GatewayName, r.PeerCount, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d gateways unhealthy", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wgfleet %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		},
	}
}
