// upstra orchestrates power-failure driven shutdown, migration and rollback
// of a small virtualization site.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/upstra/upstra/internal/api"
	"github.com/upstra/upstra/internal/bmc"
	"github.com/upstra/upstra/internal/database"
	"github.com/upstra/upstra/internal/engine"
	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/metrics"
	"github.com/upstra/upstra/internal/plan"
	"github.com/upstra/upstra/internal/ups"
	"github.com/upstra/upstra/internal/vault"
	"github.com/upstra/upstra/internal/vsphere"
)

var (
	debug        bool
	pointerPath  string
	upsLogPath   string
	listenAddr   string
	pollInterval time.Duration
)

// app bundles the wired components every subcommand starts from. Building it
// fails fast on configuration errors, before any remote effect.
type app struct {
	plan  *plan.Plan
	store *eventlog.Store
	conn  *database.Connection
	virt  *vsphere.Client
}

func buildApp(planPath string) (*app, error) {
	v, err := vault.New()
	if err != nil {
		return nil, err
	}

	p, err := plan.Load(planPath, v)
	if err != nil {
		return nil, err
	}

	conn, err := database.NewConnection(database.ConfigFromEnv())
	if err != nil {
		return nil, err
	}

	store := eventlog.NewStore(conn.GormDB(), v, pointerPath)

	virt := vsphere.NewClient(vsphere.Config{
		Host:     p.Controller.IP,
		User:     p.Controller.User,
		Password: p.Controller.Password,
		Port:     p.Controller.Port,
		Insecure: true,
	})

	return &app{plan: p, store: store, conn: conn, virt: virt}, nil
}

func (a *app) close() {
	if err := a.conn.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database connection")
	}
}

func bmcFactory(ip, user, password string) bmc.PowerController {
	return bmc.New(ip, user, password)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "upstra",
		Short: "Power-failure orchestrator for virtualized sites",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
		},
		// Errors surface once, in main.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&pointerPath, "run-pointer", "", "Run pointer file (default plans/migration_id)")

	shutdownCmd := &cobra.Command{
		Use:   "shutdown <plan>",
		Short: "Run the shutdown/migration plan now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args[0])
			if err != nil {
				return err
			}
			defer a.close()

			eng := engine.NewShutdown(a.virt, bmcFactory, a.store)
			return eng.Run(cmd.Context(), a.plan)
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback <plan>",
		Short: "Roll the last shutdown/migration run back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args[0])
			if err != nil {
				return err
			}
			defer a.close()

			eng := engine.NewRollback(a.virt, bmcFactory, a.store)
			return eng.Run(cmd.Context(), a.plan.Grace)
		},
	}

	upsWatchCmd := &cobra.Command{
		Use:   "ups-watch <plan>",
		Short: "Watch the UPS log and drive the engines on power transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args[0])
			if err != nil {
				return err
			}
			defer a.close()

			watcher := ups.NewWatcher(upsLogPath, a.plan,
				engine.NewShutdown(a.virt, bmcFactory, a.store),
				engine.NewRollback(a.virt, bmcFactory, a.store),
				a.store)
			return watcher.Run(cmd.Context())
		},
	}
	upsWatchCmd.Flags().StringVar(&upsLogPath, "ups-log", "/var/log/ups.log", "NUT upslog file to watch")

	metricsCmd := &cobra.Command{
		Use:   "metrics <plan>",
		Short: "Poll controller inventory and refresh the metric cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args[0])
			if err != nil {
				return err
			}
			defer a.close()

			poller := metrics.NewPoller(a.virt, metrics.NewRepository(a.conn.GormDB()), pollInterval)
			return poller.Run(cmd.Context())
		},
	}
	metricsCmd.Flags().DurationVar(&pollInterval, "interval", metrics.DefaultInterval, "Collection interval")

	serveCmd := &cobra.Command{
		Use:   "serve <plan>",
		Short: "Serve the read-only status and metrics API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args[0])
			if err != nil {
				return err
			}
			defer a.close()

			router := api.NewRouter(metrics.NewRepository(a.conn.GormDB()), a.store)
			log.WithField("listen", listenAddr).Info("Status API listening")
			return router.Run(listenAddr)
		},
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Listen address")

	rootCmd.AddCommand(shutdownCmd, rollbackCmd, upsWatchCmd, metricsCmd, serveCmd)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
