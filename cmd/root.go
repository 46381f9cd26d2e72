package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/config"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/obs"
)

// app is the state shared by every command of one invocation.
type app struct {
	configPath string
	cfg        config.Config

	// models serves the tenant model. Later loads in the same process
	// reload it in place.
	models *model.HotSwap

	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *obs.Metrics
	shutdown func(context.Context) error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "dupe",
		Short: "Address, compile and mutate tenant entity graphs",
		Long: `dupe reads a tenant model of entities and relations and works against
the SQLite database generated from it: it prints the DDL, infers
associations from an existing database, renders addressing trees and
queries, and runs bulk mutations that report events.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "Path to a .hcl or .yaml config file")
	f.String("model", "", "Path to the tenant model (.json or .yaml)")
	f.String("db", "", "Path to the SQLite database")
	f.String("tenant", "", "Tenant used in event routing keys")
	f.String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newDDLCmd(a),
		newInitDBCmd(a),
		newInferCmd(a),
		newTreeCmd(a),
		newQueryCmd(a),
		newConfigCmd(a),
	)
	root.AddCommand(newMutationCmds(a)...)
	return root
}

// setup layers flags over the config file over the defaults, then builds
// the logger, the metrics and the tracer.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"model":     &cfg.Model,
		"db":        &cfg.Database,
		"tenant":    &cfg.Tenant,
		"log-level": &cfg.Log.Level,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg

	if a.logger == nil {
		if a.logger, err = obs.NewLogger(cfg.Log.Level, cfg.Log.Development); err != nil {
			return err
		}
	}
	a.registry = prometheus.NewRegistry()
	a.metrics = obs.NewMetrics(a.registry, cfg.Metrics.Namespace)
	a.shutdown, err = obs.SetupTracing(cmd.Context(), cfg.Telemetry.Endpoint, cfg.Telemetry.Service)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.logger.Debug("config loaded",
		zap.String("config", a.configPath),
		zap.String("tenant", cfg.Tenant),
		zap.String("model", cfg.Model),
		zap.String("database", cfg.Database))
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	var errs error
	if a.cfg.Metrics.Textfile != "" {
		errs = multierr.Append(errs, prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, a.registry))
	}
	if a.shutdown != nil {
		errs = multierr.Append(errs, a.shutdown(cmd.Context()))
	}
	// syncing stderr fails on some platforms
	_ = a.logger.Sync()
	return errs
}

func Execute() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
