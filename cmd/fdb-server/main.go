package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/logging"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(fdberr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fdb-server",
	Short: "fdb-server - structured-key field store server",
	Long: `fdb-server accepts client connections on a control port, hands each
one a leased data port, and serves Catalogue and Store operations
against the databases under its configured roots.

Configuration is resolved from FDB5_CONFIG (inline YAML), then
FDB5_CONFIG_FILE (path to YAML), then built-in defaults.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fdb-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("metrics-addr", "", "Address to expose Prometheus metrics and health endpoints on (empty disables)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var sch schema.Schema
	var schemaData []byte
	if cfg.SchemaPath != "" {
		schemaData, err = os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return fdberr.New(fdberr.UsageError, "fdb-server", err).WithURI(cfg.SchemaPath)
		}
		sch, err = schema.Load(schemaData)
		if err != nil {
			return err
		}
	} else {
		return fdberr.Newf(fdberr.UsageError, "fdb-server", "no schema configured; set schema: in the config or FDB_SCHEMA_FILE")
	}

	eng := engine.New(cfg, sch)
	defer eng.Close()

	srv, err := server.New(cfg, eng, schemaData)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr != "" {
		metrics.SetVersion(Version)
		metrics.RegisterComponent("server", true, "listening")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logging.Errorf("metrics endpoint failed", err)
			}
		}()
		logging.Info("metrics listening on " + metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("fdb-server started on " + srv.Addr().String())
	return srv.Serve(ctx)
}
