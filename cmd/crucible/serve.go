package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/controller"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/engine/remote"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

const dialTimeout = 10 * time.Second

var serveFlags struct {
	listen       string
	db           string
	logLevel     string
	localEngines int
	enginesFile  string
	maxEngines   int
	saveIDs      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the controller and its HTTP API",
	Long: `Starts the controller. Configuration comes from CRUCIBLE_* environment
variables; flags given on the command line take precedence.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "HTTP listen address")
	f.StringVar(&serveFlags.db, "db", "", "journal database path (empty disables the journal)")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.IntVar(&serveFlags.localEngines, "local-engines", 0, "in-process engines to start")
	f.StringVar(&serveFlags.enginesFile, "engines", "", "YAML engine inventory")
	f.IntVar(&serveFlags.maxEngines, "max-engines", 0, "registry capacity")
	f.BoolVar(&serveFlags.saveIDs, "save-ids", false, "never reuse freed engine ids")
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = serveFlags.listen
	}
	if f.Changed("db") {
		cfg.DBPath = serveFlags.db
	}
	if f.Changed("log-level") {
		cfg.LogLevel = config.ParseLogLevel(serveFlags.logLevel)
	}
	if f.Changed("local-engines") {
		cfg.LocalEngines = serveFlags.localEngines
	}
	if f.Changed("engines") {
		cfg.EnginesFile = serveFlags.enginesFile
	}
	if f.Changed("max-engines") {
		cfg.MaxEngines = serveFlags.maxEngines
	}
	if f.Changed("save-ids") {
		cfg.SaveIDs = serveFlags.saveIDs
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, &cfg)
	if cfg.LocalEngines < 0 || cfg.MaxEngines < 0 {
		return fmt.Errorf("engine counts must be >= 0")
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_engines", cfg.MaxEngines,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := engine.NewOutputBroker(0)
	queueOpts := engine.QueueOptions{
		HistorySize:    cfg.HistorySize,
		CommandTimeout: cfg.CommandTimeout,
		Broker:         broker,
		Logger:         logger,
	}
	ctlOpts := controller.Options{MaxRecoveryDepth: cfg.MaxRecoveryDepth, Logger: logger}

	// A nil Store disables the history routes.
	var journal store.Store
	if cfg.DBPath != "" {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		journal = db
		queueOpts.Recorder = db
		ctlOpts.Recorder = db
	}

	reg := registry.New(registry.Options{
		MaxEngines: cfg.MaxEngines,
		SaveIDs:    cfg.SaveIDs,
		Queue:      queueOpts,
		Logger:     logger,
	})
	ctl := controller.New(reg, ctlOpts)
	defer ctl.Close()

	if err := registerEngines(ctx, ctl, cfg, logger); err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, ctl, journal, broker, logger)
	return srv.Run(ctx)
}

// registerEngines starts the configured in-process engines, then registers
// every inventory entry in file order.
func registerEngines(ctx context.Context, ctl *controller.Controller, cfg config.Config, logger *slog.Logger) error {
	for range cfg.LocalEngines {
		if _, err := ctl.Register(inproc.New(nil), registry.AnyID); err != nil {
			return fmt.Errorf("register local engine: %w", err)
		}
	}
	if cfg.EnginesFile == "" {
		return nil
	}

	inv, err := config.LoadInventory(cfg.EnginesFile)
	if err != nil {
		return err
	}
	for _, spec := range inv.Engines {
		requested := registry.AnyID
		if spec.ID != nil {
			requested = *spec.ID
		}
		for range spec.Count {
			eng, err := openEngine(ctx, spec)
			if err != nil {
				return err
			}
			id, err := ctl.Register(eng, requested)
			if err != nil {
				if c, ok := eng.(io.Closer); ok {
					c.Close()
				}
				return fmt.Errorf("register %s: %w", spec.Address, err)
			}
			logger.Info("engine registered", "engine_id", id, "address", spec.Address)
		}
	}
	return nil
}

func openEngine(ctx context.Context, spec config.EngineSpec) (engine.Engine, error) {
	if spec.Local() {
		return inproc.New(spec.Properties), nil
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	c, err := remote.Dial(dctx, spec.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", spec.Address, err)
	}
	return c, nil
}
