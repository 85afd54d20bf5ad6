// Command obsoutputd hosts output plugins: it loads modules, creates the
// configured outputs and serves the control protocol until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiroq/obsoutput/internal/config"
	"github.com/tiroq/obsoutput/internal/control"
	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/engine"
	obslog "github.com/tiroq/obsoutput/internal/log"
	"github.com/tiroq/obsoutput/internal/module"
	"github.com/tiroq/obsoutput/internal/output"
	"github.com/tiroq/obsoutput/internal/pidfile"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

const defaultDiagPath = "/tmp/obsoutput-debug.log"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		os.Exit(exportDiag())
	}

	cfgPath := flag.String("config", config.Path(), "path to config.yaml")
	pluginDir := flag.String("plugins", "", "plugin directory (overrides plugin_dir)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if err := run(*cfgPath, *pluginDir); err != nil {
		l := obslog.Base()
		l.Error().Err(err).Str("event", "daemon.exit").Msg("obsoutputd stopped with error")
		os.Exit(1)
	}
}

func diagPath() string {
	if p := os.Getenv("OBSOUTPUT_LOG_PATH"); p != "" {
		return p
	}
	return defaultDiagPath
}

// exportDiag writes a support bundle from the diagnostic log into the
// working directory.
func exportDiag() int {
	diaglog.Version = Version
	path, n, err := diaglog.Export(diagPath(), ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "hint: run with OBSOUTPUT_DEBUG=true to enable the diagnostic log")
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func run(cfgPath, pluginDir string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if pluginDir != "" {
		cfg.PluginDir = pluginDir
	}

	obslog.Configure(obslog.Config{Level: cfg.LogLevel, Service: "obsoutputd", Version: Version})
	logger := obslog.WithComponent(diaglog.ComponentDaemon)
	logger.Info().
		Str("event", "daemon.starting").
		Int("pid", os.Getpid()).
		Str("config", cfgPath).
		Msg("starting obsoutputd")

	diag, err := diaglog.New(diagPath())
	if err != nil {
		logger.Warn().Err(err).Msg("diagnostic log unavailable")
		diag = diaglog.NewNoOp()
	}
	defer func() { _ = diag.Close() }()

	pf, err := pidfile.Acquire(pidfile.Path(cfg.StateDir, "obsoutputd"))
	if err != nil {
		return err
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	reg := output.NewRegistry()
	loader := module.NewLoader(reg, obslog.WithComponent(diaglog.ComponentModuleLoader), diag)
	if _, err := loader.Load(module.NewStatic("builtin", nullKind{})); err != nil {
		return fmt.Errorf("load built-in outputs: %w", err)
	}
	kinds, err := loader.LoadDir(cfg.PluginDir)
	if err != nil {
		// a broken plugin does not keep the others from loading
		logger.Error().Err(err).Str("event", "daemon.plugins_partial").Msg("some plugins failed to load")
	}
	logger.Info().Strs("kinds", kinds).Str("plugin_dir", cfg.PluginDir).Msg("plugins loaded")

	eng := engine.New(reg,
		engine.WithLogger(obslog.WithComponent(diaglog.ComponentEngine)),
		engine.WithDiag(diag),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Apply(ctx, cfg); err != nil {
		logger.Error().Err(err).Str("event", "config.apply_failed").Msg("initial config applied with errors")
	}

	d := &daemon{
		cfgPath: cfgPath,
		cfg:     cfg,
		eng:     eng,
		ctl: control.NewServer(eng,
			control.WithPassword(cfg.ControlPassword),
			control.WithServerLogger(obslog.WithComponent(diaglog.ComponentControl)),
			control.WithServerDiag(diag),
			control.WithVersion(Version),
		),
		logger:  logger,
		diag:    diag,
		started: time.Now().UTC(),
	}
	defer d.ctl.Close()

	err = d.Run(ctx)
	logger.Info().Str("event", "daemon.stopped").Msg("obsoutputd stopped")
	return err
}
