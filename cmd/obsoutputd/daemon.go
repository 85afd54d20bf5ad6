package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/obsoutput/internal/config"
	"github.com/tiroq/obsoutput/internal/control"
	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/ipc"
	obslog "github.com/tiroq/obsoutput/internal/log"
)

const statusInterval = 2 * time.Second

// daemon wires the engine to its outer surfaces: the control server, the
// config and command files, and the status snapshot.
type daemon struct {
	cfgPath string
	eng     *engine.Engine
	ctl     *control.Server
	diag    *diaglog.Logger
	started time.Time

	// applyMu serializes config application.
	applyMu sync.Mutex

	mu          sync.Mutex
	cfg         *config.Config
	logger      zerolog.Logger
	lastCommand string
	lastError   string

	// quit cancels Run.
	quit context.CancelFunc
}

// Run blocks until ctx is done, a quit command arrives, or a supervised
// goroutine fails. Outputs are shut down before it returns.
func (d *daemon) Run(ctx context.Context) error {
	ctx, d.quit = context.WithCancel(ctx)
	defer d.quit()

	g, ctx := errgroup.WithContext(ctx)
	cfg, logger := d.current()

	g.Go(func() error {
		return d.ctl.ListenAndServe(ctx, cfg.ControlAddr)
	})

	g.Go(func() error {
		w := &config.Watcher{
			Path:     d.cfgPath,
			Logger:   logger,
			OnReload: func(cfg *config.Config) { d.apply(ctx, cfg) },
			OnError:  d.reloadFailed,
		}
		if err := w.Run(ctx); err != nil {
			// best effort: the daemon still serves without hot reload
			logger.Warn().Err(err).Str("event", "config.watcher_unavailable").Msg("config watcher not started")
		}
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				l := d.log()
				l.Info().Str("event", "config.reload_signal").Msg("received SIGHUP, reloading config")
				if err := d.reload(ctx); err != nil {
					d.reloadFailed(err)
				}
			}
		}
	})

	g.Go(func() error { return d.watchCommands(ctx) })

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			d.eng.Reconcile()
			d.writeStatus()
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := d.eng.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	d.writeStatus()
	return err
}

// apply installs cfg. Listener and plugin settings only take effect on restart.
func (d *daemon) apply(ctx context.Context, cfg *config.Config) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	prev, logger := d.current()
	if cfg.ControlAddr != prev.ControlAddr || cfg.PluginDir != prev.PluginDir || cfg.ControlPassword != prev.ControlPassword {
		logger.Warn().
			Str("event", "config.restart_required").
			Msg("control_addr, control_password and plugin_dir changes apply after restart")
	}
	if cfg.LogLevel != prev.LogLevel {
		obslog.Configure(obslog.Config{Level: cfg.LogLevel, Service: "obsoutputd", Version: Version})
		logger = obslog.WithComponent(diaglog.ComponentDaemon)
	}
	// the state dir is fixed for the life of the process
	cfg.StateDir = prev.StateDir

	err := d.eng.Apply(ctx, cfg)

	d.mu.Lock()
	d.cfg = cfg
	d.logger = logger
	d.lastError = errString(err)
	d.mu.Unlock()
	if err != nil {
		logger.Error().Err(err).Str("event", "config.apply_failed").Msg("config applied with errors")
	}
}

func (d *daemon) current() (*config.Config, zerolog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.logger
}

func (d *daemon) log() zerolog.Logger {
	_, l := d.current()
	return l
}

func (d *daemon) record(command string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if command != "" {
		d.lastCommand = command
	}
	if err != nil {
		d.lastError = err.Error()
	}
}

func (d *daemon) reload(ctx context.Context) error {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}
	d.apply(ctx, cfg)
	return nil
}

func (d *daemon) reloadFailed(err error) {
	d.record("", err)
	l := d.log()
	l.Error().Err(err).Str("event", "config.reload_failed").Msg("config reload failed; keeping previous config")
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentConfig,
		Event:     diaglog.EventConfigReloadFailed,
		Reason:    err.Error(),
	})
}

// watchCommands executes commands dropped into the command file.
func (d *daemon) watchCommands(ctx context.Context) error {
	cfg, logger := d.current()
	dir := cfg.StateDir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create command watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch state dir: %w", err)
	}

	// a command written while the daemon was down
	d.runCommands(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != ipc.CommandFile || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			d.runCommands(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "ipc.watch_error").Msg("command watcher error")
		}
	}
}

func (d *daemon) runCommands(ctx context.Context) {
	cfg, logger := d.current()
	cmds, err := ipc.ReadCommands(cfg.StateDir)
	if err != nil {
		logger.Warn().Err(err).Str("event", "ipc.bad_command").Msg("ignored malformed commands")
	}
	for _, cmd := range cmds {
		if err := d.handle(ctx, cmd); err != nil {
			d.record("", err)
			logger.Error().Err(err).Str("event", "ipc.command_failed").Str("command", cmd.String()).Msg("command failed")
		}
	}
}

func (d *daemon) handle(ctx context.Context, cmd ipc.Command) error {
	d.record(cmd.String(), nil)
	l := d.log()
	l.Info().Str("event", "ipc.command").Str("command", cmd.String()).Msg("executing command")
	switch cmd.Verb {
	case ipc.VerbStart:
		return d.eng.Start(ctx, cmd.Output)
	case ipc.VerbStop:
		return d.eng.Stop(ctx, cmd.Output)
	case ipc.VerbReload:
		return d.reload(ctx)
	case ipc.VerbQuit:
		if d.quit != nil {
			d.quit()
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, cmd.Verb)
	}
}

func (d *daemon) writeStatus() {
	var kinds []string
	for _, k := range d.eng.Kinds("") {
		kinds = append(kinds, k.ID)
	}
	d.mu.Lock()
	status := &ipc.Status{
		PID:         os.Getpid(),
		Version:     Version,
		ControlAddr: d.cfg.ControlAddr,
		Kinds:       kinds,
		LastCommand: d.lastCommand,
		LastError:   d.lastError,
		StartedAt:   d.started,
	}
	dir, logger := d.cfg.StateDir, d.logger
	d.mu.Unlock()

	status.Outputs = d.eng.Snapshot()
	status.Timestamp = time.Now().UTC()
	if err := ipc.WriteStatus(dir, status); err != nil {
		logger.Warn().Err(err).Str("event", "ipc.status_write_failed").Msg("failed to write status")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
