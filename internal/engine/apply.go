package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiroq/obsoutput/internal/config"
	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/output"
)

// Apply brings the engine in line with cfg. Declared encoders are added to
// the pool. Declared outputs are created, or updated and rebound when idle;
// live outputs are left untouched. Outputs a previous Apply created that cfg
// no longer declares are removed. Failures are collected and do not stop
// the remaining outputs.
func (e *Engine) Apply(ctx context.Context, cfg *config.Config) error {
	ctx, span := e.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
		attribute.Int("config.outputs", len(cfg.Outputs)),
		attribute.Int("config.encoders", len(cfg.Encoders)),
	))
	defer span.End()

	var errs []error
	for _, decl := range cfg.Encoders {
		enc, err := decl.Handle()
		if err != nil {
			errs = append(errs, fmt.Errorf("encoder %q: %w", decl.Name, err))
			continue
		}
		e.AddEncoder(enc)
	}

	declared := make(map[string]bool, len(cfg.Outputs))
	for _, decl := range cfg.Outputs {
		declared[decl.Name] = true
		if err := e.applyOutput(ctx, decl); err != nil {
			errs = append(errs, fmt.Errorf("output %q: %w", decl.Name, err))
		}
	}

	for _, name := range e.managedNames() {
		if declared[name] {
			continue
		}
		if err := e.Remove(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("output %q: %w", name, err))
		}
	}

	err := errors.Join(errs...)
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
		fail(span, err)
	}
	e.logger.Info().
		Str("event", "engine.config_applied").
		Int("outputs", len(e.Names())).
		Int("errors", len(errs)).
		Msg("configuration applied")
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentEngine,
		Event:     diaglog.EventConfigApplied,
		Reason:    outcome,
		Payload:   map[string]interface{}{"outputs": cfg.OutputNames()},
	})
	return err
}

func (e *Engine) applyOutput(ctx context.Context, decl config.Output) error {
	settings := output.Settings(decl.Settings)

	inst, err := e.Get(decl.Name)
	if err == nil && inst.Kind() != decl.Kind {
		if inst.State().Live() {
			return fmt.Errorf("kind changed from %s to %s while active; left running", inst.Kind(), decl.Kind)
		}
		if err := e.Remove(ctx, decl.Name); err != nil {
			return err
		}
		inst = nil
	}

	switch {
	case inst == nil:
		inst, err = e.Create(ctx, decl.Kind, decl.Name, settings)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.managed[decl.Name] = true
		e.mu.Unlock()

	case inst.State().Live():
		e.logger.Info().
			Str("event", "engine.output_untouched").
			Str("output", decl.Name).
			Msg("output is active; configuration change deferred")
		return nil

	default:
		e.mu.Lock()
		e.managed[decl.Name] = true
		e.mu.Unlock()
		if !bytes.Equal(inst.Settings(), settings) {
			if err := e.Update(ctx, decl.Name, settings); err != nil {
				return err
			}
		}
		if err := e.clearUndeclared(inst, decl); err != nil {
			return err
		}
	}

	for _, ref := range decl.Encoders {
		if err := e.Bind(ctx, decl.Name, ref); err != nil {
			return err
		}
	}

	if decl.Autostart {
		return e.Start(ctx, decl.Name)
	}
	return nil
}

// clearUndeclared drops engine-side bindings whose type decl no longer names.
func (e *Engine) clearUndeclared(inst *output.Instance, decl config.Output) error {
	keep := make(map[output.EncoderType]bool)
	e.mu.RLock()
	for _, ref := range decl.Encoders {
		if enc, ok := e.encoders[ref]; ok {
			keep[enc.Type()] = true
		}
	}
	e.mu.RUnlock()

	for _, typ := range output.MaskAV.Types() {
		if keep[typ] {
			continue
		}
		if _, bound := inst.Encoder(typ); !bound {
			continue
		}
		if err := inst.ClearEncoder(typ); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) managedNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.managed))
	for n := range e.managed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
