// Package engine owns named output instances and drives their lifecycle on
// behalf of the daemon and its control surfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiroq/obsoutput/internal/diaglog"
	obslog "github.com/tiroq/obsoutput/internal/log"
	"github.com/tiroq/obsoutput/internal/output"
)

const tracerName = "github.com/tiroq/obsoutput/internal/engine"

var (
	ErrOutputNotFound  = errors.New("output not found")
	ErrOutputExists    = errors.New("output already exists")
	ErrEncoderNotFound = errors.New("encoder not found")
)

// Engine maps instance names to instances and holds the encoder pool
// outputs bind from.
type Engine struct {
	reg    *output.Registry
	logger zerolog.Logger
	diag   *diaglog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	outputs  map[string]*output.Instance
	encoders map[string]output.Encoder
	managed  map[string]bool // outputs created by Apply

	subMu   sync.RWMutex
	subs    map[int]func(output.Event)
	nextSub int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithDiag(d *diaglog.Logger) Option {
	return func(e *Engine) { e.diag = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine over reg and installs itself as the registry's
// lifecycle observer.
func New(reg *output.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		logger:   obslog.WithComponent(diaglog.ComponentEngine),
		diag:     diaglog.NewNoOp(),
		tracer:   otel.Tracer(tracerName),
		outputs:  make(map[string]*output.Instance),
		encoders: make(map[string]output.Encoder),
		managed:  make(map[string]bool),
		subs:     make(map[int]func(output.Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	reg.SetObserver(e)
	return e
}

// Registry returns the registry the engine creates instances from.
func (e *Engine) Registry() *output.Registry { return e.reg }

// AddEncoder adds enc to the pool, replacing any encoder of the same name.
func (e *Engine) AddEncoder(enc output.Encoder) {
	e.mu.Lock()
	e.encoders[enc.Name()] = enc
	e.mu.Unlock()
}

// Encoders lists the pool's encoder names, sorted.
func (e *Engine) Encoders() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.encoders))
	for n := range e.encoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Create instantiates kind under name.
func (e *Engine) Create(ctx context.Context, kind, name string, settings output.Settings) (*output.Instance, error) {
	_, span := e.tracer.Start(ctx, "output.create", trace.WithAttributes(
		attribute.String("output.name", name),
		attribute.String("output.kind", kind),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.outputs[name]; exists {
		err := fmt.Errorf("%w: %s", ErrOutputExists, name)
		fail(span, err)
		return nil, err
	}
	inst, err := e.reg.Create(kind, name, settings)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("event", "output.create_failed").
			Str("output", name).
			Str("kind", kind).
			Msg("output could not be created")
		fail(span, err)
		return nil, err
	}
	e.outputs[name] = inst
	return inst, nil
}

// Get returns the instance named name.
func (e *Engine) Get(name string) (*output.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, name)
	}
	return inst, nil
}

// Names lists instance names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.outputs))
	for n := range e.outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remove stops the output if it is live, destroys it and forgets the name.
func (e *Engine) Remove(ctx context.Context, name string) error {
	return e.do(ctx, "remove", name, func(inst *output.Instance) error {
		if inst.State().Live() {
			if err := inst.Stop(); err != nil {
				return err
			}
		}
		if err := inst.Destroy(); err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.outputs, name)
		delete(e.managed, name)
		e.mu.Unlock()
		return nil
	})
}

func (e *Engine) Start(ctx context.Context, name string) error {
	return e.do(ctx, output.OpStart, name, (*output.Instance).Start)
}

func (e *Engine) Stop(ctx context.Context, name string) error {
	return e.do(ctx, output.OpStop, name, (*output.Instance).Stop)
}

func (e *Engine) Pause(ctx context.Context, name string) error {
	return e.do(ctx, output.OpPause, name, (*output.Instance).Pause)
}

func (e *Engine) Unpause(ctx context.Context, name string) error {
	return e.do(ctx, output.OpUnpause, name, (*output.Instance).Unpause)
}

// Update applies settings to an idle output.
func (e *Engine) Update(ctx context.Context, name string, settings output.Settings) error {
	return e.do(ctx, output.OpUpdate, name, func(inst *output.Instance) error {
		return inst.Update(settings)
	})
}

// Bind binds the pool encoder named encoderName to its type's slot on the
// output named name.
func (e *Engine) Bind(ctx context.Context, name, encoderName string) error {
	return e.do(ctx, output.OpSetEncoder, name, func(inst *output.Instance) error {
		e.mu.RLock()
		enc, ok := e.encoders[encoderName]
		e.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrEncoderNotFound, encoderName)
		}
		return inst.SetEncoder(enc, enc.Type())
	})
}

// Snapshot returns every instance's view, sorted by name.
func (e *Engine) Snapshot() []output.Snapshot {
	e.mu.RLock()
	insts := make([]*output.Instance, 0, len(e.outputs))
	for _, inst := range e.outputs {
		insts = append(insts, inst)
	}
	e.mu.RUnlock()

	out := make([]output.Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// KindInfo describes a registered output kind.
type KindInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Module string   `json:"module"`
	Caps   []string `json:"capabilities,omitempty"`
}

// Kinds lists registered kinds in registration order with names localized
// for locale.
func (e *Engine) Kinds(locale string) []KindInfo {
	ids := e.reg.Enumerate()
	out := make([]KindInfo, 0, len(ids))
	for _, id := range ids {
		name, err := e.reg.Name(id, locale)
		if err != nil {
			continue
		}
		caps, _ := e.reg.Caps(id)
		module, _ := e.reg.Module(id)
		out = append(out, KindInfo{ID: id, Name: name, Module: module, Caps: caps.Names()})
	}
	return out
}

// Reconcile asks every live output whether it is still active and drops the
// ones that ended on their own back to Ready. It returns their names.
func (e *Engine) Reconcile() []string {
	var changed []string
	for _, name := range e.Names() {
		inst, err := e.Get(name)
		if err != nil {
			continue
		}
		before := inst.State()
		if !before.Live() {
			continue
		}
		after := inst.Sync()
		if after == before {
			continue
		}
		changed = append(changed, name)
		e.OnLifecycle(output.Event{
			InstanceID: inst.ID(),
			Name:       name,
			Kind:       inst.Kind(),
			Op:         OpSync,
			From:       before,
			To:         after,
			Result:     output.ResultOK,
		})
	}
	return changed
}

// Shutdown stops and destroys every output in name order. Outputs left when
// ctx ends are reported in the returned error.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	for _, name := range e.Names() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown interrupted before %q: %w", name, err))
			break
		}
		if err := e.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info().
		Str("event", "engine.shutdown").
		Int("remaining", len(e.Names())).
		Msg("engine shut down")
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentEngine,
		Event:     diaglog.EventShutdown,
		Payload:   map[string]interface{}{"remaining": len(e.Names())},
	})
	return errors.Join(errs...)
}

func (e *Engine) do(ctx context.Context, op, name string, fn func(*output.Instance) error) error {
	_, span := e.tracer.Start(ctx, "output."+op, trace.WithAttributes(attribute.String("output.name", name)))
	defer span.End()

	inst, err := e.Get(name)
	if err == nil {
		span.SetAttributes(attribute.String("output.kind", inst.Kind()))
		err = fn(inst)
	}
	if err != nil {
		fail(span, err)
		return err
	}
	return nil
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
