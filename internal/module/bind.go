package module

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/output"
)

// Export verbs, appended to the output id as "<id>_<verb>".
const (
	VerbGetName    = "getname"
	VerbCreate     = "create"
	VerbDestroy    = "destroy"
	VerbStart      = "start"
	VerbStop       = "stop"
	VerbActive     = "active"
	VerbEncoders   = "encoders"
	VerbUpdate     = "update"
	VerbPause      = "pause"
	VerbSetEncoder = "setencoder"
	VerbGetEncoder = "getencoder"
	VerbConfig     = "config"
)

func requiredVerbs() []string {
	return []string{VerbGetName, VerbCreate, VerbDestroy, VerbStart, VerbStop, VerbActive, VerbEncoders}
}

func optionalVerbs() []string {
	return []string{VerbUpdate, VerbPause, VerbSetEncoder, VerbGetEncoder, VerbConfig}
}

// maxOutputs bounds enumeration of a misbehaving module that never reports
// the end of its list.
const maxOutputs = 1024

// Bind resolves the exports of output id in m into a descriptor. A missing
// required export, or any export with the wrong signature, fails with a
// *output.RegistrationError and no descriptor.
func Bind(m Module, id string) (output.Descriptor, error) {
	if src, ok := m.(DescriptorSource); ok {
		d, found := src.Descriptor(id)
		if !found {
			return output.Descriptor{}, &output.RegistrationError{Module: m.Name(), ID: id, Reason: output.ReasonMissingExport}
		}
		return d, nil
	}

	b := binder{m: m, id: id}
	d := output.Descriptor{ID: id}
	b.required(VerbGetName, func(v any) (ok bool) { d.GetName, ok = v.(func(string) string); return })
	b.required(VerbCreate, func(v any) (ok bool) { d.Create, ok = v.(func(output.Settings, output.Owner) output.Data); return })
	b.required(VerbDestroy, func(v any) (ok bool) { d.Destroy, ok = v.(func(output.Data)); return })
	b.required(VerbStart, func(v any) (ok bool) { d.Start, ok = v.(func(output.Data) bool); return })
	b.required(VerbStop, func(v any) (ok bool) { d.Stop, ok = v.(func(output.Data)); return })
	b.required(VerbActive, func(v any) (ok bool) { d.Active, ok = v.(func(output.Data) bool); return })
	b.required(VerbEncoders, func(v any) (ok bool) { d.Encoders, ok = v.(func(output.Data) output.EncoderMask); return })

	b.optional(VerbUpdate, func(v any) (ok bool) { d.Update, ok = v.(func(output.Data, output.Settings)); return })
	b.optional(VerbPause, func(v any) (ok bool) { d.Pause, ok = v.(func(output.Data)); return })
	b.optional(VerbSetEncoder, func(v any) (ok bool) {
		d.SetEncoder, ok = v.(func(output.Data, output.Encoder, output.EncoderType) bool)
		return
	})
	b.optional(VerbGetEncoder, func(v any) (ok bool) {
		d.GetEncoder, ok = v.(func(output.Data, output.EncoderType) output.Encoder)
		return
	})
	b.optional(VerbConfig, func(v any) (ok bool) { d.Config, ok = v.(func(output.Data, any)); return })

	if b.err != nil {
		return output.Descriptor{}, b.err
	}
	return d, nil
}

// binder stops at the first failing export.
type binder struct {
	m   Module
	id  string
	err error
}

func (b *binder) required(verb string, assign func(any) bool) {
	b.resolve(verb, true, assign)
}

func (b *binder) optional(verb string, assign func(any) bool) {
	b.resolve(verb, false, assign)
}

func (b *binder) resolve(verb string, required bool, assign func(any) bool) {
	if b.err != nil {
		return
	}
	sym := Symbol(b.id, verb)
	v, ok := b.m.Lookup(sym)
	if !ok {
		if required {
			b.err = &output.RegistrationError{Module: b.m.Name(), ID: b.id, Export: sym, Reason: output.ReasonMissingExport}
		}
		return
	}
	if !assign(v) {
		b.err = &output.RegistrationError{
			Module: b.m.Name(),
			ID:     b.id,
			Export: fmt.Sprintf("%s (%T)", sym, v),
			Reason: output.ReasonWrongSignature,
		}
	}
}

// Loader registers the outputs of modules into a registry.
type Loader struct {
	reg    *output.Registry
	logger zerolog.Logger
	diag   *diaglog.Logger
}

// NewLoader creates a loader for reg.
func NewLoader(reg *output.Registry, logger zerolog.Logger, diag *diaglog.Logger) *Loader {
	return &Loader{reg: reg, logger: logger, diag: diag}
}

// Load enumerates every output id m provides and registers each one. A
// failure for one id is reported and does not stop the others; all failures
// are returned joined.
func (l *Loader) Load(m Module) ([]string, error) {
	var (
		registered []string
		errs       []error
	)
	for idx := 0; ; idx++ {
		if idx >= maxOutputs {
			errs = append(errs, fmt.Errorf("module %q: enumeration exceeded %d outputs", m.Name(), maxOutputs))
			break
		}
		id, ok := m.EnumOutputs(idx)
		if !ok {
			break
		}

		d, err := Bind(m, id)
		if err == nil {
			err = l.reg.Register(m.Name(), d)
		}
		if err != nil {
			l.logger.Warn().Err(err).
				Str("event", "module.register_rejected").
				Str("module", m.Name()).
				Str("kind", id).
				Msg("output registration rejected")
			l.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentModuleLoader,
				Event:     diaglog.EventRegisterRejected,
				Kind:      id,
				Reason:    err.Error(),
				Payload:   map[string]interface{}{"module": m.Name()},
			})
			errs = append(errs, err)
			continue
		}

		caps, _ := l.reg.Caps(id)
		l.logger.Info().
			Str("event", "module.registered").
			Str("module", m.Name()).
			Str("kind", id).
			Str("caps", caps.String()).
			Msg("output kind registered")
		l.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentModuleLoader,
			Event:     diaglog.EventRegister,
			Kind:      id,
			Payload:   map[string]interface{}{"module": m.Name(), "caps": caps.String()},
		})
		registered = append(registered, id)
	}

	l.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentModuleLoader,
		Event:     diaglog.EventModuleLoad,
		Payload: map[string]interface{}{
			"module":     m.Name(),
			"registered": len(registered),
			"rejected":   len(errs),
		},
	})
	return registered, errors.Join(errs...)
}
