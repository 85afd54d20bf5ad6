package engine

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/output"
)

// OpSync names the reconciliation edge Reconcile reports when a module
// stopped on its own.
const OpSync = "sync"

// Subscribe registers fn for every lifecycle event. fn runs while the
// instance is locked: it must return quickly and must not call back into the
// engine for the same output. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(output.Event)) (cancel func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// OnLifecycle implements output.Observer.
func (e *Engine) OnLifecycle(ev output.Event) {
	e.logEvent(ev)
	e.diag.Log(diagEntry(ev))

	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.subs {
		fn(ev)
	}
}

func (e *Engine) logEvent(ev output.Event) {
	var evt *zerolog.Event
	switch {
	case ev.Result == output.ResultNoop:
		evt = e.logger.Debug()
	case ev.Err == nil:
		evt = e.logger.Info()
	case errors.Is(ev.Err, output.ErrProtocolViolation):
		evt = e.logger.Warn()
	default:
		evt = e.logger.Error()
	}
	if ev.Err != nil {
		evt = evt.Err(ev.Err)
	}
	evt.Str("event", "output."+ev.Op).
		Str("output", ev.Name).
		Str("kind", ev.Kind).
		Str("instance_id", ev.InstanceID).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("result", ev.Result).
		Msg("output lifecycle")
}

func diagEntry(ev output.Event) diaglog.LogEntry {
	entry := diaglog.LogEntry{
		Component: diaglog.ComponentInstance,
		Event:     diaglog.EventLifecycle,
		Output:    ev.Name,
		Kind:      ev.Kind,
		Payload: map[string]interface{}{
			"op":     ev.Op,
			"from":   string(ev.From),
			"to":     string(ev.To),
			"result": ev.Result,
		},
	}
	switch {
	case errors.Is(ev.Err, output.ErrProtocolViolation):
		entry.Event = diaglog.EventProtocolViolation
	case errors.Is(ev.Err, output.ErrStartRejected):
		entry.Event = diaglog.EventStartRejected
	case ev.Op == output.OpSetEncoder && ev.Err != nil:
		entry.Event = diaglog.EventEncoderRejected
	case ev.Op == output.OpSetEncoder:
		entry.Event = diaglog.EventEncoderBound
	}
	if ev.Err != nil {
		entry.Reason = ev.Err.Error()
	}
	return entry
}
