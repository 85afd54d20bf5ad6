package output

import (
	"fmt"
	"sync"
)

// Event describes one completed lifecycle operation.
type Event struct {
	InstanceID string
	Name       string
	Kind       string
	Op         string
	From       State
	To         State
	Result     string
	Err        error
}

// Observer receives lifecycle events. It is called with the instance lock
// held and must not call back into the instance.
type Observer interface {
	OnLifecycle(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnLifecycle(ev Event) { f(ev) }

// Instance is a live output created from a Descriptor. Lifecycle operations
// are serialized by an exclusive lock; queries share a read lock.
type Instance struct {
	id       string
	name     string
	desc     Descriptor
	caps     Capability
	observer Observer

	mu       sync.RWMutex
	data     Data
	settings Settings
	encoders map[EncoderType]Encoder
	state    State
}

// ID returns the unique instance id.
func (i *Instance) ID() string { return i.id }

// Name returns the engine-assigned instance name.
func (i *Instance) Name() string { return i.name }

// Kind returns the descriptor id the instance was created from.
func (i *Instance) Kind() string { return i.desc.ID }

// Caps returns the optional capabilities of the instance's descriptor.
func (i *Instance) Caps() Capability { return i.caps }

// State returns the cached lifecycle state. Use Sync to reconcile it with
// the module.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Settings returns a copy of the last settings blob applied.
func (i *Instance) Settings() Settings {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.settings.Clone()
}

// Active asks the module whether the output is producing data. The module's
// answer is authoritative; the cached State may lag behind it.
func (i *Instance) Active() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state == StateDestroyed {
		return false
	}
	return i.desc.Active(i.data)
}

// RequiredEncoders returns the encoder mask the module currently reports.
func (i *Instance) RequiredEncoders() EncoderMask {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state == StateDestroyed {
		return MaskNone
	}
	return i.desc.Encoders(i.data)
}

// Encoder returns the encoder bound for typ. The engine-side binding decides
// whether a slot is bound, the same answer Start uses; when the module
// exports getencoder, its handle for a bound slot is returned.
func (i *Instance) Encoder(typ EncoderType) (Encoder, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state == StateDestroyed || !typ.Valid() {
		return nil, false
	}
	enc, ok := i.encoders[typ]
	if !ok {
		return nil, false
	}
	if i.desc.GetEncoder != nil {
		if got := i.desc.GetEncoder(i.data, typ); got != nil {
			return got, true
		}
	}
	return enc, true
}

// Update applies a new settings blob. Only legal while the output is idle.
func (i *Instance) Update(settings Settings) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if err := i.checkIdle(OpUpdate); err != nil {
		return i.finish(OpUpdate, from, err)
	}
	i.state = StateConfiguring
	if i.desc.Update != nil {
		i.desc.Update(i.data, settings.Clone())
	}
	i.settings = settings.Clone()
	i.state = StateReady
	return i.finish(OpUpdate, from, nil)
}

// Configure runs the module's configuration hook with parent as context.
func (i *Instance) Configure(parent any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if !i.caps.Has(CapConfig) {
		return i.finish(OpConfigure, from, i.violation(OpConfigure, "descriptor has no config export"))
	}
	if err := i.checkIdle(OpConfigure); err != nil {
		return i.finish(OpConfigure, from, err)
	}
	i.state = StateConfiguring
	i.desc.Config(i.data, parent)
	i.state = StateReady
	return i.finish(OpConfigure, from, nil)
}

// SetEncoder binds enc to the typ slot. If the module exports setencoder it
// decides compatibility, and a rejected encoder is not recorded.
func (i *Instance) SetEncoder(enc Encoder, typ EncoderType) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if err := i.checkIdle(OpSetEncoder); err != nil {
		return i.finish(OpSetEncoder, from, err)
	}
	if !typ.Valid() {
		return i.finish(OpSetEncoder, from, i.violation(OpSetEncoder, fmt.Sprintf("unknown encoder type %d", uint32(typ))))
	}
	if enc == nil {
		return i.finish(OpSetEncoder, from, i.violation(OpSetEncoder, "nil encoder"))
	}
	if enc.Type() != typ {
		return i.finish(OpSetEncoder, from, fmt.Errorf("%w: %s encoder %q in %s slot", ErrEncoderIncompatible, enc.Type(), enc.Name(), typ))
	}
	if i.desc.SetEncoder != nil && !i.desc.SetEncoder(i.data, enc, typ) {
		return i.finish(OpSetEncoder, from, fmt.Errorf("%w: %s refused %s encoder %q (%s)", ErrEncoderIncompatible, i.desc.ID, typ, enc.Name(), enc.Codec()))
	}
	i.encoders[typ] = enc
	i.state = StateReady
	return i.finish(OpSetEncoder, from, nil)
}

// ClearEncoder drops the engine-side binding for typ.
func (i *Instance) ClearEncoder(typ EncoderType) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if err := i.checkIdle(OpClearEncoder); err != nil {
		return i.finish(OpClearEncoder, from, err)
	}
	delete(i.encoders, typ)
	i.state = StateReady
	return i.finish(OpClearEncoder, from, nil)
}

// Start moves the output to Active. Every encoder type the module requires
// must be bound first; the module's start callback has the final word.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if i.state == StateDestroyed {
		return i.finish(OpStart, from, i.violation(OpStart, "instance destroyed"))
	}
	i.reconcile()
	if i.state.Live() {
		return i.finish(OpStart, from, fmt.Errorf("%w: %s", ErrAlreadyActive, i.name))
	}

	mask := i.desc.Encoders(i.data)
	if !mask.Valid() {
		i.state = StateReady
		return i.finish(OpStart, from, fmt.Errorf("%w: %w: %d", ErrStartRejected, ErrInvalidEncoderMask, uint32(mask)))
	}
	for _, typ := range mask.Types() {
		if i.encoders[typ] == nil {
			i.state = StateReady
			return i.finish(OpStart, from, fmt.Errorf("%w: %w: %s", ErrStartRejected, ErrMissingEncoder, typ))
		}
	}

	if !i.desc.Start(i.data) {
		i.state = StateReady
		return i.finish(OpStart, from, fmt.Errorf("%w: %s refused to start", ErrStartRejected, i.desc.ID))
	}
	i.setState(StateActive)
	return i.finish(OpStart, from, nil)
}

// Stop ends an active output. Stopping an idle output, including one that
// ended on its own, is a no-op and does not reach the module.
func (i *Instance) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if i.state == StateDestroyed {
		return i.finish(OpStop, from, i.violation(OpStop, "instance destroyed"))
	}
	i.reconcile()
	if !i.state.Live() {
		i.record(OpStop, from, ResultNoop, nil)
		return nil
	}
	i.desc.Stop(i.data)
	i.setState(StateReady)
	return i.finish(OpStop, from, nil)
}

// Pause suspends an active output. Offered only when the module exports pause.
func (i *Instance) Pause() error {
	return i.togglePause(OpPause, StateActive, StatePaused)
}

// Unpause resumes a paused output. The module's pause export is invoked again
// to toggle it back.
func (i *Instance) Unpause() error {
	return i.togglePause(OpUnpause, StatePaused, StateActive)
}

func (i *Instance) togglePause(op string, want, next State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if !i.caps.Has(CapPause) {
		return i.finish(op, from, i.violation(op, "descriptor has no pause export"))
	}
	if i.state != want {
		return i.finish(op, from, i.violation(op, fmt.Sprintf("requires state %s", want)))
	}
	i.desc.Pause(i.data)
	i.state = next
	return i.finish(op, from, nil)
}

// Sync reconciles the cached state with the module's active callback and
// returns the result. An output that stopped on its own drops to Ready
// without its stop callback being invoked.
func (i *Instance) Sync() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reconcile()
	return i.state
}

// Destroy releases the module data. The output must be stopped first.
func (i *Instance) Destroy() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	from := i.state
	if err := i.checkIdle(OpDestroy); err != nil {
		return i.finish(OpDestroy, from, err)
	}
	i.desc.Destroy(i.data)
	i.data = nil
	i.encoders = nil
	i.state = StateDestroyed
	return i.finish(OpDestroy, from, nil)
}

// Snapshot is a point-in-time view of an instance.
type Snapshot struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	State    State             `json:"state"`
	Active   bool              `json:"active"`
	Required string            `json:"required_encoders"`
	Caps     []string          `json:"capabilities,omitempty"`
	Encoders map[string]string `json:"encoders,omitempty"` // type -> encoder name
}

// Snapshot returns the instance's current view, querying the module for
// its active state and encoder requirements.
func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s := Snapshot{
		ID:    i.id,
		Name:  i.name,
		Kind:  i.desc.ID,
		State: i.state,
		Caps:  i.caps.Names(),
	}
	if i.state == StateDestroyed {
		s.Required = MaskNone.String()
		return s
	}
	s.Active = i.desc.Active(i.data)
	s.Required = i.desc.Encoders(i.data).String()
	if len(i.encoders) > 0 {
		s.Encoders = make(map[string]string, len(i.encoders))
		for typ, enc := range i.encoders {
			s.Encoders[typ.String()] = enc.Name()
		}
	}
	return s
}

// setState updates the state and keeps the active gauge consistent.
func (i *Instance) setState(next State) {
	switch {
	case !i.state.Live() && next.Live():
		outputsActive.Inc()
	case i.state.Live() && !next.Live():
		outputsActive.Dec()
	}
	i.state = next
}

func (i *Instance) finish(op string, from State, err error) error {
	i.record(op, from, resultOf(err), err)
	return err
}

func (i *Instance) record(op string, from State, result string, err error) {
	lifecycleTotal.WithLabelValues(op, result).Inc()
	if i.observer == nil {
		return
	}
	i.observer.OnLifecycle(Event{
		InstanceID: i.id,
		Name:       i.name,
		Kind:       i.desc.ID,
		Op:         op,
		From:       from,
		To:         i.state,
		Result:     result,
		Err:        err,
	})
}
