package output

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// DefaultLocale is used when a caller passes an empty or malformed locale.
const DefaultLocale = "en-US"

type entry struct {
	desc   Descriptor
	caps   Capability
	module string
}

// Registry stores validated descriptors keyed by id, in registration order.
// It is populated while modules load and read-mostly afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	order    []string
	observer Observer
	newID    func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver attaches o to every instance the registry creates.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithIDGenerator overrides how instance ids are generated.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// SetObserver replaces the observer attached to instances created from now on.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]entry),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates d and stores it under d.ID. A duplicate id is rejected
// and the existing entry is kept.
func (r *Registry) Register(module string, d Descriptor) error {
	if err := d.Validate(); err != nil {
		if re, ok := err.(*RegistrationError); ok {
			re.Module = module
		}
		registrationsTotal.WithLabelValues(ResultRejected).Inc()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.entries[d.ID]; exists {
		registrationsTotal.WithLabelValues(ResultRejected).Inc()
		return &RegistrationError{
			Module: module,
			ID:     d.ID,
			Reason: fmt.Sprintf("%s (already registered by %q)", ReasonDuplicate, prev.module),
		}
	}
	r.entries[d.ID] = entry{desc: d, caps: d.Caps(), module: module}
	r.order = append(r.order, d.ID)
	registrationsTotal.WithLabelValues(ResultOK).Inc()
	return nil
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.desc, ok
}

// Caps returns the capabilities recorded for id at registration time.
func (r *Registry) Caps(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.caps, ok
}

// Module returns the name of the module that registered id.
func (r *Registry) Module(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.module, ok
}

// Enumerate returns every registered id in insertion order.
func (r *Registry) Enumerate() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Name returns the display name of id for locale.
func (r *Registry) Name(id, locale string) (string, error) {
	d, ok := r.Lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.GetName(CanonicalLocale(locale)), nil
}

// Reset drops every entry. Instances already created keep their descriptor.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]entry)
	r.order = nil
}

// Create instantiates the kind registered under id. The module's create
// returning nil means the output is unavailable and no instance exists.
func (r *Registry) Create(id, name string, settings Settings) (*Instance, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	observer := r.observer
	r.mu.RUnlock()
	if !ok {
		lifecycleTotal.WithLabelValues(OpCreate, ResultError).Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	inst := &Instance{
		id:       r.newID(),
		name:     name,
		desc:     e.desc,
		caps:     e.caps,
		observer: observer,
		settings: settings.Clone(),
		encoders: make(map[EncoderType]Encoder),
		state:    StateCreated,
	}

	data := e.desc.Create(settings.Clone(), inst)
	if isNil(data) {
		lifecycleTotal.WithLabelValues(OpCreate, ResultError).Inc()
		return nil, fmt.Errorf("%w: %s create returned no instance", ErrUnavailable, id)
	}
	if mask := e.desc.Encoders(data); !mask.Valid() {
		e.desc.Destroy(data)
		lifecycleTotal.WithLabelValues(OpCreate, ResultRejected).Inc()
		return nil, fmt.Errorf("%w: %s reported %d", ErrInvalidEncoderMask, id, uint32(mask))
	}

	inst.data = data
	inst.record(OpCreate, StateCreated, ResultOK, nil)
	return inst, nil
}

// isNil reports whether data is nil, including a nil pointer, map, slice,
// func or chan stored in a non-nil interface.
func isNil(data Data) bool {
	if data == nil {
		return true
	}
	switch rv := reflect.ValueOf(data); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// CanonicalLocale normalizes a BCP 47 locale, falling back to DefaultLocale.
func CanonicalLocale(locale string) string {
	if locale == "" {
		return DefaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLocale
	}
	return tag.String()
}
