// Package output implements the output plugin contract: descriptors supplied
// by modules, the registry that validates them, encoder binding, and the
// per-instance lifecycle the engine drives.
package output

import "strings"

// Data is the module-private state behind an instance. The engine never
// inspects it; it only hands it back to the descriptor that created it.
type Data any

// Settings is an opaque serialized settings blob passed through verbatim.
type Settings []byte

// Clone returns a copy of s that does not alias the caller's buffer.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	copy(out, s)
	return out
}

// Owner identifies the engine-side instance a module's data belongs to.
type Owner interface {
	ID() string
	Name() string
}

// Descriptor is the capability table a module supplies for one output kind.
// Required slots must be non-nil; optional slots may be nil and are probed
// once, at registration.
type Descriptor struct {
	ID string

	GetName  func(locale string) string
	Create   func(settings Settings, owner Owner) Data
	Destroy  func(data Data)
	Start    func(data Data) bool
	Stop     func(data Data)
	Active   func(data Data) bool
	Encoders func(data Data) EncoderMask

	// optional
	Update     func(data Data, settings Settings)
	Pause      func(data Data)
	SetEncoder func(data Data, enc Encoder, typ EncoderType) bool
	GetEncoder func(data Data, typ EncoderType) Encoder
	Config     func(data Data, parent any)
}

// Capability flags the optional slots a descriptor provides.
type Capability uint32

const (
	CapUpdate Capability = 1 << iota
	CapPause
	CapSetEncoder
	CapGetEncoder
	CapConfig
)

// Has reports whether every flag of other is set in c.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	var names []string
	for _, f := range []struct {
		c    Capability
		name string
	}{
		{CapUpdate, "update"},
		{CapPause, "pause"},
		{CapSetEncoder, "setencoder"},
		{CapGetEncoder, "getencoder"},
		{CapConfig, "config"},
	} {
		if c.Has(f.c) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Names returns the flag names set in c.
func (c Capability) Names() []string {
	if c == 0 {
		return nil
	}
	return strings.Split(c.String(), ",")
}

// Caps computes the capability set from the optional slots.
func (d Descriptor) Caps() Capability {
	var c Capability
	if d.Update != nil {
		c |= CapUpdate
	}
	if d.Pause != nil {
		c |= CapPause
	}
	if d.SetEncoder != nil {
		c |= CapSetEncoder
	}
	if d.GetEncoder != nil {
		c |= CapGetEncoder
	}
	if d.Config != nil {
		c |= CapConfig
	}
	return c
}

// Validate reports the first missing required slot.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return &RegistrationError{Reason: ReasonEmptyID}
	}
	required := []struct {
		name    string
		present bool
	}{
		{"getname", d.GetName != nil},
		{"create", d.Create != nil},
		{"destroy", d.Destroy != nil},
		{"start", d.Start != nil},
		{"stop", d.Stop != nil},
		{"active", d.Active != nil},
		{"encoders", d.Encoders != nil},
	}
	for _, r := range required {
		if !r.present {
			return &RegistrationError{ID: d.ID, Export: r.name, Reason: ReasonMissingExport}
		}
	}
	return nil
}

// Kind is the interface an in-process output kind implements. Optional
// behaviour is expressed through Updater, Pauser, EncoderSetter,
// EncoderGetter and Configurer.
type Kind interface {
	ID() string
	Name(locale string) string
	Create(settings Settings, owner Owner) Data
	Destroy(data Data)
	Start(data Data) bool
	Stop(data Data)
	Active(data Data) bool
	Encoders(data Data) EncoderMask
}

type Updater interface {
	Update(data Data, settings Settings)
}

type Pauser interface {
	Pause(data Data)
}

type EncoderSetter interface {
	SetEncoder(data Data, enc Encoder, typ EncoderType) bool
}

type EncoderGetter interface {
	GetEncoder(data Data, typ EncoderType) Encoder
}

type Configurer interface {
	Configure(data Data, parent any)
}

// FromKind builds a Descriptor from k, filling optional slots for every
// optional interface k implements.
func FromKind(k Kind) Descriptor {
	d := Descriptor{
		ID:       k.ID(),
		GetName:  k.Name,
		Create:   k.Create,
		Destroy:  k.Destroy,
		Start:    k.Start,
		Stop:     k.Stop,
		Active:   k.Active,
		Encoders: k.Encoders,
	}
	if u, ok := k.(Updater); ok {
		d.Update = u.Update
	}
	if p, ok := k.(Pauser); ok {
		d.Pause = p.Pause
	}
	if s, ok := k.(EncoderSetter); ok {
		d.SetEncoder = s.SetEncoder
	}
	if g, ok := k.(EncoderGetter); ok {
		d.GetEncoder = g.GetEncoder
	}
	if c, ok := k.(Configurer); ok {
		d.Config = c.Configure
	}
	return d
}
