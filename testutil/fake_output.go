package testutil

import (
	"sync"

	"github.com/tiroq/obsoutput/internal/output"
)

// FakeOutput is the module-private data a FakeKind hands to the engine.
type FakeOutput struct {
	Owner    output.Owner
	Settings output.Settings
	active   bool
	paused   bool
	encoders map[output.EncoderType]output.Encoder
}

// FakeKind is a scriptable output kind that counts every callback.
type FakeKind struct {
	KindID      string
	DisplayName string
	Mask        output.EncoderMask
	StartResult bool
	CreateFails bool
	// Accept decides setencoder; nil accepts everything.
	Accept func(enc output.Encoder, typ output.EncoderType) bool

	mu      sync.Mutex
	calls   map[string]int
	locales []string
	last    *FakeOutput
}

// NewFakeKind returns a kind that starts successfully and requires mask.
func NewFakeKind(id string, mask output.EncoderMask) *FakeKind {
	return &FakeKind{
		KindID:      id,
		DisplayName: id,
		Mask:        mask,
		StartResult: true,
		calls:       make(map[string]int),
	}
}

func (k *FakeKind) count(name string) {
	k.mu.Lock()
	k.calls[name]++
	k.mu.Unlock()
}

// Calls returns how often callback name ran.
func (k *FakeKind) Calls(name string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[name]
}

// Locales returns the locales GetName received.
func (k *FakeKind) Locales() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.locales...)
}

// Last returns the data of the most recently created instance.
func (k *FakeKind) Last() *FakeOutput {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Halt simulates the output ending on its own, without a stop call.
func (k *FakeKind) Halt(data output.Data) {
	k.mu.Lock()
	defer k.mu.Unlock()
	data.(*FakeOutput).active = false
}

// IsPaused reports the module-side pause flag.
func (k *FakeKind) IsPaused(data output.Data) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return data.(*FakeOutput).paused
}

func (k *FakeKind) ID() string { return k.KindID }

func (k *FakeKind) Name(locale string) string {
	k.mu.Lock()
	k.calls["getname"]++
	k.locales = append(k.locales, locale)
	k.mu.Unlock()
	return k.DisplayName
}

func (k *FakeKind) Create(settings output.Settings, owner output.Owner) output.Data {
	k.count("create")
	if k.CreateFails {
		return nil
	}
	d := &FakeOutput{
		Owner:    owner,
		Settings: settings,
		encoders: make(map[output.EncoderType]output.Encoder),
	}
	k.mu.Lock()
	k.last = d
	k.mu.Unlock()
	return d
}

func (k *FakeKind) Destroy(data output.Data) { k.count("destroy") }

func (k *FakeKind) Start(data output.Data) bool {
	k.count("start")
	if !k.StartResult {
		return false
	}
	k.mu.Lock()
	data.(*FakeOutput).active = true
	k.mu.Unlock()
	return true
}

func (k *FakeKind) Stop(data output.Data) {
	k.count("stop")
	k.mu.Lock()
	d := data.(*FakeOutput)
	d.active = false
	d.paused = false
	k.mu.Unlock()
}

func (k *FakeKind) Active(data output.Data) bool {
	k.count("active")
	k.mu.Lock()
	defer k.mu.Unlock()
	return data.(*FakeOutput).active
}

func (k *FakeKind) Encoders(data output.Data) output.EncoderMask {
	k.count("encoders")
	return k.Mask
}

func (k *FakeKind) Update(data output.Data, settings output.Settings) {
	k.count("update")
	k.mu.Lock()
	data.(*FakeOutput).Settings = settings
	k.mu.Unlock()
}

func (k *FakeKind) Pause(data output.Data) {
	k.count("pause")
	k.mu.Lock()
	d := data.(*FakeOutput)
	d.paused = !d.paused
	k.mu.Unlock()
}

func (k *FakeKind) SetEncoder(data output.Data, enc output.Encoder, typ output.EncoderType) bool {
	k.count("setencoder")
	if k.Accept != nil && !k.Accept(enc, typ) {
		return false
	}
	k.mu.Lock()
	data.(*FakeOutput).encoders[typ] = enc
	k.mu.Unlock()
	return true
}

func (k *FakeKind) GetEncoder(data output.Data, typ output.EncoderType) output.Encoder {
	k.count("getencoder")
	k.mu.Lock()
	defer k.mu.Unlock()
	return data.(*FakeOutput).encoders[typ]
}

func (k *FakeKind) Configure(data output.Data, parent any) { k.count("config") }

// Descriptor returns a descriptor exposing only the optional slots in caps.
func (k *FakeKind) Descriptor(caps output.Capability) output.Descriptor {
	d := output.Descriptor{
		ID:       k.KindID,
		GetName:  k.Name,
		Create:   k.Create,
		Destroy:  k.Destroy,
		Start:    k.Start,
		Stop:     k.Stop,
		Active:   k.Active,
		Encoders: k.Encoders,
	}
	if caps.Has(output.CapUpdate) {
		d.Update = k.Update
	}
	if caps.Has(output.CapPause) {
		d.Pause = k.Pause
	}
	if caps.Has(output.CapSetEncoder) {
		d.SetEncoder = k.SetEncoder
	}
	if caps.Has(output.CapGetEncoder) {
		d.GetEncoder = k.GetEncoder
	}
	if caps.Has(output.CapConfig) {
		d.Config = k.Configure
	}
	return d
}

// Exports returns a symbol table for k under the <id>_<verb> convention,
// with only the optional exports in caps.
func (k *FakeKind) Exports(caps output.Capability) map[string]any {
	id := k.KindID
	m := map[string]any{
		id + "_getname":  k.Name,
		id + "_create":   k.Create,
		id + "_destroy":  k.Destroy,
		id + "_start":    k.Start,
		id + "_stop":     k.Stop,
		id + "_active":   k.Active,
		id + "_encoders": k.Encoders,
	}
	if caps.Has(output.CapUpdate) {
		m[id+"_update"] = k.Update
	}
	if caps.Has(output.CapPause) {
		m[id+"_pause"] = k.Pause
	}
	if caps.Has(output.CapSetEncoder) {
		m[id+"_setencoder"] = k.SetEncoder
	}
	if caps.Has(output.CapGetEncoder) {
		m[id+"_getencoder"] = k.GetEncoder
	}
	if caps.Has(output.CapConfig) {
		m[id+"_config"] = k.Configure
	}
	return m
}

// AllCaps enables every optional slot.
const AllCaps = output.CapUpdate | output.CapPause | output.CapSetEncoder | output.CapGetEncoder | output.CapConfig
