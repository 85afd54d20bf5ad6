package main

import (
	"sync"

	"github.com/tiroq/obsoutput/internal/output"
)

// nullKind is the built-in output: it accepts any encoders, produces nothing
// and stays active until stopped. Useful for dry runs and for exercising the
// control surface without a plugin.
type nullKind struct{}

type nullOutput struct {
	mu       sync.Mutex
	active   bool
	paused   bool
	settings output.Settings
}

func (nullKind) ID() string { return "null" }

func (nullKind) Name(locale string) string {
	if len(locale) >= 2 && locale[:2] == "de" {
		return "Leere Ausgabe"
	}
	return "Null Output"
}

func (nullKind) Create(settings output.Settings, _ output.Owner) output.Data {
	return &nullOutput{settings: settings}
}

func (nullKind) Destroy(output.Data) {}

func (nullKind) Start(data output.Data) bool {
	o := data.(*nullOutput)
	o.mu.Lock()
	o.active = true
	o.mu.Unlock()
	return true
}

func (nullKind) Stop(data output.Data) {
	o := data.(*nullOutput)
	o.mu.Lock()
	o.active, o.paused = false, false
	o.mu.Unlock()
}

func (nullKind) Active(data output.Data) bool {
	o := data.(*nullOutput)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (nullKind) Encoders(output.Data) output.EncoderMask { return output.MaskNone }

func (nullKind) Update(data output.Data, settings output.Settings) {
	o := data.(*nullOutput)
	o.mu.Lock()
	o.settings = settings
	o.mu.Unlock()
}

func (nullKind) Pause(data output.Data) {
	o := data.(*nullOutput)
	o.mu.Lock()
	o.paused = !o.paused
	o.mu.Unlock()
}

var (
	_ output.Kind    = nullKind{}
	_ output.Updater = nullKind{}
	_ output.Pauser  = nullKind{}
)
