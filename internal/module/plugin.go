package module

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
)

// Symbols a Go plugin must export to act as a module.
const (
	PluginEnumSymbol   = "EnumOutputs"
	PluginLookupSymbol = "LookupExport"
)

// Plugin is a module backed by a shared object built with
// -buildmode=plugin. Go only exports capitalized identifiers, so the
// "<id>_<verb>" table is reached through the plugin's LookupExport function.
type Plugin struct {
	name   string
	path   string
	enum   func(int) (string, bool)
	lookup func(string) (any, bool)
}

// OpenPlugin opens the shared object at path and resolves its entry points.
func OpenPlugin(path string) (*Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}

	enumSym, err := p.Lookup(PluginEnumSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	enum, ok := enumSym.(func(int) (string, bool))
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has type %T, want func(int) (string, bool)", path, PluginEnumSymbol, enumSym)
	}

	lookupSym, err := p.Lookup(PluginLookupSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	lookup, ok := lookupSym.(func(string) (any, bool))
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has type %T, want func(string) (any, bool)", path, PluginLookupSymbol, lookupSym)
	}

	return &Plugin{
		name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		path:   path,
		enum:   enum,
		lookup: lookup,
	}, nil
}

func (p *Plugin) Name() string { return p.name }

// Path returns the file the plugin was opened from.
func (p *Plugin) Path() string { return p.path }

func (p *Plugin) EnumOutputs(idx int) (string, bool) { return p.enum(idx) }

func (p *Plugin) Lookup(symbol string) (any, bool) { return p.lookup(symbol) }

// LoadDir opens every *.so in dir in lexical order and loads it with l. A
// missing dir is not an error. Failures of individual plugins are joined;
// the names of all registered output ids are returned.
func (l *Loader) LoadDir(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		l.logger.Debug().Str("dir", dir).Msg("plugin directory does not exist")
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var (
		ids  []string
		errs []error
	)
	for _, path := range paths {
		p, err := OpenPlugin(path)
		if err != nil {
			l.logger.Error().Err(err).Str("event", "module.open_failed").Str("path", path).Msg("plugin could not be opened")
			errs = append(errs, err)
			continue
		}
		got, err := l.Load(p)
		ids = append(ids, got...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return ids, errors.Join(errs...)
}
