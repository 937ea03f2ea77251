// Package secrets loads environment variable assignments from an INI secrets
// file. The file must pass the trust gate before a single byte is parsed.
package secrets

import (
	"fmt"
	"log/slog"
	"sort"

	"gopkg.in/ini.v1"

	"trustrun/internal/environ"
	"trustrun/internal/log"
	"trustrun/internal/trust"
)

// DefaultSection is the reserved section used when no title is given.
var DefaultSection = ini.DefaultSection

// SecretSet holds the key/value pairs of one config section, in file order,
// with key case preserved. It is built fresh per load and never written back.
type SecretSet struct {
	section string
	names   []string
	values  map[string]string
}

// Section returns the section title the set was loaded from.
func (s SecretSet) Section() string {
	return s.section
}

// Names returns the keys in file order.
func (s SecretSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of entries.
func (s SecretSet) Len() int {
	return len(s.names)
}

// Get returns the value for name and whether it is present.
func (s SecretSet) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// ApplyTo overlays every entry onto env, overwriting colliding variables.
// Keys keep their case; last-loaded-wins when sections collide.
func (s SecretSet) ApplyTo(env environ.Env) environ.Env {
	for _, name := range s.names {
		env = env.Set(name, s.values[name])
	}
	return env
}

// Static builds a SecretSet from literal values, bypassing file parsing.
// Used by tests and tooling that already hold the material.
func Static(section string, vars map[string]string) SecretSet {
	set := SecretSet{
		section: section,
		values:  make(map[string]string, len(vars)),
	}
	for k, v := range vars {
		set.names = append(set.names, k)
		set.values[k] = v
	}
	sort.Strings(set.names)
	return set
}

// Loader reads secret sections from trust-validated INI files.
type Loader struct {
	validator trust.Validator
	logger    *slog.Logger
}

// NewLoader creates a Loader that validates every config path with v.
func NewLoader(v trust.Validator) *Loader {
	return &Loader{
		validator: v,
		logger:    log.WithComponent("secrets"),
	}
}

// Load validates configPath, parses it as an INI file, and returns the
// key/value pairs of the given section. An empty section title selects the
// reserved DEFAULT section. Section titles and keys are case-sensitive.
// DEFAULT-section keys are visible through every named section, with the
// named section winning on collision.
func (l *Loader) Load(configPath, section string) (SecretSet, error) {
	trusted, err := l.validator.Validate(configPath)
	if err != nil {
		return SecretSet{}, err
	}

	if section == "" {
		section = DefaultSection
	}

	cfg, err := ini.Load(trusted.String())
	if err != nil {
		return SecretSet{}, fmt.Errorf("parse secrets file %s: %w", trusted, err)
	}

	sec, err := cfg.GetSection(section)
	if err != nil {
		return SecretSet{}, fmt.Errorf("secrets file %s has no section %q: %w", trusted, section, err)
	}

	set := SecretSet{
		section: section,
		values:  make(map[string]string),
	}
	add := func(s *ini.Section) {
		for _, key := range s.Keys() {
			if _, seen := set.values[key.Name()]; !seen {
				set.names = append(set.names, key.Name())
			}
			set.values[key.Name()] = key.Value()
		}
	}
	if section != DefaultSection {
		if def, derr := cfg.GetSection(DefaultSection); derr == nil {
			add(def)
		}
	}
	add(sec)

	// Log names only; values never reach the log stream.
	l.logger.Debug("loaded secret section",
		"path", trusted.String(), "section", section, "keys", set.names)

	return set, nil
}
