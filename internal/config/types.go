package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete runner configuration.
type Config struct {
	Trust       TrustConfig   `yaml:"trust"`
	SecretsFile string        `yaml:"secrets_file"`
	Scripts     ScriptsConfig `yaml:"scripts"`
	S3          S3Config      `yaml:"s3"`
	History     HistoryConfig `yaml:"history"`
	Log         LogConfig     `yaml:"log"`
	// ScriptTimeout bounds each script invocation. Zero disables the bound,
	// matching the historical runner contract.
	ScriptTimeout Duration `yaml:"script_timeout"`
	// LockFile serializes runner invocations per worker.
	LockFile string `yaml:"lock_file"`
}

// Duration is a time.Duration that decodes from yaml as either a Go duration
// string ("90s", "5m") or a bare integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TrustConfig defines the file trust policy.
type TrustConfig struct {
	Principal  string `yaml:"principal"`
	PermSuffix string `yaml:"perm_suffix"`
}

// ScriptsConfig locates the helper scripts. Dir is resolved relative to the
// runner executable when not absolute, mirroring how the scripts ship
// alongside the binary.
type ScriptsConfig struct {
	Dir      string `yaml:"dir"`
	Setup    string `yaml:"setup"`
	Sign     string `yaml:"sign"`
	Teardown string `yaml:"teardown"`
}

// S3Config defines the artifact upload target.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// HistoryConfig defines the local run ledger.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// LogConfig defines log level and the teed log file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}
