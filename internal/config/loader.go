package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults returns the configuration matching the production worker layout:
// root-owned scripts next to the binary, the vault secrets file, owner-only
// permission masks.
func Defaults() *Config {
	return &Config{
		Trust: TrustConfig{
			Principal:  "root",
			PermSuffix: "00",
		},
		SecretsFile: "/var/root/vault/mac-code-signing.ini",
		Scripts: ScriptsConfig{
			Dir:      "scripts/mac",
			Setup:    "setup-keychain.sh",
			Sign:     "code-sign.sh",
			Teardown: "teardown.sh",
		},
		S3: S3Config{
			Bucket: "build-artifacts-prod",
		},
		History: HistoryConfig{
			Path: "runner-history.db",
		},
		Log: LogConfig{
			Level: "DEBUG",
			File:  "runner.log",
		},
		LockFile: "/tmp/trustrun.pid",
	}
}

// Load reads and parses configuration from a file. An empty path returns the
// defaults unchanged so a bare worker image needs no config file at all.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	if configPath == "" {
		return cfg, nil
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	cfg = applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: --config flag, $TRUSTRUN_CONFIG, /etc/trustrun/config.yaml,
// ./config.yaml. An empty result means "use defaults".
func Discover(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := os.Getenv("TRUSTRUN_CONFIG"); path != "" {
		return path
	}
	systemConfig := "/etc/trustrun/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}
	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig
	}
	return ""
}

// SetupScript returns the resolved path of the keychain setup script.
func (c *Config) SetupScript(exeDir string) string {
	return c.scriptPath(exeDir, c.Scripts.Setup)
}

// SignScript returns the resolved path of the code-sign script.
func (c *Config) SignScript(exeDir string) string {
	return c.scriptPath(exeDir, c.Scripts.Sign)
}

// TeardownScript returns the resolved path of the teardown script.
func (c *Config) TeardownScript(exeDir string) string {
	return c.scriptPath(exeDir, c.Scripts.Teardown)
}

func (c *Config) scriptPath(exeDir, name string) string {
	dir := c.Scripts.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(exeDir, dir)
	}
	return filepath.Join(dir, name)
}

func applyDefaults(cfg *Config) *Config {
	def := Defaults()
	if cfg.Trust.Principal == "" {
		cfg.Trust.Principal = def.Trust.Principal
	}
	if cfg.Trust.PermSuffix == "" {
		cfg.Trust.PermSuffix = def.Trust.PermSuffix
	}
	if cfg.SecretsFile == "" {
		cfg.SecretsFile = def.SecretsFile
	}
	if cfg.Scripts.Dir == "" {
		cfg.Scripts.Dir = def.Scripts.Dir
	}
	if cfg.Scripts.Setup == "" {
		cfg.Scripts.Setup = def.Scripts.Setup
	}
	if cfg.Scripts.Sign == "" {
		cfg.Scripts.Sign = def.Scripts.Sign
	}
	if cfg.Scripts.Teardown == "" {
		cfg.Scripts.Teardown = def.Scripts.Teardown
	}
	if cfg.S3.Bucket == "" {
		cfg.S3.Bucket = def.S3.Bucket
	}
	if cfg.History.Path == "" {
		cfg.History.Path = def.History.Path
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.LockFile == "" {
		cfg.LockFile = def.LockFile
	}
	return cfg
}

func validate(cfg *Config) error {
	if cfg.Trust.Principal == "" {
		return fmt.Errorf("trust.principal is required")
	}
	if cfg.Trust.PermSuffix == "" {
		return fmt.Errorf("trust.perm_suffix is required")
	}
	if cfg.ScriptTimeout < 0 {
		return fmt.Errorf("script_timeout must not be negative")
	}
	if cfg.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	return nil
}
