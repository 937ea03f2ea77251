// Package doctor validates the runner's environment before any job runs:
// config sanity, helper script trust, secrets file trust, writable paths.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"

	"trustrun/internal/config"
	"trustrun/internal/trust"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// Doctor checks a runner configuration against the worker filesystem.
type Doctor struct {
	cfg       *config.Config
	validator trust.Validator
	exeDir    string
}

// New creates a Doctor. exeDir anchors relative script paths the same way
// dispatch does.
func New(cfg *config.Config, validator trust.Validator, exeDir string) *Doctor {
	return &Doctor{cfg: cfg, validator: validator, exeDir: exeDir}
}

// Check runs all validations and returns a result.
func (d *Doctor) Check() *Result {
	r := &Result{Valid: true}

	d.checkConfig(r)
	d.checkScripts(r)
	d.checkSecretsFile(r)
	d.checkHistoryPath(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, path, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Path: path, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, path, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Path: path, Message: msg})
}

func (d *Doctor) checkConfig(r *Result) {
	if d.cfg.Trust.Principal == "" {
		d.addError(r, "config", "", "trust.principal is required")
	}
	if d.cfg.Trust.PermSuffix == "" {
		d.addError(r, "config", "", "trust.perm_suffix is required")
	}
	if d.cfg.S3.Bucket == "" {
		d.addError(r, "config", "", "s3.bucket is required")
	}
	if d.cfg.ScriptTimeout == 0 {
		d.addWarning(r, "config", "",
			"script_timeout is disabled; a hung script will block the worker until the build is killed")
	}
}

func (d *Doctor) checkScripts(r *Result) {
	scripts := map[string]string{
		"setup":    d.cfg.SetupScript(d.exeDir),
		"sign":     d.cfg.SignScript(d.exeDir),
		"teardown": d.cfg.TeardownScript(d.exeDir),
	}
	for name, path := range scripts {
		if _, err := d.validator.Validate(path); err != nil {
			d.addError(r, "scripts", path, fmt.Sprintf("%s script failed trust validation: %v", name, err))
		}
	}
}

func (d *Doctor) checkSecretsFile(r *Result) {
	if d.cfg.SecretsFile == "" {
		d.addError(r, "secrets", "", "secrets_file is required")
		return
	}
	if _, err := d.validator.Validate(d.cfg.SecretsFile); err != nil {
		d.addError(r, "secrets", d.cfg.SecretsFile,
			fmt.Sprintf("secrets file failed trust validation: %v", err))
	}
}

func (d *Doctor) checkHistoryPath(r *Result) {
	if d.cfg.History.Path == "" {
		d.addWarning(r, "history", "", "history.path is empty; run ledger disabled")
		return
	}
	dir := filepath.Dir(d.cfg.History.Path)
	if dir == "." {
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "history", dir, "history directory does not exist; it will be created on first run")
		return
	}
	if !info.IsDir() {
		d.addError(r, "history", dir, "history path parent is not a directory")
	}
}
