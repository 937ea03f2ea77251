package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"trustrun/internal/config"
	"trustrun/internal/environ"
	"trustrun/internal/log"
	"trustrun/internal/script"
	"trustrun/internal/secrets"
	"trustrun/internal/trust"
	"trustrun/internal/upload"
)

// secretsSectionS3 is the section of the secrets file holding S3 credentials.
const secretsSectionS3 = "S3"

// Environment variable names the sign job reads from loaded secrets.
const (
	envCertFile     = "CERT_P12_FILE"
	envKeychainFile = "KEYCHAIN_FILE"
)

// SecretSource loads one section of a secrets file. Implemented by
// secrets.Loader.
type SecretSource interface {
	Load(configPath, section string) (secrets.SecretSet, error)
}

// UploaderFactory builds an uploader for one job, with credentials drawn from
// the job's environment value.
type UploaderFactory func(ctx context.Context, bucket, region string, env environ.Env) (upload.Uploader, error)

// Ledger records dispatch outcomes. Implemented by history.Store.
type Ledger interface {
	RecordStart(ctx context.Context, runID, job string) error
	RecordFinish(ctx context.Context, runID string, runErr error) error
}

// Deps are the capabilities a Dispatcher executes jobs with.
type Deps struct {
	Validator   trust.Validator
	Runner      script.Runner
	Secrets     SecretSource
	NewUploader UploaderFactory
	// Ledger is optional; nil disables run history.
	Ledger Ledger
	// ExePath is the runner binary itself, validated before the sign job
	// touches any credential.
	ExePath string
}

// Dispatcher resolves a job spec to its fixed pipeline and owns the teardown
// guarantee.
type Dispatcher struct {
	cfg    *config.Config
	deps   Deps
	exeDir string
}

// New creates a Dispatcher.
func New(cfg *config.Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		exeDir: filepath.Dir(deps.ExePath),
	}
}

// Dispatch runs one job to completion. The teardown script executes exactly
// once on every path out of this function, including panics; its failure is
// logged and never replaces the job error. Teardown sees the job's
// environment as the job left it, secrets included, so cleanup scripts can
// find the keychain they are deleting.
func (d *Dispatcher) Dispatch(ctx context.Context, spec Spec) (err error) {
	runID := uuid.New().String()
	logger := log.WithRun(runID).With("job", spec.Name)
	logger.Info("dispatching job")

	if d.deps.Ledger != nil {
		if lerr := d.deps.Ledger.RecordStart(ctx, runID, spec.Name); lerr != nil {
			logger.Warn("failed to record run start", "error", lerr)
		}
	}

	env := environ.System()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			// Re-raised once teardown and the ledger have run.
			defer panic(r)
		}
		d.teardown(ctx, env, logger)
		if d.deps.Ledger != nil {
			if lerr := d.deps.Ledger.RecordFinish(ctx, runID, err); lerr != nil {
				logger.Warn("failed to record run finish", "error", lerr)
			}
		}
		if err != nil {
			logger.Error("job failed", "error", err)
		} else {
			logger.Info("job completed")
		}
	}()

	if spec.Name == "" {
		return ErrMissingJobName
	}

	switch spec.Kind() {
	case KindMacCodeSign:
		return d.signJob(ctx, spec, &env, logger)
	case KindS3Upload:
		return d.uploadJob(ctx, spec, &env, logger)
	default:
		return &UnknownJobError{Name: spec.Name}
	}
}

// signJob loads signing secrets, validates the credential files they point
// at, and runs the keychain setup and code-sign scripts in sequence. Loaded
// secrets are written back through env so the deferred teardown sees them.
func (d *Dispatcher) signJob(ctx context.Context, spec Spec, env *environ.Env, logger *slog.Logger) error {
	// The runner binary is held to the same trust bar as the scripts it runs.
	if _, err := d.deps.Validator.Validate(d.deps.ExePath); err != nil {
		return err
	}

	set, err := d.deps.Secrets.Load(d.cfg.SecretsFile, "")
	if err != nil {
		return err
	}
	*env = set.ApplyTo(*env)

	certFile, _ := env.Get(envCertFile)
	if _, err := d.deps.Validator.Validate(certFile); err != nil {
		return err
	}

	if _, err := d.deps.Runner.Run(ctx, script.Request{
		Script: d.cfg.SetupScript(d.exeDir),
		Env:    *env,
	}); err != nil {
		return err
	}

	// The setup script materializes the keychain database; gate it before
	// handing it to codesign.
	keychain, _ := env.Get(envKeychainFile)
	if _, err := d.deps.Validator.Validate(keychain + "-db"); err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	if _, err := d.deps.Runner.Run(ctx, script.Request{
		Script:    d.cfg.SignScript(d.exeDir),
		Env:       *env,
		Overrides: spec.Params,
		Dir:       cwd,
	}); err != nil {
		return err
	}

	logger.Info("artifact signed")
	return nil
}

// uploadJob resolves the artifact glob and uploads every match. The first
// failed upload aborts the remaining matches.
func (d *Dispatcher) uploadJob(ctx context.Context, spec Spec, env *environ.Env, logger *slog.Logger) error {
	artifactsDir, ok := spec.Param("ARTIFACTS_DIR")
	if !ok {
		return &MissingParamError{Job: spec.Name, Param: "ARTIFACTS_DIR"}
	}
	targetPath, ok := spec.Param("S3_TARGET_PATH")
	if !ok {
		return &MissingParamError{Job: spec.Name, Param: "S3_TARGET_PATH"}
	}
	fileName, ok := spec.Param("FILE_NAME")
	if !ok {
		return &MissingParamError{Job: spec.Name, Param: "FILE_NAME"}
	}

	matches, err := filepath.Glob(filepath.Join(artifactsDir, fileName))
	if err != nil {
		return fmt.Errorf("bad artifact pattern %q: %w", fileName, err)
	}
	if len(matches) == 0 {
		logger.Warn("no artifacts matched", "dir", artifactsDir, "pattern", fileName)
		return nil
	}

	set, err := d.deps.Secrets.Load(d.cfg.SecretsFile, secretsSectionS3)
	if err != nil {
		return err
	}
	*env = set.ApplyTo(*env)

	uploader, err := d.deps.NewUploader(ctx, d.cfg.S3.Bucket, d.region(*env), *env)
	if err != nil {
		return fmt.Errorf("build uploader: %w", err)
	}

	for _, local := range matches {
		if err := uploader.Upload(ctx, local, upload.ObjectKey(targetPath, local)); err != nil {
			return err
		}
	}
	logger.Info("artifacts uploaded", "count", len(matches))
	return nil
}

// teardown runs the teardown script with the job's final environment. Trust
// validation happens at the moment of use like every other script.
func (d *Dispatcher) teardown(ctx context.Context, env environ.Env, logger *slog.Logger) {
	if _, err := d.deps.Runner.Run(ctx, script.Request{
		Script: d.cfg.TeardownScript(d.exeDir),
		Env:    env,
	}); err != nil {
		logger.Error("teardown failed", "error", err)
	}
}

func (d *Dispatcher) region(env environ.Env) string {
	if d.cfg.S3.Region != "" {
		return d.cfg.S3.Region
	}
	if r, ok := env.Get("AWS_DEFAULT_REGION"); ok {
		return r
	}
	if r, ok := env.Get("AWS_REGION"); ok {
		return r
	}
	return ""
}
