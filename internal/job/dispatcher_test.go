package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustrun/internal/config"
	"trustrun/internal/environ"
	"trustrun/internal/log"
	"trustrun/internal/script"
	"trustrun/internal/secrets"
	"trustrun/internal/trust"
	"trustrun/internal/upload"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "") // Suppress logs in tests
	os.Exit(m.Run())
}

// recorder collects pipeline events so tests can assert step ordering.
type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

type stubValidator struct {
	rec      *recorder
	failPath string
	failKind trust.Kind
}

func (v *stubValidator) Validate(path string) (trust.TrustedPath, error) {
	v.rec.add("validate:" + path)
	if v.failPath != "" && path == v.failPath {
		return "", &trust.SecurityError{Path: path, Kind: v.failKind, Detail: "stubbed"}
	}
	return trust.TrustedPath(path), nil
}

type stubRunner struct {
	rec      *recorder
	requests []script.Request
	failOn   string // script basename that fails
	failWith error
}

func (r *stubRunner) Run(_ context.Context, req script.Request) (script.Result, error) {
	r.rec.add("run:" + filepath.Base(req.Script))
	r.requests = append(r.requests, req)
	if r.failOn != "" && filepath.Base(req.Script) == r.failOn {
		return script.Result{ExitCode: 1}, r.failWith
	}
	return script.Result{}, nil
}

type stubSecrets struct {
	rec       *recorder
	sections  map[string]map[string]string
	failErr   error
	panicWith any
}

func (s *stubSecrets) Load(configPath, section string) (secrets.SecretSet, error) {
	key := section
	if key == "" {
		key = secrets.DefaultSection
	}
	s.rec.add("secrets:" + key)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.failErr != nil {
		return secrets.SecretSet{}, s.failErr
	}
	return secrets.Static(key, s.sections[key]), nil
}

type stubUploader struct {
	rec    *recorder
	keys   []string
	failOn string // local path suffix that fails
}

func (u *stubUploader) Upload(_ context.Context, localPath, key string) error {
	u.rec.add("upload:" + key)
	if u.failOn != "" && strings.HasSuffix(localPath, u.failOn) {
		return &upload.UploadError{Path: localPath, Reason: "stubbed"}
	}
	u.keys = append(u.keys, key)
	return nil
}

type stubLedger struct {
	starts   []string
	finishes []error
}

func (l *stubLedger) RecordStart(_ context.Context, runID, job string) error {
	l.starts = append(l.starts, job)
	return nil
}

func (l *stubLedger) RecordFinish(_ context.Context, runID string, runErr error) error {
	l.finishes = append(l.finishes, runErr)
	return nil
}

type fixture struct {
	rec       *recorder
	validator *stubValidator
	runner    *stubRunner
	secrets   *stubSecrets
	uploader  *stubUploader
	ledger    *stubLedger
	disp      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &recorder{}
	f := &fixture{
		rec:       rec,
		validator: &stubValidator{rec: rec},
		runner:    &stubRunner{rec: rec, failWith: errors.New("boom")},
		secrets:   &stubSecrets{rec: rec, sections: map[string]map[string]string{}},
		uploader:  &stubUploader{rec: rec},
		ledger:    &stubLedger{},
	}

	cfg := config.Defaults()
	cfg.Scripts.Dir = "/opt/runner/scripts/mac"
	cfg.SecretsFile = "/var/root/vault/mac-code-signing.ini"

	f.disp = New(cfg, Deps{
		Validator: f.validator,
		Runner:    f.runner,
		Secrets:   f.secrets,
		NewUploader: func(_ context.Context, bucket, region string, _ environ.Env) (upload.Uploader, error) {
			return f.uploader, nil
		},
		Ledger:  f.ledger,
		ExePath: "/opt/runner/trustrun",
	})
	return f
}

func (f *fixture) teardownRuns() int {
	n := 0
	for _, e := range f.rec.events {
		if e == "run:teardown.sh" {
			n++
		}
	}
	return n
}

func TestDispatchMissingJobName(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Dispatch(context.Background(), Spec{})
	assert.ErrorIs(t, err, ErrMissingJobName)
	assert.Equal(t, 1, f.teardownRuns(), "teardown runs exactly once even for bad input")
}

func TestDispatchUnknownJob(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Dispatch(context.Background(), Spec{Name: "GPG_SIGN"})
	require.Error(t, err)

	var unknown *UnknownJobError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "GPG_SIGN", unknown.Name)

	assert.Equal(t, 1, f.teardownRuns())
	for _, e := range f.rec.events {
		assert.NotContains(t, e, "secrets:", "no side effect before the unknown-job error")
	}
}

func TestUploadJobUploadsEachMatch(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cli_macos_amd64.zip"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cli_macos_arm64.zip"), []byte("b"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checksums.txt"), []byte("c"), 0o600))

	err := f.disp.Dispatch(context.Background(), Spec{
		Name: NameS3Upload,
		Params: map[string]string{
			"ARTIFACTS_DIR":  dir,
			"S3_TARGET_PATH": "builds/42",
			"FILE_NAME":      "*.zip",
		},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"builds/42/cli_macos_amd64.zip",
		"builds/42/cli_macos_arm64.zip",
	}, f.uploader.keys)
	assert.Contains(t, f.rec.events, "secrets:S3")
	assert.Equal(t, 1, f.teardownRuns())
}

func TestUploadJobAbortsOnFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.uploader.failOn = "b.zip"
	dir := t.TempDir()
	for _, name := range []string{"a.zip", "b.zip", "c.zip"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	err := f.disp.Dispatch(context.Background(), Spec{
		Name: NameS3Upload,
		Params: map[string]string{
			"ARTIFACTS_DIR":  dir,
			"S3_TARGET_PATH": "builds/42",
			"FILE_NAME":      "*.zip",
		},
	})
	require.Error(t, err)

	var upErr *upload.UploadError
	assert.ErrorAs(t, err, &upErr)
	// Glob results are sorted: a succeeded, b failed, c never attempted.
	assert.Equal(t, []string{"builds/42/a.zip"}, f.uploader.keys)
	assert.NotContains(t, f.rec.events, "upload:builds/42/c.zip")
	assert.Equal(t, 1, f.teardownRuns())
}

func TestUploadJobNoMatchesSucceeds(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Dispatch(context.Background(), Spec{
		Name: NameS3Upload,
		Params: map[string]string{
			"ARTIFACTS_DIR":  t.TempDir(),
			"S3_TARGET_PATH": "builds/42",
			"FILE_NAME":      "*.zip",
		},
	})
	assert.NoError(t, err)
	assert.Empty(t, f.uploader.keys)
}

func TestUploadJobMissingParam(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Dispatch(context.Background(), Spec{
		Name:   NameS3Upload,
		Params: map[string]string{"S3_TARGET_PATH": "builds/42"},
	})
	require.Error(t, err)

	var missing *MissingParamError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ARTIFACTS_DIR", missing.Param)
	assert.Equal(t, 1, f.teardownRuns())
}

func TestSignJobPipelineOrder(t *testing.T) {
	f := newFixture(t)
	f.secrets.sections[secrets.DefaultSection] = map[string]string{
		"CERT_P12_FILE": "/var/root/vault/cert.p12",
		"KEYCHAIN_FILE": "/tmp/build.keychain",
	}

	err := f.disp.Dispatch(context.Background(), Spec{
		Name:   NameMacCodeSign,
		Params: map[string]string{"BUNDLE_ID": "com.example.cli"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"validate:/opt/runner/trustrun",
		"secrets:DEFAULT",
		"validate:/var/root/vault/cert.p12",
		"run:setup-keychain.sh",
		"validate:/tmp/build.keychain-db",
		"run:code-sign.sh",
		"run:teardown.sh",
	}, f.rec.events)

	// The sign script gets the job parameters as its env overlay and runs in
	// the caller's working directory.
	signReq := f.runner.requests[1]
	assert.Equal(t, map[string]string{"BUNDLE_ID": "com.example.cli"}, signReq.Overrides)
	cwd, _ := os.Getwd()
	assert.Equal(t, cwd, signReq.Dir)

	// Secrets reached the child env value, not the runner's own process env.
	cert, ok := signReq.Env.Get("CERT_P12_FILE")
	require.True(t, ok)
	assert.Equal(t, "/var/root/vault/cert.p12", cert)
	assert.Empty(t, os.Getenv("CERT_P12_FILE"))
}

func TestSignJobUntrustedCertStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.secrets.sections[secrets.DefaultSection] = map[string]string{
		"CERT_P12_FILE": "/var/root/vault/cert.p12",
		"KEYCHAIN_FILE": "/tmp/build.keychain",
	}
	f.validator.failPath = "/var/root/vault/cert.p12"
	f.validator.failKind = trust.KindUntrustedOwner

	err := f.disp.Dispatch(context.Background(), Spec{Name: NameMacCodeSign})
	require.Error(t, err)

	kind, ok := trust.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, trust.KindUntrustedOwner, kind)

	assert.NotContains(t, f.rec.events, "run:setup-keychain.sh",
		"no script may run after a failed validation")
	assert.NotContains(t, f.rec.events, "run:code-sign.sh")
	assert.Equal(t, 1, f.teardownRuns())
}

func TestSignJobScriptFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.secrets.sections[secrets.DefaultSection] = map[string]string{
		"CERT_P12_FILE": "/var/root/vault/cert.p12",
		"KEYCHAIN_FILE": "/tmp/build.keychain",
	}
	f.runner.failOn = "setup-keychain.sh"
	f.runner.failWith = &script.ExitError{Script: "setup-keychain.sh", Code: 2}

	err := f.disp.Dispatch(context.Background(), Spec{Name: NameMacCodeSign})
	require.Error(t, err)

	var exitErr *script.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	assert.NotContains(t, f.rec.events, "run:code-sign.sh")
	assert.Equal(t, 1, f.teardownRuns())
}

func TestTeardownSeesJobSecrets(t *testing.T) {
	f := newFixture(t)
	f.secrets.sections[secrets.DefaultSection] = map[string]string{
		"CERT_P12_FILE": "/var/root/vault/cert.p12",
		"KEYCHAIN_FILE": "/tmp/build.keychain",
	}

	err := f.disp.Dispatch(context.Background(), Spec{Name: NameMacCodeSign})
	require.NoError(t, err)

	// The last request is the teardown script; its env must carry the loaded
	// secrets so the cleanup script can find the keychain it deletes.
	teardownReq := f.runner.requests[len(f.runner.requests)-1]
	require.Equal(t, "teardown.sh", filepath.Base(teardownReq.Script))

	keychain, ok := teardownReq.Env.Get("KEYCHAIN_FILE")
	require.True(t, ok)
	assert.Equal(t, "/tmp/build.keychain", keychain)
}

func TestPanicRecordedAsFailureBeforePropagating(t *testing.T) {
	f := newFixture(t)
	f.secrets.panicWith = "secrets backend corrupted"

	assert.Panics(t, func() {
		_ = f.disp.Dispatch(context.Background(), Spec{Name: NameMacCodeSign})
	})

	assert.Equal(t, 1, f.teardownRuns(), "teardown still runs on panic")
	require.Len(t, f.ledger.finishes, 1)
	require.Error(t, f.ledger.finishes[0])
	assert.Contains(t, f.ledger.finishes[0].Error(), "panicked")
}

func TestTeardownFailureDoesNotMaskJobError(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn = "teardown.sh"
	f.runner.failWith = errors.New("teardown blew up")

	err := f.disp.Dispatch(context.Background(), Spec{Name: "GPG_SIGN"})
	require.Error(t, err)

	var unknown *UnknownJobError
	assert.ErrorAs(t, err, &unknown, "the original error is the one reported")
	assert.Equal(t, 1, f.teardownRuns())
}

func TestTeardownRunsOnSuccess(t *testing.T) {
	f := newFixture(t)

	err := f.disp.Dispatch(context.Background(), Spec{
		Name: NameS3Upload,
		Params: map[string]string{
			"ARTIFACTS_DIR":  t.TempDir(),
			"S3_TARGET_PATH": "builds/1",
			"FILE_NAME":      "*.zip",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.teardownRuns())
}

func TestDispatchRecordsHistory(t *testing.T) {
	f := newFixture(t)

	_ = f.disp.Dispatch(context.Background(), Spec{Name: "GPG_SIGN"})

	require.Len(t, f.ledger.starts, 1)
	assert.Equal(t, "GPG_SIGN", f.ledger.starts[0])
	require.Len(t, f.ledger.finishes, 1)

	var unknown *UnknownJobError
	assert.ErrorAs(t, f.ledger.finishes[0], &unknown)
}

func TestDispatchSecretsFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.secrets.failErr = &trust.SecurityError{
		Path: "/var/root/vault/mac-code-signing.ini",
		Kind: trust.KindUnsafePermissions,
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.zip"), []byte("x"), 0o600))

	err := f.disp.Dispatch(context.Background(), Spec{
		Name: NameS3Upload,
		Params: map[string]string{
			"ARTIFACTS_DIR":  dir,
			"S3_TARGET_PATH": "builds/42",
			"FILE_NAME":      "*.zip",
		},
	})
	require.Error(t, err)

	kind, ok := trust.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, trust.KindUnsafePermissions, kind)
	assert.Empty(t, f.uploader.keys)
}
