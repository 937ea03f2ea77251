package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"trustrun/internal/config"
	"trustrun/internal/doctor"
	"trustrun/internal/environ"
	"trustrun/internal/history"
	"trustrun/internal/job"
	"trustrun/internal/lock"
	"trustrun/internal/log"
	"trustrun/internal/script"
	"trustrun/internal/secrets"
	"trustrun/internal/trust"
	"trustrun/internal/upload"
)

const version = "1.0.0"

func main() {
	// Local development overrides; absent on workers and silently skipped.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch {
	case cmd == "run":
		os.Exit(runJob(os.Args[2:]))
	case cmd == "doctor":
		os.Exit(runDoctor(os.Args[2:]))
	case cmd == "history":
		os.Exit(runHistory(os.Args[2:]))
	case cmd == "version":
		fmt.Printf("trustrun version %s\n", version)
		os.Exit(0)
	case cmd == "help" || cmd == "--help" || cmd == "-h":
		printUsage()
		os.Exit(0)
	case looksLikeJobBlob(cmd):
		// The worker entrypoint passes the JSON blob as the only argument so
		// parameter changes never require touching the entrypoint script.
		os.Exit(runJob(os.Args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`trustrun - trust-gated CI job runner

Usage:
  trustrun run '<job-json>' [--config path]
  trustrun '<job-json>'

Commands:
  run       Dispatch a job described by a JSON object with a JOB_NAME key
  doctor    Validate runner configuration, scripts, and secrets trust
  history   Show recent job dispatches from the local ledger
  version   Show version information
  help      Show this help message

Jobs:
  MAC_CODE_SIGN   Load signing secrets, set up the keychain, code-sign
  S3_UPLOAD       Upload artifacts matching ARTIFACTS_DIR/FILE_NAME to S3

Every script and secrets file is validated before use: it must be owned by
the trust principal and carry no group/other permission bits.
`)
}

// looksLikeJobBlob reports whether arg is a JSON object rather than a
// subcommand.
func looksLikeJobBlob(arg string) bool {
	return strings.HasPrefix(strings.TrimSpace(arg), "{")
}

func runJob(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to runner config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "run: missing job JSON argument")
		return 1
	}

	cfgPath := config.Discover(*configPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Log.Level, cfg.Log.File)
	log.Info("runner starting", "version", version)
	log.Debug("configuration resolved", "path", cfgPath)

	spec, err := job.ParseSpec(fs.Arg(0))
	if err != nil {
		log.Error("invalid job blob", "error", err)
		return 1
	}

	exePath, err := os.Executable()
	if err != nil {
		log.Error("resolve runner executable", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runLock, err := lock.Acquire(cfg.LockFile)
	if err != nil {
		log.Error("acquire run lock", "error", err)
		return 1
	}
	defer runLock.Release()

	validator := trust.NewValidator(trust.Policy{
		Principal:  cfg.Trust.Principal,
		PermSuffix: cfg.Trust.PermSuffix,
	})

	deps := job.Deps{
		Validator:   validator,
		Runner:      script.NewExecutor(validator, cfg.ScriptTimeout.Std()),
		Secrets:     secrets.NewLoader(validator),
		NewUploader: newS3Uploader,
		ExePath:     exePath,
	}

	if cfg.History.Path != "" {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			// The ledger is observability, not a gate; run the job anyway.
			log.Warn("open history ledger", "error", err)
		} else {
			defer store.Close()
			deps.Ledger = store
		}
	}

	if err := job.New(cfg, deps).Dispatch(ctx, spec); err != nil {
		return 1
	}
	return 0
}

// newS3Uploader adapts upload.NewS3 to the dispatcher's factory shape.
func newS3Uploader(ctx context.Context, bucket, region string, env environ.Env) (upload.Uploader, error) {
	return upload.NewS3(ctx, bucket, region, env)
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to runner config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(config.Discover(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", "")

	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve runner executable: %v\n", err)
		return 1
	}

	validator := trust.NewValidator(trust.Policy{
		Principal:  cfg.Trust.Principal,
		PermSuffix: cfg.Trust.PermSuffix,
	})

	result := doctor.New(cfg, validator, filepath.Dir(exePath)).Check()
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Valid {
		return 1
	}
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to runner config file")
	limit := fs.Int("n", 20, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(config.Discover(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", "")

	store, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read history: %v\n", err)
		return 1
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-14s %-10s %s", r.StartedAt.Format("2006-01-02 15:04:05"), r.Job, r.Status, r.ID)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	return 0
}
