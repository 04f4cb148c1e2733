// Command rolloutctl validates and evaluates rolloutz snapshot files offline,
// evaluates flags against a running server and manages API keys.
//
//	rolloutctl validate -file flags.yaml
//	rolloutctl eval -file flags.jsonc -subject user-42 -attr plan=pro [-exposures exposures.db] [key...]
//	rolloutctl remote -addr http://localhost:8080 -token id.secret -subject user-42 [key...]
//	rolloutctl keys create|list|revoke [-database-url postgres://...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	rolloutz "github.com/matt-riley/rolloutz/clients/go"
	rolloutzhttp "github.com/matt-riley/rolloutz/clients/go/http"
	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/exposure"
	"github.com/matt-riley/rolloutz/internal/exposure/sqlite"
	"github.com/matt-riley/rolloutz/internal/logging"
	"github.com/matt-riley/rolloutz/internal/provider"
	"github.com/matt-riley/rolloutz/internal/snapshot"
)

const (
	openFeatureDomain     = "rolloutctl"
	exposureBatchSize     = 100
	exposureFlushInterval = time.Second
	closeTimeout          = 10 * time.Second
	remoteTimeout         = 30 * time.Second
)

var errUsage = errors.New("usage: rolloutctl <validate|eval|remote|keys> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "rolloutctl:", err)
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "eval":
		return runEval(ctx, args[1:], stdout, stderr)
	case "remote":
		return runRemote(ctx, args[1:], stdout, stderr)
	case "keys":
		return runKeys(ctx, args[1:], stdout, stderr)
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func runValidate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("validate", stderr)
	file := fs.String("file", "", "snapshot file (.json, .jsonc, .yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("validate: -file is required")
	}

	doc, err := snapshot.ReadFile(*file)
	if err != nil {
		return err
	}
	if err := core.Validate(doc.Snapshot()); err != nil {
		return fmt.Errorf("%s is invalid: %w", *file, err)
	}

	fmt.Fprintf(stdout, "%s: ok (%d flags, %d segments)\n", *file, len(doc.Flags), len(doc.Segments))
	return nil
}

func runEval(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("eval", stderr)
	file := fs.String("file", "", "snapshot file (.json, .jsonc, .yaml)")
	subject := fs.String("subject", "", "subject id used for bucketing")
	exposuresPath := fs.String("exposures", "", "SQLite file to record exposures in")
	logLevel := fs.String("log-level", "warn", "log level")
	logFormat := fs.String("log-format", logging.FormatText, "log format (text or json)")
	attrs := attributeFlag{}
	fs.Var(attrs, "attr", "attribute as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("eval: -file is required")
	}

	log := logging.NewFormatted(stderr, *logLevel, *logFormat)

	snap, err := snapshot.LoadFile(*file)
	if err != nil {
		return err
	}
	if err := core.Validate(snap); err != nil {
		return fmt.Errorf("%s is invalid: %w", *file, err)
	}

	opts := []provider.Option{
		provider.WithLogger(logging.Component(log, "provider")),
		provider.WithEngine(core.NewEngine(core.WithLogger(logging.Component(log, "engine")))),
	}

	if *exposuresPath != "" {
		tracker, closeTracker, err := openExposureLog(*exposuresPath, log)
		if err != nil {
			return err
		}
		defer closeTracker()
		opts = append(opts, provider.WithExposureRecorder(tracker))
	}

	store := snapshot.NewStore(snap)
	defer store.Close()

	p := provider.New(store, opts...)
	if err := of.SetNamedProviderAndWait(openFeatureDomain, p); err != nil {
		return fmt.Errorf("register provider: %w", err)
	}
	defer p.Shutdown()

	keys := fs.Args()
	if len(keys) == 0 {
		keys = snap.Keys()
	}

	client := of.NewClient(openFeatureDomain)
	evalCtx := of.NewEvaluationContext(*subject, attrs)
	enc := json.NewEncoder(stdout)
	for _, key := range keys {
		details, err := client.BooleanValueDetails(ctx, key, false, evalCtx)
		out := rolloutz.Result{
			FlagKey: key,
			Enabled: details.Value,
			Variant: details.Variant,
			Reason:  engineReason(details.FlagMetadata, details.Reason),
		}
		if err != nil {
			// Unknown keys carry no engine reason and report "default".
			out.Reason = engineReason(details.FlagMetadata, of.DefaultReason)
			log.Warn("evaluate flag", "flag", key, "error", err)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

// openExposureLog wires a tracker that batches exposures into a SQLite file.
// The returned func drains the tracker and closes the database.
func openExposureLog(path string, log *slog.Logger) (*exposure.Tracker, func(), error) {
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open exposure log: %w", err)
	}

	trackerLog := logging.Component(log, "exposure")
	tracker := exposure.NewTracker(exposure.WithLogger(trackerLog))
	tracker.OnExposure(exposure.NewBatchSink(store, exposureBatchSize, exposureFlushInterval, trackerLog))

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := tracker.Close(ctx); err != nil {
			log.Error("flush exposures", "error", err)
		}
		if err := store.Close(); err != nil {
			log.Error("close exposure log", "error", err)
		}
	}
	return tracker, closeFn, nil
}

func runRemote(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("remote", stderr)
	addr := fs.String("addr", "http://localhost:8080", "rolloutz HTTP address")
	token := fs.String("token", os.Getenv("ROLLOUTZ_TOKEN"), "API key in id.secret format")
	subject := fs.String("subject", "", "subject id used for bucketing")
	attrs := attributeFlag{}
	fs.Var(attrs, "attr", "attribute as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("remote: -token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	client := rolloutzhttp.NewHTTPClient(rolloutzhttp.Config{BaseURL: *addr, APIKey: *token})
	evalCtx := rolloutz.EvaluationContext{SubjectID: *subject}
	if len(attrs) > 0 {
		evalCtx.Attributes = attrs
	}

	results, err := client.EvaluateAll(ctx, evalCtx, fs.Args()...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	for _, result := range results {
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return nil
}

func newFlagSet(name string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	return fs
}

// engineReason prefers the engine reason carried in flag metadata over the
// OpenFeature reason.
func engineReason(metadata of.FlagMetadata, fallback of.Reason) string {
	if reason, ok := metadata[provider.MetadataReason].(string); ok && reason != "" {
		return reason
	}
	return strings.ToLower(string(fallback))
}

// attributeFlag collects repeated -attr key=value flags. Values that parse as
// JSON scalars or arrays keep their type; anything else is a string.
type attributeFlag map[string]any

func (a attributeFlag) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (a attributeFlag) Set(value string) error {
	key, raw, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("attribute %q must be key=value", value)
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		if _, isObject := decoded.(map[string]any); !isObject && decoded != nil {
			a[key] = decoded
			return nil
		}
	}
	a[key] = raw
	return nil
}
