package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/leakscan/pkg/common/logger"
	"github.com/ahrav/leakscan/pkg/common/otel"
)

var build = "develop"

const serviceName = "leakscan"

// Exit codes. A scan that completes with findings is not an error but still
// fails the invocation so hooks and pipelines can block on it.
const (
	exitOK     = 0
	exitIssues = 1
	exitError  = 2
)

// errIssuesFound is returned by a command whose scan reported issues.
var errIssuesFound = errors.New("issues found")

type globalFlags struct {
	configPath string
	logLevel   string
	compact    bool
	workers    int
}

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var flags globalFlags
	var log *logger.Logger

	root := &cobra.Command{
		Use:           "leakscan",
		Short:         "Find secrets in git history, folders and staged changes",
		Version:       build,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logger.ParseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			traceIDFn := func(ctx context.Context) string {
				return otel.GetTraceID(ctx)
			}
			log = logger.New(stderr, level, serviceName, traceIDFn)
			log.Debug(cmd.Context(), "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOr("LEAKSCAN_LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	root.PersistentFlags().BoolVar(&flags.compact, "compact", false, "Omit diff bodies and commit metadata from the report")
	root.PersistentFlags().IntVar(&flags.workers, "workers", -1, "Chunks analyzed in parallel; overrides the configuration file")

	app := &app{flags: &flags, log: func() *logger.Logger { return log }}
	root.AddCommand(
		app.newScanLocalRepoCmd(),
		app.newScanRemoteRepoCmd(),
		app.newScanFolderCmd(),
		app.newPreCommitCmd(),
	)

	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errIssuesFound):
		return exitIssues
	default:
		if log != nil {
			log.Error(ctx, "scan failed", "error", err)
		} else {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return exitError
	}
}

// startTelemetry exports traces and metrics when LEAKSCAN_OTEL_ENDPOINT is
// set and records nothing otherwise.
func startTelemetry(log *logger.Logger) (otel.Providers, func(), error) {
	endpoint := os.Getenv("LEAKSCAN_OTEL_ENDPOINT")
	if endpoint == "" {
		return otel.NoopProviders(), func() {}, nil
	}

	providers, cleanup, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: endpoint,
		Probability:      1,
		InsecureExporter: os.Getenv("LEAKSCAN_OTEL_INSECURE") == "true",
		ResourceAttributes: map[string]string{
			"build": build,
		},
	})
	if err != nil {
		return otel.Providers{}, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return providers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cleanup(ctx)
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
