// Command rmqworker consumes and publishes RabbitMQ messages.
//
// Subcommands:
//
//	work [queue]               consume a configured queue until a stop condition
//	publish <queue> <payload>  publish a JSON payload to a configured queue
//
// Connection settings come from RABBITMQ_* environment variables.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/BranchIntl/rmqworker"
	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/core"
	"github.com/BranchIntl/rmqworker/rabbitmq"
	"github.com/BranchIntl/rmqworker/statistics"
	"github.com/BranchIntl/rmqworker/statistics/prometheus"
)

// exitError carries a worker status out of RunE
type exitError struct {
	status int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("worker exited with status %d", e.status)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := rootCmd()
	root.SetArgs(args)

	err := root.Execute()
	var exit *exitError
	switch {
	case err == nil:
		return core.StatusOK
	case errors.As(err, &exit):
		return exit.status
	default:
		slog.Error("command failed", "error", err)
		return core.StatusStartupFailure
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rmqworker",
		Short:         "RabbitMQ message worker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(workCmd(), publishCmd())
	return root
}

// ── work ──────────────────────────────────────────────────────────────────────

type workFlags struct {
	memory        int
	timeout       int
	sleep         int
	maxJobs       int
	tries         int
	once          bool
	verbose       bool
	metricsAddr   string
	statsRedisURI string
}

func workCmd() *cobra.Command {
	f := &workFlags{}
	cmd := &cobra.Command{
		Use:   "work [queue]",
		Short: "Consume a configured queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := config.DefaultName
			if len(args) == 1 {
				queue = args[0]
			}
			return runWork(cmd, f, queue)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.memory, "memory", 0, "memory limit in megabytes (0 keeps RABBITMQ_WORKER_MEMORY_LIMIT)")
	flags.IntVar(&f.timeout, "timeout", -1, "seconds to wait for a message (-1 keeps RABBITMQ_WORKER_TIMEOUT)")
	flags.IntVar(&f.sleep, "sleep", -1, "seconds to sleep after an empty wait (-1 keeps RABBITMQ_WORKER_SLEEP)")
	flags.IntVar(&f.maxJobs, "max-jobs", -1, "stop after this many messages, 0 for no limit (-1 keeps RABBITMQ_WORKER_MAX_JOBS)")
	flags.IntVar(&f.tries, "tries", 0, "reported tries option (0 keeps RABBITMQ_WORKER_TRIES)")
	flags.BoolVar(&f.once, "once", false, "process a single message and exit")
	flags.BoolVar(&f.verbose, "verbose", false, "log every message before it is processed")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides METRICS_ADDR)")
	flags.StringVar(&f.statsRedisURI, "stats-redis-uri", "", "record Resque statistics in this Redis (overrides STATS_REDIS_URI)")
	return cmd
}

func (f *workFlags) options() []core.Option {
	var opts []core.Option
	if f.memory > 0 {
		opts = append(opts, core.WithMemoryLimit(f.memory))
	}
	if f.timeout >= 0 {
		opts = append(opts, core.WithTimeout(f.timeout))
	}
	if f.sleep >= 0 {
		opts = append(opts, core.WithSleep(f.sleep))
	}
	if f.maxJobs >= 0 {
		opts = append(opts, core.WithMaxJobs(f.maxJobs))
	}
	if f.tries > 0 {
		opts = append(opts, core.WithTries(f.tries))
	}
	if f.verbose {
		opts = append(opts, core.WithVerbose(true))
	}
	if f.once {
		opts = append(opts, core.Once())
	}
	return opts
}

func runWork(cmd *cobra.Command, f *workFlags, queue string) error {
	environment, cfg, logger, err := load()
	if err != nil {
		return err
	}

	metricsAddr := firstNonEmpty(f.metricsAddr, environment.MetricsAddr)
	redisURI := firstNonEmpty(f.statsRedisURI, environment.StatsRedisURI)

	engineOpts := []rmqworker.Option{
		rmqworker.WithLogger(logger),
		rmqworker.WithDialer(newDialer(environment, logger)),
	}

	if redisURI != "" {
		stats, err := statistics.NewStatistics(statistics.Config{
			Type:   statistics.Resque,
			URI:    redisURI,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, rmqworker.WithStatistics(stats))
	}

	if metricsAddr != "" {
		metrics := prometheus.NewStatistics(prometheus.DefaultOptions())
		engineOpts = append(engineOpts, rmqworker.WithStatistics(metrics))
		serveMetrics(metricsAddr, metrics.Handler(), logger)
	}

	engine, err := rmqworker.New(cfg, engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	status, err := engine.Work(cmd.Context(), queue, f.options()...)
	if err != nil {
		return err
	}
	if status != core.StatusOK {
		return &exitError{status: status}
	}
	return nil
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server started", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// ── publish ───────────────────────────────────────────────────────────────────

type publishFlags struct {
	routingKey    string
	messageID     string
	correlationID string
	headers       []string
}

func publishCmd() *cobra.Command {
	f := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "publish <queue> <payload>",
		Short: "Publish a JSON payload to a configured queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, f, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.routingKey, "routing-key", "", "routing key (defaults to the queue's)")
	flags.StringVar(&f.messageID, "message-id", "", "message id (defaults to a UUID)")
	flags.StringVar(&f.correlationID, "correlation-id", "", "correlation id")
	flags.StringArrayVar(&f.headers, "header", nil, "header as key=value, repeatable")
	return cmd
}

func runPublish(cmd *cobra.Command, f *publishFlags, queue, payload string) error {
	environment, cfg, logger, err := load()
	if err != nil {
		return err
	}

	headers, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}

	engine, err := rmqworker.New(cfg,
		rmqworker.WithLogger(logger),
		rmqworker.WithDialer(newDialer(environment, logger)))
	if err != nil {
		return err
	}
	defer engine.Close()

	return engine.Publish(cmd.Context(), queue, payload, rabbitmq.PublishOptions{
		RoutingKey:    f.routingKey,
		Headers:       headers,
		MessageID:     f.messageID,
		CorrelationID: f.correlationID,
	})
}

func parseHeaders(raw []string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]interface{}, len(raw))
	for _, h := range raw {
		key, value, ok := strings.Cut(h, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", h)
		}
		headers[key] = value
	}
	return headers, nil
}

// ── shared ────────────────────────────────────────────────────────────────────

func load() (*config.Environment, *config.Config, *slog.Logger, error) {
	environment, err := config.LoadEnvironment()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	logger := newLogger(environment)
	slog.SetDefault(logger)

	cfg := environment.Config()
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	return environment, cfg, logger, nil
}

func newDialer(environment *config.Environment, logger *slog.Logger) rabbitmq.Dialer {
	opts := rabbitmq.DefaultDialerOptions()
	if environment.DialAttempts > 0 {
		opts.Attempts = environment.DialAttempts
	}
	opts.ConnectionName = environment.AppName
	return rabbitmq.NewAMQPDialer(opts, logger)
}

func newLogger(environment *config.Environment) *slog.Logger {
	level := slog.LevelInfo
	switch environment.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if environment.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
