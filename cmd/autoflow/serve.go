package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/delivery"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/dukex/autoflow/pkg/schedule/redisfired"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPort         = 9091
	serviceName         = "autoflow"
	defaultTickInterval = 15 * time.Second
)

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the API, the trigger engine, the scheduler and the delivery worker",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (memory:// or postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL used to fire each schedule once per minute across replicas",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "Directory of YAML or JSON workflow definitions to load at start",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP (configured by the OTEL_EXPORTER_OTLP_* variables)",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.IntFlag{
				Name:    "max-parallelism",
				Usage:   "Maximum steps of one group running at the same time",
				Value:   workflow.DefaultMaxParallelism,
				Sources: cli.EnvVars("MAX_PARALLELISM"),
			},
			&cli.IntFlag{
				Name:    "max-depth",
				Usage:   "Maximum sub-workflow nesting depth",
				Value:   workflow.DefaultMaxDepth,
				Sources: cli.EnvVars("MAX_DEPTH"),
			},
			&cli.DurationFlag{
				Name:    "execution-timeout",
				Usage:   "Default wall-clock limit of one execution",
				Value:   workflow.DefaultExecutionTimeout,
				Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Limit of a single step, zero for none",
				Sources: cli.EnvVars("STEP_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "delivery-max-attempts",
				Usage:   "Attempts before a webhook delivery is dead",
				Value:   delivery.DefaultMaxAttempts,
				Sources: cli.EnvVars("DELIVERY_MAX_ATTEMPTS"),
			},
			&cli.DurationFlag{
				Name:    "delivery-base-delay",
				Usage:   "Delay before the first retry, doubled on every further retry",
				Value:   delivery.DefaultBaseDelay,
				Sources: cli.EnvVars("DELIVERY_BASE_DELAY"),
			},
			&cli.DurationFlag{
				Name:    "delivery-max-delay",
				Usage:   "Upper bound of the retry delay",
				Value:   delivery.DefaultMaxDelay,
				Sources: cli.EnvVars("DELIVERY_MAX_DELAY"),
			},
			&cli.DurationFlag{
				Name:    "delivery-timeout",
				Usage:   "Timeout of one delivery attempt",
				Value:   delivery.DefaultTimeout,
				Sources: cli.EnvVars("DELIVERY_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "retry-scan-interval",
				Usage:   "How often due deliveries are looked for",
				Value:   delivery.DefaultScanInterval,
				Sources: cli.EnvVars("RETRY_SCAN_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often schedule triggers are evaluated",
				Value:   defaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "categorizer-url",
				Usage:   "Endpoint of the categorization provider used by ai-categorize steps",
				Sources: cli.EnvVars("CATEGORIZER_URL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("autoflow")

			config := configFromCommand(command)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing autoflow")

			var tracer trace.Tracer = otelhelper.Tracer()

			if command.Bool("tracing") {
				exporting, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				tracer = exporting

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), serviceName, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			var fired schedule.FiredStore

			if url := command.String("redis-url"); url != "" {
				store, err := redisfired.NewFromURL(url)
				if err != nil {
					return err
				}

				fired = store
			}

			server, err := NewServer(ctx, config, persistence, eventBus, fired, tracer, logger)
			if err != nil {
				return err
			}

			err = server.Run(ctx, command.Int("port"))
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

func configFromCommand(command *cli.Command) Config {
	return Config{
		MaxParallelism:      command.Int("max-parallelism"),
		MaxDepth:            command.Int("max-depth"),
		ExecutionTimeout:    command.Duration("execution-timeout"),
		StepTimeout:         command.Duration("step-timeout"),
		DeliveryMaxAttempts: command.Int("delivery-max-attempts"),
		DeliveryBaseDelay:   command.Duration("delivery-base-delay"),
		DeliveryMaxDelay:    command.Duration("delivery-max-delay"),
		DeliveryTimeout:     command.Duration("delivery-timeout"),
		RetryScanInterval:   command.Duration("retry-scan-interval"),
		TickInterval:        command.Duration("tick-interval"),
		CategorizerURL:      command.String("categorizer-url"),
		DefinitionsDir:      command.String("definitions"),
	}
}
