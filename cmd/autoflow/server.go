package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/definitions"
	"github.com/dukex/autoflow/pkg/delivery"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/dukex/autoflow/pkg/trigger"
	"github.com/dukex/autoflow/pkg/web"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Config holds the tunables of a server.
type Config struct {
	MaxParallelism   int
	MaxDepth         int
	ExecutionTimeout time.Duration
	StepTimeout      time.Duration

	DeliveryMaxAttempts int
	DeliveryBaseDelay   time.Duration
	DeliveryMaxDelay    time.Duration
	DeliveryTimeout     time.Duration
	RetryScanInterval   time.Duration

	TickInterval   time.Duration
	CategorizerURL string
	DefinitionsDir string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}

	return c
}

// Server owns every long-running component of one autoflow process.
type Server struct {
	logger     *slog.Logger
	store      persistence.Persistence
	eventBus   eventbus.EventBus
	engine     *engine.Engine
	deliveries *delivery.Service
	ticker     *schedule.Ticker
	config     Config

	workflows     *services.Workflow
	subscriptions *services.Subscription
	history       *services.History
	validate      *validator.Validate
}

// NewServer wires the runner, step handlers, engine, delivery service and API services,
// restores the trigger registry from the store and applies the definitions directory.
func NewServer(
	ctx context.Context,
	config Config,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	fired schedule.FiredStore,
	tracer trace.Tracer,
	logger *slog.Logger,
) (*Server, error) {
	config = config.withDefaults()

	deliveries := delivery.NewService(store, store, logger,
		delivery.WithMaxAttempts(config.DeliveryMaxAttempts),
		delivery.WithBackoff(config.DeliveryBaseDelay, config.DeliveryMaxDelay, delivery.DefaultJitterFraction),
		delivery.WithTimeout(config.DeliveryTimeout),
		delivery.WithScanInterval(config.RetryScanInterval),
		delivery.WithTracer(tracer),
	)

	runner := workflow.NewRunner(store, store, nil, logger,
		workflow.WithMaxParallelism(config.MaxParallelism),
		workflow.WithMaxDepth(config.MaxDepth),
		workflow.WithExecutionTimeout(config.ExecutionTimeout),
		workflow.WithStepTimeout(config.StepTimeout),
		workflow.WithPublisher(eventBus),
		workflow.WithTracer(tracer),
	)

	cmd.RegisterSteps(runner, cmd.StepDependencies{
		Enqueuer:       deliveries,
		CategorizerURL: config.CategorizerURL,
	}, logger)

	registry := trigger.NewRegistry(logger)
	eng := engine.New(registry, runner, store, eventBus, logger)

	if err := eng.Load(ctx); err != nil {
		eng.Close()

		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	s := &Server{
		logger:        logger.With("module", "server"),
		store:         store,
		eventBus:      eventBus,
		engine:        eng,
		deliveries:    deliveries,
		ticker:        schedule.NewTicker(registry, fired, logger),
		config:        config,
		workflows:     services.NewWorkflow(store, eng, runner.MaxDepth()),
		subscriptions: services.NewSubscription(store),
		history:       services.NewHistory(store, store),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}

	if config.DefinitionsDir != "" {
		if err := s.loadDefinitions(ctx, config.DefinitionsDir); err != nil {
			eng.Close()

			return nil, err
		}
	}

	return s, nil
}

func (s *Server) loadDefinitions(ctx context.Context, dir string) error {
	files, err := definitions.Load(dir)
	if err != nil {
		return err
	}

	result, err := definitions.Sync(ctx, s.workflows, files, s.logger)
	if err != nil {
		return fmt.Errorf("failed to apply definitions from %s: %w", dir, err)
	}

	s.logger.InfoContext(ctx, "Definitions applied",
		"dir", dir,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)

	return nil
}

// App builds the HTTP application.
func (s *Server) App() *fiber.App {
	handlers := web.NewAPIHandlers(s.workflows, s.subscriptions, s.history, s.engine, s.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("autoflow")
	})

	handlers.Routes(app)

	return app
}

// Run serves HTTP on port and runs the bus consumer, the schedule ticker and the delivery
// worker until ctx ends. Executions still running at that point are cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	defer s.engine.Close()

	if err := s.engine.Subscribe(ctx, s.eventBus); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	app := s.App()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.deliveries.Run(gctx)
	})

	g.Go(func() error {
		s.ticker.Run(gctx, s.config.TickInterval, s.engine.FireSchedule)

		return nil
	})

	g.Go(func() error {
		s.logger.InfoContext(gctx, "API listening", "port", port)

		return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-gctx.Done()

		s.logger.Info("Shutting down")

		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}
