// Package app is the composition root: it builds storage, messaging, the payment provider, the
// services and the Fiber application from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"rehoboth/internal/config"
	"rehoboth/internal/consumers"
	"rehoboth/internal/database"
	"rehoboth/internal/handlers"
	"rehoboth/internal/metrics"
	"rehoboth/internal/middleware"
	"rehoboth/internal/payments"
	"rehoboth/internal/repositories"
	"rehoboth/internal/services"
	"rehoboth/pkg/rabbitmq"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Repositories groups the storage implementations selected by DB_DRIVER.
type Repositories struct {
	Orders   repositories.OrderRepository
	Payments repositories.PaymentAttemptRepository
	Users    repositories.UserRepository
}

// App holds every long-lived component of the service.
type App struct {
	Config   *config.Config
	Fiber    *fiber.App
	Repos    Repositories
	Orders   *services.OrderService
	Payments *services.PaymentService
	Cleanup  *services.CleanupService
	Auth     *services.AuthService
	Provider payments.Provider

	db  *gorm.DB
	mq  *rabbitmq.Client
	bgs []<-chan struct{}
}

// Option adjusts how New builds the App.
type Option func(*options)

type options struct {
	now      func() time.Time
	provider payments.Provider
	quiet    bool
}

// WithClock injects the clock used by the order and cleanup services.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProvider replaces the provider NewProvider would build from the configuration.
func WithProvider(p payments.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithoutRequestLog disables the Fiber request logger.
func WithoutRequestLog() Option {
	return func(o *options) { o.quiet = true }
}

// SetupLogger installs the default slog logger at the configured level.
func SetupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// NewRepositories opens the configured storage. The returned DB is nil for the memory driver.
func NewRepositories(cfg *config.Config) (Repositories, *gorm.DB, error) {
	if cfg.DBDriver == "memory" {
		return Repositories{
			Orders:   repositories.NewMockOrderRepository(),
			Payments: repositories.NewMockPaymentAttemptRepository(),
			Users:    repositories.NewMockUserRepository(),
		}, nil, nil
	}

	db, err := database.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return Repositories{}, nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return Repositories{}, nil, err
	}
	return Repositories{
		Orders:   repositories.NewGORMOrderRepository(db),
		Payments: repositories.NewGORMPaymentAttemptRepository(db),
		Users:    repositories.NewGORMUserRepository(db),
	}, db, nil
}

// New wires the application. Close must be called to release its resources.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	repos, db, err := NewRepositories(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Repos: repos, db: db}

	if cfg.RabbitMQURL != "" {
		mq, err := rabbitmq.NewClient(rabbitmq.Config{URL: cfg.RabbitMQURL})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mq = mq
	}

	orderOpts := []services.OrderOption{
		services.WithClock(o.now),
		services.WithStatusGuard(cfg.StatusGuard),
	}
	if a.mq != nil {
		orderOpts = append(orderOpts, services.WithPublisher(a.mq, rabbitmq.OrdersExchange))
	}
	a.Orders = services.NewOrderService(repos.Orders, orderOpts...)
	a.Cleanup = services.NewCleanupService(repos.Orders, o.now)
	a.Auth = services.NewAuthService(repos.Users, cfg.JWTSecret)

	a.Payments = services.NewPaymentService(o.provider, repos.Orders, repos.Payments, a.Orders)
	a.Provider = o.provider
	if a.Provider == nil {
		a.Provider, err = payments.NewProvider(cfg.Mpesa, a.Payments)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Payments.SetProvider(a.Provider)
	}
	if a.mq != nil {
		a.Payments.SetDispatcher(consumers.NewCallbackQueue(a.mq))
	}
	slog.Info("Payment provider ready", "provider", a.Provider.Name())

	a.Fiber = a.routes(o.quiet)
	return a, nil
}

func (a *App) routes(quiet bool) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "rehoboth",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	if !quiet {
		app.Use(logger.New())
	}
	app.Use(metrics.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":   "healthy",
			"time":     time.Now().UTC().Format(time.RFC3339),
			"provider": a.Provider.Name(),
			"rabbitmq": a.mq != nil,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	apiV1 := app.Group("/api/v1")

	paymentHandler := handlers.NewPaymentHandler(a.Payments)
	paymentHandler.RegisterPublicRoutes(apiV1)

	protected := apiV1.Group("", middleware.AuthRequired(a.Auth))
	handlers.NewAuthHandler(a.Repos.Users).RegisterRoutes(protected)
	handlers.NewOrderHandler(a.Orders, a.Cleanup).RegisterRoutes(protected)
	paymentHandler.RegisterRoutes(protected)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		slog.Error("Unhandled request error", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"message": err.Error()})
}

// StartBackground starts the queue consumers and the cleanup scheduler. They stop with ctx.
func (a *App) StartBackground(ctx context.Context) error {
	if a.mq != nil {
		if err := consumers.StartCallbackConsumer(a.mq, a.Payments); err != nil {
			return fmt.Errorf("failed to start callback consumer: %w", err)
		}
		if err := consumers.StartOrderEventLogger(a.mq); err != nil {
			return fmt.Errorf("failed to start order event consumer: %w", err)
		}
	}
	a.bgs = append(a.bgs, a.Cleanup.Start(ctx, a.Config.CleanupInterval))
	return nil
}

// Close shuts down the HTTP server and releases every resource. Background loops must already
// have been cancelled through their context.
func (a *App) Close() error {
	var errs []error
	if a.Fiber != nil {
		if err := a.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("fiber shutdown: %w", err))
		}
	}
	for _, done := range a.bgs {
		<-done
	}
	if closer, ok := a.Provider.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.mq != nil {
		if err := a.mq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}
