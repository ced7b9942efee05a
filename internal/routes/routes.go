package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/tokenbank/internal/access"
	"github.com/congo-pay/tokenbank/internal/auth"
	"github.com/congo-pay/tokenbank/internal/bank"
	"github.com/congo-pay/tokenbank/internal/config"
	"github.com/congo-pay/tokenbank/internal/events"
	"github.com/congo-pay/tokenbank/internal/identity"
	"github.com/congo-pay/tokenbank/internal/ledger"
	"github.com/congo-pay/tokenbank/internal/middleware"
	"github.com/congo-pay/tokenbank/internal/token"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares, bootstraps the banker identity and wires all
// application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	ctx := context.Background()

	var identityRepo identity.Repository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
	}
	identitySvc := identity.NewService(identityRepo)
	authSvc := auth.NewService(d.Cfg, identityRepo)

	banker, err := identitySvc.EnsureUser(ctx, identity.Credentials{Phone: d.Cfg.BankerPhone, PIN: d.Cfg.BankerPIN})
	if err != nil {
		return fmt.Errorf("bootstrap banker: %w", err)
	}
	control, err := access.New(banker.ID)
	if err != nil {
		return err
	}

	var ledgerBackend ledger.Ledger
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
	}

	contract, err := newContract(d)
	if err != nil {
		return err
	}
	custody, err := token.NewCustody(contract, d.Cfg.CustodyID)
	if err != nil {
		return err
	}

	publisher := events.Multi{events.NewLoggerPublisher(d.Logger)}
	if d.Cache != nil {
		publisher = append(publisher, events.NewRedisStreamPublisher(d.Cache, d.Cfg.EventStream))
	}

	bankSvc, err := bank.NewService(control, ledgerBackend, custody, publisher, d.Logger)
	if err != nil {
		return err
	}
	d.Logger.Info("bank ready",
		slog.String("banker", banker.ID),
		slog.String("custodian", custody.Custodian()),
		slog.String("token_backend", d.Cfg.TokenBackend),
	)

	identityHandler := identity.NewHandler(identitySvc, d.Logger)
	authHandler := auth.NewHandler(identitySvc, authSvc)
	bankHandler := bank.NewHandler(bankSvc)
	tokenHandler := token.NewHandler(contract, custody.Custodian(), control, d.Cfg.IsDevelopment())

	var idem fiber.Handler
	if d.Cache != nil {
		idem = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes must be registered before the protected group.
	RegisterIdentityRoutes(api, identityHandler)
	RegisterAuthRoutes(api, authHandler, middleware.LoginRateLimit(d.Cache, d.Cfg.LoginRateLimit))
	RegisterFeeRoutes(api, bankHandler)

	protected := api.Group("", middleware.JWTAuth(authSvc))
	RegisterProfileRoute(protected, identityHandler)
	RegisterBankRoutes(protected, bankHandler, idem)
	RegisterTokenRoutes(protected, tokenHandler, d.Cfg.IsDevelopment())

	return nil
}

func newContract(d Deps) (token.Contract, error) {
	switch d.Cfg.TokenBackend {
	case config.TokenBackendRedis:
		if d.Cache == nil {
			return nil, fmt.Errorf("redis token backend requires REDIS_URL")
		}
		return token.NewRedis(d.Cache, d.Cfg.TokenName), nil
	case config.TokenBackendMemory, "":
		return token.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown token backend %q", d.Cfg.TokenBackend)
	}
}
