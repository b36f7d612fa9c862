package api

import (
	"github.com/betpond/settlement/internal/api/handler"
	"github.com/betpond/settlement/internal/api/middleware"
	"github.com/betpond/settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Router struct {
	db           *pgxpool.Pool
	redis        redis.Cmdable
	walletSvc    *service.WalletService
	orchestrator *service.Orchestrator
	rateLimitRPS int
}

func NewRouter(db *pgxpool.Pool, rdb redis.Cmdable, walletSvc *service.WalletService, orchestrator *service.Orchestrator, rateLimitRPS int) *Router {
	return &Router{
		db:           db,
		redis:        rdb,
		walletSvc:    walletSvc,
		orchestrator: orchestrator,
		rateLimitRPS: rateLimitRPS,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(zap.L()))
	r.Use(middleware.LoggingMiddleware(zap.L()))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	walletHandler := handler.NewWalletHandler(api.walletSvc)
	actionHandler := handler.NewActionHandler(api.orchestrator)
	settlementHandler := handler.NewSettlementHandler(api.walletSvc)

	r.Get("/healthz/live", healthHandler.Live)
	r.Get("/healthz/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.rateLimitRPS))

		r.Post("/v1/wallets", walletHandler.CreateWallet)
		r.Get("/v1/wallets/{id}/balances", walletHandler.GetBalances)
		r.Get("/v1/wallets/{id}/ledger", walletHandler.GetStatement)

		r.Post("/v1/actions", actionHandler.CreateAction)
		r.Get("/v1/settlements/{id}", settlementHandler.GetSettlement)
	})

	return r
}
