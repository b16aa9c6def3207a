package main

import (
	"database/sql"
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	server "staycore/internal/adapters/http_server"
	"staycore/internal/adapters/observability"
	redisad "staycore/internal/adapters/redis"
	"staycore/internal/app"
	"staycore/internal/clock"
	"staycore/internal/shared"
	mysqlrepo "staycore/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	observability.Serve()

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	repo := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	clk := clock.NewSystem()

	alloc := app.NewAllocationEngine(repo)
	pricing := app.NewPricingService(repo, cache, clk)
	avail := app.NewAvailabilityService(alloc, cache)
	reservations := app.NewReservationService(repo, repo, alloc, pricing, clk)

	srv := server.New()
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Res:     reservations,
		Pricing: pricing,
		Avail:   avail,
		Outbox:  repo,
		Clk:     clk,
	})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux()}

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
}
