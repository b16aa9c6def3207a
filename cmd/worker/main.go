// The worker binary runs the two background loops: the hold-expiry sweeper
// and the outbox publisher. Both are safe to run in multiple instances.
package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"staycore/internal/adapters/hotelcenter"
	"staycore/internal/adapters/observability"
	redisad "staycore/internal/adapters/redis"
	"staycore/internal/app"
	"staycore/internal/clock"
	"staycore/internal/shared"
	"staycore/internal/storage/mysql"
	"staycore/internal/sweeper"
)

func main() {
	cfg := shared.Load()
	log.Logger = observability.NewLogger(cfg.AppEnv)
	observability.Serve()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	repo := mysql.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	clk := clock.NewSystem()

	alloc := app.NewAllocationEngine(repo)
	pricing := app.NewPricingService(repo, cache, clk)
	reservations := app.NewReservationService(repo, repo, alloc, pricing, clk)

	channel, err := hotelcenter.New(cfg.ChannelBase, cfg.ChannelKey)
	if err != nil {
		log.Fatal().Err(err).Msg("channel client init failed")
	}
	publisher := app.NewPublisher(repo, channel, clk, app.PublisherConfig{
		Interval:    cfg.DrainInterval,
		BatchBytes:  cfg.BatchBytes,
		MaxAttempts: cfg.PublishRetries,
		SendsPerSec: cfg.PublishRPS,
	})
	sw := sweeper.New(reservations, cfg.SweepInterval, cfg.SweepBatch)

	// A hung channel send only stalls the publisher goroutine; the sweeper
	// keeps its own loop.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sw.Run(gctx); return nil })
	g.Go(func() error { publisher.Run(gctx); return nil })

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
	log.Info().Msg("worker stopped")
}
