package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ashgrove/signalbridge/internal/bot"
	"github.com/ashgrove/signalbridge/internal/chatsource"
	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/entryengine"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/hedge"
	"github.com/ashgrove/signalbridge/internal/ingestion"
	"github.com/ashgrove/signalbridge/internal/lifecycle"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/publisher"
	"github.com/ashgrove/signalbridge/internal/pyramid"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
	"github.com/ashgrove/signalbridge/internal/watchdog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	signals, err := signalstore.Open(cfg.SignalStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("signal store open failed")
	}
	defer signals.Close()

	positions, err := lifecyclestore.Open(cfg.LifecycleStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("lifecycle store open failed")
	}
	defer positions.Close()

	sink, err := telemetry.Open(cfg.TelemetryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry sink open failed")
	}
	defer sink.Close()

	gw := exchange.NewClient(cfg.ExchangeBaseURL, cfg.ExchangeAPIKey, cfg.ExchangeAPISecret, cfg.ExchangeRecvWindow, exchange.WithTimeout(cfg.ExchangeTimeout))

	source, err := chatsource.NewTelegram(cfg.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("chat source init failed")
	}

	operator, err := bot.New(cfg.TelegramOperatorToken, cfg.TelegramOperatorChat, signals, positions)
	if err != nil {
		log.Fatal().Err(err).Msg("operator bot init failed")
	}

	wd := watchdog.New(signals, positions, gw, sink, cfg)
	capacity := func() (bool, error) {
		if operator.Paused() {
			return false, nil
		}
		return wd.MayAcceptNewSignal()
	}

	entry := entryengine.New(signals, positions, gw, sink, cfg, capacity)
	entry.SetNotifier(operator)

	lifecycleMgr := lifecycle.New(positions, gw, sink, cfg)
	lifecycleMgr.SetNotifier(operator)
	lifecycleMgr.SetPublisher(publisher.New(source, cfg.TelegramPublishChat))

	pyramidMgr := pyramid.New(positions, gw, sink, cfg)
	hedgeMgr := hedge.New(signals, positions, gw, entry, sink, cfg)

	pipeline := ingestion.New(signals, sink, cfg.DedupTTL, cfg.ExtractOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		msgs, err := source.Subscribe(gctx, cfg.TelegramChannels)
		if err != nil {
			return err
		}
		pipeline.Run(gctx, msgs)
		return nil
	})
	g.Go(func() error { entry.Run(gctx, cfg.LifecyclePollInterval); return nil })
	g.Go(func() error { entry.RunFillWatcher(gctx, cfg.LifecyclePollInterval); return nil })
	g.Go(func() error { lifecycleMgr.Run(gctx, cfg.LifecyclePollInterval, cfg.LifecycleIdlePoll); return nil })
	g.Go(func() error { pyramidMgr.Run(gctx, cfg.PyramidPollInterval); return nil })
	g.Go(func() error { hedgeMgr.Run(gctx, cfg.HedgeRePollInterval); return nil })
	g.Go(func() error { wd.Run(gctx, cfg.MaintenanceInterval); return nil })
	g.Go(func() error { operator.Start(gctx); return nil })

	log.Info().Msg("signalbridge running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received, draining in-flight work")
	cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out waiting for loops to drain")
	}

	revertStaleClaims(signals)
	log.Info().Msg("signalbridge stopped")
}

// revertStaleClaims reverts claimed-but-unplaced signals to NEW during
// shutdown: anything still CLAIMED at this point was mid-flight when the
// signal arrived. A placed signal also stays CLAIMED, but carries the
// signal_type recorded after placement, so it is left alone.
func revertStaleClaims(signals *signalstore.Store) {
	stale, err := signals.StaleClaimed(0, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("revert claimed: lookup failed")
		return
	}
	for _, sig := range stale {
		if sig.SignalType != "" {
			continue
		}
		if err := signals.RevertClaimed(sig.SignalID); err != nil {
			log.Error().Err(err).Uint64("signal_id", sig.SignalID).Msg("revert claimed failed")
		}
	}
}
