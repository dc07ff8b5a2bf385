// Command engine is the process entrypoint: it loads configuration
// (internal/config), builds the two venue surfaces (MEXC spot,
// Gate.io futures), and runs one internal/engine.Engine per configured
// symbol, each bound to its own internal/exchangemanager.Manager and
// sharing the process-wide internal/snapshot.Store and
// internal/adminserver.
package main

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/adminserver"
	"arbitrage/internal/config"
	"arbitrage/internal/engine"
	"arbitrage/internal/exchange"
	"arbitrage/internal/exchange/gateio"
	"arbitrage/internal/exchange/mexc"
	"arbitrage/internal/exchangemanager"
	"arbitrage/internal/models"
	"arbitrage/internal/obslog"
	"arbitrage/internal/snapshot"
	"arbitrage/internal/wstransport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := obslog.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine: fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsCfg := wstransport.Config{
		InitialDelay:   cfg.Trading.WSReconnectDelay,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   cfg.Trading.WSPingInterval,
		PongTimeout:    cfg.Trading.WSReadTimeout,
		JitterFactor:   0.2,
	}

	symbols := parseSymbols(cfg.Trading.Symbols)

	spotPublic := mexc.NewPublic(mexc.PublicConfig{
		BaseURL: cfg.MEXC.BaseURL, WSURL: cfg.MEXC.WSPublic, Transport: wsCfg,
	}, logger.Named("mexc.public"))
	spotPrivate := mexc.NewPrivate(mexc.PrivateConfig{
		BaseURL: cfg.MEXC.BaseURL, WSURL: cfg.MEXC.WSPrivate,
		APIKey: cfg.MEXC.APIKey, APISecret: cfg.MEXC.APISecret,
		Transport: wsCfg, ExecutedOrdersCap: 1000,
	}, logger.Named("mexc.private"))

	futuresPublic := gateio.NewPublic(gateio.PublicConfig{
		BaseURL: cfg.GateIO.BaseURL, WSURL: cfg.GateIO.WSPublic, Transport: wsCfg,
	}, logger.Named("gateio.public"))
	futuresPrivate := gateio.NewPrivate(gateio.PrivateConfig{
		BaseURL: cfg.GateIO.BaseURL, WSURL: cfg.GateIO.WSPrivate,
		APIKey: cfg.GateIO.APIKey, APISecret: cfg.GateIO.APISecret,
		Transport: wsCfg, ExecutedOrdersCap: 1000,
	}, logger.Named("gateio.private"))

	spotSymbols := make([]models.Symbol, len(symbols))
	futuresSymbols := make([]models.Symbol, len(symbols))
	for i, s := range symbols {
		spotSymbols[i] = models.Symbol{Base: s.Base, Quote: s.Quote, Market: models.MarketSpot}
		futuresSymbols[i] = models.Symbol{Base: s.Base, Quote: s.Quote, Market: models.MarketFutures}
	}

	if err := spotPublic.Initialize(ctx, spotSymbols); err != nil {
		return err
	}
	if err := futuresPublic.Initialize(ctx, futuresSymbols); err != nil {
		return err
	}

	spotInfo := collectSymbolInfo(spotPublic, spotSymbols)
	futuresInfo := collectSymbolInfo(futuresPublic, futuresSymbols)
	if err := spotPrivate.Initialize(ctx, spotInfo); err != nil {
		return err
	}
	if err := futuresPrivate.Initialize(ctx, futuresInfo); err != nil {
		return err
	}

	store := snapshot.New(cfg.Snapshot.Dir, cfg.Snapshot.RetainPerTask, logger.Named("snapshot"))

	engineCfg := models.EngineConfig{
		BasePositionSizeQuote: cfg.Trading.BasePositionSizeQuote,
		MaxPositionMultiplier: cfg.Trading.MaxPositionMultiplier,
		FuturesLeverage:       cfg.Trading.FuturesLeverage,
		MaxEntryCostPct:       cfg.Trading.MaxEntryCostPct,
		ExitThresholdPct:      cfg.Trading.ExitThresholdPct,
		DeltaTolerancePct:     cfg.Trading.DeltaTolerancePct,
		MaxHoldDurationMillis: cfg.Trading.MaxHoldDuration.Milliseconds(),
	}

	managers := make([]*exchangemanager.Manager, 0, len(symbols))
	engines := make([]*engine.Engine, 0, len(symbols))

	for _, s := range symbols {
		mgr := exchangemanager.New(s.Base, s.Quote,
			exchangemanager.Venue{Public: spotPublic, Private: spotPrivate},
			exchangemanager.Venue{Public: futuresPublic, Private: futuresPrivate},
			logger.Named("exchangemanager."+s.Base+s.Quote))
		if err := mgr.Initialize(ctx); err != nil {
			return err
		}
		managers = append(managers, mgr)

		eng := engine.New(
			models.Symbol{Base: s.Base, Quote: s.Quote, Market: models.MarketSpot},
			engineCfg, mgr, store, cfg.Snapshot.Interval,
			logger.Named("engine."+s.Base+s.Quote),
		)
		engines = append(engines, eng)
	}

	engineViews := make([]adminserver.EngineView, len(engines))
	for i, eng := range engines {
		engineViews[i] = eng
	}
	admin := adminserver.New(cfg.Admin.ListenAddr, engineViews, logger.Named("adminserver"))
	go admin.Run()

	var wg sync.WaitGroup
	for _, eng := range engines {
		eng := eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil {
				logger.Error("engine: exited with error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("engine: shutdown signal received, cleaning up")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	for _, mgr := range managers {
		if err := mgr.Shutdown(); err != nil {
			logger.Warn("exchangemanager: shutdown error", zap.Error(err))
		}
	}
	if err := spotPublic.Close(); err != nil {
		logger.Warn("mexc public: close error", zap.Error(err))
	}
	if err := futuresPublic.Close(); err != nil {
		logger.Warn("gateio public: close error", zap.Error(err))
	}

	wg.Wait()
	return nil
}

type baseQuote struct{ Base, Quote string }

// parseSymbols splits the "BTC_USDT" style configuration strings into
// base/quote pairs.
func parseSymbols(raw []string) []baseQuote {
	out := make([]baseQuote, 0, len(raw))
	for _, s := range raw {
		parts := strings.SplitN(s, "_", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, baseQuote{Base: parts[0], Quote: parts[1]})
	}
	return out
}

func collectSymbolInfo(pub exchange.PublicExchange, symbols []models.Symbol) []models.SymbolInfo {
	out := make([]models.SymbolInfo, 0, len(symbols))
	for _, sym := range symbols {
		if info, ok := pub.SymbolInfo(sym); ok {
			out = append(out, info)
		}
	}
	return out
}
