package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hl-paper-arb/internal/assets"
	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/engine"
	"hl-paper-arb/internal/feed"
	"hl-paper-arb/internal/health"
	"hl-paper-arb/internal/hl/rest"
	"hl-paper-arb/internal/market"
	"hl-paper-arb/internal/metrics"
	"hl-paper-arb/internal/state"
	"hl-paper-arb/internal/state/sqlite"
	"hl-paper-arb/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App wires the feed manager, market store, health monitor, decision engine
// and persistence together for one process lifetime.
type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *sqlite.Store
	ts          *timescale.Writer
	sink        *state.Fanout
	rest        *rest.Client
	marketStore *market.Store
	tracker     *health.Tracker
	manager     *feed.Manager
	engine      *engine.Engine
	recorder    *engine.Recorder
	prober      *engine.Prober
	selector    *assets.Selector
	prom        *metrics.Prometheus
	runID       string
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sinks := []state.Sink{store}
	if writer != nil {
		sinks = append(sinks, writer)
	}
	sink := state.NewFanout(sinks...)

	meter := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		meter = prom.Metrics
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	marketStore := market.NewStore()
	tracker := health.NewTracker(cfg.FeedHealth)
	manager := feed.NewManager(cfg.WS, cfg.Trading.QuoteAsset, restClient, tracker, meter, log)
	eng := engine.New(cfg.Trading, cfg.Engine, marketStore, tracker, sink, meter, log)

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		ts:          writer,
		sink:        sink,
		rest:        restClient,
		marketStore: marketStore,
		tracker:     tracker,
		manager:     manager,
		engine:      eng,
		recorder:    engine.NewRecorder(cfg.Validation, eng, sink, meter, log),
		prober:      engine.NewProber(cfg.Probe, sink, log),
		selector:    assets.NewSelector(cfg.Selector, marketStore, log),
		prom:        prom,
		runID:       fmt.Sprintf("run-%s-%d", time.Now().UTC().Format("20060102T150405Z"), os.Getpid()),
	}, nil
}

// Run starts every loop and blocks until the context is cancelled, then
// flushes and closes in reverse order of startup.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.sink.Close(); err != nil {
			a.log.Warn("sink close failed", zap.Error(err))
		}
	}()

	tracked, err := a.resolveAssets(ctx)
	if err != nil {
		return err
	}
	if len(tracked) == 0 {
		return errors.New("no assets to track")
	}
	a.log.Info("run starting", zap.String("run_id", a.runID), zap.Strings("assets", tracked))
	cfgSnapshot, _ := json.Marshal(a.cfg)
	if err := a.sink.StartRun(ctx, state.Run{
		ID:        a.runID,
		StartedAt: time.Now().UTC(),
		Assets:    strings.Join(tracked, ","),
		Note:      string(cfgSnapshot),
	}); err != nil {
		a.log.Warn("run metadata insert failed", zap.Error(err))
	}

	a.marketStore.Ensure(tracked...)
	a.manager.Track(ctx, tracked...)

	unsubBook := a.manager.OnBookUpdate(func(update feed.BookUpdate) {
		a.marketStore.ApplyBook(update)
		a.tracker.OnBookUpdate(update)
		if update.Kind == feed.KindSpot {
			a.prober.Observe(ctx, update.Asset, update.BestBid, update.BestAsk, update.ObservedAt)
		}
		a.engine.OnTick(ctx, update.Asset)
	})
	defer unsubBook()
	unsubCtx := a.manager.OnContextUpdate(func(update feed.ContextUpdate) {
		a.marketStore.ApplyContext(update)
	})
	defer unsubCtx()

	a.ts.Start(ctx)
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	defer a.manager.Close()

	if a.cfg.Selector.Enabled {
		a.pruneAssets(ctx, tracked)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.RunHeartbeat(gctx) })
	g.Go(func() error { return a.engine.RunFeedHealthLog(gctx, a.cfg.FeedHealth.LogInterval) })
	if a.cfg.Validation.Enabled {
		g.Go(func() error { return a.recorder.Run(gctx) })
	}
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if endErr := a.sink.EndRun(endCtx, a.runID, time.Now().UTC()); endErr != nil {
		a.log.Warn("run metadata close failed", zap.Error(endErr))
	}
	a.log.Info("run finished", zap.String("run_id", a.runID))
	return err
}

// resolveAssets returns the configured asset list, or asks the selector to
// derive one from venue metadata.
func (a *App) resolveAssets(ctx context.Context) ([]string, error) {
	if !a.cfg.Selector.Enabled {
		out := make([]string, 0, len(a.cfg.Assets))
		for _, asset := range a.cfg.Assets {
			asset = strings.ToUpper(strings.TrimSpace(asset))
			if asset != "" {
				out = append(out, asset)
			}
		}
		return out, nil
	}
	metaCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	perpMeta, err := a.rest.PerpMeta(metaCtx)
	if err != nil {
		return nil, fmt.Errorf("perp meta fetch: %w", err)
	}
	spotMeta, err := a.rest.SpotMeta(metaCtx)
	if err != nil {
		return nil, fmt.Errorf("spot meta fetch: %w", err)
	}
	return a.selector.SelectFromMeta(perpMeta, spotMeta), nil
}

// pruneAssets runs the preflight and warmup phases and fully drops every
// asset that fails either, so the engine never evaluates a junk book.
func (a *App) pruneAssets(ctx context.Context, tracked []string) {
	ok, dropped := a.selector.Preflight(ctx, tracked)
	for _, asset := range dropped {
		a.dropAsset(asset)
	}
	ok, dropped = a.selector.Warmup(ctx, ok, a.cfg.Trading.MaxSpotSpreadBps)
	for _, asset := range dropped {
		a.dropAsset(asset)
	}
	a.log.Info("asset pruning complete", zap.Strings("assets", ok))
}

func (a *App) dropAsset(asset string) {
	a.manager.Untrack(asset)
	a.marketStore.Drop(asset)
	a.tracker.Forget(asset)
	a.engine.DropTrace(asset)
	a.prober.Forget(asset)
}

func (a *App) serveMetrics(ctx context.Context) error {
	server := &http.Server{
		Addr:    a.cfg.Metrics.ListenAddr,
		Handler: a.prom.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics listener started", zap.String("addr", a.cfg.Metrics.ListenAddr))
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
