package feed

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/hl/rest"
	"hl-paper-arb/internal/hl/ws"
	"hl-paper-arb/internal/metrics"

	"go.uber.org/zap"
)

// BookUpdate is the normalized order-book event pushed to listeners.
type BookUpdate struct {
	Asset      string
	Kind       MarketKind
	BestBid    float64
	BestAsk    float64
	HasBids    bool
	HasAsks    bool
	ObservedAt time.Time
}

// ContextUpdate carries mark price, funding and the derived spot proxy for an
// asset. Has* flags mark which fields this particular message updated.
type ContextUpdate struct {
	Asset       string
	MarkPrice   float64
	HasMark     bool
	FundingRate float64
	HasFunding  bool
	SpotProxy   float64
	ObservedAt  time.Time
}

type BookListener func(BookUpdate)
type ContextListener func(ContextUpdate)

// HealthSink receives every classified message for dedup and heartbeat
// accounting. It never gates dispatch.
type HealthSink interface {
	RegisterMessage(channel, coin, token string) bool
	RegisterHeartbeat()
}

// ReconnectSnapshot reports reconnect counts per connection kind with a
// per-asset breakdown for book connections.
type ReconnectSnapshot struct {
	Context uint64
	Books   map[string]uint64
}

type subTarget struct {
	asset string
	kind  MarketKind
}

type bookConn struct {
	asset  string
	client *ws.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns one market-context connection plus one independent book
// connection per tracked asset. Normalized updates flow out through
// registered listeners; a failing listener is logged, never fatal.
type Manager struct {
	cfg    config.WSConfig
	quote  string
	rest   *rest.Client
	log    *zap.Logger
	meter  *metrics.Metrics
	health HealthSink

	mu          sync.Mutex
	running     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	ctxConn     *ws.Client
	books       map[string]*bookConn
	subKind     map[string]subTarget
	resolutions map[string]*spotResolution
	lastSpotMsg map[string]time.Time
	firstData   map[string]bool
	spotMeta    any

	nextListener int
	bookSubs     map[int]BookListener
	ctxSubs      map[int]ContextListener
}

func NewManager(cfg config.WSConfig, quoteAsset string, restClient *rest.Client, health HealthSink, meter *metrics.Metrics, log *zap.Logger) *Manager {
	if meter == nil {
		meter = metrics.NewNoop()
	}
	return &Manager{
		cfg:         cfg,
		quote:       strings.ToUpper(quoteAsset),
		rest:        restClient,
		log:         log,
		meter:       meter,
		health:      health,
		books:       make(map[string]*bookConn),
		subKind:     make(map[string]subTarget),
		resolutions: make(map[string]*spotResolution),
		lastSpotMsg: make(map[string]time.Time),
		firstData:   make(map[string]bool),
		bookSubs:    make(map[int]BookListener),
		ctxSubs:     make(map[int]ContextListener),
	}
}

// OnBookUpdate registers a book listener and returns its unsubscribe func.
func (m *Manager) OnBookUpdate(fn BookListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.bookSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.bookSubs, id)
	}
}

// OnContextUpdate registers a mark/funding listener and returns its
// unsubscribe func.
func (m *Manager) OnContextUpdate(fn ContextListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.ctxSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.ctxSubs, id)
	}
}

// Start opens the market-context connection and a book connection for every
// tracked asset, then returns; each connection runs its own supervised loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	assets := make([]string, 0, len(m.books))
	for asset := range m.books {
		assets = append(assets, asset)
	}
	m.mu.Unlock()

	m.loadSpotMeta(runCtx)

	// Shared market-context connection: allMids is the watchdog of this
	// connection, activeAssetCtx subscriptions are added per asset.
	ctxClient := ws.New(m.cfg.URL, ws.Options{
		ReconnectDelay:    m.cfg.ReconnectDelay,
		MaxReconnectDelay: m.cfg.MaxReconnectDelay,
		PingInterval:      m.cfg.PingInterval,
		OnReconnect:       m.meter.Reconnects.Inc,
		OnIdleReset:       m.meter.IdleTimeouts.Inc,
	}, m.log.Named("ws-context"))
	m.mu.Lock()
	m.ctxConn = ctxClient
	m.mu.Unlock()
	if err := ctxClient.Subscribe(runCtx, SubscriptionKey("allMids", ""), subscribeFrame("allMids", "")); err != nil {
		m.log.Warn("allMids subscribe deferred", zap.Error(err))
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = ctxClient.Run(runCtx, func(raw json.RawMessage) {
			m.handleMessage("context", raw)
		})
	}()

	for _, asset := range assets {
		m.subscribeContext(runCtx, asset)
		m.startBookConn(runCtx, asset)
	}
	return nil
}

// Track adds assets to the subscription set. While running, book connections
// and context subscriptions are established immediately without disturbing
// other assets.
func (m *Manager) Track(ctx context.Context, assets ...string) {
	for _, asset := range assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		m.mu.Lock()
		running := m.running
		runCtx := m.runCtx
		_, known := m.books[asset]
		if !known {
			m.books[asset] = &bookConn{asset: asset}
		}
		m.mu.Unlock()
		if known || !running {
			continue
		}
		m.subscribeContext(runCtx, asset)
		m.startBookConn(runCtx, asset)
	}
}

// Untrack removes an asset: its book connection is closed and its context
// subscription dropped. Other assets are untouched.
func (m *Manager) Untrack(asset string) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	m.mu.Lock()
	conn := m.books[asset]
	delete(m.books, asset)
	delete(m.resolutions, asset)
	delete(m.lastSpotMsg, asset)
	for coin, target := range m.subKind {
		if target.asset == asset {
			delete(m.subKind, coin)
		}
	}
	ctxConn := m.ctxConn
	runCtx := m.runCtx
	m.mu.Unlock()

	if conn != nil && conn.cancel != nil {
		conn.cancel()
		conn.client.Close()
		<-conn.done
	}
	if ctxConn != nil && runCtx != nil {
		_ = ctxConn.Unsubscribe(runCtx, SubscriptionKey("activeAssetCtx", asset), unsubscribeFrame("activeAssetCtx", asset))
	}
	m.log.Info("asset untracked", zap.String("asset", asset))
}

// Tracked returns the current asset set, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.books))
	for asset := range m.books {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Reconnects reports reconnect counters for operational visibility.
func (m *Manager) Reconnects() ReconnectSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := ReconnectSnapshot{Books: make(map[string]uint64, len(m.books))}
	if m.ctxConn != nil {
		snap.Context = m.ctxConn.Reconnects()
	}
	for asset, conn := range m.books {
		if conn.client != nil {
			snap.Books[asset] = conn.client.Reconnects()
		}
	}
	return snap
}

// Close cancels every connection loop and watchdog and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	running := m.running
	m.running = false
	conns := make([]*bookConn, 0, len(m.books))
	for _, conn := range m.books {
		conns = append(conns, conn)
	}
	ctxConn := m.ctxConn
	m.mu.Unlock()
	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	for _, conn := range conns {
		if conn.client != nil {
			conn.client.Close()
		}
	}
	if ctxConn != nil {
		ctxConn.Close()
	}
	m.wg.Wait()
	m.log.Info("feed manager closed")
}

func (m *Manager) subscribeContext(ctx context.Context, asset string) {
	m.mu.Lock()
	ctxConn := m.ctxConn
	m.mu.Unlock()
	if ctxConn == nil || ctx == nil {
		return
	}
	if err := ctxConn.Subscribe(ctx, SubscriptionKey("activeAssetCtx", asset), subscribeFrame("activeAssetCtx", asset)); err != nil {
		m.log.Warn("context subscribe deferred", zap.String("asset", asset), zap.Error(err))
	}
}

func (m *Manager) startBookConn(ctx context.Context, asset string) {
	client := ws.New(m.cfg.URL, ws.Options{
		ReconnectDelay:    m.cfg.ReconnectDelay,
		MaxReconnectDelay: m.cfg.MaxReconnectDelay,
		PingInterval:      m.cfg.PingInterval,
		IdleTimeout:       m.cfg.IdleTimeout,
		OnReconnect:       m.meter.Reconnects.Inc,
		OnIdleReset:       m.meter.IdleTimeouts.Inc,
	}, m.log.Named("ws-book").With(zap.String("asset", asset)))

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	conn := m.books[asset]
	if conn == nil {
		conn = &bookConn{asset: asset}
		m.books[asset] = conn
	}
	conn.client = client
	conn.cancel = cancel
	conn.done = done
	// Perp book always subscribes with the bare asset name.
	m.subKind[asset] = subTarget{asset: asset, kind: KindPerp}
	m.mu.Unlock()

	if err := client.Subscribe(connCtx, SubscriptionKey("l2Book", asset), subscribeFrame("l2Book", asset)); err != nil {
		m.log.Warn("perp book subscribe deferred", zap.String("asset", asset), zap.Error(err))
	}
	m.subscribeSpotBook(connCtx, asset, client)
	m.bootstrapBook(connCtx, asset)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		_ = client.Run(connCtx, func(raw json.RawMessage) {
			m.handleMessage("book:"+asset, raw)
		})
	}()
}

// subscribeSpotBook performs the two-phase spot subscription: a primary coin
// identifier derived from venue metadata, then the canonical pair string if
// no book message arrives within the confirm window.
func (m *Manager) subscribeSpotBook(ctx context.Context, asset string, client *ws.Client) {
	pair := spotPairFor(asset, m.quote)
	res := &spotResolution{
		state:    resolutionResolving,
		primary:  pair,
		fallback: pair,
		deadline: time.Now().Add(m.cfg.SpotConfirmWait),
	}
	if !isCanonicalSpotPair(pair) {
		m.mu.Lock()
		meta := m.spotMeta
		m.mu.Unlock()
		if coin := SpotCoinFromMeta(meta, asset, pair); coin != "" {
			res.primary = coin
		}
	}

	m.mu.Lock()
	m.resolutions[asset] = res
	m.subKind[res.primary] = subTarget{asset: asset, kind: KindSpot}
	m.subKind[res.fallback] = subTarget{asset: asset, kind: KindSpot}
	m.mu.Unlock()

	if err := client.Subscribe(ctx, SubscriptionKey("l2Book", res.primary), subscribeFrame("l2Book", res.primary)); err != nil {
		m.log.Warn("spot book subscribe deferred", zap.String("asset", asset), zap.Error(err))
	}
	m.log.Info("spot subscription resolving",
		zap.String("asset", asset),
		zap.String("primary", res.primary),
		zap.String("fallback", res.fallback),
	)

	if res.primary == res.fallback {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchSpotResolution(ctx, asset, client)
	}()
}

func (m *Manager) watchSpotResolution(ctx context.Context, asset string, client *ws.Client) {
	m.mu.Lock()
	res := m.resolutions[asset]
	m.mu.Unlock()
	if res == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(res.deadline)):
	}
	m.mu.Lock()
	confirmed := !m.lastSpotMsg[asset].IsZero()
	fallback := res.fallback
	if !confirmed {
		res.state = resolutionUnresolved
	}
	m.mu.Unlock()
	if confirmed {
		return
	}
	m.log.Info("spot primary subscription timed out, trying fallback",
		zap.String("asset", asset),
		zap.String("fallback", fallback),
	)
	if err := client.Subscribe(ctx, SubscriptionKey("l2Book", fallback), subscribeFrame("l2Book", fallback)); err != nil {
		m.log.Warn("spot fallback subscribe failed", zap.String("asset", asset), zap.Error(err))
	}
}

// bootstrapBook seeds best bid/ask from the REST snapshot endpoint so gates
// have data before the streaming subscription confirms.
func (m *Manager) bootstrapBook(ctx context.Context, asset string) {
	if m.rest == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		snap, err := m.rest.BookSnapshot(snapCtx, asset)
		if err != nil {
			m.log.Debug("book snapshot bootstrap failed", zap.String("asset", asset), zap.Error(err))
			return
		}
		book := parseBook(asset, snap, snap)
		if book == nil || !book.HasBids || !book.HasAsks {
			return
		}
		m.dispatchBook(BookUpdate{
			Asset:      asset,
			Kind:       KindPerp,
			BestBid:    book.BestBid,
			BestAsk:    book.BestAsk,
			HasBids:    book.HasBids,
			HasAsks:    book.HasAsks,
			ObservedAt: book.Time,
		})
	}()
}

func (m *Manager) loadSpotMeta(ctx context.Context) {
	if m.rest == nil {
		return
	}
	metaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	meta, err := m.rest.SpotMeta(metaCtx)
	if err != nil {
		m.log.Warn("spot meta fetch failed, index resolution unavailable", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.spotMeta = meta
	m.mu.Unlock()
}

func (m *Manager) handleMessage(connName string, raw json.RawMessage) {
	for _, env := range Classify(raw) {
		m.meter.WSMessages.Inc()
		if m.health != nil {
			if m.health.RegisterMessage(env.Channel, env.Coin, env.DedupToken) {
				m.meter.Duplicates.Inc()
			}
		}
		m.markFirstData(connName, env.Channel)

		switch env.Type {
		case MsgError:
			m.log.Error("venue error frame", zap.String("conn", connName), zap.String("error", env.Err))
		case MsgAck:
			m.handleAck(connName, env.AckKey)
		case MsgBook:
			m.handleBook(env)
		case MsgContext:
			m.handleContext(env)
		case MsgMids:
			m.handleMids(env)
		default:
			// Heartbeat candidate: counted, never dropped silently.
			if m.health != nil {
				m.health.RegisterHeartbeat()
			}
			m.log.Debug("unclassified frame", zap.String("conn", connName), zap.String("channel", env.Channel))
		}
	}
}

func (m *Manager) markFirstData(connName, channel string) {
	m.mu.Lock()
	seen := m.firstData[connName]
	if !seen {
		m.firstData[connName] = true
	}
	m.mu.Unlock()
	if !seen {
		m.log.Info("first data received", zap.String("conn", connName), zap.String("channel", channel))
	}
}

func (m *Manager) handleAck(connName, key string) {
	if key == "" {
		return
	}
	m.meter.SubscribeAcks.Inc()
	m.mu.Lock()
	var client *ws.Client
	if connName == "context" {
		client = m.ctxConn
	} else {
		for _, conn := range m.books {
			if "book:"+conn.asset == connName {
				client = conn.client
				break
			}
		}
	}
	m.mu.Unlock()
	if client != nil {
		client.MarkAcked(key)
	}
	m.log.Info("subscription acknowledged", zap.String("conn", connName), zap.String("key", key))
}

func (m *Manager) handleBook(env Envelope) {
	if env.Book == nil {
		return
	}
	coin := env.Book.Coin
	if coin == "" {
		coin = env.Coin
	}
	m.mu.Lock()
	target, ok := m.subKind[coin]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("book message for unknown coin", zap.String("coin", coin))
		return
	}
	if target.kind == KindSpot {
		m.lastSpotMsg[target.asset] = time.Now()
		if res := m.resolutions[target.asset]; res != nil && res.state == resolutionResolving {
			if coin == res.primary {
				res.state = resolutionConfirmedPrimary
			} else {
				res.state = resolutionConfirmedFallback
			}
			m.mu.Unlock()
			m.log.Info("spot subscription resolved",
				zap.String("asset", target.asset),
				zap.String("coin", coin),
				zap.String("state", res.state.String()),
			)
			m.mu.Lock()
		}
	}
	m.mu.Unlock()

	m.dispatchBook(BookUpdate{
		Asset:      target.asset,
		Kind:       target.kind,
		BestBid:    env.Book.BestBid,
		BestAsk:    env.Book.BestAsk,
		HasBids:    env.Book.HasBids,
		HasAsks:    env.Book.HasAsks,
		ObservedAt: env.Book.Time,
	})
}

func (m *Manager) handleContext(env Envelope) {
	if env.Ctx == nil || env.Coin == "" {
		return
	}
	asset := strings.ToUpper(env.Coin)
	m.mu.Lock()
	_, tracked := m.books[asset]
	m.mu.Unlock()
	if !tracked {
		return
	}
	m.dispatchContext(ContextUpdate{
		Asset:       asset,
		MarkPrice:   env.Ctx.MarkPrice,
		HasMark:     env.Ctx.MarkPrice > 0,
		FundingRate: env.Ctx.FundingRate,
		HasFunding:  env.Ctx.HasFunding,
		SpotProxy:   env.Ctx.SpotProxy,
		ObservedAt:  env.Ctx.Time,
	})
}

// handleMids treats an all-mid-prices batch as a mark update for every
// tracked asset present in the batch.
func (m *Manager) handleMids(env Envelope) {
	if len(env.Mids) == 0 {
		return
	}
	now := time.Now().UTC()
	m.mu.Lock()
	assets := make([]string, 0, len(m.books))
	for asset := range m.books {
		assets = append(assets, asset)
	}
	m.mu.Unlock()
	for _, asset := range assets {
		mid, ok := env.Mids[asset]
		if !ok || mid <= 0 {
			continue
		}
		m.dispatchContext(ContextUpdate{
			Asset:      asset,
			MarkPrice:  mid,
			HasMark:    true,
			ObservedAt: now,
		})
	}
}

func (m *Manager) dispatchBook(update BookUpdate) {
	m.mu.Lock()
	listeners := make([]BookListener, 0, len(m.bookSubs))
	for _, fn := range m.bookSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		m.safeDispatch(func() { fn(update) })
	}
}

func (m *Manager) dispatchContext(update ContextUpdate) {
	m.mu.Lock()
	listeners := make([]ContextListener, 0, len(m.ctxSubs))
	for _, fn := range m.ctxSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		m.safeDispatch(func() { fn(update) })
	}
}

// safeDispatch keeps a panicking listener from killing the read loop.
func (m *Manager) safeDispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panic", zap.Any("panic", r))
		}
	}()
	fn()
}

func subscribeFrame(subType, coin string) map[string]any {
	sub := map[string]any{"type": subType}
	if coin != "" {
		sub["coin"] = coin
	}
	return map[string]any{"method": "subscribe", "subscription": sub}
}

func unsubscribeFrame(subType, coin string) map[string]any {
	sub := map[string]any{"type": subType}
	if coin != "" {
		sub["coin"] = coin
	}
	return map[string]any{"method": "unsubscribe", "subscription": sub}
}
