// Package engine runs the copy-trading pipeline.
//
// One goroutine owns the pipeline end to end:
//
//  1. Source fills arrive from the watcher ingress; each gets a correlation
//     id, marks the PnL book, and lands in a coalescer bucket.
//  2. On every tick, quiet buckets flush into net execution intents.
//  3. Each intent passes the kill switch, the policy guards, and the risk
//     budgets, is priced as a marketable limit, and goes to the order client.
//  4. The outcome feeds the lifecycle store, the telemetry collector, and
//     the audit and shadow trails.
//
// A second loop writes periodic telemetry snapshots, settles resolved
// markets into the PnL ledger, evaluates alerts, and drives the auto-kill
// guard. In live mode our own fills stream back over the authenticated user
// channel; in dry-run mode acknowledged orders fill optimistically.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinbot/internal/api"
	"coinbot/internal/config"
	"coinbot/internal/exchange"
	"coinbot/internal/market"
	"coinbot/internal/pnl"
	"coinbot/internal/policy"
	"coinbot/internal/risk"
	"coinbot/internal/store"
	"coinbot/internal/telemetry"
	"coinbot/internal/watcher"
	"coinbot/pkg/types"
)

// flushTickFloor bounds how often the pipeline polls the coalescer. Buckets
// overshoot their quiet period by at most one tick.
const flushTickFloor = 50 * time.Millisecond

// liveOrder maps a venue order id back to its submission so user-channel
// fills can be routed to the right lifecycle entry and PnL leg.
type liveOrder struct {
	clientOrderID string
	marketID      string
	outcome       string
}

// Engine orchestrates the copy pipeline. It owns every component's
// lifecycle and is the only writer of the pipeline state.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	ingress   *watcher.Ingress
	poller    *watcher.ActivityPoller
	tradeFeed *watcher.TradeFeed

	metadata  *market.Cache
	auth      *exchange.Auth
	client    *exchange.Client
	lifecycle *exchange.LifecycleStore
	userFeed  *exchange.UserFeed

	coalescer *Coalescer
	policy    *policy.Policy
	tracker   *risk.Tracker
	kill      *risk.KillSwitch
	guard     *risk.AutoKillGuard
	book      *pnl.Book

	metrics  *telemetry.Collector
	exporter *telemetry.Exporter
	audit    *telemetry.AuditLogger
	shadow   *telemetry.ShadowLogger
	alerts   *telemetry.AlertEvaluator

	// corrs maps event id → correlation id between intake and flush.
	// Only the pipeline goroutine touches it.
	corrs map[string]string

	// live maps provider order id → open submission awaiting fills.
	liveMu sync.Mutex
	live   map[string]liveOrder

	statusMu   sync.Mutex
	lastAlerts telemetry.AlertState
	lastKill   bool

	startedAt       time.Time
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. In live mode with no configured L2 credentials
// it derives an API key through L1 auth before returning.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}

	var auth *exchange.Auth
	if cfg.Wallet.PrivateKey != "" {
		auth, err = exchange.NewAuth(cfg.Wallet)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	fetcher := market.NewFetcher(cfg.API.GammaBaseURL, logger)
	metadata := market.NewCache(fetcher, cfg.API.MetadataTTL, logger)
	client := exchange.NewClient(cfg, auth, metadata, logger)

	if !cfg.Execution.DryRun && auth != nil && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials configured, deriving via L1")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			st.Close()
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	metrics := telemetry.NewCollector()
	ingress := watcher.NewIngress(cfg.Watcher.QueueSize, logger)
	poller := watcher.NewActivityPoller(cfg, st, ingress, logger)

	var tradeFeed *watcher.TradeFeed
	if cfg.Watcher.EnableWS {
		tradeFeed = watcher.NewTradeFeed(cfg, st, ingress, metrics.SetWSConnected, logger)
	}

	var userFeed *exchange.UserFeed
	if !cfg.Execution.DryRun && auth != nil && auth.HasL2Credentials() {
		userFeed = exchange.NewUserFeed(cfg.API.WSBaseURL, auth, logger)
	}

	exporter, err := telemetry.NewExporter(cfg.Telemetry.OutDir)
	if err != nil {
		st.Close()
		return nil, err
	}
	audit, err := telemetry.NewAuditLogger(cfg.Telemetry.OutDir)
	if err != nil {
		exporter.Close()
		st.Close()
		return nil, err
	}
	shadow, err := telemetry.NewShadowLogger(cfg.Telemetry.OutDir)
	if err != nil {
		audit.Close()
		exporter.Close()
		st.Close()
		return nil, err
	}

	kill := risk.NewKillSwitch(logger)

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:             cfg,
		logger:          logger.With("component", "engine"),
		store:           st,
		ingress:         ingress,
		poller:          poller,
		tradeFeed:       tradeFeed,
		metadata:        metadata,
		auth:            auth,
		client:          client,
		lifecycle:       exchange.NewLifecycleStore(logger),
		userFeed:        userFeed,
		coalescer:       NewCoalescer(cfg, logger),
		policy:          policy.New(cfg, logger),
		tracker:         risk.NewTracker(cfg.Sizing, logger),
		kill:            kill,
		guard:           risk.NewAutoKillGuard(cfg.AutoKill, kill, logger),
		book:            pnl.NewBook(cfg.Execution.FeeBps, logger),
		metrics:         metrics,
		exporter:        exporter,
		audit:           audit,
		shadow:          shadow,
		alerts:          telemetry.NewAlertEvaluator(cfg.Telemetry),
		corrs:           make(map[string]string),
		live:            make(map[string]liveOrder),
		startedAt:       time.Now(),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the intake producers, the pipeline, the snapshot loop, and
// (live only) the user fill feed.
func (e *Engine) Start() error {
	mode := "live"
	if e.cfg.Execution.DryRun {
		mode = "dry-run"
	}
	e.logger.Info("engine starting",
		"mode", mode,
		"source_wallet", e.cfg.Copy.SourceWallet,
		"coalesce_ms", e.cfg.Copy.CoalesceMs,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(e.ctx)
	}()

	if e.tradeFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tradeFeed.Run(e.ctx)
		}()
	} else {
		// Poll-only intake: the feed-downtime alert stays quiet.
		e.metrics.SetWSConnected(true)
	}

	if e.userFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.userFeed.Run(e.ctx)
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeUserFeed()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPipeline()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSnapshots()
	}()

	return nil
}

// Stop shuts the pipeline down: cancels all goroutines, cancels resting
// orders in live mode, writes a final telemetry snapshot, and closes every
// sink.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.cancel()

	if !e.cfg.Execution.DryRun {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := e.client.CancelAll(ctx); err != nil {
			e.logger.Error("cancel all on shutdown failed", "error", err)
		}
		cancel()
	}

	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.snapshotCycle(ctx)
	cancel()

	if e.dashboardEvents != nil {
		close(e.dashboardEvents)
	}
	if err := e.exporter.Close(); err != nil {
		e.logger.Error("close exporter", "error", err)
	}
	if err := e.audit.Close(); err != nil {
		e.logger.Error("close audit log", "error", err)
	}
	if err := e.shadow.Close(); err != nil {
		e.logger.Error("close shadow log", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// runPipeline is the single consumer of the ingress and the only goroutine
// that mutates coalescer and correlation state.
func (e *Engine) runPipeline() {
	tick := time.Duration(e.cfg.Copy.CoalesceMs) * time.Millisecond / 2
	if tick < flushTickFloor || e.cfg.Copy.Mode == "fill_by_fill" {
		tick = flushTickFloor
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.ingress.Events():
			e.onEvent(ev)
		case <-ticker.C:
			e.flushIntents()
		}
	}
}

// onEvent stamps intake telemetry, marks the PnL book with the observed
// price, and buckets the fill for coalescing.
func (e *Engine) onEvent(ev types.TradeEvent) {
	corr := uuid.NewString()
	e.corrs[ev.EventID] = corr
	e.metrics.RecordEventReceive(corr, ev.ReceivedTS)
	e.book.SetMark(ev.MarketID, ev.Outcome, ev.Price)
	e.coalescer.Add(ev, time.Now())

	e.logger.Debug("source fill",
		"event_id", ev.EventID,
		"market", ev.MarketID,
		"outcome", ev.Outcome,
		"side", ev.Side,
		"notional_usd", ev.NotionalUSD,
		"source_path", ev.SourcePath,
	)
}

func (e *Engine) flushIntents() {
	now := time.Now()
	intents, netted := e.coalescer.Flush(now)
	for _, id := range netted {
		if corr, ok := e.corrs[id]; ok {
			e.metrics.Discard(corr)
			delete(e.corrs, id)
		}
	}
	for i := range intents {
		e.processIntent(&intents[i], now)
	}
}

// adoptCorrelation carries the lead source event's correlation id onto the
// intent so delays measure from the oldest fill in the bucket. The other
// events' correlations are released.
func (e *Engine) adoptCorrelation(intent *types.ExecutionIntent) string {
	corr := ""
	for _, id := range intent.CoalescedEventIDs {
		c, ok := e.corrs[id]
		if !ok {
			continue
		}
		delete(e.corrs, id)
		if corr == "" {
			corr = c
			continue
		}
		e.metrics.Discard(c)
	}
	if corr == "" {
		corr = uuid.NewString()
	}
	intent.CorrelationID = corr
	return corr
}

// processIntent runs one intent through every gate and, if all pass,
// submits it.
func (e *Engine) processIntent(intent *types.ExecutionIntent, now time.Time) {
	corr := e.adoptCorrelation(intent)

	// A kill-blocked intent carries the switch's own reason in the audit
	// trail.
	if active, reason := e.kill.State(); active {
		if reason == "" {
			reason = types.BlockKillSwitch
		}
		e.blockIntent(corr, intent, reason)
		return
	}

	sized, reason := e.policy.Apply(*intent, now)
	if reason != "" {
		e.blockIntent(corr, intent, reason)
		return
	}

	price, size := exchange.MarketableLimit(&sized, e.tickSize(&sized))
	if !size.IsPositive() {
		e.blockIntent(corr, &sized, types.BlockBelowMin)
		return
	}

	if snap := e.tracker.CheckAndApply(&sized, now); snap.Blocked {
		e.blockIntent(corr, &sized, snap.BlockedReason)
		return
	}

	decisionTS := time.Now()
	e.metrics.RecordDecision(corr, decisionTS)

	submitTS := time.Now()
	e.metrics.RecordOrderSubmit(corr, submitTS)
	sub, err := e.client.SubmitMarketableLimit(e.ctx, &sized, price, size)
	ackTS := time.Now()
	if err != nil {
		e.logger.Error("order submit failed", "correlation_id", corr, "error", err)
		e.metrics.RecordAck(corr, ackTS, false, "")
		return
	}

	e.lifecycle.Register(sub)
	e.metrics.RecordAck(corr, ackTS, sub.Accepted, sub.ErrorCode)

	e.writeAudit(telemetry.AuditRow{
		CorrelationID:        corr,
		IntentID:             sized.IntentID,
		ClientOrderID:        sub.ClientOrderID,
		MarketID:             sized.MarketID,
		Outcome:              sized.Outcome,
		Side:                 string(sized.Side),
		WindowID:             sized.WindowID,
		EventCount:           sized.EventCount,
		SourceNetNotionalUSD: sized.SourceNetNotionalUSD,
		SourceAbsNotionalUSD: sized.SourceAbsNotionalUSD,
		SourcePrice:          sized.SourcePrice,
		TargetNotionalUSD:    sized.TargetNotionalUSD,
		BotPrice:             sub.Price,
		BotSize:              sub.Size,
		SizeRatio:            sizeRatio(&sized),
		CopyDelayMs:          submitTS.Sub(sized.FirstReceivedTS).Milliseconds(),
		DecisionDelayMs:      decisionTS.Sub(sized.FirstReceivedTS).Milliseconds(),
		SubmitToAckMs:        ackTS.Sub(submitTS).Milliseconds(),
		Status:               sub.Status,
		ErrorCode:            sub.ErrorCode,
	})
	e.writeShadow(corr, &sized, "", sub.Accepted)
	e.emitDashboardEvent(api.NewOrderEvent(corr, &sized, &sub))

	if !sub.Accepted {
		e.logger.Warn("order rejected",
			"correlation_id", corr,
			"client_order_id", sub.ClientOrderID,
			"market", sized.MarketID,
			"error_code", sub.ErrorCode,
			"error", sub.Error,
		)
		return
	}

	e.logger.Info("order submitted",
		"correlation_id", corr,
		"client_order_id", sub.ClientOrderID,
		"market", sized.MarketID,
		"outcome", sized.Outcome,
		"side", sized.Side,
		"price", sub.Price,
		"size", sub.Size,
		"status", sub.Status,
	)

	if e.cfg.Execution.DryRun {
		// No venue to fill us; apply the fill at the limit price.
		e.book.ApplyFill(sized.MarketID, sized.Outcome, sized.Side, size, price)
		e.lifecycle.MarkFilled(sub.ClientOrderID, price.Mul(size))
		return
	}

	if e.userFeed != nil {
		e.userFeed.Watch(sized.MarketID)
	}
	if sub.ProviderOrderID != "" {
		e.liveMu.Lock()
		e.live[sub.ProviderOrderID] = liveOrder{
			clientOrderID: sub.ClientOrderID,
			marketID:      sized.MarketID,
			outcome:       sized.Outcome,
		}
		e.liveMu.Unlock()
	}
}

// blockIntent records a gated intent across telemetry, audit, shadow, and
// the dashboard stream.
func (e *Engine) blockIntent(corr string, intent *types.ExecutionIntent, reason string) {
	e.metrics.RecordBlocked(corr, reason)
	e.writeAudit(telemetry.AuditRow{
		CorrelationID:        corr,
		IntentID:             intent.IntentID,
		MarketID:             intent.MarketID,
		Outcome:              intent.Outcome,
		Side:                 string(intent.Side),
		WindowID:             intent.WindowID,
		EventCount:           intent.EventCount,
		SourceNetNotionalUSD: intent.SourceNetNotionalUSD,
		SourceAbsNotionalUSD: intent.SourceAbsNotionalUSD,
		SourcePrice:          intent.SourcePrice,
		TargetNotionalUSD:    intent.TargetNotionalUSD,
		BlockedReason:        reason,
	})
	e.writeShadow(corr, intent, reason, false)
	e.emitDashboardEvent(api.NewBlockEvent(corr, intent, reason))

	e.logger.Info("intent blocked",
		"correlation_id", corr,
		"market", intent.MarketID,
		"window", intent.WindowID,
		"reason", reason,
		"target_usd", intent.TargetNotionalUSD,
	)
}

// tickSize resolves the market's tick from metadata, empty when unknown so
// pricing falls back to the default grid.
func (e *Engine) tickSize(intent *types.ExecutionIntent) string {
	for _, key := range []string{intent.MarketSlug, intent.MarketID} {
		if key == "" {
			continue
		}
		md, err := e.metadata.Get(e.ctx, key)
		if err != nil {
			continue
		}
		if md.TickSize != "" {
			return md.TickSize
		}
	}
	return ""
}

func (e *Engine) writeAudit(row telemetry.AuditRow) {
	if err := e.audit.Write(row); err != nil {
		e.logger.Error("write audit row", "error", err)
	}
}

func (e *Engine) writeShadow(corr string, intent *types.ExecutionIntent, reason string, executed bool) {
	if err := e.shadow.Write(corr, intent.MarketID, intent.WindowID, intent.TargetNotionalUSD, reason, executed); err != nil {
		e.logger.Error("write shadow decision", "error", err)
	}
}

// sizeRatio is bot target notional over source absolute notional.
func sizeRatio(intent *types.ExecutionIntent) decimal.Decimal {
	if !intent.SourceAbsNotionalUSD.IsPositive() {
		return decimal.Zero
	}
	return intent.TargetNotionalUSD.Div(intent.SourceAbsNotionalUSD)
}

// consumeUserFeed applies live fill and order events from the user channel.
func (e *Engine) consumeUserFeed() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tr := <-e.userFeed.Fills():
			e.onUserTrade(tr)
		case ord := <-e.userFeed.Orders():
			e.onUserOrder(ord)
		}
	}
}

// onUserTrade books one fill against the lifecycle entry and the PnL leg.
// Fills for orders we did not place this run are dropped.
func (e *Engine) onUserTrade(tr types.WSTradeEvent) {
	e.liveMu.Lock()
	ref, ok := e.live[tr.TakerOID]
	e.liveMu.Unlock()
	if !ok {
		e.logger.Debug("fill for unknown order", "taker_order_id", tr.TakerOID, "market", tr.Market)
		return
	}

	size, sErr := decimal.NewFromString(tr.Size)
	price, pErr := decimal.NewFromString(tr.Price)
	if sErr != nil || pErr != nil || !size.IsPositive() {
		e.logger.Warn("malformed fill event", "size", tr.Size, "price", tr.Price)
		return
	}

	e.lifecycle.MarkPartialFill(ref.clientOrderID, price.Mul(size))
	e.book.ApplyFill(ref.marketID, ref.outcome, types.NormalizeSide(tr.Side), size, price)

	e.logger.Info("fill received",
		"client_order_id", ref.clientOrderID,
		"market", ref.marketID,
		"side", tr.Side,
		"size", tr.Size,
		"price", tr.Price,
	)
}

// onUserOrder advances lifecycle state from order notifications. A fully
// matched order goes terminal with the venue's cumulative total; a
// cancellation just releases the routing entry.
func (e *Engine) onUserOrder(ord types.WSOrderEvent) {
	e.liveMu.Lock()
	ref, ok := e.live[ord.ID]
	e.liveMu.Unlock()
	if !ok {
		return
	}

	if ord.Type == "CANCELLATION" {
		e.liveMu.Lock()
		delete(e.live, ord.ID)
		e.liveMu.Unlock()
		return
	}

	matched, mErr := decimal.NewFromString(ord.SizeMatched)
	original, oErr := decimal.NewFromString(ord.OriginalSize)
	price, pErr := decimal.NewFromString(ord.Price)
	if mErr != nil || oErr != nil || pErr != nil {
		return
	}
	if original.IsPositive() && matched.GreaterThanOrEqual(original) {
		e.lifecycle.MarkFilled(ref.clientOrderID, price.Mul(matched))
		e.liveMu.Lock()
		delete(e.live, ord.ID)
		e.liveMu.Unlock()
	}
}

// runSnapshots drives the periodic telemetry cycle.
func (e *Engine) runSnapshots() {
	ticker := time.NewTicker(e.cfg.Telemetry.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.snapshotCycle(e.ctx)
		}
	}
}

// snapshotCycle settles resolved markets, feeds the auto-kill guard with
// the windowed view, and writes one cumulative snapshot row.
func (e *Engine) snapshotCycle(ctx context.Context) {
	e.reconcileSettlements(ctx)

	winSnap := e.metrics.SnapshotWindow()
	var winP95 float64
	if winSnap.CopyDelayMs != nil {
		winP95 = winSnap.CopyDelayMs.P95
	}
	e.guard.Evaluate(winSnap.RejectRate, winP95)

	now := time.Now()
	snap := e.metrics.Snapshot()
	wsDown := e.metrics.WSDisconnectSeconds(now)
	alertState := e.alerts.Evaluate(snap, wsDown)
	killActive, killReason := e.kill.State()
	pnlSnap := e.book.Snapshot()

	p50, p95, p99 := delayPtrs(snap.CopyDelayMs)
	row := telemetry.SnapshotRow{
		CopyDelayP50Ms:        p50,
		CopyDelayP95Ms:        p95,
		CopyDelayP99Ms:        p99,
		SourceFills:           snap.SourceFills,
		DestinationOrders:     snap.DestinationOrders,
		Submissions:           snap.Submissions,
		Rejections:            snap.Rejections,
		CoalescingEfficiency:  snap.CoalescingEfficiency,
		RejectRate:            snap.RejectRate,
		WSDisconnectS:         wsDown,
		AlertWSDisconnect:     alertState.WebsocketDisconnectBreach,
		AlertRejectSpike:      alertState.RejectSpikeBreach,
		AlertP95Latency:       alertState.P95LatencyBreach,
		KillSwitchActive:      killActive,
		KillSwitchReason:      killReason,
		RealizedPnLUSD:        pnlSnap.RealizedTradingUSD,
		RealizedSettledPnLUSD: pnlSnap.RealizedSettledUSD,
		UnrealizedPnLUSD:      pnlSnap.UnrealizedUSD,
		FeesUSD:               pnlSnap.FeesUSD,
		NetPnLUSD:             pnlSnap.NetUSD,
	}
	if err := e.exporter.WriteSnapshot(row); err != nil {
		e.logger.Error("write telemetry snapshot", "error", err)
	}

	e.statusMu.Lock()
	e.lastAlerts = alertState
	killChanged := killActive != e.lastKill
	e.lastKill = killActive
	e.statusMu.Unlock()

	if killChanged {
		e.emitDashboardEvent(api.NewKillEvent(killActive, killReason))
	}
	e.emitDashboardEvent(api.NewSnapshotEvent(e.StatusSnapshot()))
}

// reconcileSettlements closes PnL legs for markets whose metadata reports
// them resolved.
func (e *Engine) reconcileSettlements(ctx context.Context) {
	for _, marketID := range e.book.OpenMarkets() {
		md, err := e.metadata.Get(ctx, marketID)
		if err != nil {
			e.logger.Debug("settlement check failed", "market", marketID, "error", err)
			continue
		}
		if !md.Closed {
			continue
		}
		if n := e.book.SettleMarket(marketID, md.WinningOutcome, md.OutcomePrices); n > 0 {
			e.logger.Info("market settled",
				"market", marketID,
				"legs", n,
				"winning_outcome", md.WinningOutcome,
			)
		}
	}
}

// StatusSnapshot implements api.StatusProvider.
func (e *Engine) StatusSnapshot() api.StatusSnapshot {
	now := time.Now()
	killActive, killReason := e.kill.State()

	e.statusMu.Lock()
	alertState := e.lastAlerts
	e.statusMu.Unlock()

	return api.StatusSnapshot{
		Timestamp:           now.UTC(),
		UptimeSeconds:       now.Sub(e.startedAt).Seconds(),
		DryRun:              e.cfg.Execution.DryRun,
		SourceWallet:        e.cfg.Copy.SourceWallet,
		Metrics:             e.metrics.Snapshot(),
		PnL:                 e.book.Snapshot(),
		Alerts:              alertState,
		Kill:                api.KillStatus{Active: killActive, Reason: killReason},
		OpenOrders:          e.lifecycle.OpenCount(),
		WSDisconnectSeconds: e.metrics.WSDisconnectSeconds(now),
		Config:              api.NewConfigSummary(e.cfg),
	}
}

// DashboardEvents implements api.StatusProvider. Nil when the dashboard is
// disabled.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// emitDashboardEvent drops the event rather than block the pipeline.
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
	}
}

func delayPtrs(s *telemetry.PercentileSummary) (p50, p95, p99 *float64) {
	if s == nil {
		return nil, nil, nil
	}
	return &s.P50, &s.P95, &s.P99
}
