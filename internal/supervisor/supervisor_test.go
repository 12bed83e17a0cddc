package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/alert"
	"github.com/rewired-gh/quotesentinel/internal/config"
	"github.com/rewired-gh/quotesentinel/internal/dedup"
	"github.com/rewired-gh/quotesentinel/internal/detector"
	"github.com/rewired-gh/quotesentinel/internal/feed"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/rewired-gh/quotesentinel/internal/storage"
	"github.com/rewired-gh/quotesentinel/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu         sync.Mutex
	subscribed []string
	cb         feed.QuoteFunc
	quotes     map[string]models.QuoteSnapshot
	done       chan struct{}
	closeOnce  sync.Once
}

func newFakeConn(quotes ...models.QuoteSnapshot) *fakeConn {
	c := &fakeConn{quotes: make(map[string]models.QuoteSnapshot), done: make(chan struct{})}
	for _, q := range quotes {
		c.quotes[q.Symbol] = q
	}
	return c
}

func (c *fakeConn) Subscribe(_ context.Context, symbols []string, _ []models.SubType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, symbols...)
	return nil
}

func (c *fakeConn) Unsubscribe(context.Context, []string, []models.SubType) error { return nil }

func (c *fakeConn) SetQuoteCallback(fn feed.QuoteFunc) {
	c.mu.Lock()
	c.cb = fn
	c.mu.Unlock()
}

func (c *fakeConn) PullQuotes(_ context.Context, symbols []string) ([]models.QuoteSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.QuoteSnapshot
	for _, s := range symbols {
		if q, ok := c.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (c *fakeConn) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return feed.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) emit(q models.QuoteSnapshot) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(q.Symbol, q)
}

func (c *fakeConn) subscribedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Post(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) matching(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.titles {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Dispatch(_ context.Context, al alert.Alert) alert.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return alert.Result{Status: alert.StatusSent, Attempts: 1}
}

func (a *recordingAlerter) Notify(context.Context, string, string) error { return nil }

type panickingAlerter struct{}

func (panickingAlerter) Dispatch(context.Context, alert.Alert) alert.Result {
	panic("webhook exploded")
}

func (panickingAlerter) Notify(context.Context, string, string) error { return nil }

type countingGate struct{ resets atomic.Int32 }

func (g *countingGate) TradingDate(time.Time) string { return "2026-03-03" }
func (g *countingGate) ResetDaily()                  { g.resets.Add(1) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 8
	cfg.TickInterval = time.Hour
	cfg.RefreshInterval = time.Hour
	cfg.ShutdownGrace = time.Second
	return cfg
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.attempt, time.Second, time.Minute), "attempt %d", tt.attempt)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "subscribed", Subscribed.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRun_BackoffThenDegraded(t *testing.T) {
	sender := &recordingSender{}
	s := New(testConfig(), Components{
		Dial: func(context.Context) (Connection, error) {
			return nil, errors.New("connection refused")
		},
		Manager: subscription.NewManager(nil, []string{"X.US"}),
		Alerts:  alert.NewDispatcher(sender, nil, alert.WithRetry(1, 0)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 7 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		5 * time.Minute,
		time.Second,
	}, delays, "counter resets after the degraded cooldown")
	assert.Equal(t, 6, sender.matching("reconnecting"))
	assert.Equal(t, 1, sender.matching("degraded"))
	assert.Equal(t, Disconnected, s.State())
	assert.EqualValues(t, 7, s.Stats().Reconnects)
}

func TestRun_EndToEndPriceChange(t *testing.T) {
	sender := &recordingSender{}
	gate := dedup.New()
	sessionLog, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	defer sessionLog.Close()

	conn := newFakeConn(models.QuoteSnapshot{Symbol: "X.US", LastPrice: 100, PrevClose: 100})
	var dials atomic.Int32
	s := New(testConfig(), Components{
		Dial: func(context.Context) (Connection, error) {
			if dials.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return conn, nil
		},
		Manager:    subscription.NewManager(nil, []string{"x.us"}),
		Detector:   detector.New(),
		Thresholds: config.NewThresholdStore(config.DefaultThresholds()),
		Gate:       gate,
		Alerts:     alert.NewDispatcher(sender, gate, alert.WithRetry(1, 0)),
		Log:        sessionLog,
	})
	s.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == Subscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"X.US"}, conn.subscribedSymbols())

	// Push events for this symbol omit the previous close; the seeded value fills it in.
	conn.emit(models.QuoteSnapshot{Symbol: "X.US", LastPrice: 105, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return s.Stats().Sent == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, sender.matching("X.US"))
	assert.Equal(t, 1, sender.matching("reconnecting"))
	assert.Equal(t, 1, sender.matching("restored"))

	signals, err := sessionLog.ListSignals(10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalPriceChangeRise, signals[0].Type)
	assert.Equal(t, 5.0, signals[0].Value)

	deliveries, err := sessionLog.ListDeliveries(10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "sent", deliveries[0].Status)
	assert.Equal(t, signals[0].ID, deliveries[0].SignalID)
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 1}, Components{Manager: subscription.NewManager(nil, nil)})

	q := models.QuoteSnapshot{Symbol: "A.US", LastPrice: 1}
	s.enqueue("A.US", q)
	s.enqueue("A.US", q)
	s.enqueue("A.US", q)

	st := s.Stats()
	assert.EqualValues(t, 3, st.Received)
	assert.EqualValues(t, 2, st.Dropped)
}

func TestEnqueue_AfterDrainDrops(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 4}, Components{Manager: subscription.NewManager(nil, nil)})
	s.drain(func() {})
	s.enqueue("A.US", models.QuoteSnapshot{Symbol: "A.US"})
	assert.EqualValues(t, 1, s.Stats().Dropped)
}

func TestShardFor_StablePerSymbol(t *testing.T) {
	for _, sym := range []string{"AAPL.US", "TSLA.US", "700.HK"} {
		first := shardFor(sym, 4)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, shardFor(sym, 4))
		}
		assert.Less(t, first, 4)
	}
}

func newPipelineSupervisor(alerts Alerter) *Supervisor {
	return New(testConfig(), Components{
		Manager:    subscription.NewManager(nil, nil),
		Detector:   detector.New(),
		Thresholds: config.NewThresholdStore(config.DefaultThresholds()),
		Gate:       dedup.New(),
		Alerts:     alerts,
	})
}

func TestProcess_BackfillsPrevClose(t *testing.T) {
	alerts := &recordingAlerter{}
	s := newPipelineSupervisor(alerts)
	ctx := context.Background()

	s.process(ctx, models.QuoteSnapshot{Symbol: "X.US", LastPrice: 100, PrevClose: 100})
	assert.Empty(t, alerts.alerts)

	s.process(ctx, models.QuoteSnapshot{Symbol: "X.US", LastPrice: 94})
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "price_change_fall", alerts.alerts[0].Reason)
	assert.False(t, alerts.alerts[0].Force)
}

func TestProcess_NoPrevCloseSkipsPriceRule(t *testing.T) {
	alerts := &recordingAlerter{}
	s := newPipelineSupervisor(alerts)
	s.process(context.Background(), models.QuoteSnapshot{Symbol: "Y.US", LastPrice: 500})
	assert.Empty(t, alerts.alerts)
	assert.EqualValues(t, 1, s.Stats().Processed)
}

func TestProcess_PanicIsIsolated(t *testing.T) {
	s := newPipelineSupervisor(panickingAlerter{})

	assert.NotPanics(t, func() {
		s.process(context.Background(), models.QuoteSnapshot{Symbol: "X.US", LastPrice: 110, PrevClose: 100})
	})
	st := s.Stats()
	assert.EqualValues(t, 1, st.Panics)
	assert.EqualValues(t, 1, st.Processed)
}

func TestUnderlyingPriceFromCache(t *testing.T) {
	s := newPipelineSupervisor(&recordingAlerter{})
	s.cache.setLast("AAPL.US", 230)

	opt := models.QuoteSnapshot{
		Symbol: "AAPL260918C200000.US",
		Option: &models.OptionContract{UnderlyingSymbol: "AAPL.US", StrikePrice: 200},
	}
	got := s.underlyingPrice(opt)
	require.NotNil(t, got)
	assert.Equal(t, 230.0, *got)

	assert.Nil(t, s.underlyingPrice(models.QuoteSnapshot{Symbol: "AAPL.US"}))
	opt.Option.UnderlyingSymbol = "MSFT.US"
	assert.Nil(t, s.underlyingPrice(opt))
}

func TestBoundaryKey(t *testing.T) {
	s := newPipelineSupervisor(&recordingAlerter{})
	loc := s.cfg.Location

	assert.Equal(t, "2026-03-02", s.boundaryKey(time.Date(2026, 3, 3, 5, 29, 0, 0, loc)))
	assert.Equal(t, "2026-03-03", s.boundaryKey(time.Date(2026, 3, 3, 5, 30, 0, 0, loc)))
	assert.Equal(t, "2026-03-03", s.boundaryKey(time.Date(2026, 3, 4, 0, 10, 0, 0, loc)))
}

func TestMaintenanceTick_DailyResetAndReload(t *testing.T) {
	gate := &countingGate{}
	thresholds := config.NewThresholdStore(config.DefaultThresholds())
	manager := subscription.NewManager(nil, []string{"OLD.US"})

	reloaded := config.DefaultThresholds()
	reloaded.PriceChangePct = 2
	cfg := testConfig()
	cfg.RefreshInterval = 5 * time.Minute
	s := New(cfg, Components{
		Manager:    manager,
		Thresholds: thresholds,
		Gate:       gate,
		Reload: func(context.Context) (config.Thresholds, []string, error) {
			return reloaded, []string{"NEW.US"}, nil
		},
	})

	ctx := context.Background()
	start := time.Date(2026, 3, 3, 5, 0, 0, 0, cfg.Location)
	s.lastRefresh = start
	s.lastBoundary = s.boundaryKey(start)

	s.maintenanceTick(ctx, start.Add(time.Minute))
	assert.EqualValues(t, 0, gate.resets.Load())
	assert.Equal(t, 5.0, thresholds.Load().PriceChangePct)

	s.maintenanceTick(ctx, start.Add(31*time.Minute))
	assert.EqualValues(t, 1, gate.resets.Load())
	assert.Equal(t, 2.0, thresholds.Load().PriceChangePct)
	assert.Equal(t, []string{"NEW.US"}, manager.Desired(ctx))

	s.maintenanceTick(ctx, start.Add(32*time.Minute))
	assert.EqualValues(t, 1, gate.resets.Load(), "reset runs once per boundary")
}

func TestDailyReset_DropsStalePrevClose(t *testing.T) {
	alerts := &recordingAlerter{}
	s := newPipelineSupervisor(alerts)
	ctx := context.Background()

	s.process(ctx, models.QuoteSnapshot{Symbol: "X.US", LastPrice: 100, PrevClose: 100})
	require.Empty(t, alerts.alerts)

	start := time.Date(2026, 3, 3, 5, 0, 0, 0, s.cfg.Location)
	s.lastRefresh = start
	s.lastBoundary = s.boundaryKey(start)
	s.maintenanceTick(ctx, time.Date(2026, 3, 4, 5, 31, 0, 0, s.cfg.Location))

	_, ok := s.cache.getPrevClose("X.US")
	assert.False(t, ok, "yesterday's close is forgotten at the boundary")

	s.process(ctx, models.QuoteSnapshot{Symbol: "X.US", LastPrice: 106.5})
	assert.Empty(t, alerts.alerts, "no move is measured against the previous session's close")
}

func TestDailyReset_ReseedsFromConnection(t *testing.T) {
	alerts := &recordingAlerter{}
	s := New(testConfig(), Components{
		Manager:    subscription.NewManager(nil, []string{"X.US"}),
		Detector:   detector.New(),
		Thresholds: config.NewThresholdStore(config.DefaultThresholds()),
		Gate:       dedup.New(),
		Alerts:     alerts,
	})
	ctx := context.Background()

	conn := newFakeConn(models.QuoteSnapshot{Symbol: "X.US", LastPrice: 106, PrevClose: 106})
	_, err := s.Manager.Sync(ctx, conn)
	require.NoError(t, err)
	s.setConn(conn)
	s.cache.setPrevClose("X.US", 100)

	start := time.Date(2026, 3, 3, 5, 0, 0, 0, s.cfg.Location)
	s.lastRefresh = start
	s.lastBoundary = s.boundaryKey(start)
	s.maintenanceTick(ctx, time.Date(2026, 3, 4, 5, 31, 0, 0, s.cfg.Location))

	prev, ok := s.cache.getPrevClose("X.US")
	require.True(t, ok)
	assert.Equal(t, 106.0, prev)

	s.process(ctx, models.QuoteSnapshot{Symbol: "X.US", LastPrice: 106.5})
	assert.Empty(t, alerts.alerts)
}

func TestRefresh_ReloadErrors(t *testing.T) {
	thresholds := config.NewThresholdStore(config.DefaultThresholds())
	partial := config.DefaultThresholds()
	partial.SpreadAbs = 0.01

	var reloadErr error
	s := New(testConfig(), Components{
		Manager:    subscription.NewManager(nil, []string{"A.US"}),
		Thresholds: thresholds,
		Reload: func(context.Context) (config.Thresholds, []string, error) {
			return partial, []string{"A.US"}, reloadErr
		},
	})

	reloadErr = errors.New("failed to read config file")
	s.refresh(context.Background())
	assert.Equal(t, 0.05, thresholds.Load().SpreadAbs, "unreadable file keeps current thresholds")

	reloadErr = errors.Join(&config.ConfigError{Field: "price_change_pct", Value: "x", Err: errors.New("bad")})
	s.refresh(context.Background())
	assert.Equal(t, 0.01, thresholds.Load().SpreadAbs, "per-field errors still apply the rest")
}

func TestRefresh_KeepsStaticSymbolsWhenNoneConfigured(t *testing.T) {
	manager := subscription.NewManager(nil, []string{"A.US", "B.US"})
	reloaded := config.DefaultThresholds()
	reloaded.PriceChangePct = 3
	s := New(testConfig(), Components{
		Manager:    manager,
		Thresholds: config.NewThresholdStore(config.DefaultThresholds()),
		Reload: func(context.Context) (config.Thresholds, []string, error) {
			return reloaded, nil, nil
		},
	})

	ctx := context.Background()
	s.refresh(ctx)
	assert.Equal(t, 3.0, s.Thresholds.Load().PriceChangePct)
	assert.Equal(t, []string{"A.US", "B.US"}, manager.Desired(ctx))
}

type stubPuller struct{ quotes []models.QuoteSnapshot }

func (p stubPuller) PullQuotes(context.Context, []string) ([]models.QuoteSnapshot, error) {
	return p.quotes, nil
}

func TestTriggerCheck_ForceBypassesDedupOnly(t *testing.T) {
	sender := &recordingSender{}
	gate := dedup.New(dedup.WithCooldown(0))
	quote := models.QuoteSnapshot{Symbol: "X.US", LastPrice: 105, PrevClose: 100}
	s := New(testConfig(), Components{
		Puller:     stubPuller{quotes: []models.QuoteSnapshot{quote}},
		Manager:    subscription.NewManager(nil, nil),
		Detector:   detector.New(),
		Thresholds: config.NewThresholdStore(config.DefaultThresholds()),
		Gate:       gate,
		Alerts:     alert.NewDispatcher(sender, gate, alert.WithRetry(1, 0)),
	})
	ctx := context.Background()

	summary, err := s.Check(ctx, []string{"x.us"})
	require.NoError(t, err)
	assert.Equal(t, "X.US: PRICE_CHANGE_RISE 5 -> sent", summary)

	results, err := s.TriggerCheck(ctx, []string{"X.US"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, alert.StatusSent, results[0].Results[0].Status, "forced check skips the trading-date layer")

	s.process(ctx, quote)
	assert.EqualValues(t, 1, s.Stats().Suppressed, "push path is still deduplicated")
	assert.Equal(t, 2, sender.matching("X.US"))
}

func TestTriggerCheck_NoSource(t *testing.T) {
	s := newPipelineSupervisor(&recordingAlerter{})
	_, err := s.TriggerCheck(context.Background(), []string{"X.US"})
	assert.ErrorIs(t, err, errNoPuller)

	_, err = s.TriggerCheck(context.Background(), nil)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	s := newPipelineSupervisor(&recordingAlerter{})
	assert.Contains(t, s.Status(), "State: disconnected")
}
