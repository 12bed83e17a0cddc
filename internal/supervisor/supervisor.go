// Package supervisor owns the push connection and routes quote events through
// detection, dedup and alert delivery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/alert"
	"github.com/rewired-gh/quotesentinel/internal/config"
	"github.com/rewired-gh/quotesentinel/internal/detector"
	"github.com/rewired-gh/quotesentinel/internal/feed"
	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/rewired-gh/quotesentinel/internal/storage"
	"github.com/rewired-gh/quotesentinel/internal/subscription"
)

// Connection is a live push session with the quote gateway.
type Connection interface {
	subscription.Subscriber
	Puller
	SetQuoteCallback(fn feed.QuoteFunc)
	// Wait blocks until the connection drops or ctx is done.
	Wait(ctx context.Context) error
	Close() error
}

// Puller fetches quote snapshots on demand.
type Puller interface {
	PullQuotes(ctx context.Context, symbols []string) ([]models.QuoteSnapshot, error)
}

// Dialer opens a new push connection.
type Dialer func(ctx context.Context) (Connection, error)

// Alerter delivers gated alerts and ungated operator notices.
type Alerter interface {
	Dispatch(ctx context.Context, a alert.Alert) alert.Result
	Notify(ctx context.Context, title, body string) error
}

// DailyGate is the part of the dedup gate the supervisor maintains.
type DailyGate interface {
	TradingDate(now time.Time) string
	ResetDaily()
}

// SessionLog records signals and deliveries for the current trading session.
type SessionLog interface {
	AddSignal(sig *models.Signal, tradingDate string) error
	AddDelivery(d *storage.Delivery) error
	SavePrevClose(symbol string, price float64, tradingDate string) error
	LoadPrevCloses(tradingDate string) (map[string]float64, error)
	ClearSession() error
}

// ReloadFunc re-reads thresholds and the static symbol list. A *config.ConfigError
// result still carries usable thresholds; any other error means nothing was read.
type ReloadFunc func(ctx context.Context) (config.Thresholds, []string, error)

// Config holds the scheduling and reconnect parameters.
type Config struct {
	TickInterval     time.Duration
	RefreshInterval  time.Duration
	Workers          int
	QueueSize        int
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	DegradedCooldown time.Duration
	ShutdownGrace    time.Duration
	Location         *time.Location
	ResetHour        int
	ResetMinute      int
}

// DefaultConfig returns the stock schedule: 60s tick, 5m refresh, 1s..60s backoff,
// degraded after 5 failures, daily reset at 05:30 Asia/Shanghai.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		TickInterval:     time.Minute,
		RefreshInterval:  5 * time.Minute,
		Workers:          4,
		QueueSize:        1024,
		MaxRetries:       5,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		DegradedCooldown: 5 * time.Minute,
		ShutdownGrace:    10 * time.Second,
		Location:         loc,
		ResetHour:        5,
		ResetMinute:      30,
	}
}

// Components are the collaborators a Supervisor drives. Puller, Log and Reload are optional.
type Components struct {
	Dial       Dialer
	Puller     Puller
	Manager    *subscription.Manager
	Detector   *detector.Detector
	Thresholds *config.ThresholdStore
	Gate       DailyGate
	Alerts     Alerter
	Log        SessionLog
	Reload     ReloadFunc
}

// Stats is a point-in-time snapshot of the supervisor counters.
type Stats struct {
	State      State
	Subscribed int
	Received   int64
	Dropped    int64
	Processed  int64
	Signals    int64
	Sent       int64
	Suppressed int64
	Failed     int64
	Panics     int64
	Reconnects int64
}

type counters struct {
	received, dropped, processed atomic.Int64
	signals, sent, suppressed    atomic.Int64
	failed, panics, reconnects   atomic.Int64
}

// Supervisor runs the connection state machine, the maintenance schedule and the
// event workers. Run may be called once.
type Supervisor struct {
	cfg Config
	Components

	state atomic.Int32
	stats counters
	cache *priceCache

	connMu sync.RWMutex
	conn   Connection

	queueMu sync.RWMutex
	closed  bool
	shards  []chan models.QuoteSnapshot
	workers sync.WaitGroup

	// touched only by the connect loop
	outage int

	// touched only by the maintenance loop
	lastRefresh  time.Time
	lastBoundary string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, c Components) *Supervisor {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DegradedCooldown <= 0 {
		cfg.DegradedCooldown = def.DegradedCooldown
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	s := &Supervisor{
		cfg:        cfg,
		Components: c,
		cache:      newPriceCache(),
		shards:     make([]chan models.QuoteSnapshot, cfg.Workers),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for i := range s.shards {
		s.shards[i] = make(chan models.QuoteSnapshot, cfg.QueueSize)
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		logger.Debug("Connection state %s -> %s", prev, st)
	}
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		State:      s.State(),
		Subscribed: len(s.Manager.Current()),
		Received:   s.stats.received.Load(),
		Dropped:    s.stats.dropped.Load(),
		Processed:  s.stats.processed.Load(),
		Signals:    s.stats.signals.Load(),
		Sent:       s.stats.sent.Load(),
		Suppressed: s.stats.suppressed.Load(),
		Failed:     s.stats.failed.Load(),
		Panics:     s.stats.panics.Load(),
		Reconnects: s.stats.reconnects.Load(),
	}
}

// Run supervises the connection until ctx is cancelled. On return no new events are
// accepted, queued events have been drained or abandoned after the shutdown grace
// period, and the connection is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.restoreSession()

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	s.startWorkers(workCtx)

	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		s.maintain(ctx)
	}()

	s.connectLoop(ctx)
	<-maintDone

	s.setState(Disconnected)
	s.drain(cancelWork)
	logger.Info("Supervisor stopped")
	return nil
}

func (s *Supervisor) connectLoop(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(Connecting)
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			failures = 0
		}
		failures++
		s.outage++
		s.stats.reconnects.Add(1)

		if failures > s.cfg.MaxRetries {
			s.setState(Degraded)
			logger.Error("Quote feed degraded after %d consecutive failures: %v", failures, err)
			s.notify(ctx, "🚨 Quote feed degraded",
				fmt.Sprintf("%d consecutive connection failures.\nLast error: %v\nNext attempt in %v.",
					failures, err, s.cfg.DegradedCooldown))
			if s.sleep(ctx, s.cfg.DegradedCooldown) != nil {
				return
			}
			failures = 0
			continue
		}

		delay := BackoffDelay(failures, s.cfg.BaseDelay, s.cfg.MaxDelay)
		s.setState(Backoff)
		logger.Warn("Connection attempt failed (%d/%d), retrying in %v: %v", failures, s.cfg.MaxRetries, delay, err)
		s.notify(ctx, "⚠️ Quote feed reconnecting",
			fmt.Sprintf("Connection lost or refused (%d/%d).\nError: %v\nRetrying in %v.",
				failures, s.cfg.MaxRetries, err, delay))
		if s.sleep(ctx, delay) != nil {
			return
		}
	}
}

// session dials, subscribes, seeds the caches and blocks until the connection drops.
func (s *Supervisor) session(ctx context.Context) (subscribed bool, err error) {
	conn, err := s.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, feed.ErrClosed) {
			logger.Debug("Closing connection: %v", cerr)
		}
	}()

	conn.SetQuoteCallback(s.enqueue)
	s.Manager.Reset()
	if _, err := s.Manager.Sync(ctx, conn); err != nil {
		return false, err
	}
	if err := s.seed(ctx, conn, s.Manager.Current()); err != nil {
		return false, fmt.Errorf("initial quote pull: %w", err)
	}

	s.setConn(conn)
	defer s.setConn(nil)
	s.setState(Subscribed)
	logger.Info("Subscribed to %d symbols", len(s.Manager.Current()))

	if s.outage > 0 {
		s.notify(ctx, "✅ Quote feed restored",
			fmt.Sprintf("Connection re-established after %d failed attempt(s).", s.outage))
		s.outage = 0
	}

	return true, conn.Wait(ctx)
}

func (s *Supervisor) setConn(c Connection) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *Supervisor) currentConn() Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

// seed pulls snapshots to fill the previous-close and last-price caches.
func (s *Supervisor) seed(ctx context.Context, p Puller, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	quotes, err := p.PullQuotes(ctx, symbols)
	if err != nil {
		return err
	}
	for _, q := range quotes {
		s.rememberPrevClose(q.Symbol, q.PrevClose)
		s.cache.setLast(q.Symbol, q.LastPrice)
	}
	logger.Debug("Seeded %d of %d symbols", len(quotes), len(symbols))
	return nil
}

// restoreSession reloads the previous closes persisted earlier in the trading session.
func (s *Supervisor) restoreSession() {
	if s.Log == nil || s.Gate == nil {
		return
	}
	closes, err := s.Log.LoadPrevCloses(s.Gate.TradingDate(s.now()))
	if err != nil {
		logger.Warn("Failed to restore previous closes: %v", err)
		return
	}
	for symbol, price := range closes {
		s.cache.setPrevClose(symbol, price)
	}
	if len(closes) > 0 {
		logger.Info("Restored %d previous closes from session log", len(closes))
	}
}

func (s *Supervisor) rememberPrevClose(symbol string, price float64) {
	if !s.cache.setPrevClose(symbol, price) || s.Log == nil || s.Gate == nil {
		return
	}
	if err := s.Log.SavePrevClose(symbol, price, s.Gate.TradingDate(s.now())); err != nil {
		logger.WithSymbol(symbol).Warnf("Failed to persist previous close: %v", err)
	}
}

func (s *Supervisor) notify(ctx context.Context, title, body string) {
	if s.Alerts == nil {
		return
	}
	_ = s.Alerts.Notify(ctx, title, body)
}
