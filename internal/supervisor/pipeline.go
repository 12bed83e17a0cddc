package supervisor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/alert"
	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/rewired-gh/quotesentinel/internal/storage"
)

// priceCache keeps the last known previous close and last price per symbol.
type priceCache struct {
	mu        sync.RWMutex
	prevClose map[string]float64
	last      map[string]float64
}

func newPriceCache() *priceCache {
	return &priceCache{
		prevClose: make(map[string]float64),
		last:      make(map[string]float64),
	}
}

// setPrevClose stores a positive price and reports whether the cached value changed.
func (c *priceCache) setPrevClose(symbol string, price float64) bool {
	if price <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prevClose[symbol] == price {
		return false
	}
	c.prevClose[symbol] = price
	return true
}

// resetPrevClose forgets every previous close; last prices stay valid across sessions.
func (c *priceCache) resetPrevClose() {
	c.mu.Lock()
	c.prevClose = make(map[string]float64)
	c.mu.Unlock()
}

func (c *priceCache) getPrevClose(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prevClose[symbol]
	return p, ok
}

func (c *priceCache) setLast(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.last[symbol] = price
	c.mu.Unlock()
}

func (c *priceCache) getLast(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.last[symbol]
	return p, ok
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// enqueue is the push callback. It never blocks the transport: a full shard drops the event.
func (s *Supervisor) enqueue(symbol string, q models.QuoteSnapshot) {
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	s.stats.received.Add(1)

	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed {
		s.stats.dropped.Add(1)
		return
	}
	select {
	case s.shards[shardFor(q.Symbol, len(s.shards))] <- q:
	default:
		s.stats.dropped.Add(1)
		logger.WithSymbol(q.Symbol).Warn("Event queue full, dropping quote")
	}
}

func (s *Supervisor) startWorkers(ctx context.Context) {
	for _, ch := range s.shards {
		s.workers.Add(1)
		go func(ch <-chan models.QuoteSnapshot) {
			defer s.workers.Done()
			for q := range ch {
				s.process(ctx, q)
			}
		}(ch)
	}
}

// drain closes the queues and waits for the workers. After the grace period the
// in-flight work is cancelled through abandon.
func (s *Supervisor) drain(abandon context.CancelFunc) {
	s.queueMu.Lock()
	if !s.closed {
		s.closed = true
		for _, ch := range s.shards {
			close(ch)
		}
	}
	s.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultConfig().ShutdownGrace
	}
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("Shutdown grace period of %v elapsed, abandoning queued events", grace)
		abandon()
		<-done
	}
}

// process runs one event through detection and dispatch. A panic is contained to the event.
func (s *Supervisor) process(ctx context.Context, q models.QuoteSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			logger.WithSymbol(q.Symbol).Errorf("Event processing panicked: %v", r)
		}
	}()
	defer s.stats.processed.Add(1)

	if ctx.Err() != nil {
		return
	}

	if q.PrevClose > 0 {
		s.rememberPrevClose(q.Symbol, q.PrevClose)
	} else if prev, ok := s.cache.getPrevClose(q.Symbol); ok {
		q = q.WithPrevClose(prev)
	}
	s.cache.setLast(q.Symbol, q.LastPrice)

	signals := s.Detector.Detect(q, s.Thresholds.Load(), s.underlyingPrice(q))
	s.handleSignals(ctx, q, signals, false)
}

func (s *Supervisor) underlyingPrice(q models.QuoteSnapshot) *float64 {
	if !q.IsOption() || q.Option.UnderlyingSymbol == "" {
		return nil
	}
	if p, ok := s.cache.getLast(q.Option.UnderlyingSymbol); ok {
		return &p
	}
	return nil
}

func (s *Supervisor) handleSignals(ctx context.Context, q models.QuoteSnapshot, signals []models.Signal, force bool) []alert.Result {
	results := make([]alert.Result, 0, len(signals))
	for i := range signals {
		sig := signals[i]
		s.stats.signals.Add(1)
		log := logger.WithSymbol(sig.Symbol)
		log.Debugf("Signal %s value=%v threshold=%v", sig.Type, sig.Value, sig.Threshold)

		if s.Log != nil && s.Gate != nil {
			if err := s.Log.AddSignal(&sig, s.Gate.TradingDate(sig.Timestamp)); err != nil {
				log.Warnf("Failed to record signal: %v", err)
			}
		}

		title, body := alert.RenderSignal(sig, q, s.cfg.Location)
		res := s.Alerts.Dispatch(ctx, alert.Alert{
			Title:  title,
			Body:   body,
			Symbol: sig.Symbol,
			Reason: sig.Reason(),
			Force:  force,
		})
		switch res.Status {
		case alert.StatusSent:
			s.stats.sent.Add(1)
		case alert.StatusSuppressed:
			s.stats.suppressed.Add(1)
		case alert.StatusFailed:
			s.stats.failed.Add(1)
		}
		s.recordDelivery(sig, res)
		results = append(results, res)
	}
	return results
}

func (s *Supervisor) recordDelivery(sig models.Signal, res alert.Result) {
	if s.Log == nil {
		return
	}
	d := &storage.Delivery{
		ID:        res.ID,
		SignalID:  sig.ID,
		Symbol:    sig.Symbol,
		Reason:    sig.Reason(),
		Status:    res.Status.String(),
		Attempts:  res.Attempts,
		CreatedAt: s.now(),
	}
	if res.Status == alert.StatusSuppressed {
		d.Decision = res.Decision.String()
	}
	if res.Err != nil {
		d.Error = res.Err.Error()
	}
	if err := s.Log.AddDelivery(d); err != nil {
		logger.WithSymbol(sig.Symbol).Warnf("Failed to record delivery: %v", err)
	}
}
