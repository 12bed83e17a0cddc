// Package dedup decides whether a detected signal may become an alert.
package dedup

import (
	"sync"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/models"
)

const (
	DefaultCooldown     = 5 * time.Minute
	DefaultCutoverHour  = 5
	tradingDateLayout   = "2006-01-02"
	defaultLocationName = "Asia/Shanghai"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	Admitted Decision = iota
	// Duplicate means an alert with the same symbol and reason already went out this trading date.
	Duplicate
	// Cooldown means the symbol alerted too recently, whatever the reason.
	Cooldown
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

type key struct {
	symbol string
	reason string
}

// Gate combines trading-date dedup with a per-symbol cooldown. One instance is shared
// by all event workers; all methods are safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	sent      map[key]string
	lastAlert map[string]time.Time

	loc         *time.Location
	cutoverHour int
	cooldown    time.Duration
}

type Option func(*Gate)

// WithLocation sets the reference clock for trading dates.
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithCutoverHour sets the local hour before which a timestamp belongs to the previous trading date.
func WithCutoverHour(hour int) Option {
	return func(g *Gate) { g.cutoverHour = hour }
}

// WithCooldown sets the minimum spacing between two alerts for one symbol.
func WithCooldown(d time.Duration) Option {
	return func(g *Gate) { g.cooldown = d }
}

func New(opts ...Option) *Gate {
	loc, err := time.LoadLocation(defaultLocationName)
	if err != nil {
		loc = time.UTC
	}
	g := &Gate{
		sent:        make(map[key]string),
		lastAlert:   make(map[string]time.Time),
		loc:         loc,
		cutoverHour: DefaultCutoverHour,
		cooldown:    DefaultCooldown,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TradingDate returns the session date of now: before the cutover hour on the
// reference clock it is the previous calendar date.
func (g *Gate) TradingDate(now time.Time) string {
	local := now.In(g.loc)
	if local.Hour() < g.cutoverHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format(tradingDateLayout)
}

// Check evaluates both layers and records state. The cooldown clock advances whenever
// the symbol is outside its window, even if the trading-date layer rejects. The
// trading-date entry is written only for admitted alerts. force skips the
// trading-date layer but not the cooldown.
func (g *Gate) Check(symbol, reason string, now time.Time, force bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{symbol: symbol, reason: reason}
	date := g.TradingDate(now)

	duplicate := !force && g.sent[k] == date

	last, seen := g.lastAlert[symbol]
	cooling := seen && now.Sub(last) < g.cooldown
	if !cooling {
		g.lastAlert[symbol] = now
	}

	switch {
	case duplicate:
		return Duplicate
	case cooling:
		return Cooldown
	}

	g.sent[k] = date
	return Admitted
}

// Admit reports whether the signal should be dispatched.
func (g *Gate) Admit(s models.Signal, now time.Time) bool {
	return g.Check(s.Symbol, s.Reason(), now, false) == Admitted
}

// ResetDaily clears both caches.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sent = make(map[key]string)
	g.lastAlert = make(map[string]time.Time)
}

// Len returns the number of dedup keys and cooldown entries held.
func (g *Gate) Len() (keys, cooldowns int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent), len(g.lastAlert)
}
