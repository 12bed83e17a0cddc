// Package subscription keeps the live subscription set in line with the desired symbols.
package subscription

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/samber/lo"
)

// Subscriber is the part of the push connection that changes subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string, subTypes []models.SubType) error
	Unsubscribe(ctx context.Context, symbols []string, subTypes []models.SubType) error
}

// WatchlistSource yields the externally maintained symbols. It may fail transiently.
type WatchlistSource interface {
	FetchWatchlistSymbols(ctx context.Context) ([]string, error)
}

// Delta is the minimal change that turns the current set into the desired one.
type Delta struct {
	ToSubscribe   []string
	ToUnsubscribe []string
}

func (d Delta) Empty() bool {
	return len(d.ToSubscribe) == 0 && len(d.ToUnsubscribe) == 0
}

// Reconcile computes the set difference in both directions. Inputs are treated as
// sets; outputs are sorted.
func Reconcile(desired, current []string) Delta {
	add, remove := lo.Difference(normalize(desired), normalize(current))
	slices.Sort(add)
	slices.Sort(remove)
	return Delta{ToSubscribe: add, ToUnsubscribe: remove}
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return lo.Uniq(out)
}

// Manager owns the subscribed set. Readers get snapshots; Sync replaces them.
type Manager struct {
	source   WatchlistSource
	subTypes []models.SubType

	static  atomic.Pointer[[]string]
	current atomic.Pointer[[]string]

	syncMu sync.Mutex
}

// NewManager creates a manager. source may be nil when only static symbols are used.
func NewManager(source WatchlistSource, static []string, subTypes ...models.SubType) *Manager {
	if len(subTypes) == 0 {
		subTypes = []models.SubType{models.SubTypeQuote}
	}
	m := &Manager{source: source, subTypes: subTypes}
	m.SetStatic(static)
	m.Reset()
	return m
}

// SetStatic replaces the configured symbol list.
func (m *Manager) SetStatic(symbols []string) {
	s := normalize(symbols)
	m.static.Store(&s)
}

// Desired returns watchlist ∪ static, sorted. A watchlist failure falls back to the
// static symbols alone.
func (m *Manager) Desired(ctx context.Context) []string {
	desired := slices.Clone(*m.static.Load())
	if m.source != nil {
		wl, err := m.source.FetchWatchlistSymbols(ctx)
		if err != nil {
			logger.Warn("Watchlist fetch failed, using %d configured symbols: %v", len(desired), err)
		} else {
			desired = append(desired, wl...)
		}
	}
	desired = normalize(desired)
	slices.Sort(desired)
	return desired
}

// Sync applies the delta between the desired and the current set through sub.
// An empty desired set is logged and leaves the subscriptions untouched.
func (m *Manager) Sync(ctx context.Context, sub Subscriber) (Delta, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	desired := m.Desired(ctx)
	if len(desired) == 0 {
		logger.Warn("No symbols to monitor (watchlist and configured symbols are empty)")
		return Delta{}, nil
	}

	current := m.Current()
	delta := Reconcile(desired, current)
	if delta.Empty() {
		logger.Debug("Subscriptions unchanged (%d symbols)", len(current))
		return delta, nil
	}

	next := current
	if len(delta.ToUnsubscribe) > 0 {
		if err := sub.Unsubscribe(ctx, delta.ToUnsubscribe, m.subTypes); err != nil {
			// The gateway drops stale subscriptions on reconnect anyway.
			logger.Warn("Unsubscribe of %d symbols failed: %v", len(delta.ToUnsubscribe), err)
		}
		next, _ = lo.Difference(next, delta.ToUnsubscribe)
	}

	if len(delta.ToSubscribe) > 0 {
		if err := sub.Subscribe(ctx, delta.ToSubscribe, m.subTypes); err != nil {
			m.store(next)
			return delta, fmt.Errorf("failed to subscribe %d symbols: %w", len(delta.ToSubscribe), err)
		}
		next = append(next, delta.ToSubscribe...)
	}

	m.store(next)
	logger.Info("Subscriptions updated: +%d / -%d (now %d)", len(delta.ToSubscribe), len(delta.ToUnsubscribe), len(next))
	return delta, nil
}

func (m *Manager) store(symbols []string) {
	s := normalize(symbols)
	slices.Sort(s)
	m.current.Store(&s)
}

// Current returns a copy of the subscribed set.
func (m *Manager) Current() []string {
	return slices.Clone(*m.current.Load())
}

// Reset forgets the subscribed set, e.g. after the connection was re-established.
func (m *Manager) Reset() {
	empty := []string{}
	m.current.Store(&empty)
}
