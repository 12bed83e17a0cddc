package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/quotesentinel/internal/alert"
	"github.com/rewired-gh/quotesentinel/internal/models"
)

var errNoPuller = errors.New("no quote source available")

// CheckResult is the outcome of a manual check for one symbol.
type CheckResult struct {
	Symbol  string
	Signals []models.Signal
	Results []alert.Result
}

// TriggerCheck pulls fresh quotes and runs them through detection and dispatch with
// the trading-date dedup bypassed. The cooldown still applies. With no symbols given
// the current subscription set is checked.
func (s *Supervisor) TriggerCheck(ctx context.Context, symbols []string) ([]CheckResult, error) {
	if len(symbols) == 0 {
		symbols = s.Manager.Current()
	}
	if len(symbols) == 0 {
		return nil, errors.New("no symbols to check")
	}
	normalized := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			normalized = append(normalized, sym)
		}
	}

	var p Puller = s.Puller
	if conn := s.currentConn(); conn != nil {
		p = conn
	}
	if p == nil {
		return nil, errNoPuller
	}

	quotes, err := p.PullQuotes(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("pull quotes: %w", err)
	}
	for _, q := range quotes {
		s.cache.setLast(q.Symbol, q.LastPrice)
	}

	out := make([]CheckResult, 0, len(quotes))
	for _, q := range quotes {
		if q.PrevClose > 0 {
			s.rememberPrevClose(q.Symbol, q.PrevClose)
		} else if prev, ok := s.cache.getPrevClose(q.Symbol); ok {
			q = q.WithPrevClose(prev)
		}
		signals := s.Detector.Detect(q, s.Thresholds.Load(), s.underlyingPrice(q))
		out = append(out, CheckResult{
			Symbol:  q.Symbol,
			Signals: signals,
			Results: s.handleSignals(ctx, q, signals, true),
		})
	}
	return out, nil
}

// Check runs TriggerCheck and summarizes it for a chat reply.
func (s *Supervisor) Check(ctx context.Context, symbols []string) (string, error) {
	results, err := s.TriggerCheck(ctx, symbols)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No quotes returned", nil
	}

	var b strings.Builder
	for _, r := range results {
		if len(r.Signals) == 0 {
			fmt.Fprintf(&b, "%s: no signals\n", r.Symbol)
			continue
		}
		for i, sig := range r.Signals {
			fmt.Fprintf(&b, "%s: %s %v -> %s\n", r.Symbol, sig.Type, sig.Value, r.Results[i].Status)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Status summarizes the supervisor counters for a chat reply.
func (s *Supervisor) Status() string {
	st := s.Stats()
	return fmt.Sprintf("State: %s\nSubscribed: %d\nEvents: %d received, %d dropped\nSignals: %d (%d sent, %d suppressed, %d failed)\nReconnects: %d",
		st.State, st.Subscribed, st.Received, st.Dropped, st.Signals, st.Sent, st.Suppressed, st.Failed, st.Reconnects)
}
