// Package models defines the core domain entities: quote snapshots and detected signals.
package models

import (
	"errors"
	"strings"
	"time"
)

// SubType selects which push channel a subscription covers.
type SubType string

const (
	SubTypeQuote SubType = "quote"
	SubTypeDepth SubType = "depth"
)

// QuoteSnapshot is the canonical, provider-independent view of one quote update.
// Zero values mean "not reported" for the optional numeric fields.
type QuoteSnapshot struct {
	Symbol               string    `json:"symbol"`
	LastPrice            float64   `json:"last_price"`
	PrevClose            float64   `json:"prev_close"`
	Bid                  float64   `json:"bid,omitempty"`
	Ask                  float64   `json:"ask,omitempty"`
	Volume               float64   `json:"volume"`
	OpenInterest         float64   `json:"open_interest,omitempty"`
	ImpliedVolatility    float64   `json:"implied_volatility,omitempty"`
	HistoricalVolatility float64   `json:"historical_volatility,omitempty"`
	Timestamp            time.Time `json:"timestamp"`

	// Option is nil for equities.
	Option *OptionContract `json:"option,omitempty"`
}

// OptionContract carries the option-only fields of a quote.
type OptionContract struct {
	StrikePrice      float64   `json:"strike_price"`
	Expiry           time.Time `json:"expiry"`
	UnderlyingSymbol string    `json:"underlying_symbol"`
	// Delta is nil when the provider did not report greeks.
	Delta *float64 `json:"delta,omitempty"`
}

// IsOption reports whether the snapshot describes an option contract.
func (q QuoteSnapshot) IsOption() bool {
	return q.Option != nil
}

// WithPrevClose returns a copy of q with PrevClose set.
func (q QuoteSnapshot) WithPrevClose(prevClose float64) QuoteSnapshot {
	q.PrevClose = prevClose
	return q
}

// Validate checks quote field constraints.
func (q *QuoteSnapshot) Validate() error {
	if strings.TrimSpace(q.Symbol) == "" {
		return errors.New("symbol must not be empty")
	}
	if q.LastPrice < 0 {
		return errors.New("last price must not be negative")
	}
	if q.PrevClose < 0 {
		return errors.New("previous close must not be negative")
	}
	if q.Bid < 0 || q.Ask < 0 {
		return errors.New("bid and ask must not be negative")
	}
	if q.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	if q.OpenInterest < 0 {
		return errors.New("open interest must not be negative")
	}
	if q.Option != nil && q.Option.StrikePrice < 0 {
		return errors.New("strike price must not be negative")
	}
	return nil
}

// Market returns the exchange suffix of an exchange-qualified symbol ("AAPL.US" -> "US").
func Market(symbol string) string {
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 && i < len(symbol)-1 {
		return symbol[i+1:]
	}
	return ""
}
