package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/shopspring/decimal"
)

// Number is a provider numeric field. Gateways send plain numbers, decimal strings,
// placeholder strings ("", "N/A", "nan") or depth ladders; a ladder resolves to its
// best level.
type Number struct {
	Value decimal.Decimal
	Valid bool
}

func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return n.parse(s)
	case '[':
		var levels []json.RawMessage
		if err := json.Unmarshal(data, &levels); err != nil {
			return err
		}
		if len(levels) == 0 {
			return nil
		}
		return n.UnmarshalJSON(levels[0])
	case '{':
		var level struct {
			Price Number `json:"price"`
		}
		if err := json.Unmarshal(data, &level); err != nil {
			return err
		}
		*n = level.Price
		return nil
	default:
		return n.parse(string(data))
	}
}

func (n *Number) parse(s string) error {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "n/a", "-", "--", "null":
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// Unparseable values are treated as absent so only the affected rule is skipped.
		return nil
	}
	n.Value, n.Valid = d, true
	return nil
}

// Float returns the value and whether it was present.
func (n Number) Float() (float64, bool) {
	if !n.Valid {
		return 0, false
	}
	f, _ := n.Value.Float64()
	return f, true
}

// firstOf returns the first present value among field variants.
func firstOf(nums ...Number) float64 {
	for _, n := range nums {
		if f, ok := n.Float(); ok {
			return f
		}
	}
	return 0
}

// OptionExtend is the nested option block some gateways send.
type OptionExtend struct {
	StrikePrice       Number `json:"strike_price"`
	ExpiryDate        string `json:"expiry_date"`
	UnderlyingSymbol  string `json:"underlying_symbol"`
	ImpliedVolatility Number `json:"implied_volatility"`
	OpenInterest      Number `json:"open_interest"`
	HistoricalVol     Number `json:"historical_volatility"`
	Delta             Number `json:"delta"`
}

// RawQuote is the union of field names seen across gateway versions.
type RawQuote struct {
	Symbol string `json:"symbol"`

	LastDone  Number `json:"last_done"`
	LastPrice Number `json:"last_price"`

	PrevClose Number `json:"prev_close"`
	PreClose  Number `json:"pre_close"`
	LastClose Number `json:"last_close"`

	Bid      Number `json:"bid"`
	BidPrice Number `json:"bid_price"`
	Ask      Number `json:"ask"`
	AskPrice Number `json:"ask_price"`

	Volume               Number `json:"volume"`
	OpenInterest         Number `json:"open_interest"`
	ImpliedVolatility    Number `json:"implied_volatility"`
	HistoricalVolatility Number `json:"historical_volatility"`

	StrikePrice      Number `json:"strike_price"`
	ExpiryDate       string `json:"expiry_date"`
	UnderlyingSymbol string `json:"underlying_symbol"`
	Delta            Number `json:"delta"`

	OptionExtend *OptionExtend `json:"option_extend"`

	Timestamp json.RawMessage `json:"timestamp"`
}

// Normalize maps provider field variants onto a QuoteSnapshot. fallbackSymbol is
// used when the payload itself carries no symbol; now stamps quotes without a time.
func Normalize(raw RawQuote, fallbackSymbol string, now time.Time) (models.QuoteSnapshot, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		symbol = strings.ToUpper(strings.TrimSpace(fallbackSymbol))
	}

	q := models.QuoteSnapshot{
		Symbol:               symbol,
		LastPrice:            firstOf(raw.LastDone, raw.LastPrice),
		PrevClose:            firstOf(raw.PrevClose, raw.PreClose, raw.LastClose),
		Bid:                  firstOf(raw.Bid, raw.BidPrice),
		Ask:                  firstOf(raw.Ask, raw.AskPrice),
		Volume:               firstOf(raw.Volume),
		OpenInterest:         firstOf(raw.OpenInterest),
		ImpliedVolatility:    firstOf(raw.ImpliedVolatility),
		HistoricalVolatility: firstOf(raw.HistoricalVolatility),
		Timestamp:            parseTimestamp(raw.Timestamp, now),
	}

	strike, expiry, underlying, delta := raw.StrikePrice, raw.ExpiryDate, raw.UnderlyingSymbol, raw.Delta
	if ext := raw.OptionExtend; ext != nil {
		if !strike.Valid {
			strike = ext.StrikePrice
		}
		if expiry == "" {
			expiry = ext.ExpiryDate
		}
		if underlying == "" {
			underlying = ext.UnderlyingSymbol
		}
		if !delta.Valid {
			delta = ext.Delta
		}
		if q.ImpliedVolatility == 0 {
			q.ImpliedVolatility = firstOf(ext.ImpliedVolatility)
		}
		if q.OpenInterest == 0 {
			q.OpenInterest = firstOf(ext.OpenInterest)
		}
		if q.HistoricalVolatility == 0 {
			q.HistoricalVolatility = firstOf(ext.HistoricalVol)
		}
	}

	if strike.Valid || expiry != "" || underlying != "" || raw.OptionExtend != nil {
		opt := &models.OptionContract{
			StrikePrice:      firstOf(strike),
			UnderlyingSymbol: strings.ToUpper(strings.TrimSpace(underlying)),
		}
		if expiry != "" {
			// An unreadable expiry only costs the computed delta; the other rules still run.
			if t, err := parseExpiry(expiry); err != nil {
				logger.WithSymbol(symbol).Debugf("Ignoring expiry: %v", err)
			} else {
				opt.Expiry = t
			}
		}
		if d, ok := delta.Float(); ok {
			opt.Delta = &d
		}
		q.Option = opt
	}

	if err := q.Validate(); err != nil {
		return models.QuoteSnapshot{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return q, nil
}

var expiryLayouts = []string{"2006-01-02", "20060102", time.RFC3339}

func parseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiry date %q", s)
}

// parseTimestamp accepts unix seconds or milliseconds (number or string) and RFC3339.
func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return now
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return now
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
