// Package detector evaluates quote snapshots against threshold rules.
package detector

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/quotesentinel/internal/config"
	"github.com/rewired-gh/quotesentinel/internal/models"
)

const (
	// minOpenInterest below which volume ratios are too noisy to report.
	minOpenInterest = 10.0
	// wideSpreadPct is the relative option spread treated as a liquidity risk.
	wideSpreadPct = 0.05
	// ivHighFactor escalates IV spikes to high priority.
	ivHighFactor = 1.5

	DefaultRiskFreeRate = 0.045
)

// Detector turns one quote into zero or more signals. It holds no mutable state
// and is safe for concurrent use.
type Detector struct {
	riskFreeRate float64
	now          func() time.Time
	newID        func() string
}

type Option func(*Detector)

// WithRiskFreeRate sets the rate used for computed deltas.
func WithRiskFreeRate(r float64) Option {
	return func(d *Detector) { d.riskFreeRate = r }
}

// WithClock overrides the clock used for time-to-expiry and signal timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func New(opts ...Option) *Detector {
	d := &Detector{
		riskFreeRate: DefaultRiskFreeRate,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect applies every rule independently, in a fixed order: price change, spread,
// implied volatility, volume/open interest, delta. A rule whose inputs are missing is
// skipped. underlying is the last known price of the option's underlying, or nil.
func (d *Detector) Detect(q models.QuoteSnapshot, cfg config.Thresholds, underlying *float64) []models.Signal {
	ts := q.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}

	var signals []models.Signal
	emit := func(typ models.SignalType, value, threshold float64, prio models.Priority, detail string) {
		signals = append(signals, models.Signal{
			ID:        d.newID(),
			Symbol:    q.Symbol,
			Type:      typ,
			Value:     value,
			Threshold: threshold,
			Priority:  prio,
			Detail:    detail,
			Timestamp: ts,
		})
	}

	d.priceChange(q, cfg, emit)
	d.spread(q, cfg, emit)
	d.impliedVolatility(q, cfg, emit)
	d.volumeOpenInterest(q, cfg, emit)
	d.deltaCross(q, cfg, underlying, emit)

	return signals
}

type emitFunc func(typ models.SignalType, value, threshold float64, prio models.Priority, detail string)

func (d *Detector) priceChange(q models.QuoteSnapshot, cfg config.Thresholds, emit emitFunc) {
	if q.PrevClose <= 0 || q.LastPrice <= 0 {
		return
	}
	pct := (q.LastPrice - q.PrevClose) / q.PrevClose * 100
	if math.Abs(pct) < cfg.PriceChangePct {
		return
	}

	typ := models.SignalPriceChangeRise
	if pct < 0 {
		typ = models.SignalPriceChangeFall
	}
	emit(typ, round(pct, 2), cfg.PriceChangePct, models.PriorityMedium,
		fmt.Sprintf("Price %.4g vs prev close %.4g: %+.2f%% (threshold %.2f%%)", q.LastPrice, q.PrevClose, pct, cfg.PriceChangePct))
}

func (d *Detector) spread(q models.QuoteSnapshot, cfg config.Thresholds, emit emitFunc) {
	if q.Bid <= 0 || q.Ask <= 0 {
		return
	}
	spread := q.Ask - q.Bid

	if q.IsOption() {
		if q.LastPrice <= 0 {
			return
		}
		pct := spread / q.LastPrice
		if pct > wideSpreadPct {
			emit(models.SignalWideSpread, round(pct*100, 2), wideSpreadPct*100, models.PriorityLow,
				fmt.Sprintf("Bid %.4g, Ask %.4g, spread %.1f%% of last", q.Bid, q.Ask, pct*100))
		}
		return
	}

	if spread > 0 && spread <= cfg.SpreadAbs {
		emit(models.SignalSpreadNarrow, round(spread, 4), cfg.SpreadAbs, models.PriorityLow,
			fmt.Sprintf("Spread %.4f (Bid %.4g, Ask %.4g) <= %.4f", spread, q.Bid, q.Ask, cfg.SpreadAbs))
	}
}

func (d *Detector) impliedVolatility(q models.QuoteSnapshot, cfg config.Thresholds, emit emitFunc) {
	iv := q.ImpliedVolatility
	if iv <= 0 {
		return
	}

	var threshold float64
	var detail string
	if hv := q.HistoricalVolatility; hv > 0 {
		threshold = hv * cfg.IVRelativeMultiplier
		detail = fmt.Sprintf("IV %.2f%% vs HV %.2f%% (x%.2f)", iv, hv, cfg.IVRelativeMultiplier)
	} else {
		threshold = cfg.IVAbsoluteCap
		detail = fmt.Sprintf("IV %.2f%% above cap %.2f%%", iv, cfg.IVAbsoluteCap)
	}
	if iv <= threshold {
		return
	}

	prio := models.PriorityMedium
	if iv >= threshold*ivHighFactor {
		prio = models.PriorityHigh
	}
	emit(models.SignalIVSpike, round(iv, 2), round(threshold, 2), prio, detail)
}

func (d *Detector) volumeOpenInterest(q models.QuoteSnapshot, cfg config.Thresholds, emit emitFunc) {
	oi := q.OpenInterest
	if oi <= minOpenInterest {
		return
	}
	ratio := q.Volume / oi

	switch {
	case q.Volume > oi*cfg.VolumeOIRatioSmartMoney:
		emit(models.SignalSmartMoneyVolume, q.Volume, math.Floor(oi*cfg.VolumeOIRatioSmartMoney), models.PriorityHigh,
			fmt.Sprintf("Volume %.0f is %.0f%% of OI %.0f", q.Volume, ratio*100, oi))
	case q.Volume > oi*cfg.VolumeOIRatioSpike:
		emit(models.SignalVolumeSpike, q.Volume, math.Floor(oi*cfg.VolumeOIRatioSpike), models.PriorityMedium,
			fmt.Sprintf("Volume %.0f, OI %.0f", q.Volume, oi))
	}
}

func (d *Detector) deltaCross(q models.QuoteSnapshot, cfg config.Thresholds, underlying *float64, emit emitFunc) {
	if !q.IsOption() {
		return
	}

	delta, source, ok := d.resolveDelta(q, underlying)
	if !ok || math.Abs(delta) <= cfg.DeltaCross {
		return
	}

	direction := "call"
	if delta < 0 {
		direction = "put"
	}
	emit(models.SignalDeltaITMCross, round(delta, 3), cfg.DeltaCross, models.PriorityMedium,
		fmt.Sprintf("Deep ITM %s, delta %.3f (%s)", direction, delta, source))
}

// resolveDelta prefers the reported delta and falls back to Black-Scholes.
func (d *Detector) resolveDelta(q models.QuoteSnapshot, underlying *float64) (float64, string, bool) {
	opt := q.Option
	if opt.Delta != nil && !math.IsNaN(*opt.Delta) {
		return *opt.Delta, "reported", true
	}
	if underlying == nil || *underlying <= 0 || opt.StrikePrice <= 0 || opt.Expiry.IsZero() {
		return 0, "", false
	}

	days := math.Floor(opt.Expiry.Sub(d.now()).Hours() / 24)
	if days <= 0 {
		return 0, "", false
	}

	delta, err := BlackScholesDelta(*underlying, opt.StrikePrice, days/365, d.riskFreeRate,
		normalizeVolatility(q.ImpliedVolatility), IsPut(q.Symbol))
	if err != nil {
		return 0, "", false
	}
	return delta, "computed", true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
