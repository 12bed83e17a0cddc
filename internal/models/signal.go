package models

import (
	"strings"
	"time"
)

type SignalType string

const (
	SignalPriceChangeRise  SignalType = "PRICE_CHANGE_RISE"
	SignalPriceChangeFall  SignalType = "PRICE_CHANGE_FALL"
	SignalSpreadNarrow     SignalType = "SPREAD_NARROW"
	SignalIVSpike          SignalType = "IV_SPIKE"
	SignalSmartMoneyVolume SignalType = "SMART_MONEY_VOLUME"
	SignalVolumeSpike      SignalType = "VOLUME_SPIKE"
	SignalDeltaITMCross    SignalType = "DELTA_ITM_CROSS"
	SignalWideSpread       SignalType = "WIDE_SPREAD"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Signal is one rule hit produced by the detector. It is read-only once created.
type Signal struct {
	ID        string
	Symbol    string
	Type      SignalType
	Value     float64
	Threshold float64
	Priority  Priority
	Detail    string
	Timestamp time.Time
}

// Reason is the dedup reason string for the signal, e.g. "price_change_rise".
// Rise and fall map to different reasons so both directions can alert on the same day.
func (s Signal) Reason() string {
	return strings.ToLower(string(s.Type))
}
