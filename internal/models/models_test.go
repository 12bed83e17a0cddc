package models

import (
	"testing"
	"time"
)

func TestQuoteSnapshotValidate(t *testing.T) {
	tests := []struct {
		name    string
		quote   QuoteSnapshot
		wantErr bool
	}{
		{
			name: "valid equity",
			quote: QuoteSnapshot{
				Symbol:    "AAPL.US",
				LastPrice: 190.5,
				PrevClose: 188.0,
				Volume:    1000,
				Timestamp: time.Now(),
			},
			wantErr: false,
		},
		{
			name: "valid option",
			quote: QuoteSnapshot{
				Symbol:    "AAPL250117C200000.US",
				LastPrice: 3.2,
				Option: &OptionContract{
					StrikePrice:      200,
					UnderlyingSymbol: "AAPL.US",
				},
			},
			wantErr: false,
		},
		{
			name:    "empty symbol",
			quote:   QuoteSnapshot{LastPrice: 1},
			wantErr: true,
		},
		{
			name:    "negative price",
			quote:   QuoteSnapshot{Symbol: "X.US", LastPrice: -1},
			wantErr: true,
		},
		{
			name:    "negative ask",
			quote:   QuoteSnapshot{Symbol: "X.US", Ask: -0.1},
			wantErr: true,
		},
		{
			name: "negative strike",
			quote: QuoteSnapshot{
				Symbol: "X.US",
				Option: &OptionContract{StrikePrice: -5},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.quote.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("QuoteSnapshot.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignalReason(t *testing.T) {
	rise := Signal{Type: SignalPriceChangeRise}
	fall := Signal{Type: SignalPriceChangeFall}
	if rise.Reason() != "price_change_rise" {
		t.Errorf("unexpected rise reason %q", rise.Reason())
	}
	if rise.Reason() == fall.Reason() {
		t.Error("rise and fall must map to different reasons")
	}
}

func TestMarket(t *testing.T) {
	tests := map[string]string{
		"AAPL.US": "US",
		"700.HK":  "HK",
		"AAPL":    "",
		"AAPL.":   "",
	}
	for symbol, want := range tests {
		if got := Market(symbol); got != want {
			t.Errorf("Market(%q) = %q, want %q", symbol, got, want)
		}
	}
}
