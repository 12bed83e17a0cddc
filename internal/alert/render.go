package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/models"
)

var signalLabels = map[models.SignalType]string{
	models.SignalPriceChangeRise:  "Price rise",
	models.SignalPriceChangeFall:  "Price fall",
	models.SignalSpreadNarrow:     "Narrow spread",
	models.SignalIVSpike:          "IV spike",
	models.SignalSmartMoneyVolume: "Smart money volume",
	models.SignalVolumeSpike:      "Volume spike",
	models.SignalDeltaITMCross:    "Delta ITM cross",
	models.SignalWideSpread:       "Wide spread",
}

var priorityIcons = map[models.Priority]string{
	models.PriorityHigh:   "🔴",
	models.PriorityMedium: "🟠",
	models.PriorityLow:    "🟢",
}

// RenderSignal builds the markdown title and body for a detected signal.
func RenderSignal(s models.Signal, q models.QuoteSnapshot, loc *time.Location) (title, body string) {
	label, ok := signalLabels[s.Type]
	if !ok {
		label = string(s.Type)
	}
	title = fmt.Sprintf("%s %s %s", priorityIcons[s.Priority], s.Symbol, label)

	if loc == nil {
		loc = time.UTC
	}
	currency := models.Market(s.Symbol)

	var b strings.Builder
	fmt.Fprintf(&b, "- **Symbol**: %s\n", s.Symbol)
	if q.LastPrice > 0 {
		fmt.Fprintf(&b, "- **Last**: %s %s\n", formatNumber(q.LastPrice), currency)
	}
	if q.PrevClose > 0 {
		fmt.Fprintf(&b, "- **Prev close**: %s\n", formatNumber(q.PrevClose))
	}
	fmt.Fprintf(&b, "- **Signal**: %s (%s)\n", s.Type, s.Priority)
	fmt.Fprintf(&b, "- **Value**: %s (threshold %s)\n", formatNumber(s.Value), formatNumber(s.Threshold))
	if s.Detail != "" {
		fmt.Fprintf(&b, "- **Detail**: %s\n", s.Detail)
	}
	fmt.Fprintf(&b, "- **Time**: %s\n", s.Timestamp.In(loc).Format("2006-01-02 15:04:05"))
	return title, b.String()
}

func formatNumber(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
