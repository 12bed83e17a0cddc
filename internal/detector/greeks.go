package detector

import (
	"errors"
	"math"
	"regexp"
	"strings"
)

// occContract matches OCC-style option roots such as AAPL260116C200000.US.
var occContract = regexp.MustCompile(`^[A-Z]+\d{6}([CP])\d+`)

// putToken matches PUT as a delimited token, so tickers like COMPUTE stay calls.
var putToken = regexp.MustCompile(`(^|[._\-\s])PUT([._\-\s]|$)`)

// IsPut infers the contract type from the symbol's encoded marker. Calls are the default.
func IsPut(symbol string) bool {
	upper := strings.ToUpper(symbol)
	if m := occContract.FindStringSubmatch(upper); m != nil {
		return m[1] == "P"
	}
	return strings.Contains(upper, ".P.") || putToken.MatchString(upper)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// BlackScholesDelta returns the European option delta. Call deltas lie in (0, 1),
// put deltas in (-1, 0).
func BlackScholesDelta(spot, strike, years, rate, sigma float64, put bool) (float64, error) {
	if spot <= 0 || strike <= 0 {
		return 0, errors.New("spot and strike must be positive")
	}
	if years <= 0 {
		return 0, errors.New("option has expired")
	}
	if sigma <= 0 {
		return 0, errors.New("volatility must be positive")
	}

	d1 := (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*years) / (sigma * math.Sqrt(years))
	if math.IsNaN(d1) {
		return 0, errors.New("delta is undefined for these inputs")
	}

	delta := normCDF(d1)
	if put {
		delta -= 1
	}
	return delta, nil
}

// normalizeVolatility converts a percentage volatility (e.g. 35) to a decimal (0.35).
func normalizeVolatility(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}
