package normalize

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var errMissing = errors.New("missing")

// rawNumber returns the literal text of a numeric field, unquoting strings.
func rawNumber(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		return v.Raw
	case gjson.String:
		return strings.TrimSpace(v.Str)
	default:
		return ""
	}
}

// parseDecimal converts the literal without a float64 round trip.
func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, errMissing
	}
	return decimal.NewFromString(raw)
}

func parseSeq(raw string) (uint64, error) {
	if raw == "" {
		return 0, errMissing
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Epoch magnitude thresholds used to tell seconds, ms, µs and ns apart.
const (
	msThreshold = 1e11
	usThreshold = 1e14
	nsThreshold = 1e17
)

// parseTimestamp accepts unix seconds, milliseconds, microseconds or nanoseconds,
// or an RFC3339 string. An empty value means "now".
func parseTimestamp(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, errors.New("non-positive timestamp")
		}
		switch {
		case n >= nsThreshold:
			return time.Unix(0, n), nil
		case n >= usThreshold:
			return time.UnixMicro(n), nil
		case n >= msThreshold:
			return time.UnixMilli(n), nil
		default:
			return time.Unix(n, 0), nil
		}
	}
	return time.Parse(time.RFC3339Nano, raw)
}
