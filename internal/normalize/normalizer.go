// Package normalize turns raw feed messages into canonical market events.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/event"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrNotMarketData is returned for well-formed messages that are not ticks or quotes.
// Callers route those elsewhere; they are not counted as rejections.
var ErrNotMarketData = errors.New("not market data")

// Recorder receives normalization outcomes.
type Recorder interface {
	RecordNormalized()
	RecordRejected()
}

type nopRecorder struct{}

func (nopRecorder) RecordNormalized() {}
func (nopRecorder) RecordRejected()   {}

// Normalizer validates and converts raw messages. It is safe for concurrent use.
type Normalizer struct {
	schema  *jsonschema.Schema
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New compiles the message schema. metrics may be nil.
func New(metrics Recorder) (*Normalizer, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile market schema: %w", err)
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Normalizer{
		schema:  schema,
		metrics: metrics,
		logger:  slog.Default().With("module", "normalizer"),
		now:     time.Now,
	}, nil
}

// Normalize converts one raw message. Malformed input yields *domain.MalformedDataError
// and is counted; it never panics and never stops the caller.
func (n *Normalizer) Normalize(raw []byte) (domain.MarketEvent, error) {
	if !gjson.ValidBytes(raw) {
		return n.reject(raw, "invalid json", nil)
	}
	typ := event.Classify(raw)
	if !typ.IsMarketData() {
		return domain.MarketEvent{}, ErrNotMarketData
	}

	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return n.reject(raw, "invalid json", err)
	}
	if err := n.schema.Validate(doc); err != nil {
		return n.reject(raw, "schema", err)
	}

	s := event.AcquireMarketScratch()
	defer event.ReleaseMarketScratch(s)
	extract(raw, typ, s)

	ev, reason, err := n.build(s)
	if reason != "" {
		return n.reject(raw, reason, err)
	}
	n.metrics.RecordNormalized()
	return ev, nil
}

var fieldPaths = []string{"instrument", "product", "symbol", "seq", "ts", "price", "size", "side", "bestBid", "bestAsk"}

func extract(raw []byte, typ event.Type, s *event.MarketScratch) {
	f := gjson.GetManyBytes(raw, fieldPaths...)
	s.Type = typ
	for _, v := range f[:3] {
		if v.Exists() && v.String() != "" {
			s.Instrument = v.String()
			break
		}
	}
	s.SeqRaw = rawNumber(f[3])
	s.TsRaw = rawNumber(f[4])
	s.PriceRaw = rawNumber(f[5])
	s.SizeRaw = rawNumber(f[6])
	s.SideRaw = f[7].String()
	s.BidRaw = rawNumber(f[8])
	s.AskRaw = rawNumber(f[9])
}

// build returns a non-empty reason when the message fails value checks.
func (n *Normalizer) build(s *event.MarketScratch) (domain.MarketEvent, string, error) {
	inst := strings.ToUpper(strings.TrimSpace(s.Instrument))
	if inst == "" {
		return domain.MarketEvent{}, "empty instrument", domain.ErrInvalidInstrument
	}
	seq, err := parseSeq(s.SeqRaw)
	if err != nil || seq == 0 {
		return domain.MarketEvent{}, "invalid seq", err
	}
	ts, err := parseTimestamp(strings.TrimSpace(s.TsRaw), n.now())
	if err != nil {
		return domain.MarketEvent{}, "invalid timestamp", err
	}

	ev := domain.MarketEvent{Instrument: inst, Seq: seq, Timestamp: ts}

	switch s.Type {
	case event.TypeTicker:
		bid, err := parseDecimal(s.BidRaw)
		if err != nil || !bid.IsPositive() {
			return domain.MarketEvent{}, "invalid bestBid", err
		}
		ask, err := parseDecimal(s.AskRaw)
		if err != nil || !ask.IsPositive() {
			return domain.MarketEvent{}, "invalid bestAsk", err
		}
		if bid.GreaterThan(ask) {
			return domain.MarketEvent{}, "crossed quote", fmt.Errorf("bid %s > ask %s", bid, ask)
		}
		ev.BestBid, ev.BestAsk = bid, ask
		ev.Price = ev.Mid()
		ev.Size = decimal.Zero
		if s.SizeRaw != "" {
			if size, err := parseDecimal(s.SizeRaw); err == nil && !size.IsNegative() {
				ev.Size = size
			}
		}
	case event.TypeTrade:
		price, err := parseDecimal(s.PriceRaw)
		if err != nil || !price.IsPositive() {
			return domain.MarketEvent{}, "invalid price", err
		}
		size := decimal.Zero
		if s.SizeRaw != "" {
			size, err = parseDecimal(s.SizeRaw)
			if err != nil || size.IsNegative() {
				return domain.MarketEvent{}, "invalid size", err
			}
		}
		side, ok := domain.ParseSide(s.SideRaw)
		if !ok {
			return domain.MarketEvent{}, "invalid side", fmt.Errorf("side %q", s.SideRaw)
		}
		ev.Price, ev.Size, ev.Side = price, size, side
	}
	return ev, "", nil
}

func (n *Normalizer) reject(raw []byte, reason string, err error) (domain.MarketEvent, error) {
	n.metrics.RecordRejected()
	n.logger.Warn("Rejected market message",
		slog.String("reason", reason),
		slog.Any("error", err),
		slog.String("raw", truncate(raw, 256)),
	)
	return domain.MarketEvent{}, &domain.MalformedDataError{Reason: reason, Err: err}
}

func truncate(raw []byte, max int) string {
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
