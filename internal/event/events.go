package event

import (
	"errors"
	"strings"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Type is the "type" discriminator of a feed message.
type Type string

const (
	TypeTicker    Type = "TICKER"
	TypeTrade     Type = "TRADE"
	TypeOrderAck  Type = "ORDER_ACK"
	TypeFill      Type = "FILL"
	TypeCancelled Type = "CANCELLED"
	TypeError     Type = "ERROR"
	TypeLoginOK   Type = "LOGIN_OK"
	TypePong      Type = "PONG"
	TypeUnknown   Type = ""

	TypeBalanceUpdate   Type = "BALANCE_UPDATE"
	TypeInventoryUpdate Type = "INVENTORY_UPDATE"
)

// IsMarketData reports whether messages of this type go to the normalizer.
func (t Type) IsMarketData() bool {
	return t == TypeTicker || t == TypeTrade
}

// IsExecution reports whether messages of this type are execution reports.
func (t Type) IsExecution() bool {
	switch t {
	case TypeOrderAck, TypeFill, TypeCancelled, TypeError:
		return true
	default:
		return false
	}
}

// IsAccount reports whether messages of this type carry venue-reported cash or inventory.
func (t Type) IsAccount() bool {
	return t == TypeLoginOK || t == TypeBalanceUpdate || t == TypeInventoryUpdate
}

// Classify reads only the type field of a raw message.
func Classify(raw []byte) Type {
	v := gjson.GetBytes(raw, "type")
	if !v.Exists() {
		return TypeUnknown
	}
	return Type(strings.ToUpper(strings.TrimSpace(v.String())))
}

// ReportKind is what an execution report tells the gate.
type ReportKind uint8

const (
	ReportAck ReportKind = iota + 1
	ReportFill
	ReportReject
	ReportCancelled
)

// String returns the string representation of ReportKind
func (k ReportKind) String() string {
	switch k {
	case ReportAck:
		return "ACK"
	case ReportFill:
		return "FILL"
	case ReportReject:
		return "REJECT"
	case ReportCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ExecutionReport is an asynchronous notification from the execution endpoint.
type ExecutionReport struct {
	Kind       ReportKind
	OrderID    string
	Instrument string
	Side       domain.Side
	Quantity   decimal.Decimal // fill quantity, this report only
	Price      decimal.Decimal // fill price
	Reason     string
	Timestamp  time.Time
}

// ErrNotExecutionReport is returned by ParseExecutionReport for other message types.
var ErrNotExecutionReport = errors.New("not an execution report")

// ParseExecutionReport decodes ORDER_ACK, FILL, CANCELLED and ERROR messages.
//
//	{"type":"ORDER_ACK","orderId":"..","status":"ACCEPTED"}
//	{"type":"FILL","orderId":"..","product":"..","side":"BUY","fillQty":2,"fillPrice":"101.5"}
//	{"type":"ERROR","orderId":"..","code":"INSUFFICIENT_FUNDS","reason":".."}
func ParseExecutionReport(raw []byte) (ExecutionReport, error) {
	if !gjson.ValidBytes(raw) {
		return ExecutionReport{}, &domain.MalformedDataError{Reason: "invalid json"}
	}
	res := gjson.ParseBytes(raw)
	typ := Type(strings.ToUpper(res.Get("type").String()))
	if !typ.IsExecution() {
		return ExecutionReport{}, ErrNotExecutionReport
	}

	rep := ExecutionReport{
		OrderID:    firstString(res, "orderId", "order_id", "clientOrderId"),
		Instrument: strings.ToUpper(strings.TrimSpace(firstString(res, "instrument", "product", "symbol"))),
		Reason:     firstString(res, "reason", "message"),
		Timestamp:  time.Now(),
	}
	if ts := res.Get("ts"); ts.Exists() && ts.Int() > 0 {
		rep.Timestamp = time.UnixMilli(ts.Int())
	}
	if rep.OrderID == "" {
		return ExecutionReport{}, &domain.MalformedDataError{Reason: "missing orderId"}
	}

	switch typ {
	case TypeOrderAck:
		status := strings.ToUpper(res.Get("status").String())
		switch status {
		case "", "ACCEPTED", "ACK", "NEW", "OPEN":
			rep.Kind = ReportAck
		case "REJECTED":
			rep.Kind = ReportReject
		case "CANCELLED", "CANCELED":
			rep.Kind = ReportCancelled
		default:
			return ExecutionReport{}, &domain.MalformedDataError{Reason: "unknown ack status " + status}
		}
	case TypeFill:
		rep.Kind = ReportFill
		side, ok := domain.ParseSide(res.Get("side").String())
		if !ok {
			return ExecutionReport{}, &domain.MalformedDataError{Reason: "invalid side"}
		}
		rep.Side = side
		qty, err := decimalField(res, "fillQty", "qty", "quantity")
		if err != nil || !qty.IsPositive() {
			return ExecutionReport{}, &domain.MalformedDataError{Reason: "invalid fill quantity", Err: err}
		}
		price, err := decimalField(res, "fillPrice", "price")
		if err != nil || !price.IsPositive() {
			return ExecutionReport{}, &domain.MalformedDataError{Reason: "invalid fill price", Err: err}
		}
		rep.Quantity, rep.Price = qty, price
	case TypeCancelled:
		rep.Kind = ReportCancelled
	case TypeError:
		rep.Kind = ReportReject
		if code := res.Get("code").String(); code != "" {
			if rep.Reason == "" {
				rep.Reason = code
			} else {
				rep.Reason = code + ": " + rep.Reason
			}
		}
	}
	return rep, nil
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// decimalField accepts JSON numbers and numeric strings without going through float64.
func decimalField(res gjson.Result, paths ...string) (decimal.Decimal, error) {
	for _, p := range paths {
		v := res.Get(p)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.Number:
			return decimal.NewFromString(v.Raw)
		case gjson.String:
			return decimal.NewFromString(strings.TrimSpace(v.Str))
		default:
			return decimal.Zero, errors.New(p + ": not a number")
		}
	}
	return decimal.Zero, errors.New("missing")
}

// AccountUpdate is the venue's view of cash or of one instrument's inventory.
// Exactly one of Balance and Inventory is set.
type AccountUpdate struct {
	Balance    *decimal.Decimal
	Instrument string
	Inventory  *decimal.Decimal
}

// ErrNotAccountUpdate is returned by ParseAccountUpdate for other message types.
var ErrNotAccountUpdate = errors.New("not an account update")

// ParseAccountUpdate decodes LOGIN_OK, BALANCE_UPDATE and INVENTORY_UPDATE messages.
//
//	{"type":"LOGIN_OK","team":"..","currentBalance":10000}
//	{"type":"BALANCE_UPDATE","balance":"9876.5"}
//	{"type":"INVENTORY_UPDATE","product":"BTC-USD","quantity":3}
//
// A LOGIN_OK without a balance yields ErrNotAccountUpdate.
func ParseAccountUpdate(raw []byte) (AccountUpdate, error) {
	if !gjson.ValidBytes(raw) {
		return AccountUpdate{}, &domain.MalformedDataError{Reason: "invalid json"}
	}
	res := gjson.ParseBytes(raw)
	typ := Type(strings.ToUpper(res.Get("type").String()))

	switch typ {
	case TypeLoginOK:
		if !res.Get("currentBalance").Exists() {
			return AccountUpdate{}, ErrNotAccountUpdate
		}
		fallthrough
	case TypeBalanceUpdate:
		bal, err := decimalField(res, "balance", "currentBalance")
		if err != nil || bal.IsNegative() {
			return AccountUpdate{}, &domain.MalformedDataError{Reason: "invalid balance", Err: err}
		}
		return AccountUpdate{Balance: &bal}, nil
	case TypeInventoryUpdate:
		inst := strings.ToUpper(strings.TrimSpace(firstString(res, "instrument", "product", "symbol")))
		if inst == "" {
			return AccountUpdate{}, &domain.MalformedDataError{Reason: "missing product"}
		}
		qty, err := decimalField(res, "quantity", "qty")
		if err != nil || qty.IsNegative() {
			return AccountUpdate{}, &domain.MalformedDataError{Reason: "invalid inventory quantity", Err: err}
		}
		return AccountUpdate{Instrument: inst, Inventory: &qty}, nil
	default:
		return AccountUpdate{}, ErrNotAccountUpdate
	}
}
