package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestRiskViolation(t *testing.T) {
	err := error(&RiskViolation{Kind: RiskMaxOpenOrders, Instrument: "BTC-USD", Detail: "1 open, limit 1"})

	if IsRetriable(err) {
		t.Error("RiskViolation should never be retriable")
	}

	wrapped := fmt.Errorf("submit: %w", err)
	rv, ok := AsRiskViolation(wrapped)
	if !ok {
		t.Fatal("AsRiskViolation should unwrap")
	}
	if rv.Kind != RiskMaxOpenOrders {
		t.Errorf("Kind = %s, want %s", rv.Kind, RiskMaxOpenOrders)
	}

	expected := "risk violation (max_open_orders) on BTC-USD: 1 open, limit 1"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestExecutionAmbiguousError(t *testing.T) {
	baseErr := NewNetworkError("submit", errors.New("timeout"))
	err := &ExecutionAmbiguousError{OrderID: "o-1", Instrument: "ETH-USD", Attempts: 3, Err: baseErr}

	if !errors.Is(err, baseErr) {
		t.Error("Expected error to wrap the last submission error")
	}
	if !IsRetriable(err) {
		t.Error("IsRetriable should see through to the wrapped network error")
	}
}

func TestMalformedDataError(t *testing.T) {
	err := &MalformedDataError{Reason: "missing price"}
	if err.Error() != "malformed data: missing price" {
		t.Errorf("Error message = %q", err.Error())
	}

	inner := errors.New("bad json")
	err = &MalformedDataError{Reason: "decode", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Expected error to wrap inner")
	}
}
