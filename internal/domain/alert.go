package domain

import "time"

// AlertKind classifies operator-facing alerts.
type AlertKind string

const (
	AlertExecutionAmbiguous AlertKind = "EXECUTION_AMBIGUOUS"
	AlertReconnectExhausted AlertKind = "RECONNECT_EXHAUSTED"
	AlertOrphanedOrder      AlertKind = "ORPHANED_ORDER"
	AlertInstrumentHalted   AlertKind = "INSTRUMENT_HALTED"
	AlertConfigReload       AlertKind = "CONFIG_RELOAD_FAILED"
)

// Alert is an event that needs a human.
type Alert struct {
	Kind       AlertKind `json:"kind"`
	Instrument string    `json:"instrument,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// NewAlert creates an alert stamped with the current time.
func NewAlert(kind AlertKind, instrument, orderID, message string) Alert {
	return Alert{
		Kind:       kind,
		Instrument: instrument,
		OrderID:    orderID,
		Message:    message,
		At:         time.Now(),
	}
}

// IsCritical reports whether the alert implies trading stopped somewhere.
func (a Alert) IsCritical() bool {
	switch a.Kind {
	case AlertExecutionAmbiguous, AlertReconnectExhausted, AlertInstrumentHalted:
		return true
	default:
		return false
	}
}
