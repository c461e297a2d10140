package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Ingestion
	eventsNormalized  atomic.Uint64
	eventsRejected    atomic.Uint64
	eventsDelivered   atomic.Uint64
	duplicatesDropped atomic.Uint64
	sequenceGaps      atomic.Uint64
	backpressureDrops atomic.Uint64

	// Orders
	ordersSubmitted     atomic.Uint64
	ordersAcknowledged  atomic.Uint64
	ordersFilled        atomic.Uint64
	ordersRejected      atomic.Uint64
	ordersCancelled     atomic.Uint64
	riskViolations      atomic.Uint64
	submitRetries       atomic.Uint64
	ambiguousExecutions atomic.Uint64
	orphanedOrders      atomic.Uint64

	// Connection
	reconnects       atomic.Uint64
	heartbeatMisses  atomic.Uint64
	connectionStatus atomic.Int32

	// Latency tracking (feed receive -> strategy decision)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordNormalized()        { m.eventsNormalized.Add(1) }
func (m *Metrics) RecordRejected()          { m.eventsRejected.Add(1) }
func (m *Metrics) RecordDuplicate()         { m.duplicatesDropped.Add(1) }
func (m *Metrics) RecordGap()               { m.sequenceGaps.Add(1) }
func (m *Metrics) RecordBackpressureDrop()  { m.backpressureDrops.Add(1) }
func (m *Metrics) RecordOrderSubmitted()    { m.ordersSubmitted.Add(1) }
func (m *Metrics) RecordOrderAcknowledged() { m.ordersAcknowledged.Add(1) }
func (m *Metrics) RecordOrderFilled()       { m.ordersFilled.Add(1) }
func (m *Metrics) RecordOrderRejected()     { m.ordersRejected.Add(1) }
func (m *Metrics) RecordOrderCancelled()    { m.ordersCancelled.Add(1) }
func (m *Metrics) RecordRiskViolation()     { m.riskViolations.Add(1) }
func (m *Metrics) RecordSubmitRetry()       { m.submitRetries.Add(1) }
func (m *Metrics) RecordAmbiguous()         { m.ambiguousExecutions.Add(1) }
func (m *Metrics) RecordReconnect()         { m.reconnects.Add(1) }
func (m *Metrics) RecordHeartbeatMiss()     { m.heartbeatMisses.Add(1) }

// RecordOrphaned adds n orders left unacknowledged at shutdown.
func (m *Metrics) RecordOrphaned(n int) {
	if n > 0 {
		m.orphanedOrders.Add(uint64(n))
	}
}

// RecordDelivered records an event handed to strategies with its end-to-end latency.
func (m *Metrics) RecordDelivered(latencyNs int64) {
	m.eventsDelivered.Add(1)
	if latencyNs > 0 {
		m.latencySumNs.Add(latencyNs)
		m.latencyCount.Add(1)
	}
}

// SetConnectionStatus stores the supervisor status gauge.
func (m *Metrics) SetConnectionStatus(status int32) {
	m.connectionStatus.Store(status)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsNormalized    uint64    `json:"events_normalized"`
	EventsRejected      uint64    `json:"events_rejected"`
	EventsDelivered     uint64    `json:"events_delivered"`
	DuplicatesDropped   uint64    `json:"duplicates_dropped"`
	SequenceGaps        uint64    `json:"sequence_gaps"`
	BackpressureDrops   uint64    `json:"backpressure_drops"`
	OrdersSubmitted     uint64    `json:"orders_submitted"`
	OrdersAcknowledged  uint64    `json:"orders_acknowledged"`
	OrdersFilled        uint64    `json:"orders_filled"`
	OrdersRejected      uint64    `json:"orders_rejected"`
	OrdersCancelled     uint64    `json:"orders_cancelled"`
	RiskViolations      uint64    `json:"risk_violations"`
	SubmitRetries       uint64    `json:"submit_retries"`
	AmbiguousExecutions uint64    `json:"ambiguous_executions"`
	OrphanedOrders      uint64    `json:"orphaned_orders"`
	Reconnects          uint64    `json:"reconnects"`
	HeartbeatMisses     uint64    `json:"heartbeat_misses"`
	ConnectionStatus    int32     `json:"connection_status"`
	AvgLatencyNs        int64     `json:"avg_latency_ns"`
	Timestamp           time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsNormalized:    m.eventsNormalized.Load(),
		EventsRejected:      m.eventsRejected.Load(),
		EventsDelivered:     m.eventsDelivered.Load(),
		DuplicatesDropped:   m.duplicatesDropped.Load(),
		SequenceGaps:        m.sequenceGaps.Load(),
		BackpressureDrops:   m.backpressureDrops.Load(),
		OrdersSubmitted:     m.ordersSubmitted.Load(),
		OrdersAcknowledged:  m.ordersAcknowledged.Load(),
		OrdersFilled:        m.ordersFilled.Load(),
		OrdersRejected:      m.ordersRejected.Load(),
		OrdersCancelled:     m.ordersCancelled.Load(),
		RiskViolations:      m.riskViolations.Load(),
		SubmitRetries:       m.submitRetries.Load(),
		AmbiguousExecutions: m.ambiguousExecutions.Load(),
		OrphanedOrders:      m.orphanedOrders.Load(),
		Reconnects:          m.reconnects.Load(),
		HeartbeatMisses:     m.heartbeatMisses.Load(),
		ConnectionStatus:    m.connectionStatus.Load(),
		AvgLatencyNs:        avgLatency,
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.eventsNormalized, &m.eventsRejected, &m.eventsDelivered, &m.duplicatesDropped,
		&m.sequenceGaps, &m.backpressureDrops, &m.ordersSubmitted, &m.ordersAcknowledged,
		&m.ordersFilled, &m.ordersRejected, &m.ordersCancelled, &m.riskViolations,
		&m.submitRetries, &m.ambiguousExecutions, &m.orphanedOrders, &m.reconnects,
		&m.heartbeatMisses, &m.latencyCount,
	} {
		c.Store(0)
	}
	m.latencySumNs.Store(0)
	m.connectionStatus.Store(0)
}
