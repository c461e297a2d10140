package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading_bot/internal/domain"
)

// ErrStreamClosed is returned by Next once the sequencer shut down and the queue is drained.
var ErrStreamClosed = errors.New("instrument stream closed")

// SequencerConfig bounds buffering per instrument.
type SequencerConfig struct {
	// BackpressureThreshold is the delivery queue depth; beyond it the oldest event is dropped.
	BackpressureThreshold int
	// BackpressureWait is how long Admit waits for the consumer before dropping.
	BackpressureWait time.Duration
	// GapTolerance is the number of missing sequence numbers (or buffered out-of-order
	// events) tolerated before the stream resynchronizes.
	GapTolerance uint64
}

// SequencerMetrics receives sequencing outcomes.
type SequencerMetrics interface {
	RecordDuplicate()
	RecordGap()
	RecordBackpressureDrop()
}

type nopSequencerMetrics struct{}

func (nopSequencerMetrics) RecordDuplicate()        {}
func (nopSequencerMetrics) RecordGap()              {}
func (nopSequencerMetrics) RecordBackpressureDrop() {}

// ResyncFunc is called after a gap was detected on an instrument. It must not block.
type ResyncFunc func(gap *domain.SequenceGapError)

// Sequencer orders market events per instrument and hands each instrument's
// events to its own bounded stream. Instruments never share a queue.
type Sequencer struct {
	cfg      SequencerConfig
	metrics  SequencerMetrics
	onResync ResyncFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	streams map[string]*InstrumentStream
	closed  bool
}

// NewSequencer creates a sequencer. metrics and onResync may be nil.
func NewSequencer(cfg SequencerConfig, metrics SequencerMetrics, onResync ResyncFunc) *Sequencer {
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = 1024
	}
	if metrics == nil {
		metrics = nopSequencerMetrics{}
	}
	return &Sequencer{
		cfg:      cfg,
		metrics:  metrics,
		onResync: onResync,
		logger:   slog.Default().With("module", "sequencer"),
		streams:  make(map[string]*InstrumentStream),
	}
}

// Stream returns the stream for instrument, creating it on first use.
// After Close every returned stream is closed.
func (s *Sequencer) Stream(instrument string) *InstrumentStream {
	s.mu.RLock()
	st, ok := s.streams[instrument]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[instrument]; ok {
		return st
	}
	st = newInstrumentStream(instrument, s.cfg, s.metrics, s.logger)
	if s.closed {
		st.close()
	}
	s.streams[instrument] = st
	return st
}

// Admit accepts one normalized event. Duplicates are dropped silently; gaps trigger
// the resync hook. It returns ErrStreamClosed after Close.
func (s *Sequencer) Admit(ev domain.MarketEvent) error {
	if ev.Instrument == "" {
		return domain.ErrInvalidInstrument
	}
	gap, err := s.Stream(ev.Instrument).admit(ev)
	if err != nil {
		return err
	}
	if gap != nil && s.onResync != nil {
		s.onResync(gap)
	}
	return nil
}

// Reset makes the next event of instrument the new baseline regardless of its sequence number.
func (s *Sequencer) Reset(instrument string) {
	s.mu.RLock()
	st, ok := s.streams[instrument]
	s.mu.RUnlock()
	if ok {
		st.reset()
	}
}

// ResetAll resets every known instrument, as after a reconnect.
func (s *Sequencer) ResetAll() {
	s.mu.RLock()
	streams := make([]*InstrumentStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		st.reset()
	}
	s.logger.Info("Sequencer baselines reset", slog.Int("instruments", len(streams)))
}

// Close ends all streams. Consumers drain queued events and then get ErrStreamClosed.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, st := range s.streams {
		st.close()
	}
}

// Stats returns per-instrument counters.
func (s *Sequencer) Stats() map[string]StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StreamStats, len(s.streams))
	for inst, st := range s.streams {
		out[inst] = st.Stats()
	}
	return out
}

// StreamStats counts what happened to one instrument's events.
type StreamStats struct {
	LastSeq    uint64 `json:"last_seq"`
	Queued     int    `json:"queued"`
	Buffered   int    `json:"buffered"`
	Delivered  uint64 `json:"delivered"`
	Duplicates uint64 `json:"duplicates"`
	Gaps       uint64 `json:"gaps"`
	Dropped    uint64 `json:"dropped"`
}

// InstrumentStream is one instrument's reorder buffer plus its bounded delivery queue.
// Released sequence numbers strictly increase within a session.
type InstrumentStream struct {
	instrument string
	cfg        SequencerConfig
	metrics    SequencerMetrics
	logger     *slog.Logger

	// reorder state, owned by whoever holds admitMu
	admitMu      sync.Mutex
	hasBaseline  bool
	lastReleased uint64
	session      uint64
	pending      map[uint64]domain.MarketEvent
	duplicates   uint64
	gaps         uint64

	// delivery queue, shared with the consumer
	mu        sync.Mutex
	ring      []domain.MarketEvent
	head      int
	size      int
	closed    bool
	delivered uint64
	dropped   uint64

	dataCh   chan struct{}
	spaceCh  chan struct{}
	closedCh chan struct{}
}

func newInstrumentStream(instrument string, cfg SequencerConfig, metrics SequencerMetrics, logger *slog.Logger) *InstrumentStream {
	return &InstrumentStream{
		instrument: instrument,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With("instrument", instrument),
		pending:    make(map[uint64]domain.MarketEvent),
		ring:       make([]domain.MarketEvent, cfg.BackpressureThreshold),
		dataCh:     make(chan struct{}, 1),
		spaceCh:    make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
}

// Instrument returns the instrument id of the stream.
func (st *InstrumentStream) Instrument() string { return st.instrument }

func (st *InstrumentStream) admit(ev domain.MarketEvent) (*domain.SequenceGapError, error) {
	st.admitMu.Lock()
	defer st.admitMu.Unlock()

	if st.isClosed() {
		return nil, ErrStreamClosed
	}

	switch {
	case ev.Session > st.session:
		st.session = ev.Session
		st.resetLocked()
	case ev.Session < st.session:
		st.duplicates++
		st.metrics.RecordDuplicate()
		st.logger.Debug("Dropped event from previous session", slog.Uint64("seq", ev.Seq), slog.Uint64("session", ev.Session))
		return nil, nil
	}

	if !st.hasBaseline {
		st.hasBaseline = true
		st.release(ev)
		return nil, nil
	}

	if _, buffered := st.pending[ev.Seq]; ev.Seq <= st.lastReleased || buffered {
		st.duplicates++
		st.metrics.RecordDuplicate()
		st.logger.Debug("Dropped duplicate event", slog.Uint64("seq", ev.Seq), slog.Uint64("last", st.lastReleased))
		return nil, nil
	}

	if ev.Seq == st.lastReleased+1 {
		st.release(ev)
		st.releaseConsecutive()
		return nil, nil
	}

	st.pending[ev.Seq] = ev
	lowest := st.lowestPending()
	missing := lowest - st.lastReleased - 1
	if missing <= st.cfg.GapTolerance && uint64(len(st.pending)) <= st.cfg.GapTolerance {
		return nil, nil
	}

	gap := &domain.SequenceGapError{Instrument: st.instrument, Expected: st.lastReleased + 1, Got: lowest}
	st.gaps++
	st.metrics.RecordGap()
	st.logger.Warn("Sequence gap detected, resynchronizing",
		slog.Uint64("expected", gap.Expected),
		slog.Uint64("got", gap.Got),
		slog.Int("buffered", len(st.pending)),
	)
	st.flushPending()
	return gap, nil
}

func (st *InstrumentStream) lowestPending() uint64 {
	var lowest uint64
	for seq := range st.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

func (st *InstrumentStream) releaseConsecutive() {
	for {
		next, ok := st.pending[st.lastReleased+1]
		if !ok {
			return
		}
		delete(st.pending, next.Seq)
		st.release(next)
	}
}

// flushPending releases every buffered event in order, skipping the holes.
func (st *InstrumentStream) flushPending() {
	seqs := make([]uint64, 0, len(st.pending))
	for seq := range st.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		ev := st.pending[seq]
		delete(st.pending, seq)
		st.release(ev)
	}
}

func (st *InstrumentStream) release(ev domain.MarketEvent) {
	st.lastReleased = ev.Seq
	st.push(ev)
}

// push appends to the delivery queue, waiting up to BackpressureWait for room
// and dropping the oldest queued event if none appears.
func (st *InstrumentStream) push(ev domain.MarketEvent) {
	st.mu.Lock()
	if st.size == len(st.ring) && st.cfg.BackpressureWait > 0 && !st.closed {
		timer := time.NewTimer(st.cfg.BackpressureWait)
		for st.size == len(st.ring) && !st.closed {
			st.mu.Unlock()
			expired := false
			select {
			case <-st.spaceCh:
			case <-st.closedCh:
			case <-timer.C:
				expired = true
			}
			st.mu.Lock()
			if expired {
				break
			}
		}
		timer.Stop()
	}
	if st.closed {
		st.mu.Unlock()
		return
	}

	if st.size == len(st.ring) {
		oldest := st.ring[st.head]
		st.ring[st.head] = domain.MarketEvent{}
		st.head = (st.head + 1) % len(st.ring)
		st.size--
		st.dropped++
		st.metrics.RecordBackpressureDrop()
		st.logger.Warn("Backpressure: dropped oldest event",
			slog.Uint64("dropped_seq", oldest.Seq),
			slog.Int("threshold", len(st.ring)),
		)
	}
	st.ring[(st.head+st.size)%len(st.ring)] = ev
	st.size++
	st.mu.Unlock()

	select {
	case st.dataCh <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. It returns ctx.Err() on cancellation and
// ErrStreamClosed once the stream is closed and empty.
func (st *InstrumentStream) Next(ctx context.Context) (domain.MarketEvent, error) {
	for {
		st.mu.Lock()
		if st.size > 0 {
			ev := st.ring[st.head]
			st.ring[st.head] = domain.MarketEvent{}
			st.head = (st.head + 1) % len(st.ring)
			st.size--
			st.delivered++
			st.mu.Unlock()

			select {
			case st.spaceCh <- struct{}{}:
			default:
			}
			return ev, nil
		}
		closed := st.closed
		st.mu.Unlock()
		if closed {
			return domain.MarketEvent{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return domain.MarketEvent{}, ctx.Err()
		case <-st.dataCh:
		case <-st.closedCh:
		}
	}
}

func (st *InstrumentStream) reset() {
	st.admitMu.Lock()
	st.resetLocked()
	st.admitMu.Unlock()
}

func (st *InstrumentStream) resetLocked() {
	if n := len(st.pending); n > 0 {
		st.logger.Info("Discarding reorder buffer on reset", slog.Int("buffered", n))
	}
	st.hasBaseline = false
	st.lastReleased = 0
	clear(st.pending)
}

func (st *InstrumentStream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.closedCh)
}

func (st *InstrumentStream) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Stats returns a copy of the stream counters.
func (st *InstrumentStream) Stats() StreamStats {
	st.admitMu.Lock()
	stats := StreamStats{
		LastSeq:    st.lastReleased,
		Buffered:   len(st.pending),
		Duplicates: st.duplicates,
		Gaps:       st.gaps,
	}
	st.admitMu.Unlock()

	st.mu.Lock()
	stats.Queued = st.size
	stats.Delivered = st.delivered
	stats.Dropped = st.dropped
	st.mu.Unlock()
	return stats
}
