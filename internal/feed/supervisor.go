// Package feed keeps one market-data session alive: connect, subscribe, heartbeat,
// reconnect with backoff, and escalate when reconnecting stops working.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/infra"

	"golang.org/x/sync/errgroup"
)

// Session is one connection to the feed. Connect may be called again after Close.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, instruments []string) error
	// Read blocks for the next inbound message. Any error means the connection is gone.
	Read(ctx context.Context) ([]byte, error)
	Heartbeat(ctx context.Context) error
	// Close must unblock a pending Read and be safe to call more than once.
	Close() error
}

// Handler receives every inbound message together with the session number that carried it.
// Session numbers start at 1 and grow by one per successful connect.
type Handler func(session uint64, raw []byte)

// Metrics receives connection counters.
type Metrics interface {
	RecordReconnect()
	RecordHeartbeatMiss()
	SetConnectionStatus(status int32)
}

type nopMetrics struct{}

func (nopMetrics) RecordReconnect()          {}
func (nopMetrics) RecordHeartbeatMiss()      {}
func (nopMetrics) SetConnectionStatus(int32) {}

// Config tunes the supervisor.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
}

// Deps are optional collaborators.
type Deps struct {
	// OnReconnect runs after a reconnect has resubscribed and before the new session's
	// first message is handled. The sequencer reset goes here.
	OnReconnect func()
	Alerter     domain.Alerter
	Metrics     Metrics
}

// Supervisor owns the connection state. Other components get copies through State.
type Supervisor struct {
	cfg         Config
	session     Session
	handler     Handler
	onReconnect func()
	alerter     domain.Alerter
	metrics     Metrics
	backoff     infra.Backoff
	logger      *slog.Logger

	mu       sync.RWMutex
	state    domain.ConnectionState
	err      error
	lastSeen atomic.Int64 // unix nanos of the last inbound message

	resync chan string
	done   chan struct{}
	cancel context.CancelFunc // set once by Start, guarded by mu
}

// NewSupervisor creates a supervisor for session. handler must not be nil.
func NewSupervisor(cfg Config, session Session, handler Handler, deps Deps) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	s := &Supervisor{
		cfg:         cfg,
		session:     session,
		handler:     handler,
		onReconnect: deps.OnReconnect,
		alerter:     deps.Alerter,
		metrics:     deps.Metrics,
		backoff:     infra.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: true},
		logger:      slog.Default().With("module", "feed"),
		resync:      make(chan string, 64),
		done:        make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.onReconnect == nil {
		s.onReconnect = func() {}
	}
	return s
}

// Start connects in the background and keeps the session alive until Stop or ctx ends.
func (s *Supervisor) Start(ctx context.Context, instruments []string) error {
	if len(instruments) == 0 {
		return &domain.ConfigError{Field: "feed.instruments", Err: errors.New("no instruments to subscribe")}
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state.Instruments = append([]string(nil), instruments...)
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop closes the session and waits for the supervisor to exit.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when the supervisor exits, after Stop or on a fatal error.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that stopped the supervisor, nil after a normal Stop.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// State returns a copy of the connection state.
func (s *Supervisor) State() domain.ConnectionState {
	s.mu.RLock()
	st := s.state
	st.Instruments = append([]string(nil), s.state.Instruments...)
	s.mu.RUnlock()
	if ns := s.lastSeen.Load(); ns > 0 {
		st.LastHeartbeat = time.Unix(0, ns)
	}
	return st
}

// RequestResync asks for instrument to be resubscribed on the live session.
// It never blocks; requests beyond the queue are dropped since the next one has the same effect.
func (s *Supervisor) RequestResync(instrument string) {
	select {
	case s.resync <- instrument:
	default:
		s.logger.Warn("Resync request dropped", slog.String("instrument", instrument))
	}
}

func (s *Supervisor) setStatus(status domain.ConnectionStatus, attempt int) {
	s.mu.Lock()
	prev := s.state.Status
	s.state.Status = status
	s.state.Attempt = attempt
	s.mu.Unlock()

	s.metrics.SetConnectionStatus(int32(status))
	if prev != status {
		s.logger.Info("Connection state changed",
			slog.String("from", prev.String()),
			slog.String("to", status.String()),
			slog.Int("attempt", attempt),
		)
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.setStatus(domain.StatusDisconnected, 0)

	failures := 0
	var sessions uint64
	for {
		if ctx.Err() != nil {
			return
		}
		s.setStatus(domain.StatusConnecting, failures)

		err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = s.session.Close()
			failures++
			s.logger.Warn("Feed connect failed", slog.Int("attempt", failures), slog.Any("error", err))

			if isFatal(err) {
				s.fail(fmt.Errorf("feed connect: %w", err))
				return
			}
			if failures >= s.cfg.MaxReconnectAttempts {
				s.fail(fmt.Errorf("%w after %d attempts: %v", domain.ErrReconnectExhausted, failures, err))
				return
			}
			s.setStatus(domain.StatusDegraded, failures)
			if !s.sleep(ctx, s.backoff.Delay(failures-1)) {
				return
			}
			continue
		}

		sessions++
		if sessions > 1 {
			s.metrics.RecordReconnect()
			s.onReconnect()
		}
		failures = 0
		s.mu.Lock()
		s.state.Sessions = sessions
		s.mu.Unlock()
		s.lastSeen.Store(time.Now().UnixNano())
		s.setStatus(domain.StatusSubscribed, 0)

		err = s.serve(ctx, sessions)
		_ = s.session.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Feed session lost", slog.Uint64("session", sessions), slog.Any("error", err))
		s.setStatus(domain.StatusDegraded, 0)
		if !s.sleep(ctx, s.backoff.Delay(0)) {
			return
		}
	}
}

// connect dials and subscribes the full instrument set.
func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.session.Connect(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	instruments := append([]string(nil), s.state.Instruments...)
	s.mu.RUnlock()
	if err := s.session.Subscribe(ctx, instruments); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// serve reads until the session fails, the heartbeat times out or ctx ends.
func (s *Supervisor) serve(ctx context.Context, session uint64) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			raw, err := s.session.Read(gctx)
			if err != nil {
				return err
			}
			s.lastSeen.Store(time.Now().UnixNano())
			s.handler(session, raw)
		}
	})

	g.Go(func() error {
		ping := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ping.Stop()
		watch := time.NewTicker(watchdogPeriod(s.cfg.HeartbeatTimeout))
		defer watch.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ping.C:
				if err := s.session.Heartbeat(gctx); err != nil {
					return fmt.Errorf("heartbeat: %w", err)
				}
			case <-watch.C:
				silent := time.Since(time.Unix(0, s.lastSeen.Load()))
				if silent > s.cfg.HeartbeatTimeout {
					s.metrics.RecordHeartbeatMiss()
					return fmt.Errorf("%w: silent for %s", domain.ErrHeartbeatTimeout, silent.Round(time.Millisecond))
				}
			case inst := <-s.resync:
				if err := s.session.Subscribe(gctx, []string{inst}); err != nil {
					return fmt.Errorf("resubscribe %s: %w", inst, err)
				}
				s.logger.Info("Instrument resubscribed", slog.String("instrument", inst))
			}
		}
	})

	// Read may only return once the connection is closed.
	g.Go(func() error {
		<-gctx.Done()
		_ = s.session.Close()
		return nil
	})

	return g.Wait()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error("Feed supervisor giving up", slog.Any("error", err))
	if s.alerter != nil {
		s.alerter.Alert(context.Background(), domain.NewAlert(domain.AlertReconnectExhausted, "", "", err.Error()))
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func watchdogPeriod(timeout time.Duration) time.Duration {
	p := timeout / 4
	if p < time.Millisecond {
		p = time.Millisecond
	}
	return p
}

// isFatal reports errors that explicitly say retrying cannot help, such as a refused login.
func isFatal(err error) bool {
	var re domain.RetriableError
	return errors.As(err, &re) && !re.IsRetriable()
}
