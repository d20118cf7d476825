package agent

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

// Status is the supervisor's observable connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusIdle         Status = "idle"
)

// delay between channel open and counting the connection as settled.
// the relay may close immediately after accepting (auth post-check,
// duplicate client); failures inside this window still count against
// the backoff counter.
const _settle_delay = 500 * time.Millisecond

// backoff delays are capped at this many seconds.
const _max_backoff_seconds = 600

// Supervisor runs the connection state machine: connecting, connected,
// disconnected, and the idle sub-mode. it owns at most one of
// {tunnel session, idle notifier} at a time and never terminates on
// its own; it runs until the context is cancelled.
type Supervisor struct {
	cfg       *Config
	proxyDial DialFunc
	log       zerolog.Logger

	settleDelay time.Duration
	idleTimeout time.Duration

	dial        func(ctx context.Context, cfg *Config, dial DialFunc, log zerolog.Logger) (*Session, error)
	newNotifier func(desc protocol.IdleDescriptor, names []string, log zerolog.Logger) *IdleNotifier

	statusCh chan Status
	mu       sync.Mutex
	last     Status
	retries  int
}

// NewSupervisor creates a supervisor for the given validated config.
func NewSupervisor(cfg *Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		proxyDial:   ProxyDial(cfg.Proxy()),
		log:         log,
		settleDelay: _settle_delay,
		idleTimeout: _default_idle_timeout,
		dial:        DialSession,
		newNotifier: NewIdleNotifier,
		statusCh:    make(chan Status, 16),
		retries:     1,
	}
}

// Status streams coalesced state transitions; duplicates are never
// re-emitted.
func (s *Supervisor) Status() <-chan Status {
	return s.statusCh
}

// Run drives the state machine until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s._set_status(StatusConnecting)

		idleDesc, err := s._run_session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if idleDesc != nil {
			s._set_status(StatusIdle)
			s._run_idle(ctx, *idleDesc)
			continue
		}

		s._set_status(StatusDisconnected)
		s.mu.Lock()
		delay := BackoffDelay(s.retries)
		s.retries++
		s.mu.Unlock()
		s.log.Warn().Err(err).Dur("delay", delay).Msg("tunnel disconnected, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// _run_session owns one tunnel session from dial to teardown. returns
// a non-nil descriptor when the relay sent go-idle, the session error
// otherwise.
func (s *Supervisor) _run_session(ctx context.Context) (*protocol.IdleDescriptor, error) {
	session, err := s.dial(ctx, s.cfg, s.proxyDial, s.log.With().Str("component", "session").Logger())
	if err != nil {
		return nil, err
	}
	defer session.Close()

	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	dispatcher := NewDispatcher(s.cfg, session.Send, s.log.With().Str("component", "dispatch").Logger())
	idleCh := make(chan protocol.IdleDescriptor, 1)
	registry := NewRegistry(
		s.log.With().Str("component", "registry").Logger(),
		func(pr *PerRequest) { dispatcher.Handle(reqCtx, pr) },
		func(desc protocol.IdleDescriptor) {
			select {
			case idleCh <- desc:
			default:
			}
		},
	)

	sessErr := make(chan error, 1)
	go func() { sessErr <- session.Run(registry) }()

	settle := time.NewTimer(s.settleDelay)
	defer settle.Stop()

	for {
		select {
		case <-settle.C:
			s.mu.Lock()
			s.retries = 1
			s.mu.Unlock()
			s._set_status(StatusConnected)
		case desc := <-idleCh:
			session.Close()
			<-sessErr
			return &desc, nil
		case err := <-sessErr:
			return nil, err
		case <-ctx.Done():
			session.Close()
			<-sessErr
			return nil, ctx.Err()
		}
	}
}

// _run_idle parks on the idle notifier until wake-up. notifier errors
// other than cancellation are logged and treated as a wake-up.
func (s *Supervisor) _run_idle(ctx context.Context, desc protocol.IdleDescriptor) {
	notifier := s.newNotifier(desc, s.cfg.RemoteNames(), s.log.With().Str("component", "idle").Logger())
	notifier.timeout = s.idleTimeout
	if err := notifier.Wait(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("idle watch failed, reconnecting")
	}
}

// _retry_count reads the current retry counter.
func (s *Supervisor) _retry_count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// _set_status records and emits a state transition, coalescing
// duplicates.
func (s *Supervisor) _set_status(st Status) {
	s.mu.Lock()
	if s.last == st {
		s.mu.Unlock()
		return
	}
	s.last = st
	s.mu.Unlock()
	select {
	case s.statusCh <- st:
	default:
		s.log.Trace().Str("status", string(st)).Msg("status listener lagging, dropped")
	}
}

// BackoffDelay returns the k-th reconnect delay for retry counter n:
// min(600, round(1.8^(n-1))) seconds.
func BackoffDelay(retry int) time.Duration {
	secs := math.Round(math.Pow(1.8, float64(retry-1)))
	if secs > _max_backoff_seconds {
		secs = _max_backoff_seconds
	}
	return time.Duration(secs) * time.Second
}
