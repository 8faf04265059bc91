package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitlink/command"
	"github.com/glimte/rabbitlink/internal/metrics"
	"github.com/glimte/rabbitlink/internal/reliability"
)

// ErrUnavailable is returned while no actor is running, for example during
// a reconnect.
var ErrUnavailable = errors.New("actor: no running connection")

// Dialer opens a new broker connection
type Dialer func(ctx context.Context) (Broker, error)

// Status is a snapshot of the supervised actor
type Status struct {
	State               State
	ActiveSubscriptions int
	ConnectionError     error
	LastError           error
	Reconnects          int
}

// Supervisor keeps a connection actor alive. When the actor stops on a
// failure it redials with backoff and starts a replacement that restores
// every exchange and subscription the failed actor had in place. Queues the
// failed actor stopped with StopConsuming are not resubscribed, even when
// they are part of the configured topology.
type Supervisor struct {
	dial         Dialer
	cfg          Config
	actorOptions []Option
	policy       reliability.RetryPolicy
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu         sync.RWMutex
	current    *Actor
	lastErr    error
	reconnects int

	ready     chan struct{}
	readyOnce sync.Once
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithRetryPolicy sets the backoff used between redials
func WithRetryPolicy(policy reliability.RetryPolicy) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithActorOptions passes options to every actor the supervisor starts
func WithActorOptions(options ...Option) SupervisorOption {
	return func(s *Supervisor) {
		s.actorOptions = append(s.actorOptions, options...)
	}
}

func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

func WithSupervisorMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// NewSupervisor creates a supervisor. Nothing is dialed until Run.
func NewSupervisor(dial Dialer, cfg Config, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dial:   dial,
		cfg:    cfg,
		policy: reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 0),
		logger: slog.Default(),
		ready:  make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Run dials, starts the actor and supervises it until ctx is cancelled or
// the actor is stopped on request. A failure to establish the first
// connection is returned as is; later failures are retried per the policy.
func (s *Supervisor) Run(ctx context.Context) error {
	broker, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("initial connection: %w", err)
	}

	topology := s.cfg.Topology
	for {
		cfg := s.cfg
		cfg.Topology = topology

		act := New(broker, cfg, s.actorOptions...)
		if err := act.Start(); err != nil {
			act.Stop()
			<-act.Done()
			return err
		}
		s.setCurrent(act)

		select {
		case <-ctx.Done():
			act.Stop()
			<-act.Done()
			return nil
		case <-act.Done():
		}

		cause := act.Err()
		if cause == nil {
			return nil
		}
		s.setLastError(cause)

		topology = topology.Merge(act.Topology()).WithoutQueues(act.StoppedQueues()...)
		s.logger.Warn("connection actor stopped, reconnecting", "error", cause)

		err := reliability.Retry(ctx, s.policy, func(attempt int) error {
			b, err := s.dial(ctx)
			if err != nil {
				s.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
				return err
			}
			broker = b
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconnect: %w", err)
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		s.metrics.IncReconnect()
		s.logger.Info("reconnected",
			"exchanges", len(topology.Exchanges),
			"subscriptions", len(topology.Subscriptions))
	}
}

// Ready is closed once the first actor is running
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Tell forwards cmd to the running actor
func (s *Supervisor) Tell(ctx context.Context, cmd command.Command) error {
	act, err := s.running()
	if err != nil {
		return err
	}
	return act.Tell(ctx, cmd)
}

// Ask forwards cmd to the running actor and waits for its outcome
func (s *Supervisor) Ask(ctx context.Context, cmd command.Command) error {
	act, err := s.running()
	if err != nil {
		return err
	}
	return act.Ask(ctx, cmd)
}

// Status reports on the current actor
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:      StateStarting,
		LastError:  s.lastErr,
		Reconnects: s.reconnects,
	}
	if s.current != nil {
		st.State = s.current.State()
		st.ActiveSubscriptions = s.current.ActiveSubscriptions()
		st.ConnectionError = s.current.ConnectionError()
	}
	return st
}

func (s *Supervisor) running() (*Actor, error) {
	s.mu.RLock()
	act := s.current
	s.mu.RUnlock()

	if act == nil {
		return nil, ErrUnavailable
	}
	select {
	case <-act.Done():
		return nil, ErrUnavailable
	default:
		return act, nil
	}
}

func (s *Supervisor) setCurrent(act *Actor) {
	s.mu.Lock()
	s.current = act
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
