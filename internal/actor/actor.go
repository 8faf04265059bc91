package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rabbitlink/command"
	"github.com/glimte/rabbitlink/internal/metrics"
	"github.com/glimte/rabbitlink/internal/rabbitmq"
)

const (
	tracerName        = "github.com/glimte/rabbitlink/internal/actor"
	consumerTagPrefix = "rabbitlink-"

	// how long a failed stream waits for the broker to report why it closed
	closeCauseWait = 250 * time.Millisecond
)

var (
	ErrStopped               = errors.New("actor: stopped")
	ErrAlreadyStarted        = errors.New("actor: already started")
	ErrStreamClosed          = errors.New("actor: delivery stream closed")
	ErrDuplicateSubscription = errors.New("actor: queue already has a subscription")
	ErrUnknownSubscription   = errors.New("actor: no subscription for queue")
)

// Broker is the connection an actor drives. *rabbitmq.Connection satisfies it.
type Broker interface {
	DeclareExchange(ctx context.Context, cmd command.DeclareExchange) error
	Publish(ctx context.Context, cmd command.PublishMessage) error
	Subscribe(ctx context.Context, cmd command.StartConsuming, consumerTag string) (<-chan amqp.Delivery, error)
	Unsubscribe(ctx context.Context, consumerTag string) error
	CloseError() error
	// CloseNotify is closed once CloseError has a reason to report
	CloseNotify() <-chan struct{}
	Close() error
}

// Option configures an Actor
type Option func(*Actor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Actor) {
		a.logger = logger
	}
}

// WithMetrics records actor activity into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Actor) {
		a.metrics = m
	}
}

// WithDeliveryHandler replaces the default logging handler
func WithDeliveryHandler(handler DeliveryHandler) Option {
	return func(a *Actor) {
		a.handler = handler
	}
}

// WithTracerProvider sets the tracer provider used for delivery spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Actor) {
		a.tracer = tp.Tracer(tracerName)
	}
}

func withTicker(newTicker func(time.Duration) (<-chan time.Time, func())) Option {
	return func(a *Actor) {
		a.newTicker = newTicker
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type subscription struct {
	id          uuid.UUID
	consumerTag string
	cmd         command.StartConsuming
	// closed by the loop once StopConsuming has been accepted
	stopped chan struct{}
}

// Actor owns one broker connection and serializes every operation on it
// through a single mailbox. Commands, heartbeat ticks and deliveries are
// handled one at a time in arrival order.
type Actor struct {
	cfg       Config
	broker    Broker
	handler   DeliveryHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newTicker func(time.Duration) (<-chan time.Time, func())

	mailbox chan envelope
	// closed once Start has queued the bootstrap topology
	ready    chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	state    atomic.Int32
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	topoMu   sync.Mutex
	topology Topology
	// queues whose subscription was ended by StopConsuming
	stoppedQueues map[string]bool

	// owned by the loop goroutine
	subs       map[string]*subscription
	activeSubs atomic.Int32
}

// New creates an actor around an already connected broker. The actor takes
// ownership of the broker and closes it when it stops.
func New(broker Broker, cfg Config, options ...Option) *Actor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}

	a := &Actor{
		cfg:       cfg,
		broker:    broker,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		newTicker: realTicker,
		mailbox:   make(chan envelope, cfg.MailboxSize),
		ready:     make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[string]*subscription),

		stoppedQueues: make(map[string]bool),
	}

	for _, opt := range options {
		opt(a)
	}

	if a.handler == nil {
		a.handler = LogHandler(a.logger)
	}

	a.setState(StateStarting)
	return a
}

// Start launches the mailbox loop, schedules the configured exchange
// declarations followed by the configured subscriptions and then starts the
// heartbeat timer. Commands sent before Start are held until the bootstrap
// topology is queued, so they always run after it.
func (a *Actor) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		if a.stopRequested() {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	heartbeat := a.cfg.Heartbeat.Interval > 0
	if heartbeat {
		a.wg.Add(1)
	}
	go a.run()

	err := a.enqueueBootstrap()
	if heartbeat {
		go a.runHeartbeat()
	}
	if err != nil {
		return err
	}
	close(a.ready)

	if a.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		a.metrics.SetActorState(int(StateRunning))
		a.logger.Info("connection actor running",
			"exchanges", len(a.cfg.Topology.Exchanges),
			"subscriptions", len(a.cfg.Topology.Subscriptions))
	}
	return nil
}

// Tell validates cmd and places it in the mailbox without waiting for it to
// be handled.
func (a *Actor) Tell(ctx context.Context, cmd command.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := a.awaitStart(ctx); err != nil {
		return err
	}
	return a.enqueue(ctx, commandEnvelope(cmd, nil))
}

// Ask places cmd in the mailbox and waits for its outcome. Operation errors
// are returned to the caller and leave the actor running. If the actor stops
// before the command completes, Ask returns ErrStopped.
func (a *Actor) Ask(ctx context.Context, cmd command.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	if err := a.awaitStart(ctx); err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := a.enqueue(ctx, commandEnvelope(cmd, reply)); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop requests shutdown. Handling of the current item completes, everything
// still queued is dropped and the connection is closed. Stop does not wait;
// use Done for that.
func (a *Actor) Stop() {
	a.requestStop()
	if a.started.CompareAndSwap(false, true) {
		a.finish()
	}
}

// Done is closed once the actor has fully stopped
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Err returns the failure that stopped the actor, or nil after a requested stop
func (a *Actor) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Actor) State() State {
	return State(a.state.Load())
}

// ActiveSubscriptions returns how many subscriptions are consuming
func (a *Actor) ActiveSubscriptions() int {
	return int(a.activeSubs.Load())
}

// ConnectionError reports why the broker connection closed, if it has
func (a *Actor) ConnectionError() error {
	return a.broker.CloseError()
}

// Topology returns the exchanges declared and subscriptions started so far,
// minus subscriptions that were stopped.
func (a *Actor) Topology() Topology {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	return Topology{
		Exchanges:     append([]command.DeclareExchange(nil), a.topology.Exchanges...),
		Subscriptions: append([]command.StartConsuming(nil), a.topology.Subscriptions...),
	}
}

// StoppedQueues returns the queues whose subscription was ended with
// StopConsuming and not started again.
func (a *Actor) StoppedQueues() []string {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	queues := make([]string, 0, len(a.stoppedQueues))
	for q := range a.stoppedQueues {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

func (a *Actor) enqueueBootstrap() error {
	for _, ex := range a.cfg.Topology.Exchanges {
		if err := a.enqueue(context.Background(), commandEnvelope(ex, nil)); err != nil {
			return err
		}
	}
	for _, sub := range a.cfg.Topology.Subscriptions {
		if err := a.enqueue(context.Background(), commandEnvelope(sub, nil)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actor) awaitStart(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-a.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) enqueue(ctx context.Context, env envelope) error {
	if a.stopRequested() {
		return ErrStopped
	}

	select {
	case a.mailbox <- env:
		a.metrics.SetMailboxDepth(len(a.mailbox))
		return nil
	case <-a.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer a.finish()

	for {
		// a pending stop wins over queued work
		select {
		case <-a.stopCh:
			return
		default:
		}

		select {
		case <-a.stopCh:
			return
		case env := <-a.mailbox:
			a.metrics.SetMailboxDepth(len(a.mailbox))
			a.handle(env)
		}
	}
}

func (a *Actor) handle(env envelope) {
	ctx, cancel := a.operationContext()
	defer cancel()

	switch env.kind {
	case kindCommand:
		err := a.handleCommand(ctx, env.cmd)
		fatal := rabbitmq.IsConnectionError(err)
		if env.reply != nil && (fatal || !a.stopRequested()) {
			env.reply <- err
		}
		if fatal {
			a.fail(err)
		}
	case kindDelivery:
		a.handleDelivery(ctx, env.sub, env.delivery)
	case kindStreamFailure:
		err := fmt.Errorf("%w: queue %s", ErrStreamClosed, env.sub.cmd.Queue)
		if env.err != nil {
			err = fmt.Errorf("%w: %w", err, env.err)
		}
		a.fail(err)
	}
}

func (a *Actor) operationContext() (context.Context, context.CancelFunc) {
	if a.cfg.OperationTimeout > 0 {
		return context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
	}
	return context.WithCancel(context.Background())
}

func (a *Actor) handleCommand(ctx context.Context, cmd command.Command) error {
	var err error

	switch cmd := cmd.(type) {
	case command.DeclareExchange:
		a.logger.Info("declaring exchange", "exchange", cmd.Name, "kind", cmd.Kind.String())
		err = a.broker.DeclareExchange(ctx, cmd)
		if err == nil {
			a.recordExchange(cmd)
		}
	case command.PublishMessage:
		a.logger.Debug("publishing message",
			"exchange", cmd.Exchange,
			"routingKey", cmd.RoutingKey,
			"size", len(cmd.Payload))
		err = a.broker.Publish(ctx, cmd)
	case command.StartConsuming:
		err = a.startConsuming(ctx, cmd)
	case command.StopConsuming:
		err = a.stopConsuming(ctx, cmd)
	default:
		err = fmt.Errorf("%w: unsupported command %T", command.ErrInvalidCommand, cmd)
	}

	if err != nil {
		a.metrics.IncCommand(cmd.CommandName(), "error")
		a.logger.Error("command failed", "command", cmd.CommandName(), "error", err)
		return err
	}
	a.metrics.IncCommand(cmd.CommandName(), "success")
	return nil
}

func (a *Actor) startConsuming(ctx context.Context, cmd command.StartConsuming) error {
	if _, ok := a.subs[cmd.Queue]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, cmd.Queue)
	}

	id := uuid.New()
	sub := &subscription{
		id:          id,
		consumerTag: consumerTagPrefix + id.String(),
		cmd:         cmd,
		stopped:     make(chan struct{}),
	}

	deliveries, err := a.broker.Subscribe(ctx, cmd, sub.consumerTag)
	if err != nil {
		return err
	}

	a.subs[cmd.Queue] = sub
	a.recordSubscription(cmd)
	a.activeSubs.Store(int32(len(a.subs)))
	a.metrics.SetActiveSubscriptions(len(a.subs))

	a.wg.Add(1)
	go a.bridge(sub, deliveries)

	a.logger.Info("consuming",
		"queue", cmd.Queue,
		"exchange", cmd.Exchange,
		"bindingKey", cmd.BindingKey,
		"consumerTag", sub.consumerTag)
	return nil
}

func (a *Actor) stopConsuming(ctx context.Context, cmd command.StopConsuming) error {
	sub, ok := a.subs[cmd.Queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, cmd.Queue)
	}

	close(sub.stopped)
	delete(a.subs, cmd.Queue)
	a.forgetSubscription(cmd.Queue)
	a.activeSubs.Store(int32(len(a.subs)))
	a.metrics.SetActiveSubscriptions(len(a.subs))

	a.logger.Info("stopping consumer", "queue", cmd.Queue, "consumerTag", sub.consumerTag)
	return a.broker.Unsubscribe(ctx, sub.consumerTag)
}

func (a *Actor) recordExchange(cmd command.DeclareExchange) {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	for i, ex := range a.topology.Exchanges {
		if ex.Name == cmd.Name {
			a.topology.Exchanges[i] = cmd
			return
		}
	}
	a.topology.Exchanges = append(a.topology.Exchanges, cmd)
}

func (a *Actor) recordSubscription(cmd command.StartConsuming) {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	a.topology.Subscriptions = append(a.topology.Subscriptions, cmd)
	delete(a.stoppedQueues, cmd.Queue)
}

func (a *Actor) forgetSubscription(queue string) {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	subs := a.topology.Subscriptions[:0]
	for _, s := range a.topology.Subscriptions {
		if s.Queue != queue {
			subs = append(subs, s)
		}
	}
	a.topology.Subscriptions = subs
	a.stoppedQueues[queue] = true
}

func (a *Actor) runHeartbeat() {
	defer a.wg.Done()

	ticks, stop := a.newTicker(a.cfg.Heartbeat.Interval)
	defer stop()

	beat := command.PublishMessage{
		Exchange:   a.cfg.Heartbeat.Exchange,
		RoutingKey: a.cfg.Heartbeat.RoutingKey,
		Payload:    a.cfg.Heartbeat.Payload,
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticks:
			if err := a.enqueue(context.Background(), commandEnvelope(beat, nil)); err != nil {
				return
			}
			a.metrics.IncHeartbeat()
		}
	}
}

func (a *Actor) fail(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()

	a.logger.Error("connection actor failed", "error", err)
	a.requestStop()
}

func (a *Actor) requestStop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.setState(StateStopping)
	})
}

func (a *Actor) stopRequested() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// finish runs once, on the loop goroutine, after the loop has exited
func (a *Actor) finish() {
	a.requestStop()
	a.wg.Wait()

	if dropped := len(a.mailbox); dropped > 0 {
		a.logger.Debug("dropping queued items", "count", dropped)
	}

	if err := a.broker.Close(); err != nil {
		a.logger.Warn("failed to close connection", "error", err)
	}

	a.activeSubs.Store(0)
	a.metrics.SetActiveSubscriptions(0)
	a.setState(StateStopped)
	a.logger.Info("connection actor stopped")
	close(a.done)
}

func (a *Actor) setState(s State) {
	a.state.Store(int32(s))
	a.metrics.SetActorState(int(s))
}
