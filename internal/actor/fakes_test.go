package actor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/rabbitlink/command"
)

// fakeBroker records every call in order. Acks on deliveries it produces are
// recorded in the same log.
type fakeBroker struct {
	mu    sync.Mutex
	calls []string

	declareErr   map[string]error
	publishErr   error
	subscribeErr error
	ackErr       error
	closeErr     error
	closeNotify  chan struct{}

	// a publish of payload "block" signals publishHeld, then waits on
	// publishGate when the gate is set
	publishGate chan struct{}
	publishHeld chan struct{}

	// streams is keyed by queue, tags maps consumer tag to queue
	streams map[string]chan amqp.Delivery
	tags    map[string]string
	closed  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		declareErr:  make(map[string]error),
		closeNotify: make(chan struct{}),
		streams:     make(map[string]chan amqp.Delivery),
		tags:        make(map[string]string),
	}
}

func (b *fakeBroker) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBroker) DeclareExchange(_ context.Context, cmd command.DeclareExchange) error {
	b.record("declare:" + cmd.Name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declareErr[cmd.Name]
}

func (b *fakeBroker) Publish(_ context.Context, cmd command.PublishMessage) error {
	b.record(fmt.Sprintf("publish:%s:%s:%s", cmd.Exchange, cmd.RoutingKey, cmd.Payload))
	if b.publishGate != nil && string(cmd.Payload) == "block" {
		b.publishHeld <- struct{}{}
		<-b.publishGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishErr
}

func (b *fakeBroker) Subscribe(_ context.Context, cmd command.StartConsuming, consumerTag string) (<-chan amqp.Delivery, error) {
	b.record("subscribe:" + cmd.Queue)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	stream := make(chan amqp.Delivery, 16)
	b.streams[cmd.Queue] = stream
	b.tags[consumerTag] = cmd.Queue
	return stream, nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, consumerTag string) error {
	b.record("unsubscribe:" + consumerTag)
	b.mu.Lock()
	defer b.mu.Unlock()
	// cancelling a consumer closes its delivery channel
	queue := b.tags[consumerTag]
	if stream, ok := b.streams[queue]; ok {
		close(stream)
		delete(b.streams, queue)
	}
	return nil
}

func (b *fakeBroker) CloseError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}

func (b *fakeBroker) CloseNotify() <-chan struct{} {
	return b.closeNotify
}

func (b *fakeBroker) Close() error {
	b.record("close")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBroker) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBroker) hasStream(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[queue]
	return ok
}

// deliver pushes a message onto the stream for queue
func (b *fakeBroker) deliver(queue string, tag uint64, body []byte) {
	b.mu.Lock()
	stream := b.streams[queue]
	b.mu.Unlock()

	stream <- amqp.Delivery{
		Acknowledger: &recordingAcker{broker: b},
		DeliveryTag:  tag,
		Exchange:     DefaultExchange,
		RoutingKey:   DefaultRoutingKey,
		Body:         body,
	}
}

// deliverWith pushes a message whose acknowledgements go to acker
func (b *fakeBroker) deliverWith(queue string, tag uint64, body []byte, acker amqp.Acknowledger) {
	b.mu.Lock()
	stream := b.streams[queue]
	b.mu.Unlock()

	stream <- amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, Body: body}
}

// dropStream closes the stream for queue as a broker would on channel loss
func (b *fakeBroker) dropStream(queue string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCloseErr(cause)
	close(b.streams[queue])
	delete(b.streams, queue)
}

// dropStreamBeforeCause closes the stream for queue and records cause only
// after delay, the way a close notification can trail the stream ending
func (b *fakeBroker) dropStreamBeforeCause(queue string, cause error, delay time.Duration) {
	b.mu.Lock()
	close(b.streams[queue])
	delete(b.streams, queue)
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.setCloseErr(cause)
	})
}

// setCloseErr must be called with mu held
func (b *fakeBroker) setCloseErr(cause error) {
	if b.closeErr == nil {
		b.closeErr = cause
		close(b.closeNotify)
	}
}

type recordingAcker struct {
	broker *fakeBroker
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.broker.record(fmt.Sprintf("ack:%d", tag))
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	return a.broker.ackErr
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.broker.record(fmt.Sprintf("nack:%d", tag))
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	a.broker.record(fmt.Sprintf("reject:%d", tag))
	return nil
}

// mockAcknowledger is a testify mock of amqp.Acknowledger
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// manualTicker lets a test fire heartbeat ticks by hand
type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	return t.ch, func() { t.once.Do(func() { close(t.stopped) }) }
}

func (t *manualTicker) tick() {
	t.ch <- time.Now()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// quietConfig has no heartbeat and no bootstrap topology
func quietConfig() Config {
	return Config{MailboxSize: 64}
}
