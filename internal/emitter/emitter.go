package emitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/drone-marker/internal/logger"
)

const (
	// qosAtLeastOnce is used for every event.
	qosAtLeastOnce byte = 1
	// disconnectQuiesce is the grace period in milliseconds for in-flight messages.
	disconnectQuiesce = 250
)

var (
	// ErrUnknownEncoding is returned for an unsupported payload encoding.
	ErrUnknownEncoding = errors.New("unknown event encoding")
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrConnectTimeout is returned when the broker does not accept the connection in time.
	ErrConnectTimeout = errors.New("mqtt connect timeout")
	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

// Publisher sends raw payloads to a broker.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Close()
}

// Options configure an MQTT connection.
type Options struct {
	// Broker is a host:port pair.
	Broker   string
	ClientID string
	// Topic is the prefix events are published under.
	Topic    string
	Encoding string
	// RunID is attached to every event.
	RunID          string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// OnError is called for every failed publish.
	OnError func()
}

// Stats contains emitter statistics.
type Stats struct {
	Published map[string]uint64
	Errors    uint64
}

// Emitter publishes lifecycle events. A nil Emitter discards everything.
type Emitter struct {
	pub      Publisher
	topic    string
	encoding string
	runID    string
	onError  func()
	now      func() time.Time

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// New wraps a publisher.
func New(pub Publisher, opts Options) *Emitter {
	return &Emitter{
		pub:       pub,
		topic:     strings.TrimRight(opts.Topic, "/"),
		encoding:  opts.Encoding,
		runID:     opts.RunID,
		onError:   opts.OnError,
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

// Connect dials the broker and returns an emitter bound to it.
func Connect(ctx context.Context, opts Options) (*Emitter, error) {
	pub, err := dialPaho(ctx, opts)
	if err != nil {
		return nil, err
	}

	return New(pub, opts), nil
}

// Emit publishes one event. Failures are counted and returned but callers
// are free to ignore them.
func (e *Emitter) Emit(ctx context.Context, name string, fields map[string]any) error {
	if e == nil {
		return nil
	}

	topic := e.topic + "/" + name

	payload, err := NewEvent(name, e.runID, e.now(), fields).Encode(e.encoding)
	if err == nil {
		err = e.pub.Publish(topic, qosAtLeastOnce, payload)
	}

	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()

		if e.onError != nil {
			e.onError()
		}

		logger.DebugKV(ctx, "Event publish failed", "topic", topic, "error", err)

		return fmt.Errorf("publish %s: %w", name, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	logger.DebugKV(ctx, "Event published", "topic", topic, "size", len(payload))

	return nil
}

// Stats returns a copy of the counters.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{Published: map[string]uint64{}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{Published: published, Errors: e.errors}
}

// Close disconnects from the broker.
func (e *Emitter) Close() {
	if e == nil {
		return
	}

	e.pub.Close()
}

// pahoPublisher adapts a paho client.
type pahoPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func dialPaho(ctx context.Context, opts Options) (*pahoPublisher, error) {
	ctx = logger.WithName(ctx, "emitter")

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker("tcp://" + opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(connectTimeout)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)

	clientOpts.OnConnect = func(mqtt.Client) {
		logger.InfoKV(ctx, "MQTT connection established", "broker", opts.Broker, "client_id", opts.ClientID)
	}

	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.WarnKV(ctx, "MQTT connection lost, will auto-reconnect", "broker", opts.Broker, "error", err)
	}

	client := mqtt.NewClient(clientOpts)

	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, ErrConnectTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}

	return &pahoPublisher{client: client, timeout: publishTimeout}, nil
}

func (p *pahoPublisher) Publish(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return ErrPublishTimeout
	}

	return token.Error()
}

func (p *pahoPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}
