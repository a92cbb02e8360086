package transport

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Topics used by the pipeline.
const (
	TopicTelemetry = "scada/telemetry"
	TopicAlerts    = "scada/alerts"
	TopicCommands  = "scada/commands"
)

// QoS levels per message class.
const (
	QoSTelemetry byte = 1
	QoSAlerts    byte = 2
)

// State is the transport session lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// EventType tags ConnectionEvents.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventReconnecting EventType = "reconnecting"
	EventDisconnected EventType = "disconnected"
)

// ConnectionEvent is one observable transition of the session state
// machine. Reconnecting events carry the attempt index.
type ConnectionEvent struct {
	Type    EventType
	Attempt int
	Err     error
	Time    time.Time
}

// MessageHandler consumes inbound messages. Handlers run concurrently
// on the dispatch pool; a panicking handler never terminates dispatch.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	pattern string
	handler MessageHandler
	qos     byte
}

// Client is the TLS-authenticated MQTT session shared by all
// collectors. Publish is safe for concurrent callers.
type Client struct {
	cfg      config.BrokerConfig
	clientID string
	log      logging.Logger

	mu    sync.Mutex
	paho  mqtt.Client
	state State
	subs  []subscription

	events    chan ConnectionEvent
	dispatch  chan inbound
	closeOnce sync.Once
	done      chan struct{}

	mPublished metrics.Counter
	mDropped   metrics.Counter
	mReconnect metrics.Counter
}

type inbound struct {
	topic   string
	payload []byte
	handler MessageHandler
}

// TelemetryEnvelope is the wire format published on scada/telemetry.
type TelemetryEnvelope struct {
	Collector string                   `json:"collector"`
	Source    models.TelemetrySource   `json:"source"`
	Timestamp string                   `json:"timestamp"`
	Count     int                      `json:"count"`
	Data      []models.TelemetryRecord `json:"data"`
}

const wireTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// NewClient builds an unconnected client. Certificate material is
// loaded and verified immediately so configuration failures surface
// before the pipeline starts.
func NewClient(cfg config.BrokerConfig, appName string, tlsMin uint16, log logging.Logger, provider metrics.Provider) (*Client, error) {
	tlsCfg, err := newTLSConfig(cfg.CACertPath, cfg.ClientCertPath, cfg.ClientKeyPath, tlsMin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:      cfg,
		clientID: fmt.Sprintf("%s-%s", appName, shortID()),
		log:      log,
		state:    StateIdle,
		events:   make(chan ConnectionEvent, 32),
		dispatch: make(chan inbound, 256),
		done:     make(chan struct{}),
	}
	if provider != nil {
		c.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "transport", Name: "published_total",
			Help: "Messages published to the broker", Labels: []string{"topic"}}})
		c.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "transport", Name: "publish_failed_total",
			Help: "Publishes rejected or timed out", Labels: []string{"topic"}}})
		c.mReconnect = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "transport", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts"}})
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Endpoint).
		SetClientID(c.clientID).
		SetTLSConfig(tlsCfg).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(false).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.onConnectionLost(err) })
	c.paho = mqtt.NewClient(opts)

	// Dispatch workers: bounded pool, panic-isolated.
	for i := 0; i < 4; i++ {
		go c.dispatchLoop()
	}
	return c, nil
}

// ClientID returns the per-process client identity.
func (c *Client) ClientID() string { return c.clientID }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events exposes the observable connection state stream.
func (c *Client) Events() <-chan ConnectionEvent { return c.events }

// Connect performs the mutual-TLS handshake and session establishment.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return models.E(models.KindConnection, "transport.connect", models.ErrConnectionFailed)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.waitToken(ctx, c.paho.Connect()); err != nil {
		c.setState(StateIdle)
		return models.E(models.KindConnection, "transport.connect",
			fmt.Errorf("%w: %v", models.ErrConnectionFailed, err))
	}
	c.setState(StateConnected)
	c.emit(ConnectionEvent{Type: EventConnected, Time: time.Now()})
	c.resubscribeLocked()
	return nil
}

// Publish sends a JSON payload. Fails with NotConnected when the
// session is down; the reconnect loop does not queue messages.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	state := c.state
	cli := c.paho
	c.mu.Unlock()
	if state != StateConnected || cli == nil || !cli.IsConnected() {
		if c.mDropped != nil {
			c.mDropped.Inc(1, topic)
		}
		return models.E(models.KindConnection, "transport.publish", models.ErrNotConnected)
	}
	if err := c.waitToken(ctx, cli.Publish(topic, qos, retain, payload)); err != nil {
		if c.mDropped != nil {
			c.mDropped.Inc(1, topic)
		}
		return models.E(models.KindConnection, "transport.publish", err)
	}
	if c.mPublished != nil {
		c.mPublished.Inc(1, topic)
	}
	return nil
}

// PublishTelemetryBatch wraps records in the telemetry envelope and
// publishes at QoS 1.
func (c *Client) PublishTelemetryBatch(ctx context.Context, collectorID string, source models.TelemetrySource, recs []models.TelemetryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	env := TelemetryEnvelope{
		Collector: collectorID,
		Source:    source,
		Timestamp: time.Now().UTC().Format(wireTimeFormat),
		Count:     len(recs),
		Data:      recs,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return models.E(models.KindValidation, "transport.envelope", err)
	}
	return c.Publish(ctx, TopicTelemetry, payload, QoSTelemetry, false)
}

// PublishAlert publishes one alert at QoS 2.
func (c *Client) PublishAlert(ctx context.Context, alert models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return models.E(models.KindValidation, "transport.alert", err)
	}
	return c.Publish(ctx, TopicAlerts, payload, QoSAlerts, false)
}

// Subscribe registers a handler for a topic pattern. Patterns accept
// `+` single-level and trailing `#` multi-level wildcards. The
// subscription survives reconnects.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return models.E(models.KindValidation, "transport.subscribe", fmt.Errorf("nil handler"))
	}
	if err := validatePattern(pattern); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs = append(c.subs, subscription{pattern: pattern, handler: handler, qos: qos})
	cli := c.paho
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		tok := cli.Subscribe(pattern, qos, func(_ mqtt.Client, m mqtt.Message) {
			c.enqueue(m.Topic(), m.Payload(), handler)
		})
		if err := c.waitToken(context.Background(), tok); err != nil {
			return models.E(models.KindConnection, "transport.subscribe", err)
		}
	}
	return nil
}

// Close terminates the session permanently.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		cli := c.paho
		c.mu.Unlock()
		if cli != nil && cli.IsConnected() {
			cli.Disconnect(250)
		}
		close(c.done)
	})
	return nil
}

func (c *Client) onConnectionLost(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	go c.reconnectLoop(cause)
}

// reconnectLoop retries with the fixed base period up to the attempt
// budget, then emits a terminal disconnect and closes the session.
func (c *Client) reconnectLoop(cause error) {
	period := c.cfg.ReconnectPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	maxAttempts := c.cfg.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.emit(ConnectionEvent{Type: EventReconnecting, Attempt: attempt, Err: cause, Time: time.Now()})
		if c.mReconnect != nil {
			c.mReconnect.Inc(1)
		}
		select {
		case <-c.done:
			return
		case <-time.After(period):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.waitToken(ctx, c.paho.Connect())
		cancel()
		if err == nil {
			c.setState(StateConnected)
			c.emit(ConnectionEvent{Type: EventConnected, Attempt: attempt, Time: time.Now()})
			c.mu.Lock()
			c.resubscribeLocked()
			c.mu.Unlock()
			return
		}
		cause = err
	}
	c.emit(ConnectionEvent{Type: EventDisconnected, Err: cause, Time: time.Now()})
	_ = c.Close()
}

// resubscribeLocked re-registers every known subscription. Callers hold
// no lock on the Connect path; reconnect holds c.mu.
func (c *Client) resubscribeLocked() {
	for _, sub := range c.subs {
		sub := sub
		tok := c.paho.Subscribe(sub.pattern, sub.qos, func(_ mqtt.Client, m mqtt.Message) {
			c.enqueue(m.Topic(), m.Payload(), sub.handler)
		})
		go func() {
			if tok.Wait() && tok.Error() != nil {
				c.log.WarnCtx(context.Background(), "resubscribe failed",
					"pattern", sub.pattern, "error", tok.Error())
			}
		}()
	}
}

func (c *Client) enqueue(topic string, payload []byte, handler MessageHandler) {
	select {
	case c.dispatch <- inbound{topic: topic, payload: payload, handler: handler}:
	case <-c.done:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.dispatch:
			c.runHandler(msg)
		}
	}
}

func (c *Client) runHandler(msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorCtx(context.Background(), "message handler panicked",
				"topic", msg.topic, "panic", fmt.Sprint(r))
		}
	}()
	msg.handler(msg.topic, msg.payload)
}

func (c *Client) waitToken(ctx context.Context, tok mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return models.E(models.KindTimeout, "transport.token", ctx.Err())
	case <-done:
		return tok.Error()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) emit(ev ConnectionEvent) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	default:
		// Observers that fall behind lose events rather than stalling
		// the session.
	}
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return models.E(models.KindValidation, "transport.pattern", fmt.Errorf("empty pattern"))
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return models.E(models.KindValidation, "transport.pattern",
				fmt.Errorf("'#' must be the final level in %q", pattern))
		}
		if strings.Contains(l, "+") && l != "+" {
			return models.E(models.KindValidation, "transport.pattern",
				fmt.Errorf("'+' must occupy a whole level in %q", pattern))
		}
	}
	return nil
}

// MatchTopic reports whether topic matches an MQTT subscription
// pattern with `+` and trailing-`#` wildcards.
func MatchTopic(pattern, topic string) bool {
	if validatePattern(pattern) != nil {
		return false
	}
	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")
	for i, p := range pl {
		if p == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tl[i] {
			return false
		}
	}
	return len(pl) == len(tl)
}

func shortID() string {
	b := make([]byte, 4)
	_, _ = cryptorand.Read(b)
	return hex.EncodeToString(b)
}
