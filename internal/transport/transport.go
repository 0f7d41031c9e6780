package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Destinations must be E.164: "+" followed by 2 to 15 digits, first digit
// nonzero. Validated before any network interaction.
var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

var (
	// ErrInvalidDestination is returned by Send for a destination that is
	// not E.164 formatted.
	ErrInvalidDestination = errors.New("destination is not a valid E.164 number")
	// ErrNotConnected is returned when a publish is attempted while the
	// broker channel is unavailable.
	ErrNotConnected = errors.New("not connected to broker")
)

// ConnState is the transport's connection state machine:
// Disconnected -> Connecting -> Connected, back to Disconnected on any
// connection or channel level failure.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures the transport.
type Options struct {
	URL           string
	OutboundQueue string
	CallbackQueue string

	// ReconnectDelay is the fixed wait between reconnect attempts;
	// MaxReconnectAttempts bounds them. Once the bound is reached the
	// transport stays Disconnected until Connect is called externally.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// CallbackTTL bounds how long a registered delivery callback waits
	// for a receipt before being expired.
	CallbackTTL time.Duration

	// Dial overrides the broker dialer; nil means a real AMQP dial.
	Dial DialFunc
}

// SendResult reports the outcome of a Send. Success means the envelope was
// accepted by the broker; delivery confirmation is out-of-band via the
// registered callback.
type SendResult struct {
	Success   bool
	MessageID string
	SID       string
	Err       error
}

// Status is a side-effect-free snapshot of transport state for health
// checks and tests.
type Status struct {
	Connected         bool
	State             string
	ReconnectAttempts int
	PendingCallbacks  int
}

// envelope is the durable JSON body published to the outbound queue.
type envelope struct {
	SID  string `json:"sid"`
	ID   string `json:"id"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// receipt is the JSON body consumed from the callback queue.
type receipt struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	SID    string `json:"sid"`
}

const receiptTypeStatus = "SMS_TYPE_STATUS"

// dedup grace window for duplicate receipts, and how often the registry
// sweep runs.
const (
	dedupGraceWindow = 30 * time.Second
	sweepInterval    = 15 * time.Second
)

// Transport publishes outbound envelopes to a broker queue and correlates
// asynchronous delivery receipts back to callers. The single broker channel
// is shared by all concurrent senders and publishes are serialized on it;
// connection state transitions all happen under one mutex, driven by
// notifications from the broker client.
type Transport struct {
	opts   Options
	dial   DialFunc
	logger *slog.Logger

	mu                sync.Mutex
	state             ConnState
	conn              amqpConnection
	ch                amqpChannel
	gen               uint64 // invalidates watcher goroutines of torn-down connections
	reconnectAttempts int
	reconnectTimer    *time.Timer
	flowResumed       chan struct{} // non-nil while the broker signals backpressure

	pubMu sync.Mutex // serializes access to the channel object itself

	callbacks *callbackRegistry

	sweepStop  chan struct{} // non-nil while the sweeper goroutine runs
	sweepEvery time.Duration
}

// New creates a Transport. It does not connect; call Connect, or let the
// first Send connect lazily.
func New(opts Options, logger *slog.Logger) *Transport {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = 5 * time.Minute
	}
	dial := opts.Dial
	if dial == nil {
		dial = amqpDial
	}

	t := &Transport{
		opts:       opts,
		dial:       dial,
		logger:     logger.With("component", "outbound_transport"),
		callbacks:  newCallbackRegistry(opts.CallbackTTL, dedupGraceWindow, logger),
		sweepStop:  make(chan struct{}),
		sweepEvery: sweepInterval,
	}
	go t.runSweeper(t.sweepStop)
	return t
}

func (t *Transport) runSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if expired := t.callbacks.sweep(); expired > 0 {
				callbackExpiriesTotal.Add(float64(expired))
			}
		case <-stop:
			return
		}
	}
}

// Connect establishes the broker connection, asserts both queues, and
// starts consuming delivery receipts. It is idempotent: calling it while
// Connected or Connecting is a no-op. On failure it schedules exactly one
// reconnect attempt (subject to the attempt bound) and returns the error.
// An external call restarts an exhausted reconnect cycle.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.reconnectAttempts = 0
	t.mu.Unlock()
	return t.connect(ctx)
}

// connect is Connect without the attempt-counter reset; the reconnect
// timer uses it so scheduled retries stay bounded.
func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.mu.Unlock()

	conn, ch, deliveries, err := t.establish(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.ch = ch
	t.state = StateConnected
	t.reconnectAttempts = 0
	t.flowResumed = nil
	if t.sweepStop == nil {
		// A closed transport being reconnected needs its registry sweeper
		// back, or re-registered callbacks would never be evicted.
		t.sweepStop = make(chan struct{})
		go t.runSweeper(t.sweepStop)
	}
	t.mu.Unlock()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	flowCh := ch.NotifyFlow(make(chan bool, 1))
	go t.watchConnection(gen, closeCh)
	go t.watchFlow(gen, flowCh)
	go t.consumeReceipts(gen, deliveries)

	t.logger.InfoContext(ctx, "Connected to broker",
		"outbound_queue", t.opts.OutboundQueue, "callback_queue", t.opts.CallbackQueue)
	return nil
}

func (t *Transport) establish(ctx context.Context) (amqpConnection, amqpChannel, <-chan amqp.Delivery, error) {
	conn, err := t.dial(t.opts.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	if _, err := ch.QueueDeclare(t.opts.OutboundQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to declare outbound queue %q: %w", t.opts.OutboundQueue, err)
	}
	if _, err := ch.QueueDeclare(t.opts.CallbackQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to declare callback queue %q: %w", t.opts.CallbackQueue, err)
	}

	deliveries, err := ch.Consume(t.opts.CallbackQueue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to consume callback queue %q: %w", t.opts.CallbackQueue, err)
	}

	return conn, ch, deliveries, nil
}

// scheduleReconnectLocked arms the reconnect timer unless the attempt bound
// is exhausted. Caller holds t.mu.
func (t *Transport) scheduleReconnectLocked() {
	if t.reconnectAttempts >= t.opts.MaxReconnectAttempts {
		t.logger.Error("Broker reconnect attempts exhausted; staying disconnected until Connect is called",
			"attempts", t.reconnectAttempts, "max_attempts", t.opts.MaxReconnectAttempts)
		return
	}
	t.reconnectAttempts++
	reconnectsTotal.Inc()
	attempt := t.reconnectAttempts

	t.reconnectTimer = time.AfterFunc(t.opts.ReconnectDelay, func() {
		t.logger.Info("Attempting broker reconnect", "attempt", attempt)
		if err := t.connect(context.Background()); err != nil {
			t.logger.Warn("Broker reconnect failed", "error", err, "attempt", attempt)
		}
	})
}

// watchConnection turns the broker client's close notification into a
// state machine transition. Stale notifications from a connection already
// torn down are ignored via the generation counter.
func (t *Transport) watchConnection(gen uint64, closeCh <-chan *amqp.Error) {
	amqpErr := <-closeCh

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.state != StateConnected {
		return
	}
	if amqpErr != nil {
		t.logger.Warn("Broker connection lost", "error", amqpErr.Error())
	} else {
		t.logger.Warn("Broker connection closed")
	}
	t.conn = nil
	t.ch = nil
	if t.flowResumed != nil {
		// Wake senders paused on the dead connection's backpressure; its
		// drain signal can never arrive.
		close(t.flowResumed)
		t.flowResumed = nil
	}
	t.state = StateDisconnected
	t.scheduleReconnectLocked()
}

// watchFlow tracks broker flow control. flow=false pauses publishing until
// the matching drain (flow=true) arrives.
func (t *Transport) watchFlow(gen uint64, flowCh <-chan bool) {
	for flowOK := range flowCh {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		if !flowOK {
			if t.flowResumed == nil {
				t.flowResumed = make(chan struct{})
				t.logger.Warn("Broker signalled backpressure; pausing publishes")
			}
		} else if t.flowResumed != nil {
			close(t.flowResumed)
			t.flowResumed = nil
			t.logger.Info("Broker drained; resuming publishes")
		}
		t.mu.Unlock()
	}
}

// awaitDrain blocks while the broker signals backpressure. A paused
// publish resolves once the drain arrives; it does not fail merely because
// the buffer was momentarily full. A wake-up caused by connection teardown
// rather than a drain reports ErrNotConnected.
func (t *Transport) awaitDrain(ctx context.Context) error {
	for {
		t.mu.Lock()
		resumed := t.flowResumed
		connected := t.state == StateConnected
		t.mu.Unlock()
		if resumed == nil {
			if !connected {
				return ErrNotConnected
			}
			return nil
		}
		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send validates the destination, lazily connects, registers the delivery
// callback under the correlation id, and publishes a durable envelope to
// the outbound queue. A nil callback sends fire-and-forget. An empty sid
// gets a generated token.
func (t *Transport) Send(ctx context.Context, destination, body, sid string, cb DeliveryCallback) SendResult {
	if !e164Pattern.MatchString(destination) {
		publishesTotal.WithLabelValues("validation_error").Inc()
		return SendResult{Err: fmt.Errorf("%w: %q", ErrInvalidDestination, destination)}
	}

	if !t.connected() {
		if err := t.Connect(ctx); err != nil {
			publishesTotal.WithLabelValues("connection_error").Inc()
			return SendResult{Err: err}
		}
	}

	messageID := uuid.NewString()
	if sid == "" {
		sid = uuid.NewString()
	}

	// Registered before the publish attempt: a receipt must never be able
	// to arrive ahead of the registration it answers.
	if cb != nil {
		t.callbacks.register(sid, cb)
	}

	payload, err := json.Marshal(envelope{SID: sid, ID: messageID, To: destination, Text: body})
	if err != nil {
		if cb != nil {
			t.callbacks.remove(sid)
		}
		publishesTotal.WithLabelValues("publish_error").Inc()
		return SendResult{SID: sid, Err: fmt.Errorf("failed to marshal envelope: %w", err)}
	}

	if err := t.awaitDrain(ctx); err != nil {
		if cb != nil {
			t.callbacks.remove(sid)
		}
		outcome := "publish_error"
		if errors.Is(err, ErrNotConnected) {
			outcome = "connection_error"
		}
		publishesTotal.WithLabelValues(outcome).Inc()
		return SendResult{SID: sid, Err: fmt.Errorf("publish aborted while waiting for broker drain: %w", err)}
	}

	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		if cb != nil {
			t.callbacks.remove(sid)
		}
		publishesTotal.WithLabelValues("connection_error").Inc()
		return SendResult{SID: sid, Err: ErrNotConnected}
	}

	t.pubMu.Lock()
	err = ch.Publish("", t.opts.OutboundQueue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: sid,
		Body:          payload,
	})
	t.pubMu.Unlock()
	if err != nil {
		if cb != nil {
			t.callbacks.remove(sid)
		}
		publishesTotal.WithLabelValues("publish_error").Inc()
		t.logger.ErrorContext(ctx, "Failed to publish envelope", "error", err, "sid", sid, "message_id", messageID)
		return SendResult{SID: sid, Err: fmt.Errorf("failed to publish envelope: %w", err)}
	}

	publishesTotal.WithLabelValues("success").Inc()
	t.logger.InfoContext(ctx, "Envelope published", "sid", sid, "message_id", messageID, "destination", destination)
	return SendResult{Success: true, MessageID: messageID, SID: sid}
}

// consumeReceipts processes the callback queue. Unparseable receipts are
// negatively acknowledged and requeued; receipts for unknown or already
// completed correlation ids are acknowledged and dropped.
func (t *Transport) consumeReceipts(gen uint64, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		t.mu.Lock()
		stale := gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}

		var rec receipt
		if err := json.Unmarshal(d.Body, &rec); err != nil || rec.SID == "" || !validReceiptStatus(rec.Status) {
			receiptParseFailuresTotal.Inc()
			t.logger.Warn("Rejecting unparseable delivery receipt", "error", err, "body_len", len(d.Body))
			if nackErr := d.Nack(false, true); nackErr != nil {
				t.logger.Error("Failed to nack delivery receipt", "error", nackErr)
			}
			continue
		}

		status := DeliveryStatus(rec.Status)
		switch t.callbacks.dispatch(rec.SID, status) {
		case dispatchInvoked:
			receiptsTotal.WithLabelValues(rec.Status).Inc()
			t.logger.Debug("Delivery receipt dispatched", "sid", rec.SID, "status", rec.Status)
		case dispatchDuplicate:
			duplicateReceiptsTotal.Inc()
			t.logger.Debug("Duplicate delivery receipt suppressed", "sid", rec.SID, "status", rec.Status)
		case dispatchUnknown:
			// Accepted data loss: likely a receipt for a send from before a
			// restart, but a climbing counter here means a correlation bug.
			unknownSIDReceiptsTotal.Inc()
			t.logger.Warn("Dropping receipt for unknown correlation id", "sid", rec.SID, "status", rec.Status)
		}

		if ackErr := d.Ack(false); ackErr != nil {
			t.logger.Error("Failed to ack delivery receipt", "error", ackErr, "sid", rec.SID)
		}
	}
}

func validReceiptStatus(s string) bool {
	switch DeliveryStatus(s) {
	case DeliverySent, DeliveryDelivered, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Close cancels any pending reconnect, wakes senders paused on
// backpressure, stops the registry sweeper, clears all registered
// callbacks, closes the channel and connection, and transitions to
// Disconnected. Safe to call multiple times and from any state; a later
// Connect makes the transport fully usable again.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	ch := t.ch
	t.conn = nil
	t.ch = nil
	t.gen++
	if t.flowResumed != nil {
		close(t.flowResumed)
		t.flowResumed = nil
	}
	t.state = StateDisconnected
	t.reconnectAttempts = 0
	if t.sweepStop != nil {
		close(t.sweepStop)
		t.sweepStop = nil
	}
	t.mu.Unlock()

	t.callbacks.clear()

	var firstErr error
	if ch != nil {
		if err := ch.Close(); err != nil {
			firstErr = err
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStatus is a pure read of internal state.
func (t *Transport) GetStatus() Status {
	t.mu.Lock()
	state := t.state
	attempts := t.reconnectAttempts
	t.mu.Unlock()
	return Status{
		Connected:         state == StateConnected,
		State:             state.String(),
		ReconnectAttempts: attempts,
		PendingCallbacks:  t.callbacks.pending(),
	}
}

func (t *Transport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}
