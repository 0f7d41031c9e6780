package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubAcker records ack/nack calls made by the receipt consumer.
type stubAcker struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (a *stubAcker) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *stubAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *stubAcker) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *stubAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type publishedMessage struct {
	key string
	msg amqp.Publishing
}

// stubChannel implements amqpChannel in-memory.
type stubChannel struct {
	mu         sync.Mutex
	published  []publishedMessage
	declared   []string
	publishErr error
	deliveries chan amqp.Delivery
	flowCh     chan bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *stubChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{key: key, msg: msg})
	return nil
}

func (c *stubChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *stubChannel) NotifyFlow(ch chan bool) chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flowCh = ch
	return ch
}

func (c *stubChannel) Close() error { return nil }

func (c *stubChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *stubChannel) lastPublished() publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

func (c *stubChannel) setFlow(ok bool) {
	c.mu.Lock()
	flowCh := c.flowCh
	c.mu.Unlock()
	flowCh <- ok
}

// deliver pushes a raw receipt body into the consumed callback queue.
func (c *stubChannel) deliver(acker *stubAcker, body []byte) {
	c.deliveries <- amqp.Delivery{Acknowledger: acker, Body: body}
}

func (c *stubChannel) deliverReceipt(acker *stubAcker, sid, status string) {
	body, _ := json.Marshal(receipt{Type: receiptTypeStatus, Status: status, SID: sid})
	c.deliver(acker, body)
}

// stubConnection implements amqpConnection around a stubChannel.
type stubConnection struct {
	ch      *stubChannel
	mu      sync.Mutex
	closeCh chan *amqp.Error
	closed  bool
}

func (c *stubConnection) Channel() (amqpChannel, error) { return c.ch, nil }

func (c *stubConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = ch
	return ch
}

func (c *stubConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// dropConnection simulates a broker-side connection loss.
func (c *stubConnection) dropConnection(err *amqp.Error) {
	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()
	closeCh <- err
}

// brokerStub tracks dials and hands out fresh connection/channel pairs.
type brokerStub struct {
	mu    sync.Mutex
	dials int
	conns []*stubConnection
	fail  bool
}

func (b *brokerStub) dial(_ string) (amqpConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.fail {
		return nil, fmt.Errorf("broker unreachable")
	}
	conn := &stubConnection{ch: newStubChannel()}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *brokerStub) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *brokerStub) latest() *stubConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

func newTestTransport(t *testing.T, broker *brokerStub, opts Options) *Transport {
	t.Helper()
	if opts.OutboundQueue == "" {
		opts.OutboundQueue = "sms.outbound"
	}
	if opts.CallbackQueue == "" {
		opts.CallbackQueue = "sms.callback"
	}
	opts.Dial = broker.dial
	tr := New(opts, testLogger())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSend_DestinationValidation(t *testing.T) {
	t.Run("rejects malformed destinations without dialing", func(t *testing.T) {
		broker := &brokerStub{fail: true}
		tr := newTestTransport(t, broker, Options{})

		invalid := []string{
			"",
			"5551234567",        // missing plus
			"+0551234567",       // leading zero
			"+1",                // too short
			"+1234567890123456", // 16 digits
			"+15abc5550100",
			"+ 15550100",
			"15550100+",
		}
		for _, dest := range invalid {
			res := tr.Send(context.Background(), dest, "hello", "", nil)
			assert.False(t, res.Success, "destination %q", dest)
			assert.ErrorIs(t, res.Err, ErrInvalidDestination, "destination %q", dest)
		}
		assert.Zero(t, broker.dialCount(), "validation must happen before any network interaction")
	})

	t.Run("accepts minimal and maximal E.164", func(t *testing.T) {
		broker := &brokerStub{}
		tr := newTestTransport(t, broker, Options{})

		for _, dest := range []string{"+12", "+123", "+15550001111", "+123456789012345"} {
			res := tr.Send(context.Background(), dest, "hello", "", nil)
			assert.True(t, res.Success, "destination %q: %v", dest, res.Err)
		}
	})
}

func TestSend_PublishesDurableEnvelope(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{OutboundQueue: "triage.outbound"})

	res := tr.Send(context.Background(), "+15550001111", "your request was received", "sid-42", nil)
	require.True(t, res.Success, "send failed: %v", res.Err)
	assert.Equal(t, "sid-42", res.SID)
	assert.NotEmpty(t, res.MessageID)

	ch := broker.latest().ch
	require.Equal(t, 1, ch.publishedCount())
	pub := ch.lastPublished()
	assert.Equal(t, "triage.outbound", pub.key)
	assert.Equal(t, uint8(amqp.Persistent), pub.msg.DeliveryMode)
	assert.Equal(t, "sid-42", pub.msg.CorrelationId)
	assert.Equal(t, res.MessageID, pub.msg.MessageId)

	var env envelope
	require.NoError(t, json.Unmarshal(pub.msg.Body, &env))
	assert.Equal(t, envelope{SID: "sid-42", ID: res.MessageID, To: "+15550001111", Text: "your request was received"}, env)

	// Both queues were asserted during connect.
	assert.Contains(t, ch.declared, "triage.outbound")
	assert.Contains(t, ch.declared, "sms.callback")
}

func TestSend_GeneratesSIDWhenEmpty(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	first := tr.Send(context.Background(), "+15550001111", "a", "", nil)
	second := tr.Send(context.Background(), "+15550001111", "b", "", nil)
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.NotEmpty(t, first.SID)
	assert.NotEqual(t, first.SID, second.SID)
}

func TestSend_PublishFailureDeregistersCallback(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})
	require.NoError(t, tr.Connect(context.Background()))
	broker.latest().ch.publishErr = fmt.Errorf("channel gone")

	res := tr.Send(context.Background(), "+15550001111", "hello", "sid-1", func(DeliveryStatus) {})
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Zero(t, tr.GetStatus().PendingCallbacks)
}

func TestConnect_Idempotent(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 1, broker.dialCount())
	assert.True(t, tr.GetStatus().Connected)
}

func TestConnect_ReconnectBound(t *testing.T) {
	broker := &brokerStub{fail: true}
	tr := newTestTransport(t, broker, Options{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	require.Error(t, tr.Connect(context.Background()))

	// Initial attempt plus exactly two scheduled retries.
	require.Eventually(t, func() bool { return broker.dialCount() == 3 },
		time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, broker.dialCount(), "retries must stop at the bound")

	status := tr.GetStatus()
	assert.False(t, status.Connected)
	assert.Equal(t, "disconnected", status.State)
	assert.Equal(t, 2, status.ReconnectAttempts)

	// An external Connect is still honored after exhaustion.
	broker.mu.Lock()
	broker.fail = false
	broker.mu.Unlock()
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.GetStatus().Connected)
	assert.Zero(t, tr.GetStatus().ReconnectAttempts)
}

func TestReconnect_AfterConnectionLoss(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, tr.Connect(context.Background()))

	broker.latest().dropConnection(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	require.Eventually(t, func() bool {
		return broker.dialCount() == 2 && tr.GetStatus().Connected
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.GetStatus().ReconnectAttempts, "attempt counter resets on success")
}

func TestSend_PausesDuringBackpressure(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})
	require.NoError(t, tr.Connect(context.Background()))
	ch := broker.latest().ch

	ch.setFlow(false)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.flowResumed != nil
	}, time.Second, time.Millisecond)

	results := make(chan SendResult, 1)
	go func() {
		results <- tr.Send(context.Background(), "+15550001111", "queued behind backpressure", "", nil)
	}()

	select {
	case <-results:
		t.Fatal("send completed while the broker signalled backpressure")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, ch.publishedCount())

	ch.setFlow(true)
	select {
	case res := <-results:
		assert.True(t, res.Success, "paused send must resolve as a normal success: %v", res.Err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume after drain")
	}
	assert.Equal(t, 1, ch.publishedCount())
}

func TestSend_BackpressureReleasedOnConnectionLoss(t *testing.T) {
	pauseTransport := func(t *testing.T, broker *brokerStub, tr *Transport) *stubChannel {
		t.Helper()
		require.NoError(t, tr.Connect(context.Background()))
		ch := broker.latest().ch
		ch.setFlow(false)
		require.Eventually(t, func() bool {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			return tr.flowResumed != nil
		}, time.Second, time.Millisecond)
		return ch
	}

	t.Run("sender fails when the lost connection cannot come back", func(t *testing.T) {
		broker := &brokerStub{}
		tr := newTestTransport(t, broker, Options{MaxReconnectAttempts: 0})
		pauseTransport(t, broker, tr)

		results := make(chan SendResult, 1)
		go func() {
			results <- tr.Send(context.Background(), "+15550001111", "stuck behind backpressure", "", nil)
		}()
		time.Sleep(20 * time.Millisecond)

		broker.latest().dropConnection(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
		select {
		case res := <-results:
			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Err, ErrNotConnected)
		case <-time.After(2 * time.Second):
			t.Fatal("send stayed blocked on a dead connection's backpressure")
		}
	})

	t.Run("sender resolves after the connection loss, not before", func(t *testing.T) {
		broker := &brokerStub{}
		tr := newTestTransport(t, broker, Options{
			ReconnectDelay:       10 * time.Millisecond,
			MaxReconnectAttempts: 3,
		})
		pauseTransport(t, broker, tr)

		results := make(chan SendResult, 1)
		go func() {
			results <- tr.Send(context.Background(), "+15550001111", "stuck behind backpressure", "", nil)
		}()
		time.Sleep(20 * time.Millisecond)

		broker.latest().dropConnection(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
		select {
		case res := <-results:
			// Either outcome is a live one: the wake-up raced the reconnect
			// and failed fast, or it landed on the fresh connection.
			if !res.Success {
				assert.ErrorIs(t, res.Err, ErrNotConnected)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send stayed blocked across a reconnect")
		}
	})
}

func TestClose_ReleasesBackpressuredSend(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})
	require.NoError(t, tr.Connect(context.Background()))
	ch := broker.latest().ch

	ch.setFlow(false)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.flowResumed != nil
	}, time.Second, time.Millisecond)

	results := make(chan SendResult, 1)
	go func() {
		results <- tr.Send(context.Background(), "+15550001111", "stuck behind backpressure", "", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, tr.Close())
	select {
	case res := <-results:
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("send stayed blocked after Close")
	}
	assert.Zero(t, ch.publishedCount())
}

func TestConnect_AfterCloseRestartsSweeper(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{CallbackTTL: 10 * time.Millisecond})
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())

	tr.mu.Lock()
	assert.Nil(t, tr.sweepStop, "Close stops the sweeper")
	tr.sweepEvery = 5 * time.Millisecond
	tr.mu.Unlock()

	require.NoError(t, tr.Connect(context.Background()))
	tr.mu.Lock()
	assert.NotNil(t, tr.sweepStop, "Connect on a closed transport restarts the sweeper")
	tr.mu.Unlock()

	res := tr.Send(context.Background(), "+15550001111", "hello", "sid-1", func(DeliveryStatus) {})
	require.True(t, res.Success)
	require.Equal(t, 1, tr.GetStatus().PendingCallbacks)

	// The restarted sweeper evicts the unanswered callback at its TTL.
	require.Eventually(t, func() bool {
		return tr.GetStatus().PendingCallbacks == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnect_ExternalCallRestartsReconnectCycle(t *testing.T) {
	broker := &brokerStub{fail: true}
	tr := newTestTransport(t, broker, Options{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})

	require.Error(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return broker.dialCount() == 2 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, broker.dialCount(), "cycle exhausted")

	// A fresh external Connect gets its own bounded retry cycle.
	require.Error(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return broker.dialCount() == 4 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, broker.dialCount())
	assert.Equal(t, 1, tr.GetStatus().ReconnectAttempts)
}

func TestReceipt_CorrelatesToCallback(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	statuses := make(chan DeliveryStatus, 4)
	res := tr.Send(context.Background(), "+15550001111", "hello", "sid-7", func(s DeliveryStatus) {
		statuses <- s
	})
	require.True(t, res.Success)
	assert.Equal(t, 1, tr.GetStatus().PendingCallbacks)

	ch := broker.latest().ch
	acker := &stubAcker{}

	// Intermediate confirmation keeps the registration alive.
	ch.deliverReceipt(acker, "sid-7", "sent")
	select {
	case s := <-statuses:
		assert.Equal(t, DeliverySent, s)
	case <-time.After(time.Second):
		t.Fatal("sent receipt not dispatched")
	}
	assert.Equal(t, 1, tr.GetStatus().PendingCallbacks)

	// Terminal receipt completes the delivery.
	ch.deliverReceipt(acker, "sid-7", "delivered")
	select {
	case s := <-statuses:
		assert.Equal(t, DeliveryDelivered, s)
	case <-time.After(time.Second):
		t.Fatal("delivered receipt not dispatched")
	}
	assert.Zero(t, tr.GetStatus().PendingCallbacks)

	// A duplicate of the terminal receipt is acknowledged but suppressed.
	ch.deliverReceipt(acker, "sid-7", "delivered")
	require.Eventually(t, func() bool {
		acks, _ := acker.counts()
		return acks == 3
	}, time.Second, time.Millisecond)
	select {
	case s := <-statuses:
		t.Fatalf("duplicate receipt re-invoked callback with %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceipt_FailedInvokesCallbackOnce(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	statuses := make(chan DeliveryStatus, 2)
	res := tr.Send(context.Background(), "+15550001111", "hello", "sid-9", func(s DeliveryStatus) {
		statuses <- s
	})
	require.True(t, res.Success)

	acker := &stubAcker{}
	broker.latest().ch.deliverReceipt(acker, "sid-9", "failed")
	select {
	case s := <-statuses:
		assert.Equal(t, DeliveryFailed, s)
	case <-time.After(time.Second):
		t.Fatal("failed receipt not dispatched")
	}
	assert.Zero(t, tr.GetStatus().PendingCallbacks)
}

func TestReceipt_UnknownSIDIsDroppedWithoutError(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})
	require.NoError(t, tr.Connect(context.Background()))

	acker := &stubAcker{}
	broker.latest().ch.deliverReceipt(acker, "never-registered", "delivered")

	require.Eventually(t, func() bool {
		acks, _ := acker.counts()
		return acks == 1
	}, time.Second, time.Millisecond)
	_, nacks := acker.counts()
	assert.Zero(t, nacks, "unknown sid is acknowledged, not requeued")
}

func TestReceipt_UnparseableIsRequeued(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})
	require.NoError(t, tr.Connect(context.Background()))
	ch := broker.latest().ch

	bodies := [][]byte{
		[]byte("not json"),
		[]byte(`{}`),
		[]byte(`{"type":"SMS_TYPE_STATUS","status":"teleported","sid":"sid-1"}`),
		[]byte(`{"type":"SMS_TYPE_STATUS","status":"delivered"}`),
	}
	acker := &stubAcker{}
	for _, body := range bodies {
		ch.deliver(acker, body)
	}

	require.Eventually(t, func() bool {
		_, nacks := acker.counts()
		return nacks == len(bodies)
	}, time.Second, time.Millisecond)
	acks, _ := acker.counts()
	assert.Zero(t, acks)
	acker.mu.Lock()
	assert.True(t, acker.requeued, "unparseable receipts are requeued")
	acker.mu.Unlock()
}

func TestClose_IsIdempotentAndClearsState(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	res := tr.Send(context.Background(), "+15550001111", "hello", "sid-1", func(DeliveryStatus) {})
	require.True(t, res.Success)
	require.Equal(t, 1, tr.GetStatus().PendingCallbacks)

	require.NoError(t, tr.Close())
	status := tr.GetStatus()
	assert.False(t, status.Connected)
	assert.Zero(t, status.PendingCallbacks)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestGetStatus_IsSideEffectFree(t *testing.T) {
	broker := &brokerStub{}
	tr := newTestTransport(t, broker, Options{})

	before := tr.GetStatus()
	assert.False(t, before.Connected)
	assert.Equal(t, "disconnected", before.State)
	assert.Zero(t, broker.dialCount(), "status must not trigger a connect")

	require.NoError(t, tr.Connect(context.Background()))
	after := tr.GetStatus()
	assert.True(t, after.Connected)
	assert.Equal(t, "connected", after.State)
	assert.Equal(t, 1, broker.dialCount())
}
