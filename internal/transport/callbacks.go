package transport

import (
	"log/slog"
	"sync"
	"time"
)

// DeliveryStatus is the outcome a delivery receipt reports for a
// previously published envelope.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// terminal reports whether a status ends the delivery's lifecycle; "sent"
// is an intermediate confirmation that keeps the callback registered.
func (s DeliveryStatus) terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// DeliveryCallback is invoked on the receipt consumer goroutine when a
// receipt for the registered correlation id arrives. Callbacks must not
// block.
type DeliveryCallback func(status DeliveryStatus)

type dispatchOutcome int

const (
	dispatchInvoked dispatchOutcome = iota
	dispatchDuplicate
	dispatchUnknown
)

// pendingDelivery is the transient per-send state keyed by correlation id.
// It is created on send and removed by the first terminal receipt (after a
// grace window) or by TTL expiry; it is never persisted.
type pendingDelivery struct {
	callback     DeliveryCallback
	registeredAt time.Time
	completedAt  time.Time // zero until a terminal receipt arrived
}

// callbackRegistry indexes pending deliveries by correlation id. It is the
// one piece of mutable state shared between Send (insert) and the receipt
// consumer (lookup/complete), so every access goes through the mutex.
// Eviction is sweep-based: a single ticker checks expiry timestamps instead
// of arming a timer per callback.
type callbackRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingDelivery

	ttl   time.Duration // how long an unanswered callback may wait for a receipt
	grace time.Duration // how long a completed entry lingers to absorb duplicates

	logger *slog.Logger
	now    func() time.Time
}

func newCallbackRegistry(ttl, grace time.Duration, logger *slog.Logger) *callbackRegistry {
	return &callbackRegistry{
		entries: make(map[string]*pendingDelivery),
		ttl:     ttl,
		grace:   grace,
		logger:  logger.With("component", "callback_registry"),
		now:     time.Now,
	}
}

// register stores a callback under sid, before the publish attempt so a
// fast receipt cannot race past an unregistered callback.
func (r *callbackRegistry) register(sid string, cb DeliveryCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sid] = &pendingDelivery{callback: cb, registeredAt: r.now()}
}

// remove deletes a registration, used when a publish fails after
// registering.
func (r *callbackRegistry) remove(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sid)
}

// dispatch routes a receipt to its callback. Terminal receipts complete
// the entry: later receipts for the same sid within the grace window are
// reported as duplicates and never re-invoke the callback. Intermediate
// "sent" receipts invoke the callback and leave it registered for the
// terminal receipt that follows.
func (r *callbackRegistry) dispatch(sid string, status DeliveryStatus) dispatchOutcome {
	r.mu.Lock()
	entry, ok := r.entries[sid]
	if !ok {
		r.mu.Unlock()
		return dispatchUnknown
	}
	if !entry.completedAt.IsZero() {
		r.mu.Unlock()
		return dispatchDuplicate
	}
	cb := entry.callback
	if status.terminal() {
		entry.completedAt = r.now()
	}
	r.mu.Unlock()

	if cb != nil {
		cb(status)
	}
	return dispatchInvoked
}

// sweep evicts expired entries: completed ones past the grace window and
// unanswered ones past the TTL. Returns how many unanswered callbacks
// timed out, for metrics.
func (r *callbackRegistry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired int
	for sid, entry := range r.entries {
		switch {
		case !entry.completedAt.IsZero():
			if now.Sub(entry.completedAt) >= r.grace {
				delete(r.entries, sid)
			}
		case now.Sub(entry.registeredAt) >= r.ttl:
			delete(r.entries, sid)
			expired++
			r.logger.Warn("Delivery callback expired without a receipt", "sid", sid, "ttl", r.ttl)
		}
	}
	return expired
}

// clear drops every registration; called on transport shutdown.
func (r *callbackRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*pendingDelivery)
}

// pending counts entries still awaiting a terminal receipt.
func (r *callbackRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.entries {
		if entry.completedAt.IsZero() {
			n++
		}
	}
	return n
}
