package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaysms/triage-gateway/internal/core_domain"
	"github.com/relaysms/triage-gateway/internal/platform/config"
	"github.com/relaysms/triage-gateway/internal/queue"
	"github.com/relaysms/triage-gateway/internal/transport"
)

// ErrNoProvider is returned when the dispatcher is configured for the
// direct path without a provider instance.
var ErrNoProvider = errors.New("no direct provider configured")

// Sender is the transport surface the dispatcher needs; implemented by
// *transport.Transport.
type Sender interface {
	Send(ctx context.Context, destination, body, sid string, cb transport.DeliveryCallback) transport.SendResult
}

// how long a receipt callback waits for the queue row id when the receipt
// outruns the insert that follows a successful publish
const rowIDWait = 30 * time.Second

// Dispatcher sends auto-responses through one of two outbound
// implementations, selected by configuration, and uniformly records the
// outcome in the persistent queue.
//
// Transport path: the queue row is inserted with status processing right
// after a successful publish, and the delivery receipt later resolves or
// fails it. Direct path: the provider call is synchronous; success inserts
// a resolved row, failure persists nothing.
type Dispatcher struct {
	mode     string
	sender   Sender
	provider Provider
	repo     queue.MessageRepository
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. mode is config.ResponderTransport or
// config.ResponderDirect; the unused path's dependency may be nil.
func NewDispatcher(mode string, sender Sender, provider Provider, repo queue.MessageRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mode:     mode,
		sender:   sender,
		provider: provider,
		repo:     repo,
		logger:   logger.With("component", "response_dispatcher"),
	}
}

// SendResponse renders the template against vars and dispatches the result
// to destination over the configured path. It returns the id of the
// persisted queue row tracking the response.
func (d *Dispatcher) SendResponse(ctx context.Context, destination, template string, vars map[string]string, channel core_domain.Channel) (int64, error) {
	body := RenderTemplate(template, vars)

	switch d.mode {
	case config.ResponderDirect:
		return d.sendDirect(ctx, destination, body, channel)
	default:
		return d.sendViaTransport(ctx, destination, body, channel)
	}
}

func (d *Dispatcher) sendViaTransport(ctx context.Context, destination, body string, channel core_domain.Channel) (int64, error) {
	// The row is inserted only after the publish succeeds, so the receipt
	// callback may fire before the row id exists. It picks the id up from
	// this one-slot channel and applies the status once the insert lands.
	idCh := make(chan int64, 1)

	cb := func(status transport.DeliveryStatus) {
		if status == transport.DeliverySent {
			// Intermediate confirmation; the row stays processing.
			return
		}
		go func() {
			select {
			case id := <-idCh:
				d.applyReceipt(id, status)
			case <-time.After(rowIDWait):
				d.logger.Warn("Receipt arrived but no queue row id became available", "status", string(status))
			}
		}()
	}

	result := d.sender.Send(ctx, destination, body, "", cb)
	if !result.Success {
		return 0, fmt.Errorf("transport send failed: %w", result.Err)
	}

	metadata := marshalMetadata(map[string]string{
		"channel":    string(channel),
		"sid":        result.SID,
		"message_id": result.MessageID,
	})
	id, err := d.repo.Insert(ctx, queue.InsertParams{
		Sender:        destination,
		Content:       body,
		Priority:      core_domain.PriorityNormal,
		RoutingAction: core_domain.ActionAutoRespond,
		Metadata:      metadata,
	})
	if err != nil {
		// The envelope is already on the wire; the receipt will have
		// nothing to update. Surface the storage error to the caller.
		return 0, fmt.Errorf("response published but not recorded: %w", err)
	}
	if err := d.repo.MarkProcessing(ctx, id); err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark response row processing", "error", err, "id", id)
	}
	idCh <- id

	d.logger.InfoContext(ctx, "Response dispatched via transport",
		"id", id, "sid", result.SID, "destination", destination)
	return id, nil
}

// applyReceipt maps a terminal delivery status onto the queue row.
func (d *Dispatcher) applyReceipt(id int64, status transport.DeliveryStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch status {
	case transport.DeliveryDelivered:
		err = d.repo.MarkResolved(ctx, id)
	case transport.DeliveryFailed:
		err = d.repo.MarkFailed(ctx, id)
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to apply delivery receipt to queue row",
			"error", err, "id", id, "status", string(status))
		return
	}
	d.logger.InfoContext(ctx, "Delivery receipt applied", "id", id, "status", string(status))
}

func (d *Dispatcher) sendDirect(ctx context.Context, destination, body string, channel core_domain.Channel) (int64, error) {
	if d.provider == nil {
		return 0, ErrNoProvider
	}

	resp, err := d.provider.Send(ctx, SendRequest{Recipient: destination, Content: body})
	if err != nil {
		// No persisted success record on a failed direct send.
		return 0, fmt.Errorf("provider send failed: %w", err)
	}

	meta := map[string]string{
		"channel":  string(channel),
		"provider": d.provider.Name(),
	}
	if resp != nil && resp.ProviderMessageID != "" {
		meta["provider_message_id"] = resp.ProviderMessageID
	}

	id, err := d.repo.Insert(ctx, queue.InsertParams{
		Sender:        destination,
		Content:       body,
		Priority:      core_domain.PriorityNormal,
		RoutingAction: core_domain.ActionAutoRespond,
		Metadata:      marshalMetadata(meta),
	})
	if err != nil {
		return 0, fmt.Errorf("response sent but not recorded: %w", err)
	}
	// Direct sends have no out-of-band confirmation: the row is tracked as
	// resolved immediately.
	if err := d.repo.MarkResolved(ctx, id); err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark direct response resolved", "error", err, "id", id)
	}

	d.logger.InfoContext(ctx, "Response dispatched via direct provider",
		"id", id, "provider", d.provider.Name(), "destination", destination)
	return id, nil
}

func marshalMetadata(meta map[string]string) *string {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
