package triage

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relaysms/triage-gateway/internal/core_domain"
	"github.com/relaysms/triage-gateway/internal/queue"
	"github.com/relaysms/triage-gateway/internal/routing"
)

// Responder dispatches auto-responses; implemented by *dispatch.Dispatcher.
type Responder interface {
	SendResponse(ctx context.Context, destination, template string, vars map[string]string, channel core_domain.Channel) (int64, error)
}

// ProcessResult is the per-message outcome of Process. Err is set when a
// stage failed; the routing decision fields are valid regardless, since a
// decision is produced before any side effect runs.
type ProcessResult struct {
	MessageID int64                      `json:"message_id"`
	Action    core_domain.RoutingAction  `json:"action"`
	Priority  core_domain.Priority       `json:"priority"`
	Notified  bool                       `json:"notified"`
	Responded bool                       `json:"responded"`
	Err       error                      `json:"error,omitempty"`
}

// Service is the triage core's exposed surface: it classifies normalized
// inbound messages, records them in the persistent queue, and runs the
// side effect the routing decision calls for.
type Service struct {
	engine    *routing.Engine
	repo      queue.MessageRepository
	responder Responder
	notifier  Notifier
	logger    *slog.Logger
}

// NewService wires the triage service. responder may be nil when no
// outbound path is configured; auto-respond decisions are then recorded
// but not acted on.
func NewService(engine *routing.Engine, repo queue.MessageRepository, responder Responder, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		engine:    engine,
		repo:      repo,
		responder: responder,
		notifier:  notifier,
		logger:    logger.With("component", "triage_service"),
	}
}

// Evaluate classifies a message without persisting or acting on it.
func (s *Service) Evaluate(ctx context.Context, msg core_domain.NormalizedMessage) routing.Decision {
	return s.engine.Evaluate(ctx, msg)
}

// Process classifies a message, persists it, and runs its side effect:
// notify raises a notification, ignore resolves the row immediately,
// auto-respond dispatches the templated reply, queue leaves the row
// pending. A storage failure is reported in the result but the routing
// decision stands.
func (s *Service) Process(ctx context.Context, msg core_domain.NormalizedMessage) ProcessResult {
	decision := s.engine.Evaluate(ctx, msg)
	result := ProcessResult{Action: decision.Action, Priority: decision.Priority}

	id, err := s.repo.Insert(ctx, queue.InsertParams{
		Sender:        msg.Sender,
		Content:       msg.Content,
		Priority:      decision.Priority,
		RoutingAction: decision.Action,
		Timestamp:     msg.Timestamp,
		Metadata:      inboundMetadata(msg),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist triaged message",
			"error", err, "sender", msg.Sender, "action", decision.Action)
		processingFailuresTotal.WithLabelValues("insert").Inc()
		result.Err = err
		return result
	}
	result.MessageID = id
	messagesProcessedTotal.WithLabelValues(string(decision.Action), string(decision.Priority)).Inc()

	switch decision.Action {
	case core_domain.ActionNotify:
		if err := s.notifier.Notify(ctx, msg, decision.Priority); err != nil {
			s.logger.ErrorContext(ctx, "Notification failed", "error", err, "id", id)
			processingFailuresTotal.WithLabelValues("notify").Inc()
			result.Err = err
		} else {
			result.Notified = true
		}

	case core_domain.ActionIgnore:
		// Ignored messages resolve immediately, without a processing phase.
		if err := s.repo.MarkResolved(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "Failed to resolve ignored message", "error", err, "id", id)
			processingFailuresTotal.WithLabelValues("resolve").Inc()
			result.Err = err
		}

	case core_domain.ActionAutoRespond:
		result = s.autoRespond(ctx, msg, decision, id, result)
	}

	s.logger.InfoContext(ctx, "Message processed",
		"id", id, "sender", msg.Sender, "priority", decision.Priority,
		"action", decision.Action, "notified", result.Notified, "responded", result.Responded)
	return result
}

func (s *Service) autoRespond(ctx context.Context, msg core_domain.NormalizedMessage, decision routing.Decision, id int64, result ProcessResult) ProcessResult {
	if s.responder == nil || decision.AutoResponse == nil {
		s.logger.WarnContext(ctx, "Auto-respond decision without responder or template; leaving message queued", "id", id)
		return result
	}

	vars := map[string]string{
		"sender":  msg.Sender,
		"content": msg.Content,
	}
	for k, v := range msg.Metadata {
		vars[k] = v
	}

	channel := decision.AutoResponse.Channel
	if channel == "" {
		channel = msg.Channel
	}

	if _, err := s.responder.SendResponse(ctx, msg.Sender, decision.AutoResponse.Template, vars, channel); err != nil {
		s.logger.ErrorContext(ctx, "Auto-response dispatch failed", "error", err, "id", id)
		processingFailuresTotal.WithLabelValues("respond").Inc()
		result.Err = err
		return result
	}
	result.Responded = true

	// The reply settles the inbound message; the response row tracks its
	// own delivery lifecycle.
	if err := s.repo.MarkResolved(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "Failed to resolve auto-responded message", "error", err, "id", id)
		processingFailuresTotal.WithLabelValues("resolve").Inc()
		result.Err = err
	}
	return result
}

// ProcessBatch processes messages independently: a failure in one item
// never aborts the others. Results are positionally aligned with the
// input.
func (s *Service) ProcessBatch(ctx context.Context, msgs []core_domain.NormalizedMessage) []ProcessResult {
	results := make([]ProcessResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, s.Process(ctx, msg))
	}
	return results
}

// GetStats returns queue status bucket counts.
func (s *Service) GetStats(ctx context.Context) (queue.Stats, error) {
	return s.repo.GetStats(ctx)
}

// GetPendingMessages lists pending messages, newest first.
func (s *Service) GetPendingMessages(ctx context.Context, limit int) ([]core_domain.Message, error) {
	status := core_domain.StatusPending
	return s.repo.GetQueue(ctx, queue.Filter{Status: &status, Limit: limit})
}

// GetMessagesByPriority lists messages of one priority, newest first.
func (s *Service) GetMessagesByPriority(ctx context.Context, priority core_domain.Priority, limit int) ([]core_domain.Message, error) {
	return s.repo.GetQueue(ctx, queue.Filter{Priority: &priority, Limit: limit})
}

func inboundMetadata(msg core_domain.NormalizedMessage) *string {
	meta := map[string]string{"channel": string(msg.Channel)}
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
