// Package worker persists console events published on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// Worker drains audit events and scored payloads from the EventBus into the
// repository, keeping persistence off the request path.
type Worker struct {
	bus  domain.EventBus
	repo domain.Repository

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	auditSaved    atomic.Int64
	payloadsSaved atomic.Int64
	failures      atomic.Int64
}

// NewWorker creates a new recorder worker.
func NewWorker(bus domain.EventBus, repo domain.Repository) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the audit and claim-scored topics.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	handlers := map[string]domain.MessageHandler{
		domain.TopicAudit:       w.recordAudit,
		domain.TopicClaimScored: w.recordPayload,
	}

	for topic, handler := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, topic, handler)
		if err != nil {
			w.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"topics", len(w.subscriptions),
	)
	return nil
}

// recordAudit stores one audit event.
func (w *Worker) recordAudit(ctx context.Context, msg *domain.Message) error {
	var ev domain.AuditEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failures.Add(1)
		slog.Error("failed to parse audit event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := w.repo.SaveAuditEvent(ctx, &ev); err != nil {
		w.failures.Add(1)
		slog.Error("failed to save audit event",
			"event_id", ev.ID,
			"action", ev.Action,
			"error", err,
		)
		return err
	}

	w.auditSaved.Add(1)
	slog.Debug("audit event recorded",
		"event_id", ev.ID,
		"action", ev.Action,
		"resource_id", ev.ResourceID,
	)
	return nil
}

// recordPayload snapshots a scored payload so alerts can be reopened later.
func (w *Worker) recordPayload(ctx context.Context, msg *domain.Message) error {
	var p domain.ScoringPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		w.failures.Add(1)
		slog.Error("failed to parse scored payload",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := w.repo.SavePayload(ctx, &p); err != nil {
		w.failures.Add(1)
		slog.Error("failed to save payload snapshot",
			"claim_id", p.ClaimID,
			"error", err,
		)
		return err
	}

	w.payloadsSaved.Add(1)
	slog.Debug("payload snapshot recorded",
		"claim_id", p.ClaimID,
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.unsubscribeLocked()
	w.mu.Unlock()

	slog.Info("workers stopped")
	return nil
}

func (w *Worker) unsubscribeLocked() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	AuditSaved        int64    `json:"auditSaved"`
	PayloadsSaved     int64    `json:"payloadsSaved"`
	Failures          int64    `json:"failures"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		AuditSaved:        w.auditSaved.Load(),
		PayloadsSaved:     w.payloadsSaved.Load(),
		Failures:          w.failures.Load(),
	}
}
