package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval and budget events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.purchase.<event_type>
// Event types: approval_required, request_approved, request_rejected,
//              request_cancelled, request_escalated, budget_warning,
//              budget_critical
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt approval
// or ledger operations. Dispatch is fire-once: this engine does not retry.
type NotificationPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	TenantID     string                 `json:"tenant_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Recipients   []string               `json:"recipients,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(nc *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, log: log}
}

// PublishApprovalEvent publishes an approval workflow event.
// Subject: notifications.purchase.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(_ context.Context, eventType, tenantID, requestID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.nc == nil {
		return
	}

	p.publish(eventType, &NotificationEvent{
		EventType:    eventType,
		TenantID:     tenantID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		Severity:     "info",
		Category:     "purchase_approval",
		Payload:      payload,
	})
}

// Notify implements the budget alert dispatcher.
func (p *NotificationPublisher) Notify(_ context.Context, tenantID, alertType string, payload map[string]any) {
	if p.nc == nil {
		return
	}

	severity := "warning"
	if alertType == "budget_critical" {
		severity = "critical"
	}

	p.publish(alertType, &NotificationEvent{
		EventType:    alertType,
		TenantID:     tenantID,
		ResourceType: "budget",
		Severity:     severity,
		Category:     "budget_control",
		Payload:      payload,
	})
}

func (p *NotificationPublisher) publish(eventType string, event *NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.purchase.%s", eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
