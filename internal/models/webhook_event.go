package models

import "time"

// BillingWebhookEvent stores inbound billing-provider webhook payloads with
// deduplication metadata. The (provider, provider_event_id) unique index makes
// redelivered events a no-op before any handler runs.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider        string     `gorm:"not null;uniqueIndex:ux_billing_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"not null;uniqueIndex:ux_billing_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"index;not null" json:"event_type"`
	PayloadJSON     string     `gorm:"type:text" json:"payload_json"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
