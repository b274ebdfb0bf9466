package notifications

import (
	"context"

	"github.com/campusbridge/partner-api/internal/services"
)

// EmailSender relays billing-relevant events to the transactional email
// service. Routine entitlement traffic (unlocks) is not emailed.
type EmailSender struct {
	client *services.Client
	from   string
}

func NewEmailSender(endpoint, from string) *EmailSender {
	return &EmailSender{
		client: services.NewClient(endpoint),
		from:   from,
	}
}

func (e *EmailSender) Name() string {
	return "email"
}

// emailWorthy filters event types down to the ones a billing contact should
// hear about.
func emailWorthy(eventType string) bool {
	switch eventType {
	case EventSubscriptionStarted, EventSubscriptionRenewed,
		EventSubscriptionCanceled, EventPaymentFailed, EventAutoReload:
		return true
	}
	return false
}

type emailMessage struct {
	From      string         `json:"from"`
	CompanyID string         `json:"company_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e *EmailSender) Send(ctx context.Context, event Event) error {
	if !emailWorthy(event.Type) {
		return nil
	}

	msg := emailMessage{
		From:      e.from,
		CompanyID: event.CompanyID,
		Subject:   event.Title,
		Body:      event.Message,
		Data:      event.Data,
	}

	return e.client.Post("/messages", msg, nil, &services.RequestOptions{Context: ctx})
}
