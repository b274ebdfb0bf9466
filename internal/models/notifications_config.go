package models

// NotificationsConfig wires the best-effort fan-out collaborators. All of
// them are optional; an empty section disables that collaborator.
type NotificationsConfig struct {
	// AdminFeedChannel is the Redis pub/sub channel the admin dashboard
	// activity feed subscribes to.
	AdminFeedChannel string `json:"admin_feed_channel,omitzero" yaml:"admin_feed_channel"`

	// ChatWebhookURL receives signed JSON payloads for the team chat feed.
	ChatWebhookURL    string `json:"chat_webhook_url,omitzero" yaml:"chat_webhook_url"`
	ChatWebhookSecret string `json:"chat_webhook_secret,omitzero" yaml:"chat_webhook_secret"`

	// EmailEndpoint is the transactional email relay; EmailFrom is the
	// sender identity it stamps on outbound mail.
	EmailEndpoint string `json:"email_endpoint,omitzero" yaml:"email_endpoint"`
	EmailFrom     string `json:"email_from,omitzero" yaml:"email_from"`

	// WorkerPoolSize/QueueSize shape the dispatch worker pool.
	WorkerPoolSize int `json:"worker_pool_size,omitzero" yaml:"worker_pool_size"`
	QueueSize      int `json:"queue_size,omitzero" yaml:"queue_size"`
}
