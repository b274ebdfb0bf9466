package models

// RedisConfig holds the Redis connection used for the auto-reload lock, the
// payment-gateway circuit breaker, and the admin activity feed.
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}
