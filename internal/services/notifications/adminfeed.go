package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campusbridge/partner-api/internal/utils"
	"github.com/redis/go-redis/v9"
)

// AdminFeed publishes events to the Redis channel the admin dashboard's
// activity feed tails. It also keeps a capped backlog list so a freshly
// connected dashboard can show recent history.
type AdminFeed struct {
	client  *redis.Client
	channel string
}

const adminFeedBacklog = 500

func NewAdminFeed(client *redis.Client, channel string) *AdminFeed {
	return &AdminFeed{client: client, channel: channel}
}

func (f *AdminFeed) Name() string {
	return "admin_feed"
}

func (f *AdminFeed) Send(ctx context.Context, event Event) error {
	buf := utils.Get()
	defer utils.Put(buf)

	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return fmt.Errorf("failed to encode admin feed event: %w", err)
	}
	payload := buf.String()

	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish admin feed event: %w", err)
	}

	backlogKey := f.channel + ":backlog"
	pipe := f.client.Pipeline()
	pipe.LPush(ctx, backlogKey, payload)
	pipe.LTrim(ctx, backlogKey, 0, adminFeedBacklog-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append admin feed backlog: %w", err)
	}

	return nil
}
