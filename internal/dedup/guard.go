// Package dedup provides a Redis-backed guard against duplicate trigger
// events. Event delivery is at-least-once, so every consumer is idempotent
// at the storage layer; this guard is a cheap fast path that drops obvious
// replays before any database work.
//
//	Key:   seen:<event_id>
//	Value: 1
//	TTL:   dedup window
package dedup

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SeenPrefix is the Redis key prefix for processed-event markers.
	SeenPrefix = "seen:"

	// DefaultWindow is how long an event id is remembered. Redeliveries
	// arrive within seconds; an hour is comfortably beyond any broker
	// retry horizon.
	DefaultWindow = 1 * time.Hour
)

// Guard tracks processed event ids in Redis.
type Guard struct {
	client *redis.Client
	window time.Duration
}

// NewGuard creates a Guard using the provided Redis client. A non-positive
// window falls back to the default.
func NewGuard(client *redis.Client, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{client: client, window: window}
}

// FirstDelivery marks eventID as seen and reports whether this is the first
// delivery. On Redis errors it fails open (returns true) so a Redis outage
// degrades to the status-based idempotency check instead of dropping events.
func (g *Guard) FirstDelivery(ctx context.Context, eventID string) bool {
	ok, err := g.client.SetNX(ctx, SeenPrefix+eventID, 1, g.window).Result()
	if err != nil {
		log.Printf("[dedup] setnx %s failed open: %v", eventID, err)
		return true
	}
	return ok
}
