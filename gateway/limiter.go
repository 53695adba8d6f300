package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// The gateway allows 120 payloads every 60 seconds per connection. We keep a
// margin so heartbeats, which bypass the limiter, always have room.
const (
	gatewaySendsPerMinute = 120
	heartbeatSendMargin   = 6
)

// NewSendLimiter returns the rate limiter applied to the application send
// queue of a single shard.
func NewSendLimiter() *rate.Limiter {
	budget := gatewaySendsPerMinute - heartbeatSendMargin

	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(budget)), budget)
}
