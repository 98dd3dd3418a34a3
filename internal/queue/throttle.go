package queue

import (
	"golang.org/x/time/rate"
)

// Throttle wraps rate.Limiter as the token bucket gating dequeue (§4.4),
// grounded on the teacher's `RateLimitMiddleware` (internal/api/middleware.go)
// which sizes a Limiter by requests-per-second and burst the same way.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle creates a throttle refilling at maxOrdersPerSecond, sized to
// burstLimit tokens.
func NewThrottle(maxOrdersPerSecond, burstLimit float64) *Throttle {
	if burstLimit <= 0 {
		burstLimit = maxOrdersPerSecond
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(maxOrdersPerSecond), int(burstLimit))}
}

// Allow consumes one token if available (§4.4 "dequeue proceeds only if
// tokens>0; on consume, tokens--").
func (t *Throttle) Allow() bool {
	return t.lim.Allow()
}

// Tokens reports the current available token count, for the health/metrics
// snapshot (§4.4 observable properties, §4.10).
func (t *Throttle) Tokens() float64 {
	return t.lim.Tokens()
}
