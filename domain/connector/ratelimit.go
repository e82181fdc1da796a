package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/metrics"
)

// Limiter hands out one token bucket per (tenant, service). Buckets
// are shared across chunks so concurrent chunks of the same tenant
// stay inside the source's budget together.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	waitMax time.Duration
}

// NewLimiter creates a limiter that refuses to queue a request longer
// than waitMax, surfacing RateLimited instead.
func NewLimiter(waitMax time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		waitMax: waitMax,
	}
}

// Wait blocks until the (tenant, service) bucket admits one request.
// A zero rps disables limiting for the pair.
func (l *Limiter) Wait(ctx context.Context, tenantID, service string, rps float64, burst int) error {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}

	bucket := l.bucket(tenantID+"/"+service, rps, burst)

	res := bucket.Reserve()
	if !res.OK() {
		return apperror.Newf(apperror.KindRateLimited,
			"rate bucket for %s/%s cannot admit the request", tenantID, service)
	}
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	if delay > l.waitMax {
		res.Cancel()
		return apperror.Newf(apperror.KindRateLimited,
			"rate bucket for %s/%s is %s behind", tenantID, service, delay.Round(time.Second)).
			WithRetryAfter(delay)
	}

	metrics.RateLimitWaits.WithLabelValues(service).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) bucket(key string, rps float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(rps), burst)
		l.buckets[key] = b
	}
	return b
}
