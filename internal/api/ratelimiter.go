package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiter decides whether a console request may go on to the backend.
type rateLimiter interface {
	Allow() bool
}

// backendLimiter is one token bucket shared by every backend-bound route,
// so a busy page cannot flood the backend.
type backendLimiter struct {
	bucket *rate.Limiter
}

func newBackendLimiter(rps float64, burst int) *backendLimiter {
	return &backendLimiter{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *backendLimiter) Allow() bool {
	return l.bucket.Allow()
}

// retryAfter reports how long until the bucket holds a token again.
func (l *backendLimiter) retryAfter() time.Duration {
	r := l.bucket.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// retryAfterSeconds rounds the limiter's hint up to whole seconds, never below one.
func retryAfterSeconds(limiter rateLimiter) string {
	secs := 1
	if hinted, ok := limiter.(interface{ retryAfter() time.Duration }); ok {
		if s := int(math.Ceil(hinted.retryAfter().Seconds())); s > secs {
			secs = s
		}
	}
	return strconv.Itoa(secs)
}

// throttle guards a backend-bound route. A nil limiter leaves the route open.
func throttle(limiter rateLimiter, logger *zap.Logger, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}

		retry := retryAfterSeconds(limiter)
		logger.Warn("backend call throttled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("retry_after", retry),
			zap.String("request_id", requestIDFromContext(r.Context())),
		)
		w.Header().Set("Retry-After", retry)
		writeError(w, http.StatusTooManyRequests, "Too many requests", "backend call budget exhausted",
			"Poll task status less often; results stay available for a day")
	})
}
