// Package requesttime provides middleware for request-scoped time.
// All operations within a single HTTP request use the same "now" timestamp,
// so every history entry written by one batch shares a clock reading.
package requesttime

import (
	"net/http"
	"time"

	"chronicle/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
// An outer request time (a batch sub-request) is kept.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := ctx.Value(requestcontext.ContextKeyRequestTime).(time.Time); !ok {
			ctx = requestcontext.WithTime(ctx, time.Now())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
