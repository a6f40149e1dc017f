package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"identity-pairing/backend/internal/telemetry"
	"identity-pairing/backend/internal/telemetry/domain"
)

// httpRequestMetadata is the JSON shape stored in Event.Metadata for http_request events.
type httpRequestMetadata struct {
	Method     string `json:"method"`
	Route      string `json:"route"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// Telemetry returns middleware that emits an http_request event after each request.
// Best-effort: emits run asynchronously and failures are only logged. If emitter is nil, the
// middleware only forwards. skipRoutes is the set of route patterns to not emit (e.g. /healthz).
func Telemetry(emitter telemetry.EventEmitter, skipRoutes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			pattern := routePattern(r)
			if emitter == nil || skipRoutes[pattern] {
				return
			}
			meta := httpRequestMetadata{
				Method:     r.Method,
				Route:      pattern,
				StatusCode: ww.Status(),
				DurationMs: time.Since(start).Milliseconds(),
				ClientIP:   ClientIP(r),
			}
			metaJSON, _ := json.Marshal(meta)
			userID, _ := GetUserID(r.Context())
			telemetry.EmitAsync(emitter, r.Context(), &domain.Event{
				EventType: domain.EventHTTPRequest,
				Source:    "http_middleware",
				UserID:    userID,
				Metadata:  metaJSON,
			})
		})
	}
}
