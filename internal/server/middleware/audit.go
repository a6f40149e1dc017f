package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"identity-pairing/backend/internal/audit"
)

// Audit returns middleware that records an audit entry after each authenticated request.
// skipRoutes is the set of route patterns to not audit (e.g. the event stream).
// LogEvent is best-effort, so failures never reach the client.
func Audit(logger audit.AuditLogger, skipRoutes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if logger == nil {
				return
			}
			pattern := routePattern(r)
			if pattern == "" || skipRoutes[pattern] {
				return
			}
			userID, _ := GetUserID(r.Context())
			if userID == "" {
				return
			}
			ar := audit.ParseRoute(r.Method, pattern)
			meta, _ := json.Marshal(map[string]int{"status": ww.Status()})
			logger.LogEvent(r.Context(), audit.Entry{
				UserID:   userID,
				Action:   ar.Action,
				Resource: ar.Resource,
				Metadata: string(meta),
			})
		})
	}
}

// routePattern returns the matched chi route pattern, or "" outside a chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// ClientIPContext stores ClientIP(r) in the request context for code that only sees a context.
func ClientIPContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ClientIP(r))))
	})
}

// ClientIP returns the client IP from X-Forwarded-For, X-Real-IP or the remote address, or "unknown".
func ClientIP(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-Real-IP")); s != "" {
		return s
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
