package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "identity.pairing.v1"

const checkTimeout = 3 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the policy engine can evaluate (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker derives readiness from the database and the policy engine and publishes it to a
// gRPC health server. A nil pinger or policy checker is skipped.
type Checker struct {
	hs     *health.Server
	pinger Pinger
	policy PolicyChecker
}

// NewChecker returns a Checker that reports into hs.
func NewChecker(hs *health.Server, pinger Pinger, policy PolicyChecker) *Checker {
	return &Checker{hs: hs, pinger: pinger, policy: policy}
}

// Status runs the readiness checks once.
func (c *Checker) Status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			log.Printf("health: policy check failed: %v", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Update runs the checks and publishes the result for "" and ServiceName.
func (c *Checker) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := c.Status(ctx)
	if c.hs != nil {
		c.hs.SetServingStatus("", st)
		c.hs.SetServingStatus(ServiceName, st)
	}
	return st
}

// Run updates the published status every interval until ctx is done, then marks the server
// as shutting down.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Update(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if c.hs != nil {
				c.hs.Shutdown()
			}
			return
		case <-t.C:
			c.Update(ctx)
		}
	}
}

// Liveness handles GET /healthz.
func Liveness(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "SERVING")
}

// Readiness handles GET /readyz with the result of a fresh check.
func (c *Checker) Readiness(w http.ResponseWriter, r *http.Request) {
	st := c.Status(r.Context())
	code := http.StatusOK
	if st != healthpb.HealthCheckResponse_SERVING {
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, st.String())
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
