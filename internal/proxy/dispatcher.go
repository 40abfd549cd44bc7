package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/talentmesh/gateway/internal/circuitbreaker"
	"github.com/talentmesh/gateway/internal/observability"
	"github.com/talentmesh/gateway/internal/ratelimit"
	"github.com/talentmesh/gateway/internal/routing"
)

// localPaths are served by the gateway itself and bypass rate limiting
// and forwarding.
var localPaths = map[string]struct{}{
	"/health":     {},
	"/healthz":    {},
	"/api/health": {},
}

// errorBody is the JSON error envelope returned for every gateway-authored
// error response.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Dispatcher routes inbound requests through rate limiting, circuit
// breaking and size checks before handing them to the forwarder. Requests
// that match no route fall through to next untouched.
type Dispatcher struct {
	table          *routing.Table
	limiter        *ratelimit.Limiter
	breakers       *circuitbreaker.Registry
	forwarder      *Forwarder
	maxRequestSize int64
	logger         observability.Logger
	metrics        *observability.Metrics
	next           http.Handler
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	table *routing.Table,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	forwarder *Forwarder,
	maxRequestSize int64,
	logger observability.Logger,
	metrics *observability.Metrics,
	next http.Handler,
) *Dispatcher {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return &Dispatcher{
		table:          table,
		limiter:        limiter,
		breakers:       breakers,
		forwarder:      forwarder,
		maxRequestSize: maxRequestSize,
		logger:         logger,
		metrics:        metrics,
		next:           next,
	}
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := localPaths[r.URL.Path]; ok {
		d.next.ServeHTTP(w, r)
		return
	}

	service, ok := d.table.Resolve(r.URL.Path)
	if !ok {
		d.next.ServeHTTP(w, r)
		return
	}

	tw := &timedWriter{ResponseWriter: w, start: time.Now()}
	log := d.logger.WithContext(r.Context())

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling request",
				observability.Any("panic", rec),
				observability.String("stack", string(debug.Stack())))
			if !tw.wroteHeader {
				d.writeError(tw, r, newError(KindInternal,
					http.StatusInternalServerError, "internal server error", nil))
			}
		}
		d.metrics.ObserveRequest(r.Method, service, tw.status, time.Since(tw.start).Seconds())
		log.Info("request completed",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.String("service", service),
			observability.Int("status", tw.status),
			observability.Duration("duration", time.Since(tw.start)))
	}()

	clientID := ratelimit.ClientID(r)
	if decision := d.limiter.Allow(clientID); !decision.Allowed {
		d.metrics.RateLimitDenied(service)
		tw.Header().Set(HeaderRetryAfter, formatSeconds(decision.RetryAfter))
		d.writeError(tw, r, newError(KindRateLimited, http.StatusTooManyRequests,
			"rate limit exceeded, try again later", nil))
		return
	}

	breaker := d.breakers.GetOrCreate(service)
	allowed, retryAfter := breaker.Allow()
	if !allowed {
		tw.Header().Set(HeaderRetryAfter, formatSeconds(retryAfter))
		d.writeError(tw, r, newError(KindCircuitOpen, http.StatusServiceUnavailable,
			"service "+service+" is temporarily unavailable", nil))
		return
	}

	if r.ContentLength > d.maxRequestSize {
		// The request never reached the backend: release a half-open
		// trial slot without recording an outcome.
		breaker.CancelTrial()
		d.writeError(tw, r, newError(KindRequestTooLarge,
			http.StatusRequestEntityTooLarge, "request body exceeds the maximum allowed size", nil))
		return
	}
	r.Body = http.MaxBytesReader(tw, r.Body, d.maxRequestSize)

	d.metrics.RequestStarted(service)
	status, err := d.forwarder.Forward(tw, r, service)
	d.metrics.RequestFinished(service)

	if err != nil {
		d.recordOutcome(breaker, service, err)
		var perr *Error
		if e, ok := err.(*Error); ok {
			perr = e
		} else {
			perr = newError(KindInternal, http.StatusInternalServerError,
				"internal server error", err)
		}
		log.Error("forwarding failed",
			observability.String("service", service),
			observability.String("kind", perr.Kind),
			observability.Error(err))
		if !tw.wroteHeader {
			d.writeError(tw, r, perr)
		}
		return
	}

	if status >= http.StatusInternalServerError {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	d.publishBreakerState(service, breaker)
}

// recordOutcome maps a forwarding error to a breaker outcome. Only upstream
// failures count against the breaker; client-side errors never reached the
// backend and release a half-open trial slot without closing the circuit.
func (d *Dispatcher) recordOutcome(breaker *circuitbreaker.Breaker, service string, err error) {
	kind := KindInternal
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	switch kind {
	case KindUpstreamTimeout, KindUpstreamTransport, KindUpstreamStatus, KindNoEndpoints:
		breaker.RecordFailure()
	default:
		breaker.CancelTrial()
	}
	d.publishBreakerState(service, breaker)
}

func (d *Dispatcher) publishBreakerState(service string, breaker *circuitbreaker.Breaker) {
	d.metrics.SetCircuitBreakerState(service, int(breaker.State()))
}

// writeError writes the JSON error envelope for a gateway-authored failure.
func (d *Dispatcher) writeError(w http.ResponseWriter, r *http.Request, perr *Error) {
	correlationID := observability.CorrelationIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if correlationID != "" {
		w.Header().Set(HeaderCorrelationID, correlationID)
	}
	w.WriteHeader(perr.Status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:         perr.Kind,
		Message:       perr.Message,
		CorrelationID: correlationID,
	})
}

// formatSeconds renders a duration as whole seconds for Retry-After,
// rounding up so the client never retries early.
func formatSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// timedWriter stamps X-Response-Time just before the first header write and
// records the response status.
type timedWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (t *timedWriter) WriteHeader(code int) {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	t.status = code
	t.Header().Set(HeaderResponseTime, fmt.Sprintf("%.3f", time.Since(t.start).Seconds()))
	t.ResponseWriter.WriteHeader(code)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streamed responses reach the
// client incrementally.
func (t *timedWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
