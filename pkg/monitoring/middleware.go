package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/types"
)

// MonitoringMiddleware combines metrics, tracing, and logging. Any of the
// three may be nil.
type MonitoringMiddleware struct {
	metrics *Metrics
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *Metrics, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// Metrics returns the metrics collector, which may be nil
func (mm *MonitoringMiddleware) Metrics() *Metrics {
	if mm == nil {
		return nil
	}
	return mm.metrics
}

// Tracing returns the tracing manager, which may be nil
func (mm *MonitoringMiddleware) Tracing() *TracingManager {
	if mm == nil {
		return nil
	}
	return mm.tracing
}

// RequestMiddleware assigns a request id, records it for logging, and logs
// the completed request
func (mm *MonitoringMiddleware) RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			ctx = logger.ContextWithTraceID(ctx, traceID)
		}

		wrapper := &monitoringResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		wrapper.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		if mm.logger != nil {
			mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.UserAgent(), r.RemoteAddr,
				wrapper.statusCode, time.Since(start).Milliseconds())
		}
	})
}

// ObserveStore wraps one document store operation with a span, a duration
// histogram, and an error counter labelled by error code
func (mm *MonitoringMiddleware) ObserveStore(ctx context.Context, backend, operation string, fn func(context.Context) error) error {
	if mm == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := mm.tracing.StartStoreSpan(ctx, backend, operation)
	defer span.End()

	err := fn(ctx)

	code := ""
	if err != nil {
		code = types.ErrCodeInternalError
		if se, ok := types.AsScribeError(err); ok {
			code = se.Code
		}
		RecordError(span, err)
	}
	span.SetAttributes(attribute.String("scribe.result", resultLabel(code)))
	mm.metrics.RecordStoreOperation(operation, code, time.Since(start))
	return err
}

func resultLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}
