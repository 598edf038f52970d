package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Transport is an [http.RoundTripper] that instruments outgoing requests:
//
//  1. Starts an OTel client span for the request.
//  2. Injects W3C Trace Context into the outgoing headers.
//  3. Records request duration to [Metrics.APIRequestDuration] and increments
//     [Metrics.APIRequests] with the response status.
//  4. Logs request completion with status code, duration, and trace info.
//
// A nil Base falls back to [http.DefaultTransport], a nil Metrics to
// [DefaultMetrics].
type Transport struct {
	Base    http.RoundTripper
	Metrics *Metrics
}

// RoundTrip implements [http.RoundTripper]. The incoming request is cloned
// before header injection, as required by the RoundTripper contract.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	m := t.Metrics
	if m == nil {
		m = DefaultMetrics()
	}

	start := time.Now()

	ctx, span := StartSpan(req.Context(), "HTTP "+req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.URL.Path),
		),
	)
	defer span.End()

	req = req.Clone(ctx)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := base.RoundTrip(req)

	duration := time.Since(start)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	} else {
		span.RecordError(err)
	}

	m.APIRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("path", req.URL.Path),
		),
	)
	m.RecordAPIRequest(ctx, req.Method, req.URL.Path, status)

	Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("status", status),
		slog.Duration("duration", duration),
	)

	return resp, err
}
