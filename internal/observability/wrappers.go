package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/runtime"
)

// InstrumentedRuntime wraps a runtime.Runtime with metrics and tracing.
type InstrumentedRuntime struct {
	inner   runtime.Runtime
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRuntime wraps a container runtime with observability.
func NewInstrumentedRuntime(inner runtime.Runtime, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRuntime {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRuntime{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRuntime) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *InstrumentedRuntime) StartContainer(ctx context.Context, spec runtime.ContainerSpec) (*runtime.Container, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "container.start",
			trace.WithAttributes(
				attribute.String("session.id", spec.SessionID),
			))
		defer span.End()
	}

	start := time.Now()
	ctr, err := r.inner.StartContainer(ctx, spec)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.ContainerStartsTotal.WithLabelValues(status).Inc()
		if err == nil {
			r.metrics.ContainerStartSeconds.Observe(duration)
		}
	}

	return ctr, err
}

func (r *InstrumentedRuntime) StopContainer(ctx context.Context, containerID string) error {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "container.stop")
		defer span.End()
	}
	return r.inner.StopContainer(ctx, containerID)
}

func (r *InstrumentedRuntime) Exec(ctx context.Context, containerID string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "container.exec")
		defer span.End()
	}

	start := time.Now()
	res, err := r.inner.Exec(ctx, containerID, req)
	duration := time.Since(start).Seconds()

	if r.metrics != nil {
		status := "success"
		switch {
		case err != nil:
			status = "error"
		case res.TimedOut:
			status = "timeout"
		case res.ExitCode != 0:
			status = "nonzero_exit"
		}
		r.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		if err == nil {
			r.metrics.ExecutionDuration.Observe(duration)
		}
	}

	if err != nil && r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return res, err
}

func (r *InstrumentedRuntime) Attach(ctx context.Context, containerID string) (runtime.AttachStream, error) {
	return r.inner.Attach(ctx, containerID)
}

func (r *InstrumentedRuntime) HealthCheck(ctx context.Context, containerID string) error {
	return r.inner.HealthCheck(ctx, containerID)
}

// TransitionRecorder is a lifecycle listener that counts committed state
// transitions.
type TransitionRecorder struct {
	metrics *MetricsCollector
}

// NewTransitionRecorder creates a metrics-recording lifecycle listener.
func NewTransitionRecorder(metrics *MetricsCollector) *TransitionRecorder {
	return &TransitionRecorder{metrics: metrics}
}

// SessionTransitioned implements lifecycle.Listener.
func (t *TransitionRecorder) SessionTransitioned(_ uuid.UUID, state domain.SessionState, _ string) {
	if t.metrics == nil {
		return
	}
	t.metrics.SessionTransitions.WithLabelValues(string(state)).Inc()
}

var _ runtime.Runtime = (*InstrumentedRuntime)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
