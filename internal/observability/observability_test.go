package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/runtime"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

// counterValue extracts a counter's value from the registry by metric
// name and label values.
func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	var families []*dto.MetricFamily
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, met := range mf.GetMetric() {
			for _, lp := range met.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return met.GetCounter().GetValue()
		}
	}
	return 0
}

type stubRuntime struct {
	startErr error
	execRes  runtime.ExecResult
	execErr  error
}

func (s *stubRuntime) Ping(context.Context) error { return nil }
func (s *stubRuntime) StartContainer(context.Context, runtime.ContainerSpec) (*runtime.Container, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &runtime.Container{ID: "c1"}, nil
}
func (s *stubRuntime) StopContainer(context.Context, string) error { return nil }
func (s *stubRuntime) Exec(context.Context, string, runtime.ExecRequest) (*runtime.ExecResult, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	res := s.execRes
	return &res, nil
}
func (s *stubRuntime) Attach(context.Context, string) (runtime.AttachStream, error) {
	return nil, errors.New("unsupported")
}
func (s *stubRuntime) HealthCheck(context.Context, string) error { return nil }

func TestInstrumentedRuntimeCountsStarts(t *testing.T) {
	m := NewMetricsCollector()
	ok := NewInstrumentedRuntime(&stubRuntime{}, m, nil)
	failing := NewInstrumentedRuntime(&stubRuntime{startErr: errors.New("boom")}, m, nil)

	if _, err := ok.StartContainer(context.Background(), runtime.ContainerSpec{SessionID: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := failing.StartContainer(context.Background(), runtime.ContainerSpec{SessionID: "s"}); err == nil {
		t.Fatal("expected start error")
	}

	if got := counterValue(t, m, "sanduku_container_starts_total", map[string]string{"status": "success"}); got != 1 {
		t.Errorf("success starts = %v, want 1", got)
	}
	if got := counterValue(t, m, "sanduku_container_starts_total", map[string]string{"status": "error"}); got != 1 {
		t.Errorf("error starts = %v, want 1", got)
	}
}

func TestInstrumentedRuntimeExecStatuses(t *testing.T) {
	tests := []struct {
		name   string
		rt     *stubRuntime
		status string
	}{
		{"success", &stubRuntime{}, "success"},
		{"timeout", &stubRuntime{execRes: runtime.ExecResult{TimedOut: true, ExitCode: -1}}, "timeout"},
		{"nonzero exit", &stubRuntime{execRes: runtime.ExecResult{ExitCode: 2}}, "nonzero_exit"},
		{"error", &stubRuntime{execErr: errors.New("not running")}, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMetricsCollector()
			ir := NewInstrumentedRuntime(tc.rt, m, nil)

			ir.Exec(context.Background(), "c1", runtime.ExecRequest{})

			if got := counterValue(t, m, "sanduku_exec_executions_total", map[string]string{"status": tc.status}); got != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tc.status, got)
			}
		})
	}
}

func TestTransitionRecorder(t *testing.T) {
	m := NewMetricsCollector()
	rec := NewTransitionRecorder(m)

	rec.SessionTransitioned(uuid.New(), domain.StateRunning, "")
	rec.SessionTransitioned(uuid.New(), domain.StateRunning, "")
	rec.SessionTransitioned(uuid.New(), domain.StateError, "container died")

	if got := counterValue(t, m, "sanduku_session_transitions_total", map[string]string{"to": "running"}); got != 2 {
		t.Errorf("transitions{to=running} = %v, want 2", got)
	}
	if got := counterValue(t, m, "sanduku_session_transitions_total", map[string]string{"to": "error"}); got != 1 {
		t.Errorf("transitions{to=error} = %v, want 1", got)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("runtime", func(context.Context) error { return errors.New("docker unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v, want ok", status.Checks["store"])
	}
	if status.Checks["runtime"].Status != "fail" {
		t.Errorf("runtime check = %+v, want fail", status.Checks["runtime"])
	}

	// Liveness is independent of dependency health.
	if h.CheckHealth().Status != "ok" {
		t.Error("liveness should always be ok")
	}
}
