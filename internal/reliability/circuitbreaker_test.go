package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
)

var (
	errDown     = errors.New("connection refused")
	errRejected = errors.New("status 400")
)

// downOnly trips on errDown and treats every other error as an answer
func downOnly(err error) bool {
	return errors.Is(err, errDown)
}

func fail(err error) func() error {
	return func() error { return err }
}

func ok() error { return nil }

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.Name() != "default" {
		t.Errorf("name = %q, want default", cb.Name())
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}

	for i := 0; i < defaultThreshold-1; i++ {
		_ = cb.Execute(context.Background(), fail(errDown))
	}
	if cb.State() != StateClosed {
		t.Fatalf("opened before %d failures", defaultThreshold)
	}
	_ = cb.Execute(context.Background(), fail(errDown))
	if cb.State() != StateOpen {
		t.Errorf("state = %v after %d failures, want open", cb.State(), defaultThreshold)
	}
}

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	tests := []struct {
		name    string
		results []error
		want    State
	}{
		{"all tripping", []error{errDown, errDown, errDown}, StateOpen},
		{"success breaks streak", []error{errDown, errDown, nil, errDown, errDown}, StateClosed},
		{"answer breaks streak", []error{errDown, errDown, errRejected, errDown, errDown}, StateClosed},
		{"answers only", []error{errRejected, errRejected, errRejected, errRejected}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Threshold: 3,
				Cooldown:  time.Minute,
				Trips:     downOnly,
			})
			for _, err := range tt.results {
				if got := cb.Execute(context.Background(), fail(err)); got != err {
					t.Fatalf("Execute returned %v, want %v", got, err)
				}
			}
			if cb.State() != tt.want {
				t.Errorf("state = %v, want %v", cb.State(), tt.want)
			}
		})
	}
}

func TestCircuitBreakerOpenRejectsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Cooldown: time.Minute})
	_ = cb.Execute(context.Background(), fail(errDown))

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function ran while open")
	}
}

func TestCircuitBreakerTrialCall(t *testing.T) {
	tests := []struct {
		name   string
		result error
		want   State
	}{
		{"success closes", nil, StateClosed},
		{"answer closes", errRejected, StateClosed},
		{"tripping failure reopens", errDown, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Threshold: 1,
				Cooldown:  20 * time.Millisecond,
				Trips:     downOnly,
			})
			_ = cb.Execute(context.Background(), fail(errDown))

			time.Sleep(30 * time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", cb.State())
			}

			_ = cb.Execute(context.Background(), fail(tt.result))
			if cb.State() != tt.want {
				t.Errorf("state = %v, want %v", cb.State(), tt.want)
			}
		})
	}
}

func TestCircuitBreakerSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), fail(errDown))
	time.Sleep(20 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(context.Background(), ok); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second trial error = %v, want ErrTooManyRequests", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerPanicFreesTrial(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), fail(errDown))
	time.Sleep(20 * time.Millisecond)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	}()

	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Errorf("trial after panic: %v", err)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	var changes []State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "sink",
		Threshold: 2,
		Cooldown:  time.Minute,
		OnStateChange: func(name string, from, to State) {
			if name != "sink" {
				t.Errorf("name = %q", name)
			}
			changes = append(changes, to)
		},
	})

	_ = cb.Execute(context.Background(), fail(errDown))
	_ = cb.Execute(context.Background(), fail(errDown))
	cb.Reset()
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("state after reset = %v, want closed", cb.State())
	}
	if len(changes) != 2 || changes[0] != StateOpen || changes[1] != StateClosed {
		t.Errorf("state changes = %v, want [open closed]", changes)
	}

	// the failure streak starts over
	_ = cb.Execute(context.Background(), fail(errDown))
	if cb.State() != StateClosed {
		t.Errorf("one failure after reset opened the breaker")
	}
}

func TestCircuitBreakerCanceledContext(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if called || cb.State() != StateClosed {
		t.Error("canceled call should neither run nor count")
	}
}

func TestCircuitBreakerPublishesMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:      "gamesense",
		Threshold: 2,
		Cooldown:  time.Minute,
		Metrics:   collector,
	})

	gauge := func(vec *prometheus.GaugeVec) float64 {
		m := &dto.Metric{}
		if err := vec.WithLabelValues("gamesense").Write(m); err != nil {
			t.Fatalf("Write: %v", err)
		}
		return m.GetGauge().GetValue()
	}

	_ = cb.Execute(context.Background(), fail(errDown))
	if got := gauge(collector.CircuitBreakerConsecutive); got != 1 {
		t.Errorf("consecutive failures = %v, want 1", got)
	}

	_ = cb.Execute(context.Background(), fail(errDown))
	if got := gauge(collector.CircuitBreakerState); got != float64(StateOpen) {
		t.Errorf("state gauge = %v, want %v", got, float64(StateOpen))
	}

	cb.Reset()
	if got := gauge(collector.CircuitBreakerState); got != float64(StateClosed) {
		t.Errorf("state gauge after reset = %v, want 0", got)
	}
	if got := gauge(collector.CircuitBreakerConsecutive); got != 0 {
		t.Errorf("consecutive failures after reset = %v, want 0", got)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
