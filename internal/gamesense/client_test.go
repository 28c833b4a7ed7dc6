package gamesense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeSink struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	delay    time.Duration
	// rejected events are answered with 400
	rejected map[string]bool
}

func (f *fakeSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status, delay := f.status, f.delay
	if event, _ := rec.Body["event"].(string); f.rejected[event] {
		status = http.StatusBadRequest
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (f *fakeSink) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func newTestClient(t *testing.T, address string, opts Options) *Client {
	t.Helper()
	opts.Endpoint = Endpoint{
		BaseAddress: address,
		Game:        "TF2",
		DisplayName: "Team Fortress 2",
		Developer:   "gamesense-bridge",
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
	}{
		{"no scheme", Endpoint{BaseAddress: "localhost:51234", Game: "TF2"}},
		{"ftp scheme", Endpoint{BaseAddress: "ftp://localhost", Game: "TF2"}},
		{"no game", Endpoint{BaseAddress: "http://localhost:51234"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Options{Endpoint: tt.endpoint}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	c.Register(context.Background())

	reqs := sink.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Method != http.MethodPost || reqs[0].Path != "/game_metadata" {
		t.Errorf("unexpected request %s %s", reqs[0].Method, reqs[0].Path)
	}
	want := map[string]any{
		"game":              "TF2",
		"game_display_name": "Team Fortress 2",
		"developer":         "gamesense-bridge",
	}
	for k, v := range want {
		if reqs[0].Body[k] != v {
			t.Errorf("%s = %v, want %v", k, reqs[0].Body[k], v)
		}
	}
}

func TestRegisterUnreachableDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := srv.URL
	srv.Close()

	c := newTestClient(t, address, Options{})
	c.Register(context.Background())
	c.RegisterEvent(context.Background(), DefaultEventSpec("KILL"))
}

func TestRegisterEvent(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	spec := DefaultEventSpec("HEADSHOT")
	spec.IconID = 113
	c.RegisterEvent(context.Background(), spec)

	reqs := sink.recorded()
	if len(reqs) != 1 || reqs[0].Path != "/register_game_event" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	body := reqs[0].Body
	if body["event"] != "HEADSHOT" || body["icon_id"] != float64(113) {
		t.Errorf("unexpected body: %v", body)
	}
	if body["min_value"] != float64(0) || body["max_value"] != float64(100) || body["value_optional"] != true {
		t.Errorf("unexpected bounds: %v", body)
	}
}

func TestDeliver(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	collector := metrics.NewCollector()
	c := newTestClient(t, srv.URL, Options{Metrics: collector})

	if err := c.Deliver(context.Background(), "HEALTH", types.IntPtr(85)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := c.Deliver(context.Background(), "KILL", nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	reqs := sink.recorded()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}

	if reqs[0].Path != "/game_event" || reqs[0].Body["event"] != "HEALTH" || reqs[0].Body["game"] != "TF2" {
		t.Errorf("unexpected first request: %+v", reqs[0])
	}
	data, ok := reqs[0].Body["data"].(map[string]any)
	if !ok || data["value"] != float64(85) {
		t.Errorf("data = %v, want value 85", reqs[0].Body["data"])
	}

	data, ok = reqs[1].Body["data"].(map[string]any)
	if !ok {
		t.Fatalf("data missing for valueless event: %v", reqs[1].Body)
	}
	if _, has := data["value"]; has {
		t.Errorf("valueless event should not carry a value: %v", data)
	}

	metric := &dto.Metric{}
	if err := collector.EventsDelivered.WithLabelValues("HEALTH").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("delivered = %v, want 1", got)
	}
}

func TestDeliverTimeout(t *testing.T) {
	sink := &fakeSink{delay: 200 * time.Millisecond}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{DeliverTimeout: 20 * time.Millisecond})

	start := time.Now()
	if err := c.Deliver(context.Background(), "HEALTH", types.IntPtr(1)); err == nil {
		t.Error("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Deliver took %v, timeout not applied", elapsed)
	}
}

func TestDeliverErrorStatus(t *testing.T) {
	sink := &fakeSink{status: http.StatusBadRequest}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	err := c.Deliver(context.Background(), "HEALTH", types.IntPtr(1))

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 status error, got %v", err)
	}
}

func TestDeliverRejectedEventDoesNotBlockOthers(t *testing.T) {
	sink := &fakeSink{rejected: map[string]bool{"BAD": true}}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	for i := 0; i < 10; i++ {
		if err := c.Deliver(context.Background(), "BAD", nil); err == nil {
			t.Fatal("expected error for rejected event")
		}
	}
	if state := c.Breaker().State(); state != reliability.StateClosed {
		t.Fatalf("breaker state = %v after rejections, want closed", state)
	}

	if err := c.Deliver(context.Background(), "GOOD", nil); err != nil {
		t.Fatalf("Deliver GOOD: %v", err)
	}
	reqs := sink.recorded()
	if len(reqs) != 11 || reqs[10].Body["event"] != "GOOD" {
		t.Errorf("sink did not receive GOOD after rejections: %d requests", len(reqs))
	}
}

func TestDeliverTimeoutsDoNotTrip(t *testing.T) {
	sink := &fakeSink{delay: 60 * time.Millisecond}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{DeliverTimeout: 10 * time.Millisecond})

	for i := 0; i < 6; i++ {
		if err := c.Deliver(context.Background(), "HEALTH", types.IntPtr(i)); err == nil {
			t.Fatal("expected timeout error")
		}
	}
	if state := c.Breaker().State(); state != reliability.StateClosed {
		t.Errorf("breaker state = %v after timeouts, want closed", state)
	}
}

func TestDeliverCircuitOpenSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := srv.URL
	srv.Close()

	var dials atomic.Int32
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		Name:      "test",
		Threshold: 2,
		Cooldown:  time.Minute,
		Trips:     Unreachable,
	})
	c := newTestClient(t, address, Options{
		Breaker:    breaker,
		HTTPClient: &http.Client{Transport: transport},
	})

	for i := 0; i < 2; i++ {
		if err := c.Deliver(context.Background(), "KILL", nil); !Unreachable(err) {
			t.Fatalf("expected connection failure, got %v", err)
		}
	}
	if breaker.State() != reliability.StateOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}

	err := c.Deliver(context.Background(), "KILL", nil)
	if !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestUnreachable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status", &StatusError{Endpoint: EndpointEvent, Code: http.StatusBadRequest}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"wrapped", fmt.Errorf("post game_event: %w", &net.OpError{Op: "dial", Err: errors.New("no route to host")}), true},
		{"read", &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, false},
		{"dial timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Unreachable(tt.err); got != tt.want {
				t.Errorf("Unreachable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestSendText(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	if err := c.SendText(context.Background(), "STATS_DISPLAY", []string{"Kills: 3", "Headshots: 1"}); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	reqs := sink.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	data := reqs[0].Body["data"].(map[string]any)
	lines, ok := data["lines"].([]any)
	if !ok || len(lines) != 2 {
		t.Fatalf("lines = %v", data["lines"])
	}
	first := lines[0].(map[string]any)
	if first["text"] != "Kills: 3" || first["has_text"] != true {
		t.Errorf("first line = %v", first)
	}
}

func TestProbe(t *testing.T) {
	sink := &fakeSink{status: http.StatusNotFound}
	srv := httptest.NewServer(sink)

	collector := metrics.NewCollector()
	c := newTestClient(t, srv.URL, Options{Metrics: collector})

	// Any response counts, even 404
	if !c.Probe(context.Background()) {
		t.Error("expected reachable")
	}
	if reqs := sink.recorded(); len(reqs) != 1 || reqs[0].Method != http.MethodGet {
		t.Errorf("unexpected probe requests: %+v", reqs)
	}

	metric := &dto.Metric{}
	if err := collector.SinkReachable.Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Error("reachable gauge should be 1")
	}

	srv.Close()
	if c.Probe(context.Background()) {
		t.Error("expected unreachable after server closed")
	}
}

func TestProbeTimeout(t *testing.T) {
	sink := &fakeSink{delay: 300 * time.Millisecond}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{ProbeTimeout: 20 * time.Millisecond})
	if c.Probe(context.Background()) {
		t.Error("expected slow sink to be unreachable")
	}
}

func TestLogFailureIsRateLimited(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", Options{FailureLogRate: 0.001})

	for i := 0; i < 10; i++ {
		c.logFailure(EndpointEvent, "KILL", errors.New("refused"))
	}
	// burst of 3 passes, the rest are counted
	if got := c.suppressed.Load(); got != 7 {
		t.Errorf("suppressed = %d, want 7", got)
	}
}
