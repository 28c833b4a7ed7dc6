// Package gamesense talks to the local GameSense event engine. Every call
// is fire-and-forget from the caller's point of view: failures are
// counted, traced and logged, never retried.
package gamesense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/tracing"
)

// Sink API paths
const (
	EndpointMetadata      = "game_metadata"
	EndpointRegisterEvent = "register_game_event"
	EndpointEvent         = "game_event"
	EndpointProbe         = "probe"
)

const (
	defaultDeliverTimeout = 300 * time.Millisecond
	defaultProbeTimeout   = time.Second
	// registration is not latency sensitive
	registerTimeout = 2 * time.Second
)

// Endpoint identifies the sink and the game registered with it
type Endpoint struct {
	BaseAddress string
	Game        string
	DisplayName string
	Developer   string
}

// EventSpec describes a sink event for registration
type EventSpec struct {
	Event         string
	MinValue      int
	MaxValue      int
	IconID        int
	ValueOptional bool
}

// DefaultEventSpec returns the registration used when nothing more
// specific is configured
func DefaultEventSpec(event string) EventSpec {
	return EventSpec{
		Event:         event,
		MinValue:      0,
		MaxValue:      100,
		IconID:        1,
		ValueOptional: true,
	}
}

// TextLine is one row of a multi-line text display
type TextLine struct {
	Text    string `json:"text"`
	HasText bool   `json:"has_text"`
}

type gameMetadata struct {
	Game        string `json:"game"`
	DisplayName string `json:"game_display_name"`
	Developer   string `json:"developer"`
}

type eventRegistration struct {
	Game          string `json:"game"`
	Event         string `json:"event"`
	MinValue      int    `json:"min_value"`
	MaxValue      int    `json:"max_value"`
	IconID        int    `json:"icon_id"`
	ValueOptional bool   `json:"value_optional"`
}

type eventData struct {
	Value *int       `json:"value,omitempty"`
	Lines []TextLine `json:"lines,omitempty"`
}

type gameEvent struct {
	Game  string    `json:"game"`
	Event string    `json:"event"`
	Data  eventData `json:"data"`
}

// Options configures a Client
type Options struct {
	Endpoint       Endpoint
	DeliverTimeout time.Duration
	ProbeTimeout   time.Duration
	// Breaker short-circuits deliveries; nil builds one that opens after
	// five consecutive connection failures
	Breaker    *reliability.CircuitBreaker
	HTTPClient *http.Client
	Logger     *logging.Logger
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	// FailureLogRate caps failure log lines per second
	FailureLogRate float64
}

// Client is the sink adapter
type Client struct {
	base           *url.URL
	endpoint       Endpoint
	deliverTimeout time.Duration
	probeTimeout   time.Duration
	http           *http.Client
	breaker        *reliability.CircuitBreaker
	logger         *logging.Logger
	metrics        *metrics.Collector
	tracer         trace.Tracer

	failLog    *rate.Limiter
	suppressed atomic.Uint64
}

// New builds a Client for the configured endpoint
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.Endpoint.BaseAddress, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid sink address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid sink address %q: scheme must be http or https", opts.Endpoint.BaseAddress)
	}
	if strings.TrimSpace(opts.Endpoint.Game) == "" {
		return nil, fmt.Errorf("game identifier is required")
	}

	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = defaultDeliverTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("gamesense-bridge/gamesense")
	}
	if opts.Breaker == nil {
		opts.Breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			Name:    "gamesense",
			Trips:   Unreachable,
			Metrics: opts.Metrics,
		})
	}
	if opts.FailureLogRate <= 0 {
		opts.FailureLogRate = 1
	}

	return &Client{
		base:           base,
		endpoint:       opts.Endpoint,
		deliverTimeout: opts.DeliverTimeout,
		probeTimeout:   opts.ProbeTimeout,
		http:           opts.HTTPClient,
		breaker:        opts.Breaker,
		logger:         opts.Logger.WithComponent("gamesense"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		failLog:        rate.NewLimiter(rate.Limit(opts.FailureLogRate), 3),
	}, nil
}

// Endpoint returns the endpoint the client talks to
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Breaker returns the delivery circuit breaker
func (c *Client) Breaker() *reliability.CircuitBreaker {
	return c.breaker
}

// Register announces the game to the sink. Failures are logged only.
func (c *Client) Register(ctx context.Context) {
	payload := gameMetadata{
		Game:        c.endpoint.Game,
		DisplayName: c.endpoint.DisplayName,
		Developer:   c.endpoint.Developer,
	}
	if err := c.post(ctx, EndpointMetadata, "", payload, registerTimeout); err != nil {
		c.logFailure(EndpointMetadata, "", err)
		return
	}
	c.logger.Debug().Str("game", c.endpoint.Game).Msg("Registered game metadata")
}

// RegisterEvent declares one sink event. Failures are logged only.
func (c *Client) RegisterEvent(ctx context.Context, spec EventSpec) {
	payload := eventRegistration{
		Game:          c.endpoint.Game,
		Event:         spec.Event,
		MinValue:      spec.MinValue,
		MaxValue:      spec.MaxValue,
		IconID:        spec.IconID,
		ValueOptional: spec.ValueOptional,
	}
	if err := c.post(ctx, EndpointRegisterEvent, spec.Event, payload, registerTimeout); err != nil {
		c.logFailure(EndpointRegisterEvent, spec.Event, err)
	}
}

// Deliver sends one event occurrence. The error is informational: the
// event is dropped either way.
func (c *Client) Deliver(ctx context.Context, event string, value *int) error {
	payload := gameEvent{
		Game:  c.endpoint.Game,
		Event: event,
		Data:  eventData{Value: value},
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.post(ctx, EndpointEvent, event, payload, c.deliverTimeout)
	})
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.EventsDelivered.WithLabelValues(event).Inc()
		}
	case errors.Is(err, reliability.ErrCircuitOpen), errors.Is(err, reliability.ErrTooManyRequests):
		if c.metrics != nil {
			c.metrics.SinkRequests.WithLabelValues(EndpointEvent, "circuit_open").Inc()
		}
	default:
		c.logFailure(EndpointEvent, event, err)
	}
	return err
}

// SendText pushes a multi-line text display to the given event
func (c *Client) SendText(ctx context.Context, event string, lines []string) error {
	data := eventData{Lines: make([]TextLine, 0, len(lines))}
	for _, line := range lines {
		data.Lines = append(data.Lines, TextLine{Text: line, HasText: true})
	}
	payload := gameEvent{
		Game:  c.endpoint.Game,
		Event: event,
		Data:  data,
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.post(ctx, EndpointEvent, event, payload, c.deliverTimeout)
	})
	if err != nil && !errors.Is(err, reliability.ErrCircuitOpen) && !errors.Is(err, reliability.ErrTooManyRequests) {
		c.logFailure(EndpointEvent, event, err)
	}
	return err
}

// Probe reports whether anything answers at the base address. Any HTTP
// response counts as reachable.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	ctx, span := tracing.TraceSink(ctx, c.tracer, EndpointProbe, "")
	defer span.End()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return false
	}

	resp, err := c.http.Do(req)
	c.observe(EndpointProbe, start, resp, err)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.setReachable(false)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	c.setReachable(true)
	return true
}

// StatusError is returned when the sink answers with a non-2xx status
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Code)
}

// Unreachable reports whether err means no connection to the sink could be
// made. Error statuses and timeouts on an established connection are not
// counted: the sink is up and only that request failed.
func Unreachable(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.Op == "dial" && !opErr.Timeout()
}

func (c *Client) setReachable(ok bool) {
	if c.metrics != nil {
		c.metrics.SetSinkReachable(ok)
	}
}

func (c *Client) post(ctx context.Context, endpoint, event string, payload any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.TraceSink(ctx, c.tracer, endpoint, event)
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}

	start := time.Now()
	reqURL := c.base.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	c.observe(endpoint, start, resp, err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
		tracing.SetStatusCode(ctx, resp.StatusCode)
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (c *Client) observe(endpoint string, start time.Time, resp *http.Response, err error) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.SinkRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.SinkDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// logFailure writes at most FailureLogRate lines per second; the rest are
// counted and reported with the next line that gets through
func (c *Client) logFailure(endpoint, event string, err error) {
	if !c.failLog.Allow() {
		c.suppressed.Add(1)
		return
	}
	entry := c.logger.Warn().Err(err).Str("endpoint", endpoint)
	if event != "" {
		entry = entry.Str("event", event)
	}
	if n := c.suppressed.Swap(0); n > 0 {
		entry = entry.Uint64("suppressed", n)
	}
	entry.Msg("Sink request failed")
}
