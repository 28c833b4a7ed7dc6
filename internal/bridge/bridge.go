// Package bridge is the composition root: it owns the single active tailing
// session and wires tailer, classifier, mapping and sink together.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/classifier"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/gamesense"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/health"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/mapping"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/tailer"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

const eventFeedSize = 64

// Source selects the log a session follows: a fixed Path, or the newest
// file in Dir matching Pattern
type Source struct {
	Path    string
	Dir     string
	Pattern string
}

// SourceFromConfig converts the source section of the config
func SourceFromConfig(cfg config.SourceConfig) Source {
	return Source{Path: cfg.Path, Dir: cfg.Dir, Pattern: cfg.Pattern}
}

// String describes the source for logs and spans
func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Dir + "/" + s.Pattern
}

// Delivery is one classified event together with the sink identifiers it
// was sent to
type Delivery struct {
	Session uint64
	Event   types.ClassifiedEvent
	SinkIDs []string
}

// Options wires a Bridge. Config and Client are required.
type Options struct {
	Config     *config.Config
	Client     *gamesense.Client
	Mapping    *mapping.Mapping
	Checkpoint *checkpoint.Manager
	Health     *health.Checker
	Logger     *logging.Logger
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
}

// Bridge runs at most one tailing session at a time
type Bridge struct {
	cfg        *config.Config
	client     *gamesense.Client
	mapping    *mapping.Mapping
	rules      []classifier.Rule
	checkpoint *checkpoint.Manager
	logger     *logging.Logger
	metrics    *metrics.Collector
	tracer     trace.Tracer

	mu      sync.Mutex
	session *Session
	nextID  uint64
	player  string

	events    chan Delivery
	reachable atomic.Bool
}

// New creates a bridge. The classifier rule table is built once from the
// config and shared by every session.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bridge: config is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("bridge: sink client is required")
	}

	rules, err := classifier.BuildRules(opts.Config.Classifier)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	if opts.Mapping == nil {
		opts.Mapping = mapping.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("gamesense-bridge/bridge")
	}

	b := &Bridge{
		cfg:        opts.Config,
		client:     opts.Client,
		mapping:    opts.Mapping,
		rules:      rules,
		checkpoint: opts.Checkpoint,
		logger:     opts.Logger.WithComponent("bridge"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		player:     opts.Config.PlayerName(),
		events:     make(chan Delivery, eventFeedSize),
	}

	if opts.Health != nil {
		opts.Health.Register("sink", b.sinkHealth)
		opts.Health.Register("tailer", b.tailerHealth)
	}

	return b, nil
}

// Start stops any active session, waits for it to exit, then starts a new
// session on src with fresh classifier state. The session ends when ctx is
// cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context, src Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		b.session.stop()
		b.session = nil
	}

	tl, err := tailer.New(tailer.Config{
		Path:         src.Path,
		Dir:          src.Dir,
		Pattern:      src.Pattern,
		PollInterval: b.cfg.Source.PollInterval,
		IdleInterval: b.cfg.Source.IdleInterval,
		Watch:        b.cfg.Source.Watch,
	}, b.checkpoint, b.logger, b.metrics)
	if err != nil {
		return err
	}

	b.nextID++
	cls := classifier.New(classifier.Options{
		Rules:              b.rules,
		PlayerName:         b.player,
		RequireVictimMatch: b.cfg.Player.RequireVictimMatch,
		Metrics:            b.metrics,
	})

	s, err := newSession(ctx, b, b.nextID, src, tl, cls)
	if err != nil {
		return err
	}
	b.session = s

	b.logger.Info().
		Uint64("session", s.ID).
		Str("source", src.String()).
		Str("player", cls.PlayerName()).
		Msg("Session started")
	return nil
}

// Stop cancels the active session and waits for it to exit. It is a no-op
// when nothing is running.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return
	}
	id := b.session.ID
	b.session.stop()
	b.session = nil
	b.logger.Info().Uint64("session", id).Msg("Session stopped")
}

// Active returns the running session, or nil
func (b *Bridge) Active() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// SetPlayerName changes the identity used for kill/death attribution. It
// applies from the next session.
func (b *Bridge) SetPlayerName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		name = b.cfg.Player.DefaultName
	}
	b.player = name
}

// Events is the ordered feed of classified events. Publishing never
// blocks; deliveries are dropped when the reader falls behind.
func (b *Bridge) Events() <-chan Delivery {
	return b.events
}

func (b *Bridge) publish(d Delivery) {
	select {
	case b.events <- d:
	default:
	}
}

// Mapping returns the live mapping table. Edits take effect for the next
// delivered event.
func (b *Bridge) Mapping() *mapping.Mapping {
	return b.mapping
}

// Reachable reports the result of the last sink probe
func (b *Bridge) Reachable() bool {
	return b.reachable.Load()
}

// RunStatusPoller probes the sink immediately and then every probe
// interval until ctx is cancelled. When the sink comes back the game and
// its events are registered again and the delivery breaker is reset.
func (b *Bridge) RunStatusPoller(ctx context.Context) {
	interval := b.cfg.Sink.ProbeInterval
	if interval <= 0 {
		interval = config.DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce probes the sink. A sink that answers is up, so any open
// breaker is closed without waiting out its cooldown.
func (b *Bridge) pollOnce(ctx context.Context) {
	ok := b.client.Probe(ctx)
	if ok {
		b.client.Breaker().Reset()
	}
	was := b.reachable.Swap(ok)
	if ok == was {
		return
	}

	if !ok {
		b.logger.Warn().Str("address", b.client.Endpoint().BaseAddress).Msg("GameSense unreachable")
		return
	}

	b.logger.Info().Str("address", b.client.Endpoint().BaseAddress).Msg("GameSense reachable")
	b.registerAll(ctx)
}

// registerAll announces the game and every assigned sink event
func (b *Bridge) registerAll(ctx context.Context) {
	b.client.Register(ctx)
	for _, id := range b.mapping.Assigned() {
		b.client.RegisterEvent(ctx, b.eventSpec(id))
	}
	if ev := b.cfg.Sink.StatsEvent; ev != "" {
		b.client.RegisterEvent(ctx, b.eventSpec(ev))
	}
}

func (b *Bridge) eventSpec(sinkID string) gamesense.EventSpec {
	spec := gamesense.DefaultEventSpec(sinkID)
	if icon, ok := b.cfg.Sink.Icons[sinkID]; ok {
		spec.IconID = icon
	}
	return spec
}

func (b *Bridge) sinkHealth(ctx context.Context) health.ComponentHealth {
	meta := map[string]interface{}{
		"address": b.client.Endpoint().BaseAddress,
		"breaker": b.client.Breaker().State().String(),
	}
	switch {
	case !b.Reachable():
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "GameSense unreachable", Metadata: meta}
	case b.client.Breaker().State() != reliability.StateClosed:
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "deliveries suspended", Metadata: meta}
	default:
		return health.ComponentHealth{Status: health.StatusHealthy, Message: "GameSense reachable", Metadata: meta}
	}
}

func (b *Bridge) tailerHealth(ctx context.Context) health.ComponentHealth {
	s := b.Active()
	if s == nil {
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "no active session"}
	}

	pos := s.Position()
	meta := map[string]interface{}{
		"session": s.ID,
		"source":  s.Source.String(),
		"path":    pos.Path,
		"offset":  pos.Offset,
	}
	if s.State() != tailer.StateTailing {
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "waiting for log file", Metadata: meta}
	}
	return health.ComponentHealth{Status: health.StatusHealthy, Message: "tailing", Metadata: meta}
}
