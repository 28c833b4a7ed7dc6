package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/buffer"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/classifier"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/tailer"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

// Session is one tailing run. The tailing goroutine owns the tailer and
// the classifier state; the dispatch goroutine owns delivery.
type Session struct {
	ID      uint64
	Source  Source
	Started time.Time

	bridge *Bridge
	tailer *tailer.Tailer
	cls    *classifier.Classifier
	state  *classifier.State
	buf    *buffer.RingBuffer
	logger *logging.Logger
	stats  *stats

	span   trace.Span
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSession(parent context.Context, b *Bridge, id uint64, src Source, tl *tailer.Tailer, cls *classifier.Classifier) (*Session, error) {
	bufCfg := buffer.RingBufferConfig{Metrics: b.metrics}
	if b.cfg.Buffer != nil {
		bufCfg.Size = b.cfg.Buffer.Size
		bufCfg.BackpressureStrategy = buffer.BackpressureStrategy(b.cfg.Buffer.Strategy)
		bufCfg.SampleRate = b.cfg.Buffer.SampleRate
	}
	buf, err := buffer.NewRingBuffer(bufCfg)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	ctx, span := tracing.TraceSession(ctx, b.tracer, src.String(), id)

	s := &Session{
		ID:      id,
		Source:  src,
		Started: time.Now(),
		bridge:  b,
		tailer:  tl,
		cls:     cls,
		state:   classifier.NewState(),
		buf:     buf,
		logger:  b.logger.WithSession(id),
		span:    span,
		cancel:  cancel,
	}
	if b.cfg.Sink.StatsEvent != "" {
		s.stats = &stats{}
	}

	if b.metrics != nil {
		b.metrics.SessionsStarted.Inc()
		b.metrics.SessionActive.Set(1)
	}

	s.wg.Add(3)
	go s.register(ctx)
	go s.tail(ctx)
	go s.dispatch(ctx)

	return s, nil
}

// State returns the tailer state
func (s *Session) State() tailer.State {
	return s.tailer.State()
}

// Position returns the tracked file and offset
func (s *Session) Position() types.LogPosition {
	return s.tailer.Position()
}

// Done reports whether both goroutines have exited
func (s *Session) Done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	return ch
}

// stop cancels the session and joins its goroutines
func (s *Session) stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.span.End()
		if m := s.bridge.metrics; m != nil {
			m.SessionActive.Set(0)
		}
		if s.bridge.checkpoint != nil {
			s.bridge.checkpoint.Flush()
		}
	})
}

// register announces the game and mapped events without holding up
// delivery
func (s *Session) register(ctx context.Context) {
	defer s.wg.Done()
	s.bridge.registerAll(ctx)
}

// tail reads lines, classifies them and hands the events to the buffer
// in file order
func (s *Session) tail(ctx context.Context) {
	defer s.wg.Done()
	defer s.buf.Close()

	err := s.tailer.Run(ctx, func(line types.LogLine) {
		events := s.cls.ClassifyLine(line, s.state)
		for i := range events {
			ev := events[i]
			if err := s.buf.Enqueue(&ev); err != nil {
				return
			}
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Tailer exited")
	}
}

// dispatch delivers buffered events until the session is cancelled
func (s *Session) dispatch(ctx context.Context) {
	defer s.wg.Done()

	// An in-flight request finishes under its own timeout rather than
	// being cut off by Stop. No further request starts once ctx is done.
	deliverCtx := context.WithoutCancel(ctx)

	for {
		ev, err := s.buf.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, buffer.ErrBufferClosed) && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("Dispatcher stopped")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, deliverCtx, ev)
	}
}

// deliver fans ev out to its sink identifiers. Requests run on sendCtx;
// ctx is checked between them so Stop waits for one request at most.
func (s *Session) deliver(ctx, sendCtx context.Context, ev *types.ClassifiedEvent) {
	b := s.bridge
	ids := b.mapping.Matches(ev.Kind)

	b.publish(Delivery{Session: s.ID, Event: *ev, SinkIDs: ids})

	if len(ids) == 0 {
		if b.metrics != nil {
			b.metrics.EventsUnmapped.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	for i, id := range ids {
		if i > 0 && ctx.Err() != nil {
			return
		}
		_ = b.client.Deliver(sendCtx, id, ev.Value)
	}

	s.span.AddEvent("event", trace.WithAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.Int("sinks", len(ids)),
	))

	if s.stats != nil && s.stats.observe(ev.Kind) && ctx.Err() == nil {
		_ = b.client.SendText(sendCtx, b.cfg.Sink.StatsEvent, s.stats.lines())
	}
}

// stats counts the session totals shown on the text display
type stats struct {
	kills     int
	deaths    int
	headshots int
}

// observe counts kind and reports whether the display changed
func (st *stats) observe(kind types.EventKind) bool {
	switch kind {
	case types.EventKill:
		st.kills++
	case types.EventDeath:
		st.deaths++
	case types.EventHeadshot:
		st.headshots++
	default:
		return false
	}
	return true
}

func (st *stats) lines() []string {
	return []string{
		fmt.Sprintf("Kills: %d", st.kills),
		fmt.Sprintf("Deaths: %d", st.deaths),
		fmt.Sprintf("Headshots: %d", st.headshots),
	}
}
