// Command logreplay runs an existing game log through the classifier and
// prints the events it yields. With -deliver the events are also sent to
// the GameSense sink through the configured mapping, paced by -rate.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/classifier"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/gamesense"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/mapping"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	player     = flag.String("player", "", "Player name used for kill/death attribution")
	strategy   = flag.String("strategy", "", "Numeric strategy override (token or marker)")
	format     = flag.String("format", "text", "Output format (text or json)")
	deliver    = flag.Bool("deliver", false, "Send mapped events to the GameSense sink")
	lineRate   = flag.Float64("rate", 0, "Lines per second when delivering (0 = unpaced)")
)

const maxLineSize = 1024 * 1024

// Stats tracks replay totals
type Stats struct {
	lines     int
	events    int
	delivered int
	byKind    map[types.EventKind]int
	startTime time.Time
}

func newStats() *Stats {
	return &Stats{byKind: make(map[types.EventKind]int), startTime: time.Now()}
}

// Report writes a summary of the replay to w
func (s *Stats) Report(w io.Writer) {
	elapsed := time.Since(s.startTime).Seconds()

	fmt.Fprintf(w, "\n=== Replay Statistics ===\n")
	fmt.Fprintf(w, "Duration: %.2f seconds\n", elapsed)
	fmt.Fprintf(w, "Lines: %d\n", s.lines)
	fmt.Fprintf(w, "Events: %d\n", s.events)
	if *deliver {
		fmt.Fprintf(w, "Sink Deliveries: %d\n", s.delivered)
	}

	kinds := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-14s %d\n", k, s.byKind[types.EventKind(k)])
	}
	fmt.Fprintf(w, "=========================\n\n")
}

// sender forwards one event to every sink identifier mapped to its kind
type sender func(ctx context.Context, ev types.ClassifiedEvent) int

// replayer classifies lines read from a log with a single session state
type replayer struct {
	cls     *classifier.Classifier
	state   *classifier.State
	out     io.Writer
	json    bool
	source  string
	limiter *rate.Limiter
	send    sender
	stats   *Stats
}

func (r *replayer) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	enc := json.NewEncoder(r.out)

	var offset uint64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		raw := scanner.Bytes()
		offset += uint64(len(raw)) + 1
		text := strings.ToValidUTF8(strings.TrimRight(string(raw), "\r"), "�")
		r.stats.lines++

		events := r.cls.ClassifyLine(types.LogLine{
			Text:   text,
			Source: r.source,
			Offset: offset,
			Time:   time.Now(),
		}, r.state)

		for _, ev := range events {
			r.stats.events++
			r.stats.byKind[ev.Kind]++

			if r.json {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
			} else {
				fmt.Fprintln(r.out, describe(r.stats.lines, ev))
			}

			if r.send != nil {
				r.stats.delivered += r.send(ctx, ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	return nil
}

func describe(line int, ev types.ClassifiedEvent) string {
	if ev.Value != nil {
		return fmt.Sprintf("%6d  %-14s %d", line, ev.Kind, *ev.Value)
	}
	return fmt.Sprintf("%6d  %s", line, ev.Kind)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <logfile>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if *player != "" {
		cfg.Player.Name = *player
	}
	if *strategy != "" {
		cfg.Classifier.NumericStrategy = *strategy
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
	})

	rules, err := classifier.BuildRules(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to build rules: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &replayer{
		cls: classifier.New(classifier.Options{
			Rules:              rules,
			PlayerName:         cfg.PlayerName(),
			RequireVictimMatch: cfg.Player.RequireVictimMatch,
		}),
		state:  classifier.NewState(),
		out:    os.Stdout,
		json:   *format == "json",
		source: path,
		stats:  newStats(),
	}
	if *lineRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(*lineRate), 1)
	}

	if *deliver {
		send, err := newSender(ctx, cfg, logger)
		if err != nil {
			return err
		}
		r.send = send
	}

	logger.Info().
		Str("path", path).
		Str("player", cfg.PlayerName()).
		Str("strategy", cfg.Classifier.NumericStrategy).
		Bool("deliver", *deliver).
		Msg("Replaying log")

	err = r.run(ctx, f)
	r.stats.Report(os.Stderr)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newSender registers the game and mapped events, then returns a sender
// that delivers through the mapping
func newSender(ctx context.Context, cfg *config.Config, logger *logging.Logger) (sender, error) {
	client, err := gamesense.New(gamesense.Options{
		Endpoint: gamesense.Endpoint{
			BaseAddress: cfg.Sink.Address,
			Game:        cfg.Sink.Game,
			DisplayName: cfg.Sink.DisplayName,
			Developer:   cfg.Sink.Developer,
		},
		DeliverTimeout: cfg.Sink.DeliverTimeout,
		ProbeTimeout:   cfg.Sink.ProbeTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sink client: %w", err)
	}

	m, err := mapping.LoadOrDefault(cfg.Mapping.Path)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Mapping.Path).Msg("Failed to load mapping, using defaults")
		m = mapping.Default()
	}

	if !client.Probe(ctx) {
		logger.Warn().Str("address", cfg.Sink.Address).Msg("GameSense unreachable, deliveries will fail")
	}
	client.Register(ctx)
	for _, id := range m.Assigned() {
		client.RegisterEvent(ctx, gamesense.DefaultEventSpec(id))
	}

	return func(ctx context.Context, ev types.ClassifiedEvent) int {
		sent := 0
		for _, id := range m.Matches(ev.Kind) {
			if err := client.Deliver(ctx, id, ev.Value); err == nil {
				sent++
			}
		}
		return sent
	}, nil
}
