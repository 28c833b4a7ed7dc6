// Package classifier turns raw game log lines into semantic events using a
// data-driven table of substring, token and regex rules.
package classifier

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

// State holds the last value emitted for each numeric kind. It belongs to
// a single tailing session and is not safe for concurrent use.
type State struct {
	last map[types.EventKind]int
}

// NewState creates an empty per-session state
func NewState() *State {
	return &State{last: make(map[types.EventKind]int)}
}

// Last returns the last value recorded for kind
func (s *State) Last(kind types.EventKind) (int, bool) {
	v, ok := s.last[kind]
	return v, ok
}

// observe records v and reports whether it differs from the previous value
func (s *State) observe(kind types.EventKind, v int) bool {
	prev, ok := s.last[kind]
	s.last[kind] = v
	return !ok || prev != v
}

// Options configures a Classifier
type Options struct {
	// Rules defaults to DefaultRules(StrategyToken) when nil
	Rules []Rule
	// PlayerName is matched case-insensitively; empty falls back to
	// config.DefaultPlayerName
	PlayerName string
	// RequireVictimMatch only emits death when the player is named after
	// the kill token
	RequireVictimMatch bool
	Metrics            *metrics.Collector
}

type compiledRule struct {
	Rule
	keywords   []string
	qualifiers []string
	marker     string
}

// Classifier applies a rule table to log lines. It holds no per-session
// state and may be shared between sessions.
type Classifier struct {
	rules         []compiledRule
	player        string
	requireVictim bool
	metrics       *metrics.Collector
	now           func() time.Time
}

// New creates a classifier
func New(opts Options) *Classifier {
	player := strings.TrimSpace(opts.PlayerName)
	if player == "" {
		player = config.DefaultPlayerName
	}
	player = strings.ToLower(player)

	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules(StrategyToken)
	}

	c := &Classifier{
		player:        player,
		requireVictim: opts.RequireVictimMatch,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
	for _, r := range rules {
		cr := compiledRule{
			Rule:       r,
			keywords:   expand(r.Keywords, player),
			qualifiers: expand(r.Qualifiers, player),
		}
		if r.Extract != nil {
			cr.marker = strings.ToLower(r.Extract.Marker)
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

func expand(words []string, player string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		w = strings.ReplaceAll(w, PlayerPlaceholder, player)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// PlayerName returns the lowercased name used for attribution
func (c *Classifier) PlayerName() string {
	return c.player
}

// Classify returns the events found in line, in rule table order. Numeric
// events are only emitted when their value changes in state. Lines that
// match nothing yield nil.
func (c *Classifier) Classify(line string, state *State) []types.ClassifiedEvent {
	return c.ClassifyLine(types.LogLine{Text: line}, state)
}

// ClassifyLine is Classify for a line read by the tailer; events carry the
// line's source and read time.
func (c *Classifier) ClassifyLine(line types.LogLine, state *State) []types.ClassifiedEvent {
	start := time.Now()
	if state == nil {
		state = NewState()
	}

	ts := line.Time
	if ts.IsZero() {
		ts = c.now()
	}
	lower := strings.ToLower(line.Text)

	var events []types.ClassifiedEvent
	emit := func(kind types.EventKind, value *int) {
		events = append(events, types.ClassifiedEvent{
			Kind:   kind,
			Value:  value,
			Line:   line.Text,
			Source: line.Source,
			Time:   ts,
		})
	}

	for i := range c.rules {
		r := &c.rules[i]

		if r.Attribute {
			if kind, ok := c.attribute(line.Text, r); ok {
				emit(kind, nil)
			}
			continue
		}

		if !r.triggered(line.Text, lower) {
			continue
		}

		if r.Extract == nil {
			emit(r.Kind, nil)
			continue
		}

		v, ok := r.extract(line.Text, lower)
		if !ok || !r.Extract.inRange(v) {
			continue
		}
		if state.observe(r.Kind, v) {
			emit(r.Kind, types.IntPtr(v))
		}
	}

	if c.metrics != nil {
		for _, ev := range events {
			c.metrics.ClassifierEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
		c.metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	}

	return events
}

// triggered reports whether keywords, pattern and qualifiers all agree
func (r *compiledRule) triggered(line, lower string) bool {
	if len(r.keywords) > 0 && !containsAny(lower, r.keywords) {
		return false
	}
	if r.Pattern != nil && (r.Extract == nil || r.Extract.Strategy != StrategyRegex) {
		if !r.Pattern.MatchString(line) {
			return false
		}
	}
	if len(r.qualifiers) > 0 && !containsAny(lower, r.qualifiers) {
		return false
	}
	return true
}

func (r *compiledRule) extract(line, lower string) (int, bool) {
	switch r.Extract.Strategy {
	case StrategyMarker:
		return markerValue(lower, r.marker)
	case StrategyRegex:
		return regexValue(r, line)
	default:
		return r.tokenValue(line)
	}
}

// tokenValue returns the first all-digit token within range
func (r *compiledRule) tokenValue(line string) (int, bool) {
	for _, tok := range strings.Fields(line) {
		if !isDigits(tok) {
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if r.Extract.inRange(v) {
			return v, true
		}
	}
	return 0, false
}

func regexValue(r *compiledRule, line string) (int, bool) {
	m := r.Pattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	idx := r.Pattern.SubexpIndex("value")
	if idx < 0 || idx >= len(m) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(m[idx]))
	if err != nil {
		return 0, false
	}
	return v, true
}

// markerValue parses the integer after the first occurrence of marker that
// is followed by one. An optional ':' or '=' may sit between them.
func markerValue(lower, marker string) (int, bool) {
	if marker == "" {
		return 0, false
	}
	rest := lower
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			return 0, false
		}
		rest = rest[i+len(marker):]
		if v, ok := parseMarkerValue(rest); ok {
			return v, true
		}
	}
}

func parseMarkerValue(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t")
	if strings.HasPrefix(s, ":") || strings.HasPrefix(s, "=") {
		s = strings.TrimLeft(s[1:], " \t")
	}
	if end := strings.IndexFunc(s, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r)
	}); end >= 0 {
		s = s[:end]
	}
	s = strings.TrimRight(s, ",;")
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// attribute splits the line on the first whitespace token equal to one of
// the rule's keywords. The text before it is the actor.
func (c *Classifier) attribute(line string, r *compiledRule) (types.EventKind, bool) {
	fields := strings.Fields(line)
	idx := -1
	for i, f := range fields {
		if containsExact(r.keywords, strings.ToLower(f)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}

	actor := strings.ToLower(strings.Join(fields[:idx], " "))
	victim := strings.ToLower(strings.Join(fields[idx+1:], " "))

	if c.isActor(actor) {
		return r.Kind, true
	}
	if c.requireVictim && !strings.Contains(victim, c.player) {
		return "", false
	}
	return types.EventDeath, true
}

// isActor reports whether the player is the subject of actor text. Quoted
// Source-style names ("Bob<2><[U:1:1]><Red>") are compared up to the first
// '<'; otherwise the player must end the actor text on a word boundary.
func (c *Classifier) isActor(actor string) bool {
	if strings.Contains(actor, `"`) {
		parts := strings.Split(actor, `"`)
		for i := 1; i < len(parts); i += 2 {
			name := parts[i]
			if cut := strings.IndexByte(name, '<'); cut >= 0 {
				name = name[:cut]
			}
			if strings.TrimSpace(name) == c.player {
				return true
			}
		}
		return false
	}

	trimmed := strings.TrimRight(actor, ": \t")
	if !strings.HasSuffix(trimmed, c.player) {
		return false
	}
	head := strings.TrimSuffix(trimmed, c.player)
	if head == "" {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(head)
	return !unicode.IsLetter(last) && !unicode.IsDigit(last) && last != '_'
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsExact(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
