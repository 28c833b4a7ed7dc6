package classifier

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

func kinds(events []types.ClassifiedEvent) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func equalKinds(a, b []types.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClassify_NoMatch(t *testing.T) {
	c := New(Options{PlayerName: "Bob"})

	lines := []string{
		"",
		"Loading map cp_granary",
		"Server cvar sv_gravity is 800",
		"L 10/17/2026 - 20:00:00: World triggered \"Round_Start\"",
	}

	for _, line := range lines {
		if events := c.Classify(line, NewState()); len(events) != 0 {
			t.Errorf("Classify(%q) = %v, want no events", line, kinds(events))
		}
	}
}

func TestClassify_KillAndDeath(t *testing.T) {
	tests := []struct {
		name   string
		player string
		line   string
		want   []types.EventKind
	}{
		{
			name:   "player is actor",
			player: "Bob",
			line:   "Bob: killed Alice with shotgun",
			want:   []types.EventKind{types.EventKill},
		},
		{
			name:   "player is victim",
			player: "Alice",
			line:   "Bob: killed Alice with shotgun",
			want:   []types.EventKind{types.EventDeath},
		},
		{
			name:   "case insensitive player",
			player: "bob",
			line:   "BOB killed Alice with shotgun",
			want:   []types.EventKind{types.EventKill},
		},
		{
			name:   "quoted source names",
			player: "Bob",
			line:   `L 10/17/2026 - 20:00:00: "Bob<2><[U:1:1]><Red>" killed "Alice<3><[U:1:2]><Blue>" with "scattergun"`,
			want:   []types.EventKind{types.EventKill},
		},
		{
			name:   "quoted victim",
			player: "Alice",
			line:   `L 10/17/2026 - 20:00:00: "Bob<2><[U:1:1]><Red>" killed "Alice<3><[U:1:2]><Blue>" with "scattergun"`,
			want:   []types.EventKind{types.EventDeath},
		},
		{
			name:   "name suffix is not the player",
			player: "Bob",
			line:   "JimBob killed Alice",
			want:   []types.EventKind{types.EventDeath},
		},
		{
			name:   "killedobject is not a kill",
			player: "Bob",
			line:   `"Bob<2><[U:1:1]><Red>" triggered "killedobject" (object "OBJ_SENTRYGUN")`,
			want:   []types.EventKind{types.EventDestroy},
		},
		{
			name:   "headshot and kill",
			player: "Bob",
			line:   `"Bob<2><[U:1:1]><Red>" killed "Alice<3><[U:1:2]><Blue>" with "sniperrifle" (customkill "headshot")`,
			want:   []types.EventKind{types.EventKill, types.EventHeadshot},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{PlayerName: tt.player})
			got := kinds(c.Classify(tt.line, NewState()))
			if !equalKinds(got, tt.want) {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_RequireVictimMatch(t *testing.T) {
	c := New(Options{PlayerName: "Bob", RequireVictimMatch: true})

	if got := kinds(c.Classify("Carl killed Dave", NewState())); len(got) != 0 {
		t.Errorf("bystander kill = %v, want none", got)
	}
	got := kinds(c.Classify("Carl killed Bob with rocket", NewState()))
	if !equalKinds(got, []types.EventKind{types.EventDeath}) {
		t.Errorf("Classify = %v, want death", got)
	}
}

func TestClassify_FallbackPlayerName(t *testing.T) {
	c := New(Options{})
	if c.PlayerName() != "player" {
		t.Fatalf("PlayerName = %q, want fallback", c.PlayerName())
	}

	got := kinds(c.Classify(config.DefaultPlayerName+" killed Alice", NewState()))
	if !equalKinds(got, []types.EventKind{types.EventKill}) {
		t.Errorf("Classify = %v, want kill", got)
	}
}

func TestClassify_NumericDedup(t *testing.T) {
	c := New(Options{PlayerName: "Bob"})
	state := NewState()

	first := c.Classify("health changed to 150", state)
	if len(first) != 1 || first[0].Kind != types.EventHealth || *first[0].Value != 150 {
		t.Fatalf("first observation = %+v, want health 150", first)
	}

	for i := 0; i < 3; i++ {
		if events := c.Classify("health changed to 150", state); len(events) != 0 {
			t.Fatalf("repeat %d emitted %v", i, kinds(events))
		}
	}

	next := c.Classify("health changed to 125", state)
	if len(next) != 1 || *next[0].Value != 125 {
		t.Fatalf("changed value = %+v, want health 125", next)
	}

	if v, ok := state.Last(types.EventHealth); !ok || v != 125 {
		t.Errorf("state health = %d, %v; want 125", v, ok)
	}
}

func TestClassify_StatesAreIndependent(t *testing.T) {
	c := New(Options{})

	if len(c.Classify("ammo 30", NewState())) != 1 {
		t.Fatal("expected ammo event in first session")
	}
	if len(c.Classify("ammo 30", NewState())) != 1 {
		t.Fatal("a fresh state must emit the first observation again")
	}
}

func TestClassify_OutOfRange(t *testing.T) {
	c := New(Options{})
	state := NewState()

	if events := c.Classify("ammo 15000", state); len(events) != 0 {
		t.Fatalf("out of range ammo emitted %v", kinds(events))
	}
	if _, ok := state.Last(types.EventAmmo); ok {
		t.Fatal("out of range ammo must not touch state")
	}

	c.Classify("ammo 30", state)
	c.Classify("ammo 15000", state)
	if v, _ := state.Last(types.EventAmmo); v != 30 {
		t.Errorf("state ammo = %d, want 30", v)
	}

	if events := c.Classify("health = 0", state); len(events) != 0 {
		t.Errorf("health 0 emitted %v", kinds(events))
	}
	if events := c.Classify("health = 1000", state); len(events) != 0 {
		t.Errorf("health 1000 emitted %v", kinds(events))
	}
}

func TestClassify_TokenStrategy(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		kind  types.EventKind
		value int
		want  bool
	}{
		{"first in range token", "ammo 20000 35", types.EventAmmo, 35, true},
		{"armor unrestricted", "armor now 12000", types.EventArmor, 12000, true},
		{"health with player qualifier", "Bob health 90", types.EventHealth, 90, true},
		{"health without qualifier", "health 90", "", 0, false},
		{"timestamp dash qualifies health", `L 10/17/2026 - 20:00:00: "Alice<2><STEAM_1:0:1><CT>" health 90`, types.EventHealth, 90, true},
		{"non digit tokens", "ammo x30 30x", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{PlayerName: "Bob"})
			events := c.Classify(tt.line, NewState())
			if !tt.want {
				if len(events) != 0 {
					t.Fatalf("Classify = %v, want none", kinds(events))
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("Classify = %v, want one %s", kinds(events), tt.kind)
			}
			if events[0].Kind != tt.kind || *events[0].Value != tt.value {
				t.Errorf("got %s=%d, want %s=%d", events[0].Kind, *events[0].Value, tt.kind, tt.value)
			}
		})
	}
}

func TestClassify_MarkerStrategy(t *testing.T) {
	rules, err := BuildRules(config.ClassifierConfig{NumericStrategy: "marker"})
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	c := New(Options{Rules: rules})
	state := NewState()

	events := c.Classify("Health: 85/150 Armor: 20", state)
	got := kinds(events)
	if !equalKinds(got, []types.EventKind{types.EventHealth, types.EventArmor}) {
		t.Fatalf("Classify = %v, want health, armor", got)
	}
	if *events[0].Value != 85 || *events[1].Value != 20 {
		t.Errorf("values = %d, %d; want 85, 20", *events[0].Value, *events[1].Value)
	}

	events = c.Classify("player ammo = 30", state)
	if len(events) != 1 || *events[0].Value != 30 {
		t.Errorf("Classify = %+v, want ammo 30", events)
	}

	if events := c.Classify("Health: full", state); len(events) != 0 {
		t.Errorf("non-numeric marker emitted %v", kinds(events))
	}
	if v, _ := state.Last(types.EventHealth); v != 85 {
		t.Errorf("state health = %d, want 85", v)
	}
}

func TestClassify_KeywordRules(t *testing.T) {
	tests := []struct {
		line string
		want types.EventKind
	}{
		{"Bob picked up the intelligence", types.EventFlagPickup},
		{"Bob CAPTURED THE INTELLIGENCE", types.EventFlagCapture},
		{"Bob dropped the intelligence", types.EventFlagDrop},
		{"Team Red captured point A", types.EventPointCapture},
		{"Bob dominated Alice", types.EventDomination},
		{"Bob got REVENGE on Alice", types.EventRevenge},
		{"First Blood!", types.EventFirstBlood},
		{"Bob respawned", types.EventRespawn},
		{"Bob used a taunt", types.EventTaunt},
		{"Alice joined team Blue", types.EventIncoming},
		{"MVP: Bob", types.EventBonus},
		{"Bob backstab", types.EventBackstab},
		{`"Bob" triggered "builtobject"`, types.EventBuild},
		{"Medic healed 40", types.EventHeal},
		{`"Bob" triggered "chargedeployed"`, types.EventUbercharge},
		{"Vote cast: yes", types.EventVoteCast},
		{"Vote passed", types.EventVotePass},
		{"overheal applied", types.EventOverheal},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c := New(Options{PlayerName: "Zed"})
			got := kinds(c.Classify(tt.line, NewState()))
			found := false
			for _, k := range got {
				if k == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("Classify(%q) = %v, want %s", tt.line, got, tt.want)
			}
		})
	}
}

func TestClassifyLine_CarriesSourceAndTime(t *testing.T) {
	c := New(Options{})
	ts := time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC)

	events := c.ClassifyLine(types.LogLine{Text: "Bob respawned", Source: "/logs/L1.log", Time: ts}, NewState())
	if len(events) != 1 {
		t.Fatalf("expected one event, got %v", kinds(events))
	}
	if events[0].Source != "/logs/L1.log" || !events[0].Time.Equal(ts) || events[0].Line != "Bob respawned" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestBuildRules(t *testing.T) {
	cfg := config.ClassifierConfig{
		NumericStrategy: "token",
		Rules: []config.RuleConfig{
			{Kind: "heal", Keywords: []string{"medigun"}},
			{Kind: "health", Strategy: "regex", Pattern: `hp\[(?P<value>\d+)\]`},
			{Kind: "tf2_taunt", Pattern: `^\*emote\*`},
		},
	}

	rules, err := BuildRules(cfg)
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if len(rules) != len(DefaultRules(StrategyToken))+3 {
		t.Fatalf("expected defaults plus 3 rules, got %d", len(rules))
	}

	c := New(Options{Rules: rules})
	state := NewState()

	got := c.Classify("HP[77] remaining", state)
	if len(got) != 1 || got[0].Kind != types.EventHealth || *got[0].Value != 77 {
		t.Errorf("regex rule = %+v, want health 77", got)
	}

	if got := kinds(c.Classify("medigun attached", state)); !equalKinds(got, []types.EventKind{types.EventHeal}) {
		t.Errorf("keyword rule = %v, want heal", got)
	}

	if got := kinds(c.Classify("*EMOTE* waves", state)); !equalKinds(got, []types.EventKind{types.EventTaunt}) {
		t.Errorf("pattern rule = %v, want taunt", got)
	}
}

func TestBuildRules_ReplaceDefaults(t *testing.T) {
	rules, err := BuildRules(config.ClassifierConfig{
		ReplaceDefaults: true,
		Rules:           []config.RuleConfig{{Kind: "bonus", Keywords: []string{"gg"}}},
	})
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}

	c := New(Options{Rules: rules})
	if got := kinds(c.Classify("Bob killed Alice, gg", NewState())); !equalKinds(got, []types.EventKind{types.EventBonus}) {
		t.Errorf("Classify = %v, want only bonus", got)
	}
}

func TestBuildRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule config.RuleConfig
	}{
		{"unknown kind", config.RuleConfig{Kind: "moon_landing", Keywords: []string{"x"}}},
		{"bad pattern", config.RuleConfig{Kind: "taunt", Pattern: "("}},
		{"value on keyword kind", config.RuleConfig{Kind: "taunt", Keywords: []string{"x"}, Strategy: "token"}},
		{"numeric without strategy", config.RuleConfig{Kind: "ammo", Keywords: []string{"x"}}},
		{"regex without value group", config.RuleConfig{Kind: "ammo", Strategy: "regex", Pattern: `ammo (\d+)`}},
		{"unknown strategy", config.RuleConfig{Kind: "ammo", Strategy: "guess"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRules(config.ClassifierConfig{Rules: []config.RuleConfig{tt.rule}})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClassify_ReportsMetrics(t *testing.T) {
	m := metrics.NewCollector()
	c := New(Options{PlayerName: "Bob", Metrics: m})

	c.Classify("Bob killed Alice (headshot)", NewState())

	metric := &dto.Metric{}
	if err := m.ClassifierEvents.WithLabelValues("kill").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("kill count = %f, want 1", metric.Counter.GetValue())
	}
}
