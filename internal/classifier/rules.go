package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

// PlayerPlaceholder in keywords and qualifiers expands to the configured
// player name.
const PlayerPlaceholder = "{player}"

// Strategy selects how a numeric value is pulled out of a line
type Strategy string

const (
	// StrategyToken takes the first whitespace token made only of digits
	// that lies within the rule's range.
	StrategyToken Strategy = "token"
	// StrategyMarker parses the integer following a literal marker such as
	// "Health:", up to the next '/', whitespace or end of line.
	StrategyMarker Strategy = "marker"
	// StrategyRegex reads the "value" named group of the rule's pattern.
	StrategyRegex Strategy = "regex"
)

// Extraction describes a numeric value carried by a line. Min and Max are
// exclusive bounds; nil means unbounded.
type Extraction struct {
	Strategy Strategy
	Marker   string
	Min      *int
	Max      *int
}

func (e *Extraction) inRange(v int) bool {
	if e.Min != nil && v <= *e.Min {
		return false
	}
	if e.Max != nil && v >= *e.Max {
		return false
	}
	return true
}

// Rule maps substrings of a line to one event kind. A rule fires when any
// keyword is present (if keywords are set), the pattern matches (if set)
// and any qualifier is present (if qualifiers are set). All substring
// tests are case-insensitive.
type Rule struct {
	Kind       types.EventKind
	Keywords   []string
	Qualifiers []string
	Pattern    *regexp.Regexp

	// Extract makes the rule numeric; its value is deduplicated per kind
	Extract *Extraction

	// Attribute turns the rule into a kill/death split on the keyword
	// token: the configured player as actor yields Kind, anyone else
	// yields death.
	Attribute bool
}

func intp(v int) *int { return &v }

func keywordRule(kind types.EventKind, keywords ...string) Rule {
	return Rule{Kind: kind, Keywords: keywords}
}

// numericRules returns the health/armor/ammo rules for a strategy
func numericRules(strategy Strategy) []Rule {
	if strategy == StrategyMarker {
		return []Rule{
			{Kind: types.EventHealth, Keywords: []string{"health"}, Extract: &Extraction{Strategy: StrategyMarker, Marker: "health", Min: intp(0), Max: intp(1000)}},
			{Kind: types.EventArmor, Keywords: []string{"armor"}, Extract: &Extraction{Strategy: StrategyMarker, Marker: "armor"}},
			{Kind: types.EventAmmo, Keywords: []string{"ammo"}, Extract: &Extraction{Strategy: StrategyMarker, Marker: "ammo", Max: intp(9999)}},
		}
	}
	return []Rule{
		// Qualifiers are substrings, so "-" also matches the date
		// separator of timestamped server log lines: any such line
		// mentioning health yields a value, whoever it is about.
		{
			Kind:       types.EventHealth,
			Keywords:   []string{"health"},
			Qualifiers: []string{PlayerPlaceholder, "changed", "+", "-", "="},
			Extract:    &Extraction{Strategy: StrategyToken, Min: intp(0), Max: intp(1000)},
		},
		{Kind: types.EventArmor, Keywords: []string{"armor"}, Extract: &Extraction{Strategy: StrategyToken}},
		{Kind: types.EventAmmo, Keywords: []string{"ammo"}, Extract: &Extraction{Strategy: StrategyToken, Max: intp(9999)}},
	}
}

// DefaultRules returns the built-in rule table for a numeric strategy
func DefaultRules(strategy Strategy) []Rule {
	rules := numericRules(strategy)
	rules = append(rules,
		Rule{Kind: types.EventKill, Keywords: []string{"killed"}, Attribute: true},
		keywordRule(types.EventHeadshot, "headshot"),
		keywordRule(types.EventBackstab, "backstab"),
		keywordRule(types.EventAssist, "assist"),
		keywordRule(types.EventFlagPickup, "picked up the intelligence", "picked up the intel"),
		keywordRule(types.EventFlagCapture, "captured the intelligence", "captured the intel"),
		keywordRule(types.EventFlagDrop, "dropped the intelligence", "dropped the intel"),
		keywordRule(types.EventPointCapture, "captured point", "captured control point", "pointcaptured"),
		keywordRule(types.EventDomination, "dominated", "domination"),
		keywordRule(types.EventRevenge, "revenge"),
		keywordRule(types.EventFirstBlood, "first blood", "first_blood"),
		keywordRule(types.EventRespawn, "respawned"),
		keywordRule(types.EventTaunt, "taunt"),
		keywordRule(types.EventIncoming, "joined team", "connected"),
		keywordRule(types.EventBonus, "bonus", "mvp"),
		keywordRule(types.EventBuild, "builtobject", "built"),
		keywordRule(types.EventDestroy, "killedobject", "destroyed"),
		keywordRule(types.EventHeal, "healed"),
		keywordRule(types.EventUbercharge, "chargedeployed", "ubercharge"),
		keywordRule(types.EventVoteCast, "vote cast"),
		keywordRule(types.EventVotePass, "vote passed"),
		keywordRule(types.EventOverheal, "overheal"),
	)
	return rules
}

// BuildRules assembles the rule table described by cfg: the defaults for
// the configured numeric strategy (unless replaced) followed by the
// configured rules.
func BuildRules(cfg config.ClassifierConfig) ([]Rule, error) {
	var rules []Rule
	if !cfg.ReplaceDefaults {
		strategy := Strategy(cfg.NumericStrategy)
		if strategy == "" {
			strategy = StrategyToken
		}
		rules = DefaultRules(strategy)
	}

	for i, rc := range cfg.Rules {
		rule, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleFromConfig(rc config.RuleConfig) (Rule, error) {
	kind, err := types.ParseEventKind(rc.Kind)
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{
		Kind:       kind,
		Keywords:   rc.Keywords,
		Qualifiers: rc.Qualifiers,
	}

	if rc.Pattern != "" {
		pattern, err := regexp.Compile("(?i)" + rc.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("failed to compile pattern: %w", err)
		}
		rule.Pattern = pattern
	}

	if rc.Strategy == "" {
		if kind.Numeric() {
			return Rule{}, fmt.Errorf("numeric kind %s needs a strategy", kind)
		}
		if len(rule.Keywords) == 0 && rule.Pattern == nil {
			return Rule{}, fmt.Errorf("rule for %s needs keywords or a pattern", kind)
		}
		return rule, nil
	}

	if !kind.Numeric() {
		return Rule{}, fmt.Errorf("kind %s does not carry a value", kind)
	}

	ext := &Extraction{Strategy: Strategy(rc.Strategy), Marker: rc.Marker, Min: rc.Min, Max: rc.Max}
	switch ext.Strategy {
	case StrategyToken:
	case StrategyMarker:
		if strings.TrimSpace(ext.Marker) == "" {
			ext.Marker = string(kind)
		}
	case StrategyRegex:
		if rule.Pattern == nil {
			return Rule{}, fmt.Errorf("regex strategy needs a pattern")
		}
		if rule.Pattern.SubexpIndex("value") < 0 {
			return Rule{}, fmt.Errorf("pattern has no (?P<value>...) group")
		}
	default:
		return Rule{}, fmt.Errorf("unknown strategy %q", rc.Strategy)
	}
	if len(rule.Keywords) == 0 && rule.Pattern == nil {
		rule.Keywords = []string{string(kind)}
	}
	rule.Extract = ext
	return rule, nil
}
