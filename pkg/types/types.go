package types

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies a semantic game occurrence detected in a log line
type EventKind string

const (
	EventHealth       EventKind = "health"
	EventArmor        EventKind = "armor"
	EventAmmo         EventKind = "ammo"
	EventKill         EventKind = "kill"
	EventDeath        EventKind = "death"
	EventAssist       EventKind = "assist"
	EventHeadshot     EventKind = "headshot"
	EventBackstab     EventKind = "backstab"
	EventRespawn      EventKind = "respawn"
	EventTaunt        EventKind = "taunt"
	EventFlagPickup   EventKind = "flag_pickup"
	EventFlagCapture  EventKind = "flag_capture"
	EventFlagDrop     EventKind = "flag_drop"
	EventPointCapture EventKind = "point_capture"
	EventDomination   EventKind = "domination"
	EventRevenge      EventKind = "revenge"
	EventFirstBlood   EventKind = "first_blood"
	EventBonus        EventKind = "bonus"
	EventIncoming     EventKind = "incoming"
	EventBuild        EventKind = "build"
	EventDestroy      EventKind = "destroy"
	EventHeal         EventKind = "heal"
	EventUbercharge   EventKind = "ubercharge"
	EventVoteCast     EventKind = "vote_cast"
	EventVotePass     EventKind = "vote_pass"
	EventOverheal     EventKind = "overheal"
)

// KindInfo describes one member of the event taxonomy
type KindInfo struct {
	Kind        EventKind
	Description string
	// Numeric kinds carry a value and are deduplicated per session
	Numeric bool
}

var catalog = []KindInfo{
	{EventHealth, "Current player health", true},
	{EventArmor, "Current player armor", true},
	{EventAmmo, "Current ammunition", true},
	{EventKill, "Player killed someone", false},
	{EventDeath, "Player died", false},
	{EventAssist, "Kill assist", false},
	{EventHeadshot, "Headshot", false},
	{EventBackstab, "Backstab", false},
	{EventRespawn, "Respawn", false},
	{EventTaunt, "Taunt", false},
	{EventFlagPickup, "Intelligence picked up", false},
	{EventFlagCapture, "Intelligence captured", false},
	{EventFlagDrop, "Intelligence dropped", false},
	{EventPointCapture, "Control point captured", false},
	{EventDomination, "Domination", false},
	{EventRevenge, "Revenge", false},
	{EventFirstBlood, "First blood", false},
	{EventBonus, "Round bonus or MVP", false},
	{EventIncoming, "Player joined", false},
	{EventBuild, "Building constructed", false},
	{EventDestroy, "Building destroyed", false},
	{EventHeal, "Healing", false},
	{EventUbercharge, "Ubercharge deployed", false},
	{EventVoteCast, "Vote cast", false},
	{EventVotePass, "Vote passed", false},
	{EventOverheal, "Overheal", false},
}

// legacy codes written by earlier mapping files
var aliases = map[string]EventKind{
	"revenged": EventRevenge,
	"kills":    EventKill,
	"deaths":   EventDeath,
}

// Catalog returns the full event taxonomy in display order
func Catalog() []KindInfo {
	out := make([]KindInfo, len(catalog))
	copy(out, catalog)
	return out
}

// Info returns the catalog entry for a kind
func (k EventKind) Info() (KindInfo, bool) {
	for _, info := range catalog {
		if info.Kind == k {
			return info, true
		}
	}
	return KindInfo{}, false
}

// Valid reports whether k is a member of the taxonomy
func (k EventKind) Valid() bool {
	_, ok := k.Info()
	return ok
}

// Numeric reports whether events of this kind carry a value
func (k EventKind) Numeric() bool {
	info, ok := k.Info()
	return ok && info.Numeric
}

// ParseEventKind converts a persisted identifier into an EventKind.
// Identifiers are case-insensitive and may carry the "tf2_" prefix used
// by older mapping files.
func ParseEventKind(s string) (EventKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "tf2_")
	if name == "" {
		return "", fmt.Errorf("empty event kind")
	}
	if kind, ok := aliases[name]; ok {
		return kind, nil
	}
	kind := EventKind(name)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown event kind: %s", s)
	}
	return kind, nil
}

// ClassifiedEvent is a semantic game event derived from one log line
type ClassifiedEvent struct {
	Kind   EventKind `json:"kind"`
	Value  *int      `json:"value,omitempty"`
	Line   string    `json:"line,omitempty"`
	Source string    `json:"source,omitempty"`
	Time   time.Time `json:"time"`
}

// HasValue reports whether the event carries a numeric value
func (e ClassifiedEvent) HasValue() bool {
	return e.Value != nil
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// LogLine is one decoded line read from a tailed file
type LogLine struct {
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Offset uint64    `json:"offset"` // byte offset just past the line
	Time   time.Time `json:"time"`
}

// LogPosition tracks the current position in the tailed file
type LogPosition struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Inode  uint64 `json:"inode,omitempty"`
}
