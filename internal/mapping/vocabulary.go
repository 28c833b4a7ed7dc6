package mapping

import "github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"

// SinkEvent is one identifier of the receiving API's event vocabulary
type SinkEvent struct {
	ID          string
	Description string
	// Suggested is the semantic event assigned by Default
	Suggested types.EventKind
}

var vocabulary = []SinkEvent{
	{"HEALTH", "Player health", types.EventHealth},
	{"AMMO", "Player ammunition", types.EventAmmo},
	{"ARMOR", "Armor", types.EventArmor},
	{"KILL", "Kill", types.EventKill},
	{"DEATH", "Player death", types.EventDeath},
	{"ASSIST", "Assist", types.EventAssist},
	{"HEADSHOT", "Headshot", types.EventHeadshot},
	{"MVP", "MVP award", ""},
	{"BOMB_PLANT", "Bomb planted", ""},
	{"BOMB_DEFUSE", "Bomb defused", ""},
	{"BONUS", "Round bonus", types.EventBonus},
	{"TAUNT", "Taunt", types.EventTaunt},
	{"RESPAWN", "Respawn", types.EventRespawn},
	{"INCOMING", "Player joined", types.EventIncoming},
}

// DefaultVocabulary returns the sink event identifiers offered to the user
func DefaultVocabulary() []SinkEvent {
	out := make([]SinkEvent, len(vocabulary))
	copy(out, vocabulary)
	return out
}

// Default builds a mapping covering the whole vocabulary with the
// suggested assignments; identifiers without a suggestion are unassigned.
func Default() *Mapping {
	m := New()
	for _, ev := range vocabulary {
		m.Set(ev.ID, string(ev.Suggested))
	}
	return m
}

// Unassigned builds a mapping covering the whole vocabulary with every
// identifier unassigned.
func Unassigned() *Mapping {
	m := New()
	for _, ev := range vocabulary {
		m.Set(ev.ID, "")
	}
	return m
}
