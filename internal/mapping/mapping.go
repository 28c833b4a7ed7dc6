package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

// Entry assigns a semantic event identifier to one sink event identifier.
// An empty Event means unassigned.
type Entry struct {
	SinkID string `json:"sink_id"`
	Event  string `json:"event"`
}

// Kind resolves the entry's event identifier
func (e Entry) Kind() (types.EventKind, bool) {
	if strings.TrimSpace(e.Event) == "" {
		return "", false
	}
	kind, err := types.ParseEventKind(e.Event)
	if err != nil {
		return "", false
	}
	return kind, true
}

// Mapping is an ordered table from sink identifier to semantic event. It is
// safe for concurrent use; readers always get a consistent copy.
type Mapping struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// New creates an empty mapping
func New() *Mapping {
	return &Mapping{index: make(map[string]int)}
}

// FromEntries creates a mapping holding entries in order. Later duplicates
// of a sink identifier replace earlier ones in place.
func FromEntries(entries []Entry) *Mapping {
	m := New()
	for _, e := range entries {
		m.set(e.SinkID, e.Event)
	}
	return m
}

// Set assigns event to sinkID, keeping the identifier's position when it
// already exists. The event string is stored verbatim.
func (m *Mapping) Set(sinkID, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(sinkID, event)
}

func (m *Mapping) set(sinkID, event string) {
	if i, ok := m.index[sinkID]; ok {
		m.entries[i].Event = event
		return
	}
	m.index[sinkID] = len(m.entries)
	m.entries = append(m.entries, Entry{SinkID: sinkID, Event: event})
}

// Replace swaps the whole table atomically
func (m *Mapping) Replace(entries []Entry) {
	fresh := FromEntries(entries)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = fresh.entries
	m.index = fresh.index
}

// Entries returns a copy of the table in order
func (m *Mapping) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of sink identifiers in the table
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Resolve returns the semantic event assigned to sinkID. It reports false
// for unknown identifiers, unassigned entries and unrecognised events.
func (m *Mapping) Resolve(sinkID string) (types.EventKind, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[sinkID]
	if !ok {
		return "", false
	}
	return m.entries[i].Kind()
}

// Matches returns every sink identifier assigned to kind, in table order
func (m *Mapping) Matches(kind types.EventKind) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, e := range m.entries {
		if k, ok := e.Kind(); ok && k == kind {
			out = append(out, e.SinkID)
		}
	}
	return out
}

// Assigned returns the sink identifiers that have a recognised event
func (m *Mapping) Assigned() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, e := range m.entries {
		if _, ok := e.Kind(); ok {
			out = append(out, e.SinkID)
		}
	}
	return out
}

// MarshalJSON writes the table as a JSON object in table order
func (m *Mapping) MarshalJSON() ([]byte, error) {
	entries := m.Entries()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.SinkID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(e.Event)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the key order of the document.
// null values load as unassigned.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("mapping must be a JSON object")
	}

	var entries []Entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}

		var value *string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("value for %q: %w", key, err)
		}
		event := ""
		if value != nil {
			event = *value
		}
		entries = append(entries, Entry{SinkID: key, Event: event})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	m.Replace(entries)
	return nil
}

// Load reads a persisted mapping. A missing, unreadable or malformed file
// yields an empty mapping together with the error, so callers can report
// it and carry on.
func Load(path string) (*Mapping, error) {
	m := New()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, err
		}
		return m, fmt.Errorf("failed to read mapping file: %w", err)
	}

	if err := m.UnmarshalJSON(data); err != nil {
		return New(), fmt.Errorf("failed to parse mapping file: %w", err)
	}
	return m, nil
}

// Save rewrites the mapping file in full
func (m *Mapping) Save(path string) error {
	raw, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format mapping: %w", err)
	}
	pretty.WriteByte('\n')

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create mapping directory: %w", err)
		}
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, pretty.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write mapping file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename mapping file: %w", err)
	}
	return nil
}

// LoadOrDefault loads the mapping at path, falling back to Default when the
// file does not exist yet. Other failures yield an empty mapping and the error.
func LoadOrDefault(path string) (*Mapping, error) {
	m, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return m, err
}
