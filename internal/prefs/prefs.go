// Package prefs persists the choices a user makes in the front end: the
// player name and the log location. Preferences live in
// ~/.config/gamesense-bridge/prefs.toml and override the YAML config.
package prefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
)

// Prefs holds user preferences.
type Prefs struct {
	PlayerName string `toml:"player_name"`
	LogDir     string `toml:"log_dir"`
	LogPath    string `toml:"log_path"`
}

const defaultPrefsPath = "~/.config/gamesense-bridge/prefs.toml"

// DefaultPath returns the default preferences file path.
func DefaultPath() string {
	return defaultPrefsPath
}

// Load reads preferences from path. A missing or unreadable file yields
// empty preferences.
func Load(path string) (Prefs, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Prefs{}, nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Prefs{}, nil
		}
		return Prefs{}, nil // Graceful degradation
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Prefs{}, nil
	}

	var p Prefs
	if err := toml.Unmarshal(bytes, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse prefs: %w", err)
	}
	p.PlayerName = strings.TrimSpace(p.PlayerName)
	p.LogDir = strings.TrimSpace(p.LogDir)
	p.LogPath = strings.TrimSpace(p.LogPath)
	return p, nil
}

// Save writes preferences to path, creating directories as needed.
func Save(path string, p Prefs) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}

	bytes, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}

	if err := os.WriteFile(resolved, bytes, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// Apply overlays non-empty preferences onto cfg. A preferred log path or
// folder replaces whichever source mode the config selected.
func (p Prefs) Apply(cfg *config.Config) {
	if p.PlayerName != "" {
		cfg.Player.Name = p.PlayerName
	}
	switch {
	case p.LogPath != "":
		cfg.Source.Path = config.ExpandHome(p.LogPath)
		cfg.Source.Dir = ""
	case p.LogDir != "":
		cfg.Source.Dir = config.ExpandHome(p.LogDir)
		cfg.Source.Path = ""
		if cfg.Source.Pattern == "" {
			cfg.Source.Pattern = config.DefaultPattern
		}
	}
}

func resolvePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = defaultPrefsPath
	}
	expanded := config.ExpandHome(trimmed)
	if strings.HasPrefix(expanded, "~") {
		return "", fmt.Errorf("resolve home dir for %s", path)
	}
	return filepath.Abs(expanded)
}
