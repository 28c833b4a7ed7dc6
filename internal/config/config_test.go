package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
source:
  dir: /games/tf/logs
  poll_interval: 250ms
  watch: true

player:
  name: Bob

sink:
  address: http://127.0.0.1:51234
  game: TF2_TEST
  stats_event: TF2_STATS_DISPLAY
  icons:
    KILL: 2

classifier:
  numeric_strategy: marker
  rules:
    - kind: heal
      keywords: ["medigun"]

logging:
  level: debug
  format: json
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Source.Dir != "/games/tf/logs" {
		t.Errorf("Expected dir /games/tf/logs, got %s", cfg.Source.Dir)
	}
	if cfg.Source.Pattern != DefaultPattern {
		t.Errorf("Expected default pattern %s, got %s", DefaultPattern, cfg.Source.Pattern)
	}
	if cfg.Source.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %v", cfg.Source.PollInterval)
	}
	if cfg.Source.IdleInterval != DefaultIdleInterval {
		t.Errorf("Expected idle interval %v, got %v", DefaultIdleInterval, cfg.Source.IdleInterval)
	}
	if !cfg.Source.Watch {
		t.Error("Expected watch to be enabled")
	}
	if cfg.PlayerName() != "Bob" {
		t.Errorf("Expected player Bob, got %s", cfg.PlayerName())
	}
	if cfg.Sink.Game != "TF2_TEST" {
		t.Errorf("Expected game TF2_TEST, got %s", cfg.Sink.Game)
	}
	if cfg.Sink.DeliverTimeout != DefaultDeliverTimeout {
		t.Errorf("Expected deliver timeout %v, got %v", DefaultDeliverTimeout, cfg.Sink.DeliverTimeout)
	}
	if cfg.Sink.Icons["KILL"] != 2 {
		t.Errorf("Expected KILL icon 2, got %d", cfg.Sink.Icons["KILL"])
	}
	if cfg.Classifier.NumericStrategy != "marker" {
		t.Errorf("Expected marker strategy, got %s", cfg.Classifier.NumericStrategy)
	}
	if len(cfg.Classifier.Rules) != 1 || cfg.Classifier.Rules[0].Kind != "heal" {
		t.Errorf("Expected one heal rule, got %+v", cfg.Classifier.Rules)
	}
	if cfg.Buffer == nil || cfg.Buffer.Size != DefaultBufferSize {
		t.Errorf("Expected default buffer size %d, got %+v", DefaultBufferSize, cfg.Buffer)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("BRIDGE_LOG_LEVEL", "warn")
	t.Setenv("TF2_LOG", "/tmp/console.log")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
source:
  path: ${TF2_LOG}

logging:
  level: ${BRIDGE_LOG_LEVEL}
  format: json
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn (from env var), got %s", cfg.Logging.Level)
	}
	if cfg.Source.Path != "/tmp/console.log" {
		t.Errorf("Expected path from env var, got %s", cfg.Source.Path)
	}
	if cfg.Source.Pattern != "" {
		t.Errorf("Fixed-path mode should not get a pattern, got %s", cfg.Source.Pattern)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid fixed path",
			config: &Config{
				Source:  SourceConfig{Path: "/tmp/console.log"},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: false,
		},
		{
			name: "path and dir together",
			config: &Config{
				Source:  SourceConfig{Path: "/tmp/console.log", Dir: "/tmp"},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "bad glob pattern",
			config: &Config{
				Source:  SourceConfig{Dir: "/tmp", Pattern: "L[*.log"},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "non-http sink address",
			config: &Config{
				Source:  SourceConfig{Path: "/tmp/console.log"},
				Sink:    SinkConfig{Address: "localhost:51234"},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "unknown numeric strategy",
			config: &Config{
				Source:     SourceConfig{Path: "/tmp/console.log"},
				Classifier: ClassifierConfig{NumericStrategy: "guess"},
				Logging:    LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "rule without keywords",
			config: &Config{
				Source:     SourceConfig{Path: "/tmp/console.log"},
				Classifier: ClassifierConfig{Rules: []RuleConfig{{Kind: "taunt"}}},
				Logging:    LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: &Config{
				Source:  SourceConfig{Path: "/tmp/console.log"},
				Logging: LoggingConfig{Level: "invalid", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "metrics enabled without address",
			config: &Config{
				Source:  SourceConfig{Path: "/tmp/console.log"},
				Logging: LoggingConfig{Level: "info", Format: "json"},
				Metrics: &MetricsConfig{Enabled: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.applyDefaults()
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Expected default log level %s, got %s", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Source.Dir == "" {
		t.Error("Expected a discovered log directory")
	}
	if cfg.PlayerName() != DefaultPlayerName {
		t.Errorf("Expected fallback player %s, got %s", DefaultPlayerName, cfg.PlayerName())
	}
	if cfg.Sink.Address != DefaultSinkAddress {
		t.Errorf("Expected sink address %s, got %s", DefaultSinkAddress, cfg.Sink.Address)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ExpandHome("~/tf2logs"); got != filepath.Join(home, "tf2logs") {
		t.Errorf("ExpandHome = %s, want %s", got, filepath.Join(home, "tf2logs"))
	}
	if got := ExpandHome(" /abs/path "); got != "/abs/path" {
		t.Errorf("ExpandHome = %q, want /abs/path", got)
	}
}
