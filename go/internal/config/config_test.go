package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcdev12/shoreline/go/internal/room"
)

func TestMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := c.SessionConfig(), room.DefaultConfig(); got != want {
		t.Fatalf("SessionConfig = %+v, want %+v", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shoreline.yaml")
	data := []byte(`
game:
  round_budget: 250
  gameplay_duration: 45s
presence:
  timeout: 20s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := c.SessionConfig()
	if sc.RoundBudget != 250 || sc.Durations.Gameplay != 45*time.Second || sc.Presence.Timeout != 20*time.Second {
		t.Fatalf("overrides not applied: %+v", sc)
	}
	if sc.Durations.Tutorial != room.DefaultConfig().Durations.Tutorial {
		t.Fatalf("unset keys should keep defaults, tutorial = %v", sc.Durations.Tutorial)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"zero budget":     "game:\n  round_budget: 0\n",
		"short timeout":   "presence:\n  heartbeat_interval: 5s\n  timeout: 2s\n",
		"bad weight":      "clock:\n  smoothing_weight: 1.5\n",
		"not yaml at all": "game: [",
		"zero retry":      "session:\n  retry_delay: 0s\n",
		"max below retry": "session:\n  retry_delay: 5s\n  max_retry_delay: 2s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
