package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("POLL_INTERVAL")
	os.Unsetenv("DISPATCH_WORKERS")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != time.Minute {
		t.Fatalf("expected default poll interval 1m got %s", cfg.PollInterval)
	}
	if cfg.DispatchWorkers != 4 {
		t.Fatalf("expected default 4 workers got %d", cfg.DispatchWorkers)
	}
	if cfg.HolodexBaseURL == "" || cfg.DiscordBaseURL == "" {
		t.Fatal("expected base URL defaults")
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Setenv("POLL_INTERVAL", "15s")
	os.Setenv("DISPATCH_MAX_ATTEMPTS", "2")
	defer os.Unsetenv("POLL_INTERVAL")
	defer os.Unsetenv("DISPATCH_MAX_ATTEMPTS")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("override not applied: %s", cfg.PollInterval)
	}
	if cfg.DispatchMaxAttempts != 2 {
		t.Fatalf("override not applied: %d", cfg.DispatchMaxAttempts)
	}
}

func TestLoadIgnoresInvalidDuration(t *testing.T) {
	os.Setenv("POLL_TIMEOUT", "banana")
	defer os.Unsetenv("POLL_TIMEOUT")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollTimeout != 30*time.Second {
		t.Fatalf("invalid value should fall back to default, got %s", cfg.PollTimeout)
	}
}

func TestValidate(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error with no credentials")
	}
	c.HolodexAPIKey = "k"
	c.DiscordBotToken = "t"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talents.yaml")
	data := `talents:
  - id: t1
    name: Tokino Sora
    channel_id: UCp6993wxpyDPHUpavwDFqgg
    generation: gen0
  - id: t2
    name: Sakura Miko
    channel_id: UC-hM6YJuNYVAmUWxeIr9FeA
    generation: gen0
guilds:
  - guild_id: "123"
    stream_tracking_enabled: true
    alerts_enabled: true
    create_chats_enabled: true
    chat_category_id: "200"
    archive_category_id: "201"
    alert_channel_id: "202"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadRoster(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Talents) != 2 || len(r.Guilds) != 1 {
		t.Fatalf("unexpected roster: %+v", r)
	}
	if tal, ok := r.TalentByChannel("UC-hM6YJuNYVAmUWxeIr9FeA"); !ok || tal.Name != "Sakura Miko" {
		t.Fatalf("lookup failed: %+v %v", tal, ok)
	}
	if len(r.ChannelIDs()) != 2 {
		t.Fatal("expected two channel ids")
	}
}

func TestLoadRosterRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talents.yaml")
	data := `talents:
  - {id: a, name: A, channel_id: UC1}
  - {id: b, name: B, channel_id: UC1}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRoster(path); err == nil {
		t.Fatal("expected duplicate channel_id error")
	}
}
