package presence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("DEVICEGATE_AGENT_TOKEN", "env-token")

	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
	if cfg.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Token)
	}
	if cfg.HeartbeatInterval != 2*time.Minute {
		t.Errorf("HeartbeatInterval = %v, want 2m", cfg.HeartbeatInterval)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.DeviceIDFile == "" || cfg.DeviceName == "" {
		t.Errorf("DeviceIDFile/DeviceName should have defaults: %+v", cfg)
	}
}

func TestLoadConfig_FileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	content := `server_url = "https://gate.example.com"
token = "file-token"
device_name = "Office PC"
heartbeat_interval = "90s"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEVICEGATE_AGENT_SERVER_URL", "https://override.example.com")

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ServerURL != "https://override.example.com" {
		t.Errorf("ServerURL = %q, want env override", cfg.ServerURL)
	}
	if cfg.Token != "file-token" {
		t.Errorf("Token = %q, want file-token", cfg.Token)
	}
	if cfg.DeviceName != "Office PC" {
		t.Errorf("DeviceName = %q, want Office PC", cfg.DeviceName)
	}
	if cfg.HeartbeatInterval != 90*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 90s", cfg.HeartbeatInterval)
	}
}

func TestLoadConfig_OverridesWin(t *testing.T) {
	t.Setenv("DEVICEGATE_AGENT_TOKEN", "env-token")
	t.Setenv("DEVICEGATE_AGENT_SERVER_URL", "https://env.example.com")

	cfg, err := LoadConfig("", map[string]interface{}{
		"token":              "flag-token",
		"heartbeat_interval": "30s",
	})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Token != "flag-token" {
		t.Errorf("Token = %q, want flag-token", cfg.Token)
	}
	if cfg.ServerURL != "https://env.example.com" {
		t.Errorf("ServerURL = %q, want env value", cfg.ServerURL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
}

func TestLoadConfig_MissingToken_ReturnsError(t *testing.T) {
	t.Setenv("DEVICEGATE_AGENT_TOKEN", "")

	_, err := LoadConfig("", nil)
	if err == nil {
		t.Fatal("expected error when token is missing")
	}
	if !strings.Contains(err.Error(), "token") {
		t.Errorf("error = %v, should mention token", err)
	}
}

func TestLoadConfig_MissingFile_ReturnsError(t *testing.T) {
	t.Setenv("DEVICEGATE_AGENT_TOKEN", "tok")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		ServerURL:         "http://localhost:8080",
		Token:             "tok",
		DeviceIDFile:      "/tmp/id",
		HeartbeatInterval: time.Minute,
		RequestTimeout:    time.Second,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no server", func(c *Config) { c.ServerURL = "" }, "server_url"},
		{"zero interval", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, "request_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
