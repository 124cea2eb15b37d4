package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 18800 {
		t.Errorf("port = %d, want 18800", cfg.Server.Port)
	}
	if cfg.Collab.MaxLag != 100 {
		t.Errorf("max_lag = %d, want 100", cfg.Collab.MaxLag)
	}
	if got := cfg.Collab.CursorCoalesce(); got != 100*time.Millisecond {
		t.Errorf("cursor coalesce = %v, want 100ms", got)
	}
	if got := cfg.Collab.OfflineGrace(); got != 30*time.Second {
		t.Errorf("offline grace = %v, want 30s", got)
	}
	if got := cfg.Collab.SweepInterval(); got != 5*time.Minute {
		t.Errorf("sweep interval = %v, want 5m", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 18800 {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
	// listener
	server: { host: "127.0.0.1", port: 9000 },
	collab: { max_lag: 50 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Collab.MaxLag != 50 {
		t.Errorf("max_lag = %d, want 50", cfg.Collab.MaxLag)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLABD_PORT", "7777")
	t.Setenv("COLLABD_AUTH_SECRET", "sekrit")
	t.Setenv("COLLABD_POSTGRES_DSN", "postgres://x")
	t.Setenv("COLLABD_MAX_LAG", "42")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Auth.Secret != "sekrit" {
		t.Errorf("secret not applied")
	}
	if cfg.Database.PostgresDSN != "postgres://x" {
		t.Errorf("dsn not applied")
	}
	if cfg.Collab.MaxLag != 42 {
		t.Errorf("max_lag = %d, want 42", cfg.Collab.MaxLag)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	bad := Default()
	bad.Auth.Secret = "s"
	bad.Server.Port = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative port accepted")
	}

	noAuth := Default()
	if err := noAuth.Validate(); err == nil {
		t.Error("missing auth accepted")
	}

	badLag := Default()
	badLag.Auth.Secret = "s"
	badLag.Collab.MaxLag = -5
	if err := badLag.Validate(); err == nil {
		t.Error("negative max_lag accepted")
	}
}
