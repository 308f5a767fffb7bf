package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("expected default host %q, got %q", DefaultHost, cfg.Host)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.Debug != 0 {
		t.Errorf("expected debug 0, got %d", cfg.Debug)
	}
	if cfg.Address() != "evolutek.org:4200" {
		t.Errorf("unexpected address: %q", cfg.Address())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellaserv.yaml")
	content := "host: robot.local\nport: 4300\ndebug: 1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "robot.local" || cfg.Port != 4300 || cfg.Debug != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellaserv.yaml")
	if err := os.WriteFile(path, []byte("host: robot.local\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("CS_HOST", "127.0.0.1")
	t.Setenv("CS_PORT", "4242")
	t.Setenv("CS_DEBUG", "2")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("environment must win over the file, got host %q", cfg.Host)
	}
	if cfg.Port != 4242 || cfg.Debug != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Address() != "127.0.0.1:4242" {
		t.Errorf("unexpected address: %q", cfg.Address())
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(context.Background(), "/does/not/exist.yaml"); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("BadYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("host: [unterminated"), 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := Load(context.Background(), path); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})

	t.Run("EmptyHost", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.yaml")
		if err := os.WriteFile(path, []byte(`host: ""`+"\n"), 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := Load(context.Background(), path); err == nil {
			t.Error("expected error for empty host")
		}
	})
}
