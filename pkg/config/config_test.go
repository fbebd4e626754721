package config

import (
	"os"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	// Ensure env vars are clean.
	os.Unsetenv("NOCTURNE_PORT")
	os.Unsetenv("NOCTURNE_MAX_ACTIVE_NAMESPACES")
	os.Unsetenv("POSTGRES_HOST")
	os.Unsetenv("REDIS_PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8083" {
		t.Errorf("expected default port 8083, got %s", cfg.Port)
	}
	if cfg.MaxActiveNamespaces != 5 {
		t.Errorf("expected default ceiling 5, got %d", cfg.MaxActiveNamespaces)
	}
	if cfg.BusinessStartHour != 8 || cfg.BusinessEndHour != 18 {
		t.Errorf("expected default business hours 8-18, got %d-%d",
			cfg.BusinessStartHour, cfg.BusinessEndHour)
	}
	if !cfg.DevMode {
		t.Error("expected dev mode by default")
	}
	if !strings.Contains(cfg.DatabaseURL, "localhost:5432") {
		t.Errorf("expected localhost database URL, got %s", cfg.DatabaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("NOCTURNE_PORT", "9090")
	os.Setenv("NOCTURNE_MAX_ACTIVE_NAMESPACES", "3")
	os.Setenv("NOCTURNE_HOLIDAYS", "2025-12-25, 2026-01-01")
	os.Setenv("POSTGRES_PASSWORD", "p@ss:word/1")
	defer func() {
		os.Unsetenv("NOCTURNE_PORT")
		os.Unsetenv("NOCTURNE_MAX_ACTIVE_NAMESPACES")
		os.Unsetenv("NOCTURNE_HOLIDAYS")
		os.Unsetenv("POSTGRES_PASSWORD")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.MaxActiveNamespaces != 3 {
		t.Errorf("expected ceiling 3, got %d", cfg.MaxActiveNamespaces)
	}
	if len(cfg.Holidays) != 2 || cfg.Holidays[1] != "2026-01-01" {
		t.Errorf("expected trimmed holiday list, got %v", cfg.Holidays)
	}
	// Reserved characters in the password must be percent-encoded.
	if strings.Contains(cfg.DatabaseURL, "p@ss:word/1") {
		t.Errorf("database URL leaks unencoded credentials: %s", cfg.DatabaseURL)
	}
}

func TestLoad_InvalidInteger(t *testing.T) {
	os.Setenv("NOCTURNE_SCHEDULER_WORKERS", "not_a_number")
	defer os.Unsetenv("NOCTURNE_SCHEDULER_WORKERS")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric worker count")
	}
}

func TestValidate_RejectsBadWindow(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.BusinessStartHour = 19
	cfg.BusinessEndHour = 8
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted business window")
	}
}
