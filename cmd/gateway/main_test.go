package main

import (
	"testing"
	"time"

	"driftcast/internal/admission"
)

func TestResolveAdmissionDriver(t *testing.T) {
	driver, err := resolveAdmissionDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveAdmissionDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected memory default, got %q", driver)
	}

	driver, err = resolveAdmissionDriver("", "", "127.0.0.1:6379")
	if err != nil {
		t.Fatalf("resolveAdmissionDriver returned error: %v", err)
	}
	if driver != "redis" {
		t.Fatalf("expected redis when an address is configured, got %q", driver)
	}

	if _, err := resolveAdmissionDriver("etcd", "", ""); err == nil {
		t.Fatal("expected error for an unsupported driver")
	}
}

func TestResolveFailModeDefaults(t *testing.T) {
	mode, err := resolveFailMode("", "", "production")
	if err != nil {
		t.Fatalf("resolveFailMode returned error: %v", err)
	}
	if mode != admission.FailClosed {
		t.Fatalf("production must default to fail-closed, got %q", mode)
	}

	mode, err = resolveFailMode("", "", "development")
	if err != nil {
		t.Fatalf("resolveFailMode returned error: %v", err)
	}
	if mode != admission.FailOpen {
		t.Fatalf("development must default to fail-open, got %q", mode)
	}

	mode, err = resolveFailMode("closed", "", "development")
	if err != nil {
		t.Fatalf("resolveFailMode returned error: %v", err)
	}
	if mode != admission.FailClosed {
		t.Fatalf("explicit value must win, got %q", mode)
	}

	if _, err := resolveFailMode("sometimes", "", ""); err == nil {
		t.Fatal("expected error for an unsupported fail mode")
	}
}

func TestResolveJournalDriver(t *testing.T) {
	driver, err := resolveJournalDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveJournalDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected memory default, got %q", driver)
	}

	driver, err = resolveJournalDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveJournalDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres when a DSN is configured, got %q", driver)
	}

	if _, err := resolveJournalDriver("postgres", "", ""); err == nil {
		t.Fatal("expected error for postgres without a DSN")
	}

	if _, err := resolveJournalDriver("sqlite", "", ""); err == nil {
		t.Fatal("expected error for an unsupported driver")
	}
}

func TestResolveListenAddr(t *testing.T) {
	if addr := resolveListenAddr(" :9000 ", "production", ""); addr != ":9000" {
		t.Fatalf("flag value should win, got %q", addr)
	}
	if addr := resolveListenAddr("", "production", ":9443"); addr != ":9443" {
		t.Fatalf("env value should win over mode default, got %q", addr)
	}
	if addr := resolveListenAddr("", "production", ""); addr != ":443" {
		t.Fatalf("production default should be :443, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", ""); addr != ":8080" {
		t.Fatalf("development default should be :8080, got %q", addr)
	}
}

func TestResolveDurationFallback(t *testing.T) {
	if d := resolveDuration(0, "DRIFTCAST_TEST_UNSET_DURATION", time.Minute); d != time.Minute {
		t.Fatalf("expected fallback, got %v", d)
	}
	if d := resolveDuration(5*time.Second, "DRIFTCAST_TEST_UNSET_DURATION", time.Minute); d != 5*time.Second {
		t.Fatalf("expected flag value, got %v", d)
	}
	t.Setenv("DRIFTCAST_TEST_UNSET_DURATION", "90s")
	if d := resolveDuration(0, "DRIFTCAST_TEST_UNSET_DURATION", time.Minute); d != 90*time.Second {
		t.Fatalf("expected env value, got %v", d)
	}
}
