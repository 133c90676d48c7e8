package main

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.configPath != "clientd.yaml" {
		t.Fatalf("configPath = %q, want clientd.yaml", cfg.configPath)
	}
	if cfg.logLevel != "" {
		t.Fatalf("logLevel = %q, want empty (no override)", cfg.logLevel)
	}
	if cfg.showVersion {
		t.Fatalf("showVersion = true, want false")
	}
}

func TestParseFlagsRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	if _, err := parseFlags([]string{"-log-level=verbose"}); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := parseFlags([]string{"-config=/tmp/x.yaml", "-log-level=debug", "-version"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.configPath != "/tmp/x.yaml" {
		t.Fatalf("configPath = %q", cfg.configPath)
	}
	if cfg.logLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.logLevel)
	}
	if !cfg.showVersion {
		t.Fatalf("showVersion = false, want true")
	}
}
