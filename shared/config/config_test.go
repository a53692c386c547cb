package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 8080 || cfg.ServiceName != "api" {
		t.Fatalf("unexpected defaults: port=%d service=%q", cfg.HTTPPort, cfg.ServiceName)
	}
	if cfg.CacheTTLSec != 5 || cfg.ReconnectMaxAttempts != 2 {
		t.Fatalf("unexpected domain defaults: ttl=%d attempts=%d", cfg.CacheTTLSec, cfg.ReconnectMaxAttempts)
	}
}

func TestLoadEnvOverridesAndProblems(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("WS_SEND_BUFFER", "128")
	t.Setenv("HTTP_PORT", "70000")
	defer t.Setenv("WS_SEND_BUFFER", "")
	defer t.Setenv("HTTP_PORT", "")

	cfg, problems := Load("api", 8080)
	if cfg.WSSendBuffer != 128 {
		t.Fatalf("expected WS_SEND_BUFFER override, got %d", cfg.WSSendBuffer)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected invalid port to fall back to default, got %d", cfg.HTTPPort)
	}
	found := false
	for _, p := range problems {
		if p.Field == "HTTP_PORT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected HTTP_PORT problem, got %#v", problems)
	}
}
