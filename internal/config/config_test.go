package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_Load_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Error("expected Load(\"\") to return Default() unchanged")
	}
}

func Test_Load_PartialFileOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "server:\n  addr: \":9090\"\nqueue:\n  backend: redis\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("queue.backend = %q, want redis", cfg.Queue.Backend)
	}
	// Untouched fields keep their default values.
	if cfg.Runner.HeartbeatInterval != 10*time.Second {
		t.Errorf("runner.heartbeat_interval = %v, want unchanged default 10s", cfg.Runner.HeartbeatInterval)
	}
	if cfg.RateLimit.MaxConcurrentRunning != 50 {
		t.Errorf("rate_limit.max_concurrent_running = %d, want unchanged default 50", cfg.RateLimit.MaxConcurrentRunning)
	}
}

func Test_Load_MissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
