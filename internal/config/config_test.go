package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udpecho.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Server.Listen != want.Server.Listen || cfg.Bench.Clients != want.Bench.Clients {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Stream.QueueLen != 100 || cfg.Stream.BufferUnit != 17480 {
		t.Fatalf("stream defaults = %+v", cfg.Stream)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
server:
  listen: 127.0.0.1:9000
bench:
  clients: 3
  timeout_ms: 250
stream:
  queue_len: 8
  stream_mode: true
`)
	t.Setenv("UDPECHO_BENCH_ROUNDS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Bench.Clients != 3 || cfg.Bench.Rounds != 7 {
		t.Fatalf("bench = %+v", cfg.Bench)
	}
	if cfg.Bench.Timeout() != 250*time.Millisecond {
		t.Fatalf("timeout = %v", cfg.Bench.Timeout())
	}

	sc := cfg.Stream.UDPStream(nil, nil)
	if sc.QueueLen != 8 || !sc.StreamMode {
		t.Fatalf("stream config = %+v", sc)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "log level", body: "log:\n  level: loud\n"},
		{name: "clients", body: "bench:\n  clients: 0\n"},
		{name: "payload larger than a buffer unit", body: "bench:\n  payload_size: 20000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("Load accepted %q", tt.body)
			}
		})
	}
}
