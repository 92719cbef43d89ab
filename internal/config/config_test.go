package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/udpengine/internal/udp"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Ports.SmallestAnon != 32768 || cfg.Ports.LargestAnon != 65535 {
		t.Errorf("anonymous range = [%d, %d], want [32768, 65535]", cfg.Ports.SmallestAnon, cfg.Ports.LargestAnon)
	}
	if cfg.Engine.TTL != 255 {
		t.Errorf("Engine.TTL = %d, want 255", cfg.Engine.TTL)
	}
	if cfg.Buffers.RecvHiwat != 57344 {
		t.Errorf("Buffers.RecvHiwat = %d, want 57344", cfg.Buffers.RecvHiwat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: "debug"
  format: "json"

ports:
  smallest_anon: 40000
  largest_anon: 40999
  extra_privileged: [2049]
  excluded: [40053]
  random_anon: false

engine:
  bind_buckets: 64
  checksum: false
  ttl: 64
  ipv6_hoplimit: 64
  multicast_ttl: 4
  disjoint_family_ports: false

buffers:
  send_hiwat: 64KiB
  send_lowat: 2048
  recv_hiwat: "128 KiB"
  max_buf: 4MiB

metrics:
  enabled: true
  address: ":9464"
  path: "/metrics"

loopback:
  addresses: ["127.0.0.1", "10.0.0.1", "::1"]
  queue_size: 2MiB

echo:
  ports: [7, 7007]
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Buffers.SendHiwat != 64*1024 {
		t.Errorf("Buffers.SendHiwat = %d, want %d", cfg.Buffers.SendHiwat, 64*1024)
	}
	if cfg.Buffers.SendLowat != 2048 {
		t.Errorf("Buffers.SendLowat = %d, want 2048", cfg.Buffers.SendLowat)
	}
	if cfg.Buffers.RecvHiwat != 128*1024 {
		t.Errorf("Buffers.RecvHiwat = %d, want %d", cfg.Buffers.RecvHiwat, 128*1024)
	}
	if cfg.Loopback.QueueSize != 2<<20 {
		t.Errorf("Loopback.QueueSize = %d, want %d", cfg.Loopback.QueueSize, 2<<20)
	}
	if len(cfg.Echo.Ports) != 2 || cfg.Echo.Ports[1] != 7007 {
		t.Errorf("Echo.Ports = %v, want [7 7007]", cfg.Echo.Ports)
	}

	po := cfg.PortOptions()
	if po.SmallestAnon != 40000 || po.LargestAnon != 40999 || po.RandomAnon {
		t.Errorf("PortOptions() = %+v, want range [40000, 40999] without randomness", po)
	}
	if len(po.Excluded) != 1 || po.Excluded[0] != 40053 {
		t.Errorf("PortOptions().Excluded = %v, want [40053]", po.Excluded)
	}

	eo := cfg.EngineOptions()
	want := udp.Options{
		BindBuckets:         64,
		Checksum:            false,
		VerifyChecksum:      true,
		TTL:                 64,
		HopLimit:            64,
		MulticastTTL:        4,
		SendHiwat:           64 * 1024,
		SendLowat:           2048,
		RecvHiwat:           128 * 1024,
		MaxBuf:              4 << 20,
		DisjointFamilyPorts: false,
		DropLogRate:         10,
	}
	if eo != want {
		t.Errorf("EngineOptions() = %+v, want %+v", eo, want)
	}

	addrs := cfg.LoopbackAddresses()
	if len(addrs) != 3 || addrs[1] != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("LoopbackAddresses() = %v", addrs)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
log:
  level: warn
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should use defaults for unspecified fields
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text (default)", cfg.Log.Format)
	}
	if cfg.Engine.BindBuckets != 512 {
		t.Errorf("Engine.BindBuckets = %d, want 512 (default)", cfg.Engine.BindBuckets)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
log:
  level: "info"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "log:\n  level: loud\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			yaml:      "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "anonymous range inverted",
			yaml:      "ports:\n  smallest_anon: 50000\n  largest_anon: 40000\n",
			wantError: "exceeds largest_anon",
		},
		{
			name:      "port out of range",
			yaml:      "ports:\n  largest_anon: 70000\n",
			wantError: "ports.largest_anon must be between 1 and 65535",
		},
		{
			name:      "ttl out of range",
			yaml:      "engine:\n  ttl: 300\n",
			wantError: "engine.ttl must be between 0 and 255",
		},
		{
			name:      "zero buckets",
			yaml:      "engine:\n  bind_buckets: 0\n",
			wantError: "bind buckets must be positive",
		},
		{
			name:      "high watermark above max",
			yaml:      "buffers:\n  recv_hiwat: 8MiB\n",
			wantError: "receive high watermark",
		},
		{
			name:      "bad size",
			yaml:      "buffers:\n  max_buf: lots\n",
			wantError: "invalid size",
		},
		{
			name:      "metrics path",
			yaml:      "metrics:\n  enabled: true\n  path: metrics\n",
			wantError: "metrics.path must start with /",
		},
		{
			name:      "bad loopback address",
			yaml:      "loopback:\n  addresses: [\"10.0.0.300\"]\n",
			wantError: "loopback.addresses[0]",
		},
		{
			name:      "small queue",
			yaml:      "loopback:\n  queue_size: 1KiB\n",
			wantError: "loopback.queue_size",
		},
		{
			name:      "drop rate",
			yaml:      "loopback:\n  drop_rate: 1.5\n",
			wantError: "loopback.drop_rate must be between 0 and 1",
		},
		{
			name:      "bad echo port",
			yaml:      "echo:\n  ports: [0]\n",
			wantError: "echo.ports[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_LOG_LEVEL", "debug")
	t.Setenv("TEST_METRICS_ADDR", "0.0.0.0:9100")

	yamlConfig := `
log:
  level: "${TEST_LOG_LEVEL}"
metrics:
  address: "$TEST_METRICS_ADDR"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Metrics.Address != "0.0.0.0:9100" {
		t.Errorf("Metrics.Address = %s, want 0.0.0.0:9100", cfg.Metrics.Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
engine:
  ttl: ${NONEXISTENT_VAR:-32}
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Engine.TTL != 32 {
		t.Errorf("Engine.TTL = %d, want 32", cfg.Engine.TTL)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
metrics:
  address: "${NONEXISTENT_VAR}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should keep the original placeholder if not found
	if cfg.Metrics.Address != "${NONEXISTENT_VAR}" {
		t.Errorf("Metrics.Address = %s, want ${NONEXISTENT_VAR}", cfg.Metrics.Address)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestConfig_StringRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Buffers.MaxBuf = 3 << 20

	out := cfg.String()
	if !strings.Contains(out, "3.0 MiB") {
		t.Errorf("String() = %q, want max_buf in IEC units", out)
	}

	parsed, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if parsed.Buffers.MaxBuf != cfg.Buffers.MaxBuf {
		t.Errorf("MaxBuf after round trip = %d, want %d", parsed.Buffers.MaxBuf, cfg.Buffers.MaxBuf)
	}
}
