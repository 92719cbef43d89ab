// Package config provides configuration parsing and validation for the
// datagram engine.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpengine/internal/ports"
	"github.com/postalsys/udpengine/internal/udp"
)

// Config represents the complete engine configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Ports    PortsConfig    `yaml:"ports"`
	Engine   EngineConfig   `yaml:"engine"`
	Buffers  BuffersConfig  `yaml:"buffers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Loopback LoopbackConfig `yaml:"loopback"`
	Echo     EchoConfig     `yaml:"echo"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// PortsConfig describes the port space.
type PortsConfig struct {
	SmallestNonPriv int   `yaml:"smallest_nonpriv"`
	SmallestAnon    int   `yaml:"smallest_anon"`
	LargestAnon     int   `yaml:"largest_anon"`
	MinAnonPriv     int   `yaml:"min_anonpriv"`
	ExtraPrivileged []int `yaml:"extra_privileged"`
	Excluded        []int `yaml:"excluded"`
	RandomAnon      bool  `yaml:"random_anon"`
}

// EngineConfig holds the protocol tunables.
type EngineConfig struct {
	BindBuckets         int     `yaml:"bind_buckets"`
	Checksum            bool    `yaml:"checksum"`        // IPv4 outbound checksums
	VerifyChecksum      bool    `yaml:"verify_checksum"` // drop inbound datagrams with a bad checksum
	TTL                 int     `yaml:"ttl"`
	HopLimit            int     `yaml:"ipv6_hoplimit"`
	MulticastTTL        int     `yaml:"multicast_ttl"`
	DisjointFamilyPorts bool    `yaml:"disjoint_family_ports"`
	DropLogRate         float64 `yaml:"drop_log_rate"` // drop log records per second
}

// BuffersConfig holds the flow control watermarks.
type BuffersConfig struct {
	SendHiwat ByteSize `yaml:"send_hiwat"`
	SendLowat ByteSize `yaml:"send_lowat"`
	RecvHiwat ByteSize `yaml:"recv_hiwat"`
	MaxBuf    ByteSize `yaml:"max_buf"`
}

// MetricsConfig controls the Prometheus endpoint served by the run command.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoopbackConfig configures the in-memory IP layer.
type LoopbackConfig struct {
	Addresses       []string `yaml:"addresses"`        // local unicast addresses
	QueueSize       ByteSize `yaml:"queue_size"`       // ring buffer capacity
	PortUnreachable bool     `yaml:"port_unreachable"` // answer datagrams to unbound ports

	// Fault injection for testing, as probabilities per datagram.
	DropRate    float64 `yaml:"drop_rate"`
	CorruptRate float64 `yaml:"corrupt_rate"`
}

// EchoConfig lists the ports the run command answers on.
type EchoConfig struct {
	Ports []int `yaml:"ports"`
}

// ByteSize is a size in bytes. In YAML it may be a plain integer or a
// human-readable string such as "56KiB" or "2 MB".
type ByteSize int

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	s := value.Value
	if n, err := strconv.Atoi(s); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > uint64(^uint(0)>>1) {
		return fmt.Errorf("size %q too large", s)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	po := ports.DefaultOptions()
	eo := udp.DefaultOptions()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ports: PortsConfig{
			SmallestNonPriv: int(po.SmallestNonPriv),
			SmallestAnon:    int(po.SmallestAnon),
			LargestAnon:     int(po.LargestAnon),
			MinAnonPriv:     int(po.MinAnonPriv),
			ExtraPrivileged: []int{2049, 4045},
			Excluded:        []int{},
			RandomAnon:      po.RandomAnon,
		},
		Engine: EngineConfig{
			BindBuckets:         eo.BindBuckets,
			Checksum:            eo.Checksum,
			VerifyChecksum:      eo.VerifyChecksum,
			TTL:                 int(eo.TTL),
			HopLimit:            int(eo.HopLimit),
			MulticastTTL:        int(eo.MulticastTTL),
			DisjointFamilyPorts: eo.DisjointFamilyPorts,
			DropLogRate:         eo.DropLogRate,
		},
		Buffers: BuffersConfig{
			SendHiwat: ByteSize(eo.SendHiwat),
			SendLowat: ByteSize(eo.SendLowat),
			RecvHiwat: ByteSize(eo.RecvHiwat),
			MaxBuf:    ByteSize(eo.MaxBuf),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Loopback: LoopbackConfig{
			Addresses:       []string{"127.0.0.1", "::1"},
			QueueSize:       1 << 20,
			PortUnreachable: true,
		},
		Echo: EchoConfig{
			Ports: []int{7},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	for name, v := range map[string]int{
		"ports.smallest_nonpriv": c.Ports.SmallestNonPriv,
		"ports.smallest_anon":    c.Ports.SmallestAnon,
		"ports.largest_anon":     c.Ports.LargestAnon,
		"ports.min_anonpriv":     c.Ports.MinAnonPriv,
	} {
		if !isValidPort(v) {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", name))
		}
	}
	for i, p := range c.Ports.ExtraPrivileged {
		if !isValidPort(p) {
			errs = append(errs, fmt.Sprintf("ports.extra_privileged[%d]: invalid port %d", i, p))
		}
	}
	for i, p := range c.Ports.Excluded {
		if !isValidPort(p) {
			errs = append(errs, fmt.Sprintf("ports.excluded[%d]: invalid port %d", i, p))
		}
	}

	for name, v := range map[string]int{
		"engine.ttl":           c.Engine.TTL,
		"engine.ipv6_hoplimit": c.Engine.HopLimit,
		"engine.multicast_ttl": c.Engine.MulticastTTL,
	} {
		if v < 0 || v > 255 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 255", name))
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			errs = append(errs, "metrics.address is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	for i, a := range c.Loopback.Addresses {
		if _, err := netip.ParseAddr(a); err != nil {
			errs = append(errs, fmt.Sprintf("loopback.addresses[%d]: invalid address: %s", i, a))
		}
	}
	if c.Loopback.QueueSize < 64*1024 {
		errs = append(errs, "loopback.queue_size must be at least 64KiB")
	}
	if c.Loopback.DropRate < 0 || c.Loopback.DropRate > 1 {
		errs = append(errs, "loopback.drop_rate must be between 0 and 1")
	}
	if c.Loopback.CorruptRate < 0 || c.Loopback.CorruptRate > 1 {
		errs = append(errs, "loopback.corrupt_rate must be between 0 and 1")
	}

	for i, p := range c.Echo.Ports {
		if !isValidPort(p) {
			errs = append(errs, fmt.Sprintf("echo.ports[%d]: invalid port %d", i, p))
		}
	}

	// Range consistency is owned by the runtime option types.
	if len(errs) == 0 {
		if err := c.PortOptions().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := c.EngineOptions().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// PortOptions translates the ports section into runtime options. The
// configuration must have been validated.
func (c *Config) PortOptions() ports.Options {
	return ports.Options{
		SmallestNonPriv: uint16(c.Ports.SmallestNonPriv),
		SmallestAnon:    uint16(c.Ports.SmallestAnon),
		LargestAnon:     uint16(c.Ports.LargestAnon),
		MinAnonPriv:     uint16(c.Ports.MinAnonPriv),
		ExtraPrivileged: toPorts(c.Ports.ExtraPrivileged),
		Excluded:        toPorts(c.Ports.Excluded),
		RandomAnon:      c.Ports.RandomAnon,
	}
}

// EngineOptions translates the engine and buffers sections into runtime
// options. The configuration must have been validated.
func (c *Config) EngineOptions() udp.Options {
	return udp.Options{
		BindBuckets:         c.Engine.BindBuckets,
		Checksum:            c.Engine.Checksum,
		VerifyChecksum:      c.Engine.VerifyChecksum,
		TTL:                 uint8(c.Engine.TTL),
		HopLimit:            uint8(c.Engine.HopLimit),
		MulticastTTL:        uint8(c.Engine.MulticastTTL),
		SendHiwat:           int(c.Buffers.SendHiwat),
		SendLowat:           int(c.Buffers.SendLowat),
		RecvHiwat:           int(c.Buffers.RecvHiwat),
		MaxBuf:              int(c.Buffers.MaxBuf),
		DisjointFamilyPorts: c.Engine.DisjointFamilyPorts,
		DropLogRate:         c.Engine.DropLogRate,
	}
}

// LoopbackAddresses returns the parsed loopback addresses. The
// configuration must have been validated.
func (c *Config) LoopbackAddresses() []netip.Addr {
	out := make([]netip.Addr, 0, len(c.Loopback.Addresses))
	for _, a := range c.Loopback.Addresses {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

func toPorts(in []int) []uint16 {
	out := make([]uint16, 0, len(in))
	for _, p := range in {
		out = append(out, uint16(p))
	}
	return out
}

func isValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
