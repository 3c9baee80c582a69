package rewriter

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pcap-platform/pcaprewrite/common/logging"
)

// Auto modes for the tcpprep pre-pass.
const (
	// AutoFirst tries the pre-pass and falls back to the rewrite tool's
	// own direction heuristics if it fails.
	AutoFirst = "first"
	// AutoOnly requires the pre-pass to succeed.
	AutoOnly = "only"
	// AutoNone skips the pre-pass entirely.
	AutoNone = "none"
)

var macRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// Config holds everything a rewrite run needs.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Tools names the external binaries to invoke.
	Tools ToolsConfig `yaml:"tools"`

	// ServerSubnet is the subnet replacement server addresses are drawn
	// from, e.g. "192.168.1.0/24".
	ServerSubnet string `yaml:"server_subnet"`
	// ServerMAC is the destination MAC written into server->client frames.
	ServerMAC string `yaml:"server_mac"`
	// ClientSubnet is the subnet replacement client addresses are drawn
	// from, e.g. "10.0.0.0/24".
	ClientSubnet string `yaml:"client_subnet"`
	// ClientMAC is the destination MAC written into client->server frames.
	ClientMAC string `yaml:"client_mac"`
	// Auto is the pre-pass mode: "first", "only" or "none".
	Auto string `yaml:"auto"`
}

// ToolsConfig allows overriding the external tool binaries, either with a
// different name looked up on PATH or with an absolute path.
type ToolsConfig struct {
	Tshark     string `yaml:"tshark"`
	Tcpprep    string `yaml:"tcpprep"`
	Tcprewrite string `yaml:"tcprewrite"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{Level: zapcore.InfoLevel},
		Tools: ToolsConfig{
			Tshark:     "tshark",
			Tcpprep:    "tcpprep",
			Tcprewrite: "tcprewrite",
		},
		Auto: AutoFirst,
	}
}

// LoadConfig loads configuration from a YAML file at the specified path,
// on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// Complete prompts for any subnet or MAC values that are still unset. When
// stdin is not a terminal, missing values are an error instead.
func (m *Config) Complete(in *os.File, out io.Writer) error {
	prompts := []struct {
		field  *string
		flag   string
		prompt string
	}{
		{&m.ServerSubnet, "server_subnet", "Enter the new server subnet (e.g., 192.168.1.0/24): "},
		{&m.ServerMAC, "server_mac", "Enter the destination MAC address for server->client packets (e.g., 00:11:22:33:44:55): "},
		{&m.ClientSubnet, "client_subnet", "Enter the new client subnet (e.g., 10.0.0.0/24): "},
		{&m.ClientMAC, "client_mac", "Enter the destination MAC address for client->server packets (e.g., AA:BB:CC:DD:EE:FF): "},
	}

	var reader *bufio.Reader
	for _, p := range prompts {
		if *p.field != "" {
			continue
		}
		if !term.IsTerminal(int(in.Fd())) {
			return fmt.Errorf("--%s is required when stdin is not a terminal", p.flag)
		}

		if reader == nil {
			reader = bufio.NewReader(in)
		}
		fmt.Fprint(out, p.prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p.flag, err)
		}
		*p.field = strings.TrimSpace(line)
	}

	return nil
}

// Validate checks subnet, MAC and mode syntax. It performs no I/O.
func (m *Config) Validate() error {
	if _, err := netip.ParsePrefix(m.ServerSubnet); err != nil {
		return fmt.Errorf("invalid server subnet: %w", err)
	}
	if _, err := netip.ParsePrefix(m.ClientSubnet); err != nil {
		return fmt.Errorf("invalid client subnet: %w", err)
	}

	for _, mac := range []string{m.ServerMAC, m.ClientMAC} {
		if !macRe.MatchString(mac) {
			return fmt.Errorf("invalid MAC address %q: use a format like 00:11:22:33:44:55", mac)
		}
	}

	switch m.Auto {
	case AutoFirst, AutoOnly, AutoNone:
	default:
		return fmt.Errorf("invalid auto mode %q: must be %q, %q or %q", m.Auto, AutoFirst, AutoOnly, AutoNone)
	}

	return nil
}

// ServerPrefix returns the parsed server subnet. Validate must have
// succeeded.
func (m *Config) ServerPrefix() netip.Prefix {
	return netip.MustParsePrefix(m.ServerSubnet)
}

// ClientPrefix returns the parsed client subnet. Validate must have
// succeeded.
func (m *Config) ClientPrefix() netip.Prefix {
	return netip.MustParsePrefix(m.ClientSubnet)
}
