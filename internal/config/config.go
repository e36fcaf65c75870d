// Package config loads the doipd configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eshenhu/doipgw/doip"
)

// EnvPrefix prefixes environment overrides, e.g. DOIPD_LOG_LEVEL.
const EnvPrefix = "DOIPD"

// Config is the root of doipd.yaml.
type Config struct {
	Entity  EntityConfig  `mapstructure:"entity" yaml:"entity" toml:"entity"`
	Network NetworkConfig `mapstructure:"network" yaml:"network" toml:"network"`
	Routing RoutingConfig `mapstructure:"routing" yaml:"routing" toml:"routing"`
	Timing  TimingConfig  `mapstructure:"timing" yaml:"timing" toml:"timing"`
	Limits  LimitsConfig  `mapstructure:"limits" yaml:"limits" toml:"limits"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" toml:"log"`
}

// ─── Entity ───

// EntityConfig is the identification reported in vehicle announcements.
type EntityConfig struct {
	VIN            string `mapstructure:"vin" yaml:"vin" toml:"vin"`
	EID            string `mapstructure:"eid" yaml:"eid" toml:"eid"` // hex, colons allowed
	GID            string `mapstructure:"gid" yaml:"gid" toml:"gid"`
	LogicalAddress uint16 `mapstructure:"logical_address" yaml:"logical_address" toml:"logical_address"`
	FurtherAction  uint8  `mapstructure:"further_action" yaml:"further_action" toml:"further_action"`
	NodeType       string `mapstructure:"node_type" yaml:"node_type" toml:"node_type"`    // gateway | node
	PowerMode      string `mapstructure:"power_mode" yaml:"power_mode" toml:"power_mode"` // ready | not_ready | not_supported
}

// ─── Network ───

// NetworkConfig holds the listen addresses.
type NetworkConfig struct {
	TCPListen    string    `mapstructure:"tcp_listen" yaml:"tcp_listen" toml:"tcp_listen"`
	UDPListen    string    `mapstructure:"udp_listen" yaml:"udp_listen" toml:"udp_listen"`
	AnnounceAddr string    `mapstructure:"announce_addr" yaml:"announce_addr" toml:"announce_addr"`
	TLS          TLSConfig `mapstructure:"tls" yaml:"tls" toml:"tls"`
}

// TLSConfig enables the tcp-tls listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" toml:"key_file"`
}

// ─── Routing ───

// RoutingConfig controls routing activation and the sub-network.
type RoutingConfig struct {
	ClientAddressMin          uint16   `mapstructure:"client_address_min" yaml:"client_address_min" toml:"client_address_min"`
	ClientAddressMax          uint16   `mapstructure:"client_address_max" yaml:"client_address_max" toml:"client_address_max"`
	AllowMultipleSocketsPerSA bool     `mapstructure:"allow_multiple_sockets_per_sa" yaml:"allow_multiple_sockets_per_sa" toml:"allow_multiple_sockets_per_sa"`
	MaxSockets                int      `mapstructure:"max_sockets" yaml:"max_sockets" toml:"max_sockets"`
	MaxActivationDenials      int      `mapstructure:"max_activation_denials" yaml:"max_activation_denials" toml:"max_activation_denials"`
	RequireAuthentication     bool     `mapstructure:"require_authentication" yaml:"require_authentication" toml:"require_authentication"`
	SubnetAddresses           []uint16 `mapstructure:"subnet_addresses" yaml:"subnet_addresses" toml:"subnet_addresses"`
}

// ─── Timing ───

// TimingConfig uses Go duration strings ("2s", "500ms").
type TimingConfig struct {
	InitialInactivity string `mapstructure:"initial_inactivity" yaml:"initial_inactivity" toml:"initial_inactivity"`
	GeneralInactivity string `mapstructure:"general_inactivity" yaml:"general_inactivity" toml:"general_inactivity"`
	AliveCheck        string `mapstructure:"alive_check" yaml:"alive_check" toml:"alive_check"`
	AnnounceWait      string `mapstructure:"announce_wait" yaml:"announce_wait" toml:"announce_wait"`
	AnnounceInterval  string `mapstructure:"announce_interval" yaml:"announce_interval" toml:"announce_interval"`
	AnnounceCount     int    `mapstructure:"announce_count" yaml:"announce_count" toml:"announce_count"`
	WriteTimeout      string `mapstructure:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
}

// ─── Limits ───

// LimitsConfig bounds message sizes and queues.
type LimitsConfig struct {
	MaxDataSize       uint32 `mapstructure:"max_data_size" yaml:"max_data_size" toml:"max_data_size"`
	MaxDiagnosticSize uint32 `mapstructure:"max_diagnostic_size" yaml:"max_diagnostic_size" toml:"max_diagnostic_size"`
	OutboundQueue     int    `mapstructure:"outbound_queue" yaml:"outbound_queue" toml:"outbound_queue"`
}

// ─── Log ───

// LogConfig configures the logger.
type LogConfig struct {
	Level  string     `mapstructure:"level" yaml:"level" toml:"level"`
	Format string     `mapstructure:"format" yaml:"format" toml:"format"`
	File   FileConfig `mapstructure:"file" yaml:"file" toml:"file"`
}

// FileConfig configures the rotating log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path" toml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" toml:"compress"`
}

// ─── Loading ───

// Load reads the configuration file at path. The format follows the file
// extension (.yaml, .yml or .toml). An empty path loads the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults mirrors doip.DefaultConfig.
func setDefaults(v *viper.Viper) {
	d := doip.DefaultConfig()

	v.SetDefault("entity.vin", "")
	v.SetDefault("entity.eid", "00:00:00:00:00:00")
	v.SetDefault("entity.gid", "00:00:00:00:00:00")
	v.SetDefault("entity.logical_address", 0x1000)
	v.SetDefault("entity.further_action", 0)
	v.SetDefault("entity.node_type", "gateway")
	v.SetDefault("entity.power_mode", "not_supported")

	v.SetDefault("network.tcp_listen", ":13400")
	v.SetDefault("network.udp_listen", ":13400")
	v.SetDefault("network.announce_addr", "255.255.255.255:13400")
	v.SetDefault("network.tls.enabled", false)
	v.SetDefault("network.tls.cert_file", "")
	v.SetDefault("network.tls.key_file", "")

	v.SetDefault("routing.client_address_min", d.ClientAddressMin)
	v.SetDefault("routing.client_address_max", d.ClientAddressMax)
	v.SetDefault("routing.allow_multiple_sockets_per_sa", false)
	v.SetDefault("routing.max_sockets", d.MaxSockets)
	v.SetDefault("routing.max_activation_denials", d.MaxActivationDenials)
	v.SetDefault("routing.require_authentication", false)
	v.SetDefault("routing.subnet_addresses", []uint16{})

	v.SetDefault("timing.initial_inactivity", d.InitialInactivity.String())
	v.SetDefault("timing.general_inactivity", d.GeneralInactivity.String())
	v.SetDefault("timing.alive_check", d.AliveCheckTimeout.String())
	v.SetDefault("timing.announce_wait", d.AnnounceWait.String())
	v.SetDefault("timing.announce_interval", d.AnnounceInterval.String())
	v.SetDefault("timing.announce_count", d.AnnounceCount)
	v.SetDefault("timing.write_timeout", d.WriteTimeout.String())

	v.SetDefault("limits.max_data_size", d.MaxDataSize)
	v.SetDefault("limits.max_diagnostic_size", d.MaxDiagnosticSize)
	v.SetDefault("limits.outbound_queue", d.OutboundQueue)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "/var/log/doipd/doipd.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// Validate checks every field that DoIP and Identity would reject.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Log.Format)
	}
	if c.Log.File.Enabled && c.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	if c.Network.TLS.Enabled && (c.Network.TLS.CertFile == "" || c.Network.TLS.KeyFile == "") {
		return fmt.Errorf("network.tls.cert_file and key_file are required when network.tls.enabled=true")
	}
	if c.Routing.ClientAddressMin > c.Routing.ClientAddressMax {
		return fmt.Errorf("routing.client_address_min 0x%04x above client_address_max 0x%04x",
			c.Routing.ClientAddressMin, c.Routing.ClientAddressMax)
	}
	for _, la := range c.Routing.SubnetAddresses {
		if la >= c.Routing.ClientAddressMin && la <= c.Routing.ClientAddressMax {
			return fmt.Errorf("routing.subnet_addresses: 0x%04x is in the client address range", la)
		}
	}
	if c.Limits.MaxDataSize != 0 && c.Limits.MaxDiagnosticSize+4 > c.Limits.MaxDataSize {
		return fmt.Errorf("limits.max_diagnostic_size %d does not fit max_data_size %d",
			c.Limits.MaxDiagnosticSize, c.Limits.MaxDataSize)
	}

	if _, err := c.Identity(); err != nil {
		return err
	}
	if _, err := c.DoIP(); err != nil {
		return err
	}
	return nil
}

// Identity converts the entity section.
func (c *Config) Identity() (doip.Identity, error) {
	id := doip.Identity{
		LogicalAddress: c.Entity.LogicalAddress,
		FurtherAction:  c.Entity.FurtherAction,
	}
	if len(c.Entity.VIN) > len(id.VIN) {
		return id, fmt.Errorf("entity.vin %q longer than %d characters", c.Entity.VIN, len(id.VIN))
	}
	id.VIN = doip.VINFromString(c.Entity.VIN)

	if err := parseHexID(id.EID[:], c.Entity.EID); err != nil {
		return id, fmt.Errorf("entity.eid: %w", err)
	}
	if err := parseHexID(id.GID[:], c.Entity.GID); err != nil {
		return id, fmt.Errorf("entity.gid: %w", err)
	}
	return id, nil
}

// subnetAddresses returns the configured sub-network addresses plus the
// entity's own address, whose diagnostic requests also go to the transport.
func (c *Config) subnetAddresses() []uint16 {
	out := append([]uint16(nil), c.Routing.SubnetAddresses...)
	for _, la := range out {
		if la == c.Entity.LogicalAddress {
			return out
		}
	}
	return append(out, c.Entity.LogicalAddress)
}

// DoIP converts the routing, timing and limits sections.
func (c *Config) DoIP() (doip.Config, error) {
	d := doip.Config{
		ClientAddressMin:          c.Routing.ClientAddressMin,
		ClientAddressMax:          c.Routing.ClientAddressMax,
		SubnetAddresses:           c.subnetAddresses(),
		AllowMultipleSocketsPerSA: c.Routing.AllowMultipleSocketsPerSA,
		MaxSockets:                c.Routing.MaxSockets,
		MaxActivationDenials:      c.Routing.MaxActivationDenials,
		MaxDataSize:               c.Limits.MaxDataSize,
		MaxDiagnosticSize:         c.Limits.MaxDiagnosticSize,
		OutboundQueue:             c.Limits.OutboundQueue,
		AnnounceCount:             c.Timing.AnnounceCount,
	}

	switch strings.ToLower(c.Entity.NodeType) {
	case "", "gateway":
		d.NodeType = doip.NodeTypeGateway
	case "node":
		d.NodeType = doip.NodeTypeNode
	default:
		return d, fmt.Errorf("invalid entity.node_type: %s (must be gateway/node)", c.Entity.NodeType)
	}

	switch strings.ToLower(c.Entity.PowerMode) {
	case "", "not_supported":
	case "ready":
		d.PowerMode = func() byte { return doip.PowerModeReady }
	case "not_ready":
		d.PowerMode = func() byte { return doip.PowerModeNotReady }
	default:
		return d, fmt.Errorf("invalid entity.power_mode: %s (must be ready/not_ready/not_supported)", c.Entity.PowerMode)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"timing.initial_inactivity", c.Timing.InitialInactivity, &d.InitialInactivity},
		{"timing.general_inactivity", c.Timing.GeneralInactivity, &d.GeneralInactivity},
		{"timing.alive_check", c.Timing.AliveCheck, &d.AliveCheckTimeout},
		{"timing.announce_wait", c.Timing.AnnounceWait, &d.AnnounceWait},
		{"timing.announce_interval", c.Timing.AnnounceInterval, &d.AnnounceInterval},
		{"timing.write_timeout", c.Timing.WriteTimeout, &d.WriteTimeout},
	}
	for _, dur := range durations {
		if dur.val == "" {
			continue
		}
		v, err := time.ParseDuration(dur.val)
		if err != nil {
			return d, fmt.Errorf("invalid %s: %w", dur.key, err)
		}
		if v < 0 {
			return d, fmt.Errorf("invalid %s: negative duration %s", dur.key, dur.val)
		}
		*dur.dst = v
	}
	return d, nil
}

// Dump writes the effective configuration as yaml or toml.
func (c *Config) Dump(w io.Writer, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(c)
	default:
		return fmt.Errorf("unsupported dump format: %s (must be yaml/toml)", format)
	}
}

func parseHexID(dst []byte, s string) error {
	s = strings.ReplaceAll(s, ":", "")
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
