// Package config loads the node's recognized configuration options via
// viper: file-based defaults, an optional environment overlay, and
// VEILID_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	verrors "veilidcore/pkg/errors"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// ProtocolConfig is the per-protocol enabled/listen/connect surface named in
// ("Per-protocol enabled/listen/connect/listen_address").
type ProtocolConfig struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	Listen        bool   `mapstructure:"listen" json:"listen"`
	Connect       bool   `mapstructure:"connect" json:"connect"`
	ListenAddress string `mapstructure:"listen_address" json:"listen_address"`
}

// Config is the unified configuration for a node, mirroring every key
// the core recognizes.
type Config struct {
	Network struct {
		ConnectionInitialTimeoutMs    int      `mapstructure:"connection_initial_timeout_ms" json:"connection_initial_timeout_ms"`
		ConnectionInactivityTimeoutMs int      `mapstructure:"connection_inactivity_timeout_ms" json:"connection_inactivity_timeout_ms"`
		MaxConnectionsPerIP4          int      `mapstructure:"max_connections_per_ip4" json:"max_connections_per_ip4"`
		MaxConnectionsPerIP6Prefix    int      `mapstructure:"max_connections_per_ip6_prefix" json:"max_connections_per_ip6_prefix"`
		MaxConnectionFrequencyPerMin  int      `mapstructure:"max_connection_frequency_per_min" json:"max_connection_frequency_per_min"`
		UPnP                          bool     `mapstructure:"upnp" json:"upnp"`
		DetectAddressChanges          bool     `mapstructure:"detect_address_changes" json:"detect_address_changes"`
		RestrictedNatRetries          int      `mapstructure:"restricted_nat_retries" json:"restricted_nat_retries"`
		Bootstrap                     []string `mapstructure:"bootstrap" json:"bootstrap"`

		RPC struct {
			TimeoutMs           int `mapstructure:"timeout_ms" json:"timeout_ms"`
			MaxTimestampBehindMs int `mapstructure:"max_timestamp_behind_ms" json:"max_timestamp_behind_ms"`
			MaxTimestampAheadMs  int `mapstructure:"max_timestamp_ahead_ms" json:"max_timestamp_ahead_ms"`
			MaxRouteHopCount     int `mapstructure:"max_route_hop_count" json:"max_route_hop_count"`
			DefaultRouteHopCount int `mapstructure:"default_route_hop_count" json:"default_route_hop_count"`
			QueueSize            int `mapstructure:"queue_size" json:"queue_size"`
		} `mapstructure:"rpc" json:"rpc"`

		DHT struct {
			GetValueCount               int `mapstructure:"get_value_count" json:"get_value_count"`
			GetValueFanout              int `mapstructure:"get_value_fanout" json:"get_value_fanout"`
			GetValueTimeoutMs           int `mapstructure:"get_value_timeout_ms" json:"get_value_timeout_ms"`
			SetValueCount               int `mapstructure:"set_value_count" json:"set_value_count"`
			SetValueFanout              int `mapstructure:"set_value_fanout" json:"set_value_fanout"`
			SetValueTimeoutMs           int `mapstructure:"set_value_timeout_ms" json:"set_value_timeout_ms"`
			ResolveNodeCount            int `mapstructure:"resolve_node_count" json:"resolve_node_count"`
			ResolveNodeFanout           int `mapstructure:"resolve_node_fanout" json:"resolve_node_fanout"`
			ResolveNodeTimeoutMs        int `mapstructure:"resolve_node_timeout_ms" json:"resolve_node_timeout_ms"`
			ValidateDialInfoReceiptTimeMs int `mapstructure:"validate_dial_info_receipt_time_ms" json:"validate_dial_info_receipt_time_ms"`
			MaxFindNodeCount            int `mapstructure:"max_find_node_count" json:"max_find_node_count"`
			RemoteMaxRecords            int `mapstructure:"remote_max_records" json:"remote_max_records"`
		} `mapstructure:"dht" json:"dht"`

		Protocol struct {
			UDP ProtocolConfig `mapstructure:"udp" json:"udp"`
			TCP ProtocolConfig `mapstructure:"tcp" json:"tcp"`
			WS  ProtocolConfig `mapstructure:"ws" json:"ws"`
			WSS ProtocolConfig `mapstructure:"wss" json:"wss"`
		} `mapstructure:"protocol" json:"protocol"`
	} `mapstructure:"network" json:"network"`

	Capabilities struct {
		Disable []string `mapstructure:"disable" json:"disable"`
	} `mapstructure:"capabilities" json:"capabilities"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// RPCTimeout is a convenience accessor returning network.rpc.timeout_ms as a
// time.Duration.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Network.RPC.TimeoutMs) * time.Millisecond
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("network.connection_initial_timeout_ms", 2000)
	viper.SetDefault("network.connection_inactivity_timeout_ms", 60000)
	viper.SetDefault("network.max_connections_per_ip4", 8)
	viper.SetDefault("network.max_connections_per_ip6_prefix", 8)
	viper.SetDefault("network.max_connection_frequency_per_min", 60)
	viper.SetDefault("network.upnp", true)
	viper.SetDefault("network.detect_address_changes", true)
	viper.SetDefault("network.restricted_nat_retries", 3)

	viper.SetDefault("network.rpc.timeout_ms", 5000)
	viper.SetDefault("network.rpc.max_timestamp_behind_ms", 10000)
	viper.SetDefault("network.rpc.max_timestamp_ahead_ms", 10000)
	viper.SetDefault("network.rpc.max_route_hop_count", 7)
	viper.SetDefault("network.rpc.default_route_hop_count", 3)
	viper.SetDefault("network.rpc.queue_size", 1024)

	viper.SetDefault("network.dht.get_value_count", 3)
	viper.SetDefault("network.dht.get_value_fanout", 8)
	viper.SetDefault("network.dht.get_value_timeout_ms", 10000)
	viper.SetDefault("network.dht.set_value_count", 3)
	viper.SetDefault("network.dht.set_value_fanout", 8)
	viper.SetDefault("network.dht.set_value_timeout_ms", 10000)
	viper.SetDefault("network.dht.resolve_node_count", 3)
	viper.SetDefault("network.dht.resolve_node_fanout", 8)
	viper.SetDefault("network.dht.resolve_node_timeout_ms", 10000)
	viper.SetDefault("network.dht.validate_dial_info_receipt_time_ms", 5000)
	viper.SetDefault("network.dht.max_find_node_count", 20)
	viper.SetDefault("network.dht.remote_max_records", 65536)

	viper.SetDefault("network.protocol.udp.enabled", true)
	viper.SetDefault("network.protocol.tcp.enabled", true)
	viper.SetDefault("network.protocol.ws.enabled", true)
	viper.SetDefault("network.protocol.wss.enabled", false)

	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment-specific
// overrides (env empty skips the merge step). The resulting configuration is
// stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	setDefaults()
	viper.SetConfigName("veilid")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, verrors.WrapKind(verrors.ParseError, err, "config: load")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, verrors.WrapKind(verrors.ParseError, err, fmt.Sprintf("config: merge %s overlay", env))
		}
	}

	viper.SetEnvPrefix("VEILID")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, verrors.WrapKind(verrors.ParseError, err, "config: unmarshal")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VEILID_ENV environment variable
// to select an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("VEILID_ENV"))
}

// DisabledCapabilities returns capabilities.disable as 4-byte capability
// tags; entries shorter/longer than 4 bytes are skipped.
func (c *Config) DisabledCapabilities() [][4]byte {
	out := make([][4]byte, 0, len(c.Capabilities.Disable))
	for _, s := range c.Capabilities.Disable {
		if len(s) != 4 {
			continue
		}
		var tag [4]byte
		copy(tag[:], s)
		out = append(out, tag)
	}
	return out
}
