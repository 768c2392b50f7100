// Package config loads AtomVault node configuration from node.toml plus
// environment variable overrides, mirroring the teacher's viper-based
// loader but targeting the §6 on-disk layout (<root>/config/node.toml)
// and this domain's sections instead of token/VM config.
//
// Version: v0.1.0
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"atomvault/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// NetworkConfig configures the peer overlay (§4.6).
type NetworkConfig struct {
	NodeID         string   `mapstructure:"node_id"`
	ListenAddr     string   `mapstructure:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	DiscoveryTag   string   `mapstructure:"discovery_tag"`
	DNSSeed        string   `mapstructure:"dns_seed"`
	MaxPeers       int      `mapstructure:"max_peers"`
	HeartbeatEvery time.Duration `mapstructure:"heartbeat_every"`
}

// StorageConfig configures the local shard store (§4.3, §6).
type StorageConfig struct {
	Root       string        `mapstructure:"root"`
	BackupRoot string        `mapstructure:"backup_root"`
	AuditEvery time.Duration `mapstructure:"audit_every"`
}

// LedgerConfig configures the append-only ledger (§4.4, §6).
type LedgerConfig struct {
	Root       string   `mapstructure:"root"`
	PoWKinds   []string `mapstructure:"pow_kinds"`
	Difficulty int      `mapstructure:"difficulty"`
}

// ConsensusConfig configures this node's PoA-quorum consensus
// participation (§4.5).
type ConsensusConfig struct {
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
}

// CryptoConfig selects the KeyProvider backend (§4.1, §6 KEY_PROVIDER).
type CryptoConfig struct {
	KeyProvider  string `mapstructure:"key_provider"` // "local" | "hsm"
	HSMEndpoint  string `mapstructure:"hsm_endpoint"`
}

// TokensConfig configures the PoA token store's on-disk paths (§6).
type TokensConfig struct {
	Root      string `mapstructure:"root"`
	UsageLog  string `mapstructure:"usage_log"`
}

// RecoveryConfig configures fusion's backup output directory (§4.8, §6).
type RecoveryConfig struct {
	Root string `mapstructure:"root"`
}

// LoggingConfig configures logrus (§10 ambient stack).
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config is the unified configuration for an AtomVault node, loaded from
// <root>/config/node.toml and environment variable overrides.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func defaults() {
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	viper.SetDefault("network.discovery_tag", "atomvault")
	viper.SetDefault("network.max_peers", 64)
	viper.SetDefault("network.heartbeat_every", 30*time.Second)
	viper.SetDefault("storage.root", "shards")
	viper.SetDefault("storage.backup_root", "shards/backups")
	viper.SetDefault("storage.audit_every", time.Hour)
	viper.SetDefault("ledger.root", "ledger")
	viper.SetDefault("ledger.pow_kinds", []string{"shard_create", "audit"})
	viper.SetDefault("ledger.difficulty", 4)
	viper.SetDefault("consensus.round_timeout", 5*time.Second)
	viper.SetDefault("crypto.key_provider", "local")
	viper.SetDefault("tokens.root", "tokens")
	viper.SetDefault("tokens.usage_log", "tokens/usage.log")
	viper.SetDefault("recovery.root", "recovery")
	viper.SetDefault("logging.level", "info")
}

// bindEnv wires the §6 environment variables onto their config keys so
// they take precedence over node.toml without the caller having to know
// viper's key naming.
func bindEnv() {
	_ = viper.BindEnv("network.node_id", "NODE_ID")
	_ = viper.BindEnv("network.dns_seed", "DNS_SEED")
	_ = viper.BindEnv("network.max_peers", "MAX_PEERS")
	_ = viper.BindEnv("crypto.key_provider", "KEY_PROVIDER")
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	_ = viper.BindEnv("ledger.difficulty", "POW_DIFFICULTY")
}

// Load reads node.toml from configPath, falling back to the working
// directory (LoadFromEnv passes <root>/config), and merges environment
// variable overrides. The resulting configuration is
// stored in AppConfig and returned.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // optional local .env, matches the teacher's dependency

	viper.SetConfigName("node")
	viper.SetConfigType("toml")
	if configPath != "" {
		viper.AddConfigPath(configPath)
	}
	viper.AddConfigPath(".")
	defaults()
	bindEnv()
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load node.toml")
		}
		// no config file on disk: defaults + env vars alone are valid,
		// per §6 (NODE_ROOT et al. are sufficient to run a dev node).
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration rooted at NODE_ROOT/config, the §6
// on-disk layout's config directory.
func LoadFromEnv() (*Config, error) {
	root := utils.EnvOrDefault("NODE_ROOT", ".")
	return Load(root + "/config")
}
