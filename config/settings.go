package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings holds all configuration for the voting client
type Settings struct {
	// Ethereum RPC Configuration
	RPCNodes         []string // Chain RPC nodes, the first reachable one is used
	ChainID          int64    // 0 resolves the chain id from the node
	ElectionContract string   // Deployed Voting contract address
	ContractABIPath  string   // Hardhat artifact or raw ABI; empty uses the built-in ABI
	ABIDir           string
	GasLimit         uint64 // 0 estimates gas per vote

	// Wallet Configuration
	PrivateKey         string // Hex-encoded key, same as the Hardhat PRIVATE_KEY
	KeystoreDir        string
	KeystorePassphrase string

	// Synchronization
	RefreshInterval time.Duration
	VotedCacheSize  int

	// Event Publishing
	PublishEvents      bool
	EventChannelPrefix string

	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string

	// API Configuration
	APIHost string
	APIPort int

	// Monitoring & Debugging
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
	DebugMode      bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("CHAIN_ID", 31337)
	v.SetDefault("GAS_LIMIT", 0)
	v.SetDefault("REFRESH_INTERVAL", "15s")
	v.SetDefault("VOTED_CACHE_SIZE", 1024)
	v.SetDefault("PUBLISH_EVENTS", false)
	v.SetDefault("EVENT_CHANNEL_PREFIX", "voting:events")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG_MODE", false)
}

// LoadConfig loads configuration from environment variables
func LoadConfig() error {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	settings, err := load(v)
	if err != nil {
		return err
	}
	SettingsObj = settings

	configureLogging()

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSummary()

	return nil
}

func load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		ChainID:          v.GetInt64("CHAIN_ID"),
		ElectionContract: strings.TrimSpace(v.GetString("ELECTION_CONTRACT")),
		ContractABIPath:  v.GetString("CONTRACT_ABI_PATH"),
		ABIDir:           v.GetString("ABI_DIR"),
		GasLimit:         v.GetUint64("GAS_LIMIT"),

		PrivateKey:         v.GetString("PRIVATE_KEY"),
		KeystoreDir:        v.GetString("KEYSTORE_DIR"),
		KeystorePassphrase: v.GetString("KEYSTORE_PASSPHRASE"),

		RefreshInterval: v.GetDuration("REFRESH_INTERVAL"),
		VotedCacheSize:  v.GetInt("VOTED_CACHE_SIZE"),

		PublishEvents:      v.GetBool("PUBLISH_EVENTS"),
		EventChannelPrefix: v.GetString("EVENT_CHANNEL_PREFIX"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		APIHost: v.GetString("API_HOST"),
		APIPort: v.GetInt("API_PORT"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		MetricsPort:    v.GetInt("METRICS_PORT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		DebugMode:      v.GetBool("DEBUG_MODE"),
	}

	nodes, err := parseList(v.GetString("VOTING_RPC_NODES"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse VOTING_RPC_NODES as JSON array: %w", err)
	}
	s.RPCNodes = nodes

	return s, nil
}

// parseList accepts a comma-separated list or a JSON array of strings
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil, nil
	}

	var items []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, err
		}
	} else {
		items = strings.Split(raw, ",")
	}

	// Clean quotes from entries
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.Trim(item, "\" ")
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// configureLogging sets up the logger based on configuration
func configureLogging() {
	switch strings.ToLower(SettingsObj.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	// Override with debug mode
	if SettingsObj.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
}

// validateConfig validates the loaded configuration
func validateConfig() error {
	if len(SettingsObj.RPCNodes) == 0 {
		return fmt.Errorf("VOTING_RPC_NODES is required")
	}
	if !common.IsHexAddress(SettingsObj.ElectionContract) {
		return fmt.Errorf("ELECTION_CONTRACT must be a contract address, got %q", SettingsObj.ElectionContract)
	}
	if SettingsObj.ChainID < 0 {
		return fmt.Errorf("CHAIN_ID must not be negative")
	}
	if SettingsObj.RefreshInterval < 0 {
		return fmt.Errorf("REFRESH_INTERVAL must not be negative")
	}

	if SettingsObj.PrivateKey == "" && SettingsObj.KeystoreDir == "" {
		log.Warn("No PRIVATE_KEY or KEYSTORE_DIR configured - the client can read the election but not vote")
	}
	if SettingsObj.PrivateKey != "" && SettingsObj.KeystoreDir != "" {
		log.Warn("Both PRIVATE_KEY and KEYSTORE_DIR configured - using PRIVATE_KEY")
	}

	if SettingsObj.PublishEvents && SettingsObj.RedisHost == "" {
		return fmt.Errorf("Redis configuration required when event publishing is enabled")
	}

	return nil
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary() {
	log.Info("=== Configuration Loaded ===")
	log.Infof("RPC Nodes: %d configured", len(SettingsObj.RPCNodes))
	log.Infof("Election Contract: %s (chain %d)", SettingsObj.ElectionContractAddress().Hex(), SettingsObj.ChainID)

	switch {
	case SettingsObj.PrivateKey != "":
		log.Info("Wallet: private key")
	case SettingsObj.KeystoreDir != "":
		log.Infof("Wallet: keystore at %s", SettingsObj.KeystoreDir)
	default:
		log.Info("Wallet: none (read-only)")
	}

	log.Infof("Refresh interval: %v, voted cache: %d", SettingsObj.RefreshInterval, SettingsObj.VotedCacheSize)

	if SettingsObj.PublishEvents {
		log.Infof("Event publishing: Redis %s (DB %d), prefix %s", SettingsObj.RedisAddr(), SettingsObj.RedisDB, SettingsObj.EventChannelPrefix)
	}

	log.Infof("API: %s:%d, metrics: %v (port %d)", SettingsObj.APIHost, SettingsObj.APIPort, SettingsObj.MetricsEnabled, SettingsObj.MetricsPort)
	log.Info("============================")
}

// ElectionContractAddress returns the parsed contract address
func (s *Settings) ElectionContractAddress() common.Address {
	return common.HexToAddress(s.ElectionContract)
}

// RedisAddr returns host:port of the Redis server
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%s", s.RedisHost, s.RedisPort)
}

// PrimaryRPCNode returns the first configured RPC node
func (s *Settings) PrimaryRPCNode() string {
	if len(s.RPCNodes) == 0 {
		return ""
	}
	return s.RPCNodes[0]
}
