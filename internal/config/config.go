package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"merchantfactory/internal/creation"
)

// NetworkConfig describes one chain the factory is deployed on.
type NetworkConfig struct {
	ChainID int64  `json:"chainId"`
	RPCURL  string `json:"rpcUrl"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	Network   string                   `json:"network"`
	Networks  map[string]NetworkConfig `json:"networks"`
	Contracts struct {
		PaymentFactory string `json:"PaymentFactory"`
	} `json:"contracts"`
	Tokens struct {
		USDT string `json:"USDT"`
		BTC  string `json:"BTC"`
	} `json:"tokens"`
}

// AppConfig ties together the deployment file and environment overrides.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Creation   CreationConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	CreateRatePerMinute  int
	CreateRateBurst      int
	NotificationFeedSize int
}

type ChainConfig struct {
	Network             string
	ChainID             int64
	RPCURL              string
	PrivateKeys         []string
	ReceiptPollInterval time.Duration
}

type CreationConfig struct {
	FactoryAddress  string
	TokenA          string
	TokenB          string
	AttemptTimeout  time.Duration
	RetryFromFailed bool
}

type LogConfig struct {
	Level       string
	Development bool
	FilePath    string
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deploymentsPath, explicit := os.LookupEnv("DEPLOYMENTS_PATH")
	if !explicit || deploymentsPath == "" {
		deploymentsPath = defaultDeploymentsPath
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		deployCfg, err = DefaultDeployment(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	network := envOr("CHAIN_NETWORK", deployCfg.Network)
	netCfg, ok := deployCfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("network %q not present in deployments", network)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 600)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", ""),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		CreateRatePerMinute:  envOrInt("CREATE_RATE_PER_MINUTE", 6),
		CreateRateBurst:      envOrInt("CREATE_RATE_BURST", 2),
		NotificationFeedSize: envOrInt("NOTIFICATION_FEED_SIZE", 50),
	}

	chainCfg := ChainConfig{
		Network:             network,
		ChainID:             netCfg.ChainID,
		RPCURL:              envOr("CHAIN_RPC_URL", netCfg.RPCURL),
		PrivateKeys:         splitList(envOr("CHAIN_PRIVATE_KEYS", "")),
		ReceiptPollInterval: time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
	}

	creationCfg := CreationConfig{
		FactoryAddress:  envOr("FACTORY_ADDRESS", deployCfg.Contracts.PaymentFactory),
		TokenA:          envOr("TOKEN_A_ADDRESS", deployCfg.Tokens.USDT),
		TokenB:          envOr("TOKEN_B_ADDRESS", deployCfg.Tokens.BTC),
		AttemptTimeout:  time.Duration(envOrInt("ATTEMPT_TIMEOUT_SECONDS", 300)) * time.Second,
		RetryFromFailed: envOrBool("RETRY_FROM_FAILED", true),
	}

	logCfg := LogConfig{
		Level:       envOr("LOG_LEVEL", "info"),
		Development: envOrBool("LOG_DEV", false),
		FilePath:    envOr("LOG_FILE", ""),
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Creation:   creationCfg,
		Log:        logCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the controller cannot run without.
func (c *AppConfig) Validate() error {
	for name, addr := range map[string]string{
		"factory address": c.Creation.FactoryAddress,
		"token A address": c.Creation.TokenA,
		"token B address": c.Creation.TokenB,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s %q", name, addr)
		}
	}
	if c.Chain.RPCURL == "" && len(c.Chain.PrivateKeys) > 0 {
		return errors.New("rpc url is required when private keys are set")
	}
	if c.Creation.AttemptTimeout < 0 {
		return errors.New("attempt timeout must not be negative")
	}
	return nil
}

// DefaultDeployment is the factory deployment used when no deployments file
// is present.
func DefaultDeployment() *DeploymentConfig {
	d := &DeploymentConfig{
		Network: "sepolia",
		Networks: map[string]NetworkConfig{
			"mainnet": {ChainID: 1, RPCURL: "https://ethereum-rpc.publicnode.com"},
			"sepolia": {ChainID: 11155111, RPCURL: "https://ethereum-sepolia-rpc.publicnode.com"},
		},
	}
	d.Contracts.PaymentFactory = "0xFfe3Ac0A460BFb8d33eC28F3feF951bD716f4265"
	d.Tokens.USDT = "0xae2b32de15c685a82cb03c4d5528b6b3fe0ee0d1"
	d.Tokens.BTC = "0x03159f1b81661a225c4110e7b4b13ac5310b0b1e"
	return d
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ControllerConfig converts the validated settings for creation.NewController.
func (c *AppConfig) ControllerConfig() creation.Config {
	return creation.Config{
		FactoryAddress:  common.HexToAddress(c.Creation.FactoryAddress),
		TokenA:          common.HexToAddress(c.Creation.TokenA),
		TokenB:          common.HexToAddress(c.Creation.TokenB),
		ChainEndpoint:   c.Chain.RPCURL,
		AttemptTimeout:  c.Creation.AttemptTimeout,
		RetryFromFailed: c.Creation.RetryFromFailed,
	}
}
