package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCapacityRetries      = 2
	defaultCapacityRetryDelayMs = 1000
	defaultFetchConnectTimeout  = 30000
	defaultTokenRefreshSkewMs   = 60000
	defaultAccountWaitMs        = 30000
	defaultErrorThreshold       = 3
	defaultModelConcurrency     = 4
	defaultListenAddr           = "127.0.0.1:8080"
	defaultDBPath               = "gateway.db"
	defaultImageModel           = "gemini-3-pro-image"
)

// Config holds the gateway runtime configuration, loaded from a YAML file
// with environment overrides for deployment-specific values.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DBPath     string `yaml:"dbPath"`

	CapacityRetries      int    `yaml:"capacityRetries"`
	CapacityRetryDelayMs int    `yaml:"capacityRetryDelayMs"`
	FetchConnectTimeout  int    `yaml:"fetchConnectTimeoutMs"`
	OutboundProxyURL     string `yaml:"outboundProxyUrl"`
	TokenRefreshSkewMs   int    `yaml:"tokenRefreshSkewMs"`
	AccountWaitMs        int    `yaml:"accountWaitMs"`
	ErrorThreshold       int    `yaml:"errorThreshold"`

	// DefaultModelConcurrency applies to models absent from ModelConcurrency.
	DefaultModelConcurrency int            `yaml:"defaultModelConcurrency"`
	ModelConcurrency        map[string]int `yaml:"modelConcurrency"`

	ModelAliases   map[string]string   `yaml:"modelAliases"`
	PreferredTiers map[string][]string `yaml:"preferredTiers"`

	// ImageModel is the upstream model id routed as requestType=image_gen.
	ImageModel string `yaml:"imageModel"`

	OAuthClientID     string `yaml:"oauthClientId"`
	OAuthClientSecret string `yaml:"oauthClientSecret"`
	OAuthTokenURL     string `yaml:"oauthTokenUrl"`

	AdminPassword string `yaml:"adminPassword"`
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		ListenAddr:              defaultListenAddr,
		DBPath:                  defaultDBPath,
		CapacityRetries:         defaultCapacityRetries,
		CapacityRetryDelayMs:    defaultCapacityRetryDelayMs,
		FetchConnectTimeout:     defaultFetchConnectTimeout,
		TokenRefreshSkewMs:      defaultTokenRefreshSkewMs,
		AccountWaitMs:           defaultAccountWaitMs,
		ErrorThreshold:          defaultErrorThreshold,
		DefaultModelConcurrency: defaultModelConcurrency,
		ModelConcurrency:        map[string]int{},
		ModelAliases:            map[string]string{},
		PreferredTiers:          map[string][]string{},
		ImageModel:              defaultImageModel,
	}
}

// Load reads the YAML config at path and applies environment overrides.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	if v := os.Getenv("GATEWAY_OUTBOUND_PROXY"); v != "" {
		c.OutboundProxyURL = v
	}
}

func (c *Config) normalize() {
	if c.CapacityRetries < 0 {
		c.CapacityRetries = 0
	}
	if c.CapacityRetryDelayMs <= 0 {
		c.CapacityRetryDelayMs = defaultCapacityRetryDelayMs
	}
	if c.FetchConnectTimeout <= 0 {
		c.FetchConnectTimeout = defaultFetchConnectTimeout
	}
	if c.TokenRefreshSkewMs <= 0 {
		c.TokenRefreshSkewMs = defaultTokenRefreshSkewMs
	}
	if c.AccountWaitMs <= 0 {
		c.AccountWaitMs = defaultAccountWaitMs
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	if c.DefaultModelConcurrency <= 0 {
		c.DefaultModelConcurrency = defaultModelConcurrency
	}
	if c.ModelConcurrency == nil {
		c.ModelConcurrency = map[string]int{}
	}
	if c.ModelAliases == nil {
		c.ModelAliases = map[string]string{}
	}
	if c.PreferredTiers == nil {
		c.PreferredTiers = map[string][]string{}
	}
	if c.ImageModel == "" {
		c.ImageModel = defaultImageModel
	}
}

// ConcurrencyFor returns the slot capacity for a model.
func (c *Config) ConcurrencyFor(model string) int {
	if n, ok := c.ModelConcurrency[model]; ok && n > 0 {
		return n
	}
	return c.DefaultModelConcurrency
}

// TokenRefreshSkew returns the refresh skew as a duration.
func (c *Config) TokenRefreshSkew() time.Duration {
	return time.Duration(c.TokenRefreshSkewMs) * time.Millisecond
}

// AccountWait returns the max account-pool wait as a duration.
func (c *Config) AccountWait() time.Duration {
	return time.Duration(c.AccountWaitMs) * time.Millisecond
}

// CapacityRetryDelay returns the base capacity-retry backoff as a duration.
func (c *Config) CapacityRetryDelay() time.Duration {
	return time.Duration(c.CapacityRetryDelayMs) * time.Millisecond
}
