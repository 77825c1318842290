package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const Name = "threadfed"
const ConfigFileName = "config.yaml"
const EnvPrefix = "THREADFED_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string `yaml:"host" env:"HOST"`
		HttpPort     int    `yaml:"httpPort" env:"HTTPPORT"`
		Domain       string `yaml:"domain" env:"DOMAIN"`
		DatabasePath string `yaml:"databasePath" env:"DATABASE_PATH"`
		LogLevel     string `yaml:"logLevel" env:"LOG_LEVEL"`
	} `yaml:"conf"`

	Resolver struct {
		ActorTTL      time.Duration `yaml:"actorTtl" env:"ACTOR_TTL"`
		ContentTTL    time.Duration `yaml:"contentTtl" env:"CONTENT_TTL"`
		NegativeTTL   time.Duration `yaml:"negativeTtl" env:"NEGATIVE_TTL"`
		MaxDepth      int           `yaml:"maxDepth" env:"MAX_DEPTH"`
		FlightTimeout time.Duration `yaml:"flightTimeout" env:"FLIGHT_TIMEOUT"`
		FetchTimeout  time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
		MaxBodyBytes  int64         `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES"`
		// name of a local person whose key signs outgoing fetches
		SigningActor string `yaml:"signingActor" env:"SIGNING_ACTOR"`
	} `yaml:"resolver" envPrefix:"RESOLVER_"`

	Dispatch struct {
		QueueSize int `yaml:"queueSize" env:"QUEUE_SIZE"`
	} `yaml:"dispatch" envPrefix:"DISPATCH_"`

	Delivery struct {
		Workers          int           `yaml:"workers" env:"WORKERS"`
		ShardSize        int           `yaml:"shardSize" env:"SHARD_SIZE"`
		AttemptTimeout   time.Duration `yaml:"attemptTimeout" env:"ATTEMPT_TIMEOUT"`
		BaseDelay        time.Duration `yaml:"baseDelay" env:"BASE_DELAY"`
		MaxDelay         time.Duration `yaml:"maxDelay" env:"MAX_DELAY"`
		MaxAttempts      int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
		BreakerThreshold int           `yaml:"breakerThreshold" env:"BREAKER_THRESHOLD"`
		BreakerCooldown  time.Duration `yaml:"breakerCooldown" env:"BREAKER_COOLDOWN"`
		HostRate         float64       `yaml:"hostRate" env:"HOST_RATE"`
		HostBurst        int           `yaml:"hostBurst" env:"HOST_BURST"`
	} `yaml:"delivery" envPrefix:"DELIVERY_"`

	Cache struct {
		Backend    string `yaml:"backend" env:"BACKEND"`
		MaxEntries int    `yaml:"maxEntries" env:"MAX_ENTRIES"`
		RedisAddr  string `yaml:"redisAddr" env:"REDIS_ADDR"`
	} `yaml:"cache" envPrefix:"CACHE_"`

	Inbox struct {
		SignatureWindow time.Duration `yaml:"signatureWindow" env:"SIGNATURE_WINDOW"`
		MaxBodyBytes    int64         `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES"`
		RateLimit       float64       `yaml:"rateLimit" env:"RATE_LIMIT"`
		RateBurst       int           `yaml:"rateBurst" env:"RATE_BURST"`
		// received activity ids older than this are forgotten
		DedupeRetention time.Duration `yaml:"dedupeRetention" env:"DEDUPE_RETENTION"`
	} `yaml:"inbox" envPrefix:"INBOX_"`

	Telemetry struct {
		OtlpEndpoint string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
		ServiceName  string `yaml:"serviceName" env:"SERVICE_NAME"`
	} `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	return parseConf(buf)
}

// ReadConfFrom reads an explicitly named config file.
func ReadConfFrom(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConf(buf)
}

// parseConf layers the given yaml over the embedded defaults and applies
// THREADFED_* environment overrides last.
func parseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in default config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) validate() error {
	if c.Conf.Domain == "" {
		return fmt.Errorf("conf.domain must be set")
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// ListenAddr is the address the http server binds to.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Conf.Host, c.Conf.HttpPort)
}
