package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "TUTORSYNC"
	defaultHTTPAddress         = "127.0.0.1:8787"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "tutorsync.db"
	defaultStorageDriver       = "sqlite"
	defaultRedisPrefix         = "tutorsync:"
	defaultBlobDriver          = "file"
	defaultBlobDir             = "blobs"
	defaultMaterialsDir        = "materials"
	defaultProbeURL            = "https://clients3.google.com/generate_204"
	defaultProbeTimeout        = 5 * time.Second
	defaultPollInterval        = 15 * time.Second
	defaultSettleDelay         = 750 * time.Millisecond
	defaultDrainSchedule       = "@every 5m"
	defaultForwardAction       = "chat:send"
	defaultAuthIssuer          = "tutorsync"
	defaultCookieName          = "tutorsync_session"
	defaultAllowedOrigin       = "http://localhost:5173"
	DatabaseDriverSQLite       = "sqlite"
	DatabaseDriverPostgres     = "postgres"
	minimumConnectivityTimeout = 100 * time.Millisecond
)

// AppConfig captures runtime configuration for the client daemon.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	StorageDriver string
	StorageRedis  string
	RedisPrefix   string

	BlobDriver  string
	BlobDir     string
	BlobBaseURL string

	MaterialsDir string

	ProbeURL     string
	ProbeTimeout time.Duration
	PollInterval time.Duration
	SettleDelay  time.Duration

	DrainOnStart   bool
	DrainSchedule  string
	ForwardURL     string
	ForwardActions []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.redis_prefix", defaultRedisPrefix)
	configViper.SetDefault("blob.driver", defaultBlobDriver)
	configViper.SetDefault("blob.dir", defaultBlobDir)
	configViper.SetDefault("materials.dir", defaultMaterialsDir)
	configViper.SetDefault("connectivity.probe_url", defaultProbeURL)
	configViper.SetDefault("connectivity.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("connectivity.poll_interval", defaultPollInterval)
	configViper.SetDefault("connectivity.settle_delay", defaultSettleDelay)
	configViper.SetDefault("sync.drain_on_start", true)
	configViper.SetDefault("sync.drain_schedule", defaultDrainSchedule)
	configViper.SetDefault("sync.forward_actions", []string{defaultForwardAction})
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseURL:       configViper.GetString("database.url"),
		StorageDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StorageRedis:      configViper.GetString("storage.redis_url"),
		RedisPrefix:       configViper.GetString("storage.redis_prefix"),
		BlobDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("blob.driver"))),
		BlobDir:           configViper.GetString("blob.dir"),
		BlobBaseURL:       configViper.GetString("blob.base_url"),
		MaterialsDir:      configViper.GetString("materials.dir"),
		ProbeURL:          configViper.GetString("connectivity.probe_url"),
		ProbeTimeout:      configViper.GetDuration("connectivity.probe_timeout"),
		PollInterval:      configViper.GetDuration("connectivity.poll_interval"),
		SettleDelay:       configViper.GetDuration("connectivity.settle_delay"),
		DrainOnStart:      configViper.GetBool("sync.drain_on_start"),
		DrainSchedule:     strings.TrimSpace(configViper.GetString("sync.drain_schedule")),
		ForwardURL:        strings.TrimSpace(configViper.GetString("sync.forward_url")),
		ForwardActions:    configViper.GetStringSlice("sync.forward_actions"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.StorageDriver == "redis" && strings.TrimSpace(c.StorageRedis) == "" {
		return fmt.Errorf("storage.redis_url is required for the redis driver")
	}
	switch c.BlobDriver {
	case "file":
		if strings.TrimSpace(c.BlobDir) == "" {
			return fmt.Errorf("blob.dir is required for the file driver")
		}
	case "http":
		if strings.TrimSpace(c.BlobBaseURL) == "" {
			return fmt.Errorf("blob.base_url is required for the http driver")
		}
	default:
		return fmt.Errorf("blob.driver %q is not supported", c.BlobDriver)
	}
	if strings.TrimSpace(c.MaterialsDir) == "" {
		return fmt.Errorf("materials.dir is required")
	}
	if c.ProbeTimeout < minimumConnectivityTimeout {
		return fmt.Errorf("connectivity.probe_timeout must be at least %s", minimumConnectivityTimeout)
	}
	if c.PollInterval < minimumConnectivityTimeout {
		return fmt.Errorf("connectivity.poll_interval must be at least %s", minimumConnectivityTimeout)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("connectivity.settle_delay must not be negative")
	}
	return nil
}
