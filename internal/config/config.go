package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	// CookieSecure marks session cookies Secure; only enable behind TLS.
	CookieSecure bool `mapstructure:"cookie_secure"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// MaxPresenceAge is in seconds.
	MaxPresenceAge int `mapstructure:"max_presence_age"`

	Prune     PruneConfig     `mapstructure:"prune"`
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	JoinRate  JoinRateConfig  `mapstructure:"join_rate"`
}

type PruneConfig struct {
	StaleEvery time.Duration `mapstructure:"stale_every"`
	RoomsEvery time.Duration `mapstructure:"rooms_every"`
	Workers    int           `mapstructure:"workers"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

type TransportConfig struct {
	Driver string `mapstructure:"driver"` // local, redis
	// Backpressure picks what the local hub does with a slow member:
	// kick closes it at once, strikes kicks after Strikes dropped frames.
	Backpressure string `mapstructure:"backpressure"`
	Strikes      int    `mapstructure:"strikes"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	GroupExpiry time.Duration `mapstructure:"group_expiry"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"` // empty disables the bridge
}

type JoinRateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxPresenceAge) * time.Second
}

// Flags declares the command line overrides understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log_level", "info", "log level (debug, info, warn, error)")
	fs.String("store.driver", "memory", "record store: memory, sqlite or postgres")
	fs.String("store.dsn", "", "store connection string")
	fs.String("transport.driver", "local", "group transport: local or redis")
	fs.String("transport.backpressure", "kick", "slow member handling: kick or strikes")
	fs.Int("max_presence_age", 60, "seconds without a touch before a membership is stale")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults, then
// PRESENCE_* environment variables (a .env file is honoured), then any
// changed flag in fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("bad .env file")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "presence-dev-secret")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("max_presence_age", 60)
	v.SetDefault("prune.stale_every", "30s")
	v.SetDefault("prune.rooms_every", "5m")
	v.SetDefault("prune.workers", 4)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("transport.driver", "local")
	v.SetDefault("transport.backpressure", "kick")
	v.SetDefault("transport.strikes", 3)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.group_expiry", "24h")
	v.SetDefault("nats.url", "")
	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MaxPresenceAge <= 0 {
		return nil, fmt.Errorf("max_presence_age must be positive, got %d", cfg.MaxPresenceAge)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Str("transport", cfg.Transport.Driver).Msg("config ready")
	return &cfg, nil
}
