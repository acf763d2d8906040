package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string
	TrustedProxies []string
	LoginRPS       float64
	LoginBurst     int
}

type GRPCConfig struct {
	Addr string
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type AuthConfig struct {
	JWTSecret           string
	Issuer              string
	TokenTTL            time.Duration
	MaxFailedLogins     int
	Lockout             time.Duration
	InheritRole         bool
	AdminAliases        []string
	AdminAliasesVersion int
}

type JobsConfig struct {
	GrantCheckSchedule string
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
	Jobs        JobsConfig
}

// Load reads config.yaml (optional), a .env file (optional) and SITECMS_*
// environment variables, in increasing order of precedence.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SITECMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the API cannot start with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		return errors.New("config: postgres.dsn is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwtsecret is required")
	}
	if c.Environment == "production" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("config: auth.jwtsecret must be at least 32 bytes in production")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("config: auth.tokenttl must be positive")
	}
	if len(c.Auth.AdminAliases) == 0 {
		return errors.New("config: auth.adminaliases must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.maxbodybytes", 1<<20)
	v.SetDefault("http.allowedorigins", []string{})
	v.SetDefault("http.trustedproxies", []string{})
	v.SetDefault("http.loginrps", 1.0)
	v.SetDefault("http.loginburst", 5)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 50)
	v.SetDefault("postgres.maxidle", 25)
	v.SetDefault("postgres.connmaxlifetime", "15m")
	v.SetDefault("postgres.connmaxidletime", "5m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sitecms:revoked:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.audittopic", "sitecms.audit")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.issuer", "sitecms")
	v.SetDefault("auth.tokenttl", "1h")
	v.SetDefault("auth.maxfailedlogins", 5)
	v.SetDefault("auth.lockout", "15m")
	v.SetDefault("auth.inheritrole", false)
	v.SetDefault("auth.adminaliases", []string{"admin", "super_admin", "superadmin", "administrator", "super administrator"})
	v.SetDefault("auth.adminaliasesversion", 1)

	v.SetDefault("jobs.grantcheckschedule", "0 */15 * * * *")
}
