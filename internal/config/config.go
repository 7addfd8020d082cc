package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures every tunable of the API server and the location
// consumer. Values come from defaults, an optional config.yaml, an optional
// .env file and finally the process environment, in increasing precedence.
type Config struct {
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ReadTimeout     time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`

	PGDSN         string `mapstructure:"PG_DSN"`
	RunMigrations bool   `mapstructure:"MIGRATE"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisGeoKey   string `mapstructure:"REDIS_GEO_KEY"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaLocationTopic string   `mapstructure:"KAFKA_LOCATION_TOPIC"`
	KafkaSecurityTopic string   `mapstructure:"KAFKA_SECURITY_TOPIC"`
	KafkaGroupID       string   `mapstructure:"KAFKA_GROUP_ID"`
	MetricsAddr        string   `mapstructure:"METRICS_ADDR"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	// RateLimitRequests of 0 turns rate limiting off.
	RateLimitRequests int           `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is believed. Empty means the peer address is always used.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	MatcherMaxResults       int           `mapstructure:"MATCHER_MAX_RESULTS"`
	MatcherCandidateLimit   int           `mapstructure:"MATCHER_CANDIDATE_LIMIT"`
	MatcherDefaultSpeedMps  float64       `mapstructure:"MATCHER_DEFAULT_SPEED_MPS"`
	MatcherDonationInterval time.Duration `mapstructure:"MATCHER_DONATION_INTERVAL"`
	MatcherRadiusScale      float64       `mapstructure:"MATCHER_RADIUS_SCALE"`
	OSRMURL                 string        `mapstructure:"OSRM_URL"`
	ETACacheTTL             time.Duration `mapstructure:"ETA_CACHE_TTL"`

	NotifyWorkers  int    `mapstructure:"NOTIFY_WORKERS"`
	PushAPIURL     string `mapstructure:"PUSH_API_URL"`
	PushAPIKey     string `mapstructure:"PUSH_API_KEY"`
	SMSAPIURL      string `mapstructure:"SMS_API_URL"`
	SMSAPIKey      string `mapstructure:"SMS_API_KEY"`
	EmailAPIURL    string `mapstructure:"EMAIL_API_URL"`
	EmailAPIKey    string `mapstructure:"EMAIL_API_KEY"`
	WhatsAppAPIURL string `mapstructure:"WHATSAPP_API_URL"`
	WhatsAppAPIKey string `mapstructure:"WHATSAPP_API_KEY"`

	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("REDIS_GEO_KEY", "donors_geo")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "donor-locations")
	v.SetDefault("KAFKA_SECURITY_TOPIC", "security-events")
	v.SetDefault("KAFKA_GROUP_ID", "bloodlink-location-consumer")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("RATE_LIMIT_REQUESTS", 120)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("MATCHER_MAX_RESULTS", 20)
	v.SetDefault("MATCHER_CANDIDATE_LIMIT", 500)
	v.SetDefault("MATCHER_DEFAULT_SPEED_MPS", 10)
	v.SetDefault("MATCHER_DONATION_INTERVAL", 56*24*time.Hour)
	v.SetDefault("MATCHER_RADIUS_SCALE", 1.0)
	v.SetDefault("ETA_CACHE_TTL", 2*time.Minute)
	v.SetDefault("NOTIFY_WORKERS", 16)
	v.SetDefault("S3_REGION", "us-east-1")
}

// Load reads configuration. dir is searched for config.yaml and .env; an
// empty dir means the working directory.
func Load(dir string) (Config, error) {
	if dir == "" {
		dir = "."
	}
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load(strings.TrimSuffix(dir, "/") + "/.env")

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	cfg.TrustedProxies = splitAndTrim(cfg.TrustedProxies)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, cfg.Validate()
}

var boundKeys = []string{
	"ENV", "LOG_LEVEL", "LOG_FORMAT",
	"HTTP_ADDR", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_IDLE_TIMEOUT", "HTTP_SHUTDOWN_TIMEOUT",
	"PG_DSN", "MIGRATE",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_GEO_KEY",
	"KAFKA_BROKERS", "KAFKA_LOCATION_TOPIC", "KAFKA_SECURITY_TOPIC", "KAFKA_GROUP_ID", "METRICS_ADDR",
	"JWT_SECRET",
	"RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "TRUSTED_PROXIES",
	"MATCHER_MAX_RESULTS", "MATCHER_CANDIDATE_LIMIT", "MATCHER_DEFAULT_SPEED_MPS",
	"MATCHER_DONATION_INTERVAL", "MATCHER_RADIUS_SCALE", "OSRM_URL", "ETA_CACHE_TTL",
	"NOTIFY_WORKERS",
	"PUSH_API_URL", "PUSH_API_KEY", "SMS_API_URL", "SMS_API_KEY",
	"EMAIL_API_URL", "EMAIL_API_KEY", "WHATSAPP_API_URL", "WHATSAPP_API_KEY",
	"S3_BUCKET", "S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_ENDPOINT",
}

// Validate aggregates every problem rather than stopping at the first.
func (c Config) Validate() error {
	var errs []error
	if c.MatcherMaxResults <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_RESULTS must be > 0"))
	}
	if c.MatcherCandidateLimit < c.MatcherMaxResults {
		errs = append(errs, fmt.Errorf("MATCHER_CANDIDATE_LIMIT must be >= MATCHER_MAX_RESULTS"))
	}
	if c.MatcherDefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.MatcherRadiusScale <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_SCALE must be > 0"))
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS must be > 0"))
	}
	if c.RateLimitRequests < 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be >= 0 and RATE_LIMIT_WINDOW > 0"))
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		errs = append(errs, err)
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		errs = append(errs, fmt.Errorf("S3_REGION is required when S3_BUCKET is set"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) RateLimitEnabled() bool {
	return c.RateLimitRequests > 0
}

// TrustedProxyNets parses TrustedProxies. A bare address becomes a single
// host network.
func (c Config) TrustedProxyNets() ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", p)
			}
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// splitAndTrim also splits comma joined entries so "a, b" from the
// environment and a YAML list end up the same.
func splitAndTrim(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, r := range strings.Split(raw, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}
