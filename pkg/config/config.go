// pkg/config/config.go
package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string `env:"AUTHPROXY_ENV" envDefault:"dev"`
	HTTPAddr string `env:"AUTHPROXY_HTTP_ADDR" envDefault:":8080"`

	// Public base URL used to build proxy callback and session redirect URLs.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Storage backends. Entity store: Postgres, else SQLite, else memory.
	// Code store: Redis, else memory.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`
	RedisURL    string `env:"REDIS_URL"`

	// Proxy configuration seed and the platform-wide fallback scope.
	ProxyConfigFile       string `env:"PROXY_CONFIG_FILE"`
	EntitySeedFile        string `env:"ENTITY_SEED_FILE"`
	DefaultAccountID      string `env:"DEFAULT_ACCOUNT_ID" envDefault:"acc-master"`
	DefaultSubscriptionID string `env:"DEFAULT_SUBSCRIPTION_ID" envDefault:"sub-master"`

	CodeTTL         time.Duration `env:"CODE_TTL" envDefault:"10m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`

	// Management API bearer validation. Left empty in dev to skip auth.
	Issuer    string        `env:"OIDC_ISSUER"`
	Audience  string        `env:"OIDC_AUDIENCE" envDefault:"authproxy"`
	JWKSURL   string        `env:"JWKS_URL"`
	ClockSkew time.Duration `env:"JWT_CLOCK_SKEW" envDefault:"60s"`
	// When set, a token must carry at least one of these scopes.
	RequiredScopes []string `env:"JWT_REQUIRED_SCOPES" envSeparator:","`

	RedirectPolicyFile string   `env:"REDIRECT_POLICY_FILE"`
	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:","`
	DebugDoubleWrite   bool     `env:"DEBUG_DOUBLE_WRITE"`
}

func Load() Config {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		log.Println("[WARN] DATABASE_URL and SQLITE_PATH not set; using in-memory entity store")
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set; using in-memory code store")
	}
	return cfg
}
