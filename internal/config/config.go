package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort              string
	ServerReadHeaderTimeout time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	RequestTimeout          time.Duration

	GatewayURL           string
	GatewayTimeout       time.Duration
	GatewayAccessCookie  string
	GatewayRefreshCookie string
	BackendDataPrefix    string

	SessionSecret string
	SessionMaxAge time.Duration
	AppEnv        string
	SignInPath    string

	RouteRulesFile string

	CORSOrigins      []string
	RateLimitRPM     int
	AuthRateLimitRPM int
	TrustedProxies   []netip.Prefix

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	LogLevel  string
	LogFormat string
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:              getEnv("SERVER_PORT", "8080"),
		ServerReadHeaderTimeout: getDuration("SERVER_READ_HEADER_TIMEOUT", 10*time.Second),
		ServerWriteTimeout:      getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ServerIdleTimeout:       getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		RequestTimeout:          getDuration("REQUEST_TIMEOUT", 20*time.Second),

		GatewayURL:           getEnv("GATEWAY_URL", "http://localhost:4000"),
		GatewayTimeout:       getDuration("GATEWAY_TIMEOUT", 5*time.Second),
		GatewayAccessCookie:  getEnv("GATEWAY_ACCESS_COOKIE", "access_token"),
		GatewayRefreshCookie: getEnv("GATEWAY_REFRESH_COOKIE", "refresh_token"),
		BackendDataPrefix:    getEnv("BACKEND_DATA_PREFIX", "/api/v1/pages"),

		SessionSecret: strings.TrimSpace(os.Getenv("SESSION_SECRET")),
		SessionMaxAge: getDuration("SESSION_MAX_AGE", 30*24*time.Hour),
		AppEnv:        strings.ToLower(getEnv("APP_ENV", "development")),
		SignInPath:    getEnv("SIGN_IN_PATH", "/login"),

		RouteRulesFile: strings.TrimSpace(os.Getenv("ROUTE_RULES_FILE")),

		CORSOrigins:      splitCSV(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:     getInt("RATE_LIMIT_RPM", 300),
		AuthRateLimitRPM: getInt("AUTH_RATE_LIMIT_RPM", 10),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 10)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 1)),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "pretty")),
	}

	proxies, err := parsePrefixes(splitCSV(os.Getenv("TRUSTED_PROXIES")))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Production reports whether cookies must be issued Secure.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

func (c *Config) Validate() error {
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 characters")
	}

	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT cannot be empty")
	}

	gateway, err := url.Parse(c.GatewayURL)
	if err != nil || gateway.Scheme == "" || gateway.Host == "" {
		return fmt.Errorf("GATEWAY_URL must be an absolute URL")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.RequestTimeout <= c.GatewayTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT must be longer than GATEWAY_TIMEOUT")
	}

	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}

	if !strings.HasPrefix(c.SignInPath, "/") {
		return fmt.Errorf("SIGN_IN_PATH must start with /")
	}

	if c.BackendDataPrefix != "" && !strings.HasPrefix(c.BackendDataPrefix, "/") {
		return fmt.Errorf("BACKEND_DATA_PREFIX must start with /")
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}

	switch c.LogFormat {
	case "pretty", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be pretty or json")
	}

	return nil
}

func getEnv(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return v
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}

	return out
}

// parsePrefixes accepts CIDR ranges and bare addresses.
func parsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if prefix, err := netip.ParsePrefix(v); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: invalid entry %q", v)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}
