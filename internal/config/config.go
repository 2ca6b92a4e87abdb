package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "LOANTRACKER_"

type S3 struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	PublicURL string
}

type Config struct {
	Port            string
	DBPath          string
	LogLevel        string
	LogFormat       string
	JWTSecret       string
	TokenTTL        time.Duration
	DataKey         string
	AllowedOrigins  []string
	TrustedProxies  []netip.Prefix
	RedisURL        string
	GeoIPDB         string
	RatesURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	S3              S3
	CookieSecure    bool
}

// Load reads the server configuration. It is LoadEnv plus the secrets the
// HTTP server cannot run without.
func Load(envFiles ...string) (Config, error) {
	cfg, err := LoadEnv(envFiles...)
	if err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%sJWT_SECRET is required", prefix)
	}
	if cfg.DataKey == "" {
		cfg.DataKey = cfg.JWTSecret
	}
	return cfg, nil
}

// LoadEnv reads the environment, first merging any variables from the given
// .env files. Missing files are ignored; variables already set win. No
// variable is required, so maintenance commands can use it.
func LoadEnv(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{
		Port:            get("PORT", "8080"),
		DBPath:          get("DB_PATH", "loantracker.db"),
		LogLevel:        get("LOG_LEVEL", "info"),
		LogFormat:       get("LOG_FORMAT", "text"),
		JWTSecret:       get("JWT_SECRET", ""),
		DataKey:         get("DATA_KEY", ""),
		RedisURL:        get("REDIS_URL", ""),
		GeoIPDB:         get("GEOIP_DB", ""),
		RatesURL:        get("RATES_URL", "https://open.er-api.com/v6/latest/USD"),
		VAPIDPublicKey:  get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: get("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    get("VAPID_SUBJECT", "mailto:admin@localhost"),
		S3: S3{
			Endpoint:  get("S3_ENDPOINT", ""),
			Bucket:    get("S3_BUCKET", ""),
			Region:    get("S3_REGION", "us-east-1"),
			AccessKey: get("S3_ACCESS_KEY", ""),
			SecretKey: get("S3_SECRET_KEY", ""),
			PublicURL: get("S3_PUBLIC_URL", ""),
		},
	}

	ttl, err := time.ParseDuration(get("TOKEN_TTL", "72h"))
	if err != nil || ttl <= 0 {
		return Config{}, fmt.Errorf("invalid %sTOKEN_TTL %q", prefix, get("TOKEN_TTL", ""))
	}
	cfg.TokenTTL = ttl

	secure, err := strconv.ParseBool(get("COOKIE_SECURE", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %sCOOKIE_SECURE: %w", prefix, err)
	}
	cfg.CookieSecure = secure

	for _, origin := range strings.Split(get("ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	proxies, err := parsePrefixes(get("TRUSTED_PROXIES", ""))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %sTRUSTED_PROXIES: %w", prefix, err)
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func get(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(prefix + key)); v != "" {
		return v
	}
	return fallback
}
