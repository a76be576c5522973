package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"imagegallery/devidp"
	"imagegallery/registry"
	"imagegallery/storage"
)

// Defaults taken from the image gallery client registration.
const (
	DefaultAuthority       = "https://localhost:5001/"
	DefaultClientID        = "imagegalleryclient"
	DefaultCallbackPath    = "/signin-oidc"
	DefaultSignedOutPath   = "/signout-callback-oidc"
	DefaultExchangeTimeout = 10 * time.Second
	DefaultGalleryAPIRoot  = "https://localhost:7075/"
	DefaultHSTSMaxAge      = 31536000
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	OIDC      OIDCConfig              `yaml:"oidc"`
	Sessions  SessionConfig           `yaml:"sessions"`
	Storage   StorageConfig           `yaml:"storage"`
	Clients   []registry.ClientConfig `yaml:"clients"`
	APIScopes []string                `yaml:"api_scopes"`
	Gallery   GalleryConfig           `yaml:"gallery"`
	IDP       IDPConfig               `yaml:"idp"`
	Users     []devidp.User           `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OIDCConfig describes how the gallery signs users in.
type OIDCConfig struct {
	Authority    string   `yaml:"authority"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// SaveTokens keeps the provider tokens in the server-side session.
	SaveTokens            bool          `yaml:"save_tokens"`
	CallbackPath          string        `yaml:"callback_path"`
	SignedOutCallbackPath string        `yaml:"signed_out_callback_path"`
	ExchangeTimeout       time.Duration `yaml:"exchange_timeout"`
	StateTTL              time.Duration `yaml:"state_ttl"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	CookieName   string        `yaml:"cookie_name"`
	CookieDomain string        `yaml:"cookie_domain"`
	// Secret seeds the cookie keys. When empty a secret is generated and
	// kept under server.secrets_path.
	Secret          string   `yaml:"secret"`
	PreviousSecrets []string `yaml:"previous_secrets"`
}

// StorageConfig selects the backend for sessions and pending sign-ins.
type StorageConfig struct {
	Driver string              `yaml:"driver"`
	Redis  storage.RedisConfig `yaml:"redis"`
}

// GalleryConfig points at the image API.
type GalleryConfig struct {
	APIRoot string        `yaml:"api_root"`
	Timeout time.Duration `yaml:"timeout"`
}

// IDPConfig configures the development identity provider.
type IDPConfig struct {
	Issuer         string           `yaml:"issuer"`
	ListenAddr     string           `yaml:"listen_addr"`
	KeyPath        string           `yaml:"key_path"`
	RotateInterval time.Duration    `yaml:"rotate_interval"`
	TTL            devidp.TokenTTLs `yaml:"ttl"`
	CORSOrigins    []string         `yaml:"cors_origins"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(b, &cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func decodeConfig(b []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "https://localhost:7184",
			DevListenAddr:   "127.0.0.1:7184",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		OIDC: OIDCConfig{
			Authority:             DefaultAuthority,
			ClientID:              DefaultClientID,
			ClientSecret:          "secret",
			Scopes:                []string{"openid", "profile"},
			SaveTokens:            true,
			CallbackPath:          DefaultCallbackPath,
			SignedOutCallbackPath: DefaultSignedOutPath,
			ExchangeTimeout:       DefaultExchangeTimeout,
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Clients: []registry.ClientConfig{{
			ClientID:          DefaultClientID,
			ClientName:        "Image Gallery",
			AllowedGrantTypes: []string{string(registry.GrantAuthorizationCode)},
			RedirectURIs:      []string{"https://localhost:7184" + DefaultCallbackPath},
			PostLogoutRedirectURIs: []string{
				"https://localhost:7184" + DefaultSignedOutPath,
			},
			AllowedScopes:    []string{"openid", "profile"},
			ClientSecretHash: registry.HashSecret("secret"),
		}},
		Gallery: GalleryConfig{
			APIRoot: DefaultGalleryAPIRoot,
			Timeout: 10 * time.Second,
		},
		IDP: IDPConfig{
			Issuer:     "https://localhost:5001",
			ListenAddr: "127.0.0.1:5001",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"GALLERY_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"GALLERY_SERVER_DEV_LISTEN_ADDR":  func(v string) { cfg.Server.DevListenAddr = v },
		"GALLERY_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"GALLERY_SERVER_TLS_DOMAINS":      func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GALLERY_SERVER_TLS_EMAIL":        func(v string) { cfg.Server.TLS.Email = v },
		"GALLERY_SERVER_SECRETS_PATH":     func(v string) { cfg.Server.SecretsPath = v },
		"GALLERY_OIDC_AUTHORITY":          func(v string) { cfg.OIDC.Authority = v },
		"GALLERY_OIDC_CLIENT_ID":          func(v string) { cfg.OIDC.ClientID = v },
		"GALLERY_OIDC_CLIENT_SECRET":      func(v string) { cfg.OIDC.ClientSecret = v },
		"GALLERY_OIDC_SAVE_TOKENS":        func(v string) { cfg.OIDC.SaveTokens = parseBool(v, cfg.OIDC.SaveTokens) },
		"GALLERY_OIDC_EXCHANGE_TIMEOUT":   func(v string) { cfg.OIDC.ExchangeTimeout = parseDuration(v, cfg.OIDC.ExchangeTimeout) },
		"GALLERY_SESSIONS_TTL":            func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"GALLERY_SESSIONS_SECRET":         func(v string) { cfg.Sessions.Secret = v },
		"GALLERY_STORAGE_DRIVER":          func(v string) { cfg.Storage.Driver = v },
		"GALLERY_STORAGE_REDIS_ADDRS":     func(v string) { cfg.Storage.Redis.Addrs = splitAndTrim(v) },
		"GALLERY_STORAGE_REDIS_PASSWORD":  func(v string) { cfg.Storage.Redis.Password = v },
		"GALLERY_GALLERY_API_ROOT":        func(v string) { cfg.Gallery.APIRoot = v },
		"GALLERY_IDP_ISSUER":              func(v string) { cfg.IDP.Issuer = v },
		"GALLERY_IDP_LISTEN_ADDR":         func(v string) { cfg.IDP.ListenAddr = v },
		"GALLERY_IDP_KEY_PATH":            func(v string) { cfg.IDP.KeyPath = v },
		"GALLERY_IDP_ROTATE_INTERVAL":     func(v string) { cfg.IDP.RotateInterval = parseDuration(v, cfg.IDP.RotateInterval) },
		"GALLERY_SESSIONS_COOKIE_DOMAIN":  func(v string) { cfg.Sessions.CookieDomain = v },
		"GALLERY_STORAGE_REDIS_KEYPREFIX": func(v string) { cfg.Storage.Redis.KeyPrefix = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. The client registry is
// validated separately by registry.New.
func (c Config) Validate() error {
	if err := checkAbsoluteURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if err := checkAbsoluteURL("oidc.authority", c.OIDC.Authority); err != nil {
		return err
	}
	if c.OIDC.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oidc.client_id")
		return errors.New("oidc.client_id is required")
	}
	for _, field := range []struct{ name, value string }{
		{"oidc.callback_path", c.OIDC.CallbackPath},
		{"oidc.signed_out_callback_path", c.OIDC.SignedOutCallbackPath},
	} {
		if !strings.HasPrefix(field.value, "/") {
			slog.Error("Invalid configuration value", "field", field.name, "value", field.value, "reason", "must be an absolute path")
			return fmt.Errorf("%s must start with /, got: %q", field.name, field.value)
		}
	}
	if c.OIDC.ExchangeTimeout < 0 || c.OIDC.StateTTL < 0 || c.Sessions.TTL < 0 {
		slog.Error("Negative duration in configuration")
		return errors.New("oidc.exchange_timeout, oidc.state_ttl and sessions.ttl must not be negative")
	}

	if c.Sessions.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Sessions.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "sessions.cookie_domain",
				"cookie_domain", c.Sessions.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("sessions.cookie_domain '%s' does not match server.public_url domain '%s'", c.Sessions.CookieDomain, host)
		}
	}

	switch c.Storage.Driver {
	case "", StorageMemory:
	case StorageRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "storage.redis.addrs")
			return errors.New("storage.redis.addrs is required for the redis driver")
		}
	default:
		slog.Error("Invalid configuration value", "field", "storage.driver", "value", c.Storage.Driver, "valid_values", []string{StorageMemory, StorageRedis})
		return fmt.Errorf("storage.driver must be %q or %q, got: %q", StorageMemory, StorageRedis, c.Storage.Driver)
	}

	if c.Gallery.APIRoot != "" {
		if err := checkAbsoluteURL("gallery.api_root", c.Gallery.APIRoot); err != nil {
			return err
		}
	}

	if len(c.Clients) == 0 {
		slog.Error("No clients configured", "field", "clients")
		return errors.New("at least one client must be registered")
	}

	return nil
}

func checkAbsoluteURL(field, value string) error {
	if value == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("%s must be an absolute http(s) URL, got: %s", field, value)
	}
	return nil
}

// CallbackURL is the absolute redirect URI registered for the gallery.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.OIDC.CallbackPath
}

// SignedOutURL is the absolute post-logout redirect URI.
func (c Config) SignedOutURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.OIDC.SignedOutCallbackPath
}

// InferCORSOrigins extracts origins from the registered redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func extractOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
