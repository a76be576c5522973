package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"imagegallery/bridge"
	"imagegallery/client"
	"imagegallery/gallery"
	"imagegallery/registry"
	"imagegallery/session"
	"imagegallery/storage"
)

// App bundles the gallery web client's dependencies.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    storage.Store
	Registry *registry.Registry
	Provider *bridge.OIDCProvider
	Sessions *session.Store
	Auth     *bridge.Authenticator
	Gallery  *gallery.Client
	Metrics  *Metrics
}

// NewApp wires storage, the client registry, provider discovery, the
// token validator, the session store and the authenticator.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	return newApp(ctx, cfg, logger, nil)
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, httpClient *http.Client) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.New(cfg.Clients, cfg.APIScopes)
	if err != nil {
		return nil, fmt.Errorf("client registry: %w", err)
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	secret, previous, err := sessionSecrets(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := bridge.NewOIDCProvider(ctx, bridge.ProviderConfig{
		Authority:    cfg.OIDC.Authority,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.CallbackURL(),
		Timeout:      cfg.OIDC.ExchangeTimeout,
		HTTPClient:   httpClient,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	validator, err := client.NewValidator(client.ValidatorConfig{KeySet: provider.KeySet()})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sessions, err := session.NewStore(store, session.Options{
		TTL:             cfg.Sessions.TTL,
		CookieName:      cfg.Sessions.CookieName,
		CookieDomain:    cfg.Sessions.CookieDomain,
		Secure:          !cfg.Server.DevMode,
		Secret:          secret,
		PreviousSecrets: previous,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	metrics := NewMetrics()
	scopes := make([]registry.ScopeID, len(cfg.OIDC.Scopes))
	for i, s := range cfg.OIDC.Scopes {
		scopes[i] = registry.ScopeID(s)
	}
	auth, err := bridge.New(bridge.Config{
		ClientID:              cfg.OIDC.ClientID,
		RedirectURI:           cfg.CallbackURL(),
		PostLogoutRedirectURI: cfg.SignedOutURL(),
		Scopes:                scopes,
		SaveTokens:            cfg.OIDC.SaveTokens,
		StateTTL:              cfg.OIDC.StateTTL,
		Secure:                !cfg.Server.DevMode,
		Secret:                secret,
		PreviousSecrets:       previous,
	}, bridge.Deps{
		Registry:  reg,
		Provider:  provider,
		Validator: validator,
		Sessions:  sessions,
		States:    store,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	var api *gallery.Client
	if cfg.Gallery.APIRoot != "" {
		api, err = gallery.NewClient(cfg.Gallery.APIRoot, cfg.Gallery.Timeout)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	logger.Info("gallery client ready",
		"authority", provider.Issuer(),
		"client_id", cfg.OIDC.ClientID,
		"redirect_uri", cfg.CallbackURL(),
		"storage", cfg.Storage.Driver,
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Registry: reg,
		Provider: provider,
		Sessions: sessions,
		Auth:     auth,
		Gallery:  api,
		Metrics:  metrics,
	}, nil
}

// Close releases the state backend.
func (a *App) Close() error {
	return a.Store.Close()
}

// OpenStore opens the configured state backend.
func OpenStore(ctx context.Context, cfg StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "", StorageMemory:
		return storage.NewInMemoryStore(), nil
	case StorageRedis:
		s, err := storage.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

func sessionSecrets(cfg Config) ([]byte, [][]byte, error) {
	var secret []byte
	if cfg.Sessions.Secret != "" {
		secret = session.DecodeSecret(cfg.Sessions.Secret)
	} else {
		var err error
		secret, err = session.LoadOrCreateSecret(filepath.Join(cfg.Server.SecretsPath, "session.key"))
		if err != nil {
			return nil, nil, fmt.Errorf("session secret: %w", err)
		}
	}
	previous := make([][]byte, 0, len(cfg.Sessions.PreviousSecrets))
	for _, p := range cfg.Sessions.PreviousSecrets {
		previous = append(previous, session.DecodeSecret(p))
	}
	return secret, previous, nil
}
