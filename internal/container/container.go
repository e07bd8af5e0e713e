package container

import (
	"fmt"

	"formedge/internal/auth/admin"
	"formedge/internal/auth/keys"
	"formedge/internal/auth/minter"
	"formedge/internal/auth/verify"
	"formedge/internal/config"
	"formedge/internal/store"
	"formedge/pkg/logger"
	"formedge/pkg/redis"
)

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *logger.Logger
	RedisClient *redis.Client
	KeyCache    *keys.Cache
	Minter      *minter.Minter
	AdminClient *admin.Client
	Verifier    *verify.Verifier
	Store       *store.Proxy
}

// New creates a new dependency injection container
func New(cfg *config.Config, log *logger.Logger) (*Container, error) {
	// Redis is optional; without it the key cache just loses its cold-start
	// snapshot.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, log.Logger)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize Redis client, proceeding without JWKS snapshot")
		} else {
			redisClient = client
			log.Info("Redis client initialized successfully")
		}
	} else {
		log.Info("Redis URL not configured, proceeding without JWKS snapshot")
	}

	keyCache := keys.NewCache(cfg.JWKSURL, redisClient, log)

	// The admin client needs service-account credentials; without them the
	// verifier still runs, but revocation checks and token revocation are off.
	var tokenMinter *minter.Minter
	var adminClient *admin.Client
	if cfg.ServiceAccountJSON != "" {
		sa, err := minter.ParseServiceAccount([]byte(cfg.ServiceAccountJSON))
		if err != nil {
			return nil, fmt.Errorf("invalid service account: %w", err)
		}
		tokenMinter, err = minter.New(sa, cfg.TokenEndpoint, log)
		if err != nil {
			return nil, fmt.Errorf("unable to build token minter: %w", err)
		}
		adminClient = admin.NewClient(cfg.AdminAPIBaseURL, cfg.ProjectID, tokenMinter, log)
	} else {
		log.Warn("Service account not configured, admin API features disabled")
	}

	var userLookup verify.UserLookup
	if adminClient != nil {
		userLookup = adminClient
	}
	verifier := verify.New(cfg.ProjectID, cfg.IssuerHost, keyCache, userLookup, log)

	var proxy *store.Proxy
	if cfg.DatabaseURL != "" {
		proxy = store.NewProxy(store.NewPgxConnector(cfg.DatabaseURL, log), log)
	} else {
		log.Warn("Database URL not configured, document store disabled")
	}

	return &Container{
		Config:      cfg,
		Logger:      log,
		RedisClient: redisClient,
		KeyCache:    keyCache,
		Minter:      tokenMinter,
		AdminClient: adminClient,
		Verifier:    verifier,
		Store:       proxy,
	}, nil
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.Logger
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.Config
}

// GetVerifier returns the token verifier
func (c *Container) GetVerifier() *verify.Verifier {
	return c.Verifier
}

// GetAdminClient returns the admin API client (may be nil if not configured)
func (c *Container) GetAdminClient() *admin.Client {
	return c.AdminClient
}

// GetStore returns the document store proxy (may be nil if not configured)
func (c *Container) GetStore() *store.Proxy {
	return c.Store
}
