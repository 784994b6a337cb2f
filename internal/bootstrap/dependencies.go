// Package bootstrap wires every adapter named in config.Config into the
// concrete ports the core services depend on, grounded on the teacher's
// own bootstrap.NewWorker/NewDependencies split.
package bootstrap

import (
	"context"
	"fmt"

	imapclient "github.com/emersion/go-imap/client"

	"mailsync/adapter/out/apiprovider"
	"mailsync/adapter/out/connpool"
	"mailsync/adapter/out/credential"
	"mailsync/adapter/out/idlewatcher"
	"mailsync/adapter/out/imapprovider"
	"mailsync/adapter/out/inference"
	"mailsync/adapter/out/mongobody"
	"mailsync/adapter/out/persistence"
	"mailsync/adapter/out/toolclient"
	"mailsync/config"
	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/core/service/actionagent"
	"mailsync/core/service/classifier"
	"mailsync/core/service/syncengine"
	"mailsync/infra/database"
	cachepkg "mailsync/pkg/cache"
	"mailsync/pkg/logger"
)

// Dependencies holds every constructed adapter and core service a host
// process needs; Worker drives them, but a test harness or a future CLI
// wrapper can reach in and call them directly.
type Dependencies struct {
	Config *config.Config
	Log    *logger.Logger

	Store  out.Store
	Bodies out.BodyStore
	Cache  out.Cache
	Cred   out.CredentialLoader

	Pool    out.ConnPool
	Watcher out.IDLEWatcher

	Inference out.InferenceClient
	Tools     out.ToolClient

	Taxonomy *classifier.Taxonomy
	Engine   *syncengine.Engine
	Agent    *actionagent.Agent
}

// NewDependencies connects to every backing store, constructs the
// adapters, and wires the core services. The returned cleanup closes
// every connection it opened, in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	log := logger.New(logger.Config{Level: logLevel, Service: "mailsync"})

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := database.NewSQLX(cfg.DatabaseURL, database.DefaultPostgresConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })

	if err := database.ApplyMigrations(db); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bootstrap: apply migrations: %w", err)
	}

	mongoClient, mongoDB, err := database.NewMongo(cfg.MongoDBURL, cfg.MongoDBName)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bootstrap: connect mongodb: %w", err)
	}
	closers = append(closers, func() { _ = mongoClient.Disconnect(context.Background()) })

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bootstrap: connect redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	store := persistence.NewPostgresStore(db)

	bodies := mongobody.New(mongoDB)
	if err := bodies.EnsureIndexes(context.Background()); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bootstrap: ensure mongo indexes: %w", err)
	}

	redisCache := cachepkg.NewRedisCache(redisClient)

	cred := credential.NewFileCredentialLoader(cfg.CredentialDir, log)

	dial := providerDial(store, cred, redisCache, cfg, log)
	probe := func(ctx context.Context, p out.Provider) error {
		if pinger, ok := p.(interface{ Ping(context.Context) error }); ok {
			return pinger.Ping(ctx)
		}
		return nil
	}
	pool := connpool.New(connpool.Config{MaxIdle: cfg.PoolIdleTimeout}, dial, probe, log)
	closers = append(closers, pool.CloseAll)

	watcher := idlewatcher.New(
		idleDial(store, cred, log),
		idlewatcher.Config{MaxDuration: cfg.IDLEMaxDuration, ReconnectBackoff: cfg.IDLEReconnectBackoff},
		log,
	)

	inferenceClient := inference.New(cfg.InferenceURL, log)
	toolClient := toolclient.New(cfg.ToolEndpointURL, log)

	taxonomy, err := classifier.LoadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bootstrap: load taxonomy: %w", err)
	}
	cl := classifier.New(inferenceClient, store, taxonomy, cfg.InferenceModel, log)

	engine := syncengine.New(store, bodies, pool, cl, syncengine.Config{
		LabelPrefix:      "AI",
		MaxAttempts:      cfg.MaxAttempts,
		PendingOpWorkers: cfg.PendingOpWorkerCount,
		PendingOpQueue:   cfg.PendingOpQueueSize,
	}, log)

	registry := actionagent.DefaultRegistry()
	agent := actionagent.New(store, bodies, inferenceClient, toolClient, registry, cfg.InferenceModel, cfg.MaxAttempts, log)

	return &Dependencies{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Bodies:    bodies,
		Cache:     redisCache,
		Cred:      cred,
		Pool:      pool,
		Watcher:   watcher,
		Inference: inferenceClient,
		Tools:     toolClient,
		Taxonomy:  taxonomy,
		Engine:    engine,
		Agent:     agent,
	}, cleanup, nil
}

// imapSettings pulls the IMAP/SMTP connection fields out of an account's
// free-form settings map (spec §3's Account.settings). Missing optional
// fields fall back to sane defaults rather than erroring, since the
// provider itself will surface a connect failure if they're wrong.
func imapSettings(acc *domain.Account) imapprovider.Config {
	cfg := imapprovider.Config{Email: acc.Email, UseSSL: true, Port: 993, SMTPPort: 587, SMTPUseTLS: true}
	if v, ok := acc.Settings["imap_host"].(string); ok {
		cfg.Host = v
	}
	if v, ok := acc.Settings["imap_port"].(float64); ok {
		cfg.Port = int(v)
	}
	if v, ok := acc.Settings["imap_use_ssl"].(bool); ok {
		cfg.UseSSL = v
	}
	if v, ok := acc.Settings["smtp_host"].(string); ok {
		cfg.SMTPHost = v
	}
	if v, ok := acc.Settings["smtp_port"].(float64); ok {
		cfg.SMTPPort = int(v)
	}
	if v, ok := acc.Settings["smtp_use_tls"].(bool); ok {
		cfg.SMTPUseTLS = v
	}
	if v, ok := acc.Settings["smtp_username"].(string); ok {
		cfg.SMTPUsername = v
	} else {
		cfg.SMTPUsername = acc.Email
	}
	return cfg
}

// providerDial is the connpool.Factory: it reads the account's provider
// kind and builds the matching adapter. Neither adapter opens its
// network connection here — both connect lazily on first use. The API
// adapter does load its stored OAuth token here, so a missing or
// malformed token fails the dial; the IMAP adapter reads its password
// only when it first connects.
func providerDial(store out.Store, cred out.CredentialLoader, cache out.Cache, cfg *config.Config, log *logger.Logger) connpool.Factory {
	return func(ctx context.Context, accountID string) (out.Provider, error) {
		acc, err := store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: dial provider, get account: %w", err)
		}
		if acc == nil {
			return nil, fmt.Errorf("bootstrap: dial provider, account %s not found", accountID)
		}

		switch acc.Provider {
		case domain.ProviderIMAP:
			return imapprovider.New(accountID, imapSettings(acc), cred, log), nil
		case domain.ProviderAPI:
			apiCfg := apiprovider.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURL:  cfg.GoogleRedirectURL,
			}
			return apiprovider.New(ctx, accountID, apiCfg, cred, cache, log)
		default:
			return nil, fmt.Errorf("bootstrap: dial provider, unknown provider kind %q for account %s", acc.Provider, accountID)
		}
	}
}

// idleDial builds the raw IMAP client the IDLE Watcher holds open for an
// account's whole run, independent of the Connection Pool (spec §4.3.4:
// "never returned to a pool, lives for the worker's entire run").
func idleDial(store out.Store, cred out.CredentialLoader, log *logger.Logger) idlewatcher.Dial {
	return func(ctx context.Context, accountID string) (*imapclient.Client, error) {
		acc, err := store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: idle dial, get account: %w", err)
		}
		if acc == nil {
			return nil, fmt.Errorf("bootstrap: idle dial, account %s not found", accountID)
		}
		cfg := imapSettings(acc)

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		var c *imapclient.Client
		if cfg.UseSSL {
			c, err = imapclient.DialTLS(addr, nil)
		} else {
			c, err = imapclient.Dial(addr)
		}
		if err != nil {
			return nil, fmt.Errorf("bootstrap: idle dial, connect: %w", err)
		}

		password, err := cred.LoadPassword(ctx, accountID)
		if err != nil {
			_ = c.Logout()
			return nil, err
		}
		if err := c.Login(acc.Email, password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("bootstrap: idle dial, login: %w", err)
		}
		return c, nil
	}
}
