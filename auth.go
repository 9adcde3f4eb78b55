package plugauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Services is handed to every plugin during Setup and Migrate.  It replaces
// process wide state: everything a plugin needs at runtime hangs off it, and
// the storage ports are shared by reference between all plugins.
type Services struct {
	Config   *Config
	Storage  *Storage
	Sessions *SessionManager
	Logger   *slog.Logger
	Metrics  *Metrics

	// Now returns the current time
	Now func() time.Time
}

// Auth wires a plugin registry, the storage ports and a session manager
// together.  Create one with New, Register plugins, then call Start once.
type Auth struct {
	Config   *Config
	Storage  *Storage
	Plugins  *PluginManager
	Sessions *SessionManager

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	svc     *Services
}

// Option customizes an Auth instance
type Option func(*Auth)

// WithLogger sets the structured logger.  Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Auth) { a.logger = l }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(a *Auth) { a.metrics = m }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(a *Auth) { a.now = now }
}

// New creates an Auth over storage.  A nil cfg uses DefaultConfig.
func New(cfg *Config, storage *Storage, opts ...Option) (*Auth, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.EnsureDefaults()
	}
	if err := storage.Validate(); err != nil {
		return nil, err
	}
	a := &Auth{
		Config:  cfg,
		Storage: storage,
		Plugins: NewPluginManager(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Sessions = NewSessionManager(storage, SessionConfig{
		TTL:     cfg.SessionTTL,
		Now:     a.now,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	a.svc = &Services{
		Config:   cfg,
		Storage:  storage,
		Sessions: a.Sessions,
		Logger:   a.logger,
		Metrics:  a.metrics,
		Now:      a.now,
	}
	return a, nil
}

// Register adds plugins to the registry.  Must be called before Start.
func (a *Auth) Register(plugins ...Plugin) error {
	for _, p := range plugins {
		if err := a.Plugins.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Services returns the context object shared with the plugins
func (a *Auth) Services() *Services { return a.svc }

// Start sets up every plugin and then runs migrations.  Any failure aborts
// startup and the instance refuses to authenticate.
func (a *Auth) Start(ctx context.Context) error {
	if err := a.Plugins.Setup(ctx, a.svc); err != nil {
		return err
	}
	if err := a.Plugins.Migrate(ctx, a.svc); err != nil {
		return err
	}
	a.logger.Info("auth started", "app", a.Config.AppName, "methods", a.Plugins.Names())
	return nil
}

// Authenticate runs the named plugin and issues a session for the user it
// returns.
func (a *Auth) Authenticate(ctx context.Context, method string, creds *Credentials) (*User, *Session, error) {
	user, err := a.Plugins.Authenticate(ctx, method, creds)
	if err != nil {
		return nil, nil, err
	}
	session, err := a.Sessions.Create(ctx, user.ID, method, nil)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// CurrentUser validates a session and loads its user
func (a *Auth) CurrentUser(ctx context.Context, sessionID string) (*User, *Session, error) {
	session, err := a.Sessions.Validate(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	user, err := a.Storage.Users.FindUserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Sweep removes abandoned flow states and expired sessions once
func (a *Auth) Sweep(ctx context.Context) (flows, sessions int, err error) {
	flows, ferr := a.Storage.Flows.PurgeExpired(ctx)
	if ferr != nil {
		ferr = fmt.Errorf("failed to purge flow states: %w", ferr)
	}
	sessions, serr := a.Sessions.Sweep(ctx)
	a.metrics.purged(flows, sessions)
	return flows, sessions, errors.Join(ferr, serr)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.  Expiry is
// always enforced lazily on lookup, so the sweeper only reclaims space.
func (a *Auth) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				flows, sessions, err := a.Sweep(ctx)
				if err != nil {
					a.logger.Warn("sweep failed", "err", err)
					continue
				}
				if flows > 0 || sessions > 0 {
					a.logger.Info("swept expired records", "flows", flows, "sessions", sessions)
				}
			}
		}
	}()
}
