package plugauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Plugin is one authentication method.  Methods that need more than a single
// round trip (OAuth, passkeys) expose extra operations on their concrete type;
// hosts reach them through PluginAs.
type Plugin interface {
	// Name is the method name the plugin is registered and dispatched under
	Name() string

	// Setup is called once at startup to build internal state (hash
	// parameters, provider metadata, relying party config...)
	Setup(ctx context.Context, svc *Services) error

	// Migrate is called once at startup after the storage backends have been
	// migrated, for plugins that keep state of their own.
	Migrate(ctx context.Context, svc *Services) error

	// Authenticate verifies creds and returns the authenticated user
	Authenticate(ctx context.Context, creds *Credentials) (*User, error)
}

// PluginManager is the registry of authentication methods.  It is filled with
// Register during startup, activated by Setup/Migrate and read-only afterwards,
// so concurrent Authenticate calls need no locking.
type PluginManager struct {
	plugins map[string]Plugin
	order   []string
	svc     *Services
	ready   bool
	frozen  bool
}

// NewPluginManager creates an empty registry
func NewPluginManager() *PluginManager {
	return &PluginManager{plugins: map[string]Plugin{}}
}

// Register adds a plugin.  Registering an empty or duplicate name, or
// registering after Setup, is a configuration error.
func (m *PluginManager) Register(p Plugin) error {
	if p == nil {
		return &ConfigError{Op: "register", Err: fmt.Errorf("nil plugin")}
	}
	name := p.Name()
	if m.frozen {
		return &ConfigError{Plugin: name, Op: "register", Err: fmt.Errorf("registry is already set up")}
	}
	if name == "" {
		return &ConfigError{Op: "register", Err: fmt.Errorf("plugin has an empty name")}
	}
	if _, exists := m.plugins[name]; exists {
		return &ConfigError{Plugin: name, Op: "register", Err: fmt.Errorf("duplicate plugin name")}
	}
	m.plugins[name] = p
	m.order = append(m.order, name)
	return nil
}

// MustRegister is Register that panics, for use in static setup code
func (m *PluginManager) MustRegister(plugins ...Plugin) *PluginManager {
	for _, p := range plugins {
		if err := m.Register(p); err != nil {
			panic(err)
		}
	}
	return m
}

// Setup forwards to every plugin in registration order.  The first failure
// aborts startup and the manager stays unusable.
func (m *PluginManager) Setup(ctx context.Context, svc *Services) error {
	if svc == nil {
		return &ConfigError{Op: "setup", Err: fmt.Errorf("nil services")}
	}
	m.frozen = true
	m.ready = false
	for _, name := range m.order {
		if err := m.plugins[name].Setup(ctx, svc); err != nil {
			svc.logger().Error("plugin setup failed", "plugin", name, "err", err)
			return &ConfigError{Plugin: name, Op: "setup", Err: err}
		}
	}
	m.svc = svc
	m.ready = true
	return nil
}

// Migrate migrates the storage backends and then every plugin.  Like Setup a
// failure leaves the manager unusable.
func (m *PluginManager) Migrate(ctx context.Context, svc *Services) error {
	if svc == nil {
		return &ConfigError{Op: "migrate", Err: fmt.Errorf("nil services")}
	}
	m.frozen = true
	if err := svc.Storage.Migrate(ctx); err != nil {
		m.ready = false
		return err
	}
	for _, name := range m.order {
		if err := m.plugins[name].Migrate(ctx, svc); err != nil {
			m.ready = false
			svc.logger().Error("plugin migration failed", "plugin", name, "err", err)
			return &ConfigError{Plugin: name, Op: "migrate", Err: err}
		}
	}
	return nil
}

// Ready reports whether Setup completed successfully
func (m *PluginManager) Ready() bool { return m.ready }

// Names returns the registered method names in registration order
func (m *PluginManager) Names() []string {
	return append([]string(nil), m.order...)
}

// Plugin returns the plugin registered under name
func (m *PluginManager) Plugin(name string) (Plugin, error) {
	p, ok := m.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}
	return p, nil
}

// Authenticate dispatches to the plugin registered under method
func (m *PluginManager) Authenticate(ctx context.Context, method string, creds *Credentials) (user *User, err error) {
	p, ok := m.plugins[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if !m.ready {
		return nil, &ConfigError{Plugin: method, Op: "authenticate", Err: fmt.Errorf("plugins are not set up")}
	}
	started := time.Now()
	defer func() {
		m.svc.Metrics.observeAuth(method, started, err)
		if err != nil {
			m.svc.logger().Info("authentication failed", "method", method, "code", ErrorCode(err))
		}
	}()
	return p.Authenticate(ctx, creds)
}

// PluginAs fetches the plugin registered under name as capability T, e.g.
//
//	google, err := plugauth.PluginAs[*oauth2.Plugin](manager, "google")
func PluginAs[T any](m *PluginManager, name string) (T, error) {
	var zero T
	p, err := m.Plugin(name)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrPluginTypeMismatch, name, p, zero)
	}
	return t, nil
}

func (s *Services) logger() *slog.Logger {
	if s == nil || s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
