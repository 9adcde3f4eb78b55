package plugauth

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.EnsureDefaults
const (
	DefaultFlowTTL         = 10 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
	DefaultMinPasswordLen  = 8
)

// Config is the startup configuration of an Auth instance.  Build it in code
// or with LoadConfig.
type Config struct {
	// Optional name used in logs, metrics and as the passkey relying party name
	AppName string `yaml:"app_name"`

	// How long an issued session is valid for.  Defaults to a day.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// How long an OAuth flow state or passkey challenge stays valid between
	// the begin and finish calls.  Defaults to 10 minutes.
	FlowTTL time.Duration `yaml:"flow_ttl"`

	// Upper bound on every identity provider round trip
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// If set, Auth.StartSweeper purges expired sessions and abandoned flow
	// states at this interval.  Lazy expiry is always in effect.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	LogLevel string `yaml:"log_level"`

	Password PasswordConfig        `yaml:"password"`
	OAuth    []OAuthProviderConfig `yaml:"oauth"`
	Passkey  PasskeyConfig         `yaml:"passkey"`
	Storage  StorageConfig         `yaml:"storage"`
}

// PasswordConfig holds the argon2id parameters and signup policy of the
// password plugin
type PasswordConfig struct {
	Memory      uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
	MinLength   int    `yaml:"min_length"`
}

func (c *PasswordConfig) EnsureDefaults() *PasswordConfig {
	if c.Memory == 0 {
		c.Memory = 64 * 1024
	}
	if c.Iterations == 0 {
		c.Iterations = 3
	}
	if c.Parallelism == 0 {
		c.Parallelism = 2
	}
	if c.SaltLength == 0 {
		c.SaltLength = 16
	}
	if c.KeyLength == 0 {
		c.KeyLength = 32
	}
	if c.MinLength <= 0 {
		c.MinLength = DefaultMinPasswordLen
	}
	return c
}

// OAuthProviderConfig configures one OAuth2/OIDC provider.  Kind selects a
// preset ("google", "github" or "oidc"); Name is the plugin name and defaults
// to Kind.
type OAuthProviderConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`

	// Issuer of ID tokens.  For the "oidc" kind the discovery document is
	// fetched from Issuer + "/.well-known/openid-configuration".
	Issuer string `yaml:"issuer"`

	// Endpoint overrides, mostly for tests and self hosted providers
	AuthURL     string `yaml:"auth_url"`
	TokenURL    string `yaml:"token_url"`
	UserInfoURL string `yaml:"userinfo_url"`
	JWKSURL     string `yaml:"jwks_url"`
}

// EnsureDefaults fills the name and falls back to OAUTH2_<NAME>_* environment
// variables for the client credentials.
func (c *OAuthProviderConfig) EnsureDefaults() *OAuthProviderConfig {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Name == "" {
		c.Name = c.Kind
	}
	prefix := "OAUTH2_" + strings.ToUpper(strings.ReplaceAll(c.Name, "-", "_")) + "_"
	if c.ClientID == "" {
		c.ClientID = strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID"))
	}
	if c.ClientSecret == "" {
		c.ClientSecret = strings.TrimSpace(os.Getenv(prefix + "CLIENT_SECRET"))
	}
	if c.RedirectURL == "" {
		c.RedirectURL = strings.TrimSpace(os.Getenv(prefix + "CALLBACK_URL"))
	}
	return c
}

// PasskeyConfig identifies the WebAuthn relying party
type PasskeyConfig struct {
	RPID          string   `yaml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins"`

	// "required", "preferred" or "discouraged".  Defaults to "preferred".
	UserVerification string `yaml:"user_verification"`
}

func (c *PasskeyConfig) EnsureDefaults(appName string) *PasskeyConfig {
	if c.RPDisplayName == "" {
		c.RPDisplayName = appName
	}
	if c.UserVerification == "" {
		c.UserVerification = "preferred"
	}
	if len(c.RPOrigins) == 0 && c.RPID != "" {
		c.RPOrigins = []string{"https://" + c.RPID}
	}
	return c
}

// Enabled is true when a relying party id was configured
func (c *PasskeyConfig) Enabled() bool { return c.RPID != "" }

// StorageConfig selects and configures the storage backend used by hosts
// such as cmd/authdemo.  The core itself only ever sees the Storage ports.
type StorageConfig struct {
	// One of memory, fs, gorm, postgres, redis or gae
	Driver string `yaml:"driver"`

	// Root folder for the fs driver
	Path string `yaml:"path"`

	// Connection string for the gorm and postgres drivers
	DSN string `yaml:"dsn"`

	// Redis holds sessions and flow states when set, whatever the driver
	RedisAddr string `yaml:"redis_addr"`

	// Datastore project and namespace for the gae driver
	ProjectID string `yaml:"project_id"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a Config with every default applied
func DefaultConfig() *Config {
	return (&Config{}).EnsureDefaults()
}

func (c *Config) EnsureDefaults() *Config {
	if c.AppName == "" {
		c.AppName = "PlugAuth"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = DefaultFlowTTL
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Password.EnsureDefaults()
	c.Passkey.EnsureDefaults(c.AppName)
	for i := range c.OAuth {
		c.OAuth[i].EnsureDefaults()
	}
	return c
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.Password.MinLength < 1 {
		errs = append(errs, fmt.Errorf("password.min_length must be positive"))
	}
	seen := map[string]bool{}
	for _, p := range c.OAuth {
		switch p.Kind {
		case "google", "github", "oidc":
		default:
			errs = append(errs, fmt.Errorf("oauth provider %q: unknown kind %q", p.Name, p.Kind))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("oauth provider %q configured twice", p.Name))
		}
		seen[p.Name] = true
		if p.ClientID == "" {
			errs = append(errs, fmt.Errorf("oauth provider %q: client_id is required", p.Name))
		}
		if p.RedirectURL == "" {
			errs = append(errs, fmt.Errorf("oauth provider %q: redirect_url is required", p.Name))
		}
		if p.Kind == "oidc" && p.Issuer == "" {
			errs = append(errs, fmt.Errorf("oauth provider %q: issuer is required for oidc", p.Name))
		}
	}
	if c.Passkey.Enabled() && len(c.Passkey.RPOrigins) == 0 {
		errs = append(errs, fmt.Errorf("passkey.rp_origins is required"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "fs":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the fs driver"))
		}
	case "gorm", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("storage.redis_addr is required for the redis driver"))
		}
	case "gae":
		if c.Storage.ProjectID == "" {
			errs = append(errs, fmt.Errorf("storage.project_id is required for the gae driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return &ConfigError{Op: "config", Err: err}
	}
	return nil
}

// LoadConfig builds a Config from, in increasing precedence: defaults, a
// .env file in the working directory, the YAML file at path (if non empty)
// and PLUGAUTH_* environment variables.  The result is validated.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		path = os.Getenv("PLUGAUTH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	durations := map[string]*time.Duration{
		"PLUGAUTH_SESSION_TTL":      &cfg.SessionTTL,
		"PLUGAUTH_FLOW_TTL":         &cfg.FlowTTL,
		"PLUGAUTH_PROVIDER_TIMEOUT": &cfg.ProviderTimeout,
		"PLUGAUTH_SWEEP_INTERVAL":   &cfg.SweepInterval,
	}
	for name, field := range durations {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Op: "config", Err: fmt.Errorf("%s: %w", name, err)}
		}
		*field = d
	}

	strs := map[string]*string{
		"PLUGAUTH_APP_NAME":          &cfg.AppName,
		"PLUGAUTH_LOG_LEVEL":         &cfg.LogLevel,
		"PLUGAUTH_STORAGE_DRIVER":    &cfg.Storage.Driver,
		"PLUGAUTH_STORAGE_PATH":      &cfg.Storage.Path,
		"PLUGAUTH_STORAGE_DSN":       &cfg.Storage.DSN,
		"PLUGAUTH_REDIS_ADDR":        &cfg.Storage.RedisAddr,
		"PLUGAUTH_GAE_PROJECT_ID":    &cfg.Storage.ProjectID,
		"PLUGAUTH_GAE_NAMESPACE":     &cfg.Storage.Namespace,
		"PLUGAUTH_PASSKEY_RP_ID":     &cfg.Passkey.RPID,
		"PLUGAUTH_PASSKEY_RP_NAME":   &cfg.Passkey.RPDisplayName,
		"PLUGAUTH_PASSKEY_VERIFY_UV": &cfg.Passkey.UserVerification,
	}
	for name, field := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*field = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("PLUGAUTH_PASSKEY_RP_ORIGINS")); v != "" {
		cfg.Passkey.RPOrigins = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("PLUGAUTH_PASSWORD_MIN_LENGTH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Op: "config", Err: fmt.Errorf("PLUGAUTH_PASSWORD_MIN_LENGTH: %w", err)}
		}
		cfg.Password.MinLength = n
	}
	return nil
}
