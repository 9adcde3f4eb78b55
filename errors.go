package plugauth

import (
	"errors"
	"fmt"
)

// Errors returned by the core.  Callers should compare with errors.Is since
// most of these are wrapped with extra context before they surface.
var (
	// Setup time
	ErrConfiguration      = errors.New("configuration error")
	ErrUnknownMethod      = errors.New("unknown authentication method")
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrPluginTypeMismatch = errors.New("plugin does not implement the requested capability")

	// Authentication attempts
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrInvalidPayload        = errors.New("invalid authentication payload")
	ErrCsrfMismatch          = errors.New("csrf state mismatch")
	ErrNonceMismatch         = errors.New("nonce mismatch")
	ErrReplayedFlow          = errors.New("flow state not found, already consumed or expired")
	ErrProviderError         = errors.New("identity provider error")
	ErrPossibleCloneDetected = errors.New("passkey sign counter did not increase, possible cloned authenticator")
	ErrDuplicateIdentity     = errors.New("identity already registered")

	// Sessions
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// Storage ports
	ErrUserNotFound       = errors.New("user not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrFlowStateNotFound  = errors.New("flow state not found")
	ErrVersionConflict    = errors.New("record was modified concurrently")
)

// ConfigError reports a setup or migration failure of a single plugin.
type ConfigError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s plugin %q: %v", ErrConfiguration, e.Op, e.Plugin, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// ProviderError wraps a failure talking to an identity provider: a rejected
// code exchange, an unreachable endpoint or a timeout.  The core never retries
// these, the host decides.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderError }

// NewProviderError builds a ProviderError.
func NewProviderError(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// ErrorCode maps an error to a short stable code, suitable for metric labels
// and for JSON error bodies in hosts.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownMethod):
		return "unknown_method"
	case errors.Is(err, ErrPluginNotFound):
		return "plugin_not_found"
	case errors.Is(err, ErrPluginTypeMismatch):
		return "plugin_type_mismatch"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrCsrfMismatch):
		return "csrf_mismatch"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, ErrReplayedFlow):
		return "replayed_flow"
	case errors.Is(err, ErrProviderError):
		return "provider_error"
	case errors.Is(err, ErrPossibleCloneDetected):
		return "possible_clone"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	}
	return "internal"
}
