// Package plugauth is a pluggable authentication core for Go services.
//
// Authentication methods are plugins registered with a PluginManager.  Every
// plugin resolves a caller to a User through the same storage ports, and the
// SessionManager issues one kind of opaque session whatever method was used.
//
// # Architecture
//
// User: an account with an immutable UUID and a free form profile.  A user
// may hold any number of credentials.
//
// Credential: one way of proving to be a user, keyed by method and
// identifier, e.g. ("password", "alice@example.com"), ("github", "1234") or
// ("passkey", <credential id>).  An identity can be linked to at most one
// user.
//
// Session: an opaque 64 character token bound to a user and the method that
// authenticated them.  Sessions expire and can be renewed or revoked.
//
// Flow state: a short lived, single use record that carries an OAuth state or
// a passkey challenge between the begin and finish calls of a ceremony.
//
// # Basic Usage
//
// Pick a storage backend and register the plugins:
//
//	import (
//	    "github.com/panyam/plugauth"
//	    "github.com/panyam/plugauth/oauth2"
//	    "github.com/panyam/plugauth/passkey"
//	    "github.com/panyam/plugauth/password"
//	    "github.com/panyam/plugauth/stores/memory"
//	)
//
//	cfg, err := plugauth.LoadConfig("auth.yaml")
//	auth, err := plugauth.New(cfg, memory.New().Storage())
//	google, err := oauth2.NewFromConfig(cfg.OAuth[0])
//	auth.Register(password.New(cfg.Password), google, passkey.New(cfg.Passkey))
//	if err := auth.Start(ctx); err != nil {
//	    // a plugin failed to set up
//	}
//
// Authenticate and issue a session in one step:
//
//	user, session, err := auth.Authenticate(ctx, "password",
//	    plugauth.PasswordCredentials("alice@example.com", "correct horse"))
//
// Multi step methods are driven through their plugin:
//
//	gh, _ := plugauth.PluginAs[*oauth2.Plugin](auth.Plugins, "github")
//	flow, _ := gh.BeginAuth(ctx, "")
//	// redirect to flow.AuthorizationURL, keep flow.CSRFState and flow.NonceKey
//	user, session, err := gh.Callback(ctx, oauth2.CallbackRequest{...})
//
// Check a session on later requests:
//
//	user, session, err := auth.CurrentUser(ctx, token)
//
// # Store Implementations
//
// The stores packages implement the ports over memory, the file system,
// GORM, PostgreSQL (pgx), Redis (sessions and flow states only) and Google
// Cloud Datastore.  stores/storetest holds the behaviour every backend must
// show and is run by each backend's tests.
//
// # Security
//
// Passwords are hashed with argon2id and legacy bcrypt hashes are upgraded on
// login.  Session tokens are 32 random bytes, hex encoded.  Flow states are
// consumed atomically, so a replayed OAuth callback or passkey response
// fails.  Passkey sign counters must increase; a counter that does not is
// reported as a possibly cloned authenticator.
package plugauth
