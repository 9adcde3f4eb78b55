package oauth2

import "time"

// FlowState is the server side record of one login attempt, stored in the
// FlowStateStore between BeginAuth and Callback and consumed exactly once.
type FlowState struct {
	CSRFState    string    `json:"csrf_state"`
	NonceKey     string    `json:"nonce_key"`
	Nonce        string    `json:"nonce,omitempty"`
	Provider     string    `json:"provider"`
	RedirectURL  string    `json:"redirect_url"`
	PKCEVerifier string    `json:"pkce_verifier"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthFlow is returned by BeginAuth.  The host redirects the browser to
// AuthorizationURL and keeps CSRFState and NonceKey (e.g. in cookies) to hand
// back unmodified to Callback.
type AuthFlow struct {
	AuthorizationURL string
	CSRFState        string
	NonceKey         string
	ExpiresAt        time.Time
}

// CallbackRequest carries what came back from the provider redirect together
// with the values the host kept from BeginAuth.
type CallbackRequest struct {
	// "code" query parameter of the redirect
	Code string

	// "state" query parameter of the redirect
	State string

	// CSRF state the host stored when the flow began
	ExpectedState string

	// Nonce key the host stored when the flow began
	NonceKey string
}

func flowKey(provider, state string) string {
	return "oauth2:" + provider + ":" + state
}
