package oauth2

import (
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleIssuer   = "https://accounts.google.com"
	googleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	googleUserInfo = "https://openidconnect.googleapis.com/v1/userinfo"
)

// NewGoogleProvider creates a Google sign-in provider.  Identities come from the
// verified ID token.  Empty arguments fall back to the OAUTH2_GOOGLE_*
// environment variables.
func NewGoogleProvider(clientId string, clientSecret string, callbackUrl string) *Provider {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL")
	}
	return &Provider{
		Name: "google",
		Config: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		Issuer:      googleIssuer,
		JWKSURL:     googleJWKSURL,
		UserInfoURL: googleUserInfo,
	}
}
