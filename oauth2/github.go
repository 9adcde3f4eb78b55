package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	githubUserInfo = "https://api.github.com/user"
	githubEmails   = "https://api.github.com/user/emails"
)

// NewGithubProvider creates a GitHub provider.  GitHub does not speak OpenID
// Connect, so the identity is read from the user API with the access token.
// Empty arguments fall back to the OAUTH2_GITHUB_* environment variables.
func NewGithubProvider(clientId string, clientSecret string, callbackUrl string) *Provider {
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CALLBACK_URL"))
	}
	p := &Provider{
		Name: "github",
		Config: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		UserInfoURL:   githubUserInfo,
		ParseUserInfo: parseGithubUser,
	}
	p.FetchEmail = func(ctx context.Context, client *http.Client, token *oauth2.Token) (string, error) {
		return fetchGithubPrimaryEmail(ctx, client, emailsURL(p.UserInfoURL), token)
	}
	return p
}

func parseGithubUser(info map[string]any) (*Identity, error) {
	var subject string
	switch v := info["id"].(type) {
	case float64:
		subject = strconv.FormatInt(int64(v), 10)
	case string:
		subject = v
	}
	if subject == "" {
		return nil, fmt.Errorf("github user has no id")
	}
	name := stringClaim(info, "name")
	if name == "" {
		name = stringClaim(info, "login")
	}
	return &Identity{
		Subject: subject,
		Email:   stringClaim(info, "email"),
		Name:    name,
		Picture: stringClaim(info, "avatar_url"),
	}, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchGithubPrimaryEmail(ctx context.Context, client *http.Client, url string, token *oauth2.Token) (string, error) {
	var emails []githubEmail
	if err := getJSON(ctx, client, url, token.AccessToken, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

// emailsURL derives the emails endpoint from the user endpoint so a test or
// enterprise server override applies to both
func emailsURL(userInfoURL string) string {
	if userInfoURL == githubUserInfo {
		return githubEmails
	}
	return strings.TrimSuffix(userInfoURL, "/") + "/emails"
}
