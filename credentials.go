package plugauth

import "strings"

// Credentials is the generic payload handed to Plugin.Authenticate.  Each
// plugin documents which fields it reads:
//
//   - password: Identifier is the email, Secret the password
//   - oauth: Params "code", "state", "expected_state" and "nonce_key"
//   - passkey: Params "response" holds the JSON assertion from the browser
type Credentials struct {
	Identifier string
	Secret     string
	Params     map[string]string
}

// Param returns a trimmed parameter value, or "" if missing
func (c *Credentials) Param(key string) string {
	if c == nil || c.Params == nil {
		return ""
	}
	return strings.TrimSpace(c.Params[key])
}

// PasswordCredentials is shorthand for an email/password payload
func PasswordCredentials(email, password string) *Credentials {
	return &Credentials{Identifier: email, Secret: password}
}

// NormalizeEmail lower-cases and trims an email so lookups are case insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
