package passkey

import (
	"encoding/base64"
	"time"
)

// Challenge is the server side record of one ceremony, kept in the
// FlowStateStore between Start and Finish and consumed exactly once.
type Challenge struct {
	Kind             Kind      `json:"kind"`
	Challenge        string    `json:"challenge"`
	UserID           string    `json:"user_id,omitempty"`
	NewUser          bool      `json:"new_user,omitempty"`
	RPID             string    `json:"rp_id"`
	UserVerification string    `json:"user_verification"`
	Allowed          []string  `json:"allowed_credentials,omitempty"`
	Session          []byte    `json:"session"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Options is handed to the browser to start a ceremony
type Options struct {
	RPID      string `json:"rpId"`
	UserID    string `json:"userId,omitempty"`
	Challenge string `json:"challenge"`

	// PublicKeyCredentialCreationOptions or RequestOptions
	PublicKey any       `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func challengeKey(kind Kind, challenge string) string {
	return "passkey:" + string(kind) + ":" + challenge
}

// EncodeID is how credential ids are written as identifiers
func EncodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}
