package passkey

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/panyam/plugauth"
)

// Kind tells registration and authentication ceremonies apart
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// Account is a user as seen by the relying party: the user id and the
// passkeys already registered to it
type Account struct {
	UserID      string
	Name        string
	DisplayName string
	Credentials []StoredCredential
}

// StoredCredential is the public half of a passkey
type StoredCredential struct {
	ID              []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	UserVerified    bool
	BackupEligible  bool
	BackupState     bool
}

// Ceremony is what a Begin call produces
type Ceremony struct {
	// base64url challenge the authenticator must sign
	Challenge string

	// Options to pass to navigator.credentials.create/get, JSON serializable
	Options any

	// Opaque verifier state, stored with the challenge and handed back on finish
	Session []byte
}

// ParsedResponse holds the fields of a browser response needed before the
// ceremony state is loaded
type ParsedResponse struct {
	Challenge    string
	CredentialID []byte
	UserHandle   []byte
}

// Assertion is the outcome of a verified login
type Assertion struct {
	CredentialID []byte
	SignCount    uint32
	UserVerified bool
	BackupState  bool
}

// Verifier does the WebAuthn cryptography: challenge generation, attestation
// and assertion verification.  WebAuthnVerifier is the real implementation.
type Verifier interface {
	BeginRegistration(account *Account) (*Ceremony, error)
	FinishRegistration(account *Account, session []byte, response []byte) (*StoredCredential, error)

	// BeginLogin with a nil account starts a discoverable (usernameless) login
	BeginLogin(account *Account) (*Ceremony, error)
	FinishLogin(account *Account, session []byte, response []byte) (*Assertion, error)

	ParseResponse(response []byte, kind Kind) (*ParsedResponse, error)
}

// WebAuthnVerifier implements Verifier with github.com/go-webauthn/webauthn
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
	uv protocol.UserVerificationRequirement
}

var _ Verifier = (*WebAuthnVerifier)(nil)

// NewWebAuthnVerifier creates a verifier for the relying party in cfg
func NewWebAuthnVerifier(cfg plugauth.PasskeyConfig) (*WebAuthnVerifier, error) {
	uv := protocol.UserVerificationRequirement(cfg.UserVerification)
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: uv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("invalid relying party config: %w", err)
	}
	return &WebAuthnVerifier{wa: wa, uv: uv}, nil
}

func (v *WebAuthnVerifier) BeginRegistration(account *Account) (*Ceremony, error) {
	user := waUser{account}
	var exclusions []protocol.CredentialDescriptor
	for _, c := range user.WebAuthnCredentials() {
		exclusions = append(exclusions, c.Descriptor())
	}
	options, session, err := v.wa.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, err
	}
	return newCeremony(options, session)
}

func (v *WebAuthnVerifier) FinishRegistration(account *Account, sessionData []byte, response []byte) (*StoredCredential, error) {
	session, err := decodeSession(sessionData)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	cred, err := v.wa.CreateCredential(waUser{account}, *session, parsed)
	if err != nil {
		return nil, err
	}
	out := &StoredCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		UserVerified:    cred.Flags.UserVerified,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}
	for _, t := range cred.Transport {
		out.Transports = append(out.Transports, string(t))
	}
	return out, nil
}

func (v *WebAuthnVerifier) BeginLogin(account *Account) (*Ceremony, error) {
	var (
		options *protocol.CredentialAssertion
		session *webauthn.SessionData
		err     error
	)
	if account == nil {
		options, session, err = v.wa.BeginDiscoverableLogin(webauthn.WithUserVerification(v.uv))
	} else {
		options, session, err = v.wa.BeginLogin(waUser{account}, webauthn.WithUserVerification(v.uv))
	}
	if err != nil {
		return nil, err
	}
	return newCeremony(options, session)
}

func (v *WebAuthnVerifier) FinishLogin(account *Account, sessionData []byte, response []byte) (*Assertion, error) {
	session, err := decodeSession(sessionData)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	user := waUser{account}
	var cred *webauthn.Credential
	if len(session.UserID) == 0 {
		cred, err = v.wa.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
			return user, nil
		}, *session, parsed)
	} else {
		cred, err = v.wa.ValidateLogin(user, *session, parsed)
	}
	if err != nil {
		return nil, err
	}
	return &Assertion{
		CredentialID: cred.ID,
		SignCount:    parsed.Response.AuthenticatorData.Counter,
		UserVerified: cred.Flags.UserVerified,
		BackupState:  cred.Flags.BackupState,
	}, nil
}

func (v *WebAuthnVerifier) ParseResponse(response []byte, kind Kind) (*ParsedResponse, error) {
	switch kind {
	case KindRegistration:
		parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
		if err != nil {
			return nil, err
		}
		return &ParsedResponse{
			Challenge:    parsed.Response.CollectedClientData.Challenge,
			CredentialID: parsed.RawID,
		}, nil
	case KindAuthentication:
		parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
		if err != nil {
			return nil, err
		}
		return &ParsedResponse{
			Challenge:    parsed.Response.CollectedClientData.Challenge,
			CredentialID: parsed.RawID,
			UserHandle:   parsed.Response.UserHandle,
		}, nil
	}
	return nil, fmt.Errorf("unknown ceremony kind %q", kind)
}

func newCeremony(options any, session *webauthn.SessionData) (*Ceremony, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	return &Ceremony{Challenge: session.Challenge, Options: options, Session: data}, nil
}

func decodeSession(data []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("corrupt ceremony session: %w", err)
	}
	return &session, nil
}

// waUser adapts an Account to webauthn.User
type waUser struct{ *Account }

func (u waUser) WebAuthnID() []byte { return []byte(u.UserID) }

func (u waUser) WebAuthnName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.UserID
}

func (u waUser) WebAuthnDisplayName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.WebAuthnName()
}

func (u waUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		wc := webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Flags: webauthn.CredentialFlags{
				UserPresent:    true,
				UserVerified:   c.UserVerified,
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		}
		for _, t := range c.Transports {
			wc.Transport = append(wc.Transport, protocol.AuthenticatorTransport(t))
		}
		out = append(out, wc)
	}
	return out
}
