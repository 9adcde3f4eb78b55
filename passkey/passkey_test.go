package passkey_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/passkey"
	"github.com/panyam/plugauth/stores/memory"
)

// fakeVerifier stands in for the authenticator and the WebAuthn checks.  A
// "signature" is valid when the response carries the public key registered
// for the credential.
type fakeVerifier struct{}

type fakeSession struct {
	Challenge string `json:"challenge"`
	UserID    string `json:"user_id"`
}

type fakeResponse struct {
	Challenge  string `json:"challenge"`
	ID         string `json:"id"`
	UserHandle string `json:"user_handle,omitempty"`
	PublicKey  string `json:"public_key"`
	SignCount  uint32 `json:"sign_count"`
}

func (fakeVerifier) begin(account *passkey.Account) (*passkey.Ceremony, error) {
	challenge, err := plugauth.GenerateURLToken(32)
	if err != nil {
		return nil, err
	}
	s := fakeSession{Challenge: challenge}
	if account != nil {
		s.UserID = account.UserID
	}
	data, _ := json.Marshal(s)
	return &passkey.Ceremony{Challenge: challenge, Options: map[string]any{"challenge": challenge}, Session: data}, nil
}

func (v fakeVerifier) BeginRegistration(account *passkey.Account) (*passkey.Ceremony, error) {
	return v.begin(account)
}

func (v fakeVerifier) BeginLogin(account *passkey.Account) (*passkey.Ceremony, error) {
	return v.begin(account)
}

func (fakeVerifier) decode(session, response []byte) (*fakeResponse, error) {
	var s fakeSession
	var r fakeResponse
	if err := json.Unmarshal(session, &s); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, err
	}
	if s.Challenge != r.Challenge {
		return nil, errors.New("challenge mismatch")
	}
	return &r, nil
}

func (v fakeVerifier) FinishRegistration(account *passkey.Account, session, response []byte) (*passkey.StoredCredential, error) {
	r, err := v.decode(session, response)
	if err != nil {
		return nil, err
	}
	id, _ := base64.RawURLEncoding.DecodeString(r.ID)
	return &passkey.StoredCredential{
		ID:         id,
		PublicKey:  []byte(r.PublicKey),
		SignCount:  r.SignCount,
		Transports: []string{"internal"},
	}, nil
}

func (v fakeVerifier) FinishLogin(account *passkey.Account, session, response []byte) (*passkey.Assertion, error) {
	r, err := v.decode(session, response)
	if err != nil {
		return nil, err
	}
	for _, c := range account.Credentials {
		if passkey.EncodeID(c.ID) != r.ID {
			continue
		}
		if !bytes.Equal(c.PublicKey, []byte(r.PublicKey)) {
			return nil, errors.New("bad signature")
		}
		if c.Transports[0] != "internal" {
			return nil, errors.New("transports not restored")
		}
		return &passkey.Assertion{CredentialID: c.ID, SignCount: r.SignCount}, nil
	}
	return nil, errors.New("credential not allowed for user")
}

func (fakeVerifier) ParseResponse(response []byte, kind passkey.Kind) (*passkey.ParsedResponse, error) {
	var r fakeResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, err
	}
	id, err := base64.RawURLEncoding.DecodeString(r.ID)
	if err != nil {
		return nil, err
	}
	return &passkey.ParsedResponse{Challenge: r.Challenge, CredentialID: id, UserHandle: []byte(r.UserHandle)}, nil
}

// authenticator simulates a device holding one passkey
type authenticator struct {
	id      string
	key     string
	counter uint32
	user    string
}

func newAuthenticator(name string, counter uint32) *authenticator {
	return &authenticator{
		id:      base64.RawURLEncoding.EncodeToString([]byte("cred-" + name)),
		key:     "pubkey-" + name,
		counter: counter,
	}
}

func (a *authenticator) register(opts *passkey.Options) []byte {
	a.user = opts.UserID
	data, _ := json.Marshal(fakeResponse{Challenge: opts.Challenge, ID: a.id, PublicKey: a.key, SignCount: a.counter})
	return data
}

func (a *authenticator) assert(opts *passkey.Options) []byte {
	if a.counter > 0 {
		a.counter++
	}
	return a.assertWith(opts, a.counter)
}

func (a *authenticator) assertWith(opts *passkey.Options, count uint32) []byte {
	data, _ := json.Marshal(fakeResponse{Challenge: opts.Challenge, ID: a.id, UserHandle: a.user, PublicKey: a.key, SignCount: count})
	return data
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*plugauth.Auth, *passkey.Plugin, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New().WithClock(clk.Now)
	auth, err := plugauth.New(nil, store.Storage(), plugauth.WithClock(clk.Now))
	require.NoError(t, err)
	p := passkey.New(plugauth.PasskeyConfig{RPID: "localhost"}).WithVerifier(fakeVerifier{})
	require.NoError(t, auth.Register(p))
	require.NoError(t, auth.Start(context.Background()))
	return auth, p, clk
}

func signup(t *testing.T, p *passkey.Plugin, dev *authenticator) *plugauth.User {
	t.Helper()
	ctx := context.Background()
	opts, err := p.StartRegistration(ctx, "")
	require.NoError(t, err)
	user, err := p.FinishRegistration(ctx, dev.register(opts))
	require.NoError(t, err)
	return user
}

func login(p *passkey.Plugin, dev *authenticator, count *uint32) (*plugauth.User, *plugauth.Session, error) {
	ctx := context.Background()
	opts, err := p.StartAuthentication(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	var resp []byte
	if count != nil {
		resp = dev.assertWith(opts, *count)
	} else {
		resp = dev.assert(opts)
	}
	return p.FinishAuthentication(ctx, resp)
}

func TestPasswordlessSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	_, p, _ := setup(t)
	dev := newAuthenticator("phone", 10)

	opts, err := p.StartRegistration(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "localhost", opts.RPID)
	assert.NotEmpty(t, opts.UserID)
	assert.NotEmpty(t, opts.Challenge)

	user, err := p.FinishRegistration(ctx, dev.register(opts))
	require.NoError(t, err)
	assert.Equal(t, opts.UserID, user.ID)
	assert.Equal(t, []string{"passkey:" + dev.id}, user.Identifiers)

	creds, err := p.Credentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.EqualValues(t, 0, creds[0].Data["sign_count"])

	got, session, err := login(p, dev, nil)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.ID, session.UserID)
	assert.Equal(t, passkey.Name, session.Method)

	creds, err = p.Credentials(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 11, creds[0].Data["sign_count"])
}

func TestAddPasskeyToExistingUser(t *testing.T) {
	ctx := context.Background()
	_, p, _ := setup(t)
	first := newAuthenticator("phone", 0)
	user := signup(t, p, first)

	second := newAuthenticator("laptop", 0)
	opts, err := p.StartRegistration(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, opts.UserID)
	updated, err := p.FinishRegistration(ctx, second.register(opts))
	require.NoError(t, err)
	assert.Equal(t, user.ID, updated.ID)
	assert.Len(t, updated.Identifiers, 2)

	// login scoped to the user
	opts, err = p.StartAuthentication(ctx, user.ID)
	require.NoError(t, err)
	got, err := p.Authenticate(ctx, &plugauth.Credentials{Params: map[string]string{"response": string(second.assert(opts))}})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = p.StartRegistration(ctx, "no-such-user")
	assert.ErrorIs(t, err, plugauth.ErrUserNotFound)
}

func TestStartAuthenticationWithoutPasskeys(t *testing.T) {
	ctx := context.Background()
	auth, p, _ := setup(t)
	user := &plugauth.User{ID: "u-1"}
	require.NoError(t, auth.Storage.Users.CreateUser(ctx, user))

	_, err := p.StartAuthentication(ctx, user.ID)
	assert.ErrorIs(t, err, plugauth.ErrCredentialNotFound)
}

func TestReplayedResponses(t *testing.T) {
	ctx := context.Background()
	_, p, _ := setup(t)
	dev := newAuthenticator("phone", 1)

	opts, err := p.StartRegistration(ctx, "")
	require.NoError(t, err)
	resp := dev.register(opts)
	_, err = p.FinishRegistration(ctx, resp)
	require.NoError(t, err)
	_, err = p.FinishRegistration(ctx, resp)
	assert.ErrorIs(t, err, plugauth.ErrReplayedFlow)

	opts, err = p.StartAuthentication(ctx, "")
	require.NoError(t, err)
	resp = dev.assert(opts)
	_, _, err = p.FinishAuthentication(ctx, resp)
	require.NoError(t, err)
	_, _, err = p.FinishAuthentication(ctx, resp)
	assert.ErrorIs(t, err, plugauth.ErrReplayedFlow)

	// a registration response cannot answer a login challenge
	opts, err = p.StartRegistration(ctx, "")
	require.NoError(t, err)
	_, _, err = p.FinishAuthentication(ctx, newAuthenticator("other", 0).register(opts))
	assert.ErrorIs(t, err, plugauth.ErrReplayedFlow)
}

func TestExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	_, p, clk := setup(t)
	dev := newAuthenticator("phone", 0)

	opts, err := p.StartRegistration(ctx, "")
	require.NoError(t, err)
	clk.Advance(plugauth.DefaultFlowTTL + time.Second)
	_, err = p.FinishRegistration(ctx, dev.register(opts))
	assert.ErrorIs(t, err, plugauth.ErrReplayedFlow)
}

func TestCloneDetection(t *testing.T) {
	_, p, _ := setup(t)
	dev := newAuthenticator("phone", 5)
	user := signup(t, p, dev)

	n := uint32(6)
	_, _, err := login(p, dev, &n)
	require.NoError(t, err)

	for _, count := range []uint32{6, 3, 0} {
		t.Run(fmt.Sprintf("count %d", count), func(t *testing.T) {
			c := count
			_, _, err := login(p, dev, &c)
			assert.ErrorIs(t, err, plugauth.ErrPossibleCloneDetected)
		})
	}

	// the stored counter is untouched by rejected assertions
	creds, err := p.Credentials(context.Background(), user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, creds[0].Data["sign_count"])

	n = 7
	_, _, err = login(p, dev, &n)
	assert.NoError(t, err)
}

func TestCounterlessAuthenticator(t *testing.T) {
	_, p, _ := setup(t)
	dev := newAuthenticator("key", 0)
	signup(t, p, dev)

	for i := 0; i < 3; i++ {
		_, _, err := login(p, dev, nil)
		require.NoError(t, err)
	}
}

func TestWrongKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	_, p, _ := setup(t)
	dev := newAuthenticator("phone", 1)
	signup(t, p, dev)

	forged := *dev
	forged.key = "attacker-key"
	opts, err := p.StartAuthentication(ctx, "")
	require.NoError(t, err)
	_, _, err = p.FinishAuthentication(ctx, forged.assert(opts))
	assert.ErrorIs(t, err, plugauth.ErrInvalidCredentials)

	unknown := newAuthenticator("unknown", 1)
	opts, err = p.StartAuthentication(ctx, "")
	require.NoError(t, err)
	_, _, err = p.FinishAuthentication(ctx, unknown.assert(opts))
	assert.ErrorIs(t, err, plugauth.ErrInvalidCredentials)

	// user handle pointing at somebody else
	forged = *dev
	forged.user = "someone-else"
	opts, err = p.StartAuthentication(ctx, "")
	require.NoError(t, err)
	_, _, err = p.FinishAuthentication(ctx, forged.assert(opts))
	assert.ErrorIs(t, err, plugauth.ErrInvalidCredentials)
}

func TestConcurrentAssertionsWithSameCounter(t *testing.T) {
	ctx := context.Background()
	_, p, _ := setup(t)
	dev := newAuthenticator("phone", 1)
	signup(t, p, dev)

	const n = 8
	responses := make([][]byte, n)
	for i := range responses {
		opts, err := p.StartAuthentication(ctx, "")
		require.NoError(t, err)
		responses[i] = dev.assertWith(opts, 2)
	}

	var ok, clones atomic.Int32
	var wg sync.WaitGroup
	for _, resp := range responses {
		wg.Add(1)
		go func(resp []byte) {
			defer wg.Done()
			_, _, err := p.FinishAuthentication(ctx, resp)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, plugauth.ErrPossibleCloneDetected):
				clones.Add(1)
			}
		}(resp)
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, clones.Load())
}

func TestAuthenticateThroughManager(t *testing.T) {
	ctx := context.Background()
	auth, p, _ := setup(t)
	dev := newAuthenticator("phone", 0)
	user := signup(t, p, dev)

	opts, err := p.StartAuthentication(ctx, "")
	require.NoError(t, err)
	creds := &plugauth.Credentials{Params: map[string]string{"response": string(dev.assert(opts))}}
	got, session, err := auth.Authenticate(ctx, passkey.Name, creds)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.ID, session.UserID)

	_, err = auth.Plugins.Authenticate(ctx, passkey.Name, &plugauth.Credentials{})
	assert.ErrorIs(t, err, plugauth.ErrInvalidPayload)

	pk, err := plugauth.PluginAs[*passkey.Plugin](auth.Plugins, passkey.Name)
	require.NoError(t, err)
	assert.Same(t, p, pk)
}

func TestSetupNeedsRelyingParty(t *testing.T) {
	auth, err := plugauth.New(nil, memory.New().Storage())
	require.NoError(t, err)
	require.NoError(t, auth.Register(passkey.New(plugauth.PasskeyConfig{})))
	err = auth.Start(context.Background())
	assert.ErrorIs(t, err, plugauth.ErrConfiguration)
}

func TestCheckSignCount(t *testing.T) {
	tests := []struct {
		stored, reported uint32
		ok               bool
	}{
		{0, 0, true},
		{0, 1, true},
		{5, 6, true},
		{5, 5, false},
		{5, 4, false},
		{5, 0, false},
	}
	for _, tt := range tests {
		err := passkey.CheckSignCount(tt.stored, tt.reported)
		if tt.ok {
			assert.NoError(t, err, "%d -> %d", tt.stored, tt.reported)
		} else {
			assert.ErrorIs(t, err, plugauth.ErrPossibleCloneDetected, "%d -> %d", tt.stored, tt.reported)
		}
	}
}
