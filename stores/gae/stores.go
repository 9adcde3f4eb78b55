//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/plugauth"
)

// Kind constants for Datastore entities
const (
	KindUser       = "User"
	KindCredential = "Credential"
	KindSession    = "Session"
	KindFlowState  = "FlowState"
)

// Datastore caps a single DeleteMulti call
const deleteBatch = 500

// Store implements UserStore, SessionStore and FlowStateStore using Google
// Cloud Datastore
type Store struct {
	client    *datastore.Client
	namespace string
	now       func() time.Time
}

var (
	_ plugauth.UserStore      = (*Store)(nil)
	_ plugauth.SessionStore   = (*Store)(nil)
	_ plugauth.FlowStateStore = (*Store)(nil)
)

// New creates a Datastore-backed store.  An empty namespace is the default
// namespace.
func New(client *datastore.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace, now: time.Now}
}

// WithClock replaces the clock used for timestamps and flow state expiry
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Storage() *plugauth.Storage {
	return &plugauth.Storage{Users: s, Sessions: s, Flows: s}
}

func (s *Store) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *Store) query(kind string) *datastore.Query {
	query := datastore.NewQuery(kind)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	return query
}

func (s *Store) deleteKeys(ctx context.Context, keys []*datastore.Key) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		if err := s.client.DeleteMulti(ctx, keys[:n]); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

// ============================================================================
// UserStore
// ============================================================================

func (s *Store) CreateUser(ctx context.Context, user *plugauth.User) error {
	key := s.namespacedKey(KindUser, user.ID)

	var profileBytes []byte
	if user.Profile != nil {
		profileBytes, _ = json.Marshal(user.Profile)
	}
	entity := &UserEntity{
		Key:       key,
		Profile:   profileBytes,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing UserEntity
		if err := tx.Get(key, &existing); err == nil {
			return fmt.Errorf("user %s already exists", user.ID)
		} else if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err := tx.Put(key, entity)
		return err
	})
	return err
}

func (s *Store) FindUserByID(ctx context.Context, userID string) (*plugauth.User, error) {
	var entity UserEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUser, userID), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, plugauth.ErrUserNotFound
		}
		return nil, err
	}
	return entity.ToUser(), nil
}

func (s *Store) FindUserByCredential(ctx context.Context, method, identifier string) (*plugauth.User, error) {
	cred, err := s.FindCredential(ctx, method, identifier)
	if err != nil {
		if errors.Is(err, plugauth.ErrCredentialNotFound) {
			return nil, plugauth.ErrUserNotFound
		}
		return nil, err
	}
	return s.FindUserByID(ctx, cred.UserID)
}

// LinkCredential writes the credential and the user's identifier list in one
// transaction.  A concurrent link of the same identity makes one transaction
// retry, and the retry sees the credential and fails as a duplicate.
func (s *Store) LinkCredential(ctx context.Context, userID, method, identifier string, data map[string]any) (*plugauth.Credential, error) {
	userKey := s.namespacedKey(KindUser, userID)
	credKey := s.namespacedKey(KindCredential, plugauth.IdentityKey(method, identifier))

	var dataBytes []byte
	if data != nil {
		var err error
		if dataBytes, err = json.Marshal(data); err != nil {
			return nil, err
		}
	}

	now := s.now()
	entity := &CredentialEntity{
		Key:        credKey,
		UserID:     userID,
		Method:     method,
		Identifier: identifier,
		Data:       dataBytes,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var user UserEntity
		if err := tx.Get(userKey, &user); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return plugauth.ErrUserNotFound
			}
			return err
		}
		var existing CredentialEntity
		if err := tx.Get(credKey, &existing); err == nil {
			return plugauth.ErrDuplicateIdentity
		} else if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		if _, err := tx.Put(credKey, entity); err != nil {
			return err
		}
		user.Identifiers = append(user.Identifiers, plugauth.IdentityKey(method, identifier))
		slices.Sort(user.Identifiers)
		user.UpdatedAt = now
		_, err := tx.Put(userKey, &user)
		return err
	}, datastore.MaxAttempts(10))
	if err != nil {
		return nil, err
	}
	return entity.ToCredential(), nil
}

func (s *Store) FindCredential(ctx context.Context, method, identifier string) (*plugauth.Credential, error) {
	var entity CredentialEntity
	key := s.namespacedKey(KindCredential, plugauth.IdentityKey(method, identifier))
	if err := s.client.Get(ctx, key, &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, plugauth.ErrCredentialNotFound
		}
		return nil, err
	}
	return entity.ToCredential(), nil
}

func (s *Store) ListCredentials(ctx context.Context, userID, method string) ([]*plugauth.Credential, error) {
	query := s.query(KindCredential).FilterField("user_id", "=", userID)
	if method != "" {
		query = query.FilterField("method", "=", method)
	}

	var creds []*plugauth.Credential
	it := s.client.Run(ctx, query)
	for {
		var entity CredentialEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		creds = append(creds, entity.ToCredential())
	}
	slices.SortFunc(creds, func(a, b *plugauth.Credential) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return creds, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *plugauth.Credential) error {
	key := s.namespacedKey(KindCredential, cred.Key())
	dataBytes, err := json.Marshal(cred.Data)
	if err != nil {
		return err
	}
	now := s.now()
	var version int
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity CredentialEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return plugauth.ErrCredentialNotFound
			}
			return err
		}
		if entity.Version != cred.Version {
			return plugauth.ErrVersionConflict
		}
		entity.Data = dataBytes
		entity.Version++
		entity.UpdatedAt = now
		version = entity.Version
		_, err := tx.Put(key, &entity)
		return err
	})
	if err != nil {
		return err
	}
	cred.Version = version
	cred.UpdatedAt = now
	return nil
}

// ============================================================================
// SessionStore
// ============================================================================

func (s *Store) CreateSession(ctx context.Context, session *plugauth.Session) error {
	key := s.namespacedKey(KindSession, session.ID)
	_, err := s.client.Put(ctx, key, SessionToEntity(session, key))
	return err
}

func (s *Store) FindSession(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	var entity SessionEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindSession, sessionID), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, plugauth.ErrSessionNotFound
		}
		return nil, err
	}
	return entity.ToSession(), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Delete(ctx, s.namespacedKey(KindSession, sessionID))
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := s.query(KindSession).FilterField("expires_at", "<=", now).KeysOnly()
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	return len(keys), s.deleteKeys(ctx, keys)
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	key := s.namespacedKey(KindSession, sessionID)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity SessionEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return plugauth.ErrSessionNotFound
			}
			return err
		}
		entity.ExpiresAt = expiresAt
		_, err := tx.Put(key, &entity)
		return err
	})
	return err
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	query := s.query(KindSession).FilterField("user_id", "=", userID).KeysOnly()
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return err
	}
	return s.deleteKeys(ctx, keys)
}

// ============================================================================
// FlowStateStore
// ============================================================================

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	dsKey := s.namespacedKey(KindFlowState, key)
	_, err := s.client.Put(ctx, dsKey, &FlowStateEntity{Key: dsKey, Value: value, ExpiresAt: s.now().Add(ttl)})
	return err
}

// Take gets and deletes the entity in one transaction.  Concurrent takers
// conflict on commit, and the retried loser no longer finds the entity.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	dsKey := s.namespacedKey(KindFlowState, key)
	var entity FlowStateEntity
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(dsKey, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return plugauth.ErrFlowStateNotFound
			}
			return err
		}
		return tx.Delete(dsKey)
	}, datastore.MaxAttempts(10))
	if err != nil {
		return nil, err
	}
	if !s.now().Before(entity.ExpiresAt) {
		return nil, plugauth.ErrFlowStateNotFound
	}
	return entity.Value, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	query := s.query(KindFlowState).FilterField("expires_at", "<=", s.now()).KeysOnly()
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	return len(keys), s.deleteKeys(ctx, keys)
}
