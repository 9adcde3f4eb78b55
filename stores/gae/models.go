//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"

	"github.com/panyam/plugauth"
)

// UserEntity is the Datastore entity for users
type UserEntity struct {
	Key         *datastore.Key `datastore:"__key__"`
	Identifiers []string       `datastore:"identifiers,noindex"`
	Profile     []byte         `datastore:"profile,noindex"` // JSON encoded
	CreatedAt   time.Time      `datastore:"created_at"`
	UpdatedAt   time.Time      `datastore:"updated_at"`
}

func (e *UserEntity) ToUser() *plugauth.User {
	var profile map[string]any
	if e.Profile != nil {
		json.Unmarshal(e.Profile, &profile)
	}
	return &plugauth.User{
		ID:          e.Key.Name,
		Identifiers: e.Identifiers,
		Profile:     profile,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// CredentialEntity is the Datastore entity for credentials
// Key format: Method + ":" + Identifier
type CredentialEntity struct {
	Key        *datastore.Key `datastore:"__key__"`
	UserID     string         `datastore:"user_id"`
	Method     string         `datastore:"method"`
	Identifier string         `datastore:"identifier"`
	Data       []byte         `datastore:"data,noindex"` // JSON encoded
	CreatedAt  time.Time      `datastore:"created_at"`
	UpdatedAt  time.Time      `datastore:"updated_at"`
	Version    int            `datastore:"version"`
}

func (e *CredentialEntity) ToCredential() *plugauth.Credential {
	var data map[string]any
	if e.Data != nil {
		json.Unmarshal(e.Data, &data)
	}
	return &plugauth.Credential{
		UserID:     e.UserID,
		Method:     e.Method,
		Identifier: e.Identifier,
		Data:       data,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		Version:    e.Version,
	}
}

// SessionEntity is the Datastore entity for sessions
type SessionEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    string         `datastore:"user_id"`
	Method    string         `datastore:"method,noindex"`
	Metadata  []byte         `datastore:"metadata,noindex"` // JSON encoded
	CreatedAt time.Time      `datastore:"created_at"`
	ExpiresAt time.Time      `datastore:"expires_at"`
}

func (e *SessionEntity) ToSession() *plugauth.Session {
	var metadata map[string]string
	if e.Metadata != nil {
		json.Unmarshal(e.Metadata, &metadata)
	}
	return &plugauth.Session{
		ID:        e.Key.Name,
		UserID:    e.UserID,
		Method:    e.Method,
		Metadata:  metadata,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

func SessionToEntity(s *plugauth.Session, key *datastore.Key) *SessionEntity {
	var metadata []byte
	if s.Metadata != nil {
		metadata, _ = json.Marshal(s.Metadata)
	}
	return &SessionEntity{
		Key:       key,
		UserID:    s.UserID,
		Method:    s.Method,
		Metadata:  metadata,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// FlowStateEntity is the Datastore entity for single use flow states
type FlowStateEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Value     []byte         `datastore:"value,noindex"`
	ExpiresAt time.Time      `datastore:"expires_at"`
}
