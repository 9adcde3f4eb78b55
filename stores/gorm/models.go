//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panyam/plugauth"
)

// JSONMap is a helper type for storing JSON maps in GORM
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into JSONMap", value)
}

// StringMap stores session metadata
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into StringMap", value)
}

// UserModel is the GORM model for users
type UserModel struct {
	ID        string  `gorm:"primaryKey;size:64"`
	Profile   JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser(identifiers []string) *plugauth.User {
	return &plugauth.User{
		ID:          m.ID,
		Identifiers: identifiers,
		Profile:     m.Profile,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// CredentialModel is the GORM model for credentials.  The primary key on
// (method, identifier) is what makes an identity belong to one user only.
type CredentialModel struct {
	Method     string  `gorm:"primaryKey;size:32"`
	Identifier string  `gorm:"primaryKey;size:320"`
	UserID     string  `gorm:"size:64;index;not null"`
	Data       JSONMap `gorm:"type:jsonb"`
	Version    int     `gorm:"not null;default:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (CredentialModel) TableName() string {
	return "credentials"
}

func (m *CredentialModel) ToCredential() *plugauth.Credential {
	return &plugauth.Credential{
		UserID:     m.UserID,
		Method:     m.Method,
		Identifier: m.Identifier,
		Data:       m.Data,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Version:    m.Version,
	}
}

// SessionModel is the GORM model for sessions
type SessionModel struct {
	ID        string    `gorm:"primaryKey;size:128"`
	UserID    string    `gorm:"size:64;index;not null"`
	Method    string    `gorm:"size:32"`
	Metadata  StringMap `gorm:"type:jsonb"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}

func (m *SessionModel) ToSession() *plugauth.Session {
	return &plugauth.Session{
		ID:        m.ID,
		UserID:    m.UserID,
		Method:    m.Method,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

func SessionToModel(s *plugauth.Session) *SessionModel {
	return &SessionModel{
		ID:        s.ID,
		UserID:    s.UserID,
		Method:    s.Method,
		Metadata:  StringMap(s.Metadata),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// FlowStateModel is the GORM model for single use flow states
type FlowStateModel struct {
	Key       string `gorm:"column:flow_key;primaryKey;size:255"`
	Value     []byte
	ExpiresAt time.Time `gorm:"index"`
}

func (FlowStateModel) TableName() string {
	return "flow_states"
}
