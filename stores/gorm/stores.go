//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/panyam/plugauth"
)

// AutoMigrate runs database migrations for all plugauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&CredentialModel{},
		&SessionModel{},
		&FlowStateModel{},
	)
}

// Store implements UserStore, SessionStore and FlowStateStore using GORM
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ plugauth.UserStore      = (*Store)(nil)
	_ plugauth.SessionStore   = (*Store)(nil)
	_ plugauth.FlowStateStore = (*Store)(nil)
	_ plugauth.Migrator       = (*Store)(nil)
)

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the clock used for timestamps and flow state expiry
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Storage() *plugauth.Storage {
	return &plugauth.Storage{Users: s, Sessions: s, Flows: s}
}

func (s *Store) Migrate(ctx context.Context) error {
	return AutoMigrate(s.db.WithContext(ctx))
}

// isDuplicate reports a unique constraint violation, whether or not the
// dialector translates errors
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// UserStore
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, user *plugauth.User) error {
	model := &UserModel{
		ID:        user.ID,
		Profile:   JSONMap(user.Profile),
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("user %s already exists", user.ID)
		}
		return err
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, userID string) (*plugauth.User, error) {
	db := s.db.WithContext(ctx)
	var model UserModel
	if err := db.First(&model, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, plugauth.ErrUserNotFound
		}
		return nil, err
	}
	var creds []*CredentialModel
	if err := db.Select("method", "identifier").Where("user_id = ?", userID).Find(&creds).Error; err != nil {
		return nil, err
	}
	identifiers := make([]*plugauth.Credential, len(creds))
	for i, c := range creds {
		identifiers[i] = c.ToCredential()
	}
	return model.ToUser(plugauth.SortedIdentifiers(identifiers)), nil
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

func (s *Store) LinkCredential(ctx context.Context, userID, method, identifier string, data map[string]any) (*plugauth.Credential, error) {
	now := s.now()
	model := &CredentialModel{
		Method:     method,
		Identifier: identifier,
		UserID:     userID,
		Data:       JSONMap(data),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user UserModel
		if err := tx.Select("id").First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return plugauth.ErrUserNotFound
			}
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			if isDuplicate(err) {
				return plugauth.ErrDuplicateIdentity
			}
			return err
		}
		return tx.Model(&UserModel{}).Where("id = ?", userID).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return model.ToCredential(), nil
}

func (s *Store) FindCredential(ctx context.Context, method, identifier string) (*plugauth.Credential, error) {
	var model CredentialModel
	if err := s.db.WithContext(ctx).First(&model, "method = ? AND identifier = ?", method, identifier).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, plugauth.ErrCredentialNotFound
		}
		return nil, err
	}
	return model.ToCredential(), nil
}

func (s *Store) ListCredentials(ctx context.Context, userID, method string) ([]*plugauth.Credential, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if method != "" {
		q = q.Where("method = ?", method)
	}
	var models []CredentialModel
	if err := q.Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	creds := make([]*plugauth.Credential, len(models))
	for i := range models {
		creds[i] = models[i].ToCredential()
	}
	return creds, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *plugauth.Credential) error {
	db := s.db.WithContext(ctx)
	now := s.now()
	res := db.Model(&CredentialModel{}).
		Where("method = ? AND identifier = ? AND version = ?", cred.Method, cred.Identifier, cred.Version).
		Updates(map[string]any{
			"data":       JSONMap(cred.Data),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindCredential(ctx, cred.Method, cred.Identifier); err != nil {
			return err
		}
		return plugauth.ErrVersionConflict
	}
	cred.Version++
	cred.UpdatedAt = now
	return nil
}

// =============================================================================
// SessionStore
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, session *plugauth.Session) error {
	return s.db.WithContext(ctx).Create(SessionToModel(session)).Error
}

func (s *Store) FindSession(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, plugauth.ErrSessionNotFound
		}
		return nil, err
	}
	return model.ToSession(), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Delete(&SessionModel{}, "id = ?", sessionID).Error
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Delete(&SessionModel{}, "expires_at <= ?", now)
	return int(res.RowsAffected), res.Error
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", sessionID).Update("expires_at", expiresAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return plugauth.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&SessionModel{}, "user_id = ?", userID).Error
}

// =============================================================================
// FlowStateStore
// =============================================================================

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.WithContext(ctx).Save(&FlowStateModel{Key: key, Value: value, ExpiresAt: s.now().Add(ttl)}).Error
}

// Take reads and deletes the row in one transaction.  Of several concurrent
// takers only the one whose delete removed the row gets the value.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	var model FlowStateModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "flow_key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return plugauth.ErrFlowStateNotFound
			}
			return err
		}
		res := tx.Delete(&FlowStateModel{}, "flow_key = ?", key)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return plugauth.ErrFlowStateNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !s.now().Before(model.ExpiresAt) {
		return nil, plugauth.ErrFlowStateNotFound
	}
	return model.Value, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Delete(&FlowStateModel{}, "expires_at <= ?", s.now())
	return int(res.RowsAffected), res.Error
}
