//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of the plugauth storage
// ports.  It supports any database that GORM supports (PostgreSQL, MySQL,
// SQLite, etc.) and is suitable for production deployments requiring
// relational database storage.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: User accounts
//   - credentials: Per method credentials, one row per (method, identifier)
//   - sessions: Sessions issued by the session manager
//   - flow_states: OAuth flow states and passkey challenges
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	store := gormstore.New(db)
//	auth, _ := plugauth.New(cfg, store.Storage())
package gorm
