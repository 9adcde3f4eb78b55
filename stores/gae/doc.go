//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of the plugauth
// storage ports.  It is designed for deployment on Google Cloud Platform and
// supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - User: User accounts with profile data and linked identifiers
//   - Credential: Per method credentials, keyed by method:identifier
//   - Session: Sessions issued by the session manager
//   - FlowState: OAuth flow states and passkey challenges
//
// Uniqueness of identities, version checked credential updates and single
// use flow states all rely on Datastore transactions.
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate data between tenants:
//
//	store := gae.New(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.New(client, "") // default namespace
//	auth, _ := plugauth.New(cfg, store.Storage())
package gae
