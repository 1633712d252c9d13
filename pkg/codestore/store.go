// pkg/codestore/store.go

// Package codestore holds the opaque codes the proxy hands to tenant
// connectors in place of provider codes and refresh tokens.
package codestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authproxy/pkg/store"
)

var (
	// ErrNotFound wraps store.ErrNotFound so store.AwaitDeleted can probe codes.
	ErrNotFound = fmt.Errorf("code: %w", store.ErrNotFound)
	// ErrMismatch means the code exists but is bound to other client credentials.
	ErrMismatch = errors.New("code: client mismatch")
)

type Kind string

const (
	KindCode         Kind = "code"
	KindRefreshToken Kind = "refresh_token"
)

// Payload is the provider value an opaque code stands for.
type Payload struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Entry binds a code to the tenant connector's client pair. The secret is
// kept only as a SHA-256 hex digest.
type Entry struct {
	Code       string    `json:"code"`
	ClientID   string    `json:"clientId"`
	SecretHash string    `json:"secretHash"`
	Payload    Payload   `json:"payload"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Store interface {
	Put(ctx context.Context, e Entry) error
	// Get returns ErrNotFound for unknown or expired codes.
	Get(ctx context.Context, code string) (Entry, error)
	Delete(ctx context.Context, code string) error
}
