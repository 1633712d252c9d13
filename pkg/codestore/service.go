// pkg/codestore/service.go
package codestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

// Service issues and redeems opaque codes on top of a Store.
type Service struct {
	store      Store
	codeTTL    time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(s Store, codeTTL, refreshTTL time.Duration) *Service {
	return &Service{store: s, codeTTL: codeTTL, refreshTTL: refreshTTL, now: time.Now}
}

// Issue stores p under a fresh code bound to (clientID, clientSecret).
func (s *Service) Issue(ctx context.Context, clientID, clientSecret string, p Payload) (string, error) {
	code, err := newCode()
	if err != nil {
		return "", err
	}
	ttl := s.codeTTL
	if p.Kind == KindRefreshToken {
		ttl = s.refreshTTL
	}
	e := Entry{Code: code, ClientID: clientID, SecretHash: hashSecret(clientSecret), Payload: p}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl)
	}
	if err := s.store.Put(ctx, e); err != nil {
		return "", err
	}
	return code, nil
}

// Redeem returns the entry for code if it is bound to the given client pair.
// The entry is left in place; callers discard single-use codes themselves.
func (s *Service) Redeem(ctx context.Context, code, clientID, clientSecret string) (Entry, error) {
	e, err := s.store.Get(ctx, code)
	if err != nil {
		return Entry{}, err
	}
	idOK := subtle.ConstantTimeCompare([]byte(e.ClientID), []byte(clientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(e.SecretHash), []byte(hashSecret(clientSecret))) == 1
	if !idOK || !secretOK {
		return Entry{}, ErrMismatch
	}
	return e, nil
}

// Discard deletes code. When clientID is non-empty the entry must belong to
// it; an unknown code is not an error.
func (s *Service) Discard(ctx context.Context, code, clientID string) error {
	if clientID != "" {
		e, err := s.store.Get(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(e.ClientID), []byte(clientID)) != 1 {
			return ErrMismatch
		}
	}
	return s.store.Delete(ctx, code)
}

// Probe reports ErrNotFound once code is no longer readable.
func (s *Service) Probe(ctx context.Context, code string) error {
	_, err := s.store.Get(ctx, code)
	return err
}

func newCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
