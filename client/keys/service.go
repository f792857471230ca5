// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package keys holds the session's key material and the session-scoped
// caches of peer public keys and pairwise shared secrets.
package keys

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/models"
)

var (
	// ErrKeyNotFound is returned by Directory implementations when a user
	// has not published a public key.
	ErrKeyNotFound = errors.New("public key not found")
	// ErrSessionNotReady means no private key has been established yet.
	ErrSessionNotReady = errors.New("session keys not established")
)

// Directory is the external public-key directory this core consumes.
type Directory interface {
	FetchPublicKey(ctx context.Context, userID string) (models.PortablePublicKey, error)
}

type secretCacheKey struct {
	conversationID string
	userID         string
}

// Service caches the session key pair, peer public keys and pairwise
// shared secrets. All caches are append-only for the life of the session
// and released only by Clear.
type Service struct {
	dir Directory
	log *zap.Logger

	mu      sync.Mutex
	current *e2ecrypto.KeyPair
	pubs    map[string]*ecdh.PublicKey
	secrets map[secretCacheKey][]byte
}

func NewService(dir Directory, log *zap.Logger) *Service {
	return &Service{
		dir:     dir,
		log:     log,
		pubs:    make(map[string]*ecdh.PublicKey),
		secrets: make(map[secretCacheKey][]byte),
	}
}

// Establish installs the session's derived key pair. Called once at
// session start by the authentication layer.
func (s *Service) Establish(kp *e2ecrypto.KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = kp
}

// CurrentKeys returns the session key pair. ok is false while the session
// is not yet established; callers must treat that as "not ready", not as
// an error.
func (s *Service) CurrentKeys() (*e2ecrypto.KeyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// UserPublicKey resolves a peer's public key from the session cache,
// falling back to the directory and caching the result.
func (s *Service) UserPublicKey(ctx context.Context, userID string) (*ecdh.PublicKey, error) {
	s.mu.Lock()
	if pub, ok := s.pubs[userID]; ok {
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	portable, err := s.dir.FetchPublicKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch public key for %s: %w", userID, err)
	}
	pub, err := e2ecrypto.ImportPublicKey(portable)
	if err != nil {
		return nil, fmt.Errorf("import public key for %s: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another resolution may have landed first; the cache is append-only,
	// so keep the existing entry.
	if cached, ok := s.pubs[userID]; ok {
		return cached, nil
	}
	s.pubs[userID] = pub
	s.log.Debug("cached peer public key", zap.String("user_id", userID))
	return pub, nil
}

// SharedSecretWith returns the pairwise shared secret with counterpartID
// for one conversation, deriving and caching it on first use.
func (s *Service) SharedSecretWith(ctx context.Context, conversationID, counterpartID string) ([]byte, error) {
	key := secretCacheKey{conversationID: conversationID, userID: counterpartID}

	s.mu.Lock()
	if secret, ok := s.secrets[key]; ok {
		s.mu.Unlock()
		return secret, nil
	}
	current := s.current
	s.mu.Unlock()

	if current == nil {
		return nil, ErrSessionNotReady
	}

	pub, err := s.UserPublicKey(ctx, counterpartID)
	if err != nil {
		return nil, err
	}
	secret, err := e2ecrypto.DeriveSharedSecret(current.Private, pub)
	if err != nil {
		return nil, fmt.Errorf("derive secret with %s: %w", counterpartID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.secrets[key]; ok {
		e2ecrypto.Zero(secret)
		return cached, nil
	}
	s.secrets[key] = secret
	return secret, nil
}

// Clear wipes all session key material. Called at logout; the service is
// reusable after a new Establish.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, secret := range s.secrets {
		e2ecrypto.Zero(secret)
		delete(s.secrets, k)
	}
	s.pubs = make(map[string]*ecdh.PublicKey)
	s.current = nil
	s.log.Debug("session key caches cleared")
}
