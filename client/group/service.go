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

// Package group generates, distributes and unwraps versioned symmetric
// group keys. The raw key is wrapped per member under the pairwise shared
// secret between the distributor and that member; the backend only ever
// sees wrapped copies.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/client/keys"
	"github.com/jobtrail/e2ecore/models"
)

// ErrNoGroupKey means no wrapped copy of the requested key version exists
// for this user. The member must wait for distribution or a retry.
var ErrNoGroupKey = errors.New("no group key for this member and version")

// Store is the backend surface the group key service needs.
type Store interface {
	SaveWrappedKey(ctx context.Context, wk models.WrappedGroupKey) error
	WrappedKeyFor(ctx context.Context, conversationID, memberID string, version int) (*models.WrappedGroupKey, error)
	SetMemberKeyStatus(ctx context.Context, conversationID, memberID string, status models.KeyStatus) error
	BumpKeyVersion(ctx context.Context, conversationID string) (int, error)
	PendingMembers(ctx context.Context, conversationID string) ([]string, error)
}

// DistributionResult reports a per-member wrap batch. Partial failure is
// non-fatal: successes are never rolled back, and members in Pending are
// left with key_status = pending for a later retry.
type DistributionResult struct {
	Successful []string
	Pending    []string
}

type cacheKey struct {
	conversationID string
	version        int
}

// Service wraps and unwraps group keys. Unwrapped keys are cached per
// (conversation, version) for the session.
type Service struct {
	selfID string
	keys   *keys.Service
	store  Store
	log    *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey][]byte
}

func NewService(selfID string, ks *keys.Service, store Store, log *zap.Logger) *Service {
	return &Service{
		selfID: selfID,
		keys:   ks,
		store:  store,
		log:    log,
		cache:  make(map[cacheKey][]byte),
	}
}

// GenerateGroupKey returns a fresh symmetric key, independent of any
// pairwise secret.
func (s *Service) GenerateGroupKey() ([]byte, error) {
	return e2ecrypto.GenerateSymmetricKey()
}

// Distribute wraps groupKey for every member and persists one
// WrappedGroupKey per member. A member whose wrap or save fails is
// recorded as pending and does not abort the batch.
func (s *Service) Distribute(ctx context.Context, groupKey []byte, conversationID string, version int, memberIDs []string) DistributionResult {
	var result DistributionResult
	for _, memberID := range memberIDs {
		if err := s.wrapFor(ctx, groupKey, conversationID, version, memberID); err != nil {
			s.log.Warn("group key wrap failed",
				zap.String("conversation_id", conversationID),
				zap.String("member_id", memberID),
				zap.Int("version", version),
				zap.Error(err))
			result.Pending = append(result.Pending, memberID)
			if err := s.store.SetMemberKeyStatus(ctx, conversationID, memberID, models.KeyStatusPending); err != nil {
				s.log.Warn("mark pending failed", zap.String("member_id", memberID), zap.Error(err))
			}
			continue
		}
		result.Successful = append(result.Successful, memberID)
		if err := s.store.SetMemberKeyStatus(ctx, conversationID, memberID, models.KeyStatusActive); err != nil {
			s.log.Warn("mark active failed", zap.String("member_id", memberID), zap.Error(err))
		}
	}

	s.remember(conversationID, version, groupKey)
	return result
}

// Rotate generates a strictly greater key version and redistributes a
// fresh key to the remaining members only. Call after every membership
// removal; the removed user must not appear in remaining.
func (s *Service) Rotate(ctx context.Context, conversationID string, remaining []string) (int, DistributionResult, error) {
	version, err := s.store.BumpKeyVersion(ctx, conversationID)
	if err != nil {
		return 0, DistributionResult{}, fmt.Errorf("bump key version: %w", err)
	}
	groupKey, err := s.GenerateGroupKey()
	if err != nil {
		return 0, DistributionResult{}, err
	}
	result := s.Distribute(ctx, groupKey, conversationID, version, remaining)
	s.log.Info("group key rotated",
		zap.String("conversation_id", conversationID),
		zap.Int("version", version),
		zap.Int("members", len(remaining)),
		zap.Int("pending", len(result.Pending)))
	return version, result, nil
}

// RetryPending re-wraps the given key version for members stuck in
// pending status. Invoked explicitly, typically by the application's
// connectivity observer alongside the offline queue hooks.
func (s *Service) RetryPending(ctx context.Context, conversationID string, version int) (DistributionResult, error) {
	pending, err := s.store.PendingMembers(ctx, conversationID)
	if err != nil {
		return DistributionResult{}, fmt.Errorf("list pending members: %w", err)
	}
	if len(pending) == 0 {
		return DistributionResult{}, nil
	}
	groupKey, err := s.GroupKeyFor(ctx, conversationID, version)
	if err != nil {
		return DistributionResult{}, err
	}
	return s.Distribute(ctx, groupKey, conversationID, version, pending), nil
}

// GroupKeyFor returns the raw group key for one version, unwrapping this
// user's WrappedGroupKey on first use and caching it for the session.
func (s *Service) GroupKeyFor(ctx context.Context, conversationID string, version int) ([]byte, error) {
	s.mu.Lock()
	if key, ok := s.cache[cacheKey{conversationID, version}]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	wk, err := s.store.WrappedKeyFor(ctx, conversationID, s.selfID, version)
	if err != nil {
		return nil, fmt.Errorf("fetch wrapped key v%d: %w", version, err)
	}
	if wk == nil {
		return nil, ErrNoGroupKey
	}
	secret, err := s.keys.SharedSecretWith(ctx, conversationID, wk.DistributorID)
	if err != nil {
		return nil, err
	}
	groupKey, err := e2ecrypto.DecryptMessage(wk.Ciphertext, wk.IV, secret)
	if err != nil {
		return nil, fmt.Errorf("unwrap group key v%d: %w", version, err)
	}

	s.remember(conversationID, version, groupKey)
	return groupKey, nil
}

// Clear wipes the unwrapped key cache at session teardown.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, key := range s.cache {
		e2ecrypto.Zero(key)
		delete(s.cache, k)
	}
}

func (s *Service) wrapFor(ctx context.Context, groupKey []byte, conversationID string, version int, memberID string) error {
	secret, err := s.keys.SharedSecretWith(ctx, conversationID, memberID)
	if err != nil {
		return err
	}
	sealed, err := e2ecrypto.EncryptMessage(groupKey, secret)
	if err != nil {
		return err
	}
	return s.store.SaveWrappedKey(ctx, models.WrappedGroupKey{
		ConversationID: conversationID,
		MemberID:       memberID,
		DistributorID:  s.selfID,
		Version:        version,
		Ciphertext:     sealed.Ciphertext,
		IV:             sealed.IV,
	})
}

func (s *Service) remember(conversationID string, version int, groupKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[cacheKey{conversationID, version}]; !ok {
		s.cache[cacheKey{conversationID, version}] = groupKey
	}
}
