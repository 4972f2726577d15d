// Package memauth is an in-memory collab.AuthStore, standing in for the
// out-of-scope user/auth service (spec.md §1) — enough to run the shard
// standalone and in tests.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package memauth

import (
	"context"
	"sync"
)

type Store struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> user id
}

func New() *Store { return &Store{tokens: make(map[string]string)} }

// Add registers token as belonging to userID. Re-adding the same token
// under a different user overwrites the mapping.
func (s *Store) Add(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

func (s *Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

func (s *Store) Authenticate(_ context.Context, token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.tokens[token]
	return userID, ok
}
