// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// FileSyncStore is a mautrix.SyncStore persisted as one JSON file per user.
// Keeping the next batch token across restarts is what stops the bridge
// from reprocessing old room messages.
type FileSyncStore struct {
	dir string

	lock  sync.Mutex
	state map[id.UserID]*syncState
}

type syncState struct {
	FilterID  string `json:"filter_id,omitempty"`
	NextBatch string `json:"next_batch,omitempty"`
}

var _ mautrix.SyncStore = (*FileSyncStore)(nil)

// NewFileSyncStore creates a store in dir. The directory is created lazily.
func NewFileSyncStore(dir string) *FileSyncStore {
	return &FileSyncStore{
		dir:   dir,
		state: make(map[id.UserID]*syncState),
	}
}

func (s *FileSyncStore) path(userID id.UserID) string {
	return filepath.Join(s.dir, "sync-"+url.PathEscape(string(userID))+".json")
}

// get returns the cached state of userID, reading it from disk on first use.
// Must be called with the lock held.
func (s *FileSyncStore) get(userID id.UserID) (*syncState, error) {
	if st, ok := s.state[userID]; ok {
		return st, nil
	}
	st := &syncState{}
	data, err := os.ReadFile(s.path(userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read sync store: %w", err)
	} else if err == nil {
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse sync store: %w", err)
		}
	}
	s.state[userID] = st
	return st, nil
}

func (s *FileSyncStore) save(userID id.UserID, st *syncState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal sync store: %w", err)
	}
	return writePrivateFile(s.path(userID), data)
}

func (s *FileSyncStore) SaveFilterID(_ context.Context, userID id.UserID, filterID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.get(userID)
	if err != nil {
		return err
	}
	st.FilterID = filterID
	return s.save(userID, st)
}

func (s *FileSyncStore) LoadFilterID(_ context.Context, userID id.UserID) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.get(userID)
	if err != nil {
		return "", err
	}
	return st.FilterID, nil
}

func (s *FileSyncStore) SaveNextBatch(_ context.Context, userID id.UserID, nextBatchToken string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.get(userID)
	if err != nil {
		return err
	}
	st.NextBatch = nextBatchToken
	return s.save(userID, st)
}

func (s *FileSyncStore) LoadNextBatch(_ context.Context, userID id.UserID) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.get(userID)
	if err != nil {
		return "", err
	}
	return st.NextBatch, nil
}

// Flush writes every cached state to disk again.
func (s *FileSyncStore) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	var errs []error
	for userID, st := range s.state {
		if err := s.save(userID, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
