// Copyright 2024-2026 Aiku AI

// Package passkey stores outstanding single-use access passkeys in a JSON
// file keyed by user ID.
package passkey

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/filestore"
)

// ErrNoPasskey is returned when the user has no outstanding passkey.
var ErrNoPasskey = errors.New("no outstanding passkey")

// Length is the number of characters in a generated passkey.
const Length = 8

// Record is one outstanding passkey.
type Record struct {
	Passkey   string             `json:"passkey"`
	CreatedAt jsontime.UnixMilli `json:"createdAt"`
	// Issuance identifies the grant that produced this passkey.
	Issuance string `json:"issuance"`
	Revealed bool   `json:"revealed"`
}

// Generate returns a new passkey: Length uppercase hex characters.
func Generate() string {
	return strings.ToUpper(hex.EncodeToString(random.Bytes(Length / 2)))
}

// Store is the file-backed passkey store. Every mutation rewrites the
// whole file atomically; if the write fails the in-memory state is rolled
// back so memory and disk never disagree.
type Store struct {
	doc *filestore.Document[map[control.UserID]Record]
	now func() time.Time

	mu      sync.Mutex
	records map[control.UserID]Record
}

// Open loads the store from path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	doc := filestore.NewDocument[map[control.UserID]Record](path)
	records, err := doc.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load passkeys: %w", err)
	}
	if records == nil {
		records = make(map[control.UserID]Record)
	}
	return &Store{doc: doc, now: time.Now, records: records}, nil
}

// Issue generates a passkey for user, replacing any previous one.
func (s *Store) Issue(ctx context.Context, user control.UserID) (Record, error) {
	rec := Record{
		Passkey:   Generate(),
		CreatedAt: jsontime.UM(s.now()),
		Issuance:  uuid.NewString(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, hadPrev := s.records[user]
	s.records[user] = rec
	if err := s.saveLocked(ctx); err != nil {
		if hadPrev {
			s.records[user] = prev
		} else {
			delete(s.records, user)
		}
		return Record{}, err
	}
	return rec, nil
}

// Get returns the outstanding record for user.
func (s *Store) Get(user control.UserID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[user]
	return rec, ok
}

// Users returns every user with an outstanding passkey.
func (s *Store) Users() []control.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]control.UserID, 0, len(s.records))
	for user := range s.records {
		users = append(users, user)
	}
	return users
}

// MarkRevealed records that the passkey has been sent to its owner.
func (s *Store) MarkRevealed(ctx context.Context, user control.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[user]
	if !ok {
		return ErrNoPasskey
	}
	if rec.Revealed {
		return nil
	}
	updated := rec
	updated.Revealed = true
	s.records[user] = updated
	if err := s.saveLocked(ctx); err != nil {
		s.records[user] = rec
		return err
	}
	return nil
}

// Remove deletes the passkey for user. Removing a missing passkey is a no-op.
func (s *Store) Remove(ctx context.Context, user control.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[user]
	if !ok {
		return nil
	}
	delete(s.records, user)
	if err := s.saveLocked(ctx); err != nil {
		s.records[user] = rec
		return err
	}
	return nil
}

// Consume removes the passkey if supplied matches it exactly. It reports
// whether the passkey matched. The comparison is constant-time. A storage
// failure leaves the passkey in place.
func (s *Store) Consume(ctx context.Context, user control.UserID, supplied string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[user]
	if !ok {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rec.Passkey), []byte(supplied)) != 1 {
		return false, nil
	}
	delete(s.records, user)
	if err := s.saveLocked(ctx); err != nil {
		s.records[user] = rec
		return false, err
	}
	return true, nil
}

func (s *Store) saveLocked(ctx context.Context) error {
	if err := s.doc.Save(ctx, maps.Clone(s.records)); err != nil {
		return fmt.Errorf("failed to save passkeys: %w", err)
	}
	return nil
}
