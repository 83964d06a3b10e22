// Copyright 2024-2026 Aiku AI

// Package archive is the deleted-message store: a per-session directory of
// captured payload files plus an append-only CBOR index.
package archive

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/filestore"
	"github.com/aiku/wakeeper/pkg/keylock"
)

const indexFile = "index.cbor"

var (
	// ErrInvalidKey is returned for user IDs that cannot be used as a
	// directory name.
	ErrInvalidKey = errors.New("invalid archive key")
	// ErrDigestMismatch is returned when a payload file no longer matches
	// the digest recorded at capture time.
	ErrDigestMismatch = errors.New("archived payload digest mismatch")
)

// Kind classifies a captured payload.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// IsMedia reports whether payloads of this kind are files for display.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindVoice, KindDocument:
		return true
	default:
		return false
	}
}

// Payload is the content handed to Append.
type Payload struct {
	Kind     Kind
	Data     []byte
	FileName string
	MimeType string
}

// Entry is one index record. Entries are immutable once written.
type Entry struct {
	CapturedAt int64  `cbor:"1,keyasint"`
	Kind       Kind   `cbor:"2,keyasint"`
	File       string `cbor:"3,keyasint"`
	Size       int64  `cbor:"4,keyasint"`
	Digest     Digest `cbor:"5,keyasint"`
	Compressed bool   `cbor:"6,keyasint,omitempty"`
	FileName   string `cbor:"7,keyasint,omitempty"`
	MimeType   string `cbor:"8,keyasint,omitempty"`
}

// Time returns the capture time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.CapturedAt)
}

// Options configures a Store.
type Options struct {
	// Compress stores payloads zstd-compressed when that makes them smaller.
	Compress bool
	Retry    filestore.Retry
}

// Store is the deleted-message store rooted at one directory.
type Store struct {
	root     string
	compress bool
	retry    filestore.Retry
	now      func() time.Time
	log      zerolog.Logger

	locks *keylock.Map[control.SessionKey]
	// last holds the newest capturedAt per key, seeded from the index on
	// first use.
	last *exsync.Map[control.SessionKey, int64]
}

// New returns a store rooted at root.
func New(root string, opts Options, log zerolog.Logger) *Store {
	retry := opts.Retry
	if retry.Attempts == 0 {
		retry = filestore.DefaultRetry
	}
	return &Store{
		root:     root,
		compress: opts.Compress,
		retry:    retry,
		now:      time.Now,
		log:      log.With().Str("component", "archive").Logger(),
		locks:    keylock.New[control.SessionKey](),
		last:     exsync.NewMap[control.SessionKey, int64](),
	}
}

func validPathPart(part string) bool {
	return part != "" && part != "." && part != ".." &&
		!strings.ContainsAny(part, `/\`) && !strings.ContainsRune(part, 0)
}

func (s *Store) userDir(user control.UserID) (string, error) {
	if !validPathPart(string(user)) {
		return "", fmt.Errorf("%w: user %q", ErrInvalidKey, user)
	}
	return filepath.Join(s.root, string(user)), nil
}

func (s *Store) keyDir(key control.SessionKey) (string, error) {
	userDir, err := s.userDir(key.User)
	if err != nil {
		return "", err
	}
	if key.Remote == "" || control.SafeNumber(string(key.Remote)) != string(key.Remote) {
		return "", fmt.Errorf("%w: remote %q", ErrInvalidKey, key.Remote)
	}
	return filepath.Join(userDir, string(key.Remote)), nil
}

func fileNameFor(capturedAt int64, kind Kind, compressed bool) string {
	ts := strconv.FormatInt(capturedAt, 10)
	var name string
	switch {
	case kind == KindText:
		name = ts + ".txt"
	case kind.IsMedia():
		name = ts + "-" + string(kind)
	default:
		name = ts + ".dat"
	}
	if compressed {
		name += ".zst"
	}
	return name
}

// Append stores one captured payload and returns its index entry. The
// capture time is strictly greater than every earlier capture for key.
func (s *Store) Append(ctx context.Context, key control.SessionKey, p Payload) (Entry, error) {
	dir, err := s.keyDir(key)
	if err != nil {
		return Entry{}, err
	}
	if p.Kind == "" {
		p.Kind = KindOther
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	last, err := s.seedLocked(key, dir)
	if err != nil {
		return Entry{}, err
	}
	capturedAt := max(s.now().UnixMilli(), last+1)

	entry := Entry{
		CapturedAt: capturedAt,
		Kind:       p.Kind,
		Size:       int64(len(p.Data)),
		Digest:     digestOf(p.Data),
		FileName:   p.FileName,
		MimeType:   p.MimeType,
	}
	stored := p.Data
	if s.compress {
		if compressed, err := compressZstd(p.Data); err == nil {
			stored = compressed
			entry.Compressed = true
		}
	}
	entry.File = fileNameFor(capturedAt, p.Kind, entry.Compressed)

	payloadPath := filepath.Join(dir, entry.File)
	err = s.retry.Do(ctx, func() error {
		return filestore.WriteAtomic(payloadPath, stored, 0o600)
	})
	if err != nil {
		return Entry{}, &filestore.StorageError{Op: "write", Path: payloadPath, Err: err}
	}

	record, err := encodeEntry(entry)
	if err != nil {
		_ = os.Remove(payloadPath)
		return Entry{}, err
	}
	indexPath := filepath.Join(dir, indexFile)
	err = s.retry.Do(ctx, func() error {
		return appendRecord(indexPath, record)
	})
	if err != nil {
		_ = os.Remove(payloadPath)
		return Entry{}, &filestore.StorageError{Op: "append", Path: indexPath, Err: err}
	}

	s.last.Set(key, capturedAt)
	s.log.Debug().
		Str("key", key.String()).
		Str("kind", string(p.Kind)).
		Int64("captured_at", capturedAt).
		Bool("compressed", entry.Compressed).
		Msg("Captured message")
	return entry, nil
}

// appendRecord appends one record and fsyncs. A failed write is truncated
// away so a retry never leaves a torn record in the middle of the index.
func appendRecord(path string, record []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err = f.Write(record); err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Truncate(info.Size())
		_ = f.Close()
		return err
	}
	return f.Close()
}

// seedLocked returns the newest capturedAt for key, reading the index on
// first use and dropping a torn trailing record if one is found.
func (s *Store) seedLocked(key control.SessionKey, dir string) (int64, error) {
	if last, ok := s.last.Get(key); ok {
		return last, nil
	}
	indexPath := filepath.Join(dir, indexFile)
	data, err := os.ReadFile(indexPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, &filestore.StorageError{Op: "read", Path: indexPath, Err: err}
	}
	entries, valid := decodeIndex(data)
	if valid < len(data) {
		s.log.Warn().
			Str("key", key.String()).
			Int("valid_bytes", valid).
			Int("total_bytes", len(data)).
			Msg("Dropping torn index tail")
		if err := os.Truncate(indexPath, int64(valid)); err != nil {
			return 0, &filestore.StorageError{Op: "truncate", Path: indexPath, Err: err}
		}
	}
	var last int64
	for _, e := range entries {
		last = max(last, e.CapturedAt)
	}
	s.last.Set(key, last)
	return last, nil
}

// List returns every entry for key in capture order.
func (s *Store) List(key control.SessionKey) ([]Entry, error) {
	dir, err := s.keyDir(key)
	if err != nil {
		return nil, err
	}
	indexPath := filepath.Join(dir, indexFile)
	data, err := os.ReadFile(indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, &filestore.StorageError{Op: "read", Path: indexPath, Err: err}
	}
	entries, _ := decodeIndex(data)
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.CapturedAt, b.CapturedAt)
	})
	return entries, nil
}

// Read returns the uncompressed payload for an entry after checking its digest.
func (s *Store) Read(key control.SessionKey, e Entry) ([]byte, error) {
	dir, err := s.keyDir(key)
	if err != nil {
		return nil, err
	}
	if !validPathPart(e.File) {
		return nil, fmt.Errorf("%w: file %q", ErrInvalidKey, e.File)
	}
	path := filepath.Join(dir, e.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &filestore.StorageError{Op: "read", Path: path, Err: err}
	}
	if e.Compressed {
		if data, err = decompressZstd(data, e.Size); err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", e.File, err)
		}
	}
	if digest := digestOf(data); !bytes.Equal(digest[:], e.Digest[:]) {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, e.File)
	}
	return data, nil
}

// Clear irrevocably deletes every entry for key.
func (s *Store) Clear(ctx context.Context, key control.SessionKey) error {
	dir, err := s.keyDir(key)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	err = s.retry.Do(ctx, func() error {
		return os.RemoveAll(dir)
	})
	if err != nil {
		return &filestore.StorageError{Op: "remove", Path: dir, Err: err}
	}
	// Keep the in-memory high-water mark so capture order never regresses.
	s.log.Info().Str("key", key.String()).Msg("Cleared archive")
	return nil
}

// Identities lists the remote identities that have an archive for user.
func (s *Store) Identities(user control.UserID) ([]control.RemoteID, error) {
	dir, err := s.userDir(user)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, &filestore.StorageError{Op: "list", Path: dir, Err: err}
	}
	var remotes []control.RemoteID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if remote, err := control.ParseRemoteID(entry.Name()); err == nil && string(remote) == entry.Name() {
			remotes = append(remotes, remote)
		}
	}
	return remotes, nil
}
