// Copyright 2024-2026 Aiku AI

// Package whatsapp implements the remote session protocol on top of
// whatsmeow. Each session key gets its own SQLite device store.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/session"
)

const storeFileName = "store.db"

// ErrInvalidKey is returned for session keys that cannot name a directory.
var ErrInvalidKey = errors.New("invalid session key")

// DeviceName is shown in the linked devices list on the phone.
const DeviceName = "Wakeeper"

// Protocol opens whatsmeow sessions with credentials stored under root.
type Protocol struct {
	root string
	log  zerolog.Logger
}

var _ session.Protocol = (*Protocol)(nil)

// New returns a protocol storing device credentials under root.
func New(root string, log zerolog.Logger) *Protocol {
	store.SetOSInfo(DeviceName, [3]uint32{1, 0, 0})
	return &Protocol{
		root: root,
		log:  log.With().Str("component", "whatsapp").Logger(),
	}
}

func validPathPart(part string) bool {
	return part != "" && part != "." && part != ".." &&
		!strings.ContainsAny(part, `/\`) && !strings.ContainsRune(part, 0)
}

// sessionDir returns <root>/<user>/<remote>.
func (p *Protocol) sessionDir(key control.SessionKey) (string, error) {
	if !validPathPart(string(key.User)) {
		return "", fmt.Errorf("%w: user %q", ErrInvalidKey, key.User)
	}
	if key.Remote == "" || control.SafeNumber(string(key.Remote)) != string(key.Remote) {
		return "", fmt.Errorf("%w: remote %q", ErrInvalidKey, key.Remote)
	}
	return filepath.Join(p.root, string(key.User), string(key.Remote)), nil
}

// Open connects a session for params.Key. A restore reuses the stored
// device and fails with session.ErrNoCredentials if there is none; a new
// link starts from an empty store.
func (p *Protocol) Open(ctx context.Context, params session.OpenParams) (session.RemoteSession, error) {
	dir, err := p.sessionDir(params.Key)
	if err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, storeFileName)
	log := p.log.With().Str("key", params.Key.String()).Logger()

	if params.Restore {
		if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
			return nil, session.ErrNoCredentials
		}
	} else if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to reset session directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Zerolog(log.With().Str("component", "whatsapp_db").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if params.Restore && device.ID == nil {
		_ = db.Close()
		return nil, session.ErrNoCredentials
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log))
	client.EnableAutoReconnect = false

	s := newRemoteSession(ctx, client, db, dir, log)
	client.AddEventHandler(s.handleEvent)

	if device.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		go s.watchLink(ctx, qrChan, params.Key.Remote, params.Method)
	}
	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	context.AfterFunc(ctx, s.Close)

	log.Debug().Bool("restore", params.Restore).Bool("paired", device.ID != nil).Msg("Session connected")
	return s, nil
}

// Forget deletes the stored credentials for key.
func (p *Protocol) Forget(_ context.Context, key control.SessionKey) error {
	dir, err := p.sessionDir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}
