// Copyright 2024-2026 Aiku AI

package access

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/passkey"
)

const testAdmin control.UserID = "admin"

type testEnv struct {
	dir      string
	passkeys *passkey.Store
	machine  *Machine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return openTestEnv(t, dir)
}

func openTestEnv(t *testing.T, dir string) *testEnv {
	t.Helper()
	pk, err := passkey.Open(filepath.Join(dir, "passkeys.json"))
	if err != nil {
		t.Fatalf("passkey.Open: %v", err)
	}
	m, err := New(testAdmin, pk, filepath.Join(dir, "users.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{dir: dir, passkeys: pk, machine: m}
}

func sender(id string) control.Sender {
	return control.Sender{ID: control.UserID(id), Name: "User " + id}
}

func TestRequestAccess_Outcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.machine

	if got := m.RequestAccess(ctx, sender("admin")); got != OutcomeWelcome {
		t.Errorf("admin: got %v, want welcome", got)
	}
	if got := m.RequestAccess(ctx, sender("42")); got != OutcomeRequested {
		t.Errorf("first request: got %v, want requested", got)
	}
	if got := m.RequestAccess(ctx, sender("42")); got != OutcomeAlreadyPending {
		t.Errorf("second request: got %v, want already pending", got)
	}
	if _, err := m.Grant(ctx, testAdmin, "42"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if got := m.RequestAccess(ctx, sender("42")); got != OutcomeAwaitingVerification {
		t.Errorf("granted user: got %v, want awaiting verification", got)
	}
	if m.Role("42") != RoleGranted {
		t.Errorf("granted user re-requesting must stay granted, got %s", m.Role("42"))
	}
}

// Admin grants user 42, sends the passkey, the user fails once with a
// wrong key, verifies, and cannot reuse the key.
func TestVerify_PasskeyScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.machine

	m.RequestAccess(ctx, sender("42"))
	iss, err := m.Grant(ctx, testAdmin, "42")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	key, err := m.SendPasskey(ctx, testAdmin, "42", iss.ID)
	if err != nil {
		t.Fatalf("SendPasskey: %v", err)
	}
	if key != iss.Passkey {
		t.Fatalf("SendPasskey returned %q, want %q", key, iss.Passkey)
	}

	if err := m.Verify(ctx, sender("42"), "WRONG"); !errors.Is(err, ErrInvalidPasskey) {
		t.Fatalf("wrong key: expected ErrInvalidPasskey, got %v", err)
	}
	if m.IsVerified("42") {
		t.Fatal("user verified by wrong key")
	}
	if err := m.Verify(ctx, sender("42"), key); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if m.Role("42") != RoleVerified {
		t.Errorf("role: got %s, want verified", m.Role("42"))
	}
	if err := m.Verify(ctx, sender("42"), key); !errors.Is(err, ErrInvalidPasskey) {
		t.Errorf("reused key: expected ErrInvalidPasskey, got %v", err)
	}
}

func TestVerify_UnsentPasskeyRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestEnv(t).machine
	m.RequestAccess(ctx, sender("42"))
	iss, _ := m.Grant(ctx, testAdmin, "42")
	if err := m.Verify(ctx, sender("42"), iss.Passkey); !errors.Is(err, ErrInvalidPasskey) {
		t.Errorf("expected ErrInvalidPasskey before send, got %v", err)
	}
}

func TestAdminActions_Unauthorized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.machine
	m.RequestAccess(ctx, sender("42"))
	iss, err := m.Grant(ctx, testAdmin, "42")
	if err != nil {
		t.Fatal(err)
	}
	m.RequestAccess(ctx, sender("43"))

	intruder := control.UserID("99")
	if err := m.Ignore(ctx, intruder, "43"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Ignore: got %v", err)
	}
	if _, err := m.Grant(ctx, intruder, "43"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Grant: got %v", err)
	}
	if _, err := m.SendPasskey(ctx, intruder, "42", iss.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("SendPasskey: got %v", err)
	}
	if err := m.ErasePasskey(ctx, intruder, "42", iss.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ErasePasskey: got %v", err)
	}
	// Unauthorized is reported even for a target that does not exist.
	if err := m.Ignore(ctx, intruder, "nobody"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Ignore unknown target: got %v", err)
	}

	if m.Role("43") != RolePending {
		t.Errorf("43 role changed to %s", m.Role("43"))
	}
	rec, ok := env.passkeys.Get("42")
	if !ok || rec.Revealed || rec.Issuance != iss.ID {
		t.Errorf("42 passkey changed: %+v ok=%v", rec, ok)
	}
}

func TestIgnoreAndNotPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestEnv(t).machine
	if err := m.Ignore(ctx, testAdmin, "42"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Ignore without request: got %v", err)
	}
	m.RequestAccess(ctx, sender("42"))
	if err := m.Ignore(ctx, testAdmin, "42"); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if m.Role("42") != RoleAnonymous {
		t.Errorf("role after ignore: %s", m.Role("42"))
	}
	if _, err := m.Grant(ctx, testAdmin, "42"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Grant after ignore: got %v", err)
	}
	if got := m.RequestAccess(ctx, sender("42")); got != OutcomeRequested {
		t.Errorf("ignored user may ask again, got %v", got)
	}
}

func TestSendErase_StaleIssuance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestEnv(t).machine
	m.RequestAccess(ctx, sender("42"))
	iss, _ := m.Grant(ctx, testAdmin, "42")

	if _, err := m.SendPasskey(ctx, testAdmin, "42", "bogus"); !errors.Is(err, ErrStaleIssuance) {
		t.Errorf("unknown issuance: got %v", err)
	}
	if _, err := m.SendPasskey(ctx, testAdmin, "42", iss.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendPasskey(ctx, testAdmin, "42", iss.ID); !errors.Is(err, ErrStaleIssuance) {
		t.Errorf("second send: got %v", err)
	}
	if err := m.ErasePasskey(ctx, testAdmin, "42", iss.ID); !errors.Is(err, ErrStaleIssuance) {
		t.Errorf("erase after send: got %v", err)
	}
}

func TestErasePasskey_ResetsUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestEnv(t).machine
	m.RequestAccess(ctx, sender("42"))
	iss, _ := m.Grant(ctx, testAdmin, "42")
	if err := m.ErasePasskey(ctx, testAdmin, "42", iss.ID); err != nil {
		t.Fatalf("ErasePasskey: %v", err)
	}
	if m.Role("42") != RoleAnonymous {
		t.Errorf("role after erase: %s", m.Role("42"))
	}
	if err := m.Verify(ctx, sender("42"), iss.Passkey); !errors.Is(err, ErrInvalidPasskey) {
		t.Errorf("erased passkey accepted: %v", err)
	}
}

func TestRosterPersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.machine
	m.RequestAccess(ctx, sender("42"))
	iss, _ := m.Grant(ctx, testAdmin, "42")
	key, _ := m.SendPasskey(ctx, testAdmin, "42", iss.ID)
	if err := m.Verify(ctx, sender("42"), key); err != nil {
		t.Fatal(err)
	}
	if err := m.AddLinkedIdentity(ctx, "42", "15551234567"); err != nil {
		t.Fatalf("AddLinkedIdentity: %v", err)
	}
	m.RequestAccess(ctx, sender("77"))
	iss77, _ := m.Grant(ctx, testAdmin, "77")

	restarted := openTestEnv(t, env.dir).machine
	if !restarted.IsVerified("42") {
		t.Error("verified user lost across restart")
	}
	if restarted.Name("42") != "User 42" {
		t.Errorf("name: got %q", restarted.Name("42"))
	}
	if !restarted.HasLinkedIdentity("42", "15551234567") {
		t.Error("linked identity lost across restart")
	}
	if restarted.Role("77") != RoleGranted {
		t.Errorf("granted user should be rebuilt from passkeys, got %s", restarted.Role("77"))
	}
	if _, err := restarted.SendPasskey(ctx, testAdmin, "77", iss77.ID); err != nil {
		t.Errorf("issuance should survive restart: %v", err)
	}
	keys := restarted.AllLinkedIdentities()
	if len(keys) != 1 || keys[0] != control.MakeSessionKey("42", "15551234567") {
		t.Errorf("AllLinkedIdentities: got %v", keys)
	}
}

func TestLinkedIdentities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestEnv(t).machine
	if err := m.AddLinkedIdentity(ctx, "stranger", "15551234567"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unverified link: got %v", err)
	}
	if err := m.AddLinkedIdentity(ctx, testAdmin, "15551234567"); err != nil {
		t.Fatalf("admin link: %v", err)
	}
	if err := m.AddLinkedIdentity(ctx, testAdmin, "15551234567"); err != nil {
		t.Fatal(err)
	}
	if got := m.LinkedIdentities(testAdmin); len(got) != 1 {
		t.Errorf("duplicate link recorded: %v", got)
	}
	if len(m.VerifiedUsers()) != 0 {
		t.Errorf("admin must not be listed as a verified user: %v", m.VerifiedUsers())
	}
	if err := m.RemoveLinkedIdentity(ctx, testAdmin, "15551234567"); err != nil {
		t.Fatal(err)
	}
	if m.HasLinkedIdentity(testAdmin, "15551234567") {
		t.Error("identity still linked")
	}
	if err := m.RemoveLinkedIdentity(ctx, testAdmin, "15551234567"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}
