package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestKeyStore(t *testing.T) *EncryptedKeyStore {
	t.Helper()

	ks, err := NewEncryptedKeyStore(t.TempDir(), []byte("test-master-password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	t.Cleanup(func() { ks.Close() })

	return ks
}

func TestNewEncryptedKeyStoreEmptyPassword(t *testing.T) {
	if _, err := NewEncryptedKeyStore(t.TempDir(), nil); err == nil {
		t.Fatal("NewEncryptedKeyStore() accepted an empty master password")
	}
}

func TestKeyStoreWriteReadRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)

	plaintext := []byte("long-term identity seed material")
	if err := ks.WriteEncrypted("identity", plaintext); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}

	got, err := ks.ReadEncrypted("identity")
	if err != nil {
		t.Fatalf("ReadEncrypted() error: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Error("ReadEncrypted() returned different data than written")
	}
}

func TestKeyStoreCiphertextNotPlaintext(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewEncryptedKeyStore(dir, []byte("password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	defer ks.Close()

	secret := []byte("refresh-token-value-must-not-appear-on-disk")
	if err := ks.WriteEncrypted("tokens", secret); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "tokens"))
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}

	if bytes.Contains(raw, secret) {
		t.Error("plaintext secret found in on-disk file")
	}
}

func TestKeyStoreWrongPassword(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewEncryptedKeyStore(dir, []byte("correct-password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	if err := ks.WriteEncrypted("identity", []byte("seed")); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}
	ks.Close()

	// Reopen with a different password; the salt is shared but the
	// derived key differs, so authentication must fail.
	ks2, err := NewEncryptedKeyStore(dir, []byte("wrong-password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	defer ks2.Close()

	if _, err := ks2.ReadEncrypted("identity"); err == nil {
		t.Fatal("ReadEncrypted() succeeded with the wrong password")
	}
}

func TestKeyStoreCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewEncryptedKeyStore(dir, []byte("password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	defer ks.Close()

	if err := ks.WriteEncrypted("queue", []byte("queued operations snapshot")); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}

	path := filepath.Join(dir, "queue")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing corrupted file: %v", err)
	}

	if _, err := ks.ReadEncrypted("queue"); err == nil {
		t.Fatal("ReadEncrypted() accepted corrupted ciphertext")
	}
}

func TestKeyStoreExistsAndDelete(t *testing.T) {
	ks := newTestKeyStore(t)

	if ks.Exists("missing") {
		t.Error("Exists() reported a missing entry as present")
	}

	if err := ks.WriteEncrypted("entry", []byte("data")); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}

	if !ks.Exists("entry") {
		t.Error("Exists() reported a written entry as missing")
	}

	if err := ks.DeleteEncrypted("entry"); err != nil {
		t.Fatalf("DeleteEncrypted() error: %v", err)
	}

	if ks.Exists("entry") {
		t.Error("entry still present after DeleteEncrypted()")
	}

	// Deleting a missing entry is not an error.
	if err := ks.DeleteEncrypted("entry"); err != nil {
		t.Errorf("DeleteEncrypted() on missing entry: %v", err)
	}
}

func TestKeyStoreSaltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewEncryptedKeyStore(dir, []byte("password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() error: %v", err)
	}
	if err := ks.WriteEncrypted("identity", []byte("seed")); err != nil {
		t.Fatalf("WriteEncrypted() error: %v", err)
	}
	ks.Close()

	ks2, err := NewEncryptedKeyStore(dir, []byte("password"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore() reopen error: %v", err)
	}
	defer ks2.Close()

	got, err := ks2.ReadEncrypted("identity")
	if err != nil {
		t.Fatalf("ReadEncrypted() after reopen error: %v", err)
	}
	if !bytes.Equal(got, []byte("seed")) {
		t.Error("data not readable after reopening the store")
	}
}
