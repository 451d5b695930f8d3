package config

import (
	"path/filepath"
	"testing"
)

func TestEncryptDecryptCredentialRoundTrips(t *testing.T) {
	blob, err := EncryptCredential("hunter2", "sk-cloud-signing-key")
	if err != nil {
		t.Fatalf("EncryptCredential error: %v", err)
	}
	if len(blob) <= credStoreSaltSize {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	got, err := DecryptCredential("hunter2", blob)
	if err != nil {
		t.Fatalf("DecryptCredential error: %v", err)
	}
	if got != "sk-cloud-signing-key" {
		t.Errorf("DecryptCredential = %q", got)
	}
}

func TestDecryptCredentialWithWrongPassphraseDoesNotRecoverKey(t *testing.T) {
	blob, err := EncryptCredential("correct-horse", "my-api-key")
	if err != nil {
		t.Fatalf("EncryptCredential error: %v", err)
	}
	got, err := DecryptCredential("wrong-passphrase", blob)
	if err != nil {
		t.Fatalf("DecryptCredential error: %v", err)
	}
	if got == "my-api-key" {
		t.Fatalf("expected garbage output with wrong passphrase, got the original key back")
	}
}

func TestSaveAndLoadCachedAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.cred")
	if err := SaveCachedAPIKey(path, "passphrase", "my-api-key"); err != nil {
		t.Fatalf("SaveCachedAPIKey error: %v", err)
	}
	got, err := LoadCachedAPIKey(path, "passphrase")
	if err != nil {
		t.Fatalf("LoadCachedAPIKey error: %v", err)
	}
	if got != "my-api-key" {
		t.Errorf("LoadCachedAPIKey = %q", got)
	}
}

func TestLoadUsesCachedAPIKeyWhenEnvUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.cred")
	if err := SaveCachedAPIKey(path, "passphrase", "cached-key"); err != nil {
		t.Fatalf("SaveCachedAPIKey error: %v", err)
	}

	t.Setenv("FLASHENGINE_CLOUD_API_KEY", "")
	t.Setenv("FLASHENGINE_CRED_FILE", path)
	t.Setenv("FLASHENGINE_CRED_PASSPHRASE", "passphrase")

	engineConfig = nil
	configLoaded = false
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.CloudAPIKey != "cached-key" {
		t.Errorf("CloudAPIKey = %q, want cached-key from encrypted file", cfg.CloudAPIKey)
	}
}
