package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/oarkflow/kiosklicense/pkg/utils"
)

const blobKeySalt = "github.com/oarkflow/kiosklicense/session-blob/v1"

var (
	// ErrNoBlob means nothing has been stored yet.
	ErrNoBlob = errors.New("no stored session")
	// ErrBlobUnreadable means the blob exists but cannot be decrypted or
	// parsed, e.g. it was copied from another machine.
	ErrBlobUnreadable = errors.New("stored session is unreadable")
)

// BlobStore persists one opaque secret.
type BlobStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
}

// FileBlobStore keeps a blob AES-GCM sealed on disk under a key bound to the
// device fingerprint, so a copied file is useless elsewhere.
type FileBlobStore struct {
	path string
	key  []byte
}

func NewFileBlobStore(path, fingerprint string) (*FileBlobStore, error) {
	cleaned := filepath.Clean(path)
	if cleaned == "" || cleaned == "." {
		return nil, fmt.Errorf("blob path is required")
	}
	key, err := utils.DeriveKey(blobKeySalt, fingerprint, cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to derive blob key: %w", err)
	}
	return &FileBlobStore{path: cleaned, key: key}, nil
}

func (fs *FileBlobStore) Path() string { return fs.path }

func (fs *FileBlobStore) Load() ([]byte, error) {
	info, err := os.Stat(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoBlob
		}
		return nil, err
	}
	if err := fs.ensureSecure(info); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, err
	}
	var env utils.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobUnreadable, err)
	}
	plaintext, err := utils.OpenEnvelope(fs.key, &env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobUnreadable, err)
	}
	return plaintext, nil
}

func (fs *FileBlobStore) Save(data []byte) error {
	env, err := utils.SealEnvelope(fs.key, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

func (fs *FileBlobStore) Clear() error {
	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *FileBlobStore) ensureSecure(info os.FileInfo) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("session file %s has insecure permissions (%#o) - run 'chmod 600'", fs.path, info.Mode().Perm())
	}
	return nil
}
