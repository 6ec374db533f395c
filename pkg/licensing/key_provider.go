package licensing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CipherKeys is the process-wide key material for the token cipher.
type CipherKeys struct {
	Key   []byte
	Nonce []byte
	// Source describes where the keys came from, for startup logging.
	Source string
}

// CipherKeyOptions selects a key source. Supported modes:
//   - env (default): hex key and nonce supplied directly
//   - file: JSON file {"key": "<hex>", "nonce": "<hex>"} readable only by the owner
//   - ephemeral: random keys per process; tokens die with the process
type CipherKeyOptions struct {
	Mode     string
	KeyHex   string
	NonceHex string
	File     string
}

func LoadCipherKeys(opts CipherKeyOptions) (*CipherKeys, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "", "env", "hex":
		if strings.TrimSpace(opts.KeyHex) == "" || strings.TrimSpace(opts.NonceHex) == "" {
			return nil, fmt.Errorf("token cipher key and nonce are required for the env key provider")
		}
		keys, err := decodeCipherKeys(opts.KeyHex, opts.NonceHex)
		if err != nil {
			return nil, err
		}
		keys.Source = "env"
		return keys, nil
	case "file":
		return loadCipherKeysFile(opts.File)
	case "ephemeral", "dev", "memory":
		key := make([]byte, cipherKeySize)
		nonce := make([]byte, cipherNonceSize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate cipher key: %w", err)
		}
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate cipher nonce: %w", err)
		}
		return &CipherKeys{Key: key, Nonce: nonce, Source: "ephemeral"}, nil
	default:
		return nil, fmt.Errorf("unsupported key provider %q", mode)
	}
}

func decodeCipherKeys(keyHex, nonceHex string) (*CipherKeys, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("token cipher key is not valid hex: %w", err)
	}
	nonce, err := hex.DecodeString(strings.TrimSpace(nonceHex))
	if err != nil {
		return nil, fmt.Errorf("token cipher nonce is not valid hex: %w", err)
	}
	if len(key) != cipherKeySize {
		return nil, fmt.Errorf("token cipher key must be %d bytes", cipherKeySize)
	}
	if len(nonce) != cipherNonceSize {
		return nil, fmt.Errorf("token cipher nonce must be %d bytes", cipherNonceSize)
	}
	return &CipherKeys{Key: key, Nonce: nonce}, nil
}

type cipherKeyFile struct {
	Key   string `json:"key"`
	Nonce string `json:"nonce"`
}

func loadCipherKeysFile(path string) (*CipherKeys, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("key file path is required when using the file key provider")
	}
	cleaned := filepath.Clean(path)
	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if err := enforceKeyPermissions(info); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var raw cipherKeyFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	keys, err := decodeCipherKeys(raw.Key, raw.Nonce)
	if err != nil {
		return nil, err
	}
	keys.Source = "file:" + cleaned
	return keys, nil
}

// WriteCipherKeysFile stores keys in the format read by the file provider.
func WriteCipherKeysFile(path string, keys *CipherKeys) error {
	data, err := json.MarshalIndent(cipherKeyFile{
		Key:   hex.EncodeToString(keys.Key),
		Nonce: hex.EncodeToString(keys.Nonce),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func enforceKeyPermissions(info fs.FileInfo) error {
	if info.Mode().IsDir() {
		return fmt.Errorf("key path points to directory")
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("key file must not be accessible by group/others (run chmod 600)")
	}
	return nil
}
