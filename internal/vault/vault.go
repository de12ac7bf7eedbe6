// Package vault encrypts screenshots and metadata at rest with a key derived
// from a user passphrase and a salt persisted on first run.
//
// Losing the salt file makes every artifact encrypted under it permanently
// unrecoverable. There is no recovery path.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kalambet/localrecall/internal/config"
)

// Suffix marks a file as ciphertext produced by EncryptFile.
const Suffix = ".enc"

// SaltSize is the length in bytes of the persisted salt.
const SaltSize = 16

var (
	// ErrInvalidCiphertext is returned when data cannot be authenticated:
	// wrong key, tampering or truncation.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidSalt is returned when the salt file exists but has the wrong size.
	ErrInvalidSalt = errors.New("invalid salt file")
)

// Vault holds the derived key for one process.
type Vault struct {
	aead       cipher.AEAD
	scratchDir string
}

// DeriveKey derives a 32-byte key from secret and salt with argon2id.
// The same inputs always produce the same key.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 3, 64*1024, 4, chacha20poly1305.KeySize)
}

// LoadOrCreateSalt reads the salt at path, generating and persisting a fresh
// random one if the file does not exist yet.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("%s: %d bytes: %w", path, len(salt), ErrInvalidSalt)
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating salt dir: %w", err)
	}
	// O_EXCL so two processes starting together cannot both write a salt.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return LoadOrCreateSalt(path)
	}
	if err != nil {
		return nil, fmt.Errorf("creating salt file: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing salt: %w", err)
	}
	return salt, f.Close()
}

// Open derives the key for secret using the salt at saltPath. Decrypted
// temporaries are written under scratchDir.
func Open(secret, saltPath, scratchDir string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption password: %w", config.ErrMissingSecret)
	}
	salt, err := LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return New(DeriveKey([]byte(secret), salt), scratchDir)
}

// New wraps an already derived key.
func New(key []byte, scratchDir string) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Vault{aead: aead, scratchDir: scratchDir}, nil
}

// ScratchDir returns the directory holding decrypted temporaries.
func (v *Vault) ScratchDir() string {
	return v.scratchDir
}

// Encrypt seals plain with a random nonce prepended to the ciphertext.
func (v *Vault) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plain)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (v *Vault) Decrypt(data []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(data) < ns+v.aead.Overhead() {
		return nil, fmt.Errorf("%d bytes is too short: %w", len(data), ErrInvalidCiphertext)
	}
	plain, err := v.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plain, nil
}

// EncryptString encrypts s and returns base64 text.
func (v *Vault) EncryptString(s string) (string, error) {
	sealed, err := v.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", ErrInvalidCiphertext)
	}
	plain, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptFile writes path+Suffix and removes the plaintext only after the
// ciphertext is on disk and decrypts back to the original bytes.
func (v *Vault) EncryptFile(path string) (string, error) {
	plain, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading plaintext: %w", err)
	}
	sealed, err := v.Encrypt(plain)
	if err != nil {
		return "", err
	}

	dest := path + Suffix
	if err := writeFileSync(dest, sealed); err != nil {
		return "", err
	}

	check, err := os.ReadFile(dest)
	if err != nil {
		return "", fmt.Errorf("verifying ciphertext: %w", err)
	}
	roundTrip, err := v.Decrypt(check)
	if err != nil || len(roundTrip) != len(plain) {
		os.Remove(dest)
		return "", fmt.Errorf("verifying ciphertext for %s: %w", path, ErrInvalidCiphertext)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing plaintext: %w", err)
	}
	return dest, nil
}

// DecryptFile writes the plaintext of path to dest, or to a fresh file in
// the scratch dir when dest is empty. The caller owns the returned file.
func (v *Vault) DecryptFile(path, dest string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading ciphertext: %w", err)
	}
	plain, err := v.Decrypt(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}

	if dest != "" {
		if err := writeFileSync(dest, plain); err != nil {
			return "", err
		}
		return dest, nil
	}

	if err := os.MkdirAll(v.scratchDir, 0o700); err != nil {
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), Suffix)
	ext := filepath.Ext(base)
	f, err := os.CreateTemp(v.scratchDir, strings.TrimSuffix(base, ext)+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("creating scratch file: %w", err)
	}
	if _, err := f.Write(plain); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing plaintext: %w", err)
	}
	return f.Name(), nil
}

// PurgeScratch removes decrypted temporaries older than olderThan and
// returns how many were deleted.
func (v *Vault) PurgeScratch(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(v.scratchDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading scratch dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(v.scratchDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// writeFileSync writes data to a temp file beside path, fsyncs it and
// renames it into place.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
