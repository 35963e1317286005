package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the system keyring.
	keyringService = "convlog"

	// DefaultSecretsFile is the encrypted fallback file inside the config dir.
	DefaultSecretsFile = "secrets.yaml"

	// EnvEncryptionKey holds a 64-character hex key for the secrets file.
	EnvEncryptionKey = "CONVLOG_ENCRYPTION_KEY"
	// EnvPassphrase holds a passphrase the secrets file key is derived from.
	EnvPassphrase = "CONVLOG_PASSPHRASE"

	// availabilityAccount is looked up to test whether the keyring responds.
	availabilityAccount = "convlog-availability"
)

var (
	// ErrKeyringUnavailable indicates the system keyring is not available.
	ErrKeyringUnavailable = errors.New("system keyring unavailable")
	// ErrSecretNotFound is returned when no secret is stored for an account.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// SecretStore persists named secrets.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, secret string) error
	// Delete removes the secret. Deleting a missing secret is not an error.
	Delete(account string) error
	Description() string
}

// KeyringStore keeps secrets in the system keyring
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a KeyringStore under the convlog service name.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: keyringService}
}

// Get returns the secret stored for account.
func (s *KeyringStore) Get(account string) (string, error) {
	secret, err := keyring.Get(s.service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	return secret, nil
}

// Set stores secret for account, replacing any existing value.
func (s *KeyringStore) Set(account, secret string) error {
	if err := keyring.Set(s.service, account, secret); err != nil {
		return fmt.Errorf("%w: storing secret: %v", ErrKeyringUnavailable, err)
	}
	return nil
}

// Delete removes the secret stored for account.
func (s *KeyringStore) Delete(account string) error {
	if err := keyring.Delete(s.service, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: deleting secret: %v", ErrKeyringUnavailable, err)
	}
	return nil
}

// Description returns a description of the keyring backend.
func (s *KeyringStore) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// IsKeyringAvailable checks if the system keyring is accessible.
func IsKeyringAvailable() bool {
	_, err := NewKeyringStore().Get(availabilityAccount)
	return err == nil || errors.Is(err, ErrSecretNotFound)
}

// secretsFile is the on-disk layout of the encrypted fallback store.
type secretsFile struct {
	Salt        string            `yaml:"salt,omitempty"`
	Secrets     map[string]string `yaml:"secrets"`
	LastUpdated time.Time         `yaml:"last_updated"`
}

// FileStore keeps AES-GCM encrypted secrets in a YAML file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	keyFor func(salt []byte) KeyProvider
	desc   string
}

// NewPassphraseFileStore creates a FileStore whose key is derived from
// passphrase with a per-file random salt.
func NewPassphraseFileStore(path, passphrase string) *FileStore {
	return &FileStore{
		path: path,
		keyFor: func(salt []byte) KeyProvider {
			return PassphraseKey(passphrase, salt)
		},
		desc: "Encrypted file (passphrase)",
	}
}

// NewFileStoreWithKeyProvider creates a FileStore that takes its key from
// provider. The stored salt is ignored.
func NewFileStoreWithKeyProvider(path string, provider KeyProvider) *FileStore {
	return &FileStore{
		path:   path,
		keyFor: func([]byte) KeyProvider { return provider },
		desc:   "Encrypted file (" + provider.Description() + ")",
	}
}

// Path returns the secrets file location.
func (s *FileStore) Path() string {
	return s.path
}

// Description returns a description of this store.
func (s *FileStore) Description() string {
	return s.desc
}

// Get returns the decrypted secret stored for account.
func (s *FileStore) Get(account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}
	ciphertext, ok := f.Secrets[account]
	if !ok {
		return "", ErrSecretNotFound
	}

	key, err := s.key(f)
	if err != nil {
		return "", err
	}
	return decrypt(key, ciphertext)
}

// Set encrypts and stores secret for account.
func (s *FileStore) Set(account, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if f.Salt == "" {
		salt, err := newSalt()
		if err != nil {
			return err
		}
		f.Salt = hex.EncodeToString(salt)
	}

	key, err := s.key(f)
	if err != nil {
		return err
	}
	encrypted, err := encrypt(key, secret)
	if err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}
	f.Secrets[account] = encrypted

	return s.save(f)
}

// Delete removes the secret stored for account.
func (s *FileStore) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Secrets[account]; !ok {
		return nil
	}
	delete(f.Secrets, account)

	return s.save(f)
}

func (s *FileStore) key(f *secretsFile) ([]byte, error) {
	salt, err := hex.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt in %s: %w", s.path, err)
	}
	key, err := s.keyFor(salt).GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return key, nil
}

func (s *FileStore) load() (*secretsFile, error) {
	f := &secretsFile{Secrets: make(map[string]string)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]string)
	}
	return f, nil
}

func (s *FileStore) save(f *secretsFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}

	f.LastUpdated = time.Now()
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}

// encrypt encrypts a string using AES-GCM.
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}

	return string(plaintext), nil
}

// DefaultStore returns the secret store for the current environment.
// Priority:
// 1. CONVLOG_ENCRYPTION_KEY set: encrypted file keyed from the env var
// 2. System keyring
// 3. CONVLOG_PASSPHRASE set: encrypted file keyed from the passphrase
func DefaultStore(configDir string) (SecretStore, error) {
	path := filepath.Join(configDir, DefaultSecretsFile)

	if os.Getenv(EnvEncryptionKey) != "" {
		return NewFileStoreWithKeyProvider(path, EnvKey(EnvEncryptionKey)), nil
	}

	if IsKeyringAvailable() {
		return NewKeyringStore(), nil
	}

	if passphrase := os.Getenv(EnvPassphrase); passphrase != "" {
		return NewPassphraseFileStore(path, passphrase), nil
	}

	return nil, fmt.Errorf("%w; set %s or %s to use an encrypted file instead",
		ErrKeyringUnavailable, EnvEncryptionKey, EnvPassphrase)
}
