// Package credentials stores the secrets convlog needs at runtime, currently
// the PostgreSQL password used by the transcript recorder.
//
// Secrets live in the system keyring when one is available:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// Headless hosts without a keyring fall back to an AES-GCM encrypted file
// under the config directory. Its key comes from CONVLOG_ENCRYPTION_KEY
// (64 hex characters) or is derived from CONVLOG_PASSPHRASE with Argon2id.
package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// keyLength is the AES-256 key size in bytes.
const keyLength = 32

// saltLength is the size of the random salt stored in a secrets file.
const saltLength = 16

// ErrNoKey is returned when the configured key source holds nothing.
var ErrNoKey = errors.New("encryption key not configured")

// KeyProvider supplies the key that seals a FileStore.
type KeyProvider interface {
	GetKey() ([]byte, error)
	Description() string
}

// kdfParams are the Argon2id cost parameters.
type kdfParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
}

var defaultKDF = kdfParams{time: 1, memory: 64 * 1024, threads: 4}

type passphraseKey struct {
	passphrase string
	salt       []byte
	kdf        kdfParams
}

// PassphraseKey derives the file key from passphrase and the salt stored
// in the secrets file.
func PassphraseKey(passphrase string, salt []byte) KeyProvider {
	return passphraseKey{passphrase: passphrase, salt: salt, kdf: defaultKDF}
}

func (k passphraseKey) GetKey() ([]byte, error) {
	if k.passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrNoKey)
	}
	if len(k.salt) < saltLength {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", saltLength, len(k.salt))
	}
	return argon2.IDKey([]byte(k.passphrase), k.salt, k.kdf.time, k.kdf.memory, k.kdf.threads, keyLength), nil
}

func (k passphraseKey) Description() string {
	return "passphrase, argon2id"
}

// hexEnvKey reads a hex encoded key from the named environment variable.
type hexEnvKey string

// EnvKey takes the file key from envVar, which must hold 64 hex characters.
func EnvKey(envVar string) KeyProvider {
	return hexEnvKey(envVar)
}

func (k hexEnvKey) GetKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(string(k)))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNoKey, string(k))
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != keyLength {
		return nil, fmt.Errorf("%s must hold %d hex characters", string(k), 2*keyLength)
	}
	return key, nil
}

func (k hexEnvKey) Description() string {
	return "key from " + string(k)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}
