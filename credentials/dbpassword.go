package credentials

import (
	"errors"
	"os"
	"strings"
)

// EnvDBPassword overrides every other password source.
const EnvDBPassword = "CONVLOG_DB_PASSWORD"

// PasswordSource names where a resolved database password came from.
type PasswordSource string

const (
	SourceEnv    PasswordSource = "env"
	SourceConfig PasswordSource = "config"
	SourceStore  PasswordSource = "store"
	SourceNone   PasswordSource = "none"
)

// DBAccount is the secret store account for a database user.
func DBAccount(user string) string {
	return "database:" + user
}

// ResolveDBPassword finds the database password for user. The environment
// wins over the config file, which wins over the secret store. A store that
// is nil, unavailable, or has no entry resolves to SourceNone with no error.
func ResolveDBPassword(store SecretStore, cfgPassword, user string) (string, PasswordSource, error) {
	if pw := os.Getenv(EnvDBPassword); pw != "" {
		return pw, SourceEnv, nil
	}
	if cfgPassword != "" {
		return cfgPassword, SourceConfig, nil
	}
	if store == nil {
		return "", SourceNone, nil
	}

	pw, err := store.Get(DBAccount(user))
	switch {
	case err == nil:
		return pw, SourceStore, nil
	case errors.Is(err, ErrSecretNotFound), errors.Is(err, ErrKeyringUnavailable):
		return "", SourceNone, nil
	default:
		return "", SourceNone, err
	}
}

// MaskCredential returns a masked version of the credential for display.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:4] + strings.Repeat("*", len(cred)-8) + cred[len(cred)-4:]
}
