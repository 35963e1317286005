package credentials

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type failingStore struct{ err error }

func (f failingStore) Get(string) (string, error) { return "", f.err }
func (f failingStore) Set(string, string) error   { return f.err }
func (f failingStore) Delete(string) error        { return f.err }
func (f failingStore) Description() string        { return "failing" }

func TestDBAccount(t *testing.T) {
	assert.Equal(t, "database:convlog", DBAccount("convlog"))
}

func TestResolveDBPassword(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore()
	require.NoError(t, store.Set(DBAccount("convlog"), "from-keyring"))
	t.Cleanup(func() { _ = store.Delete(DBAccount("convlog")) })

	tests := []struct {
		name       string
		env        string
		cfg        string
		user       string
		store      SecretStore
		wantPW     string
		wantSource PasswordSource
	}{
		{"env overrides all", "from-env", "from-config", "convlog", store, "from-env", SourceEnv},
		{"config over store", "", "from-config", "convlog", store, "from-config", SourceConfig},
		{"store lookup", "", "", "convlog", store, "from-keyring", SourceStore},
		{"store miss", "", "", "someone-else", store, "", SourceNone},
		{"nil store", "", "", "convlog", nil, "", SourceNone},
		{"unavailable store", "", "", "convlog", failingStore{ErrKeyringUnavailable}, "", SourceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDBPassword, tt.env)

			pw, source, err := ResolveDBPassword(tt.store, tt.cfg, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPW, pw)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestResolveDBPassword_StoreError(t *testing.T) {
	t.Setenv(EnvDBPassword, "")

	_, source, err := ResolveDBPassword(failingStore{ErrEncryptionFailed}, "", "convlog")
	assert.True(t, errors.Is(err, ErrEncryptionFailed))
	assert.Equal(t, SourceNone, source)
}

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"abcd1234efgh", "abcd****efgh"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.input); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
