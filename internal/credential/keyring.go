package credential

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "identityswitch"
	keyItem     = "identityswitch-credential-key"
	keySize     = 32
)

// KeyringConfig selects where the credential key is kept.
type KeyringConfig struct {
	Backend  string `yaml:"backend"`
	FileDir  string `yaml:"file_dir"`
	Password string `yaml:"-"`
}

// ErrNoFilePassword is returned when the encrypted file backend is selected
// without a password.
var ErrNoFilePassword = errors.New("keyring file backend requires a password")

// OpenKeyring returns a configured keyring instance. The file backend is
// only used when a password is configured.
func OpenKeyring(cfg KeyringConfig) (keyring.Keyring, error) {
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
	}
	if cfg.Password != "" {
		backends = append(backends, keyring.FileBackend)
	}
	if cfg.Backend != "" {
		if keyring.BackendType(cfg.Backend) == keyring.FileBackend && cfg.Password == "" {
			return nil, ErrNoFilePassword
		}
		backends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	fileDir := cfg.FileDir
	if fileDir == "" {
		fileDir = "~/.config/identityswitch/credentials"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.Password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Key returns the credential key from ring, generating and storing one on
// first use.
func Key(ring keyring.Keyring) ([]byte, error) {
	item, err := ring.Get(keyItem)
	switch {
	case err == nil:
		if len(item.Data) != keySize {
			return nil, fmt.Errorf("credential key %q has %d bytes, want %d", keyItem, len(item.Data), keySize)
		}
		return item.Data, nil
	case errors.Is(err, keyring.ErrKeyNotFound):
	default:
		return nil, fmt.Errorf("getting credential key %q: %w", keyItem, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating credential key: %w", err)
	}
	if err := ring.Set(keyring.Item{
		Key:         keyItem,
		Data:        key,
		Label:       "identityswitch credential key",
		Description: "Encrypts stored IMAP passwords",
	}); err != nil {
		return nil, fmt.Errorf("setting credential key %q: %w", keyItem, err)
	}
	return key, nil
}
