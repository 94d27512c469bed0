// Package crypto seals exchange API credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	versionPrefix = "ENC[v%d]:"
	envKey        = "CREDENTIALS_KEY"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// Credentials is a decrypted API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Keyring holds every key version so rotated credentials stay readable.
// New data is always sealed with the highest version.
type Keyring struct {
	mu      sync.RWMutex
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from raw 32-byte keys indexed by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	kr := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", v, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		kr.aeads[v] = gcm
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

// KeyringFromEnv loads CREDENTIALS_KEY (v1) and CREDENTIALS_KEY_V2..V10,
// each base64 encoded.
func KeyringFromEnv() (*Keyring, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := envKey
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKey, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyring(keys)
}

// Seal encrypts plaintext with the current key: ENC[vN]:base64(nonce+ciphertext).
func (k *Keyring) Seal(plaintext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	gcm := k.aeads[k.current]
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionPrefix, k.current) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with whichever key version sealed it.
func (k *Keyring) Open(ciphertext string) (string, error) {
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return "", ErrInvalidCiphertext
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	k.mu.RLock()
	gcm, ok := k.aeads[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available: %w", version, ErrKeyNotFound)
	}

	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// OpenCredentials decrypts an API key pair.
func (k *Keyring) OpenCredentials(encKey, encSecret string) (Credentials, error) {
	key, err := k.Open(encKey)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := k.Open(encSecret)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}

// GenerateKey returns a random base64 key suitable for CREDENTIALS_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
