// Package secret decrypts the appliance password stored in the driver
// configuration.
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeyLen is the length of a secretbox key.
const KeyLen = 32

const nonceLen = 24

// Decrypter turns a stored password into clear text.
type Decrypter interface {
	Decrypt(ctx context.Context, value string) (string, error)
}

// Key is a secretbox key.
type Key [KeyLen]byte

// GenerateKey creates a random key.
func GenerateKey() (*Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &k, nil
}

// Base64 returns the key base64-encoded.
func (k *Key) Base64() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// SaveToFile writes the key to path, creating the directory if needed.
func (k *Key) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return os.WriteFile(path, []byte("key="+k.Base64()+"\n"), 0o600)
}

// LoadKey reads a key written by SaveToFile.
func LoadKey(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var b64 string
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "key="); ok {
			b64 = v
		}
	}
	if b64 == "" {
		return nil, errors.New("invalid key file: missing key")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeyLen {
		return nil, fmt.Errorf("invalid key length: %d", len(raw))
	}
	var k Key
	copy(k[:], raw)
	return &k, nil
}

// Seal encrypts plain and returns base64(nonce || box).
func (k *Key) Seal(plain string) (string, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, (*[KeyLen]byte)(k))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < nonceLen+secretbox.Overhead {
		return "", errors.New("sealed value too short")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])
	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, (*[KeyLen]byte)(k))
	if !ok {
		return "", errors.New("sealed value does not match key")
	}
	return string(plain), nil
}

// Decrypt implements Decrypter.
func (k *Key) Decrypt(_ context.Context, value string) (string, error) {
	return k.Open(value)
}

// HostAPI is the host call that decrypts stored passwords.
type HostAPI interface {
	DecryptPassword(ctx context.Context, encrypted string) (string, error)
}

// Host decrypts through the orchestration host.
type Host struct {
	API HostAPI
}

// Decrypt implements Decrypter.
func (h Host) Decrypt(ctx context.Context, value string) (string, error) {
	return h.API.DecryptPassword(ctx, value)
}

// Plain returns values unchanged. It is used when no key and no host are
// configured.
type Plain struct{}

// Decrypt implements Decrypter.
func (Plain) Decrypt(_ context.Context, value string) (string, error) {
	return value, nil
}
