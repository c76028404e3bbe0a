package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// MinKeySize is the smallest accepted master key.
const MinKeySize = 32

const keyInfoPrefix = "warden-ipc/v1:"

// Environment variables carrying a sandbox's channel keys.
const (
	EnvKeyIn  = "WARDEN_IPC_KEY_IN"
	EnvKeyOut = "WARDEN_IPC_KEY_OUT"
)

// KeySource yields the signing key of a channel, or nil when it holds
// none for that channel.
type KeySource interface {
	ChannelKey(channel string) []byte
}

// Keyring derives per-channel signing keys from one master key.
type Keyring struct {
	master []byte
}

// NewKeyring copies master.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("ipc key must be at least %d bytes, got %d", MinKeySize, len(master))
	}
	return &Keyring{master: append([]byte(nil), master...)}, nil
}

// ParseKey decodes a base64 master key.
func ParseKey(encoded string) (*Keyring, error) {
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ipc key: %w", err)
	}
	return NewKeyring(master)
}

// KeyringFromEnv reads a base64 master key from the named variable.
func KeyringFromEnv(name string) (*Keyring, error) {
	encoded, ok := os.LookupEnv(name)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	return ParseKey(encoded)
}

// GenerateKey returns a fresh base64 master key.
func GenerateKey() (string, error) {
	key := make([]byte, MinKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ChannelKey derives the signing key for channel with HKDF-SHA256.
func (k *Keyring) ChannelKey(channel string) []byte {
	r := hkdf.New(sha256.New, k.master, nil, []byte(keyInfoPrefix+channel))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF only fails after 255 blocks of output.
		panic("ipc: hkdf: " + err.Error())
	}
	return key
}

// EncodedChannelKey returns ChannelKey in base64, as handed to a sandbox.
func (k *Keyring) EncodedChannelKey(channel string) string {
	return base64.StdEncoding.EncodeToString(k.ChannelKey(channel))
}

// Sign computes the HMAC-SHA256 of payload under the channel key.
func (k *Keyring) Sign(channel string, payload []byte) []byte {
	return sign(k.ChannelKey(channel), payload)
}

// Verify reports whether sig is the payload's signature on channel. The
// comparison is constant time.
func (k *Keyring) Verify(channel string, payload, sig []byte) bool {
	return hmac.Equal(sign(k.ChannelKey(channel), payload), sig)
}

// ChannelKeys holds the keys of a fixed set of channels. It is what a
// sandbox has: the keys of its own group's channels and nothing else.
type ChannelKeys map[string][]byte

// ChannelKey returns the key of channel, or nil.
func (c ChannelKeys) ChannelKey(channel string) []byte {
	return c[channel]
}

// SandboxKeysFromEnv reads the channel keys the orchestrator issued to
// group's sandbox.
func SandboxKeysFromEnv(group string) (ChannelKeys, error) {
	keys := make(ChannelKeys, 2)
	for env, channel := range map[string]string{EnvKeyIn: InChannel(group), EnvKeyOut: OutChannel(group)} {
		encoded := os.Getenv(env)
		if encoded == "" {
			return nil, fmt.Errorf("%s is not set", env)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env, err)
		}
		keys[channel] = key
	}
	return keys, nil
}

func verify(key, payload, sig []byte) bool {
	if key == nil {
		return false
	}
	return hmac.Equal(sign(key, payload), sig)
}

func sign(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}
