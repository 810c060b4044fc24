package keychain

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	ModeXChaCha   = "xchacha20poly1305"
	ModePlaintext = "plaintext"
)

// Config chooses how portal secrets are stored. There is no default, storing
// secrets in plaintext is a decision someone has to sign off on by name.
type Config struct {
	Mode             string `json:"mode"`
	Key              string `json:"key"`
	PlaintextSignoff string `json:"plaintext_signoff"`
}

// Sealer turns a secret into its stored form and back.
type Sealer interface {
	Name() string
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// NewSealer builds the sealer described by cfg.
func NewSealer(cfg Config) (Sealer, error) {
	switch strings.ToLower(cfg.Mode) {
	case ModeXChaCha:
		key, err := base64.StdEncoding.DecodeString(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("credential key is not base64: %w", err)
		}
		return NewXChaChaSealer(key)
	case ModePlaintext:
		if strings.TrimSpace(cfg.PlaintextSignoff) == "" {
			return nil, errors.New("plaintext credential storage requires credentials.plaintext_signoff to name who approved it")
		}
		return plaintextSealer{}, nil
	case "":
		return nil, errors.New("credentials.mode must be set to xchacha20poly1305 or plaintext")
	default:
		return nil, fmt.Errorf("unknown credentials.mode %q", cfg.Mode)
	}
}

type xchachaSealer struct {
	key []byte
}

// NewXChaChaSealer seals with XChaCha20-Poly1305, key must be 32 bytes.
func NewXChaChaSealer(key []byte) (Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return xchachaSealer{key: key}, nil
}

func (xchachaSealer) Name() string { return ModeXChaCha }

func (s xchachaSealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	_, err = rand.Read(nonce)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s xchachaSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed secret is too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plaintext), nil
}

type plaintextSealer struct{}

func (plaintextSealer) Name() string { return ModePlaintext }

func (plaintextSealer) Seal(plaintext string) (string, error) { return plaintext, nil }

func (plaintextSealer) Open(sealed string) (string, error) { return sealed, nil }
