package state

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltLen    = 16
	sealPrefix = "sealed:v1:"
	canaryText = "ghl-bridge"
)

// scrypt cost parameters. Tests lower scryptN to keep runs fast.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrPassphraseRequired is returned when the database holds sealed
	// secrets but no passphrase was given.
	ErrPassphraseRequired = errors.New("state is sealed: STATE_PASSPHRASE is required")

	// ErrWrongPassphrase is returned when the passphrase does not open
	// the database's canary value.
	ErrWrongPassphrase = errors.New("state passphrase does not match")
)

// sealer encrypts token secrets with XChaCha20-Poly1305 under a key
// derived from the operator passphrase.
type sealer struct {
	key []byte
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving state key: %w", err)
	}

	return &sealer{key: key}, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// seal returns the prefixed, base64 encoded nonce||ciphertext of plain.
// The empty string stays empty.
func (s *sealer) seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(plain), nil)

	return sealPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// open reverses seal. Values without the prefix are returned unchanged so
// databases written before a passphrase was set still load.
func (s *sealer) open(value string) (string, error) {
	if !isSealed(value) {
		return value, nil
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}

	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrWrongPassphrase
	}

	return string(plain), nil
}

func isSealed(value string) bool {
	return strings.HasPrefix(value, sealPrefix)
}
