// Package sealbox encrypts OAuth token material before it is written to the
// database, using NaCl secretbox with a key derived from configuration.
package sealbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const prefix = "sb1:"

var ErrOpen = errors.New("sealbox: cannot open sealed value")

type Box struct {
	key [32]byte
}

// New derives a box key from secret. An empty secret returns nil, and a nil
// *Box passes values through unchanged.
func New(secret string) *Box {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Box{key: sha256.Sum256([]byte(secret))}
}

func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || plaintext == "" {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values written before a key was configured carry no
// prefix and are returned as-is.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	if b == nil {
		return "", ErrOpen
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < 24 {
		return "", ErrOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrOpen
	}
	return string(opened), nil
}
