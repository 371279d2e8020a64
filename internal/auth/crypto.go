package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const relayKDFInfo = "gatelink-relay"

var errShortPayload = errors.New("sealed payload shorter than nonce")

// DeriveRelayKey agrees on the AEAD that seals relay frames with one remote
// peer: X25519 between our ephemeral key and the peer's base64 public key,
// stretched by HKDF-SHA256 (zero salt) into an AES-256-GCM key.
func DeriveRelayKey(ours *ecdh.PrivateKey, peerKeyB64 string) (cipher.AEAD, error) {
	raw, err := base64.StdEncoding.DecodeString(peerKeyB64)
	if err != nil {
		return nil, fmt.Errorf("peer key encoding: %w", err)
	}
	peer, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("peer key: %w", err)
	}
	secret, err := ours.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, make([]byte, sha256.Size), []byte(relayKDFInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive relay key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealPayload encrypts one relay frame body. The result is base64 of a
// random nonce followed by the ciphertext and tag.
func SealPayload(aead cipher.AEAD, frame []byte) (string, error) {
	buf := make([]byte, aead.NonceSize(), aead.NonceSize()+len(frame)+aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf = aead.Seal(buf, buf, frame, nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// OpenPayload reverses SealPayload.
func OpenPayload(aead cipher.AEAD, payload string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("sealed payload encoding: %w", err)
	}
	n := aead.NonceSize()
	if len(buf) < n {
		return nil, errShortPayload
	}
	frame, err := aead.Open(nil, buf[:n], buf[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return frame, nil
}
