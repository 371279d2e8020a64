// Package device owns the long-lived Ed25519 identity that proves "this is the
// same device" to the gateway across sessions. Only the Manager ever touches
// the private key; callers receive signatures.
package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StorageKey is the key-value slot holding the persisted identity record.
const StorageKey = "device.identity.v1"

const recordVersion = 1

// ErrSign is returned when a payload cannot be signed.
var ErrSign = errors.New("device signing failed")

// KV is the credential-persistence collaborator.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// insertOnce is implemented by stores that can create a record atomically.
type insertOnce interface {
	SetIfAbsent(key, value string) (bool, error)
}

// Identity is the public half of the device identity.
type Identity struct {
	DeviceID  string
	PublicKey ed25519.PublicKey
	CreatedAt time.Time
}

// PublicKeyString returns the raw public key as unpadded base64url.
func (id Identity) PublicKeyString() string {
	return base64.RawURLEncoding.EncodeToString(id.PublicKey)
}

type record struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"` // base64url Ed25519 seed
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Manager loads or creates the device identity once and signs payloads with it.
type Manager struct {
	kv     KV
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	id     Identity
	priv   ed25519.PrivateKey
}

// NewManager returns a Manager persisting through kv.
func NewManager(kv KV, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: kv, logger: logger}
}

// DeriveID returns the device id for a raw public key: hex(sha256(pub)).
func DeriveID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the persisted identity, generating and storing a new one
// when none exists or the stored record is unreadable.
func (m *Manager) GetOrCreate() (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.id, nil
	}

	raw, ok, err := m.kv.Get(StorageKey)
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if ok {
		id, priv, perr := parseRecord(raw)
		if perr == nil {
			m.set(id, priv)
			return id, nil
		}
		m.logger.Warn("stored device identity unreadable, regenerating", "error", perr)
	}

	id, priv, rec, err := generate()
	if err != nil {
		return Identity{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal identity: %w", err)
	}

	if ins, canInsert := m.kv.(insertOnce); canInsert && !ok {
		wrote, err := ins.SetIfAbsent(StorageKey, string(data))
		if err != nil {
			return Identity{}, fmt.Errorf("persist identity: %w", err)
		}
		if !wrote {
			// Another process created one first; adopt it.
			raw, _, err := m.kv.Get(StorageKey)
			if err != nil {
				return Identity{}, fmt.Errorf("load identity: %w", err)
			}
			id, priv, err = parseRecord(raw)
			if err != nil {
				return Identity{}, fmt.Errorf("load concurrent identity: %w", err)
			}
		}
	} else if err := m.kv.Set(StorageKey, string(data)); err != nil {
		return Identity{}, fmt.Errorf("persist identity: %w", err)
	}

	m.logger.Info("device identity ready", "device_id", id.DeviceID)
	m.set(id, priv)
	return id, nil
}

func (m *Manager) set(id Identity, priv ed25519.PrivateKey) {
	m.id = id
	m.priv = priv
	m.loaded = true
}

// Sign signs the UTF-8 bytes of payload and returns the detached signature
// as unpadded base64url.
func (m *Manager) Sign(payload string) (string, error) {
	if _, err := m.GetOrCreate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSign, err)
	}
	m.mu.Lock()
	priv := m.priv
	m.mu.Unlock()
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: no private key", ErrSign)
	}
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a base64url signature over payload against a base64url public
// key, as the gateway does.
func Verify(publicKey, payload, signature string) error {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key: want %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return errors.New("signature mismatch")
	}
	return nil
}

func generate() (Identity, ed25519.PrivateKey, record, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, nil, record{}, fmt.Errorf("generate keypair: %w", err)
	}
	now := time.Now()
	id := Identity{DeviceID: DeriveID(pub), PublicKey: pub, CreatedAt: now}
	rec := record{
		Version:     recordVersion,
		DeviceID:    id.DeviceID,
		PublicKey:   base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey:  base64.RawURLEncoding.EncodeToString(priv.Seed()),
		CreatedAtMs: now.UnixMilli(),
	}
	return id, priv, rec, nil
}

func parseRecord(raw string) (Identity, ed25519.PrivateKey, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Identity{}, nil, fmt.Errorf("parse identity: %w", err)
	}
	if rec.Version != recordVersion {
		return Identity{}, nil, fmt.Errorf("unsupported identity version %d", rec.Version)
	}
	seed, err := base64.RawURLEncoding.DecodeString(rec.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return Identity{}, nil, errors.New("bad private key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if rec.PublicKey != base64.RawURLEncoding.EncodeToString(pub) {
		return Identity{}, nil, errors.New("public key does not match private key")
	}
	id := Identity{
		DeviceID:  DeriveID(pub),
		PublicKey: pub,
		CreatedAt: time.UnixMilli(rec.CreatedAtMs),
	}
	if rec.DeviceID != id.DeviceID {
		return Identity{}, nil, errors.New("device id does not match public key")
	}
	return id, priv, nil
}
