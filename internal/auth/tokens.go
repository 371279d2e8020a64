package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenKeyPrefix = "device.token/"

// Store is the credential-persistence collaborator.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// CachedToken is a gateway-issued per-role device token.
type CachedToken struct {
	DeviceID  string    `json:"deviceId"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenCache persists device tokens keyed by (deviceID, role). A token is
// only ever returned for the exact pair that stored it.
type TokenCache struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTokenCache(store Store, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{store: store, logger: logger, now: time.Now}
}

// tokenKey escapes both components so no (device, role) pair can collide
// with another pair's key.
func tokenKey(deviceID, role string) string {
	return tokenKeyPrefix + url.PathEscape(deviceID) + "/" + url.PathEscape(role)
}

// Load returns the cached token for deviceID and role. Unreadable, foreign
// or expired entries are reported as absent; unreadable and expired ones are
// also removed.
func (c *TokenCache) Load(deviceID, role string) (*CachedToken, error) {
	key := tokenKey(deviceID, role)
	raw, ok, err := c.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var tok CachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || tok.Token == "" {
		c.logger.Warn("discarding unreadable cached token", "role", role)
		_ = c.store.Delete(key)
		return nil, nil
	}
	if tok.DeviceID != deviceID || tok.Role != role {
		return nil, nil
	}
	if Expired(tok.Token, c.now()) {
		c.logger.Info("cached device token expired", "role", role)
		_ = c.store.Delete(key)
		return nil, nil
	}
	return &tok, nil
}

// Save stores token for deviceID and role, overwriting any previous value.
func (c *TokenCache) Save(deviceID, role, token string, scopes []string) error {
	tok := CachedToken{
		DeviceID:  deviceID,
		Role:      role,
		Token:     token,
		Scopes:    scopes,
		UpdatedAt: c.now().UTC(),
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := c.store.Set(tokenKey(deviceID, role), string(data)); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Delete removes the token for deviceID and role.
func (c *TokenCache) Delete(deviceID, role string) error {
	if err := c.store.Delete(tokenKey(deviceID, role)); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Roles lists the roles holding a cached token for deviceID, sorted.
func (c *TokenCache) Roles(deviceID string) ([]string, error) {
	prefix := tokenKeyPrefix + url.PathEscape(deviceID) + "/"
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	roles := make([]string, 0, len(keys))
	for _, k := range keys {
		role, err := url.PathUnescape(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// Expired reports whether token is a JWT whose exp lies before now. Opaque
// tokens and JWTs without exp never expire locally; the gateway decides.
func Expired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
