package device

import (
	"strconv"
	"strings"
)

// AuthPayload is the canonical string the device signs during connect. The
// gateway rebuilds the same string to verify the signature, so field order,
// the "|" separator and the empty-string convention for a missing token are
// part of the wire contract.
type AuthPayload struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string // empty when no credential is presented
	Nonce      string // server challenge; selects the v2 layout when set
}

// Version returns "v2" when a nonce is present, else "v1".
func (p AuthPayload) Version() string {
	if p.Nonce != "" {
		return "v2"
	}
	return "v1"
}

func (p AuthPayload) String() string {
	parts := []string{
		p.Version(),
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}
	if p.Nonce != "" {
		parts = append(parts, p.Nonce)
	}
	return strings.Join(parts, "|")
}
