// Package idgen generates entity identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Entity ID prefixes.
const (
	PrefixTenant       = "ten_"
	PrefixSubscription = "sub_"
	PrefixAgent        = "agt_"
	PrefixAuditEvent   = "evt_"
	PrefixInstance     = "erp_"
	PrefixAPIKey       = "key_"
	PrefixWebhook      = "wh_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered (v7) UUID without
// dashes, so IDs of one kind sort roughly by creation time.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
