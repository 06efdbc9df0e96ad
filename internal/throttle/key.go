package throttle

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	keyNamespace    = "throttle"
	violationSuffix = "#violations"
)

var scopeEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "#", "%23", "*", "%2A", "?", "%3F", "[", "%5B", "]", "%5D")

// DeriveKey builds the counter key for a scope and a normalized identity.
// The identity is hashed so keys have a bounded length and raw addresses
// never reach the shared store.
func DeriveKey(scope, identity string) string {
	sum := blake2b.Sum256([]byte(identity))
	return ScopePrefix(scope) + hex.EncodeToString(sum[:16])
}

// ScopePrefix returns the key prefix shared by every counter of a scope
func ScopePrefix(scope string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return keyNamespace + ":" + scopeEscaper.Replace(scope) + ":"
}

// ViolationKey returns the key holding the escalation state for a counter key
func ViolationKey(key string) string {
	return key + violationSuffix
}
