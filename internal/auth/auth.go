// Package auth authenticates API callers by static API keys and carries the
// resulting identity through the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

// RoleAnalyst may create, bind and query sessions.
const RoleAnalyst = "analyst"

// Identity is the authenticated caller. UserID scopes every session
// operation.
type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds digests of configured keys, never the keys.
type StaticAPIKeyValidator struct {
	entries []keyEntry
}

type keyEntry struct {
	digest   [sha256.Size]byte
	identity Identity
}

// NewStaticAPIKeyValidator parses a comma separated list of
// key:user:role|role entries. Keys must be unique.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	seen := map[[sha256.Size]byte]bool{}
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, identity, err := parseKeyEntry(raw)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if seen[digest] {
			return nil, fmt.Errorf("static key for user %q is configured twice", identity.UserID)
		}
		seen[digest] = true
		validator.entries = append(validator.entries, keyEntry{digest: digest, identity: identity})
	}
	return validator, nil
}

// parseKeyEntry splits one entry. Error messages name the user, never the
// key.
func parseKeyEntry(raw string) (string, Identity, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return "", Identity{}, fmt.Errorf("static key entry has %d fields, expected key:user:role|role", len(parts))
	}
	key := strings.TrimSpace(parts[0])
	user := strings.TrimSpace(parts[1])
	if key == "" {
		return "", Identity{}, fmt.Errorf("static key entry for user %q has an empty key", user)
	}
	if user == "" {
		return "", Identity{}, fmt.Errorf("static key entry has an empty user")
	}
	var roles []string
	for _, role := range strings.Split(parts[2], "|") {
		if role = strings.TrimSpace(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("static key entry for user %q needs at least one role", user)
	}
	slices.Sort(roles)
	return key, Identity{UserID: user, Roles: roles}, nil
}

// Validate compares digests in constant time and checks every entry so the
// position of a match is not observable.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	if apiKey == "" {
		return Identity{}, false
	}
	digest := sha256.Sum256([]byte(apiKey))
	var (
		found   Identity
		matched bool
	)
	for _, entry := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			found, matched = entry.identity, true
		}
	}
	return found, matched
}

// Len reports how many keys are configured.
func (v *StaticAPIKeyValidator) Len() int {
	return len(v.entries)
}
