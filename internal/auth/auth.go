package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const (
	// RoleQueryRunner may lint, submit, watch and cancel runs.
	RoleQueryRunner = "query_runner"
	// RoleAdmin holds every role.
	RoleAdmin = "admin"
)

// Identity is the authenticated principal. TenantID and MemberID select
// the row-level security scope; UserID is recorded on submitted runs.
type Identity struct {
	TenantID string
	MemberID string
	UserID   string
	Roles    []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role) || slices.Contains(i.Roles, RoleAdmin)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated
// key:tenant:member:user:role|role entries. The user part may be empty.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseStaticKey(entry)
		if err != nil {
			return nil, err
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		validator.keys[key] = identity
	}
	return validator, nil
}

func parseStaticKey(entry string) (string, Identity, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 5 {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: expected key:tenant:member:user:role|role", entry)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: empty key/tenant/member", entry)
	}

	var roles []string
	for _, role := range strings.Split(parts[4], "|") {
		if role = strings.TrimSpace(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
	}
	slices.Sort(roles)
	return parts[0], Identity{TenantID: parts[1], MemberID: parts[2], UserID: parts[3], Roles: roles}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
