package util

import (
	"errors"
	"strings"
)

var (
	// ErrMissingAuthHeader is returned when the Authorization header is absent.
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader is returned when the Authorization header is not
	// a well-formed bearer credential.
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken pulls the JWT out of an "Authorization: Bearer <token>"
// header. The chat and admin middlewares and the WebSocket upgrade all
// authenticate through this.
func ExtractBearerToken(authHeader string) (string, error) {
	// No else needed: early return pattern (guard clause)
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// HasRole reports whether the claims carry any of the required roles.
// The admin console accepts either the platform admin role or the
// chat-specific one.
//
//	if util.HasRole(claims.Roles, constants.RoleAdmin, constants.RoleChatAdmin) {
//	    // console access granted
//	}
func HasRole(userRoles []string, requiredRoles ...string) bool {
	roleSet := make(map[string]struct{}, len(userRoles))
	for _, role := range userRoles {
		roleSet[role] = struct{}{}
	}

	for _, required := range requiredRoles {
		if _, ok := roleSet[required]; ok {
			return true
		}
	}

	return false
}

// ContainsWeakPattern reports whether s contains any of the given weak
// patterns, case-insensitively, and returns the first match. Startup
// validation runs the JWT secret through this against the known-weak list.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lower := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
