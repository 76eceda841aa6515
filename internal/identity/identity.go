// Package identity provides caller identity and role primitives.
//
// Authentication policy lives upstream (reverse proxy / gateway); this
// package only extracts the already-verified identity headers and makes
// them available to handlers and the tool registry.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const (
	UserIDHeaderName = "X-Ispec-User-Id"
	RoleHeaderName   = "X-Ispec-Role"
	NameHeaderName   = "X-Ispec-Name"
)

// Role orders caller capabilities from least to most privileged.
type Role int

const (
	RoleAnonymous Role = iota
	RoleViewer
	RoleCollaborator
	RoleAnalyst
	RoleEditor
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleAnonymous:    "anonymous",
	RoleViewer:       "viewer",
	RoleCollaborator: "collaborator",
	RoleAnalyst:      "analyst",
	RoleEditor:       "editor",
	RoleAdmin:        "admin",
}

// Two-letter abbreviations used on the prompt header line. Stable per
// header schema version.
var roleAbbrevs = map[Role]string{
	RoleAnonymous:    "an",
	RoleViewer:       "vw",
	RoleCollaborator: "cl",
	RoleAnalyst:      "an",
	RoleEditor:       "ed",
	RoleAdmin:        "ad",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "anonymous"
}

// Abbrev returns the wire abbreviation for the role.
func (r Role) Abbrev() string {
	if abbrev, ok := roleAbbrevs[r]; ok {
		return abbrev
	}
	return "an"
}

// AtLeast reports whether the role clears the given minimum.
func (r Role) AtLeast(minimum Role) bool {
	return r >= minimum
}

// ParseRole maps a header value to a Role, defaulting to viewer for
// unrecognized non-empty values and anonymous for empty ones.
func ParseRole(value string) Role {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "admin", "ad":
		return RoleAdmin
	case "editor", "ed", "staff":
		return RoleEditor
	case "analyst":
		return RoleAnalyst
	case "collaborator", "cl":
		return RoleCollaborator
	case "viewer", "vw", "user":
		return RoleViewer
	case "":
		return RoleAnonymous
	default:
		return RoleViewer
	}
}

// User is the resolved caller for one request or one command execution.
type User struct {
	ID          int64
	DisplayName string
	Role        Role
}

// Authenticated reports whether the caller carries a real user id.
func (u *User) Authenticated() bool {
	return u != nil && u.ID > 0
}

// IsStaff reports editor-or-above capability.
func (u *User) IsStaff() bool {
	return u != nil && u.Role.AtLeast(RoleEditor)
}

// IsAdmin reports admin capability.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type contextKey int

const userKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[0-9]{1,18}$`)

// FromContext extracts the caller from the request context. Returns nil
// when no identity middleware ran or the caller is anonymous.
func FromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey).(*User); ok {
		return u
	}
	return nil
}

// WithUser attaches a caller to a context. Exposed for tests and for
// code paths that act without an HTTP request.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func userFromRequest(r *http.Request) *User {
	rawID := strings.TrimSpace(r.Header.Get(UserIDHeaderName))
	if rawID == "" || !userIDPattern.MatchString(rawID) {
		return nil
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &User{
		ID:          id,
		DisplayName: strings.TrimSpace(r.Header.Get(NameHeaderName)),
		Role:        ParseRole(r.Header.Get(RoleHeaderName)),
	}
}

// Middleware injects the trusted-header caller identity into the request
// context. Requests without identity headers proceed as anonymous.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u := userFromRequest(r); u != nil {
				r = r.WithContext(WithUser(r.Context(), u))
			}
			next.ServeHTTP(w, r)
		})
	}
}
