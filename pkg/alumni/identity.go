package alumni

import (
	"fmt"
	"strings"
	"time"
)

// Credential is an opaque bearer token authorizing API and channel access.
type Credential string

// String returns the raw token.
func (c Credential) String() string {
	return string(c)
}

// IsZero reports whether the credential is absent.
func (c Credential) IsZero() bool {
	return strings.TrimSpace(string(c)) == ""
}

// RoleAdmin is the backend role granting administrative access.
const RoleAdmin = "admin"

// Identity is the authenticated user's profile and role record.
type Identity struct {
	// ID is the backend user identifier.
	ID int64 `json:"id"`
	// Email is the login email address.
	Email string `json:"email"`
	// Name is the display name.
	Name string `json:"name,omitempty"`
	// Role is the authorization role, for example "alumni" or "admin".
	Role string `json:"role,omitempty"`
	// StudentID is the optional school-issued student number.
	StudentID string `json:"student_id,omitempty"`
	// GraduationYear is the optional graduation year.
	GraduationYear int `json:"graduation_year,omitempty"`
	// CreatedAt records when the account was created, as reported by the backend.
	CreatedAt string `json:"created_at,omitempty"`
	// Profile carries free-form profile fields the layer does not interpret.
	Profile map[string]any `json:"profile,omitempty"`
}

// Validate checks the fields every persisted identity must carry.
func (i Identity) Validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("validate identity: %w: missing id", ErrInvalidIdentity)
	}
	if strings.TrimSpace(i.Email) == "" {
		return fmt.Errorf("validate identity %d: %w: missing email", i.ID, ErrInvalidIdentity)
	}

	return nil
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return i.Role == role
}

// IsAdmin reports whether the identity has administrative access.
func (i Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// Clone returns a copy that shares no mutable state with i.
func (i Identity) Clone() Identity {
	cloned := i
	if i.Profile != nil {
		cloned.Profile = make(map[string]any, len(i.Profile))
		for key, value := range i.Profile {
			cloned.Profile[key] = value
		}
	}

	return cloned
}

// Session is a read-only snapshot of the held credential and identity.
type Session struct {
	Credential Credential
	Identity   Identity
	// ExpiresAt is the credential expiry when it can be derived, zero otherwise.
	ExpiresAt time.Time
}

// Expired reports whether the credential has a known expiry at or before now.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}

	return !now.Before(s.ExpiresAt)
}

// SessionReader exposes the current session to components that must not mutate it.
type SessionReader interface {
	// Session returns the current snapshot; ok is false when no session is held.
	Session() (session Session, ok bool)
}
