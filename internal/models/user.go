package models

import (
	"strconv"
	"strings"
)

// CalendarUser identifies a participant of a scheduling exchange.
// EntityID is the internal user id; it is zero for external users that are
// only known by their calendar address.
type CalendarUser struct {
	EntityID int
	URI      string // calendar address, usually "mailto:..."
	Email    string
	CN       string // display name
	// SentBy is set when another user acts on behalf of this one.
	SentBy *CalendarUser
}

// IsInternal reports whether the user is backed by an internal account.
func (u CalendarUser) IsInternal() bool {
	return u.EntityID > 0
}

// Address returns the normalized calendar address of the user.
func (u CalendarUser) Address() string {
	uri := u.URI
	if uri == "" && u.Email != "" {
		uri = "mailto:" + u.Email
	}
	return NormalizeURI(uri)
}

// String is used in log attributes.
func (u CalendarUser) String() string {
	if addr := u.Address(); addr != "" {
		return addr
	}
	if u.EntityID > 0 {
		return "user:" + strconv.Itoa(u.EntityID)
	}
	return "<unknown>"
}

// NormalizeURI lower-cases a calendar address and unifies the mailto scheme.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "mailto:") {
		return "mailto:" + strings.TrimSpace(lower[len("mailto:"):])
	}
	if strings.Contains(lower, "@") && !strings.Contains(lower, ":") {
		return "mailto:" + lower
	}
	return lower
}

// SameUser reports whether a and b denote the same calendar user.
// Entity ids decide when both users are internal; otherwise the normalized
// calendar addresses are compared.
func SameUser(a, b CalendarUser) bool {
	if a.EntityID > 0 && b.EntityID > 0 {
		return a.EntityID == b.EntityID
	}
	addrA, addrB := a.Address(), b.Address()
	if addrA == "" || addrB == "" {
		return false
	}
	return addrA == addrB
}
