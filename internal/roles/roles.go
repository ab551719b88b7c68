// Package roles holds the conversational roles and the pairing rule shared by
// matchmaking and presence queries.
package roles

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

type Role string

const (
	Talk   Role = "talk"
	Listen Role = "listen"
	Both   Role = "both"
)

// Preference is the role a seeker wants its partner to take.
type Preference string

const (
	PreferTalk   Preference = "talk"
	PreferListen Preference = "listen"
	PreferBoth   Preference = "both"
	PreferAny    Preference = "any"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Talk, Listen, Both:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// ParsePreference maps an empty string to PreferAny.
func ParsePreference(s string) (Preference, error) {
	if s == "" {
		return PreferAny, nil
	}
	switch p := Preference(s); p {
	case PreferTalk, PreferListen, PreferBoth, PreferAny:
		return p, nil
	}
	return "", fmt.Errorf("invalid preferred role %q", s)
}

func (p Preference) exclusive() bool {
	return p == PreferTalk || p == PreferListen
}

// Seeker is one side of a candidate pairing.
type Seeker struct {
	UserID     uuid.UUID
	Role       Role
	Preference Preference
	Avoid      []uuid.UUID
}

func (s Seeker) Avoids(id uuid.UUID) bool {
	return slices.Contains(s.Avoid, id)
}

// Compatible reports whether a and b may be paired. The rule is symmetric.
func Compatible(a, b Seeker) bool {
	if a.Avoids(b.UserID) || b.Avoids(a.UserID) {
		return false
	}
	if a.Role == b.Role && (a.Role == Talk || a.Role == Listen) {
		return false
	}
	if a.Preference.exclusive() && b.Preference.exclusive() {
		return a.Preference != b.Preference
	}
	return true
}

// RolesCompatible applies Compatible to two bare roles with no preferences.
func RolesCompatible(a, b Role) bool {
	return Compatible(Seeker{Role: a, Preference: PreferAny}, Seeker{Role: b, Preference: PreferAny})
}
