package roles

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeker(role Role, pref Preference) Seeker {
	return Seeker{UserID: uuid.New(), Role: role, Preference: pref}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		name string
		a, b Seeker
		want bool
	}{
		{"talk with listen", seeker(Talk, PreferAny), seeker(Listen, PreferAny), true},
		{"talk with talk", seeker(Talk, PreferAny), seeker(Talk, PreferAny), false},
		{"listen with listen", seeker(Listen, PreferAny), seeker(Listen, PreferAny), false},
		{"both with talk", seeker(Both, PreferAny), seeker(Talk, PreferAny), true},
		{"both with listen", seeker(Both, PreferAny), seeker(Listen, PreferAny), true},
		{"both with both", seeker(Both, PreferAny), seeker(Both, PreferAny), true},
		{"complementary exclusive preferences", seeker(Both, PreferTalk), seeker(Both, PreferListen), true},
		{"identical exclusive preferences", seeker(Both, PreferTalk), seeker(Both, PreferTalk), false},
		{"one side open preference", seeker(Both, PreferTalk), seeker(Both, PreferAny), true},
		{"both preference is not exclusive", seeker(Both, PreferBoth), seeker(Both, PreferBoth), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compatible(tc.a, tc.b))
			assert.Equal(t, tc.want, Compatible(tc.b, tc.a), "predicate must be symmetric")
		})
	}
}

func TestCompatible_Avoidance(t *testing.T) {
	a := seeker(Talk, PreferAny)
	b := seeker(Listen, PreferAny)
	require.True(t, Compatible(a, b))

	a.Avoid = []uuid.UUID{b.UserID}
	assert.False(t, Compatible(a, b))
	assert.False(t, Compatible(b, a))
}

func TestCompatible_BothAcceptsAnyRole(t *testing.T) {
	for _, r := range []Role{Talk, Listen, Both} {
		assert.True(t, Compatible(seeker(Both, PreferAny), seeker(r, PreferAny)), "role %s", r)
		assert.True(t, RolesCompatible(Both, r))
	}
}

func TestParse(t *testing.T) {
	r, err := ParseRole("listen")
	require.NoError(t, err)
	assert.Equal(t, Listen, r)

	_, err = ParseRole("shout")
	assert.Error(t, err)

	p, err := ParsePreference("")
	require.NoError(t, err)
	assert.Equal(t, PreferAny, p)

	_, err = ParsePreference("nobody")
	assert.Error(t, err)
}
