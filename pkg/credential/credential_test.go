package credential

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEndpointTokenIs256BitHex(t *testing.T) {
	a, err := NewEndpointToken()
	require.NoError(t, err)
	b, err := NewEndpointToken()
	require.NoError(t, err)

	require.Len(t, a, 64)
	_, err = hex.DecodeString(a)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNewRouterToken(t *testing.T) {
	tok := NewRouterToken()
	require.Len(t, tok, 64)
	require.NotContains(t, tok, "-")
	require.NotEqual(t, tok, NewRouterToken())
}

func TestCredentialCheck(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	open := Issue("abc", now, 0)
	require.Nil(t, open.ExpiresAt)
	require.NoError(t, open.Check("abc", now.Add(1000*time.Hour)))
	require.ErrorIs(t, open.Check("", now), ErrMissingToken)
	require.ErrorIs(t, open.Check("abd", now), ErrInvalidToken)

	expiring := Issue("abc", now, time.Hour)
	require.NotNil(t, expiring.ExpiresAt)
	require.NoError(t, expiring.Check("abc", now.Add(59*time.Minute)))
	require.ErrorIs(t, expiring.Check("abc", now.Add(time.Hour)), ErrTokenExpired)
	require.False(t, expiring.Expired(now.Add(59*time.Minute)))
	require.True(t, expiring.Expired(now.Add(time.Hour)))
	require.False(t, open.Expired(now.Add(1000*time.Hour)))

	require.ErrorIs(t, Credential{}.Check("anything", now), ErrInvalidToken)
}

func TestValidateEnrollmentCode(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	one := 1
	five := 5

	tests := []struct {
		name   string
		code   EnrollmentCode
		valid  bool
		reason string
	}{
		{name: "unlimited", code: EnrollmentCode{Role: RoleMember, IsActive: true}, valid: true},
		{name: "inactive", code: EnrollmentCode{Role: RoleMember}, reason: ReasonInactive},
		{name: "expired", code: EnrollmentCode{Role: RoleAdmin, IsActive: true, ExpiresAt: &past}, reason: ReasonExpired},
		{name: "not yet expired", code: EnrollmentCode{Role: RoleAdmin, IsActive: true, ExpiresAt: &future}, valid: true},
		{name: "single use consumed", code: EnrollmentCode{Role: RoleOwner, IsActive: true, MaxUses: &one, UseCount: 1}, reason: ReasonExhausted},
		{name: "single use fresh", code: EnrollmentCode{Role: RoleOwner, IsActive: true, MaxUses: &one}, valid: true},
		{name: "capped under limit", code: EnrollmentCode{Role: RoleMember, IsActive: true, MaxUses: &five, UseCount: 4}, valid: true},
		{name: "unknown role", code: EnrollmentCode{Role: "superuser", IsActive: true}, reason: ReasonBadRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateEnrollmentCode(tt.code, now)
			require.Equal(t, tt.valid, got.Valid)
			require.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestNewEnrollmentCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := NewEnrollmentCode()
		require.NoError(t, err)
		require.Len(t, code, enrollmentCodeLength)
		require.Equal(t, code, NormalizeEnrollmentCode(" "+code+" "))
		require.NotContainsf(t, code, "O", "ambiguous glyph in %s", code)
		require.NotContainsf(t, code, "0", "ambiguous glyph in %s", code)
		seen[code] = true
	}
	require.Greater(t, len(seen), 45)
}
