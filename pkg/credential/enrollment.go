package credential

import (
	"strings"
	"time"

	"github.com/sethvargo/go-password/password"
)

// Role granted by an enrollment code.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// EnrollmentCode grants a user a role in an organization. MaxUses of nil
// means unlimited; 1 is single-use.
type EnrollmentCode struct {
	Code      string
	Role      Role
	IsActive  bool
	ExpiresAt *time.Time
	MaxUses   *int
	UseCount  int
}

// CodeVerdict is the result of validating an enrollment code.
type CodeVerdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Reasons returned by ValidateEnrollmentCode.
const (
	ReasonInactive  = "code is no longer active"
	ReasonExpired   = "code has expired"
	ReasonExhausted = "code has reached its maximum number of uses"
	ReasonBadRole   = "code grants an unknown role"
)

// ValidateEnrollmentCode is a pure function of the code, the clock and the
// current use count.
func ValidateEnrollmentCode(code EnrollmentCode, now time.Time) CodeVerdict {
	switch {
	case !code.IsActive:
		return CodeVerdict{Reason: ReasonInactive}
	case code.ExpiresAt != nil && !now.Before(*code.ExpiresAt):
		return CodeVerdict{Reason: ReasonExpired}
	case code.MaxUses != nil && code.UseCount >= *code.MaxUses:
		return CodeVerdict{Reason: ReasonExhausted}
	case !code.Role.Valid():
		return CodeVerdict{Reason: ReasonBadRole}
	}
	return CodeVerdict{Valid: true}
}

const enrollmentCodeLength = 8

var codeGenerator = mustCodeGenerator()

// Ambiguous glyphs (0/O, 1/I/L) are left out so codes survive being read aloud.
func mustCodeGenerator() *password.Generator {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: "abcdefghjkmnpqrstuvwxyz",
		UpperLetters: "ABCDEFGHJKMNPQRSTUVWXYZ",
		Digits:       "23456789",
		Symbols:      "-",
	})
	if err != nil {
		panic(err)
	}
	return gen
}

// NewEnrollmentCode returns a short upper-case code for humans to type.
func NewEnrollmentCode() (string, error) {
	code, err := codeGenerator.Generate(enrollmentCodeLength, 3, 0, false, true)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(code), nil
}

// NormalizeEnrollmentCode canonicalises user input before lookup.
func NormalizeEnrollmentCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
