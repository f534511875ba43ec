package live

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/interviewpilot/devicesync/internal"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	assertNoError(t, err)
	return s
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier([]byte("sekrit"))

	userID, err := v.VerifyToken(signToken(t, "sekrit", jwt.MapClaims{"sub": "user_1"}))
	assertNoError(t, err)
	if userID != "user_1" {
		t.Fatalf("userID: got %q", userID)
	}

	// legacy tokens carry the user in "id"
	userID, err = v.VerifyToken(signToken(t, "sekrit", jwt.MapClaims{"id": "user_2"}))
	assertNoError(t, err)
	if userID != "user_2" {
		t.Fatalf("legacy userID: got %q", userID)
	}

	for name, token := range map[string]string{
		"wrong secret": signToken(t, "not-the-secret", jwt.MapClaims{"sub": "user_1"}),
		"no subject":   signToken(t, "sekrit", jwt.MapClaims{"foo": "bar"}),
		"garbage":      "abc.def.ghi",
		"empty":        "",
	} {
		if _, err := v.VerifyToken(token); err == nil {
			t.Errorf("%s: token verified", name)
		} else if !internal.IsUnauthorized(err) {
			t.Errorf("%s: error is not unauthorized: %s", name, err)
		}
	}
}

// tokens signed with a non-HMAC algorithm must be refused even if otherwise
// well formed ("alg":"none" style downgrade)
func TestJWTVerifierRejectsUnsignedToken(t *testing.T) {
	v := NewJWTVerifier([]byte("sekrit"))
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user_1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	assertNoError(t, err)
	if _, err := v.VerifyToken(token); err == nil {
		t.Fatalf("unsigned token verified")
	}
}
