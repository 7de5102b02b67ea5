package notes

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/scribe/pkg/rbac"
)

func TestTokenValidator_IssueAndValidate(t *testing.T) {
	tv := NewTokenValidator("test-secret", "scribe", "clinical-notes")

	token, err := tv.Issue("dr-lee", "Dr Lee", rbac.RoleConsultingDoctor, time.Hour)
	require.NoError(t, err)

	claims, err := tv.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "dr-lee", claims.ClinicianID)
	assert.Equal(t, rbac.RoleConsultingDoctor, claims.Role)
	assert.Equal(t, "scribe", claims.Issuer)
}

func TestTokenValidator_SubjectFallback(t *testing.T) {
	tv := NewTokenValidator("test-secret", "", "")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dr-kim",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	claims, err := tv.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "dr-kim", claims.ClinicianID)
}

func TestTokenValidator_Rejects(t *testing.T) {
	tv := NewTokenValidator("test-secret", "scribe", "clinical-notes")

	sign := func(secret string, method jwt.SigningMethod, claims jwt.Claims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}
	valid := func() *ClinicianClaims {
		return &ClinicianClaims{
			ClinicianID: "dr-lee",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "scribe",
				Audience:  jwt.ClaimStrings{"clinical-notes"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := valid()
	wrongAudience.Audience = jwt.ClaimStrings{"billing"}
	noClinician := valid()
	noClinician.ClinicianID = ""

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign("other-secret", jwt.SigningMethodHS256, valid())},
		{"expired", sign("test-secret", jwt.SigningMethodHS256, expired)},
		{"no expiry", sign("test-secret", jwt.SigningMethodHS256, noExpiry)},
		{"wrong issuer", sign("test-secret", jwt.SigningMethodHS256, wrongIssuer)},
		{"wrong audience", sign("test-secret", jwt.SigningMethodHS256, wrongAudience)},
		{"no clinician", sign("test-secret", jwt.SigningMethodHS256, noClinician)},
		{"unsigned", func() string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid()).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return token
		}()},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tv.Validate(tt.token)
			assert.Error(t, err)
		})
	}
}
