package notes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medrex/scribe/pkg/types"
)

// ClinicianClaims are the claims carried by a clinician bearer token
type ClinicianClaims struct {
	ClinicianID string `json:"clinician_id"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator validates and issues HMAC-signed clinician tokens
type TokenValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenValidator creates a new token validator. Empty issuer or audience
// disables the corresponding check.
func NewTokenValidator(secret, issuer, audience string) *TokenValidator {
	return &TokenValidator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Validate parses a token and returns its claims
func (tv *TokenValidator) Validate(tokenString string) (*ClinicianClaims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ClinicianClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*ClinicianClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ClinicianID == "" {
		claims.ClinicianID = claims.Subject
	}
	if strings.TrimSpace(claims.ClinicianID) == "" {
		return nil, fmt.Errorf("token carries no clinician id")
	}
	return claims, nil
}

// Issue signs a token for a clinician
func (tv *TokenValidator) Issue(clinicianID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &ClinicianClaims{
		ClinicianID: clinicianID,
		Name:        name,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tv.issuer,
			Subject:   clinicianID,
		},
	}
	if tv.audience != "" {
		claims.Audience = jwt.ClaimStrings{tv.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tv.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type claimsKey struct{}

// ContextWithClaims attaches validated claims to ctx
func ContextWithClaims(ctx context.Context, claims *ClinicianClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims attached by the auth middleware
func ClaimsFromContext(ctx context.Context) (*ClinicianClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*ClinicianClaims)
	return claims, ok
}

// bearerToken extracts the token from an Authorization header
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}

// unauthorized wraps an authentication failure for the error writer
func unauthorized(err error) error {
	e := types.NewAuthorizationError(err.Error())
	e.Cause = err
	return e
}
