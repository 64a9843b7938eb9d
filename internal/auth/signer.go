package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"omics-backend/internal/types"
)

// Token purposes. Access tokens authorize API calls; temp tokens are only
// valid to complete an MFA challenge.
const (
	PurposeAccess    = "access"
	PurposeMFAVerify = "mfa_verify"
)

// Claims are the signed bearer-token claims. RolesVersion lets RBAC force
// re-auth: a bumped version on the user row invalidates outstanding tokens
// at the next check.
type Claims struct {
	RolesVersion int64  `json:"rv"`
	Purpose      string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies bearer tokens. Key rotation is the deployment's
// concern; the core sees one opaque signing key.
type Signer interface {
	Mint(userID string, rolesVersion int64, purpose string, ttl time.Duration) (token, jti string, err error)
	Verify(token string) (*Claims, error)
}

// HMACSigner signs HS256 tokens with a shared secret.
type HMACSigner struct {
	key []byte
	now func() time.Time
}

// NewHMACSigner wraps key. The caller guarantees the key is non-empty.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: key, now: time.Now}
}

// SetClock overrides the clock for tests.
func (s *HMACSigner) SetClock(now func() time.Time) { s.now = now }

func (s *HMACSigner) Mint(userID string, rolesVersion int64, purpose string, ttl time.Duration) (string, string, error) {
	now := s.now().UTC()
	jti := uuid.NewString()
	claims := Claims{
		RolesVersion: rolesVersion,
		Purpose:      purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

func (s *HMACSigner) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.E(types.ErrAuthInvalid, "unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if types.IsKind(err, types.ErrAuthInvalid) {
			return nil, err
		}
		if claims.ExpiresAt != nil && s.now().After(claims.ExpiresAt.Time) {
			return nil, types.E(types.ErrTokenExpired, "token expired")
		}
		return nil, types.E(types.ErrAuthInvalid, "invalid token")
	}
	if !token.Valid {
		return nil, types.E(types.ErrAuthInvalid, "invalid token")
	}
	return claims, nil
}
