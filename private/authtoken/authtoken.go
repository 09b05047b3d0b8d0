// Package authtoken issues and verifies the short-lived signed bearer
// tokens described in spec.md §6.2: asymmetric signing with a 25-hour
// overlap rotation and a multi-version verifier that accepts any
// currently-active public key.
package authtoken

import (
	"crypto/rsa"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/zeebo/errs"
)

// Error is the class for auth failures (maps to HTTP 401 per spec.md §7).
var Error = errs.Class("authtoken")

// SubjectType distinguishes service accounts from human admin users.
type SubjectType string

const (
	SubjectServiceAccount SubjectType = "service_account"
	SubjectAdminUser      SubjectType = "admin_user"
)

// Claims is the token payload: {sub, type, role}.
type Claims struct {
	jwt.StandardClaims
	Type SubjectType `json:"type"`
	Role string      `json:"role"`
}

// KeyVersion is one signing key in the rotation window.
type KeyVersion struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey // nil for verify-only (retired) keys
	PublicKey  *rsa.PublicKey
	NotAfter   time.Time // verification remains valid until this time
}

// Verifier holds every currently-active public key (current plus any
// still inside its 25-hour overlap window) and accepts a token signed by
// any of them.
type Verifier struct {
	keys map[string]KeyVersion
}

// NewVerifier builds a Verifier from the given key set.
func NewVerifier(keys []KeyVersion) *Verifier {
	v := &Verifier{keys: map[string]KeyVersion{}}
	for _, k := range keys {
		v.keys[k.KeyID] = k
	}
	return v
}

// Issuer signs new tokens with the single current key.
type Issuer struct {
	current KeyVersion
	ttl     time.Duration
}

// NewIssuer returns an Issuer signing with current, whose tokens expire
// after ttl (short-lived, per spec.md §6.2).
func NewIssuer(current KeyVersion, ttl time.Duration) *Issuer {
	return &Issuer{current: current, ttl: ttl}
}

// Issue mints a signed token for subject/subjectType/role.
func (iss *Issuer) Issue(subject string, subjectType SubjectType, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(iss.ttl).Unix(),
		},
		Type: subjectType,
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = iss.current.KeyID
	signed, err := token.SignedString(iss.current.PrivateKey)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and key-overlap validity, returning the
// claims on success.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, Error.New("unknown signing key %q", kid)
		}
		if time.Now().After(key.NotAfter) {
			return nil, Error.New("signing key %q outside its overlap window", kid)
		}
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !token.Valid {
		return nil, Error.New("invalid token")
	}
	return claims, nil
}

// Role checks, per spec.md §6.2: ADMIN/USER for writes, any role for
// reads.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// RequireRole reports whether claims.Role satisfies one of allowed.
func RequireRole(claims *Claims, allowed ...string) bool {
	for _, role := range allowed {
		if claims.Role == role {
			return true
		}
	}
	return false
}
