package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of tokens created by IssueToken.
const Issuer = "quittances"

// IssueToken signs an HS256 token whose subject is id.
func IssueToken(secret []byte, id string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	if id == "" {
		return "", ErrNoIdentity
	}

	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature and expiry and returns the subject.
func VerifyToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token claims", ErrNoIdentity)
	}
	return claims.Subject, nil
}

// subjectUnverified reads the subject of a token without checking its
// signature, as a client holding its own token does. Expired tokens yield
// ErrNoIdentity.
func subjectUnverified(tokenString string, now time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return "", fmt.Errorf("%w: token expired", ErrNoIdentity)
	}
	return claims.Subject, nil
}
