package authserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Default access token lifetime
const TokenExpiryAccessToken = 15 * time.Minute

// Issuer signs and validates HS256 access tokens
type Issuer struct {
	SecretKey         string        // Secret key for signing JWTs
	Issuer            string        // Issuer claim (e.g., "myapp")
	AccessTokenExpiry time.Duration // Defaults to 15 minutes
	Clock             clockwork.Clock
}

func (i *Issuer) now() time.Time {
	if i.Clock == nil {
		return time.Now()
	}
	return i.Clock.Now()
}

// Issue creates a signed access token for userID.
// Every token carries a fresh jti, so two tokens issued in the same second differ.
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	expiry := i.AccessTokenExpiry
	if expiry == 0 {
		expiry = TokenExpiryAccessToken
	}

	now := i.now()
	expiresAt := now.Add(expiry)

	claims := jwt.MapClaims{
		"sub":  userID,
		"type": "access",
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}
	if i.Issuer != "" {
		claims["iss"] = i.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(i.SecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate checks signature, expiry, type and issuer and returns the subject
func (i *Issuer) Validate(tokenString string) (userID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(i.SecretKey), nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	// Verify token type
	if tokenType, ok := claims["type"].(string); !ok || tokenType != "access" {
		return "", fmt.Errorf("invalid token type")
	}

	// Verify issuer if configured
	if i.Issuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != i.Issuer {
			return "", fmt.Errorf("invalid issuer")
		}
	}

	userID, ok = claims["sub"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("missing subject")
	}

	return userID, nil
}
