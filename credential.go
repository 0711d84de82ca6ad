package tokenkeeper

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a parsed access token. It is never mutated; a refresh
// produces a new Credential.
type Credential struct {
	Token     string    `json:"access_token"`
	Subject   string    `json:"subject,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ParseCredential decodes the claims of a signed token without verifying its
// signature. The client only needs the expiry; verification is the server's job.
//
// A token with no decodable exp claim yields a *MalformedTokenError.
func ParseCredential(token string) (*Credential, error) {
	if token == "" {
		return nil, &MalformedTokenError{Reason: "empty token"}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, &MalformedTokenError{Reason: "cannot decode claims", Err: err}
	}
	if claims.ExpiresAt == nil {
		return nil, &MalformedTokenError{Reason: "missing exp claim"}
	}

	cred := &Credential{
		Token:     token,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	return cred, nil
}

// ExpiresAtEpochSeconds returns the exp claim as unix seconds.
// A credential with an undecodable claim reports 0.
func (c *Credential) ExpiresAtEpochSeconds() int64 {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Unix()
}

// IsExpired returns true if the token is past its exp claim at now
func (c *Credential) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (c *Credential) IsExpiringSoon(now time.Time, within time.Duration) bool {
	return !now.Add(within).Before(c.ExpiresAt)
}

// RemainingLifetime returns how long the token stays usable, never negative.
func (c *Credential) RemainingLifetime(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
