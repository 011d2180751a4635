package controlplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaqueToken is returned when a job token is not a JWT. Opaque tokens are
// valid; they just carry nothing the agent can inspect.
var ErrOpaqueToken = errors.New("job token is not a JWT")

// JobTokenClaims are the claims the control plane puts in job tokens
type JobTokenClaims struct {
	JobID   string `json:"job_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenInfo summarises an inspected job token
type TokenInfo struct {
	JobID     string
	AgentID   string
	Subject   string
	ExpiresAt time.Time
}

// InspectJobToken decodes a job token without verifying its signature. The
// agent cannot verify tokens; it only reads them to log who the token was
// minted for and when it expires.
func InspectJobToken(token string) (TokenInfo, error) {
	claims := &JobTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}

	info := TokenInfo{
		JobID:   claims.JobID,
		AgentID: claims.AgentID,
		Subject: claims.Subject,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// ExpiresWithin reports whether the token expires within d of now. Tokens
// without an expiry never do.
func (i TokenInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return i.ExpiresAt.Before(now.Add(d))
}
