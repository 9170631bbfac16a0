package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"
)

// StaticValidator accepts a single shared bearer token and assigns every
// connection the same userID. cmd/relay uses it as its upgrade-time
// validator, with the token taken from AUTH_TOKEN; tests use it too.
type StaticValidator struct {
	Token  string
	UserID string
}

func (v StaticValidator) Validate(_ context.Context, token string, _ *http.Request) (*Auth, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return nil, nil
	}
	now := time.Now()
	return &Auth{
		UserID:         v.UserID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}, nil
}

// AllowAllRules permits every subscribe/publish/message check and applies
// a single fixed rate limit. Useful for local development and as the
// default when no config.Rules file is supplied.
type AllowAllRules struct {
	RateLimit float64
}

func (r AllowAllRules) CanSubscribeToTopic(string, string) bool { return true }
func (r AllowAllRules) CanPublishToTopic(string, string) bool   { return true }
func (r AllowAllRules) CanMessagePeer(string, string) bool      { return true }
func (r AllowAllRules) GetRateLimit(string) float64             { return r.RateLimit }
