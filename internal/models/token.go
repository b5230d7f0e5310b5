package models

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// AuthToken is a bearer token issued by the gateway for a subject.
type AuthToken struct {
	Subject   string    `json:"subject"`
	Value     string    `json:"value"`
	TokenType string    `json:"token_type"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token can still be used at now, keeping margin
// before expiry.
func (t AuthToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// OAuth2 converts the token for attaching to outgoing requests.
func (t AuthToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.Value,
		TokenType:   t.TokenType,
		Expiry:      t.ExpiresAt,
	}
}

// MarshalZerologObject logs the token without its value.
func (t AuthToken) MarshalZerologObject(e *zerolog.Event) {
	e.Str("subject", t.Subject).
		Time("issued_at", t.IssuedAt).
		Time("expires_at", t.ExpiresAt)
}

// String never exposes the token value.
func (t AuthToken) String() string {
	return "AuthToken{subject=" + t.Subject + ", expires_at=" + t.ExpiresAt.Format(time.RFC3339) + "}"
}
