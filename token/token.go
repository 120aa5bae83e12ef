// Package token issues and verifies short-lived subscription tokens.
// A token authorizes exactly one (userID, workflowID) channel and must
// be refreshed out-of-band before expiry; the realtime package consumes
// the RefreshFunc callback for that.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/xraph/pulse"
	"github.com/xraph/pulse/channel"
)

// DefaultTTL is the default token lifetime.
const DefaultTTL = 1 * time.Minute

// Token is an issued subscription credential.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the verified content of a subscription token.
type Claims struct {
	UserID     string
	WorkflowID string
	ExpiresAt  time.Time
}

// RefreshFunc fetches a fresh token for a subscription. Implementations
// typically call the host application's token-issuance endpoint.
type RefreshFunc func(ctx context.Context) (Token, error)

type jwtClaims struct {
	WorkflowID string `json:"workflow"`
	jwt.RegisteredClaims
}

// ── Issuer ──────────────────────────────────────────

// Issuer mints HMAC-signed subscription tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithClock sets the time source (fake clocks in tests).
func WithClock(c clockwork.Clock) IssuerOption {
	return func(i *Issuer) { i.clock = c }
}

// NewIssuer creates an Issuer signing with the given secret.
func NewIssuer(secret []byte, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		secret: secret,
		ttl:    DefaultTTL,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue mints a token for the (userID, workflowID) channel.
func (i *Issuer) Issue(userID, workflowID string) (Token, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)

	claims := jwtClaims{
		WorkflowID: workflowID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("token: sign: %w", err)
	}

	return Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// RefreshFor returns a RefreshFunc that re-issues tokens for the given
// channel identity on every call.
func (i *Issuer) RefreshFor(userID, workflowID string) RefreshFunc {
	return func(_ context.Context) (Token, error) {
		return i.Issue(userID, workflowID)
	}
}

// ── Verifier ────────────────────────────────────────

// Verifier validates subscription tokens.
type Verifier struct {
	secret []byte
	clock  clockwork.Clock
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock sets the time source.
func WithVerifierClock(c clockwork.Clock) VerifierOption {
	return func(v *Verifier) { v.clock = c }
}

// NewVerifier creates a Verifier for tokens signed with the given secret.
func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: secret, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the token signature and expiry. Expired tokens
// return pulse.ErrTokenExpired; anything else invalid returns
// pulse.ErrUnauthorized.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("token: unexpected signing method %q", t.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pulse.ErrTokenExpired
		}
		return nil, pulse.ErrUnauthorized
	}

	if claims.Subject == "" || claims.WorkflowID == "" || claims.ExpiresAt == nil {
		return nil, pulse.ErrUnauthorized
	}

	return &Claims{
		UserID:     claims.Subject,
		WorkflowID: claims.WorkflowID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// VerifyForChannel validates the token and checks that it authorizes the
// given channel. A valid token for a different channel returns
// pulse.ErrChannelMismatch.
func (v *Verifier) VerifyForChannel(tokenString string, ch channel.Channel) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if channel.Workflow(claims.UserID, claims.WorkflowID) != ch {
		return nil, pulse.ErrChannelMismatch
	}
	return claims, nil
}
