// Package auth verifies bearer tokens against a token introspection endpoint
// before any crawl work is accepted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = errors.New("authorization failed")

// Config points the verifier at an introspection endpoint.
type Config struct {
	// IntrospectionURL receives GET ?id_token=<token> and answers with the
	// token's claims as JSON.
	IntrospectionURL string
	Issuer           string
	Audience         string
	// AllowedEmail, when set, must equal the token's email claim.
	AllowedEmail string
	Timeout      time.Duration
	Leeway       time.Duration
}

// Claims are the introspected token claims.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks tokens.
type Verifier struct {
	cfg       Config
	client    *resty.Client
	validator *jwt.Validator
	logger    *zap.Logger
}

// NewVerifier builds a Verifier.
func NewVerifier(cfg Config, logger *zap.Logger) (*Verifier, error) {
	if cfg.IntrospectionURL == "" {
		return nil, errors.New("auth.introspection_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithLeeway(cfg.Leeway)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Verifier{
		cfg:       cfg,
		client:    client,
		validator: jwt.NewValidator(opts...),
		logger:    logger,
	}, nil
}

// Verify introspects token and validates issuer, audience, expiry and email.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParam("id_token", token).
		SetResult(&Claims{}).
		ForceContentType("application/json").
		Get(v.cfg.IntrospectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: introspect token: %v", ErrUnauthorized, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection returned %d", ErrUnauthorized, resp.StatusCode())
	}
	claims, ok := resp.Result().(*Claims)
	if !ok || claims == nil {
		return nil, fmt.Errorf("%w: unreadable introspection response", ErrUnauthorized)
	}

	if err := v.validator.Validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if v.cfg.AllowedEmail != "" && !strings.EqualFold(claims.Email, v.cfg.AllowedEmail) {
		return nil, fmt.Errorf("%w: email %q not allowed", ErrUnauthorized, claims.Email)
	}
	return claims, nil
}
