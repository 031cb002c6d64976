// Package auth validates bearer credentials and produces the per-request
// AuthContext consumed by the gateway and the actor layer.
package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DevAdminUserID is the synthetic subject used by the dev-admin bypass.
const DevAdminUserID = "DEV_ADMIN"

// DefaultAudience is expected in tokens when no audience is configured.
const DefaultAudience = "agent-worker"

var (
	ErrNoBearer     = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// AuthContext carries the verified identity and capabilities of one request.
type AuthContext struct {
	UserID        string
	IsDevAdmin    bool
	Scopes        map[string]struct{}
	MemoryAllowed bool
	ToolsAllowed  bool
	ExportAllowed bool
}

// HasScope reports whether the token granted the scope. The wildcard scope
// "*" grants everything.
func (a *AuthContext) HasScope(scope string) bool {
	if _, ok := a.Scopes["*"]; ok {
		return true
	}
	_, ok := a.Scopes[scope]
	return ok
}

// claims is the expected token payload. Scope may be a JSON array or a
// whitespace-separated string; the capability flags default to allowed and
// only a literal false disables them.
type claims struct {
	jwt.RegisteredClaims
	Scope  json.RawMessage `json:"scope,omitempty"`
	Mem    *bool           `json:"mem,omitempty"`
	Tools  *bool           `json:"tools,omitempty"`
	Export *bool           `json:"export,omitempty"`
}

// Authenticator verifies bearer tokens with either an RS256 public key or an
// HS256 shared secret, with an optional dev-admin bypass token.
type Authenticator struct {
	publicKey     *rsa.PublicKey
	sharedSecret  []byte
	issuer        string
	audience      string
	devAdminToken string
}

// Options configures an Authenticator.
type Options struct {
	PublicKeyPEM  string // RS256 SPKI PEM; takes precedence over SharedSecret
	SharedSecret  string // HS256
	Issuer        string // verified only when non-empty
	Audience      string // defaults to DefaultAudience
	DevAdminToken string // exact-match bypass; disabled when empty
}

// New builds an Authenticator from key material.
func New(opts Options) (*Authenticator, error) {
	a := &Authenticator{
		issuer:        opts.Issuer,
		audience:      opts.Audience,
		devAdminToken: opts.DevAdminToken,
	}
	if a.audience == "" {
		a.audience = DefaultAudience
	}

	if opts.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(opts.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		a.publicKey = key
	} else if opts.SharedSecret != "" {
		a.sharedSecret = []byte(opts.SharedSecret)
	} else {
		return nil, errors.New("auth: no verification material configured")
	}

	return a, nil
}

// Authenticate extracts and verifies the bearer token on r.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoBearer
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return nil, ErrNoBearer
	}
	token := parts[1]

	if a.devAdminToken != "" && token == a.devAdminToken {
		return &AuthContext{
			UserID:        DevAdminUserID,
			IsDevAdmin:    true,
			Scopes:        map[string]struct{}{"*": {}},
			MemoryAllowed: true,
			ToolsAllowed:  true,
			ExportAllowed: true,
		}, nil
	}

	return a.verify(token)
}

func (a *Authenticator) verify(token string) (*AuthContext, error) {
	var methods []string
	keyFunc := func(t *jwt.Token) (any, error) {
		if a.publicKey != nil {
			return a.publicKey, nil
		}
		return a.sharedSecret, nil
	}
	if a.publicKey != nil {
		methods = []string{jwt.SigningMethodRS256.Alg()}
	} else {
		methods = []string{jwt.SigningMethodHS256.Alg()}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	cl := &claims{}
	parsed, err := jwt.ParseWithClaims(token, cl, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if len(cl.Subject) < 3 {
		return nil, fmt.Errorf("%w: subject too short", ErrInvalidToken)
	}

	allowed := func(flag *bool) bool { return flag == nil || *flag }

	return &AuthContext{
		UserID:        cl.Subject,
		Scopes:        parseScopes(cl.Scope),
		MemoryAllowed: allowed(cl.Mem),
		ToolsAllowed:  allowed(cl.Tools),
		ExportAllowed: allowed(cl.Export),
	}, nil
}

// parseScopes accepts either form the token may carry: a JSON array of
// strings or a single whitespace-separated string.
func parseScopes(raw json.RawMessage) map[string]struct{} {
	scopes := make(map[string]struct{})
	if len(raw) == 0 {
		return scopes
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, s := range list {
			if s != "" {
				scopes[s] = struct{}{}
			}
		}
		return scopes
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, part := range strings.Fields(s) {
			scopes[part] = struct{}{}
		}
	}
	return scopes
}
