package auth

import (
	"context"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTProvider. If Token is set it is used
// verbatim; otherwise a token is issued on demand from Secret/Issuer/
// Audience.
type JWTConfig struct {
	Token     string
	Secret    string
	Algorithm string // defaults to HS256
	Issuer    string
	Audience  string
	Subject   string
}

// JWTProvider issues and validates JSON Web Tokens via
// github.com/golang-jwt/jwt/v5.
type JWTProvider struct {
	config JWTConfig
	method jwt.SigningMethod
}

// NewJWTProvider builds a JWTProvider.
func NewJWTProvider(config JWTConfig) (*JWTProvider, error) {
	method := jwt.GetSigningMethod(config.Algorithm)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	return &JWTProvider{config: config, method: method}, nil
}

// Issue builds {sub, iss, aud, iat=now, exp=now+1h} and signs it with the
// configured secret and algorithm.
func (p *JWTProvider) Issue() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": p.config.Subject,
		"iss": p.config.Issuer,
		"aud": p.config.Audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(p.method, claims)
	return token.SignedString([]byte(p.config.Secret))
}

// token returns the configured token, issuing one if none was preset.
func (p *JWTProvider) token() (string, error) {
	if p.config.Token != "" {
		return p.config.Token, nil
	}
	return p.Issue()
}

func (p *JWTProvider) Headers(context.Context) (map[string]string, error) {
	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}

func (p *JWTProvider) ConnectionParams(context.Context) (url.Values, error) { return nil, nil }

// Validate checks signature, expiry, issuer and audience, returning the
// parsed claims.
func (p *JWTProvider) Validate(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{}
	if p.config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.config.Issuer))
	}
	if p.config.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(p.config.Audience))
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(p.config.Secret), nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (p *JWTProvider) Authenticate(context.Context) (AuthResult, error) {
	tok, err := p.token()
	if err != nil {
		return AuthResult{}, err
	}
	claims, err := p.Validate(tok)
	if err != nil {
		return AuthResult{Authenticated: false}, nil
	}
	result := AuthResult{Authenticated: true, Method: "jwt", Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		result.ClientID = sub
	}
	return result, nil
}

var _ Provider = (*JWTProvider)(nil)
