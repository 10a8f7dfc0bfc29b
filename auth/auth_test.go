package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHMACAcceptsMatchingSignatureWithinSkew(t *testing.T) {
	now := time.Now().Unix()
	canonical := Canonical("POST", "/x", now, nil)
	sig := Sign("secret", canonical)

	assert.True(t, Verify("secret", canonical, sig, now, now))
}

func TestHMACRejectsWrongSecret(t *testing.T) {
	now := time.Now().Unix()
	canonical := Canonical("POST", "/x", now, nil)
	sig := Sign("secret", canonical)

	assert.False(t, Verify("other-secret", canonical, sig, now, now))
}

func TestHMACRejectsStaleTimestamp(t *testing.T) {
	then := time.Now().Add(-600 * time.Second).Unix()
	canonical := Canonical("POST", "/x", then, nil)
	sig := Sign("secret", canonical)

	assert.False(t, Verify("secret", canonical, sig, then, time.Now().Unix()))
}

func TestHMACSignRequestVerifyRequestRoundTrip(t *testing.T) {
	p := NewHMACProvider("client-1", "secret", "")
	headers := p.SignRequest("POST", "/orders", []byte(`{"a":1}`))

	assert.True(t, p.VerifyRequest("POST", "/orders", []byte(`{"a":1}`), headers))
	assert.False(t, p.VerifyRequest("POST", "/orders", []byte(`{"a":2}`), headers), "tampered body must fail verification")
}

func TestJWTIssueAndValidateRoundTrip(t *testing.T) {
	provider, err := NewJWTProvider(JWTConfig{
		Secret:   "shh",
		Issuer:   "mesh",
		Audience: "workers",
		Subject:  "agent-1",
	})
	assert.NoError(t, err)

	token, err := provider.Issue()
	assert.NoError(t, err)

	claims, err := provider.Validate(token)
	assert.NoError(t, err)
	assert.Equal(t, "agent-1", claims["sub"])
}

func TestJWTValidateRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewJWTProvider(JWTConfig{Secret: "a", Issuer: "mesh", Audience: "workers"})
	token, _ := issuer.Issue()

	verifier, _ := NewJWTProvider(JWTConfig{Secret: "b", Issuer: "mesh", Audience: "workers"})
	_, err := verifier.Validate(token)
	assert.Error(t, err)
}

func TestManagerSelectsProviderByType(t *testing.T) {
	m := NewManager()
	assert.NoError(t, m.Use(AuthConfig{Type: "bearer", BearerToken: "tok"}))

	headers, err := m.Active().Headers(nil)
	assert.NoError(t, err)
	assert.Equal(t, "Bearer tok", headers["Authorization"])
}

func TestManagerRejectsUnknownType(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Use(AuthConfig{Type: "nonsense"}))
}
