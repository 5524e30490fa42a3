package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenSource_NoSecret(t *testing.T) {
	assert.Nil(t, NewTokenSource(TokenConfig{}))
}

func TestTokenSource_MintsAndCaches(t *testing.T) {
	src := NewTokenSource(TokenConfig{Secret: "s3cret", Issuer: "console", Audience: "patient-api", TTL: time.Minute})
	require.NotNil(t, src)

	first, err := src.Token()
	require.NoError(t, err)
	second, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	claims, err := Validate("s3cret", first)
	require.NoError(t, err)
	assert.Equal(t, "console", claims.Issuer)
	assert.Equal(t, "patient-console", claims.Subject)

	_, err = Validate("wrong", first)
	assert.Error(t, err)
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	src := NewTokenSource(TokenConfig{Secret: "s3cret", TTL: time.Minute})
	base := time.Now()
	src.now = func() time.Time { return base }

	first, err := src.Token()
	require.NoError(t, err)

	src.now = func() time.Time { return base.Add(45 * time.Second) }
	second, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
