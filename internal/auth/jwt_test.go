package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testConfig()

	token, err := GenerateToken(cfg, "s1", "alice")
	require.NoError(t, err)

	claims, err := ValidateToken(cfg, token)
	require.NoError(t, err)
	require.Equal(t, "s1", claims.SessionID)
	require.Equal(t, "alice", claims.Author)
}

func TestValidateTokenRejects(t *testing.T) {
	cfg := testConfig()
	token, err := GenerateToken(cfg, "s1", "alice")
	require.NoError(t, err)

	expiredCfg := testConfig()
	expiredCfg.TTL = -time.Minute
	expired, err := GenerateToken(expiredCfg, "s1", "alice")
	require.NoError(t, err)

	otherAudience := testConfig()
	otherAudience.Audience = "elsewhere"
	foreign, err := GenerateToken(otherAudience, "s1", "alice")
	require.NoError(t, err)

	wrongSecret := testConfig()
	wrongSecret.Secret = []byte("another-secret-entirely")

	tests := []struct {
		name  string
		cfg   *JWTConfig
		token string
	}{
		{"garbage", cfg, "not-a-token"},
		{"tampered", cfg, token[:strings.LastIndex(token, ".")] + ".AAAA"},
		{"wrong secret", wrongSecret, token},
		{"expired", cfg, expired},
		{"audience", cfg, foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.cfg, tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
