package container

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formedge/internal/auth/authtest"
	"formedge/internal/config"
	"formedge/pkg/logger"
)

func TestNew(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	saKey := authtest.MustGenerateKey(t)

	tests := []struct {
		name        string
		config      *config.Config
		expectRedis bool
		expectAdmin bool
		expectStore bool
		expectError bool
	}{
		{
			name: "full configuration",
			config: &config.Config{
				ProjectID:          "test-project",
				IssuerHost:         "securetoken.test",
				RedisURL:           "redis://" + mr.Addr(),
				ServiceAccountJSON: authtest.ServiceAccountJSON(t, saKey, "https://token.test"),
				DatabaseURL:        "postgres://localhost:5432/formedge",
			},
			expectRedis: true,
			expectAdmin: true,
			expectStore: true,
		},
		{
			name: "minimal configuration",
			config: &config.Config{
				ProjectID:  "test-project",
				IssuerHost: "securetoken.test",
			},
		},
		{
			name: "unreachable Redis degrades to no snapshot",
			config: &config.Config{
				ProjectID:  "test-project",
				IssuerHost: "securetoken.test",
				RedisURL:   "redis://127.0.0.1:1",
			},
		},
		{
			name: "malformed service account fails",
			config: &config.Config{
				ProjectID:          "test-project",
				IssuerHost:         "securetoken.test",
				ServiceAccountJSON: `{"type":"service_account"}`,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config, logger.NewNop())
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			// The verifier and key cache are always wired
			assert.NotNil(t, c.GetVerifier())
			assert.NotNil(t, c.KeyCache)

			assert.Equal(t, tt.expectRedis, c.RedisClient != nil)
			assert.Equal(t, tt.expectAdmin, c.GetAdminClient() != nil)
			assert.Equal(t, tt.expectStore, c.GetStore() != nil)
		})
	}
}
