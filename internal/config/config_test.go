package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("PORT", "")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.Server.Addr)
	req.Equal(24*time.Hour, cfg.Auth.TokenTTL)
	req.True(cfg.Auth.UsesDevSecret())
	req.Equal(LedgerMemory, cfg.Ledger.Backend)
	req.Equal(4000, cfg.Room.MaxMessageLength)
	req.False(cfg.AI.Enabled())
	req.NotNil(cfg.AI.MaxTokens)
	req.Equal(1024, *cfg.AI.MaxTokens)
}

func TestLoadServerAddrVariants(t *testing.T) {
	tests := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{"9000", ":9000", false},
		{":9001", ":9001", false},
		{"127.0.0.1:9002", "127.0.0.1:9002", false},
		{"90 00", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			t.Setenv("PORT", tt.port)
			cfg, err := loadServerConfig()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg.Addr)
		})
	}
}

func TestLoadRejectsUnknownLedgerBackend(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "ethereum")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("TOKEN_TTL", "-1h")
	_, err := Load()
	require.Error(t, err)
}

func TestAIConfigEnabled(t *testing.T) {
	req := require.New(t)
	req.False(AIConfig{APIKey: "k"}.Enabled())
	req.True(AIConfig{APIKey: "k", Model: "m"}.Enabled())
	req.True(AIConfig{AccessKey: "a", SecretKey: "s", Model: "m"}.Enabled())
	req.False(AIConfig{AccessKey: "a", Model: "m"}.Enabled())
}

func TestLoadAIOptionalFloats(t *testing.T) {
	req := require.New(t)
	t.Setenv("ARK_TEMPERATURE", "0.3")

	cfg, err := Load()
	req.NoError(err)
	req.NotNil(cfg.AI.Temperature)
	req.InDelta(0.3, *cfg.AI.Temperature, 1e-9)
	req.Nil(cfg.AI.TopP)
}
