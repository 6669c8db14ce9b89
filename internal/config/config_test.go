package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordvault/internal/vaulterrors"
)

// clearEnv resets every variable Load reads so tests don't leak into each
// other or inherit the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DB_PATH", "DISCORD_TOKENS", "DISCORD_TOKEN", "DISCORD_CHANNEL_IDS",
		"DISCORD_CHANNEL_ID", "ALLOWED_USERS", "BOTS_PER_CHANNEL", "CHUNK_SIZE",
		"BATCH_SIZE", "DOWNLOAD_CONCURRENCY", "BOT_INIT_RETRIES", "ENCRYPT",
		"ENCRYPTION_KEY", "TEMP_DIR", "PUBLIC_BASE_URL", "HTTP_ADDR",
		"UPLOAD_CHANNEL_OVERRIDE",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadRequiresTokens(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.ConfigInvalid))
}

func TestLoadRequiresChannels(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.ConfigInvalid))
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1")
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1")
	t.Setenv("ENCRYPTION_KEY", "passphrase")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultBotsPerChannel, cfg.BotsPerChannel)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultDownloadConcurrency, cfg.DownloadConcurrency)
	assert.True(t, cfg.Encrypt)
}

func TestLoadParsesCSVLists(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1, token-2 ,token-3")
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1,chan-2")
	t.Setenv("ENCRYPTION_KEY", "passphrase")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"token-1", "token-2", "token-3"}, cfg.DiscordTokens)
	assert.Equal(t, []string{"chan-1", "chan-2"}, cfg.ChannelIDs)
}

func TestLoadFallsBackToSingularVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "legacy-token")
	t.Setenv("DISCORD_CHANNEL_ID", "legacy-chan")
	t.Setenv("ENCRYPTION_KEY", "passphrase")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-token"}, cfg.DiscordTokens)
	assert.Equal(t, []string{"legacy-chan"}, cfg.ChannelIDs)
}

func TestLoadRequiresEncryptionKeyWhenEncryptEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1")
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.ConfigInvalid))
}

func TestLoadAllowsNoEncryptionKeyWhenEncryptDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1")
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1")
	t.Setenv("ENCRYPT", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Encrypt)
	assert.Empty(t, cfg.EncryptionKey)
}

func TestLoadRejectsInvalidIntegerOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKENS", "token-1")
	t.Setenv("DISCORD_CHANNEL_IDS", "chan-1")
	t.Setenv("ENCRYPTION_KEY", "passphrase")
	t.Setenv("CHUNK_SIZE", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.ConfigInvalid))
}

func TestValidateCatchesZeroChunkSize(t *testing.T) {
	cfg := &Config{
		DiscordTokens:       []string{"t"},
		ChannelIDs:          []string{"c"},
		BotsPerChannel:      1,
		BatchSize:           1,
		DownloadConcurrency: 1,
		ChunkSize:           0,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterrors.ConfigInvalid))
}
