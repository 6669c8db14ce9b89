// Package config loads the chunked storage engine's configuration from
// environment variables, following the teacher's os.Getenv + godotenv
// convention generalized to the full option set in spec §6.
package config

import (
	"os"
	"strconv"
	"strings"

	"discordvault/internal/vaulterrors"
)

// DefaultChunkSize is 8 MiB - 1 KiB, leaving headroom for the GCM tag and
// protocol overhead under Discord's attachment ceiling.
const DefaultChunkSize = 8*1024*1024 - 1024

const (
	DefaultBotsPerChannel      = 5
	DefaultBatchSize           = 3
	DefaultDownloadConcurrency = 6
	DefaultBotInitRetries      = 2
	DefaultPBKDF2Iterations    = 100_000
)

// Config holds every recognised option from spec.md §6. DiscordTokens and
// ChannelIDs are mandatory, and EncryptionKey is mandatory while Encrypt is
// true (its default); everything else carries a default.
type Config struct {
	DiscordTokens []string
	ChannelIDs    []string
	AllowedUsers  []string

	DBPath string

	BotsPerChannel      int
	ChunkSize           int
	BatchSize           int
	DownloadConcurrency int
	BotInitRetries      int

	Encrypt       bool
	EncryptionKey []byte

	PublicBaseURL         string
	TempDir               string
	UploadChannelOverride string

	HTTPAddr string
}

// Load reads and validates configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:                getOr("DB_PATH", "./metadata.db"),
		BotsPerChannel:        DefaultBotsPerChannel,
		ChunkSize:             DefaultChunkSize,
		BatchSize:             DefaultBatchSize,
		DownloadConcurrency:   DefaultDownloadConcurrency,
		BotInitRetries:        DefaultBotInitRetries,
		Encrypt:               true,
		TempDir:               getOr("TEMP_DIR", os.TempDir()),
		PublicBaseURL:         os.Getenv("PUBLIC_BASE_URL"),
		HTTPAddr:              getOr("HTTP_ADDR", ":8080"),
		UploadChannelOverride: os.Getenv("UPLOAD_CHANNEL_OVERRIDE"),
	}

	tokens := splitCSV(os.Getenv("DISCORD_TOKENS"))
	if len(tokens) == 0 {
		// Back-compat with the teacher's singular DISCORD_TOKEN.
		if single := os.Getenv("DISCORD_TOKEN"); single != "" {
			tokens = []string{single}
		}
	}
	if len(tokens) == 0 {
		return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "DISCORD_TOKENS (or DISCORD_TOKEN) environment variable not set")
	}
	cfg.DiscordTokens = tokens

	channels := splitCSV(os.Getenv("DISCORD_CHANNEL_IDS"))
	if len(channels) == 0 {
		if single := os.Getenv("DISCORD_CHANNEL_ID"); single != "" {
			channels = []string{single}
		}
	}
	if len(channels) == 0 {
		return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "DISCORD_CHANNEL_IDS (or DISCORD_CHANNEL_ID) environment variable not set")
	}
	cfg.ChannelIDs = channels

	cfg.AllowedUsers = splitCSV(os.Getenv("ALLOWED_USERS"))

	if v := os.Getenv("BOTS_PER_CHANNEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "BOTS_PER_CHANNEL must be a positive integer")
		}
		cfg.BotsPerChannel = n
	}

	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "CHUNK_SIZE must be a positive integer")
		}
		cfg.ChunkSize = n
	}

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "BATCH_SIZE must be a positive integer")
		}
		cfg.BatchSize = n
	}

	if v := os.Getenv("DOWNLOAD_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "DOWNLOAD_CONCURRENCY must be a positive integer")
		}
		cfg.DownloadConcurrency = n
	}

	if v := os.Getenv("BOT_INIT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "BOT_INIT_RETRIES must be a non-negative integer")
		}
		cfg.BotInitRetries = n
	}

	if v := os.Getenv("ENCRYPT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "ENCRYPT must be a boolean")
		}
		cfg.Encrypt = b
	}

	key := os.Getenv("ENCRYPTION_KEY")
	if cfg.Encrypt {
		if key == "" {
			return nil, vaulterrors.Wrap(vaulterrors.ConfigInvalid, "ENCRYPTION_KEY environment variable not set")
		}
		cfg.EncryptionKey = []byte(key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs cross-field checks not expressible while loading a
// single variable at a time.
func (c *Config) Validate() error {
	if len(c.DiscordTokens) == 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "at least one Discord token is required")
	}
	if len(c.ChannelIDs) == 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "at least one channel id is required")
	}
	if c.ChunkSize <= 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "chunk_size must be positive")
	}
	if c.BotsPerChannel <= 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "bots_per_channel must be positive")
	}
	if c.BatchSize <= 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "batch_size must be positive")
	}
	if c.DownloadConcurrency <= 0 {
		return vaulterrors.Wrap(vaulterrors.ConfigInvalid, "download_concurrency must be positive")
	}
	return nil
}
