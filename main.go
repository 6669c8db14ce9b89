package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"discordvault/internal/bot"
	"discordvault/internal/botpool"
	"discordvault/internal/config"
	"discordvault/internal/download"
	"discordvault/internal/fetcher"
	"discordvault/internal/healthcheck"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/rangestream"
	"discordvault/internal/resolver"
	"discordvault/internal/server"
	"discordvault/internal/upload"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.New(logging.TagCritical).Printf("no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("config load failed: %v", err)
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		logging.Fatalf("index open failed: %v", err)
	}
	defer idx.Close()

	credentials := make([]botpool.Credential, len(cfg.DiscordTokens))
	for i, t := range cfg.DiscordTokens {
		credentials[i] = botpool.Credential{Token: t}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := botpool.New(ctx, botpool.BuildOptions{
		Credentials:           credentials,
		ChannelIDs:            cfg.ChannelIDs,
		BotsPerChannel:        cfg.BotsPerChannel,
		UploadChannelOverride: cfg.UploadChannelOverride,
		InitRetries:           cfg.BotInitRetries,
	})
	if err != nil {
		logging.Fatalf("bot pool init failed: %v", err)
	}
	defer pool.Close()

	res := resolver.New(pool, idx)
	fet := fetcher.New(cfg.DownloadConcurrency)

	up := upload.New(pool, idx, cfg)
	dl := download.New(idx, res, fet, cfg)
	rs := rangestream.New(idx, res, fet, cfg)
	hc := healthcheck.New(idx, res, pool)

	vaultBot, err := bot.New(cfg, idx, up, dl)
	if err != nil {
		logging.Fatalf("bot init failed: %v", err)
	}

	srv := server.New(cfg, idx, pool, up, dl, rs, hc)

	go func() {
		if err := srv.Start(); err != nil {
			logging.Fatalf("server failed: %v", err)
		}
	}()

	if err := vaultBot.Start(); err != nil {
		logging.Fatalf("bot failed: %v", err)
	}

	logging.New(logging.TagCritical).Printf("discord vault is fully operational")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	logging.New(logging.TagCritical).Printf("shutting down gracefully")
	_ = vaultBot.Session.Close()
}
