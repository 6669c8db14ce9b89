// Package bot implements the Discord slash-command control surface,
// generalized from the teacher's single-chunk /upload implementation to
// drive the full C5/C8/C3 pipeline (spec.md's distillation never excludes
// the chat control surface; see SPEC_FULL.md §5).
package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"discordvault/internal/config"
	"discordvault/internal/download"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/upload"
)

// Bot drives a dedicated control-surface discordgo.Session: slash commands
// arrive here, but chunk dispatch still goes through the bot pool (C4) via
// Upload/Download.
type Bot struct {
	Session  *discordgo.Session
	Config   *config.Config
	Index    *index.Index
	Upload   *upload.Orchestrator
	Download *download.Assembler

	log *logging.Logger
}

func New(cfg *config.Config, idx *index.Index, up *upload.Orchestrator, dl *download.Assembler) (*Bot, error) {
	token := cfg.DiscordTokens[0]
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &Bot{
		Session:  dg,
		Config:   cfg,
		Index:    idx,
		Upload:   up,
		Download: dl,
		log:      logging.New(logging.TagBot),
	}, nil
}

func (b *Bot) Start() error {
	b.Session.AddHandler(b.interactionCreate)

	if err := b.Session.Open(); err != nil {
		return err
	}

	_ = b.Session.UpdateGameStatus(0, "guarding the vault")
	b.log.Printf("online as %v", b.Session.State.User.String())

	commands := []*discordgo.ApplicationCommand{
		{Name: "help", Description: "Show available commands"},
		{Name: "ping", Description: "Check bot latency"},
		{Name: "list", Description: "List stored files"},
		{Name: "upload", Description: "Upload a file to the vault", Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionAttachment, Name: "file", Description: "File to upload", Required: true},
		}},
		{Name: "delete", Description: "Delete a file from the vault", Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionInteger, Name: "id", Description: "File ID", Required: true},
		}},
	}

	for _, c := range commands {
		if _, err := b.Session.ApplicationCommandCreate(b.Session.State.User.ID, "", c); err != nil {
			b.log.Err("cannot create '%s' command: %v", c.Name, err)
		}
	}

	return nil
}

func (b *Bot) checkPermission(i *discordgo.InteractionCreate) bool {
	if len(b.Config.AllowedUsers) == 0 {
		return true
	}
	userID := interactionUserID(i)
	for _, id := range b.Config.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (b *Bot) interactionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	cmd := i.ApplicationCommandData().Name
	b.log.Printf("command /%s by %s", cmd, interactionUserID(i))

	if !b.checkPermission(i) {
		b.log.Warn("unauthorized /%s attempt by %s", cmd, interactionUserID(i))
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "access denied", Flags: discordgo.MessageFlagsEphemeral},
		})
		return
	}

	switch cmd {
	case "help":
		b.handleHelp(s, i)
	case "ping":
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "pong"},
		})
	case "list":
		b.handleList(s, i)
	case "upload":
		b.handleUpload(s, i)
	case "delete":
		b.handleDelete(s, i)
	}
}

func (b *Bot) handleHelp(s *discordgo.Session, i *discordgo.InteractionCreate) {
	embed := &discordgo.MessageEmbed{
		Title:       "Discord Vault",
		Description: "Chunked, encrypted file storage over Discord attachments.",
		Color:       0x3b82f6,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "/upload", Value: "Store a file securely (max 25MB via bot attachment)"},
			{Name: "/list", Value: "List stored files"},
			{Name: "/delete [id]", Value: "Remove a file from the vault"},
		},
	}
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
	})
}

func (b *Bot) handleUpload(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := i.ApplicationCommandData().Options
	attachment := i.ApplicationCommandData().Resolved.Attachments[options[0].Value.(string)]

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: "processing and encrypting..."},
	})

	resp, err := http.Get(attachment.URL)
	if err != nil {
		b.log.Err("fetch attachment %s: %v", attachment.Filename, err)
		b.followup(i, "failed to fetch attachment")
		return
	}
	defer resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := b.Upload.Upload(ctx, io.LimitReader(resp.Body, int64(attachment.Size)), upload.Options{
		Filename: attachment.Filename,
		Encrypt:  b.Config.Encrypt,
	})
	if err != nil {
		b.log.Err("upload %s: %v", attachment.Filename, err)
		b.followup(i, "upload failed")
		return
	}

	b.log.Printf("stored %s as file #%d (%d parts)", attachment.Filename, result.FileID, result.TotalParts)
	b.followup(i, fmt.Sprintf("stored. file id: #%d (%d parts, %s)", result.FileID, result.TotalParts, humanize.Bytes(uint64(result.Size))))
}

func (b *Bot) handleList(s *discordgo.Session, i *discordgo.InteractionCreate) {
	files, err := b.Index.ListFiles(nil, nil)
	if err != nil {
		b.log.Err("list files: %v", err)
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "index error"},
		})
		return
	}

	var sb strings.Builder
	sb.WriteString("vault contents:\n\n")
	if len(files) == 0 {
		sb.WriteString("*empty*")
	}
	for _, f := range files {
		sb.WriteString(fmt.Sprintf("`#%d` **%s** (%s)\n", f.ID, f.OriginalName, humanize.Bytes(uint64(f.Size))))
	}
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: sb.String()},
	})
}

func (b *Bot) handleDelete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	id := i.ApplicationCommandData().Options[0].IntValue()

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: "purging..."},
	})

	f, err := b.Index.GetFileByID(id)
	if err != nil {
		b.followup(i, "file not found")
		return
	}

	seen := make(map[string]bool)
	for _, p := range f.Parts {
		if seen[p.MessageID] {
			continue
		}
		seen[p.MessageID] = true
		if err := s.ChannelMessageDelete(p.ChannelID, p.MessageID); err != nil {
			b.log.Warn("delete message %s in channel %s: %v", p.MessageID, p.ChannelID, err)
		}
	}

	if err := b.Index.DeleteFile(id); err != nil {
		b.log.Err("delete file %d: %v", id, err)
		b.followup(i, "index purge failed")
		return
	}

	b.log.Printf("file %d purged", id)
	b.followup(i, "purge complete")
}

func (b *Bot) followup(i *discordgo.InteractionCreate, content string) {
	_, _ = b.Session.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content})
}
