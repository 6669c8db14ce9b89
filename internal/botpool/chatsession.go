package botpool

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Attachment is one blob to post as part of a multi-attachment message.
type Attachment struct {
	Filename string
	Bytes    []byte
}

// MessageAttachment is one attachment as returned from the chat backend.
type MessageAttachment struct {
	Name string
	URL  string
	Size int64
}

// Message is the narrow projection of a chat message this engine needs.
type Message struct {
	ID          string
	ChannelID   string
	Attachments []MessageAttachment
}

// ChatSession is the narrow capability surface the bot pool requires of an
// authenticated chat-backend identity (spec.md §6, §9 "expose C4 behind a
// narrow capability set"). discordgo.Session satisfies it via
// discordSession below; tests substitute a fake.
type ChatSession interface {
	Open() error
	Close() error
	SendAttachments(channelID string, attachments []Attachment, content string) (*Message, error)
	FetchMessage(channelID, messageID string) (*Message, error)
	DeleteMessage(channelID, messageID string) error
	DeleteMessagesBulk(channelID string, messageIDs []string) error
}

// discordSession adapts *discordgo.Session to ChatSession.
type discordSession struct {
	session *discordgo.Session
}

// NewDiscordSession constructs a ChatSession backed by discordgo, given a
// bot token (without the "Bot " prefix, matching the teacher's config.go).
func NewDiscordSession(token string) (ChatSession, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("botpool: new discordgo session: %w", err)
	}
	return &discordSession{session: dg}, nil
}

func (d *discordSession) Open() error  { return d.session.Open() }
func (d *discordSession) Close() error { return d.session.Close() }

func (d *discordSession) SendAttachments(channelID string, attachments []Attachment, content string) (*Message, error) {
	files := make([]*discordgo.File, len(attachments))
	for i, a := range attachments {
		files[i] = &discordgo.File{
			Name:   a.Filename,
			Reader: byteReader(a.Bytes),
		}
	}
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files:   files,
	})
	if err != nil {
		return nil, err
	}
	return toMessage(msg), nil
}

func (d *discordSession) FetchMessage(channelID, messageID string) (*Message, error) {
	msg, err := d.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, err
	}
	return toMessage(msg), nil
}

func (d *discordSession) DeleteMessage(channelID, messageID string) error {
	return d.session.ChannelMessageDelete(channelID, messageID)
}

func (d *discordSession) DeleteMessagesBulk(channelID string, messageIDs []string) error {
	if len(messageIDs) == 1 {
		return d.session.ChannelMessageDelete(channelID, messageIDs[0])
	}
	return d.session.ChannelMessagesBulkDelete(channelID, messageIDs)
}

func toMessage(m *discordgo.Message) *Message {
	out := &Message{ID: m.ID, ChannelID: m.ChannelID}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, MessageAttachment{Name: a.Filename, URL: a.URL, Size: int64(a.Size)})
	}
	return out
}

func byteReader(b []byte) io.Reader {
	return &byteReaderImpl{b: b}
}

type byteReaderImpl struct {
	b   []byte
	pos int
}

func (r *byteReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// classifyChatError maps a discordgo/network error to a retry
// classification per spec.md §4.4: 429/retry-after and transient network
// errors are retryable; 403/404/permission/payload-too-large are not.
func classifyChatError(err error) (retryable bool, retryAfter time.Duration) {
	if err == nil {
		return false, 0
	}
	if restErr, ok := err.(*discordgo.RESTError); ok {
		if restErr.Response == nil {
			return true, 0
		}
		switch restErr.Response.StatusCode {
		case http.StatusTooManyRequests:
			return true, retryAfterFromHeader(restErr.Response)
		case http.StatusForbidden, http.StatusNotFound, http.StatusRequestEntityTooLarge:
			return false, 0
		default:
			return restErr.Response.StatusCode >= 500, 0
		}
	}
	// Unknown error shape (network reset, timeout, DNS failure): treat as
	// transient per spec.md §4.4.
	return true, 0
}

func retryAfterFromHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var seconds float64
	if _, err := fmt.Sscanf(v, "%f", &seconds); err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
