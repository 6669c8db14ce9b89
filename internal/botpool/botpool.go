// Package botpool implements C4: a pool of authenticated chat-backend
// identities bound to channels, multiplexing send/fetch/delete work with
// least-busy routing, retry, and backoff. Grounded on the teacher's
// internal/bot package (one discordgo.Session, one channel) generalized to
// N identities x M channels per spec.md §4.4.
package botpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"discordvault/internal/logging"
	"discordvault/internal/retrypolicy"
	"discordvault/internal/vaulterrors"
)

// Bot is one authenticated identity bound to one upload channel and a set
// of readable channels.
type Bot struct {
	Name             string
	UploadChannelID  string
	ReadableChannels map[string]bool
	Session          ChatSession

	busy int64 // atomic in-flight counter, the only shared mutable bot state
}

func (b *Bot) Busy() int64 { return atomic.LoadInt64(&b.busy) }

// Pool owns a set of Bots and routes work across them.
type Pool struct {
	bots           []*Bot
	byUploadChan   map[string][]*Bot
	retryPolicy    retrypolicy.Policy
	log            *logging.Logger
}

// Credential is one token to initialise a Bot from.
type Credential struct {
	Token string
	Name  string
}

// BuildOptions configures Pool construction per spec.md §4.4.
type BuildOptions struct {
	Credentials           []Credential
	ChannelIDs             []string
	BotsPerChannel         int
	UploadChannelOverride  string // if set, all bots upload here but keep read access to all channels
	InitRetries            int
	SessionFactory         func(token string) (ChatSession, error) // overridable for tests
}

// New constructs a Pool: assigns bots to channels round-robin, every
// channel gets >=1 bot when N>=M, retries failed inits up to InitRetries,
// and excludes (rather than fails on) a bot whose final retry fails.
func New(ctx context.Context, opts BuildOptions) (*Pool, error) {
	if len(opts.Credentials) == 0 {
		return nil, fmt.Errorf("botpool: no credentials configured: %w", vaulterrors.ConfigInvalid)
	}
	if len(opts.ChannelIDs) == 0 {
		return nil, fmt.Errorf("botpool: no channels configured: %w", vaulterrors.ConfigInvalid)
	}
	if opts.BotsPerChannel <= 0 {
		return nil, fmt.Errorf("botpool: bots_per_channel must be positive: %w", vaulterrors.ConfigInvalid)
	}
	if opts.SessionFactory == nil {
		opts.SessionFactory = NewDiscordSession
	}

	log := logging.New(logging.TagBotPool)
	pool := &Pool{
		byUploadChan: make(map[string][]*Bot),
		retryPolicy:  retrypolicy.Default(),
		log:          log,
	}

	allChannels := make(map[string]bool, len(opts.ChannelIDs))
	for _, c := range opts.ChannelIDs {
		allChannels[c] = true
	}

	excluded := 0
	for i, cred := range opts.Credentials {
		// Round-robin assignment: bot i uploads to channel i % M, unless
		// overridden.
		uploadChannel := opts.ChannelIDs[i%len(opts.ChannelIDs)]
		if opts.UploadChannelOverride != "" {
			uploadChannel = opts.UploadChannelOverride
		}

		name := cred.Name
		if name == "" {
			name = fmt.Sprintf("bot-%d", i+1)
		}

		readable := make(map[string]bool, len(allChannels)+1)
		for c := range allChannels {
			readable[c] = true
		}
		readable[uploadChannel] = true

		bot := &Bot{
			Name:             name,
			UploadChannelID:  uploadChannel,
			ReadableChannels: readable,
		}

		session, err := initWithRetry(opts.SessionFactory, cred.Token, opts.InitRetries)
		if err != nil {
			log.Warn("bot %s excluded after %d retries: %v", name, opts.InitRetries, err)
			excluded++
			continue
		}
		bot.Session = session

		pool.bots = append(pool.bots, bot)
		pool.byUploadChan[uploadChannel] = append(pool.byUploadChan[uploadChannel], bot)
	}

	if len(pool.bots) == 0 {
		return nil, fmt.Errorf("botpool: all %d bot(s) failed to initialize: %w", len(opts.Credentials), vaulterrors.BackendUnavailable)
	}

	log.Printf("initialized %d/%d bots across %d channels (%d excluded)", len(pool.bots), len(opts.Credentials), len(allChannels), excluded)
	return pool, nil
}

func initWithRetry(factory func(string) (ChatSession, error), token string, retries int) (ChatSession, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		session, err := factory(token)
		if err == nil {
			if err := session.Open(); err == nil {
				return session, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// Close shuts down every bot's session.
func (p *Pool) Close() error {
	var firstErr error
	for _, b := range p.bots {
		if err := b.Session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Bots returns the live bot set (read-only use: healthcheck reporting,
// diagnostics).
func (p *Pool) Bots() []*Bot {
	return append([]*Bot(nil), p.bots...)
}

// leastBusy returns the bot with the smallest busy counter among candidates.
// Fails fast (spec.md §4.4) if candidates is empty — callers must not
// silently reroute to an unbound channel.
func leastBusy(candidates []*Bot) (*Bot, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("botpool: no bot bound to target channel: %w", vaulterrors.BackendUnavailable)
	}
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.Busy() < best.Busy() {
			best = b
		}
	}
	return best, nil
}

// SendAttachments picks the least-busy bot bound to channelID and posts up
// to batch_size attachments as one message. Fails fast if no bot is bound
// to channelID.
func (p *Pool) SendAttachments(ctx context.Context, channelID string, attachments []Attachment, content string) (*Message, error) {
	bot, err := leastBusy(p.byUploadChan[channelID])
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&bot.busy, 1)
	defer atomic.AddInt64(&bot.busy, -1)

	var msg *Message
	err = retrypolicy.Do(ctx, p.retryPolicy, classifyAsClassification, func() error {
		var sendErr error
		msg, sendErr = bot.Session.SendAttachments(channelID, attachments, content)
		return sendErr
	})
	if err != nil {
		return nil, fmt.Errorf("botpool: send attachments via %s: %w", bot.Name, wrapExhaustedErr(err))
	}
	return msg, nil
}

// FetchMessage prefers a bot with read access to channelID; if channelID is
// empty, tries bots across channels until one returns the message.
func (p *Pool) FetchMessage(ctx context.Context, messageID, channelID string) (*Message, error) {
	candidates := p.bots
	if channelID != "" {
		candidates = nil
		for _, b := range p.bots {
			if b.ReadableChannels[channelID] {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("botpool: no bot can read channel %s: %w", channelID, vaulterrors.BackendUnavailable)
		}
	}

	bot, err := leastBusy(candidates)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&bot.busy, 1)
	defer atomic.AddInt64(&bot.busy, -1)

	resolvedChannel := channelID
	if resolvedChannel == "" {
		resolvedChannel = bot.UploadChannelID
	}

	var msg *Message
	err = retrypolicy.Do(ctx, p.retryPolicy, classifyAsClassification, func() error {
		var fetchErr error
		msg, fetchErr = bot.Session.FetchMessage(resolvedChannel, messageID)
		return fetchErr
	})
	if err != nil {
		var exhausted *retrypolicy.ExhaustedError
		if !errors.As(err, &exhausted) {
			// Non-retryable (404/403/etc): message is gone, not transient.
			// Spec.md §4.4 contract is Message | null for this case.
			return nil, nil
		}
		if exhausted.RetryAfter > 0 {
			return nil, fmt.Errorf("botpool: fetch message %s: %w", messageID, &vaulterrors.RateLimitError{RetryAfter: exhausted.RetryAfter, Err: exhausted.Err})
		}
		return nil, fmt.Errorf("botpool: fetch message %s: %w", messageID, vaulterrors.BackendUnavailable)
	}
	return msg, nil
}

// DeleteMessage deletes one message, best-effort (errors are returned, not
// retried indefinitely — callers treat delete failures as non-fatal cleanup
// per spec.md §4.5/§7).
func (p *Pool) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	bot, err := p.anyReadable(channelID)
	if err != nil {
		return err
	}
	return retrypolicy.Do(ctx, p.retryPolicy, classifyAsClassification, func() error {
		return bot.Session.DeleteMessage(channelID, messageID)
	})
}

// DeleteMessagesBulk deletes a batch of messages in one channel.
func (p *Pool) DeleteMessagesBulk(ctx context.Context, channelID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	bot, err := p.anyReadable(channelID)
	if err != nil {
		return err
	}
	return retrypolicy.Do(ctx, p.retryPolicy, classifyAsClassification, func() error {
		return bot.Session.DeleteMessagesBulk(channelID, messageIDs)
	})
}

func (p *Pool) anyReadable(channelID string) (*Bot, error) {
	for _, b := range p.bots {
		if b.ReadableChannels[channelID] {
			return b, nil
		}
	}
	return nil, fmt.Errorf("botpool: no bot can read channel %s: %w", channelID, vaulterrors.BackendUnavailable)
}

func classifyAsClassification(err error) retrypolicy.Classification {
	retryable, retryAfter := classifyChatError(err)
	return retrypolicy.Classification{Retryable: retryable, RetryAfter: retryAfter}
}

// wrapExhaustedErr distinguishes a persistently rate-limited exhaustion
// (terminal cause carried a nonzero Retry-After) from a plain transfer
// failure, per spec.md §9's RateLimited/TransferFailed split.
func wrapExhaustedErr(err error) error {
	var exhausted *retrypolicy.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.RetryAfter > 0 {
		return &vaulterrors.RateLimitError{RetryAfter: exhausted.RetryAfter, Err: exhausted.Err}
	}
	return fmt.Errorf("%v: %w", err, vaulterrors.TransferFailed)
}
