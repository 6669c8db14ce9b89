// Package resolver implements C6: refreshing expired attachment URLs by
// re-fetching the owning chat messages via C4 and rebinding parts to
// attachments. Grounded on spec.md §4.6; no direct teacher analogue (the
// teacher never refreshes a stored URL), so the match/group shape follows
// the rclone Discord backend's JournalMetadata URL-list handling in
// other_examples/be875346_rclone-rclone__backend-discord-discord.go.go.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"discordvault/internal/botpool"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/vaulterrors"
)

// Mode controls how Resolve reacts to an unreachable message or an
// unresolvable attachment mapping (spec.md §4.6 failure modes).
type Mode int

const (
	// Strict fails the whole call with SourceDataMissing — the default for
	// user-initiated downloads.
	Strict Mode = iota
	// Graceful logs a warning and skips the affected parts, leaving their
	// stale discord_url in place so a later fetch fails distinguishably.
	Graceful
)

type Resolver struct {
	Pool  *botpool.Pool
	Index *index.Index
	log   *logging.Logger
}

func New(pool *botpool.Pool, idx *index.Index) *Resolver {
	return &Resolver{Pool: pool, Index: idx, log: logging.New(logging.TagResolver)}
}

// Resolve refreshes discord_url on a copy of parts and batch-writes the
// changes to the index immediately. The returned slice preserves the input
// order and length; callers should use it in place of the input regardless
// of mode.
func (r *Resolver) Resolve(ctx context.Context, parts []index.Part, mode Mode) ([]index.Part, error) {
	out, updates, err := r.resolveNoPersist(ctx, parts, mode)
	if err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := r.Index.UpdatePartURLs(updates); err != nil {
			r.log.Warn("batch url write failed, continuing with in-memory urls: %v", err)
		}
	}
	return out, nil
}

// ResolveNoPersist behaves like Resolve but leaves persistence to the
// caller, returning the pending updates alongside the refreshed parts. C10
// uses this to accumulate updates across many parts and flush them in
// batches of 500 (spec.md §4.10) rather than one row at a time.
func (r *Resolver) ResolveNoPersist(ctx context.Context, parts []index.Part, mode Mode) ([]index.Part, []index.PartURLUpdate, error) {
	return r.resolveNoPersist(ctx, parts, mode)
}

func (r *Resolver) resolveNoPersist(ctx context.Context, parts []index.Part, mode Mode) ([]index.Part, []index.PartURLUpdate, error) {
	out := append([]index.Part(nil), parts...)
	byID := make(map[int64]int, len(out))
	for i, p := range out {
		byID[p.ID] = i
	}

	var updates []index.PartURLUpdate
	for messageID, group := range groupByMessage(parts) {
		sorted := append([]index.Part(nil), group...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

		msg, err := r.Pool.FetchMessage(ctx, messageID, sorted[0].ChannelID)
		if err != nil {
			if mode == Strict {
				return nil, nil, fmt.Errorf("resolver: fetch message %s: %w", messageID, err)
			}
			r.log.Warn("graceful mode: fetch message %s failed, skipping %d part(s): %v", messageID, len(sorted), err)
			continue
		}
		if msg == nil {
			if mode == Strict {
				return nil, nil, fmt.Errorf("resolver: message %s not found: %w", messageID, vaulterrors.SourceDataMissing)
			}
			r.log.Warn("graceful mode: message %s not found, skipping %d part(s)", messageID, len(sorted))
			continue
		}

		matched, err := matchAttachments(sorted, msg.Attachments)
		if err != nil {
			if mode == Strict {
				return nil, nil, fmt.Errorf("resolver: message %s: %w: %w", messageID, err, vaulterrors.SourceDataMissing)
			}
			r.log.Warn("graceful mode: message %s: %v, skipping %d part(s)", messageID, err, len(sorted))
			continue
		}

		for partID, newURL := range matched {
			i, ok := byID[partID]
			if !ok {
				continue
			}
			out[i].DiscordURL = newURL
			updates = append(updates, index.PartURLUpdate{PartID: partID, NewURL: newURL})
		}
	}

	return out, updates, nil
}

func groupByMessage(parts []index.Part) map[string][]index.Part {
	groups := make(map[string][]index.Part)
	for _, p := range parts {
		groups[p.MessageID] = append(groups[p.MessageID], p)
	}
	return groups
}

// matchAttachments binds each part, in part_number order, to one
// attachment: first by exact filename match against the decoded suffix of
// its cached URL, then by positional index within the message's
// attachments (spec.md §4.6).
func matchAttachments(sorted []index.Part, attachments []botpool.MessageAttachment) (map[int64]string, error) {
	byName := make(map[string]botpool.MessageAttachment, len(attachments))
	for _, a := range attachments {
		byName[a.Name] = a
	}

	out := make(map[int64]string, len(sorted))
	for i, p := range sorted {
		if name := filenameFromURL(p.DiscordURL); name != "" {
			if a, ok := byName[name]; ok {
				out[p.ID] = a.URL
				continue
			}
		}
		if i >= len(attachments) {
			return nil, fmt.Errorf("attachment count mismatch: message has %d, expected %d", len(attachments), len(sorted))
		}
		out[p.ID] = attachments[i].URL
	}
	return out, nil
}

func filenameFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(u.Path, "/")
	last := segs[len(segs)-1]
	if decoded, err := url.PathUnescape(last); err == nil {
		return decoded
	}
	return last
}
